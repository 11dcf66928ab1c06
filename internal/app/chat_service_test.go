package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"lola-gateway/internal/ai"
	"lola-gateway/internal/model"
)

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.ChatSession
	messages map[string][]model.ChatMessage

	findErr   error
	appendErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: map[string]*model.ChatSession{},
		messages: map[string][]model.ChatMessage{},
	}
}

func (s *memoryStore) FindSession(_ context.Context, sessionID string) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.sessions[sessionID], nil
}

func (s *memoryStore) CreateSession(_ context.Context, sessionID, userID string) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := &model.ChatSession{SessionID: sessionID, UserID: userID}
	s.sessions[sessionID] = session
	return session, nil
}

func (s *memoryStore) AppendTurn(_ context.Context, sessionID string, turn model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	turn.SessionID = sessionID
	s.messages[sessionID] = append(s.messages[sessionID], turn)
	return nil
}

func (s *memoryStore) History(_ context.Context, sessionID string, limit int) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.messages[sessionID]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]model.ChatMessage, len(messages))
	copy(out, messages)
	return out, nil
}

func (s *memoryStore) ListByUserID(_ context.Context, userID string) ([]model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []model.ChatSession
	for _, session := range s.sessions {
		if session.UserID == userID {
			sessions = append(sessions, *session)
		}
	}
	return sessions, nil
}

func (s *memoryStore) DeleteSession(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return true, nil
}

func (s *memoryStore) turns(sessionID string) []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ChatMessage, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out
}

type scriptedStream struct {
	fragments []string
	finalErr  error
	idx       int
	closed    bool
}

func (st *scriptedStream) Recv() (string, error) {
	if st.idx < len(st.fragments) {
		fragment := st.fragments[st.idx]
		st.idx++
		return fragment, nil
	}
	if st.finalErr != nil {
		return "", st.finalErr
	}
	return "", io.EOF
}

func (st *scriptedStream) Close() error {
	st.closed = true
	return nil
}

type scriptedSource struct {
	stream      *scriptedStream
	completeErr error
	calls       [][]ai.ChatMessage
}

func (src *scriptedSource) Complete(_ context.Context, messages []ai.ChatMessage) (ai.CompletionStream, error) {
	conversation := make([]ai.ChatMessage, len(messages))
	copy(conversation, messages)
	src.calls = append(src.calls, conversation)
	if src.completeErr != nil {
		return nil, src.completeErr
	}
	return src.stream, nil
}

type frame struct {
	kind    string
	content string
}

type recordingEmitter struct {
	frames   []frame
	chunkErr error
}

func (e *recordingEmitter) Chunk(content string) error {
	e.frames = append(e.frames, frame{kind: "chunk", content: content})
	return e.chunkErr
}

func (e *recordingEmitter) Done() error {
	e.frames = append(e.frames, frame{kind: "done"})
	return nil
}

func (e *recordingEmitter) chunkContents() string {
	var out string
	for _, f := range e.frames {
		if f.kind == "chunk" {
			out += f.content
		}
	}
	return out
}

func (e *recordingEmitter) doneCount() int {
	count := 0
	for _, f := range e.frames {
		if f.kind == "done" {
			count++
		}
	}
	return count
}

func newTestService(store SessionStore, source CompletionSource) *ChatService {
	return NewChatService(store, nil, source, "You are a test assistant.", 20)
}

func TestStreamTurnFirstMessageCreatesSessionAndPersistsBothTurns(t *testing.T) {
	store := newMemoryStore()
	source := &scriptedSource{stream: &scriptedStream{fragments: []string{"Hi", " there", "!"}}}
	svc := newTestService(store, source)
	emitter := &recordingEmitter{}

	err := svc.StreamTurn(context.Background(), StreamTurnInput{
		SessionID: "s1",
		UserID:    "u1",
		Message:   "Hello",
	}, emitter)
	require.NoError(t, err)

	session, err := store.FindSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, "u1", session.UserID)

	turns := store.turns("s1")
	require.Len(t, turns, 2)
	require.Equal(t, model.RoleUser, turns[0].Role)
	require.Equal(t, "Hello", turns[0].Content)
	require.Equal(t, model.RoleAssistant, turns[1].Role)
	require.Equal(t, "Hi there!", turns[1].Content)

	require.Equal(t, 1, emitter.doneCount())
	require.Equal(t, "Hi there!", emitter.chunkContents())
	require.Equal(t, frame{kind: "done"}, emitter.frames[len(emitter.frames)-1])

	// System persona goes upstream but never into the transcript.
	require.Len(t, source.calls, 1)
	require.Equal(t, "system", source.calls[0][0].Role)
	require.Equal(t, model.RoleUser, source.calls[0][1].Role)
	require.Equal(t, "Hello", source.calls[0][1].Content)
}

func TestStreamTurnBlankMessageIsSilentNoop(t *testing.T) {
	store := newMemoryStore()
	source := &scriptedSource{stream: &scriptedStream{}}
	svc := newTestService(store, source)
	emitter := &recordingEmitter{}

	for _, message := range []string{"", "   ", "\t\n "} {
		err := svc.StreamTurn(context.Background(), StreamTurnInput{SessionID: "s1", Message: message}, emitter)
		require.ErrorIs(t, err, ErrMessageEmpty)
	}

	require.Empty(t, emitter.frames)
	require.Empty(t, source.calls)
	require.Empty(t, store.turns("s1"))
}

func TestStreamTurnStoreFailureAbortsBeforeUpstream(t *testing.T) {
	store := newMemoryStore()
	store.appendErr = errors.New("mysql is down")
	source := &scriptedSource{stream: &scriptedStream{fragments: []string{"never"}}}
	svc := newTestService(store, source)
	emitter := &recordingEmitter{}

	err := svc.StreamTurn(context.Background(), StreamTurnInput{SessionID: "s1", Message: "Hello"}, emitter)
	require.ErrorIs(t, err, ErrSessionStore)
	require.Empty(t, source.calls)
	require.Empty(t, emitter.frames)
}

func TestStreamTurnMidStreamFailurePersistsPartialReply(t *testing.T) {
	store := newMemoryStore()
	stream := &scriptedStream{fragments: []string{"Hi", " there"}, finalErr: errors.New("upstream hiccup")}
	source := &scriptedSource{stream: stream}
	svc := newTestService(store, source)
	emitter := &recordingEmitter{}

	err := svc.StreamTurn(context.Background(), StreamTurnInput{SessionID: "s1", Message: "Hello"}, emitter)
	require.ErrorIs(t, err, ErrUpstream)

	require.Equal(t, 0, emitter.doneCount())
	require.Equal(t, "Hi there", emitter.chunkContents())
	require.True(t, stream.closed)

	turns := store.turns("s1")
	require.Len(t, turns, 2)
	require.Equal(t, model.RoleAssistant, turns[1].Role)
	require.Equal(t, "Hi there", turns[1].Content)
}

func TestStreamTurnImmediateUpstreamFailureEmitsNothing(t *testing.T) {
	store := newMemoryStore()
	source := &scriptedSource{completeErr: errors.New("503 from provider")}
	svc := newTestService(store, source)
	emitter := &recordingEmitter{}

	err := svc.StreamTurn(context.Background(), StreamTurnInput{SessionID: "s1", Message: "Hello"}, emitter)
	require.ErrorIs(t, err, ErrUpstream)
	require.Empty(t, emitter.frames)

	// The user turn is already durable by the time the upstream fails.
	turns := store.turns("s1")
	require.Len(t, turns, 1)
	require.Equal(t, model.RoleUser, turns[0].Role)
}

func TestStreamTurnZeroFragmentReplyPersistsEmptyAssistantTurn(t *testing.T) {
	store := newMemoryStore()
	source := &scriptedSource{stream: &scriptedStream{}}
	svc := newTestService(store, source)
	emitter := &recordingEmitter{}

	err := svc.StreamTurn(context.Background(), StreamTurnInput{SessionID: "s1", Message: "Hello"}, emitter)
	require.NoError(t, err)

	require.Equal(t, 1, emitter.doneCount())
	require.Equal(t, "", emitter.chunkContents())

	turns := store.turns("s1")
	require.Len(t, turns, 2)
	require.Equal(t, model.RoleAssistant, turns[1].Role)
	require.Equal(t, "", turns[1].Content)
}

func TestStreamTurnEmitterFailureStopsConsumptionAndPersistsPartial(t *testing.T) {
	store := newMemoryStore()
	stream := &scriptedStream{fragments: []string{"Hi", " there"}}
	source := &scriptedSource{stream: stream}
	svc := newTestService(store, source)
	emitter := &recordingEmitter{chunkErr: errors.New("broken pipe")}

	err := svc.StreamTurn(context.Background(), StreamTurnInput{SessionID: "s1", Message: "Hello"}, emitter)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUpstream)
	require.NotErrorIs(t, err, ErrSessionStore)

	require.True(t, stream.closed)
	require.Equal(t, 0, emitter.doneCount())

	// Only the first fragment made it out before the transport died.
	turns := store.turns("s1")
	require.Len(t, turns, 2)
	require.Equal(t, "Hi", turns[1].Content)
}

func TestStreamTurnSecondTurnCarriesFullTranscript(t *testing.T) {
	store := newMemoryStore()
	source := &scriptedSource{stream: &scriptedStream{fragments: []string{"First reply"}}}
	svc := newTestService(store, source)

	err := svc.StreamTurn(context.Background(), StreamTurnInput{SessionID: "s1", Message: "First question"}, &recordingEmitter{})
	require.NoError(t, err)

	source.stream = &scriptedStream{fragments: []string{"Second reply"}}
	err = svc.StreamTurn(context.Background(), StreamTurnInput{SessionID: "s1", Message: "Second question"}, &recordingEmitter{})
	require.NoError(t, err)

	require.Len(t, source.calls, 2)
	second := source.calls[1]
	require.Len(t, second, 4)
	require.Equal(t, "system", second[0].Role)
	require.Equal(t, "First question", second[1].Content)
	require.Equal(t, "First reply", second[2].Content)
	require.Equal(t, model.RoleAssistant, second[2].Role)
	require.Equal(t, "Second question", second[3].Content)
}

func TestStreamTurnToleratesUnpairedTrailingUserTurn(t *testing.T) {
	store := newMemoryStore()
	_, err := store.CreateSession(context.Background(), "s1", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(context.Background(), "s1", model.ChatMessage{Role: model.RoleUser, Content: "orphaned"}))

	source := &scriptedSource{stream: &scriptedStream{fragments: []string{"ok"}}}
	svc := newTestService(store, source)

	err = svc.StreamTurn(context.Background(), StreamTurnInput{SessionID: "s1", Message: "next"}, &recordingEmitter{})
	require.NoError(t, err)

	// The orphaned user turn rides along as valid context.
	require.Len(t, source.calls, 1)
	conversation := source.calls[0]
	require.Equal(t, "orphaned", conversation[1].Content)
	require.Equal(t, "next", conversation[2].Content)
}

func TestGetTranscriptUnknownSession(t *testing.T) {
	svc := newTestService(newMemoryStore(), &scriptedSource{})
	_, _, err := svc.GetTranscript(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteTranscript(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &scriptedSource{})

	_, err := store.CreateSession(context.Background(), "s1", "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTranscript(context.Background(), "s1"))
	require.ErrorIs(t, svc.DeleteTranscript(context.Background(), "s1"), ErrSessionNotFound)
}
