package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"lola-gateway/internal/ai"
	"lola-gateway/internal/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageEmpty    = errors.New("message content is empty")
	ErrSessionStore    = errors.New("session store unavailable")
	ErrUpstream        = errors.New("completion source failed")
)

// SessionStore is the durable transcript store consumed by the pipeline.
// FindSession returns nil without error for an unknown session_id.
type SessionStore interface {
	FindSession(ctx context.Context, sessionID string) (*model.ChatSession, error)
	CreateSession(ctx context.Context, sessionID, userID string) (*model.ChatSession, error)
	AppendTurn(ctx context.Context, sessionID string, turn model.ChatMessage) error
	History(ctx context.Context, sessionID string, limit int) ([]model.ChatMessage, error)
	ListByUserID(ctx context.Context, userID string) ([]model.ChatSession, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
}

// CompletionSource produces one streamed assistant reply for an ordered
// conversation.
type CompletionSource interface {
	Complete(ctx context.Context, messages []ai.ChatMessage) (ai.CompletionStream, error)
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, bool, error)
	SetHistory(ctx context.Context, sessionID string, messages []model.ChatMessage) error
	DeleteHistory(ctx context.Context, sessionID string) error
	MarkDirty(ctx context.Context, sessionID string) error
	IsDirty(ctx context.Context, sessionID string) (bool, error)
}

// TurnEmitter is the client-facing side of one turn. Chunk relays a single
// fragment; Done signals that the fragment sequence ran to completion.
type TurnEmitter interface {
	Chunk(content string) error
	Done() error
}

type ChatService struct {
	store        SessionStore
	historyCache HistoryCache
	source       CompletionSource
	systemPrompt string
	maxContext   int
}

type StreamTurnInput struct {
	SessionID string
	UserID    string
	Message   string
}

func NewChatService(
	store SessionStore,
	historyCache HistoryCache,
	source CompletionSource,
	systemPrompt string,
	maxContext int,
) *ChatService {
	if maxContext <= 0 {
		maxContext = 20
	}
	return &ChatService{
		store:        store,
		historyCache: historyCache,
		source:       source,
		systemPrompt: systemPrompt,
		maxContext:   maxContext,
	}
}

// StreamTurn runs one full turn: resolve the session, durably append the
// user turn, stream the completion through emit, then persist the assembled
// assistant turn.
//
// Error classes the caller can dispatch on:
//   - ErrMessageEmpty: blank message, nothing was written or sent
//   - ErrSessionStore: the user turn could not be persisted; no upstream
//     request was made
//   - ErrUpstream: the completion failed before or during streaming; any
//     partial reply has been persisted and no done frame was emitted
//
// Any other error came from emit itself, meaning the transport is gone; the
// partial reply has been persisted and the caller must not write further
// frames.
func (s *ChatService) StreamTurn(ctx context.Context, input StreamTurnInput, emit TurnEmitter) error {
	content := strings.TrimSpace(input.Message)
	if content == "" {
		return ErrMessageEmpty
	}

	session, err := s.store.FindSession(ctx, input.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionStore, err)
	}

	var history []model.ChatMessage
	if session == nil {
		if _, err := s.store.CreateSession(ctx, input.SessionID, input.UserID); err != nil {
			return fmt.Errorf("%w: %v", ErrSessionStore, err)
		}
	} else {
		history, err = s.store.History(ctx, input.SessionID, s.maxContext)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSessionStore, err)
		}
	}

	// The user's own words must survive even if everything downstream
	// fails, so this append is synchronous and gates the upstream request.
	userTurn := model.ChatMessage{
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendTurn(ctx, input.SessionID, userTurn); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionStore, err)
	}
	s.invalidateCache(ctx, input.SessionID)

	conversation := s.buildConversation(history, content)
	stream, err := s.source.Complete(ctx, conversation)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	var reply strings.Builder
	for {
		fragment, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = stream.Close()
			s.persistAssistantTurn(input.SessionID, reply.String())
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}

		reply.WriteString(fragment)
		if emitErr := emit.Chunk(fragment); emitErr != nil {
			// Client is gone; stop pulling fragments and keep what we have.
			_ = stream.Close()
			s.persistAssistantTurn(input.SessionID, reply.String())
			return fmt.Errorf("relay fragment failed: %w", emitErr)
		}
	}
	_ = stream.Close()

	doneErr := emit.Done()

	// The client already saw done (or is gone); a persist failure here is
	// operator-visible only.
	s.persistAssistantTurn(input.SessionID, reply.String())

	if doneErr != nil {
		return fmt.Errorf("emit done failed: %w", doneErr)
	}
	return nil
}

func (s *ChatService) buildConversation(history []model.ChatMessage, currentUserInput string) []ai.ChatMessage {
	messages := make([]ai.ChatMessage, 0, len(history)+2)
	messages = append(messages, ai.ChatMessage{
		Role:    "system",
		Content: s.systemPrompt,
	})
	for _, item := range history {
		role := item.Role
		if role == "" {
			role = model.RoleUser
		}
		messages = append(messages, ai.ChatMessage{
			Role:    role,
			Content: item.Content,
		})
	}
	messages = append(messages, ai.ChatMessage{
		Role:    model.RoleUser,
		Content: currentUserInput,
	})
	return messages
}

// persistAssistantTurn is best-effort: by the time it runs the client has
// either received done or disconnected. An empty reply is still written.
// Uses a fresh context because the connection's context may already be
// canceled.
func (s *ChatService) persistAssistantTurn(sessionID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	turn := model.ChatMessage{
		Role:      model.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendTurn(ctx, sessionID, turn); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("assistant turn persist failed")
		return
	}
	s.invalidateCache(ctx, sessionID)
}

func (s *ChatService) invalidateCache(ctx context.Context, sessionID string) {
	if s.historyCache == nil {
		return
	}
	_ = s.historyCache.MarkDirty(ctx, sessionID)
	_ = s.historyCache.DeleteHistory(ctx, sessionID)
}

// GetTranscript serves the collaborator REST read of a full session.
func (s *ChatService) GetTranscript(ctx context.Context, sessionID string) (*model.ChatSession, []model.ChatMessage, error) {
	session, err := s.store.FindSession(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSessionStore, err)
	}
	if session == nil {
		return nil, nil, ErrSessionNotFound
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return session, cached, nil
			}
		}
	}

	messages, err := s.store.History(ctx, sessionID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSessionStore, err)
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, sessionID, messages)
		}
	}
	return session, messages, nil
}

func (s *ChatService) ListSessions(ctx context.Context, userID string) ([]model.ChatSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	return s.store.ListByUserID(ctx, userID)
}

func (s *ChatService) DeleteTranscript(ctx context.Context, sessionID string) error {
	deleted, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionStore, err)
	}
	if !deleted {
		return ErrSessionNotFound
	}
	if s.historyCache != nil {
		_ = s.historyCache.DeleteHistory(ctx, sessionID)
	}
	return nil
}
