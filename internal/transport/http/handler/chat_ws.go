package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"lola-gateway/internal/app"
)

const (
	errMsgInvalidFormat = "Invalid message format."
	errMsgGeneric       = "Something went wrong. Please try again."
)

// WSMessageIn is one inbound frame. Message is a pointer so a frame that
// omits the key entirely can be told apart from one carrying a blank string:
// the former is malformed, the latter is a deliberate no-op.
type WSMessageIn struct {
	SessionID string  `json:"session_id"`
	Message   *string `json:"message"`
	UserID    string  `json:"user_id"`
}

type WSMessageOut struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type ChatWSHandler struct {
	chatService *app.ChatService
}

func NewChatWSHandler(chatService *app.ChatService) *ChatWSHandler {
	return &ChatWSHandler{chatService: chatService}
}

// Serve owns one websocket connection for its lifetime. Inbound messages are
// handled strictly one at a time; the read loop does not resume until the
// current turn finished or failed.
func (h *ChatWSHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	connID := uuid.New().String()
	logger := log.With().Str("conn_id", connID).Logger()
	logger.Info().Msg("websocket client connected")

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("websocket handler panicked")
			// Best effort; the connection may already be unusable.
			_ = writeFrame(ws, "error", errMsgGeneric)
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			logger.Info().Str("reason", err.Error()).Msg("websocket client disconnected")
			return
		}

		var req WSMessageIn
		if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" || req.Message == nil {
			if werr := writeFrame(ws, "error", errMsgInvalidFormat); werr != nil {
				return
			}
			continue
		}

		if strings.TrimSpace(*req.Message) == "" {
			continue
		}

		err = h.chatService.StreamTurn(c.Request.Context(), app.StreamTurnInput{
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Message:   *req.Message,
		}, &wsTurnEmitter{conn: ws})

		switch {
		case err == nil:
		case errors.Is(err, app.ErrMessageEmpty):
			// Blank message, deliberately ignored.
		case errors.Is(err, app.ErrSessionStore), errors.Is(err, app.ErrUpstream):
			logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("turn failed")
			if werr := writeFrame(ws, "error", errMsgGeneric); werr != nil {
				return
			}
		default:
			// The emitter failed, so the transport is gone; no more writes.
			logger.Info().Err(err).Str("session_id", req.SessionID).Msg("turn interrupted by disconnect")
			return
		}
	}
}

type wsTurnEmitter struct {
	conn *websocket.Conn
}

func (e *wsTurnEmitter) Chunk(content string) error {
	return writeFrame(e.conn, "chunk", content)
}

func (e *wsTurnEmitter) Done() error {
	return writeFrame(e.conn, "done", "")
}

func writeFrame(conn *websocket.Conn, frameType, content string) error {
	payload, err := json.Marshal(WSMessageOut{Type: frameType, Content: content})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
