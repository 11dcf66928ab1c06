package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lola-gateway/internal/app"
	"lola-gateway/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
}

func NewChatHandler(chatService *app.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// GetHistory returns the full transcript for a session. Public: session ids
// are opaque client-held keys, the frontend uses this to restore a chat
// widget after reload.
func (h *ChatHandler) GetHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid session_id")
		return
	}

	session, messages, err := h.chatService.GetTranscript(c.Request.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrSessionNotFound):
			response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, "chat session not found")
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get history failed")
		}
		return
	}

	response.OK(c, gin.H{
		"session_id": session.SessionID,
		"user_id":    session.UserID,
		"messages":   messages,
		"created_at": session.CreatedAt,
		"updated_at": session.UpdatedAt,
	})
}

// ListSessions returns the sessions whose declared user_id matches the
// authenticated account's id. The websocket accepts user_id as free text
// without verifying it, so this match is on the client's own declaration,
// not on proven ownership of the sessions.
func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	sessions, err := h.chatService.ListSessions(c.Request.Context(), strconv.FormatUint(uint64(userID), 10))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list sessions failed")
		}
		return
	}

	response.OK(c, sessions)
}

func (h *ChatHandler) DeleteHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid session_id")
		return
	}

	if err := h.chatService.DeleteTranscript(c.Request.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, app.ErrSessionNotFound):
			response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, "chat session not found")
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "delete history failed")
		}
		return
	}

	response.OK(c, gin.H{"deleted_session_id": sessionID})
}
