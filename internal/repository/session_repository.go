package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lola-gateway/internal/model"
)

// SessionRepository owns the chat_sessions and chat_messages tables. Turns
// are append-only; nothing here updates or deletes individual messages.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindSession returns nil without error when the session_id is unknown.
func (r *SessionRepository) FindSession(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &session, nil
}

func (r *SessionRepository) CreateSession(ctx context.Context, sessionID, userID string) (*model.ChatSession, error) {
	session := &model.ChatSession{
		SessionID: sessionID,
		UserID:    userID,
	}
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("create session failed: %w", err)
	}
	return session, nil
}

// AppendTurn writes one message row and refreshes the session's updated_at
// in the same transaction.
func (r *SessionRepository) AppendTurn(ctx context.Context, sessionID string, turn model.ChatMessage) error {
	turn.SessionID = sessionID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&turn).Error; err != nil {
			return err
		}
		return tx.Model(&model.ChatSession{}).
			Where("session_id = ?", sessionID).
			Update("updated_at", turn.CreatedAt).Error
	})
	if err != nil {
		return fmt.Errorf("append turn failed: %w", err)
	}
	return nil
}

// History returns the transcript in append order. A positive limit keeps
// only the most recent turns.
func (r *SessionRepository) History(ctx context.Context, sessionID string, limit int) ([]model.ChatMessage, error) {
	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if limit > 0 {
		query = query.Order("id DESC").Limit(limit)
	} else {
		query = query.Order("id ASC")
	}

	var messages []model.ChatMessage
	if err := query.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	if limit > 0 {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

func (r *SessionRepository) ListByUserID(ctx context.Context, userID string) ([]model.ChatSession, error) {
	var sessions []model.ChatSession
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its messages; reports whether the
// session existed.
func (r *SessionRepository) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("session_id = ?", sessionID).Delete(&model.ChatSession{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected > 0
		if !deleted {
			return nil
		}
		return tx.Where("session_id = ?", sessionID).Delete(&model.ChatMessage{}).Error
	})
	if err != nil {
		return false, fmt.Errorf("delete session failed: %w", err)
	}
	return deleted, nil
}
