package model

import "time"

// ChatSession is a durable transcript keyed by an opaque client-supplied
// session_id. UserID is whatever the client declared at connect time; it is
// not authenticated.
type ChatSession struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	SessionID string    `gorm:"size:128;not null;uniqueIndex" json:"session_id"`
	UserID    string    `gorm:"size:128;index" json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
