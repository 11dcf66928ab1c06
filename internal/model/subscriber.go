package model

import "time"

type NewsletterSubscriber struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Email          string     `gorm:"size:128;not null;uniqueIndex" json:"email"`
	Name           string     `gorm:"size:128" json:"name,omitempty"`
	IsActive       bool       `gorm:"not null" json:"is_active"`
	SubscribedAt   time.Time  `json:"subscribed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
}
