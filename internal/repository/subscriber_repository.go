package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lola-gateway/internal/model"
)

type SubscriberRepository struct {
	db *gorm.DB
}

func NewSubscriberRepository(db *gorm.DB) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

func (r *SubscriberRepository) Create(subscriber *model.NewsletterSubscriber) error {
	if err := r.db.Create(subscriber).Error; err != nil {
		return fmt.Errorf("create subscriber failed: %w", err)
	}
	return nil
}

func (r *SubscriberRepository) GetByEmail(email string) (*model.NewsletterSubscriber, error) {
	var subscriber model.NewsletterSubscriber
	if err := r.db.Where("email = ?", email).First(&subscriber).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query subscriber failed: %w", err)
	}
	return &subscriber, nil
}

func (r *SubscriberRepository) Reactivate(email string) error {
	err := r.db.Model(&model.NewsletterSubscriber{}).
		Where("email = ?", email).
		Updates(map[string]interface{}{
			"is_active":       true,
			"unsubscribed_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("reactivate subscriber failed: %w", err)
	}
	return nil
}

func (r *SubscriberRepository) Deactivate(email string, at time.Time) error {
	err := r.db.Model(&model.NewsletterSubscriber{}).
		Where("email = ?", email).
		Updates(map[string]interface{}{
			"is_active":       false,
			"unsubscribed_at": at,
		}).Error
	if err != nil {
		return fmt.Errorf("deactivate subscriber failed: %w", err)
	}
	return nil
}
