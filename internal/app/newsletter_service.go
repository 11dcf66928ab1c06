package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"lola-gateway/internal/model"
)

var (
	ErrAlreadySubscribed  = errors.New("email already subscribed")
	ErrSubscriberNotFound = errors.New("email not found")
)

// MailPublisher enqueues outbound mail for the worker; delivery is async.
type MailPublisher interface {
	Publish(ctx context.Context, job model.MailJob) error
}

// SubscriberStore persists newsletter subscriptions. GetByEmail returns nil
// without error when the address is unknown.
type SubscriberStore interface {
	Create(subscriber *model.NewsletterSubscriber) error
	GetByEmail(email string) (*model.NewsletterSubscriber, error)
	Reactivate(email string) error
	Deactivate(email string, at time.Time) error
}

type NewsletterService struct {
	subscriberRepo SubscriberStore
	publisher      MailPublisher
}

type SubscribeInput struct {
	Email string
	Name  string
}

func NewNewsletterService(subscriberRepo SubscriberStore, publisher MailPublisher) *NewsletterService {
	return &NewsletterService{
		subscriberRepo: subscriberRepo,
		publisher:      publisher,
	}
}

func (s *NewsletterService) Subscribe(ctx context.Context, input SubscribeInput) error {
	email := strings.TrimSpace(strings.ToLower(input.Email))
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidInput
	}

	existing, err := s.subscriberRepo.GetByEmail(email)
	if err != nil {
		return err
	}

	if existing != nil {
		if existing.IsActive {
			return ErrAlreadySubscribed
		}
		if err := s.subscriberRepo.Reactivate(email); err != nil {
			return err
		}
		return nil
	}

	subscriber := &model.NewsletterSubscriber{
		Email:        email,
		Name:         strings.TrimSpace(input.Name),
		IsActive:     true,
		SubscribedAt: time.Now(),
	}
	if err := s.subscriberRepo.Create(subscriber); err != nil {
		return err
	}

	s.enqueueWelcomeMail(ctx, subscriber)
	return nil
}

func (s *NewsletterService) Unsubscribe(ctx context.Context, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return ErrInvalidInput
	}

	existing, err := s.subscriberRepo.GetByEmail(email)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrSubscriberNotFound
	}

	return s.subscriberRepo.Deactivate(email, time.Now())
}

// enqueueWelcomeMail is best-effort: the subscription itself is already
// durable, a lost welcome mail is not worth failing the request over.
func (s *NewsletterService) enqueueWelcomeMail(ctx context.Context, subscriber *model.NewsletterSubscriber) {
	if s.publisher == nil {
		return
	}
	job := model.MailJob{
		ID:    uuid.New().String(),
		Kind:  model.MailKindWelcome,
		Email: subscriber.Email,
		Name:  subscriber.Name,
	}
	if err := s.publisher.Publish(ctx, job); err != nil {
		log.Warn().Err(err).Str("email", subscriber.Email).Msg("enqueue welcome mail failed")
	}
}
