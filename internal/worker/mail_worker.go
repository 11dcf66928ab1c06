package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"

	"lola-gateway/internal/config"
	"lola-gateway/internal/model"
)

// MailWorker consumes queued mail jobs and delivers them over SMTP.
type MailWorker struct {
	conn      *amqp.Connection
	smtp      config.SMTPConfig
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMailWorker(conn *amqp.Connection, smtp config.SMTPConfig, queueName string) *MailWorker {
	return &MailWorker{
		conn:      conn,
		smtp:      smtp,
		queueName: queueName,
	}
}

func (w *MailWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				var job model.MailJob
				if err := json.Unmarshal(d.Body, &job); err != nil {
					log.Error().Err(err).Msg("worker decode mail job failed")
					_ = d.Nack(false, false)
					continue
				}

				if err := w.send(job); err != nil {
					log.Error().Err(err).Str("job_id", job.ID).Str("email", job.Email).Msg("worker send mail failed")
					_ = d.Nack(false, false)
					continue
				}

				log.Info().Str("job_id", job.ID).Str("email", job.Email).Msg("mail delivered")
				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *MailWorker) send(job model.MailJob) error {
	subject, body := renderMail(job)

	msg := gomail.NewMessage()
	msg.SetHeader("From", w.smtp.From)
	msg.SetHeader("To", job.Email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	dialer := gomail.NewDialer(w.smtp.Host, w.smtp.Port, w.smtp.Username, w.smtp.Password)
	if err := dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

func renderMail(job model.MailJob) (subject, body string) {
	name := job.Name
	if name == "" {
		name = "there"
	}
	switch job.Kind {
	case model.MailKindWelcome:
		return "Welcome to the DPH newsletter",
			fmt.Sprintf("Hi %s,\n\nThanks for subscribing to the DPH newsletter. You can unsubscribe at any time from the website.\n", name)
	default:
		return "DPH notification", fmt.Sprintf("Hi %s,\n", name)
	}
}

func (w *MailWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
