package model

// MailJob is the payload queued for the mail worker. Kind selects the
// template; the worker owns rendering and delivery.
type MailJob struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

const MailKindWelcome = "newsletter_welcome"
