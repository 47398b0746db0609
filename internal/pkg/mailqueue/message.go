package mailqueue

import "time"

// Kind names the mail template a message asks for.
type Kind string

const (
	KindWelcome Kind = "welcome"
)

// MailMessage is one queued outbound mail.
type MailMessage struct {
	Kind      Kind      `json:"kind"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Retry     int       `json:"retry"`
}

// NewWelcomeMessage builds the message sent after an account is verified.
func NewWelcomeMessage(userID, email, name string) *MailMessage {
	return &MailMessage{
		Kind:      KindWelcome,
		UserID:    userID,
		Email:     email,
		Name:      name,
		Timestamp: time.Now(),
	}
}
