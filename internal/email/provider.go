package email

import "context"

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// Message holds the fields needed to send an email.
type Message struct {
	To          []string     `json:"to"`
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	HTML        bool         `json:"html"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Provider defines the interface each email provider must implement.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}
