package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// SendGridConfig holds credentials for the SendGrid API.
type SendGridConfig struct {
	APIKey string `json:"api_key"`
}

// SendGridProvider sends email via the SendGrid v3 Mail Send API.
type SendGridProvider struct {
	cfg      SendGridConfig
	client   *http.Client
	endpoint string
}

func NewSendGridProvider(cfg SendGridConfig) *SendGridProvider {
	return &SendGridProvider{cfg: cfg, client: http.DefaultClient, endpoint: sendGridEndpoint}
}

type sgAddress struct {
	Email string `json:"email"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content     []byte `json:"content"` // base64 by encoding/json
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

type sgMail struct {
	Personalizations []struct {
		To []sgAddress `json:"to"`
	} `json:"personalizations"`
	From        sgAddress      `json:"from"`
	Subject     string         `json:"subject"`
	Content     []sgContent    `json:"content"`
	Attachments []sgAttachment `json:"attachments,omitempty"`
}

func (p *SendGridProvider) mail(msg Message) sgMail {
	var m sgMail
	m.Personalizations = make([]struct {
		To []sgAddress `json:"to"`
	}, 1)
	for _, addr := range msg.To {
		m.Personalizations[0].To = append(m.Personalizations[0].To, sgAddress{Email: addr})
	}
	m.From = sgAddress{Email: msg.From}
	m.Subject = msg.Subject

	ct := "text/plain"
	if msg.HTML {
		ct = "text/html"
	}
	m.Content = []sgContent{{Type: ct, Value: msg.Body}}
	for _, a := range msg.Attachments {
		m.Attachments = append(m.Attachments, sgAttachment{
			Content:     a.Content,
			Filename:    a.Filename,
			Type:        a.ContentType,
			Disposition: "attachment",
		})
	}
	return m
}

func (p *SendGridProvider) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("message %q has no recipients", msg.Subject)
	}
	body, err := json.Marshal(p.mail(msg))
	if err != nil {
		return fmt.Errorf("marshal sendgrid mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sendgrid request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
