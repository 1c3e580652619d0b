package email

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
)

// SMTPConfig holds credentials for an SMTP server.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// SMTPProvider sends email via SMTP. Authentication is only attempted when a
// username is configured.
type SMTPProvider struct {
	cfg SMTPConfig
	now func() time.Time
}

func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	return &SMTPProvider{cfg: cfg, now: time.Now}
}

func (p *SMTPProvider) Send(_ context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("message %q has no recipients", msg.Subject)
	}
	body, err := p.compose(msg)
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	var auth smtp.Auth
	if p.cfg.Username != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	return smtp.SendMail(addr, auth, msg.From, msg.To, body)
}

// compose renders msg as a MIME multipart/mixed message.
func (p *SMTPProvider) compose(msg Message) ([]byte, error) {
	var h mail.Header
	h.SetDate(p.now())
	h.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	to := make([]*mail.Address, len(msg.To))
	for i, addr := range msg.To {
		to[i] = &mail.Address{Address: addr}
	}
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	var th mail.InlineHeader
	contentType := "text/plain"
	if msg.HTML {
		contentType = "text/html"
	}
	th.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(th)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(msg.Body)); err != nil {
		return nil, err
	}
	w.Close()
	tw.Close()

	for _, a := range msg.Attachments {
		var ah mail.AttachmentHeader
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		ah.SetFilename(a.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(a.Content); err != nil {
			return nil, err
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
