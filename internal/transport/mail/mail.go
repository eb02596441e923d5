// Package mail delivers rendered emails over SMTP using a tenant's
// transport config.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"duewatch/internal/trigger"
)

type Sender struct{}

func New() *Sender { return &Sender{} }

var _ trigger.EmailSender = (*Sender)(nil)

func (s *Sender) Send(ctx context.Context, cfg trigger.TransportConfig, to, subject, body string) error {
	if !cfg.EmailConfigured() {
		return fmt.Errorf("tenant %s: smtp not configured", cfg.TenantID)
	}
	port := cfg.SMTPPort
	if port <= 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, port)

	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPHost)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", cfg.EmailFrom)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)

	// smtp.SendMail has no context support; run it on the side so a hung
	// server can't outlive the caller's deadline.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, cfg.EmailFrom, []string{to}, []byte(b.String()))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
