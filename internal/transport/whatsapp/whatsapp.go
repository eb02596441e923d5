// Package whatsapp delivers WhatsApp messages through Twilio.
package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"duewatch/internal/trigger"
)

type Sender struct {
	// Twilio clients are cached per account so per-dispatch sends don't
	// rebuild HTTP state.
	mu      sync.Mutex
	clients map[string]*twilio.RestClient
}

func New() *Sender {
	return &Sender{clients: map[string]*twilio.RestClient{}}
}

var _ trigger.WhatsAppSender = (*Sender)(nil)

func (s *Sender) Send(ctx context.Context, cfg trigger.TransportConfig, to, message string) error {
	if !cfg.WhatsAppConfigured() {
		return fmt.Errorf("tenant %s: whatsapp not configured", cfg.TenantID)
	}
	client := s.client(cfg)

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + normalizePhone(to))
	params.SetFrom("whatsapp:" + normalizePhone(cfg.WhatsAppFrom))
	params.SetBody(message)

	// The Twilio SDK is not context-aware; bound it the same way as the
	// SMTP sender.
	done := make(chan error, 1)
	go func() {
		_, err := client.Api.CreateMessage(params)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) client(cfg trigger.TransportConfig) *twilio.RestClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[cfg.TwilioAccountSID]; ok {
		return c
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	s.clients[cfg.TwilioAccountSID] = c
	return c
}

func normalizePhone(p string) string {
	p = strings.TrimSpace(p)
	return strings.TrimPrefix(p, "whatsapp:")
}
