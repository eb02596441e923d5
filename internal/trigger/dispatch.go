package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"duewatch/pkg/logx"
)

// Outcome classifies one dispatch attempt.
type Outcome int

const (
	// OutcomeDelivered means the external send operation reported success.
	OutcomeDelivered Outcome = iota
	// OutcomeFailed covers transport errors and configuration gaps
	// (missing template, no transport configured for the tenant).
	OutcomeFailed
	// OutcomeSkipped means the record lacks the contact channel the rule
	// needs. Not a failure: a record without an email address was never
	// reachable by an email rule.
	OutcomeSkipped
	// OutcomeNotImplemented is the call channel: recognized, logged, no
	// action taken. Kept distinct so it can never masquerade as either a
	// delivery or a failure.
	OutcomeNotImplemented
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNotImplemented:
		return "not_implemented"
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

// Dispatcher routes one recipient to the channel a rule asks for. Any
// error from the external transport is contained here: it is logged with
// the recipient identity and surfaces only as OutcomeFailed, never as a
// returned error that could abort the batch.
type Dispatcher struct {
	store    Store
	email    EmailSender
	whatsapp WhatsAppSender
	log      logx.Logger

	// mu guards limiter; SetRate may be called from the config watcher
	// while a cycle is dispatching.
	mu      sync.Mutex
	limiter *rate.Limiter
}

func NewDispatcher(store Store, email EmailSender, whatsapp WhatsAppSender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{store: store, email: email, whatsapp: whatsapp, log: log}
}

// SetRate installs an outbound rate limit shared across channels.
// perSec <= 0 removes the limit.
func (d *Dispatcher) SetRate(perSec int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if perSec <= 0 {
		d.limiter = nil
		return
	}
	// Burst equals the per-second rate so short spikes don't block hard.
	d.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
}

// Dispatch sends one communication. It never returns an error; the
// Outcome is the whole story, pre-logged with recipient context.
func (d *Dispatcher) Dispatch(ctx context.Context, rule Rule, rec CandidateRecord) Outcome {
	log := d.log.With(
		logx.String("rule", rule.ID),
		logx.String("record", rec.ID),
		logx.String("channel", string(rule.Channel)),
	)

	switch rule.Channel {
	case ChannelEmail:
		if strings.TrimSpace(rec.Email) == "" {
			log.Info("dispatch skipped; record has no email address")
			return OutcomeSkipped
		}
		return d.sendEmail(ctx, rule, rec, log)

	case ChannelWhatsApp:
		if strings.TrimSpace(rec.Phone) == "" {
			log.Info("dispatch skipped; record has no phone number")
			return OutcomeSkipped
		}
		return d.sendWhatsApp(ctx, rule, rec, log)

	case ChannelCall:
		if strings.TrimSpace(rec.Phone) == "" {
			log.Info("dispatch skipped; record has no phone number")
			return OutcomeSkipped
		}
		// Voice placement has no integration yet; record the intent only.
		log.Info("call dispatch acknowledged (no voice integration)",
			logx.String("script", rule.CallScriptID),
			logx.String("customer", rec.CustomerName),
		)
		return OutcomeNotImplemented
	}

	log.Warn("dispatch failed; unknown channel")
	return OutcomeFailed
}

func (d *Dispatcher) sendEmail(ctx context.Context, rule Rule, rec CandidateRecord, log logx.Logger) Outcome {
	tpl, err := d.store.GetEmailTemplate(ctx, rule.TenantID, rule.EmailTemplateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Error("dispatch failed; email template missing", logx.String("template", rule.EmailTemplateID))
		} else {
			log.Error("dispatch failed; template lookup error", logx.Err(err))
		}
		return OutcomeFailed
	}

	cfg, err := d.store.GetTransportConfig(ctx, rule.TenantID)
	if err != nil || !cfg.EmailConfigured() {
		log.Error("dispatch failed; tenant has no email transport", logx.Err(err))
		return OutcomeFailed
	}

	subject := substitute(tpl.Subject, rec)
	body := substitute(tpl.Body, rec)

	if !d.wait(ctx, log) {
		return OutcomeFailed
	}
	if err := d.email.Send(ctx, cfg, rec.Email, subject, body); err != nil {
		log.Error("dispatch failed; email send error", logx.String("to", rec.Email), logx.Err(err))
		return OutcomeFailed
	}
	log.Debug("email dispatched", logx.String("to", rec.Email))
	return OutcomeDelivered
}

func (d *Dispatcher) sendWhatsApp(ctx context.Context, rule Rule, rec CandidateRecord, log logx.Logger) Outcome {
	cfg, err := d.store.GetTransportConfig(ctx, rule.TenantID)
	if err != nil || !cfg.WhatsAppConfigured() {
		log.Error("dispatch failed; tenant has no whatsapp transport", logx.Err(err))
		return OutcomeFailed
	}

	msg := substitute(rule.MessageText, rec)

	if !d.wait(ctx, log) {
		return OutcomeFailed
	}
	if err := d.whatsapp.Send(ctx, cfg, rec.Phone, msg); err != nil {
		log.Error("dispatch failed; whatsapp send error", logx.String("to", rec.Phone), logx.Err(err))
		return OutcomeFailed
	}
	log.Debug("whatsapp dispatched", logx.String("to", rec.Phone))
	return OutcomeDelivered
}

func (d *Dispatcher) wait(ctx context.Context, log logx.Logger) bool {
	d.mu.Lock()
	lim := d.limiter
	d.mu.Unlock()
	if lim == nil {
		return true
	}
	if err := lim.Wait(ctx); err != nil {
		log.Warn("dispatch aborted waiting for rate limit", logx.Err(err))
		return false
	}
	return true
}

// substitute fills the fixed placeholder set into message text and
// template bodies.
func substitute(text string, rec CandidateRecord) string {
	r := strings.NewReplacer(
		"{{customer_name}}", rec.CustomerName,
		"{{amount}}", fmt.Sprintf("%.2f", rec.Amount),
		"{{invoice_number}}", rec.DocumentNo,
	)
	return r.Replace(text)
}
