package trigger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups for a missing template or
	// transport config.
	ErrNotFound = errors.New("not found")
)

// Channel selects the delivery mechanism for a rule.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelCall     Channel = "call"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWhatsApp, ChannelCall:
		return true
	}
	return false
}

// TriggerType selects the due-ness semantics of a rule.
type TriggerType string

const (
	// TriggerAt fires once when an absolute timestamp has passed.
	TriggerAt TriggerType = "specific_datetime"
	// TriggerBeforeDue fires for records N days before their due date.
	TriggerBeforeDue TriggerType = "days_before_due"
	// TriggerAfterDue fires for records N days after their due date.
	TriggerAfterDue TriggerType = "days_after_due"
)

// Relative reports whether the trigger is keyed to record due dates
// rather than an absolute timestamp.
func (t TriggerType) Relative() bool {
	return t == TriggerBeforeDue || t == TriggerAfterDue
}

// Rule is a persisted communication rule. Created and edited elsewhere;
// the engine only ever writes LastRunAt.
//
// Exactly one of ScheduledAt / DaysOffset is meaningful depending on
// TriggerType; the other is ignored.
type Rule struct {
	ID          string
	TenantID    string
	Name        string
	Description string

	Module  string // record domain the rule applies to, e.g. "invoices"
	Channel Channel

	TriggerType TriggerType
	ScheduledAt *time.Time // specific_datetime only
	DaysOffset  int        // days_before_due / days_after_due only, >= 0

	// FilterCondition restricts the rule to an allow-list of record
	// categories. Empty means no restriction. See ParseFilter.
	FilterCondition string

	// Payload reference; which one is used depends on Channel.
	CallScriptID    string
	EmailTemplateID string
	MessageText     string

	IsActive  bool
	LastRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CandidateRecord is a read-only view of a business document (e.g. an
// invoice) that may receive a communication. The engine never writes it.
type CandidateRecord struct {
	ID            string
	TenantID      string
	Module        string
	DocumentNo    string
	CustomerName  string
	Email         string
	Phone         string
	Amount        float64
	Category      string
	ReferenceDate time.Time
	TermDays      int
	Status        string
}

// RunOutcome accumulates per-recipient results for one rule in one cycle.
// It is ephemeral; only the rule's LastRunAt survives the cycle.
type RunOutcome struct {
	Attempted int
	Succeeded int
	Failed    int
	// Skipped counts recipients missing the contact channel the rule
	// needs. Deliberately excluded from both Succeeded and Failed.
	Skipped int
	// Stubbed counts call-channel dispatches, which are recognized but
	// not integrated. Never folded into Succeeded or Failed.
	Stubbed int
}

// Template is a resolved email template.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TransportConfig is a tenant's outbound messaging configuration.
type TransportConfig struct {
	TenantID string

	SMTPHost  string
	SMTPPort  int
	SMTPUser  string
	SMTPPass  string
	EmailFrom string

	WhatsAppFrom     string
	TwilioAccountSID string
	TwilioAuthToken  string
}

// EmailConfigured reports whether the tenant can send email.
func (c TransportConfig) EmailConfigured() bool {
	return c.SMTPHost != "" && c.EmailFrom != ""
}

// WhatsAppConfigured reports whether the tenant can send WhatsApp messages.
func (c TransportConfig) WhatsAppConfigured() bool {
	return c.WhatsAppFrom != ""
}

// Store is the persistence surface the engine consumes. Implemented by
// internal/storage; tests use in-memory fakes.
type Store interface {
	ListActiveRules(ctx context.Context) ([]Rule, error)
	ListPendingRecords(ctx context.Context, tenantID, module string) ([]CandidateRecord, error)
	GetEmailTemplate(ctx context.Context, tenantID, templateID string) (Template, error)
	GetTransportConfig(ctx context.Context, tenantID string) (TransportConfig, error)
	UpdateRuleLastRun(ctx context.Context, ruleID string, at time.Time) error
}

// RunLogger receives one entry per rule per completed cycle. Optional;
// the engine tolerates a nil implementation.
type RunLogger interface {
	AppendRun(ctx context.Context, e RunEntry) error
}

// RunEntry is the persisted audit record for one rule evaluation.
type RunEntry struct {
	At       time.Time
	CycleID  string
	RuleID   string
	TenantID string
	Due      bool
	Outcome  RunOutcome
	Err      string
	TookMS   int64
}

// EmailSender delivers a rendered email through a tenant's transport.
type EmailSender interface {
	Send(ctx context.Context, cfg TransportConfig, to, subject, body string) error
}

// WhatsAppSender delivers a text message through a tenant's transport.
type WhatsAppSender interface {
	Send(ctx context.Context, cfg TransportConfig, to, message string) error
}
