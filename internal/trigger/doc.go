// Package trigger implements the scheduled communication engine: rules
// describing when and to whom to send a communication, a poll-driven run
// coordinator with an engine-wide overlap guard, category filtering with
// fail-open parsing, due-date projection, and per-recipient dispatch
// with failure isolation.
//
// Persistence and outbound transports are consumed through the narrow
// Store / EmailSender / WhatsAppSender interfaces; only a rule's
// LastRunAt is ever written back.
package trigger
