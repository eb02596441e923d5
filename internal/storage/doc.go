package storage

// Package storage is the sqlite-backed persistence layer: communication
// rules, pending business records, email templates, tenant transport
// configs, and the per-cycle run log.
//
// The engine reads everything and writes exactly two things: a rule's
// last_run_at, and run log appends.
