package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"duewatch/internal/trigger"
	"duewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// Store is the sqlite-backed implementation of trigger.Store and
// trigger.RunLogger.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && !strings.HasPrefix(cfg.Path, ":") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ListActiveRules(ctx context.Context) ([]trigger.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, description, module, channel, trigger_type,
		        scheduled_at, days_offset, filter_condition,
		        call_script_id, email_template_id, message_text,
		        is_active, last_run_at, created_at, updated_at
		 FROM rules WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trigger.Rule
	for rows.Next() {
		var r trigger.Rule
		var scheduledAt, lastRunAt sql.NullString
		var createdAt, updatedAt string
		var active int
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.Name, &r.Description, &r.Module, &r.Channel, &r.TriggerType,
			&scheduledAt, &r.DaysOffset, &r.FilterCondition,
			&r.CallScriptID, &r.EmailTemplateID, &r.MessageText,
			&active, &lastRunAt, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		r.IsActive = active != 0
		r.ScheduledAt = parseNullTime(scheduledAt)
		r.LastRunAt = parseNullTime(lastRunAt)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListPendingRecords(ctx context.Context, tenantID, module string) ([]trigger.CandidateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, module, document_no, customer_name, email, phone,
		        amount, category, reference_date, term_days, status
		 FROM records
		 WHERE tenant_id = ? AND module = ? AND status IN ('pending', 'open')`,
		tenantID, module)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trigger.CandidateRecord
	for rows.Next() {
		var rec trigger.CandidateRecord
		var refDate string
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.Module, &rec.DocumentNo, &rec.CustomerName,
			&rec.Email, &rec.Phone, &rec.Amount, &rec.Category, &refDate,
			&rec.TermDays, &rec.Status,
		); err != nil {
			return nil, err
		}
		rec.ReferenceDate = parseTime(refDate)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetEmailTemplate(ctx context.Context, tenantID, templateID string) (trigger.Template, error) {
	var t trigger.Template
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject, body FROM email_templates WHERE tenant_id = ? AND id = ?`,
		tenantID, templateID).Scan(&t.ID, &t.Subject, &t.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return trigger.Template{}, fmt.Errorf("template %s: %w", templateID, trigger.ErrNotFound)
	}
	if err != nil {
		return trigger.Template{}, err
	}
	return t, nil
}

func (s *Store) GetTransportConfig(ctx context.Context, tenantID string) (trigger.TransportConfig, error) {
	var c trigger.TransportConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, smtp_host, smtp_port, smtp_user, smtp_pass, email_from,
		        whatsapp_from, twilio_account_sid, twilio_auth_token
		 FROM transport_configs WHERE tenant_id = ?`,
		tenantID).Scan(
		&c.TenantID, &c.SMTPHost, &c.SMTPPort, &c.SMTPUser, &c.SMTPPass, &c.EmailFrom,
		&c.WhatsAppFrom, &c.TwilioAccountSID, &c.TwilioAuthToken,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return trigger.TransportConfig{}, fmt.Errorf("transport config for tenant %s: %w", tenantID, trigger.ErrNotFound)
	}
	if err != nil {
		return trigger.TransportConfig{}, err
	}
	return c, nil
}

func (s *Store) UpdateRuleLastRun(ctx context.Context, ruleID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET last_run_at = ?, updated_at = ? WHERE id = ?`,
		at.Format(timeLayout), time.Now().Format(timeLayout), ruleID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, trigger.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendRun(ctx context.Context, e trigger.RunEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log(at, cycle_id, rule_id, tenant_id, due, attempted, succeeded, failed, skipped, stubbed, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(timeLayout), e.CycleID, e.RuleID, e.TenantID, boolInt(e.Due),
		e.Outcome.Attempted, e.Outcome.Succeeded, e.Outcome.Failed, e.Outcome.Skipped, e.Outcome.Stubbed,
		nullStr(e.Err), e.TookMS,
	)
	return err
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	t := parseTime(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Dates written by external tooling may be date-only.
		if d, derr := time.ParseInLocation("2006-01-02", v, time.Local); derr == nil {
			return d
		}
		return time.Time{}
	}
	return t
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
