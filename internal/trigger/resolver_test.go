package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duewatch/pkg/logx"
)

func invoice(id, category string, due time.Time, termDays int) CandidateRecord {
	return CandidateRecord{
		ID:            id,
		TenantID:      "t1",
		Module:        "invoices",
		Category:      category,
		ReferenceDate: due.AddDate(0, 0, -termDays),
		TermDays:      termDays,
		Status:        "pending",
	}
}

func TestResolveDaysBeforeDue(t *testing.T) {
	t.Parallel()
	today := date(2025, time.June, 7)
	st := newFakeStore()
	st.addRecords("t1", "invoices",
		invoice("hit", "Alpha", today.AddDate(0, 0, 3), 30),
		invoice("early", "Alpha", today.AddDate(0, 0, 2), 30),
		invoice("late", "Alpha", today.AddDate(0, 0, 4), 30),
	)

	r := NewResolver(st, time.UTC, logx.Nop())
	rule := Rule{ID: "r1", TenantID: "t1", Module: "invoices", TriggerType: TriggerBeforeDue, DaysOffset: 3}

	got, err := r.Resolve(context.Background(), rule, today)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "hit", got[0].ID)
}

func TestResolveDaysAfterDueBoundary(t *testing.T) {
	t.Parallel()
	today := date(2025, time.June, 7)
	st := newFakeStore()
	st.addRecords("t1", "invoices",
		invoice("today", "Alpha", today, 14),
		invoice("yesterday", "Alpha", today.AddDate(0, 0, -1), 14),
		invoice("tomorrow", "Alpha", today.AddDate(0, 0, 1), 14),
	)

	r := NewResolver(st, time.UTC, logx.Nop())
	rule := Rule{ID: "r1", TenantID: "t1", Module: "invoices", TriggerType: TriggerAfterDue, DaysOffset: 0}

	got, err := r.Resolve(context.Background(), rule, today)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "today", got[0].ID)
}

func TestResolveFilterApplied(t *testing.T) {
	t.Parallel()
	today := date(2025, time.June, 7)
	due := today.AddDate(0, 0, 3)
	st := newFakeStore()
	st.addRecords("t1", "invoices",
		invoice("a", "Alpha", due, 30),
		invoice("b", "Beta", due, 30),
		invoice("g", "Gamma", due, 30),
	)

	r := NewResolver(st, time.UTC, logx.Nop())
	rule := Rule{
		ID: "r1", TenantID: "t1", Module: "invoices",
		TriggerType: TriggerBeforeDue, DaysOffset: 3,
		FilterCondition: "(Alpha|Beta)",
	}

	got, err := r.Resolve(context.Background(), rule, today)
	require.NoError(t, err)
	ids := []string{}
	for _, rec := range got {
		ids = append(ids, rec.ID)
	}
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestResolveSpecificDatetimeSkipsOffsetTest(t *testing.T) {
	t.Parallel()
	today := date(2025, time.June, 7)
	st := newFakeStore()
	// Due dates all over the place; a time-based rule takes every
	// matching-category record.
	st.addRecords("t1", "invoices",
		invoice("a", "Alpha", today.AddDate(0, 0, -40), 30),
		invoice("b", "Alpha", today.AddDate(0, 0, 90), 30),
	)

	r := NewResolver(st, time.UTC, logx.Nop())
	at := today.Add(-time.Hour)
	rule := Rule{ID: "r1", TenantID: "t1", Module: "invoices", TriggerType: TriggerAt, ScheduledAt: &at}

	got, err := r.Resolve(context.Background(), rule, today)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestResolveQueryError(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.listRecordsErr = errors.New("db gone")

	r := NewResolver(st, time.UTC, logx.Nop())
	rule := Rule{ID: "r1", TenantID: "t1", Module: "invoices", TriggerType: TriggerBeforeDue, DaysOffset: 3}

	_, err := r.Resolve(context.Background(), rule, date(2025, time.June, 7))
	require.Error(t, err)
	require.Contains(t, err.Error(), "r1")
}
