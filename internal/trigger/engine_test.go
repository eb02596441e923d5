package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duewatch/pkg/logx"
)

func newTestEngine(t *testing.T, st *fakeStore, wa *fakeWhatsApp, at time.Time) *Engine {
	t.Helper()
	d := NewDispatcher(st, &fakeEmail{failTo: map[string]error{}}, wa, logx.Nop())
	e := NewEngine(EngineConfig{Timezone: "UTC"}, st, st, d, nil, logx.Nop())
	e.now = func() time.Time { return at }
	return e
}

func (e *Engine) setNow(at time.Time) { e.now = func() time.Time { return at } }

func TestSpecificDatetimeFiresOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)
	scheduled := now.Add(-time.Hour)

	st := newFakeStore()
	st.rules = []Rule{{
		ID: "r1", TenantID: "t1", Module: "invoices", IsActive: true,
		Channel: ChannelWhatsApp, MessageText: "due soon",
		TriggerType: TriggerAt, ScheduledAt: &scheduled,
	}}
	st.transports["t1"] = TransportConfig{TenantID: "t1", WhatsAppFrom: "+1555"}
	st.addRecords("t1", "invoices", CandidateRecord{ID: "i1", Phone: "+6281", Status: "pending"})

	wa := newFakeWhatsApp()
	e := newTestEngine(t, st, wa, now)

	e.runCycle(context.Background())
	require.Len(t, wa.sent, 1)
	at, ok := st.lastRun("r1")
	require.True(t, ok)
	require.False(t, at.Before(scheduled))

	// Any number of later cycles must not refire for the same timestamp.
	for i := 0; i < 5; i++ {
		e.setNow(now.Add(time.Duration(i+1) * time.Hour))
		e.runCycle(context.Background())
	}
	require.Len(t, wa.sent, 1)
}

func TestSpecificDatetimeNotDueBeforeTimestamp(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)
	scheduled := now.Add(time.Hour)

	st := newFakeStore()
	st.rules = []Rule{{
		ID: "r1", TenantID: "t1", Module: "invoices", IsActive: true,
		Channel: ChannelWhatsApp, MessageText: "x",
		TriggerType: TriggerAt, ScheduledAt: &scheduled,
	}}

	e := newTestEngine(t, st, newFakeWhatsApp(), now)
	e.runCycle(context.Background())
	_, ok := st.lastRun("r1")
	require.False(t, ok, "future-scheduled rule must not run")
}

func TestRelativeRuleRunsAtMostDaily(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)

	st := newFakeStore()
	st.rules = []Rule{{
		ID: "r1", TenantID: "t1", Module: "invoices", IsActive: true,
		Channel: ChannelWhatsApp, MessageText: "x",
		TriggerType: TriggerBeforeDue, DaysOffset: 0,
	}}
	st.transports["t1"] = TransportConfig{TenantID: "t1", WhatsAppFrom: "+1555"}
	st.addRecords("t1", "invoices", CandidateRecord{
		ID: "i1", Phone: "+6281", ReferenceDate: now.AddDate(0, 0, -14), TermDays: 14, Status: "pending",
	})

	wa := newFakeWhatsApp()
	e := newTestEngine(t, st, wa, now)

	e.runCycle(context.Background())
	require.Len(t, wa.sent, 1)

	// Re-polling within the window is a no-op for this rule.
	e.setNow(now.Add(5 * time.Minute))
	e.runCycle(context.Background())
	e.setNow(now.Add(12 * time.Hour))
	e.runCycle(context.Background())
	require.Len(t, wa.sent, 1)

	// Past the 24h window it evaluates again; the record is no longer at
	// offset 0, so nothing is sent but the rule still advances.
	next := now.Add(25 * time.Hour)
	e.setNow(next)
	e.runCycle(context.Background())
	require.Len(t, wa.sent, 1)
	at, _ := st.lastRun("r1")
	require.True(t, at.Equal(next), "lastRunAt should be the evaluation time")
}

func TestFailureIsolationAcrossRecipients(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)

	st := newFakeStore()
	st.rules = []Rule{{
		ID: "r1", TenantID: "t1", Module: "invoices", IsActive: true,
		Channel: ChannelWhatsApp, MessageText: "x",
		TriggerType: TriggerBeforeDue, DaysOffset: 0,
	}}
	st.transports["t1"] = TransportConfig{TenantID: "t1", WhatsAppFrom: "+1555"}
	for _, id := range []string{"a", "b", "c"} {
		st.addRecords("t1", "invoices", CandidateRecord{
			ID: id, Phone: "+62" + id, ReferenceDate: now, TermDays: 0, Status: "pending",
		})
	}

	wa := newFakeWhatsApp()
	wa.failTo["+62b"] = errors.New("boom")
	e := newTestEngine(t, st, wa, now)

	e.runCycle(context.Background())

	// The 2nd failure didn't stop the 3rd dispatch.
	require.Len(t, wa.sent, 2)
	require.Contains(t, wa.sent, "+62a")
	require.Contains(t, wa.sent, "+62c")

	require.Len(t, st.runs, 1)
	out := st.runs[0].Outcome
	require.Equal(t, 3, out.Attempted)
	require.Equal(t, 2, out.Succeeded)
	require.Equal(t, 1, out.Failed)

	_, ok := st.lastRun("r1")
	require.True(t, ok, "lastRunAt must advance despite failures")
}

func TestZeroRecipientsStillAdvancesLastRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)

	st := newFakeStore()
	st.rules = []Rule{{
		ID: "r1", TenantID: "t1", Module: "invoices", IsActive: true,
		Channel: ChannelWhatsApp, MessageText: "x",
		TriggerType: TriggerAfterDue, DaysOffset: 3,
	}}

	e := newTestEngine(t, st, newFakeWhatsApp(), now)
	e.runCycle(context.Background())

	at, ok := st.lastRun("r1")
	require.True(t, ok, "a rule with no matches is still considered run")
	require.True(t, at.Equal(now))

	// And therefore it is not due again on the next poll.
	e.setNow(now.Add(5 * time.Minute))
	e.runCycle(context.Background())
	require.Len(t, st.runs, 1)
}

func TestResolveErrorTreatedAsZeroRecipients(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)

	st := newFakeStore()
	st.rules = []Rule{{
		ID: "r1", TenantID: "t1", Module: "invoices", IsActive: true,
		Channel: ChannelWhatsApp, MessageText: "x",
		TriggerType: TriggerBeforeDue, DaysOffset: 1,
	}}
	st.listRecordsErr = errors.New("db down")

	e := newTestEngine(t, st, newFakeWhatsApp(), now)
	e.runCycle(context.Background())

	_, ok := st.lastRun("r1")
	require.True(t, ok)
	require.Len(t, st.runs, 1)
	require.Contains(t, st.runs[0].Err, "db down")
}

func TestSkippedRecipientCountsAsSkippedOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)

	st := newFakeStore()
	st.rules = []Rule{{
		ID: "r1", TenantID: "t1", Module: "invoices", IsActive: true,
		Channel: ChannelWhatsApp, MessageText: "x",
		TriggerType: TriggerBeforeDue, DaysOffset: 0,
	}}
	st.transports["t1"] = TransportConfig{TenantID: "t1", WhatsAppFrom: "+1555"}
	st.addRecords("t1", "invoices",
		CandidateRecord{ID: "ok", Phone: "+628", ReferenceDate: now, TermDays: 0, Status: "pending"},
		CandidateRecord{ID: "nophone", ReferenceDate: now, TermDays: 0, Status: "pending"},
	)

	e := newTestEngine(t, st, newFakeWhatsApp(), now)
	e.runCycle(context.Background())

	require.Len(t, st.runs, 1)
	out := st.runs[0].Outcome
	require.Equal(t, 2, out.Attempted)
	require.Equal(t, 1, out.Succeeded)
	require.Equal(t, 0, out.Failed, "missing contact channel is not a failure")
	require.Equal(t, 1, out.Skipped)
}

func TestCallChannelNeverCountsAsDeliveredOrFailed(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)

	st := newFakeStore()
	st.rules = []Rule{{
		ID: "r1", TenantID: "t1", Module: "invoices", IsActive: true,
		Channel: ChannelCall, CallScriptID: "script-1",
		TriggerType: TriggerBeforeDue, DaysOffset: 0,
	}}
	st.addRecords("t1", "invoices", CandidateRecord{
		ID: "i1", Phone: "+628", ReferenceDate: now, TermDays: 0, Status: "pending",
	})

	e := newTestEngine(t, st, newFakeWhatsApp(), now)
	e.runCycle(context.Background())

	require.Len(t, st.runs, 1)
	out := st.runs[0].Outcome
	require.Equal(t, 1, out.Attempted)
	require.Equal(t, 1, out.Stubbed)
	require.Equal(t, 0, out.Succeeded)
	require.Equal(t, 0, out.Failed)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)

	gate := make(chan struct{})
	st := newFakeStore()
	gated := &gatedStore{fakeStore: st, gate: gate, entered: make(chan struct{})}

	d := NewDispatcher(gated, &fakeEmail{}, newFakeWhatsApp(), logx.Nop())
	e := NewEngine(EngineConfig{Timezone: "UTC"}, gated, gated, d, nil, logx.Nop())
	e.setNow(now)
	e.mu.Lock()
	e.runCtx = context.Background()
	e.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.tick() // blocks on the gated rule load
	}()

	// Wait for cycle 1 to be inside the store call, then fire cycle 2.
	<-gated.entered
	e.tick()
	require.Equal(t, uint64(1), e.Snapshot().SkippedCycles)
	require.Equal(t, uint64(0), e.Snapshot().Cycles)

	close(gate)
	wg.Wait()
	require.Equal(t, uint64(1), e.Snapshot().Cycles)
}

// gatedStore blocks the first ListActiveRules call until gate is closed.
type gatedStore struct {
	*fakeStore
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (g *gatedStore) ListActiveRules(ctx context.Context) ([]Rule, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.gate
	}
	return g.fakeStore.ListActiveRules(ctx)
}
