package trigger

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"duewatch/pkg/logx"
)

// EngineConfig controls the run coordinator.
type EngineConfig struct {
	PollInterval time.Duration // how often rules are re-checked (default 5m)
	Timezone     string        // IANA TZ for due-date day boundaries
	// RelativeWindow is the minimum gap between evaluations of a
	// days_before_due / days_after_due rule (default 24h).
	RelativeWindow time.Duration
	SendRatePerSec int // outbound dispatch rate limit, 0 = unlimited
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.RelativeWindow <= 0 {
		c.RelativeWindow = 24 * time.Hour
	}
	return c
}

// Alerter receives operator-facing alerts (cycle errors, rules finishing
// with failures). Optional.
type Alerter interface {
	Alert(subject, detail string)
}

// Engine is the trigger clock and run coordinator: a single timer drives
// sequential cycles; each cycle loads the active rules, decides due-ness,
// resolves recipients and dispatches. One engine-wide guard ensures
// cycles never overlap; a tick that fires while the previous cycle is
// still in flight is skipped and logged, not queued.
type Engine struct {
	mu  sync.Mutex
	cfg EngineConfig
	loc *time.Location

	store      Store
	runs       RunLogger
	resolver   *Resolver
	dispatcher *Dispatcher
	alerter    Alerter
	log        logx.Logger

	c         *cron.Cron
	entry     cron.EntryID
	runCtx    context.Context
	runCancel context.CancelFunc

	// inCycle is the overlap guard for the whole engine, not per rule.
	inCycle atomic.Bool
	cycleWG sync.WaitGroup

	smu   sync.Mutex
	stats Stats

	// now is swappable in tests.
	now func() time.Time
}

// Stats is a point-in-time view of the coordinator's bookkeeping.
type Stats struct {
	Cycles        uint64
	SkippedCycles uint64
	LastCycleAt   time.Time
	LastCycleTook time.Duration
	Totals        RunOutcome
}

func NewEngine(cfg EngineConfig, store Store, runs RunLogger, dispatcher *Dispatcher, alerter Alerter, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := loadLocation(cfg.Timezone, log)
	e := &Engine{
		cfg:        cfg,
		loc:        loc,
		store:      store,
		runs:       runs,
		resolver:   NewResolver(store, loc, log),
		dispatcher: dispatcher,
		alerter:    alerter,
		log:        log,
		now:        time.Now,
	}
	if dispatcher != nil {
		dispatcher.SetRate(cfg.SendRatePerSec)
	}
	return e
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start launches the poll loop. Safe to call once; subsequent calls are
// no-ops until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c != nil {
		return nil
	}

	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.c = cron.New(cron.WithLocation(e.loc))
	id, err := e.c.AddFunc(fmt.Sprintf("@every %s", e.cfg.PollInterval), e.tick)
	if err != nil {
		e.c = nil
		e.runCancel()
		return fmt.Errorf("register poll schedule: %w", err)
	}
	e.entry = id
	e.c.Start()
	e.log.Info("trigger engine started",
		logx.Duration("poll", e.cfg.PollInterval),
		logx.String("tz", e.loc.String()),
	)
	return nil
}

// Stop cancels the timer and waits for an in-flight cycle to finish
// (bounded by ctx). A cycle is never interrupted mid-dispatch so a rule's
// LastRunAt cannot be left unset after partial sends.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	c := e.c
	cancel := e.runCancel
	e.c = nil
	e.runCancel = nil
	e.mu.Unlock()
	if c == nil {
		return
	}

	// cron's stop context completes once running jobs have returned.
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		e.cycleWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("engine stop timed out; cycle still in flight")
	}
	if cancel != nil {
		cancel()
	}
	e.log.Info("trigger engine stopped")
}

// Apply adopts new configuration at runtime. A changed poll interval
// reschedules the timer; the rate limit is swapped live.
func (e *Engine) Apply(cfg EngineConfig) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.cfg
	e.cfg = cfg
	if e.dispatcher != nil && cfg.SendRatePerSec != old.SendRatePerSec {
		e.dispatcher.SetRate(cfg.SendRatePerSec)
	}
	if e.c != nil && cfg.PollInterval != old.PollInterval {
		e.c.Remove(e.entry)
		id, err := e.c.AddFunc(fmt.Sprintf("@every %s", cfg.PollInterval), e.tick)
		if err != nil {
			e.log.Error("failed rescheduling poll; keeping old interval", logx.Err(err))
			e.cfg.PollInterval = old.PollInterval
			if id2, err2 := e.c.AddFunc(fmt.Sprintf("@every %s", old.PollInterval), e.tick); err2 == nil {
				e.entry = id2
			}
			return
		}
		e.entry = id
		e.log.Info("poll interval updated", logx.Duration("poll", cfg.PollInterval))
	}
}

// Snapshot returns a copy of the run counters.
func (e *Engine) Snapshot() Stats {
	e.smu.Lock()
	defer e.smu.Unlock()
	return e.stats
}

func (e *Engine) tick() {
	if !e.inCycle.CompareAndSwap(false, true) {
		e.smu.Lock()
		e.stats.SkippedCycles++
		e.smu.Unlock()
		e.log.Warn("poll tick skipped; previous cycle still running")
		return
	}
	defer e.inCycle.Store(false)

	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	e.cycleWG.Add(1)
	defer e.cycleWG.Done()
	e.runCycle(ctx)
}

// runCycle is one full poll-evaluate-dispatch pass. It must never
// propagate a panic into cron's goroutine: an unexpected bug ends the
// cycle, releases the guard, and the next tick proceeds normally.
func (e *Engine) runCycle(ctx context.Context) {
	start := e.now()
	cycleID := uuid.NewString()[:8]
	log := e.log.With(logx.String("cycle", cycleID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in trigger cycle",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			e.raise("trigger cycle panic", fmt.Sprint(r))
		}
	}()

	now := start.In(e.loc)
	rules, err := e.store.ListActiveRules(ctx)
	if err != nil {
		log.Error("cycle aborted; loading rules failed", logx.Err(err))
		e.raise("rule load failed", err.Error())
		return
	}

	var totals RunOutcome
	due := 0
	for i := range rules {
		rule := rules[i]
		isDue := e.ruleDue(rule, now)
		log.Debug("rule evaluated",
			logx.String("rule", rule.ID),
			logx.String("trigger", string(rule.TriggerType)),
			logx.Bool("due", isDue),
		)
		if !isDue {
			continue
		}
		due++
		out := e.runRule(ctx, log, cycleID, rule, now)
		totals.Attempted += out.Attempted
		totals.Succeeded += out.Succeeded
		totals.Failed += out.Failed
		totals.Skipped += out.Skipped
		totals.Stubbed += out.Stubbed
	}

	took := e.now().Sub(start)
	// One line per cycle, even when nothing was due: the log stream is
	// the liveness signal.
	log.Info("cycle complete",
		logx.Int("rules", len(rules)),
		logx.Int("due", due),
		logx.Int("attempted", totals.Attempted),
		logx.Int("succeeded", totals.Succeeded),
		logx.Int("failed", totals.Failed),
		logx.Int("skipped", totals.Skipped),
		logx.Duration("took", took),
	)

	e.smu.Lock()
	e.stats.Cycles++
	e.stats.LastCycleAt = start
	e.stats.LastCycleTook = took
	e.stats.Totals.Attempted += totals.Attempted
	e.stats.Totals.Succeeded += totals.Succeeded
	e.stats.Totals.Failed += totals.Failed
	e.stats.Totals.Skipped += totals.Skipped
	e.stats.Totals.Stubbed += totals.Stubbed
	e.smu.Unlock()
}

// ruleDue decides whether a rule fires this cycle.
//
// specific_datetime: due once its timestamp has passed, unless LastRunAt
// already covers it. LastRunAt is the sole idempotency guard; as long as
// it was persisted the rule never refires for the same timestamp, even
// across restarts.
//
// relative triggers: at most once per RelativeWindow (24h); which records
// actually communicate that day is the resolver's job.
func (e *Engine) ruleDue(rule Rule, now time.Time) bool {
	switch rule.TriggerType {
	case TriggerAt:
		if rule.ScheduledAt == nil {
			return false
		}
		if rule.ScheduledAt.After(now) {
			return false
		}
		return rule.LastRunAt == nil || rule.LastRunAt.Before(*rule.ScheduledAt)
	case TriggerBeforeDue, TriggerAfterDue:
		if rule.LastRunAt == nil {
			return true
		}
		e.mu.Lock()
		window := e.cfg.RelativeWindow
		e.mu.Unlock()
		return now.Sub(*rule.LastRunAt) >= window
	}
	return false
}

// runRule resolves and dispatches one due rule. Failures are isolated
// per recipient; a rule with zero matches is still considered "run" and
// has its LastRunAt advanced.
func (e *Engine) runRule(ctx context.Context, log logx.Logger, cycleID string, rule Rule, now time.Time) RunOutcome {
	start := e.now()
	var out RunOutcome
	var resolveErr error

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while running rule",
				logx.String("rule", rule.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	recs, err := e.resolver.Resolve(ctx, rule, now)
	if err != nil {
		// Treated as zero recipients for this cycle; the rule still
		// advances so it doesn't spin retrying every poll.
		log.Error("recipient resolution failed", logx.String("rule", rule.ID), logx.Err(err))
		resolveErr = err
		recs = nil
	}

	for _, rec := range recs {
		out.Attempted++
		switch e.dispatcher.Dispatch(ctx, rule, rec) {
		case OutcomeDelivered:
			out.Succeeded++
		case OutcomeFailed:
			out.Failed++
		case OutcomeSkipped:
			out.Skipped++
		case OutcomeNotImplemented:
			out.Stubbed++
		}
	}

	if err := e.store.UpdateRuleLastRun(ctx, rule.ID, now); err != nil {
		log.Error("persisting last run failed", logx.String("rule", rule.ID), logx.Err(err))
	}

	took := e.now().Sub(start)
	fields := []logx.Field{
		logx.String("rule", rule.ID),
		logx.String("tenant", rule.TenantID),
		logx.Int("recipients", len(recs)),
		logx.Int("succeeded", out.Succeeded),
		logx.Int("failed", out.Failed),
		logx.Int("skipped", out.Skipped),
		logx.Duration("took", took),
	}
	if out.Failed > 0 {
		log.Warn("rule run finished with failures", fields...)
		e.raise("rule "+rule.Name+" finished with failures",
			fmt.Sprintf("rule=%s tenant=%s failed=%d of %d", rule.ID, rule.TenantID, out.Failed, out.Attempted))
	} else {
		log.Info("rule run finished", fields...)
	}

	if e.runs != nil {
		entry := RunEntry{
			At:       start,
			CycleID:  cycleID,
			RuleID:   rule.ID,
			TenantID: rule.TenantID,
			Due:      true,
			Outcome:  out,
			TookMS:   took.Milliseconds(),
		}
		if resolveErr != nil {
			entry.Err = resolveErr.Error()
		}
		if err := e.runs.AppendRun(ctx, entry); err != nil {
			log.Warn("run log append failed", logx.String("rule", rule.ID), logx.Err(err))
		}
	}
	return out
}

func (e *Engine) raise(subject, detail string) {
	if e.alerter != nil {
		e.alerter.Alert(subject, detail)
	}
}
