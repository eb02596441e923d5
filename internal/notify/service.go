// Package notify pushes engine alerts (cycle errors, rules finishing
// with failures) to an operator Telegram chat: queue + worker + rate
// limit + dedup window. Alerts are best-effort; a full queue drops the
// alert rather than blocking the engine.
package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"duewatch/pkg/logx"
)

// sender is the small slice of the bot API the worker needs; swapped in
// tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	bot     sender
	limiter *rate.Limiter

	queue    chan Alert
	runCtx   context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup

	// dedup: alert subject -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("notify enabled but token/chat_id missing")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: false})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	s.bot = b
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.bot != nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.bot == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Alert, s.cfg.QueueSize)
	s.runCtx, s.cancel = context.WithCancel(ctx)
	q := s.queue
	rctx := s.runCtx
	s.mu.Unlock()

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in notify worker", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.workerLoop(rctx, q)
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.queue = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Alert enqueues an operator alert. Never blocks; satisfies
// trigger.Alerter.
func (s *Service) Alert(subject, detail string) {
	s.mu.Lock()
	q := s.queue
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if q == nil {
		return
	}

	if window > 0 {
		now := time.Now()
		s.dmu.Lock()
		until, seen := s.dedup[subject]
		if seen && now.Before(until) {
			s.dmu.Unlock()
			return
		}
		s.dedup[subject] = now.Add(window)
		// Opportunistic cleanup; the map stays small in practice.
		if len(s.dedup) > 1000 {
			for k, v := range s.dedup {
				if now.After(v) {
					delete(s.dedup, k)
				}
			}
		}
		s.dmu.Unlock()
	}

	select {
	case q <- Alert{Subject: subject, Detail: detail, At: time.Now()}:
	default:
		s.log.Warn("alert queue full; dropping", logx.String("subject", subject))
	}
}

func (s *Service) workerLoop(ctx context.Context, queue <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-queue:
			s.deliver(ctx, a)
		}
	}
}

func (s *Service) deliver(ctx context.Context, a Alert) {
	s.mu.Lock()
	bot := s.bot
	chatID := s.cfg.ChatID
	lim := s.limiter
	s.mu.Unlock()
	if bot == nil {
		return
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	msg := fmt.Sprintf("[duewatch] %s\n%s\n- at=%s", a.Subject, a.Detail, a.At.Format(time.RFC3339))
	if _, err := bot.Send(tele.ChatID(chatID), msg); err != nil {
		s.log.Warn("alert delivery failed", logx.String("subject", a.Subject), logx.Err(err))
	}
}
