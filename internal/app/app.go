// Package app wires configuration, logging, storage, transports, the
// operator notifier and the trigger engine into one lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duewatch/internal/config"
	"duewatch/internal/notify"
	"duewatch/internal/storage"
	"duewatch/internal/transport/mail"
	"duewatch/internal/transport/whatsapp"
	"duewatch/internal/trigger"
	"duewatch/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    *storage.Store
	notifier *notify.Service
	engine   *trigger.Engine

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
	cfgCh       chan *config.Config
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("svc", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	store, err := storage.Open(storageConfig(cfg.Storage), log.With(logx.String("svc", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	notifier, err := notify.New(notifyConfig(cfg.Notify), log.With(logx.String("svc", "notify")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("init notifier: %w", err)
	}

	dispatcher := trigger.NewDispatcher(store, mail.New(), whatsapp.New(), log.With(logx.String("svc", "dispatch")))
	engine := trigger.NewEngine(
		engineConfig(cfg.Engine),
		store,
		store,
		dispatcher,
		notifier,
		log.With(logx.String("svc", "engine")),
	)

	return &App{
		cfgMgr:   mgr,
		logSvc:   logSvc,
		log:      log,
		store:    store,
		notifier: notifier,
		engine:   engine,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.notifier.Start(ctx)
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	// Hot reload: watch the file and re-apply logging/engine settings.
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.cfgCh = a.cfgMgr.Subscribe(1)

	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		_ = a.cfgMgr.Watch(wctx)
	}()
	go func() {
		defer a.watchWG.Done()
		for {
			select {
			case <-wctx.Done():
				return
			case cfg := <-a.cfgCh:
				if cfg == nil {
					continue
				}
				a.apply(cfg)
			}
		}
	}()

	a.log.Info("duewatch started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchWG.Wait()
		a.cfgMgr.Unsubscribe(a.cfgCh)
	}
	a.engine.Stop(ctx)
	a.notifier.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("duewatch stopped")
	return a.logSvc.Close()
}

// Engine exposes the coordinator, mainly for status reporting by the
// hosting process.
func (a *App) Engine() *trigger.Engine { return a.engine }

func (a *App) apply(cfg *config.Config) {
	a.logSvc.Apply(logxConfig(cfg.Logging))
	a.engine.Apply(engineConfig(cfg.Engine))
	a.log.Info("runtime config applied")
}

// ---- config mapping ----

func validate(cfg *config.Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"engine.poll_interval", cfg.Engine.PollInterval},
		{"engine.relative_window", cfg.Engine.RelativeWindow},
		{"notify.dedup_window", cfg.Notify.DedupWindow},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Engine.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Engine.Timezone); err != nil {
			return fmt.Errorf("engine.timezone: %w", err)
		}
	}
	if cfg.Notify.Enabled && (cfg.Notify.Token == "" || cfg.Notify.ChatID == 0) {
		return fmt.Errorf("notify.enabled requires token and chat_id")
	}
	return nil
}

func logxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func storageConfig(c config.StorageConfig) storage.Config {
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 5*time.Second)
	return storage.Config{Path: c.Path, BusyTimeout: busy}
}

func engineConfig(c config.EngineConfig) trigger.EngineConfig {
	poll, _ := config.ParseDurationOrDefault("engine.poll_interval", c.PollInterval, 5*time.Minute)
	window, _ := config.ParseDurationOrDefault("engine.relative_window", c.RelativeWindow, 24*time.Hour)
	return trigger.EngineConfig{
		PollInterval:   poll,
		Timezone:       c.Timezone,
		RelativeWindow: window,
		SendRatePerSec: c.SendRatePerSec,
	}
}

func notifyConfig(c config.NotifyConfig) notify.Config {
	dedup, _ := config.ParseDurationField("notify.dedup_window", c.DedupWindow)
	return notify.Config{
		Enabled:     c.Enabled,
		Token:       c.Token,
		ChatID:      c.ChatID,
		QueueSize:   c.QueueSize,
		RatePerSec:  c.RatePerSec,
		DedupWindow: dedup,
	}
}
