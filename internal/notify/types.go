package notify

import "time"

// Config controls the operator alert pipeline.
type Config struct {
	Enabled bool
	// Telegram bot credentials and the ops chat alerts go to.
	Token  string
	ChatID int64

	QueueSize   int
	RatePerSec  int
	DedupWindow time.Duration // identical alerts inside the window are dropped
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Alert is one operator notification.
type Alert struct {
	Subject string
	Detail  string
	At      time.Time
}
