package config

// Config is the full engine configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Engine  EngineConfig  `json:"engine"`
	Notify  NotifyConfig  `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the sqlite database holding rules, records,
// templates and transport configs.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// EngineConfig controls the trigger clock.
type EngineConfig struct {
	// PollInterval is how often rules are re-checked. Default "5m".
	PollInterval string `json:"poll_interval,omitempty"`
	// Timezone for due-date day boundaries (IANA name). Default: local.
	Timezone string `json:"timezone,omitempty"`
	// RelativeWindow is the minimum gap between evaluations of a
	// relative-trigger rule. Default "24h".
	RelativeWindow string `json:"relative_window,omitempty"`
	// SendRatePerSec throttles outbound dispatches. 0 = unlimited.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

// NotifyConfig controls operator alerts (Telegram).
type NotifyConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}
