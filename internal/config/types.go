package config

// Config is the whole process configuration.
//
// The file may be YAML or JSON (YAML is coerced to JSON before decoding, so
// both formats share the strict decoder). Secrets can be supplied or
// overridden via KIMIKURI_* environment variables.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Web      WebConfig      `json:"web"`
	Storage  StorageConfig  `json:"storage"`
	Stats    StatsConfig    `json:"stats"`
	Logging  LoggingConfig  `json:"logging"`
	Debug    DebugConfig    `json:"debug"`
}

type TelegramConfig struct {
	// Token is the bot credential. Env: KIMIKURI_BOT_TOKEN.
	Token string `json:"token" envconfig:"KIMIKURI_BOT_TOKEN" validate:"required"`
	// PollTimeout is a Go duration string (e.g. "10s"). Default "10s".
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec limits outbound sends to the Telegram API. Default 25.
	RatePerSec int `json:"rate_per_sec" validate:"min=0"`
}

type WebConfig struct {
	Listen string `json:"listen" validate:"required,hostname_port"`
	// MaxBodyBytes caps the POST /message body. Default 16 KiB.
	MaxBodyBytes int64 `json:"max_body_bytes" validate:"min=0"`
	// Server timeouts, Go duration strings. Zero disables.
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	IdleTimeout  string `json:"idle_timeout"`
}

type StorageConfig struct {
	// Path is the sqlite database file. Env: KIMIKURI_DB_FILE.
	Path string `json:"path" envconfig:"KIMIKURI_DB_FILE" validate:"required"`
	// PoolSize bounds concurrent connections. Default 16.
	PoolSize int `json:"pool_size" validate:"min=0"`
	// BusyTimeout is a Go duration string (sqlite busy handler). Default "5s".
	BusyTimeout string `json:"busy_timeout"`
}

// StatsConfig controls the periodic registered-user report.
type StatsConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec (robfig/cron, e.g. "@hourly"). Default "@hourly".
	Schedule string `json:"schedule"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DebugConfig controls optional diagnostic surfaces. Empty means disabled.
type DebugConfig struct {
	// PprofListen serves Go runtime profiles when set. Bind to loopback.
	PprofListen string `json:"pprof_listen" validate:"omitempty,hostname_port"`
}
