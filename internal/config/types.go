package config

// Config is the on-disk configuration. YAML and JSON are both accepted; YAML
// is converted to JSON first so one strict decoder handles both.
//
// Durations are Go duration strings ("500ms", "10s", "24h").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Notifier   NotifierConfig   `json:"notifier"`
	Ops        OpsConfig        `json:"ops"`
}

// TelegramConfig configures the outbound channel. An empty token selects the
// console sender (messages are logged, not sent).
type TelegramConfig struct {
	Token       string `json:"token"`
	AdminChatID int64  `json:"admin_chat_id,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
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

// StorageConfig selects the persistence driver.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/medbot.db, busy_timeout: 5s }
//	storage: { driver: postgres, dsn: "postgres://medbot@localhost/medbot?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig drives trigger computation.
//
// DefaultTimezone is used only for records with no timezone at all. It is
// never a fallback for an invalid one.
type SchedulerConfig struct {
	DefaultTimezone    string            `json:"default_timezone"`
	MaxJobs            int               `json:"max_jobs,omitempty"`
	FireTimeout        string            `json:"fire_timeout,omitempty"`
	AppointmentOffsets []string          `json:"appointment_offsets,omitempty"`
	TimezoneAliases    map[string]string `json:"timezone_aliases,omitempty"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops fires that waited longer than this in the queue. "0s" disables.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// OpsConfig controls the local operations HTTP server.
// Prefer a loopback address; set Token when binding elsewhere.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8081"
	Token   string `json:"token,omitempty"`
}
