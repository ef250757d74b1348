package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"medbot/internal/timezone"
)

const (
	DefaultSQLitePath = "./data/medbot.db"
	DefaultOpsAddr    = "127.0.0.1:8081"
	DefaultTimezone   = "UTC"
)

// ApplyDefaults fills fields a minimal config may leave out.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Storage.Driver), "sqlite") && strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultSQLitePath
	}
	if strings.TrimSpace(cfg.Scheduler.DefaultTimezone) == "" {
		cfg.Scheduler.DefaultTimezone = DefaultTimezone
	}
	if len(cfg.Scheduler.AppointmentOffsets) == 0 {
		cfg.Scheduler.AppointmentOffsets = []string{"24h", "2h"}
	}
	if strings.TrimSpace(cfg.Ops.Addr) == "" {
		cfg.Ops.Addr = DefaultOpsAddr
	}
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	dur("telegram.http_timeout", cfg.Telegram.HTTPTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres (or set " + EnvStorageDSN + ")"))
		}
	case "memory", "mem":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	tz, err := timezone.NewResolver(cfg.Scheduler.TimezoneAliases)
	if err != nil {
		add(fmt.Errorf("scheduler.timezone_aliases: %w", err))
	} else if zone := strings.TrimSpace(cfg.Scheduler.DefaultTimezone); zone != "" {
		if _, err := tz.Resolve(zone); err != nil {
			add(fmt.Errorf("scheduler.default_timezone: %w", err))
		}
	}
	if cfg.Scheduler.MaxJobs < 0 {
		add(errors.New("scheduler.max_jobs: must be >= 0"))
	}
	dur("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	_, err = AppointmentOffsets(cfg.Scheduler)
	add(err)

	if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 || cfg.TaskEngine.HistorySize < 0 {
		add(errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}
	dur("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)
	dur("task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay)

	if cfg.Notifier.RatePerSec < 0 || cfg.Notifier.HistorySize < 0 {
		add(errors.New("notifier: rate_per_sec and history_size must be >= 0"))
	}
	dur("notifier.send_timeout", cfg.Notifier.SendTimeout)

	if cfg.Ops.Enabled {
		add(validateOpsAddr(cfg.Ops))
	}
	return errors.Join(errs...)
}

// AppointmentOffsets parses scheduler.appointment_offsets.
func AppointmentOffsets(s SchedulerConfig) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(s.AppointmentOffsets))
	for i, raw := range s.AppointmentOffsets {
		d, err := ParseDurationField(fmt.Sprintf("scheduler.appointment_offsets[%d]", i), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func validateOpsAddr(o OpsConfig) error {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if isLoopback(host) || strings.TrimSpace(o.Token) != "" {
		return nil
	}
	return fmt.Errorf("ops.addr: %q is not loopback; set ops.token (or %s)", addr, EnvOpsToken)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
