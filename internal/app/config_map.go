package app

import (
	"strings"
	"time"

	"medbot/internal/appointment"
	"medbot/internal/config"
	"medbot/internal/jobs"
	"medbot/internal/notify"
	"medbot/internal/ops"
	"medbot/internal/reminder"
	"medbot/internal/storage"
	"medbot/internal/task/engine"
	"medbot/internal/transport/telegram"
	logx "medbot/pkg/logx"
)

// The map* helpers run on configs that already passed config.Validate, so
// parse errors here only surface for hand-built configs in tests.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.http_timeout", cfg.Telegram.HTTPTimeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
		HTTPTimeout: timeout,
	}, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	def, err := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	delay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: def,
		MaxQueueDelay:  delay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapRegistry(cfg *config.Config) (jobs.Config, error) {
	fire, err := config.ParseDurationField("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{MaxJobs: cfg.Scheduler.MaxJobs, FireTimeout: fire}, nil
}

func mapNotifier(cfg *config.Config) (notify.Config, error) {
	send, err := config.ParseDurationField("notifier.send_timeout", cfg.Notifier.SendTimeout)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		RatePerSec:  cfg.Notifier.RatePerSec,
		SendTimeout: send,
		HistorySize: cfg.Notifier.HistorySize,
	}, nil
}

func mapReminder(cfg *config.Config) reminder.Config {
	return reminder.Config{DefaultTimezone: strings.TrimSpace(cfg.Scheduler.DefaultTimezone)}
}

func mapAppointment(cfg *config.Config) (appointment.Config, error) {
	offs, err := config.AppointmentOffsets(cfg.Scheduler)
	if err != nil {
		return appointment.Config{}, err
	}
	return appointment.Config{
		DefaultTimezone: strings.TrimSpace(cfg.Scheduler.DefaultTimezone),
		Offsets:         offs,
	}, nil
}

func mapOps(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:     cfg.Ops.Enabled,
		Addr:        strings.TrimSpace(cfg.Ops.Addr),
		Token:       strings.TrimSpace(cfg.Ops.Token),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}
}
