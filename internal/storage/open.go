// Package storage persists reminders, appointments and the delivery log.
package storage

import (
	"errors"
	"strings"

	logx "medbot/pkg/logx"
)

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
