package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. Secrets belong here
// rather than in the config file.
const (
	EnvTelegramToken = "MEDBOT_TELEGRAM_TOKEN"
	EnvAdminChatID   = "MEDBOT_ADMIN_CHAT_ID"
	EnvStorageDriver = "MEDBOT_STORAGE_DRIVER"
	EnvStorageDSN    = "MEDBOT_STORAGE_DSN"
	EnvOpsToken      = "MEDBOT_OPS_TOKEN"
)

// LoadDotEnv loads KEY=VALUE pairs from files (default ".env") into the
// process environment without overriding variables that are already set.
// Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	present := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// ApplyEnv overlays environment overrides on cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvAdminChatID)); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.AdminChatID = id
		}
	}
	if v := strings.TrimSpace(getenv(EnvStorageDriver)); v != "" {
		cfg.Storage.Driver = v
	}
	if v := strings.TrimSpace(getenv(EnvStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvOpsToken)); v != "" {
		cfg.Ops.Token = v
	}
}
