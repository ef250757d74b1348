package config

import (
	"reflect"
	"sort"
	"strings"

	logx "medbot/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	// Sections lists changed top-level keys, sorted.
	Sections []string
	// Reschedule is set when offsets, aliases or the default timezone moved,
	// so existing triggers may no longer be correct.
	Reschedule bool
	// RestartOnly lists changed sections that are only read at startup.
	RestartOnly []string
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Summarize compares two configs. The returned fields are safe to log:
// tokens and DSNs are reported only as set/unset.
func Summarize(oldCfg, newCfg *Config) (Change, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		ch    Change
		attrs = make([]logx.Field, 0, 16)
	)
	mark := func(section string, restartOnly bool) {
		ch.Sections = append(ch.Sections, section)
		if restartOnly {
			ch.RestartOnly = append(ch.RestartOnly, section)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		mark("telegram", true)
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int64("telegram.admin_chat_id", nt.AdminChatID),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true)
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	oldS, newS := oldCfg.Scheduler, newCfg.Scheduler
	if !reflect.DeepEqual(oldS, newS) {
		mark("scheduler", false)
		ch.Reschedule = strings.TrimSpace(oldS.DefaultTimezone) != strings.TrimSpace(newS.DefaultTimezone) ||
			!reflect.DeepEqual(oldS.AppointmentOffsets, newS.AppointmentOffsets) ||
			!sameAliases(oldS.TimezoneAliases, newS.TimezoneAliases)
		attrs = append(attrs,
			logx.String("scheduler.default_timezone", newS.DefaultTimezone),
			logx.Int("scheduler.max_jobs", newS.MaxJobs),
			logx.String("scheduler.appointment_offsets", strings.Join(newS.AppointmentOffsets, ",")),
			logx.Int("scheduler.alias_count", len(newS.TimezoneAliases)),
			logx.Bool("scheduler.reschedule", ch.Reschedule),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		mark("task_engine", true)
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		mark("notifier", false)
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.String("notifier.send_timeout", newCfg.Notifier.SendTimeout),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		mark("ops", false)
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartOnly)
	return ch, attrs
}

func sameAliases(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
