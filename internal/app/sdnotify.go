package app

import (
	"context"
	"time"

	logx "medbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sdNotify reports state to systemd. Outside a Type=notify unit it is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec while the
// registry is serving.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if a.ready.Load() {
				a.sdNotify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
