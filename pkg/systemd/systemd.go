// Package systemd reports service state to the systemd manager over the
// notify socket. Every call is a no-op when the process was not started
// by systemd with Type=notify.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func Ready() (bool, error)    { return notify(daemon.SdNotifyReady) }
func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return notify("STATUS=" + msg) }

// WatchdogInterval is half of WATCHDOG_USEC, or 0 when the watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings the watchdog every interval while healthy returns nil.
// A failing check skips the ping so systemd restarts the unit. It returns
// when ctx ends.
func RunWatchdog(ctx context.Context, interval time.Duration, healthy func(context.Context) error) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil {
				hctx, cancel := context.WithTimeout(ctx, interval)
				err := healthy(hctx)
				cancel()
				if err != nil {
					continue
				}
			}
			_, _ = notify(daemon.SdNotifyWatchdog)
		}
	}
}
