package watchdog

import (
	"context"
	"os"

	"github.com/godbus/dbus/v5"
)

// WatchResume listens for logind PrepareForSleep signals and triggers the
// watchdog on resume. Hosts without a system bus, which includes most
// sandboxes, simply leave the clock comparison as the only detector.
func (w *Watchdog) WatchResume(ctx context.Context) {
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
				w.logger.Debug("D-Bus unavailable, logind resume hint disabled")
			} else {
				w.logger.Warn("Failed to connect to D-Bus for resume notifications", "error", err)
			}
			return
		}

		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath("/org/freedesktop/login1"),
			dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
			dbus.WithMatchMember("PrepareForSleep"),
		); err != nil {
			w.logger.Warn("Failed to subscribe to PrepareForSleep signal", "error", err)
			return
		}

		signals := make(chan *dbus.Signal, 8)
		conn.Signal(signals)
		w.logger.Debug("Listening for logind resume signals")

		for {
			select {
			case <-ctx.Done():
				conn.RemoveSignal(signals)
				return
			case sig := <-signals:
				if sig == nil {
					return
				}
				if entering, ok := parsePrepareForSleep(sig); ok && !entering {
					w.Trigger("logind resume")
				}
			}
		}
	}()
}

func parsePrepareForSleep(sig *dbus.Signal) (entering bool, ok bool) {
	if sig.Name != "org.freedesktop.login1.Manager.PrepareForSleep" || len(sig.Body) < 1 {
		return false, false
	}
	entering, ok = sig.Body[0].(bool)
	return entering, ok
}
