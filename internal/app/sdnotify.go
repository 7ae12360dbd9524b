package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "cvmfsreplica/pkg/logx"
)

// systemd talks to the service manager through $NOTIFY_SOCKET. Outside
// systemd every call is a no-op.
type systemd struct {
	log    logx.Logger
	notify func(state string) (bool, error)
	// watchdog returns the keep-alive interval, 0 when disabled.
	watchdog func() (time.Duration, error)
}

func newSystemd(log logx.Logger) *systemd {
	return &systemd{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (s *systemd) send(state string) {
	sent, err := s.notify(state)
	if err != nil {
		s.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		s.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (s *systemd) Ready(status string) {
	s.send(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

func (s *systemd) Status(status string) { s.send("STATUS=" + status) }

func (s *systemd) Stopping() { s.send(daemon.SdNotifyStopping) }

// Watchdog pings at half the configured interval until ctx ends. It returns
// immediately when the unit has no WatchdogSec.
func (s *systemd) Watchdog(ctx context.Context) error {
	interval, err := s.watchdog()
	if err != nil {
		s.log.Warn("watchdog settings unreadable", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.send(daemon.SdNotifyWatchdog)
		}
	}
}
