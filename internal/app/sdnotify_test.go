package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "cvmfsreplica/pkg/logx"
)

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		pings int
	)
	s := &systemd{
		log: logx.Nop(),
		notify: func(state string) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			if state == "WATCHDOG=1" {
				pings++
			}
			return true, nil
		},
		watchdog: func() (time.Duration, error) { return 20 * time.Millisecond, nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watchdog(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pings >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	for name, wd := range map[string]func() (time.Duration, error){
		"unset": func() (time.Duration, error) { return 0, nil },
		"error": func() (time.Duration, error) { return 0, errors.New("bad WATCHDOG_USEC") },
	} {
		t.Run(name, func(t *testing.T) {
			s := &systemd{log: logx.Nop(), watchdog: wd, notify: func(string) (bool, error) {
				t.Fatal("unexpected notify")
				return false, nil
			}}
			require.NoError(t, s.Watchdog(context.Background()))
		})
	}
}

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	s := newSystemd(logx.Nop())
	s.Ready("ok")
	s.Status("ok")
	s.Stopping()
}
