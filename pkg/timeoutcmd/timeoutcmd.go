// Package timeoutcmd runs an external command with an optional wall-clock
// deadline. On timeout the whole process group receives SIGTERM and, if it is
// still alive after a grace period, SIGKILL. Run never blocks longer than
// Timeout + 2*KillGrace.
package timeoutcmd

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// Exit statuses that do not come from the command itself.
const (
	// StatusTimedOut is reported when the command was terminated because its
	// deadline expired (same value as coreutils timeout(1)).
	StatusTimedOut = 124
	// StatusStartFailed is reported when the command could not be started.
	StatusStartFailed = 127
	// StatusCanceled is reported when the caller's context was canceled.
	StatusCanceled = 130
)

const (
	DefaultKillGrace = 10 * time.Second
	defaultMaxOutput = 1 << 20
)

var ErrEmptyCommand = errors.New("empty command")

// Command describes one invocation.
type Command struct {
	Args []string
	Dir  string
	Env  []string

	// Timeout is the hard deadline; 0 means no deadline.
	Timeout time.Duration
	// KillGrace is the delay between SIGTERM and SIGKILL. 0 means DefaultKillGrace.
	KillGrace time.Duration
	// MaxOutput caps captured bytes per stream. 0 means 1 MiB.
	MaxOutput int
}

// Result is the observed outcome of a Command.
type Result struct {
	Stdout   string
	Stderr   string
	Status   int
	TimedOut bool
	Duration time.Duration
	// Err is set when the command could not be started or waited for.
	Err error
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool { return r.Status == 0 && r.Err == nil }

// ShellArgs wraps a command line for /bin/sh.
func ShellArgs(line string) []string {
	return []string{"/bin/sh", "-c", line}
}

// Run executes c and waits for it, honoring c.Timeout.
func Run(ctx context.Context, c Command) Result {
	if len(c.Args) == 0 || c.Args[0] == "" {
		return Result{Status: StatusStartFailed, Err: ErrEmptyCommand}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	grace := c.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	maxOut := c.MaxOutput
	if maxOut <= 0 {
		maxOut = defaultMaxOutput
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stdout := &capBuffer{max: maxOut}
	stderr := &capBuffer{max: maxOut}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	var (
		terminated atomic.Bool
		killTimer  atomic.Pointer[time.Timer]
	)
	cmd.Cancel = func() error {
		terminated.Store(true)
		err := terminate(cmd)
		killTimer.Store(time.AfterFunc(grace, func() { _ = kill(cmd) }))
		return err
	}
	// Final bound: Wait kills the leader and stops copying output after this.
	cmd.WaitDelay = 2 * grace

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if t := killTimer.Load(); t != nil {
		t.Stop()
	}

	if cmd.ProcessState == nil {
		res.Status = StatusStartFailed
		res.Err = err
		return res
	}
	res.Status = exitStatus(cmd.ProcessState)

	if terminated.Load() {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.TimedOut = true
			res.Status = StatusTimedOut
		} else {
			res.Status = StatusCanceled
		}
	}
	return res
}

// capBuffer keeps the first max bytes written and drops the rest.
// Each stream has its own buffer, so a single goroutine writes to it.
type capBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	room := b.max - len(b.buf)
	if room > 0 {
		if len(p) <= room {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "\n[output truncated]"
	}
	return string(b.buf)
}
