package replica

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule tells a repository when its next cycle is due.
type Schedule interface {
	// Next returns the earliest start of the cycle after one attempted at last.
	Next(last time.Time) time.Time
	String() string
}

// Every is a fixed polling interval measured from the last attempt.
type Every time.Duration

func (e Every) Next(last time.Time) time.Time { return last.Add(time.Duration(e)) }
func (e Every) String() string                { return "every " + time.Duration(e).String() }

type cronSchedule struct {
	expr  string
	sched cron.Schedule
}

func (c cronSchedule) Next(last time.Time) time.Time { return c.sched.Next(last) }
func (c cronSchedule) String() string                { return "cron " + c.expr }

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSchedule accepts:
//   - seconds: "3600", "1.5"
//   - Go duration: "1h30m"
//   - HH:MM interval: "02:30"
//   - "@every 1h"
//   - cron expressions and descriptors: "0 */2 * * *", "@hourly", "cron:0 3 * * *"
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	}
	if strings.HasPrefix(low, "@every ") {
		return parseEvery(strings.TrimSpace(s[len("@every "):]))
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return parseCron(s)
	}
	return parseEvery(s)
}

func parseEvery(v string) (Schedule, error) {
	var d time.Duration
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		d = time.Duration(f * float64(time.Second))
	} else if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		pd, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q (use seconds, a duration like '1h', or a cron expression)", v)
		}
		d = pd
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return Every(d), nil
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return cronSchedule{expr: expr, sched: sched}, nil
}
