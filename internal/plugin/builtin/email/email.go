// Package email is a report sink that mails the administrators when a
// snapshot fails. Successes are not reported.
package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/pkg/logx"
)

const (
	Name    = "email"
	Subject = "ALERT: CVMFS replica failed"

	defaultPort = 25
	sendTimeout = 30 * time.Second
)

var ErrRateLimited = errors.New("alert suppressed by rate limit")

type Options struct {
	// AdminEmail is a comma separated recipient list.
	AdminEmail string `json:"admin_email"`
	// SMTPServer is host or host:port; port 25 when omitted.
	SMTPServer string `json:"smtp_server"`
	// From defaults to root@<hostname>.
	From string `json:"from,omitempty"`
	// MaxPerHour caps alerts per repository. Default 6, negative disables.
	MaxPerHour int `json:"max_per_hour,omitempty"`
}

type sendFunc func(ctx context.Context, m *mail.Msg) error

type Sink struct {
	repo    string
	host    string
	port    int
	from    string
	to      []string
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
	send    sendFunc
}

func New(env plugin.Env, raw json.RawMessage) (plugin.ReportSink, error) {
	var opts Options
	if err := plugin.DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	var to []string
	for _, a := range strings.Split(opts.AdminEmail, ",") {
		if a = strings.TrimSpace(a); a != "" {
			to = append(to, a)
		}
	}
	if len(to) == 0 {
		return nil, errors.New("admin_email is required")
	}
	host, port, err := splitServer(opts.SMTPServer)
	if err != nil {
		return nil, err
	}
	from := strings.TrimSpace(opts.From)
	if from == "" {
		h, _ := os.Hostname()
		if h == "" {
			h = "localhost"
		}
		from = "root@" + h
	}

	// Addresses are checked once here so a bad entry fails at startup
	// instead of on the first alert.
	addrs := mail.NewMsg()
	if err := addrs.From(from); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := addrs.To(to...); err != nil {
		return nil, fmt.Errorf("admin_email: %w", err)
	}

	client, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(sendTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	s := &Sink{
		repo: env.Repository,
		host: host,
		port: port,
		from: from,
		to:   to,
		log:  env.Log,
		now:  time.Now,
		send: func(ctx context.Context, m *mail.Msg) error {
			return client.DialAndSendWithContext(ctx, m)
		},
	}
	perHour := opts.MaxPerHour
	if perHour == 0 {
		perHour = 6
	}
	if perHour > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
	}
	return s, nil
}

func splitServer(raw string) (string, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, errors.New("smtp_server is required")
	}
	host, p, err := net.SplitHostPort(raw)
	if err != nil {
		return raw, defaultPort, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("smtp_server: invalid port %q", p)
	}
	return host, port, nil
}

func (s *Sink) Name() string { return Name }

func (s *Sink) NotifySuccess(context.Context) error { return nil }

func (s *Sink) NotifyFailure(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return ErrRateLimited
	}
	m, err := s.message(msg)
	if err != nil {
		return err
	}
	server := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	s.log.Info("sending alert", logx.String("to", strings.Join(s.to, ",")), logx.String("smtp", server))
	if err := s.send(ctx, m); err != nil {
		return fmt.Errorf("send via %s: %w", server, err)
	}
	return nil
}

func (s *Sink) message(custom string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, err
	}
	if err := m.To(s.to...); err != nil {
		return nil, err
	}
	m.Subject(Subject)
	m.SetDateWithValue(s.now())

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", Subject)
	fmt.Fprintf(&b, "repository: %s\n", s.repo)
	fmt.Fprintf(&b, "time: %d\n", s.now().Unix())
	if custom = strings.TrimSpace(custom); custom != "" {
		b.WriteString(custom)
		b.WriteString("\n")
	}
	b.WriteString("Log files should contain more information.\n")
	m.SetBodyString(mail.TypeTextPlain, b.String())
	return m, nil
}
