// Package notify publishes blocked admissions and critical events to operators over NATS.
//
// Messages are JSON envelopes on subjects:
//
//	<prefix>.admission.blocked
//	<prefix>.events.<event type>
//
// Without a connection, or when a publish fails, the message is written to the logger
// instead so an operator-visible trace always exists.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/events"
	"github.com/fyrsmithlabs/warden/internal/gate"
)

// DefaultSubjectPrefix is the subject root when none is configured.
const DefaultSubjectPrefix = "warden"

// Envelope kinds.
const (
	KindBlocked = "admission.blocked"
	KindEvent   = "critical_event"
)

// Config configures the NATS connection.
type Config struct {
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DefaultConfig returns a config with no URL, which selects log-only delivery.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: DefaultSubjectPrefix,
		MaxReconnects: 5,
		ReconnectWait: time.Second,
	}
}

// Envelope is the published message.
type Envelope struct {
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Publisher implements gate.Sink and provides an events.Observer.
type Publisher struct {
	nc     *nats.Conn
	owned  bool
	prefix string
	source string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the fallback logger. Nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l.Named("notify")
		}
	}
}

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithSource names the publishing process or gate context.
func WithSource(source string) Option {
	return func(p *Publisher) { p.source = source }
}

// WithClock sets the envelope timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// New wraps an existing connection. A nil connection selects log-only delivery.
func New(nc *nats.Conn, opts ...Option) *Publisher {
	p := &Publisher{
		nc:     nc,
		prefix: DefaultSubjectPrefix,
		source: "warden",
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials cfg.URL. An empty URL returns a log-only publisher.
func Connect(cfg Config, opts ...Option) (*Publisher, error) {
	opts = append([]Option{WithSubjectPrefix(cfg.SubjectPrefix)}, opts...)
	if cfg.URL == "" {
		return New(nil, opts...), nil
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("warden"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	p := New(nc, opts...)
	p.owned = true
	p.logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return p, nil
}

// Close flushes and closes a connection opened by Connect.
func (p *Publisher) Close() {
	if p.nc == nil || !p.owned {
		return
	}
	_ = p.nc.Flush()
	p.nc.Close()
}

// BlockedSubject returns the subject for blocked admissions.
func (p *Publisher) BlockedSubject() string {
	return p.prefix + "." + KindBlocked
}

// EventSubject returns the subject for a critical event type.
func (p *Publisher) EventSubject(t events.Type) string {
	return p.prefix + ".events." + string(t)
}

// Blocked implements gate.Sink.
func (p *Publisher) Blocked(_ context.Context, e gate.Entry) {
	p.publish(p.BlockedSubject(), KindBlocked, e,
		zap.String("tool", e.Tool),
		zap.String("reason", e.Decision.Reason),
		zap.String("check", e.Decision.Check),
	)
}

// Event publishes a critical event. It has the events.Observer signature.
func (p *Publisher) Event(ev events.Event) {
	p.publish(p.EventSubject(ev.Type), KindEvent, ev,
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
		zap.String("description", ev.Description),
	)
}

// Observer returns Event as an events.Observer.
func (p *Publisher) Observer() events.Observer {
	return p.Event
}

func (p *Publisher) publish(subject, kind string, payload any, fields ...zap.Field) {
	fields = append(fields, zap.String("subject", subject))

	if p.nc == nil {
		p.logger.Warn(kind, fields...)
		return
	}

	data, err := json.Marshal(Envelope{Kind: kind, Source: p.source, Timestamp: p.now().UTC(), Payload: payload})
	if err != nil {
		p.logger.Warn(kind, append(fields, zap.NamedError("marshal_error", err))...)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn(kind, append(fields, zap.NamedError("publish_error", err))...)
	}
}

var _ gate.Sink = (*Publisher)(nil)
