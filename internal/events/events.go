// Package events mirrors presence changes onto NATS so other services can follow who is online
// without holding a websocket.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Kind string

const (
	KindUserOnline  Kind = "user_online"
	KindUserOffline Kind = "user_offline"
	KindCallEnded   Kind = "call_ended"
)

// Event is the JSON body published on <prefix>.presence.<kind>.
type Event struct {
	Kind     Kind      `json:"kind"`
	UserID   string    `json:"userId"`
	Username string    `json:"username,omitempty"`
	CallID   string    `json:"callId,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher must not block the caller.
type Publisher interface {
	Publish(Event)
	Close()
}

// Nop drops everything. Used when no NATS url is configured.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close()        {}

type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func (c *Config) norm() {
	if c.Name == "" {
		c.Name = "relay"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "relay"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
}

// Subject builds the subject an event kind is published on.
func Subject(prefix string, k Kind) string {
	return strings.TrimSuffix(prefix, ".") + ".presence." + string(k)
}

// NatsPublisher publishes on a core NATS connection; publishes are buffered by the client
// library and never wait for the server.
type NatsPublisher struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

// Connect dials NATS. An empty URL yields a Nop publisher.
func Connect(cfg Config, log *zap.Logger) (Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return Nop{}, nil
	}
	cfg.norm()
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", cfg.URL)
	}
	return &NatsPublisher{nc: nc, prefix: cfg.SubjectPrefix, log: log}, nil
}

func (p *NatsPublisher) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("encode presence event", zap.Error(err))
		return
	}
	if err := p.nc.Publish(Subject(p.prefix, ev.Kind), data); err != nil {
		p.log.Warn("publish presence event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// Close flushes pending publishes and closes the connection.
func (p *NatsPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
