// Package events publishes request lifecycle changes to NATS after they are committed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"procurebot/internal/model"

	"github.com/nats-io/nats.go"
)

// Event is the payload published for one committed lifecycle change
type Event struct {
	Type      string                    `json:"type"`
	RequestID string                    `json:"request_id"`
	Status    string                    `json:"status"`
	ActorID   string                    `json:"actor_id"`
	OrgID     string                    `json:"org_id,omitempty"`
	At        time.Time                 `json:"at"`
	Request   *model.ProcurementRequest `json:"request,omitempty"`
}

// Publisher is a best-effort sink for lifecycle events
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop drops every event. Used when nats.url is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events on <prefix>.request.<status>
type NATSPublisher struct {
	nc     conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to url. The connection reconnects forever; publishes made
// while disconnected are buffered by the client.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("procurebot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newPublisher(nc, prefix, logger), nil
}

func newPublisher(nc conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "procurement"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on
func (p *NATSPublisher) Subject(ev Event) string {
	return p.prefix + ".request." + strings.ToLower(ev.Status)
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(ev), err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", "error", err)
	}
}
