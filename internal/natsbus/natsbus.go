// Package natsbus publishes monitor notifications to NATS so that off-host
// oracles and SIEM collectors can consume them.
//
// Subjects:
//
//	<prefix>.oracle.<purpose>   oracle requests (flushed before Publish returns)
//	<prefix>.events.<type>      everything else
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/metrics"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "sentinel"

// Bus is an events.Publisher backed by a NATS connection.
type Bus struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect dials url. The connection retries in the background if the server
// is not reachable yet.
func Connect(url, prefix string, logger *slog.Logger) (*Bus, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger = logger.With("component", "natsbus")

	nc, err := nats.Connect(url,
		nats.Name("sentinel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return New(nc, prefix, logger), nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, prefix string, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject ev is published on.
func Subject(prefix string, ev *events.Event) string {
	if ev.Type == events.TypeOracleRequest {
		if purpose, _ := ev.Data["purpose"].(string); purpose != "" {
			return prefix + ".oracle." + purpose
		}
	}
	return prefix + ".events." + string(ev.Type)
}

// Publish implements events.Publisher.
func (b *Bus) Publish(ctx context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natsbus: marshal %s: %w", ev.Type, err)
	}
	subject := Subject(b.prefix, ev)
	if err := b.nc.Publish(subject, data); err != nil {
		metrics.NotificationsDroppedTotal.WithLabelValues("nats").Inc()
		return fmt.Errorf("natsbus: publish %s: %w", subject, err)
	}
	// Oracle requests are the only events a caller waits on.
	if ev.Type == events.TypeOracleRequest {
		if err := b.nc.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("natsbus: flush %s: %w", subject, err)
		}
	}
	return nil
}

// Ping reports whether the connection is currently usable.
func (b *Bus) Ping(_ context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("natsbus: %s", b.nc.Status())
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
