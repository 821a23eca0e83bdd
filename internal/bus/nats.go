// ABOUTME: NATS-backed Bus that shares events with other processes on one subject
// ABOUTME: Publishes JSON envelopes and dispatches received ones locally by type

package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATSBus.
type NATSConfig struct {
	URL           string
	Subject       string
	ClientName    string
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATSBus publishes every emitted message on a single subject and delivers
// every message received on that subject, including its own, to local handlers.
// A single subscription preserves the publish order of each publisher.
type NATSBus struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	local   *MemoryBus
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewNATSBus connects to NATS and subscribes to cfg.Subject.
func NewNATSBus(cfg NATSConfig, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-bus")

	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	b := &NATSBus{
		conn:    conn,
		subject: cfg.Subject,
		local:   NewMemoryBus(logger),
		logger:  logger,
	}

	sub, err := conn.Subscribe(cfg.Subject, b.receive)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", cfg.Subject, err)
	}
	b.sub = sub

	logger.Info("NATS bus connected", "url", conn.ConnectedUrl(), "subject", cfg.Subject)
	return b, nil
}

func (b *NATSBus) receive(m *nats.Msg) {
	msg, err := Decode(m.Data)
	if err != nil {
		b.logger.Warn("discarding undecodable bus message", "error", err)
		return
	}
	if err := b.local.Emit(msg); err != nil {
		b.logger.Debug("bus closed, dropping message", "type", msg.Type)
	}
}

// Emit publishes msg on the shared subject.
func (b *NATSBus) Emit(msg Message) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding bus message: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publishing bus message: %w", err)
	}
	return nil
}

// On registers a local handler for messages received from the subject.
func (b *NATSBus) On(msgType string, h Handler) func() {
	return b.local.On(msgType, h)
}

// Connected reports whether the underlying NATS connection is up.
func (b *NATSBus) Connected() bool {
	return b.conn.IsConnected()
}

// Close drains the subscription and closes the connection.
func (b *NATSBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.sub != nil {
			if uerr := b.sub.Unsubscribe(); uerr != nil && uerr != nats.ErrConnectionClosed {
				err = fmt.Errorf("unsubscribing: %w", uerr)
			}
		}
		b.conn.Close()
		_ = b.local.Close()
	})
	return err
}
