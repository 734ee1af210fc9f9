package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher sends raw payloads to a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher is a Publisher backed by a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("runnerctl"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(subject string, data []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, data)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Forwarder relays hub events to a Publisher under "<prefix>.<type>".
type Forwarder struct {
	hub    *Hub
	pub    Publisher
	prefix string
	logger *slog.Logger
}

func NewForwarder(hub *Hub, pub Publisher, prefix string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "runnerctl"
	}
	return &Forwarder{hub: hub, pub: pub, prefix: prefix, logger: logger}
}

// Run forwards events until ctx is cancelled. Publish failures are logged
// and the event is dropped.
func (f *Forwarder) Run(ctx context.Context) {
	ch, cancel := f.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				f.logger.Error("encode event failed", "event_id", ev.ID, "error", err)
				continue
			}
			subject := f.prefix + "." + ev.Type
			if err := f.pub.Publish(subject, payload); err != nil {
				f.logger.Warn("nats publish failed", "subject", subject, "error", err)
			}
		}
	}
}
