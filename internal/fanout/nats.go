package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/nats-io/nats.go"
)

type NATSBus struct {
	nc      *nats.Conn
	subject string
}

// DialNATS connects with unlimited reconnects. The connection is returned even
// when the server is not reachable yet; publishes are buffered until it is.
func DialNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.L().Warn("fanout: nats disconnected", "bus", "nats", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.L().Info("fanout: nats reconnected", "bus", "nats", "url", nc.ConnectedUrl())
		}),
	)
}

func NewNATSBus(nc *nats.Conn, subject string) *NATSBus {
	if subject == "" {
		subject = "presence.events"
	}
	return &NATSBus{nc: nc, subject: subject}
}

func (b *NATSBus) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fanout.NATSBus.Publish: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("fanout.NATSBus.Publish: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	log := logger.FromContext(ctx).With("bus", "nats")
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Warn("fanout: drop malformed envelope", "subject", m.Subject, "err", err)
			return
		}
		h(env)
	})
	if err != nil {
		return nil, fmt.Errorf("fanout.NATSBus.Subscribe: %w", err)
	}
	// round-trip so the server has registered interest before we return
	if b.nc.IsConnected() {
		if err := b.nc.Flush(); err != nil {
			log.Warn("fanout: nats flush after subscribe failed", "err", err)
		}
	}
	return natsSub{sub}, nil
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

type natsSub struct{ s *nats.Subscription }

func (n natsSub) Close() error { return n.s.Unsubscribe() }
