package relay

import (
	"context"
	"time"

	"github.com/simanam/omni-realtime/logger"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const DefaultNatsSubject = "rt.relay"

// NatsConfig mirrors the knobs we actually use on core NATS.
type NatsConfig struct {
	URL           string
	Name          string // client name, usually the node ID
	Subject       string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBus fans out over a core NATS subject. No JetStream: relay
// messages are ephemeral and a node that was down has nothing to catch
// up on.
type NatsBus struct {
	cfg NatsConfig
	nc  *nats.Conn
	sub *nats.Subscription
}

func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultNatsSubject
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &NatsBus{cfg: cfg, nc: nc}, nil
}

func (b *NatsBus) Publish(_ context.Context, payload []byte) error {
	msg := nats.NewMsg(b.cfg.Subject)
	msg.Data = payload
	if err := b.nc.PublishMsg(msg); err != nil {
		return errors.Wrap(err, "relay publish")
	}
	return nil
}

func (b *NatsBus) Subscribe(ctx context.Context, h Handler) error {
	sub, err := b.nc.Subscribe(b.cfg.Subject, func(m *nats.Msg) {
		h(ctx, append([]byte(nil), m.Data...))
	})
	if err != nil {
		return errors.Wrap(err, "relay subscribe")
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	b.sub = sub

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			logger.Warnf("[relay] nats drain: %v", err)
		}
	}()
	return nil
}

func (b *NatsBus) Close() error {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
