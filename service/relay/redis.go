package relay

import (
	"context"

	"github.com/simanam/omni-realtime/logger"
	redis2 "github.com/simanam/omni-realtime/service/storage/redis"
	errs "github.com/simanam/omni-realtime/tools/errs"

	"github.com/pkg/errors"
)

// DefaultRedisTopic is namespaced so it cannot collide with other
// subsystems sharing the same redis.
const DefaultRedisTopic = "rt:relay"

// RedisBus fans out over redis pub/sub using the shared client.
type RedisBus struct {
	topic string
}

func NewRedisBus(topic string) *RedisBus {
	if topic == "" {
		topic = DefaultRedisTopic
	}
	return &RedisBus{topic: topic}
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	rdb := redis2.GetRedis()
	if rdb == nil {
		return &errs.ErrRedisNotReady
	}
	return errors.Wrap(rdb.Publish(ctx, b.topic, payload).Err(), "relay publish")
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	rdb := redis2.GetRedis()
	if rdb == nil {
		return &errs.ErrRedisNotReady
	}
	sub := rdb.Subscribe(ctx, b.topic)
	// force the subscription onto the wire before we report running
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return errors.Wrap(err, "relay subscribe")
	}

	ch := sub.Channel()
	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					logger.Warnf("[relay] redis subscription channel closed topic=%s", b.topic)
					return
				}
				h(ctx, []byte(m.Payload))
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error { return nil }
