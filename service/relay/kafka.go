package relay

import (
	"context"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const DefaultKafkaTopic = "rt-relay"

// KafkaConfig for the kafka-backed bus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// NodeID makes the consumer group unique per node, so every node
	// receives every relay message instead of sharing a work queue.
	NodeID string
}

// KafkaBus fans out over one kafka topic.
type KafkaBus struct {
	cfg      KafkaConfig
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
}

func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, "rt-relay-"+cfg.NodeID, sc)
	if err != nil {
		_ = producer.Close()
		return nil, errors.Wrap(err, "kafka consumer group")
	}
	return &KafkaBus{cfg: cfg, producer: producer, group: group}, nil
}

func (b *KafkaBus) Publish(_ context.Context, payload []byte) error {
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.cfg.Topic,
		Value: sarama.ByteEncoder(payload),
	})
	return errors.Wrap(err, "relay publish")
}

func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	consumer := &relayConsumer{ctx: ctx, h: h}
	go func() {
		for {
			if err := b.group.Consume(ctx, []string{b.cfg.Topic}, consumer); err != nil {
				glog.Infof("[Kafka][ERR] relay consume: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
			// rebalance: Consume returned, loop to rejoin
		}
	}()
	return nil
}

func (b *KafkaBus) Close() error {
	var first error
	if err := b.group.Close(); err != nil {
		first = err
	}
	if err := b.producer.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

type relayConsumer struct {
	ctx context.Context
	h   Handler
}

func (c *relayConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *relayConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *relayConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		c.h(c.ctx, append([]byte(nil), msg.Value...))
		sess.MarkMessage(msg, "")
	}
	return nil
}
