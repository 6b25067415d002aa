package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const headerMessageID = "message_id"

// KafkaConfig holds connection settings for KafkaBus
type KafkaConfig struct {
	Brokers          []string
	ClientID         string
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	// RetryBackoff is the pause before a partition whose handler failed is
	// fetched again from the failed record.
	RetryBackoff time.Duration
}

// KafkaBus is a Bus backed by Kafka. Each Subscribe call creates its own
// consumer-group client; publishing shares one producer client.
type KafkaBus struct {
	cfg      KafkaConfig
	producer *kgo.Client
	logger   *zap.Logger

	mu        sync.Mutex
	consumers []*kgo.Client
	closed    bool
	wg        sync.WaitGroup
}

// NewKafkaBus connects the producer and verifies the brokers are reachable
func NewKafkaBus(ctx context.Context, cfg KafkaConfig, logger *zap.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.RebalanceTimeout == 0 {
		cfg.RebalanceTimeout = 60 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to ping Kafka: %w", err)
	}

	return &KafkaBus{
		cfg:      cfg,
		producer: producer,
		logger:   logger,
	}, nil
}

// Publish produces one record and waits for the broker acknowledgement
func (b *KafkaBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := b.producer.ProduceSync(ctx, newRecord(topic, key, payload)).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins group on topic with a dedicated consumer client. An
// Ephemeral subscription consumes directly from the end of the log instead.
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, h Handler, opts ...SubscribeOption) error {
	if h == nil {
		return fmt.Errorf("eventbus: nil handler for %s/%s", topic, group)
	}
	o := applySubscribeOptions(opts)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID),
		kgo.ConsumeTopics(topic),
	}
	if o.ephemeral {
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		// rebalances wait for AllowRebalance so commits and rewinds never
		// touch a partition this member no longer owns
		kopts = append(kopts,
			kgo.ConsumerGroup(group),
			kgo.DisableAutoCommit(),
			kgo.BlockRebalanceOnPoll(),
			kgo.SessionTimeout(b.cfg.SessionTimeout),
			kgo.RebalanceTimeout(b.cfg.RebalanceTimeout),
		)
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer for %s: %w", topic, err)
	}

	b.consumers = append(b.consumers, client)
	b.wg.Add(1)
	go b.consume(ctx, client, topic, group, !o.ephemeral, h)

	b.logger.Info("Subscribed to topic",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.Bool("ephemeral", o.ephemeral),
	)
	return nil
}

// Close stops all consumers and flushes the producer
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.producer.Flush(ctx); err != nil {
		b.logger.Warn("Failed to flush producer", zap.Error(err))
	}
	b.producer.Close()
	return nil
}

// consume polls until the client is closed. Only the handled prefix of each
// partition is committed. A partition that fails is rewound to the failed
// record and fetched again after RetryBackoff, so nothing after it is skipped.
func (b *KafkaBus) consume(ctx context.Context, client *kgo.Client, topic, group string, commit bool, h Handler) {
	defer b.wg.Done()

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}

		fetches.EachError(func(t string, p int32, err error) {
			b.logger.Error("Fetch error",
				zap.String("topic", t),
				zap.Int32("partition", p),
				zap.Error(err),
			)
		})

		handled, rewind := b.process(ctx, fetches, group, h)

		if commit && len(handled) > 0 {
			if err := client.CommitRecords(ctx, handled...); err != nil {
				b.logger.Error("Failed to commit records",
					zap.String("topic", topic),
					zap.String("group", group),
					zap.Error(err),
				)
			}
		}
		if len(rewind) > 0 {
			client.SetOffsets(rewind)
		}
		if commit {
			client.AllowRebalance()
		}

		if len(rewind) > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.RetryBackoff):
			}
		}
	}
}

// process runs each partition of fetches on its own goroutine, records in
// offset order. It returns the handled records and, for every partition that
// stopped on a failure, the offset to resume from.
func (b *KafkaBus) process(ctx context.Context, fetches kgo.Fetches, group string, h Handler) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	type topicPartition struct {
		topic     string
		partition int32
	}
	batches := make(map[topicPartition][]*kgo.Record)
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		tp := topicPartition{p.Topic, p.Partition}
		batches[tp] = append(batches[tp], p.Records...)
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handled []*kgo.Record
		rewind  = make(map[string]map[int32]kgo.EpochOffset)
	)

	for _, records := range batches {
		if len(records) == 0 {
			continue
		}
		wg.Add(1)
		go func(records []*kgo.Record) {
			defer wg.Done()
			for _, r := range records {
				err := h(ctx, messageFromRecord(r))

				mu.Lock()
				if err != nil {
					b.logger.Error("Handler failed, partition rewound for redelivery",
						zap.String("topic", r.Topic),
						zap.String("group", group),
						zap.Int32("partition", r.Partition),
						zap.Int64("offset", r.Offset),
						zap.Error(err),
					)
					if rewind[r.Topic] == nil {
						rewind[r.Topic] = make(map[int32]kgo.EpochOffset)
					}
					rewind[r.Topic][r.Partition] = kgo.EpochOffset{Epoch: -1, Offset: r.Offset}
					mu.Unlock()
					return
				}
				handled = append(handled, r)
				mu.Unlock()
			}
		}(records)
	}
	wg.Wait()

	return handled, rewind
}

func newRecord(topic, key string, payload []byte) *kgo.Record {
	r := &kgo.Record{
		Topic:     topic,
		Value:     payload,
		Timestamp: time.Now(),
		Headers: []kgo.RecordHeader{
			{Key: headerMessageID, Value: []byte(uuid.NewString())},
		},
	}
	if key != "" {
		r.Key = []byte(key)
	}
	return r
}

func messageFromRecord(r *kgo.Record) Message {
	msg := Message{
		Topic:       r.Topic,
		Key:         string(r.Key),
		Value:       r.Value,
		PublishedAt: r.Timestamp,
		Attempt:     1,
	}
	if len(r.Headers) > 0 {
		msg.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	msg.ID = msg.Headers[headerMessageID]
	if msg.ID == "" {
		msg.ID = r.Topic + "/" + strconv.Itoa(int(r.Partition)) + "/" + strconv.FormatInt(r.Offset, 10)
	}
	return msg
}
