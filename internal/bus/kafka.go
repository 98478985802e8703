package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// KafkaBus implements EventBus on Kafka. Work topics are read by a shared
// consumer group; broadcast topics get a group per subscription so every
// instance sees every message.
type KafkaBus struct {
	mu      sync.Mutex
	writer  *kafka.Writer
	brokers []string
	group   string
	subs    map[string]*kafkaSubscription
	closed  bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaBus creates a Kafka-backed event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	slog.Info("kafka bus initialized",
		"brokers", cfg.KafkaBrokers,
		"group", cfg.ConsumerGroup,
	)

	return &KafkaBus{
		writer:  writer,
		brokers: cfg.KafkaBrokers,
		group:   cfg.ConsumerGroup,
		subs:    make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes a message to the Kafka topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}

	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: data,
		Time:  time.Now(),
	})
}

// Subscribe starts a reader for the topic. Offsets are committed only after
// the handler succeeds.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id := uuid.New().String()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.brokers,
		GroupID:        b.groupFor(topic, id),
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{id: id, topic: topic, reader: reader, cancel: cancel}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		consume(subCtx, reader, handler)
	}()

	b.subs[id] = sub
	return sub, nil
}

func (b *KafkaBus) groupFor(topic, subscriptionID string) string {
	if domain.WorkTopic(topic) {
		return b.group
	}
	return b.group + "-" + subscriptionID
}

// consume is the fetch, handle, commit loop of one reader.
func consume(ctx context.Context, reader *kafka.Reader, handler domain.MessageHandler) {
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to fetch kafka message",
				"topic", reader.Config().Topic,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		msg, err := decodeEnvelope(km.Value)
		if err != nil {
			slog.Error("failed to unmarshal kafka message",
				"topic", km.Topic,
				"offset", km.Offset,
				"error", err,
			)
		} else if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"topic", km.Topic,
				"partition", km.Partition,
				"offset", km.Offset,
				"error", err,
			)
			// Not committed; redelivered after a rebalance or restart
			continue
		}

		if err := reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			slog.Error("failed to commit kafka offset",
				"offset", km.Offset,
				"error", err,
			)
		}
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops every reader and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Unsubscribe stops the reader and waits for the consume loop to exit.
func (s *kafkaSubscription) Unsubscribe() error {
	s.cancel()
	err := s.reader.Close()
	s.wg.Wait()
	return err
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
