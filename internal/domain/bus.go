package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels, NATS or Kafka.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `koanf:"type" validate:"oneof=channel nats kafka"`

	// Channel settings
	ChannelBufferSize int `koanf:"channel_buffer_size" validate:"gte=0"`

	// NATS settings
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds

	// Kafka settings
	KafkaBrokers []string `koanf:"kafka_brokers"`

	// ConsumerGroup shares work topics between instances (NATS queue group,
	// Kafka consumer group)
	ConsumerGroup string `koanf:"consumer_group"`
}

// Standard topic names for the decision pipeline.
const (
	TopicEventSubmitted = "kestrel.event.submitted"
	TopicCaseDecided    = "kestrel.case.decided"
	TopicCaseReviewed   = "kestrel.case.reviewed"
	TopicRuleChanged    = "kestrel.rule.changed"
)

// WorkTopic reports whether each message on topic should be handled by a
// single instance rather than broadcast to every subscriber.
func WorkTopic(topic string) bool {
	return topic == TopicEventSubmitted
}

// SubmittedEvent is the payload published on TopicEventSubmitted.
type SubmittedEvent struct {
	CaseID string `json:"caseId"`
	Event  Event  `json:"event"`
}

// CaseNotice is the payload published when a case is decided or reviewed.
type CaseNotice struct {
	CaseID         string         `json:"caseId"`
	EventID        string         `json:"eventId"`
	Domain         string         `json:"domain"`
	Stage          Stage          `json:"stage"`
	Classification Classification `json:"classification"`
	Status         CaseStatus     `json:"status"`
	Action         Action         `json:"action"`
	Score          float64        `json:"score"`
	ResponseTimeMs int64          `json:"responseTimeMs"`
	Reviewer       string         `json:"reviewer,omitempty"`
}

// NoticeFor builds a CaseNotice from a case.
func NoticeFor(c *Case) CaseNotice {
	n := CaseNotice{
		CaseID:         c.ID,
		EventID:        c.EventID,
		Domain:         c.Domain,
		Stage:          c.Stage,
		Classification: c.Classification,
		Status:         c.Status,
		Action:         c.Action,
		ResponseTimeMs: c.ResponseLatency.Milliseconds(),
		Reviewer:       c.ReviewedBy,
	}
	if c.Assessment != nil {
		n.Score = c.Assessment.Score
	}
	return n
}
