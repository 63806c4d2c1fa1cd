// Package dlq stores tickets the relay could not publish in a JetStream stream
// next to the topic they were meant for.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/streamrelay/common/logging"
	"github.com/telhawk-systems/streamrelay/common/messaging"
	natsbus "github.com/telhawk-systems/streamrelay/common/messaging/nats"
	"github.com/telhawk-systems/streamrelay/internal/relay"
)

// msgIDHeader is the JetStream deduplication header.
const msgIDHeader = "Nats-Msg-Id"

// FailedEvent is the stored form of a dead-lettered ticket.
type FailedEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	TicketID    string    `json:"ticket_id"`
	Topic       string    `json:"topic"`
	OrderingKey string    `json:"ordering_key,omitempty"`
	Payload     []byte    `json:"payload"`
	ReceivedAt  time.Time `json:"received_at"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Reason      string    `json:"reason"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
}

// Backend is the part of the JetStream bus the queue needs.
type Backend interface {
	CreateOrUpdateStream(ctx context.Context, cfg natsbus.StreamConfig) (jetstream.Stream, error)
	PublishRaw(ctx context.Context, subject string, data []byte, headers map[string]string) (*jetstream.PubAck, error)
}

// StreamConfig returns the dead-letter stream for topic.
// Example: tweets -> TWEETS_DLQ capturing tweets.dlq.>
func StreamConfig(topic string, maxAge time.Duration, storage jetstream.StorageType) natsbus.StreamConfig {
	return natsbus.StreamConfig{
		Name:     messaging.StreamName(topic) + "_DLQ",
		Subjects: []string{messaging.DLQWildcard(topic)},
		MaxAge:   maxAge,
		Storage:  storage,
	}
}

// JetStreamQueue writes failed tickets to a JetStream stream.
// Safe for use across multiple relay instances.
type JetStreamQueue struct {
	backend Backend
	stream  jetstream.Stream
	topic   string
	logger  *slog.Logger
	written uint64
}

// NewJetStreamQueue creates the dead-letter stream for topic if needed.
func NewJetStreamQueue(ctx context.Context, backend Backend, cfg natsbus.StreamConfig, topic string, logger *slog.Logger) (*JetStreamQueue, error) {
	if backend == nil {
		return nil, fmt.Errorf("jetstream backend is nil")
	}
	logger = logging.OrDefault(logger).With(logging.Component("dlq"), logging.Topic(topic))

	stream, err := backend.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("dead-letter stream ready", slog.String("stream", cfg.Name))

	return &JetStreamQueue{
		backend: backend,
		stream:  stream,
		topic:   topic,
		logger:  logger,
	}, nil
}

// WriteDeadLetter implements relay.DeadLetterWriter.
func (q *JetStreamQueue) WriteDeadLetter(ctx context.Context, dl relay.DeadLetter) error {
	if q == nil {
		return nil
	}

	failed := FailedEvent{
		Timestamp:   time.Now().UTC(),
		TicketID:    dl.Ticket.ID,
		Topic:       dl.Topic,
		OrderingKey: dl.Ticket.Event.OrderingKey,
		Payload:     dl.Ticket.Event.Payload,
		ReceivedAt:  dl.Ticket.Event.ReceivedAt,
		EnqueuedAt:  dl.Ticket.EnqueuedAt,
		Reason:      dl.Reason,
		Attempts:    dl.Ticket.Attempt,
	}
	if dl.Err != nil {
		failed.Error = dl.Err.Error()
	}

	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	headers := map[string]string{
		messaging.HeaderDLQReason: dl.Reason,
		// A retried write of the same ticket is discarded by the stream.
		msgIDHeader: dl.Ticket.ID,
	}
	if _, err := q.backend.PublishRaw(ctx, messaging.DLQSubject(q.topic, dl.Reason), data, headers); err != nil {
		q.logger.Error("failed to publish dead letter",
			logging.TicketID(dl.Ticket.ID),
			logging.Error(err))
		return err
	}

	atomic.AddUint64(&q.written, 1)
	q.logger.Debug("dead letter stored",
		logging.TicketID(dl.Ticket.ID),
		slog.String("reason", dl.Reason))

	return nil
}

// Stats returns queue counters from JetStream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{
			"enabled": false,
			"backend": "jetstream",
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		q.logger.Error("failed to get dlq stream info", logging.Error(err))
		return map[string]any{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]any{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
		"consumer_count": info.State.Consumers,
	}
}

// List returns up to limit stored events, oldest first.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedEvent, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}

	if limit <= 0 {
		limit = 100
	}

	// Ephemeral consumer; nothing is acknowledged so entries stay in place.
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: messaging.DLQWildcard(q.topic),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var events []FailedEvent
	for msg := range msgs.Messages() {
		var failed FailedEvent
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			q.logger.Warn("skipping unparsable dlq entry", logging.Error(err))
			continue
		}
		events = append(events, failed)
	}

	if err := msgs.Error(); err != nil {
		q.logger.Warn("dlq fetch completed with error", logging.Error(err))
	}

	return events, nil
}

// Purge removes every stored event.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("dlq not enabled")
	}

	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}

	q.logger.Info("purged dead-letter stream")
	return nil
}
