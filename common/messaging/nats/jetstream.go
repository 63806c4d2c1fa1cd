package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/streamrelay/common/logging"
	"github.com/telhawk-systems/streamrelay/common/messaging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// BusConfig tunes how topics map onto streams and consumers.
type BusConfig struct {
	// Partitions is the number of partition subjects per topic.
	Partitions int

	// StreamMaxAge bounds how long a topic retains messages.
	StreamMaxAge time.Duration

	// StreamMaxBytes bounds the total size of a topic stream. Zero means unlimited.
	StreamMaxBytes int64

	// AckWait is the time the bus waits for an ack before redelivering.
	AckWait time.Duration

	// MaxDeliver caps delivery attempts per message. -1 means unlimited.
	MaxDeliver int

	// Storage is the stream storage backend.
	Storage jetstream.StorageType
}

// DefaultBusConfig returns sensible defaults for a topic bus.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Partitions:   1,
		StreamMaxAge: 7 * 24 * time.Hour,
		AckWait:      30 * time.Second,
		MaxDeliver:   -1,
		Storage:      jetstream.FileStorage,
	}
}

// TopicStreamConfig returns the stream configuration capturing every partition of topic.
func (c BusConfig) TopicStreamConfig(topic string) StreamConfig {
	return StreamConfig{
		Name:     messaging.StreamName(topic),
		Subjects: []string{messaging.PartitionWildcard(topic)},
		MaxAge:   c.StreamMaxAge,
		MaxBytes: c.StreamMaxBytes,
		Storage:  c.Storage,
	}
}

// Bus is a messaging.Bus backed by NATS JetStream.
//
// Each topic is a stream capturing "<topic>.p.*". Offsets are stream sequences, so
// they increase within a partition but are not dense.
type Bus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    BusConfig
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

// NewBus connects to NATS and returns a JetStream-backed bus.
func NewBus(cfg Config, busCfg BusConfig, logger *slog.Logger) (*Bus, error) {
	if busCfg.Partitions <= 0 {
		busCfg.Partitions = 1
	}
	logger = logging.OrDefault(logger).With(logging.Component("nats-bus"))

	conn, err := connect(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Bus{
		conn:    conn,
		js:      js,
		cfg:     busCfg,
		logger:  logger,
		streams: make(map[string]jetstream.Stream),
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (b *Bus) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Name,
		Subjects: cfg.Subjects,
		MaxAge:   cfg.MaxAge,
		MaxBytes: cfg.MaxBytes,
		Storage:  cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// Stream returns an existing stream by name.
func (b *Bus) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	stream, err := b.js.Stream(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", name, err)
	}
	return stream, nil
}

// PublishRaw publishes data to subject and waits for the stream acknowledgment.
func (b *Bus) PublishRaw(ctx context.Context, subject string, data []byte, headers map[string]string) (*jetstream.PubAck, error) {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	ack, err := b.js.PublishMsg(ctx, msg)
	if err != nil {
		return nil, mapPublishError(err)
	}
	return ack, nil
}

// ensureTopic creates the topic stream once per bus.
func (b *Bus) ensureTopic(ctx context.Context, topic string) (jetstream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[topic]; ok {
		return s, nil
	}
	s, err := b.CreateOrUpdateStream(ctx, b.cfg.TopicStreamConfig(topic))
	if err != nil {
		return nil, mapPublishError(err)
	}
	b.streams[topic] = s
	return s, nil
}

// Publish implements messaging.Publisher.
func (b *Bus) Publish(ctx context.Context, msg *messaging.OutboundMessage) (*messaging.PubAck, error) {
	if _, err := b.ensureTopic(ctx, msg.Topic); err != nil {
		return nil, err
	}

	partition := messaging.PartitionFor(msg.OrderingKey, b.cfg.Partitions)
	nm := nats.NewMsg(messaging.PartitionSubject(msg.Topic, partition))
	nm.Data = msg.Data
	for k, v := range msg.Headers {
		nm.Header.Set(k, v)
	}
	if msg.OrderingKey != "" {
		nm.Header.Set(messaging.HeaderOrderingKey, msg.OrderingKey)
	}

	var opts []jetstream.PublishOpt
	if msg.DedupID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.DedupID))
	}

	ack, err := b.js.PublishMsg(ctx, nm, opts...)
	if err != nil {
		return nil, mapPublishError(err)
	}

	meta := messaging.MessageMetadata{Partition: partition, Offset: ack.Sequence}
	return &messaging.PubAck{
		MessageID: meta.Encode(),
		Partition: partition,
		Offset:    ack.Sequence,
	}, nil
}

// Subscribe implements messaging.Subscriber. The subscription name becomes a durable
// pull consumer on the topic stream.
func (b *Bus) Subscribe(ctx context.Context, subscriptionPath string, fc messaging.FlowControl) (messaging.MessageStream, error) {
	topic, name, err := messaging.SplitSubscriptionPath(subscriptionPath)
	if err != nil {
		return nil, pkgerrors.NewPermanent(err, "nats.subscribe")
	}

	stream, err := b.ensureTopic(ctx, topic)
	if err != nil {
		return nil, err
	}

	if fc.MessagesOutstanding <= 0 {
		fc.MessagesOutstanding = messaging.DefaultFlowControl().MessagesOutstanding
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: messaging.PartitionWildcard(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
		MaxAckPending: fc.MessagesOutstanding,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", name, mapPublishError(err))
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(fc.MessagesOutstanding))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	b.logger.Info("subscription opened",
		logging.Subscription(subscriptionPath),
		slog.Int("max_ack_pending", fc.MessagesOutstanding))

	return &messageStream{iter: iter}, nil
}

// Ping checks the server round trip.
func (b *Bus) Ping(_ context.Context) error {
	if _, err := b.conn.RTT(); err != nil {
		return pkgerrors.NewTransient(err, "nats.ping")
	}
	return nil
}

// IsConnected returns true if the NATS connection is active.
func (b *Bus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains the connection.
func (b *Bus) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

type messageStream struct {
	iter jetstream.MessagesContext
	once sync.Once
}

// Next blocks for the next message. Cancelling ctx stops the stream.
func (s *messageStream) Next(ctx context.Context) (messaging.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, s.stop)
	defer stop()

	msg, err := s.iter.Next()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, pkgerrors.NewPermanent(err, "nats.next")
		}
		return nil, pkgerrors.NewTransient(err, "nats.next")
	}
	return newDelivery(msg), nil
}

func (s *messageStream) stop() {
	s.once.Do(s.iter.Stop)
}

// Close stops the underlying pull iterator.
func (s *messageStream) Close() error {
	s.stop()
	return nil
}

type delivery struct {
	msg jetstream.Msg
	id  string
}

func newDelivery(msg jetstream.Msg) *delivery {
	meta := messaging.MessageMetadata{}
	if p, ok := messaging.PartitionFromSubject(msg.Subject()); ok {
		meta.Partition = p
	}
	if md, err := msg.Metadata(); err == nil {
		meta.Offset = md.Sequence.Stream
	}
	return &delivery{msg: msg, id: meta.Encode()}
}

func (d *delivery) ID() string { return d.id }

func (d *delivery) OrderingKey() string {
	return d.msg.Headers().Get(messaging.HeaderOrderingKey)
}

func (d *delivery) Data() []byte { return d.msg.Data() }

func (d *delivery) Ack() error { return d.msg.Ack() }

func (d *delivery) Nak() error { return d.msg.Nak() }

func (d *delivery) InProgress() error { return d.msg.InProgress() }

// mapPublishError classifies NATS errors for the relay's retry policy.
func mapPublishError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, nats.ErrMaxPayload):
		return pkgerrors.NewPermanent(fmt.Errorf("%w: %w", pkgerrors.ErrPayloadTooLarge, err), "nats.publish")
	case errors.Is(err, nats.ErrConnectionClosed):
		return pkgerrors.NewFatal(fmt.Errorf("%w: %w", pkgerrors.ErrBusUnavailable, err), "nats.publish")
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, jetstream.ErrNoStreamResponse),
		errors.Is(err, nats.ErrConnectionReconnecting):
		return pkgerrors.NewTransient(fmt.Errorf("%w: %w", pkgerrors.ErrRemoteUnavailable, err), "nats.publish")
	}
	return pkgerrors.NewTransient(err, "nats.publish")
}
