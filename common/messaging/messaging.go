// Package messaging provides abstractions for the durable message bus the relay
// publishes to and consumes from. Implementations live in sub-packages
// (nats for JetStream, memory for an in-process simulation).
package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PubAck is the durable acknowledgment returned by the bus for a published message.
type PubAck struct {
	// MessageID is the bus-assigned identifier, the encoded MessageMetadata.
	MessageID string

	// Partition the message landed on.
	Partition int

	// Offset of the message within its partition.
	Offset uint64
}

// Publisher publishes messages to topics.
type Publisher interface {
	// Publish sends msg and blocks until the bus has durably stored it.
	Publish(ctx context.Context, msg *OutboundMessage) (*PubAck, error)
}

// OutboundMessage is a message handed to a Publisher.
type OutboundMessage struct {
	Topic string
	Data  []byte

	// OrderingKey pins messages sharing it to one partition.
	OrderingKey string

	// DedupID, when set, lets the bus discard duplicates of a retried publish.
	DedupID string

	Headers map[string]string
}

// Delivery is a single message handed out by a MessageStream. It stays outstanding
// on the bus until exactly one of Ack or Nak is called.
type Delivery interface {
	// ID returns the bus message id (encoded MessageMetadata).
	ID() string

	// OrderingKey returns the ordering key the message was published with, if any.
	OrderingKey() string

	// Data returns the message payload.
	Data() []byte

	// Ack acknowledges the message; the bus will not redeliver it.
	Ack() error

	// Nak negatively acknowledges the message, making it eligible for redelivery.
	Nak() error

	// InProgress tells the bus the message is still being worked on.
	InProgress() error
}

// MessageStream is a pull-based stream of deliveries for one subscription.
type MessageStream interface {
	// Next blocks until a delivery is available or ctx is done.
	Next(ctx context.Context) (Delivery, error)

	// Close stops the stream. Unacknowledged deliveries are redelivered by the bus.
	Close() error
}

// FlowControl bounds what a subscriber keeps outstanding.
type FlowControl struct {
	MessagesOutstanding int
	BytesOutstanding    int64
}

// DefaultFlowControl mirrors the per-partition settings of the managed bus the relay
// was first built against: 1000 messages and 10 MiB.
func DefaultFlowControl() FlowControl {
	return FlowControl{
		MessagesOutstanding: 1000,
		BytesOutstanding:    10 * 1024 * 1024,
	}
}

// Subscriber opens message streams.
type Subscriber interface {
	// Subscribe opens a stream for subscriptionPath ("<topic>/<name>").
	Subscribe(ctx context.Context, subscriptionPath string, fc FlowControl) (MessageStream, error)
}

// Bus combines Publisher and Subscriber.
type Bus interface {
	Publisher
	Subscriber

	// IsConnected returns true if the bus connection is usable.
	IsConnected() bool

	// Close releases any resources held by the bus.
	Close() error
}

// MessageMetadata locates a message on the bus.
type MessageMetadata struct {
	Partition int
	Offset    uint64
}

// Encode returns the message id form "<partition>:<offset>".
func (m MessageMetadata) Encode() string {
	return strconv.Itoa(m.Partition) + ":" + strconv.FormatUint(m.Offset, 10)
}

// String implements fmt.Stringer.
func (m MessageMetadata) String() string {
	return fmt.Sprintf("partition=%d offset=%d", m.Partition, m.Offset)
}

// DecodeMessageMetadata parses a message id produced by Encode.
func DecodeMessageMetadata(id string) (MessageMetadata, error) {
	p, o, ok := strings.Cut(id, ":")
	if !ok {
		return MessageMetadata{}, fmt.Errorf("invalid message id %q", id)
	}
	partition, err := strconv.Atoi(p)
	if err != nil || partition < 0 {
		return MessageMetadata{}, fmt.Errorf("invalid partition in message id %q", id)
	}
	offset, err := strconv.ParseUint(o, 10, 64)
	if err != nil {
		return MessageMetadata{}, fmt.Errorf("invalid offset in message id %q", id)
	}
	return MessageMetadata{Partition: partition, Offset: offset}, nil
}

// SplitSubscriptionPath splits "<topic>/<name>" into its parts.
func SplitSubscriptionPath(path string) (topic, name string, err error) {
	topic, name, ok := strings.Cut(path, "/")
	if !ok || topic == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid subscription path %q: want <topic>/<name>", path)
	}
	return topic, name, nil
}
