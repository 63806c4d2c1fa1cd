// Package memory provides an in-process implementation of messaging.Bus.
//
// It keeps a partitioned, offset-addressed log per topic and durable subscriptions
// that replay the whole log, with explicit ack and redelivery on nak. It is used by
// tests and by the CLI's --bus=memory mode.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/telhawk-systems/streamrelay/common/messaging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

// ErrClosed is returned by operations on a closed bus or stream.
var ErrClosed = fmt.Errorf("memory bus closed: %w", pkgerrors.ErrBusUnavailable)

// PublishHook runs before every publish; a non-nil error fails that attempt.
type PublishHook func(ctx context.Context, msg *messaging.OutboundMessage) error

// Record is a message stored on a topic.
type Record struct {
	Metadata    messaging.MessageMetadata
	OrderingKey string
	Data        []byte
	Headers     map[string]string
}

type topicLog struct {
	offsets []uint64
	records []*Record
	dedup   map[string]*messaging.PubAck
}

type subscription struct {
	topic       string
	queue       []*Record
	outstanding map[string]*Record
	wake        chan struct{}
	acked       int
	naked       int
}

// Bus is an in-memory messaging.Bus.
type Bus struct {
	mu         sync.Mutex
	partitions int
	topics     map[string]*topicLog
	subs       map[string]*subscription
	hook       PublishHook
	failures   []error
	attempts   int
	closed     bool
}

// New creates a bus that spreads each topic over the given number of partitions.
func New(partitions int) *Bus {
	if partitions < 1 {
		partitions = 1
	}
	return &Bus{
		partitions: partitions,
		topics:     make(map[string]*topicLog),
		subs:       make(map[string]*subscription),
	}
}

// SetPublishHook installs a hook consulted before every publish attempt.
func (b *Bus) SetPublishHook(hook PublishHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

// FailNext makes the next len(errs) publish attempts fail with errs, in order.
func (b *Bus) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

// PublishAttempts returns the number of publish calls, failed ones included.
func (b *Bus) PublishAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Records returns a copy of everything stored on topic, in publish order.
func (b *Bus) Records(topic string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

// Stats returns ack and nak counts for a subscription path.
func (b *Bus) Stats(subscriptionPath string) (acked, naked, outstanding int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[subscriptionPath]
	if !ok {
		return 0, 0, 0
	}
	return s.acked, s.naked, len(s.outstanding)
}

// Publish implements messaging.Publisher.
func (b *Bus) Publish(ctx context.Context, msg *messaging.OutboundMessage) (*messaging.PubAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.attempts++
	hook := b.hook
	var injected error
	if len(b.failures) > 0 {
		injected = b.failures[0]
		b.failures = b.failures[1:]
	}
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if injected != nil {
		return nil, injected
	}
	if hook != nil {
		if err := hook(ctx, msg); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(msg.Topic)
	if msg.DedupID != "" {
		if ack, ok := t.dedup[msg.DedupID]; ok {
			dup := *ack
			return &dup, nil
		}
	}

	partition := messaging.PartitionFor(msg.OrderingKey, b.partitions)
	t.offsets[partition]++
	rec := &Record{
		Metadata:    messaging.MessageMetadata{Partition: partition, Offset: t.offsets[partition]},
		OrderingKey: msg.OrderingKey,
		Data:        append([]byte(nil), msg.Data...),
		Headers:     msg.Headers,
	}
	t.records = append(t.records, rec)

	for _, s := range b.subs {
		if s.topic == msg.Topic {
			s.pushLocked(rec, false)
		}
	}

	ack := &messaging.PubAck{
		MessageID: rec.Metadata.Encode(),
		Partition: partition,
		Offset:    rec.Metadata.Offset,
	}
	if msg.DedupID != "" {
		t.dedup[msg.DedupID] = ack
	}
	return ack, nil
}

// Subscribe implements messaging.Subscriber. A new subscription replays the topic
// from its first record; streams opened on the same path share one queue.
func (b *Bus) Subscribe(ctx context.Context, subscriptionPath string, fc messaging.FlowControl) (messaging.MessageStream, error) {
	topic, _, err := messaging.SplitSubscriptionPath(subscriptionPath)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s, ok := b.subs[subscriptionPath]
	if !ok {
		s = &subscription{
			topic:       topic,
			outstanding: make(map[string]*Record),
			wake:        make(chan struct{}),
		}
		t := b.topicLocked(topic)
		s.queue = append(s.queue, t.records...)
		b.subs[subscriptionPath] = s
	}

	return &stream{bus: b, sub: s, done: make(chan struct{})}, nil
}

// IsConnected implements messaging.Bus.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close implements messaging.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.wake)
		s.wake = make(chan struct{})
	}
	return nil
}

func (b *Bus) topicLocked(name string) *topicLog {
	t, ok := b.topics[name]
	if !ok {
		t = &topicLog{
			offsets: make([]uint64, b.partitions),
			dedup:   make(map[string]*messaging.PubAck),
		}
		b.topics[name] = t
	}
	return t
}

func (s *subscription) pushLocked(rec *Record, front bool) {
	if front {
		s.queue = append([]*Record{rec}, s.queue...)
	} else {
		s.queue = append(s.queue, rec)
	}
	close(s.wake)
	s.wake = make(chan struct{})
}

type stream struct {
	bus       *Bus
	sub       *subscription
	done      chan struct{}
	closeOnce sync.Once
	held      []*delivery
}

func (st *stream) Next(ctx context.Context) (messaging.Delivery, error) {
	for {
		st.bus.mu.Lock()
		if st.bus.closed {
			st.bus.mu.Unlock()
			return nil, ErrClosed
		}
		select {
		case <-st.done:
			st.bus.mu.Unlock()
			return nil, ErrClosed
		default:
		}
		if len(st.sub.queue) > 0 {
			rec := st.sub.queue[0]
			st.sub.queue = st.sub.queue[1:]
			st.sub.outstanding[rec.Metadata.Encode()] = rec
			d := &delivery{bus: st.bus, sub: st.sub, stream: st, rec: rec}
			st.held = append(st.held, d)
			st.bus.mu.Unlock()
			return d, nil
		}
		wake := st.sub.wake
		st.bus.mu.Unlock()

		select {
		case <-wake:
		case <-st.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close ends the stream. Deliveries it handed out that are still unresolved go
// back to the head of the subscription queue in their original order.
func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		st.bus.mu.Lock()
		defer st.bus.mu.Unlock()
		close(st.done)

		held := st.held
		st.held = nil
		if st.bus.closed || len(held) == 0 {
			return
		}
		for i := len(held) - 1; i >= 0; i-- {
			d := held[i]
			d.resolved = true
			delete(st.sub.outstanding, d.ID())
			st.sub.pushLocked(d.rec, true)
		}
	})
	return nil
}

func (st *stream) releaseLocked(d *delivery) {
	for i, h := range st.held {
		if h == d {
			st.held = append(st.held[:i], st.held[i+1:]...)
			return
		}
	}
}

type delivery struct {
	bus      *Bus
	sub      *subscription
	stream   *stream
	rec      *Record
	resolved bool
}

func (d *delivery) ID() string          { return d.rec.Metadata.Encode() }
func (d *delivery) OrderingKey() string { return d.rec.OrderingKey }
func (d *delivery) Data() []byte        { return d.rec.Data }

func (d *delivery) Ack() error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if err := d.resolveLocked(); err != nil {
		return err
	}
	d.sub.acked++
	return nil
}

func (d *delivery) Nak() error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if err := d.resolveLocked(); err != nil {
		return err
	}
	d.sub.naked++
	d.sub.pushLocked(d.rec, true)
	return nil
}

func (d *delivery) InProgress() error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if d.resolved {
		return fmt.Errorf("message %s already resolved", d.ID())
	}
	return nil
}

func (d *delivery) resolveLocked() error {
	if d.resolved {
		return fmt.Errorf("message %s already resolved", d.ID())
	}
	d.resolved = true
	delete(d.sub.outstanding, d.ID())
	d.stream.releaseLocked(d)
	return nil
}
