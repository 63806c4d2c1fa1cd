package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/streamrelay/common/messaging"
	"github.com/telhawk-systems/streamrelay/common/messaging/memory"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

const path = "tweets/analysis"

func publish(t *testing.T, bus *memory.Bus, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := bus.Publish(context.Background(), &messaging.OutboundMessage{Topic: "tweets", Data: []byte(p)})
		require.NoError(t, err)
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.GracePeriod = time.Second
	return opts
}

func receive(t *testing.T, ch <-chan *InboundMessage) *InboundMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func assertNoDelivery(t *testing.T, ch <-chan *InboundMessage) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected delivery of %s", m.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_MessageCapWithholdsDelivery(t *testing.T) {
	bus := memory.New(1)
	publish(t, bus, "a", "b", "c")

	opts := testOptions()
	opts.FlowControl = messaging.FlowControl{MessagesOutstanding: 2, BytesOutstanding: 1 << 20}
	c := New(bus, opts, nil)

	delivered := make(chan *InboundMessage, 3)
	h, err := c.Subscribe(context.Background(), path, func(_ context.Context, m *InboundMessage) AckDecision {
		delivered <- m
		return Defer
	})
	require.NoError(t, err)
	defer h.Stop()

	first := receive(t, delivered)
	second := receive(t, delivered)
	assert.Equal(t, "a", string(first.Payload))
	assert.Equal(t, "b", string(second.Payload))
	assertNoDelivery(t, delivered)

	n, _ := h.Outstanding()
	assert.Equal(t, 2, n)

	require.NoError(t, first.Ack())
	third := receive(t, delivered)
	assert.Equal(t, "c", string(third.Payload))

	require.NoError(t, second.Ack())
	require.NoError(t, third.Ack())
	h.Stop()
	report, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 3, Acked: 3}, report)

	acked, naked, outstanding := bus.Stats(path)
	assert.Equal(t, 3, acked)
	assert.Equal(t, 0, naked)
	assert.Equal(t, 0, outstanding)
}

func TestSubscribe_ByteCapWithholdsDelivery(t *testing.T) {
	bus := memory.New(1)
	publish(t, bus, "123456", "abcdef", "xyz")

	opts := testOptions()
	opts.FlowControl = messaging.FlowControl{MessagesOutstanding: 100, BytesOutstanding: 10}
	c := New(bus, opts, nil)

	delivered := make(chan *InboundMessage, 3)
	h, err := c.Subscribe(context.Background(), path, func(_ context.Context, m *InboundMessage) AckDecision {
		delivered <- m
		return Defer
	})
	require.NoError(t, err)
	defer h.Stop()

	first := receive(t, delivered)
	receive(t, delivered)
	assertNoDelivery(t, delivered)

	_, bytes := h.Outstanding()
	assert.Equal(t, int64(12), bytes)

	require.NoError(t, first.Ack())
	assert.Equal(t, "xyz", string(receive(t, delivered).Payload))
}

func TestSubscribe_NackRedelivers(t *testing.T) {
	bus := memory.New(1)
	publish(t, bus, "retry-me")

	var calls atomic.Int32
	done := make(chan struct{})
	h, err := New(bus, testOptions(), nil).Subscribe(context.Background(), path, func(_ context.Context, m *InboundMessage) AckDecision {
		if calls.Add(1) == 1 {
			return Nack
		}
		close(done)
		return Ack
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
	h.Stop()
	report, err := h.Wait()
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Acked)
	assert.Equal(t, 1, report.Nacked)

	acked, naked, _ := bus.Stats(path)
	assert.Equal(t, 1, acked)
	assert.Equal(t, 1, naked)
}

func TestSubscribe_DeferDeadlineNacks(t *testing.T) {
	bus := memory.New(1)
	publish(t, bus, "slow")

	opts := testOptions()
	opts.DeferDeadline = 20 * time.Millisecond
	opts.InProgressInterval = 5 * time.Millisecond

	var calls atomic.Int32
	acked := make(chan struct{})
	h, err := New(bus, opts, nil).Subscribe(context.Background(), path, func(_ context.Context, m *InboundMessage) AckDecision {
		if calls.Add(1) == 1 {
			return Defer
		}
		close(acked)
		return Ack
	})
	require.NoError(t, err)

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("expired message was not redelivered")
	}
	h.Stop()
	report, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Acked)
	assert.Equal(t, 2, report.Processed)
}

type fakeDelivery struct {
	id         string
	data       []byte
	acks       atomic.Int32
	naks       atomic.Int32
	inProgress atomic.Int32
}

func (d *fakeDelivery) ID() string          { return d.id }
func (d *fakeDelivery) OrderingKey() string { return "" }
func (d *fakeDelivery) Data() []byte        { return d.data }
func (d *fakeDelivery) Ack() error          { d.acks.Add(1); return nil }
func (d *fakeDelivery) Nak() error          { d.naks.Add(1); return nil }
func (d *fakeDelivery) InProgress() error   { d.inProgress.Add(1); return nil }

// scriptedStream hands out a fixed sequence of deliveries, then blocks.
type scriptedStream struct {
	deliveries chan messaging.Delivery
	closed     chan struct{}
	closeOnce  sync.Once
}

func newScriptedStream(ds ...messaging.Delivery) *scriptedStream {
	s := &scriptedStream{deliveries: make(chan messaging.Delivery, len(ds)), closed: make(chan struct{})}
	for _, d := range ds {
		s.deliveries <- d
	}
	return s
}

func (s *scriptedStream) Next(ctx context.Context) (messaging.Delivery, error) {
	select {
	case d := <-s.deliveries:
		return d, nil
	case <-s.closed:
		return nil, memory.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type scriptedSubscriber struct {
	stream *scriptedStream
}

func (s scriptedSubscriber) Subscribe(context.Context, string, messaging.FlowControl) (messaging.MessageStream, error) {
	return s.stream, nil
}

func TestSubscribe_RedeliveryOfInFlightMessageIsSkipped(t *testing.T) {
	first := &fakeDelivery{id: "0:1", data: []byte("hello")}
	again := &fakeDelivery{id: "0:1", data: []byte("hello")}
	stream := newScriptedStream(first, again)

	opts := testOptions()
	opts.InProgressInterval = 0

	var calls, active, peak atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	h, err := New(scriptedSubscriber{stream}, opts, nil).Subscribe(context.Background(), path, func(_ context.Context, m *InboundMessage) AckDecision {
		calls.Add(1)
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		close(started)
		<-release
		active.Add(-1)
		return Ack
	})
	require.NoError(t, err)

	<-started
	require.Eventually(t, func() bool { return again.inProgress.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	n, bytes := h.Outstanding()
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(5), bytes)

	close(release)
	require.Eventually(t, func() bool {
		n, bytes := h.Outstanding()
		return n == 0 && bytes == 0
	}, 2*time.Second, 5*time.Millisecond)

	h.Stop()
	report, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, Acked: 1}, report)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int32(1), first.acks.Load())
	assert.Zero(t, again.acks.Load())
	assert.Zero(t, again.naks.Load())
}

func TestSubscribe_LongCallbackReportsInProgress(t *testing.T) {
	d := &fakeDelivery{id: "0:1", data: []byte("slow")}

	opts := testOptions()
	opts.InProgressInterval = 5 * time.Millisecond

	h, err := New(scriptedSubscriber{newScriptedStream(d)}, opts, nil).Subscribe(context.Background(), path, func(context.Context, *InboundMessage) AckDecision {
		assert.Eventually(t, func() bool { return d.inProgress.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
		return Ack
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.acks.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.Stop()
	report, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Acked)
}

func TestInboundMessage_ResolvesOnce(t *testing.T) {
	bus := memory.New(1)
	publish(t, bus, "once")

	results := make(chan error, 2)
	h, err := New(bus, testOptions(), nil).Subscribe(context.Background(), path, func(_ context.Context, m *InboundMessage) AckDecision {
		results <- m.Ack()
		results <- m.Nack()
		return Ack
	})
	require.NoError(t, err)

	assert.NoError(t, <-results)
	assert.ErrorIs(t, <-results, pkgerrors.ErrAlreadyResolved)

	h.Stop()
	report, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Acked)

	acked, naked, _ := bus.Stats(path)
	assert.Equal(t, 1, acked)
	assert.Equal(t, 0, naked)
}

func TestSubscribe_TimeoutReportsCounts(t *testing.T) {
	bus := memory.New(1)
	publish(t, bus, "1", "2", "3")

	opts := testOptions()
	opts.Timeout = 100 * time.Millisecond
	h, err := New(bus, opts, nil).Subscribe(context.Background(), path, func(context.Context, *InboundMessage) AckDecision {
		return Ack
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not time out")
	}
	report, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 0, report.Pending)
}

func TestSubscribe_StopBeforeTimeout(t *testing.T) {
	opts := testOptions()
	opts.Timeout = time.Hour
	h, err := New(memory.New(1), opts, nil).Subscribe(context.Background(), path, func(context.Context, *InboundMessage) AckDecision {
		return Ack
	})
	require.NoError(t, err)

	h.Stop()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not end a subscription with a timeout")
	}
	_, err = h.Wait()
	assert.NoError(t, err)
}

func TestSubscribe_GracePeriodForceStops(t *testing.T) {
	bus := memory.New(1)
	publish(t, bus, "stuck", "fine")

	opts := testOptions()
	opts.GracePeriod = 30 * time.Millisecond
	opts.DeferDeadline = time.Hour

	var cancelled atomic.Bool
	started := make(chan struct{}, 2)
	h, err := New(bus, opts, nil).Subscribe(context.Background(), path, func(ctx context.Context, m *InboundMessage) AckDecision {
		started <- struct{}{}
		if string(m.Payload) == "fine" {
			return Ack
		}
		<-ctx.Done()
		cancelled.Store(true)
		return Ack
	})
	require.NoError(t, err)

	<-started
	<-started
	h.Stop()
	report, err := h.Wait()
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Pending)
	assert.Eventually(t, cancelled.Load, time.Second, time.Millisecond)

	// The stuck message was released for redelivery.
	_, naked, outstanding := bus.Stats(path)
	assert.Equal(t, 1, naked)
	assert.Equal(t, 0, outstanding)
}

func TestSubscribe_CallbackPanicNacks(t *testing.T) {
	bus := memory.New(1)
	publish(t, bus, "boom")

	var calls atomic.Int32
	h, err := New(bus, testOptions(), nil).Subscribe(context.Background(), path, func(context.Context, *InboundMessage) AckDecision {
		if calls.Add(1) == 1 {
			panic("callback bug")
		}
		return Ack
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		acked, _, _ := bus.Stats(path)
		return acked == 1
	}, 2*time.Second, time.Millisecond)
	h.Stop()

	report, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Nacked)
	assert.Equal(t, 1, report.Acked)
}

func TestSubscribe_DedupSkipsProcessedMessages(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewRedisDedupStore(client, path, time.Hour)
	require.NoError(t, store.Mark(context.Background(), "0:1"))

	bus := memory.New(1)
	publish(t, bus, "already-done", "new")

	opts := testOptions()
	opts.Dedup = store

	seen := make(chan string, 2)
	h, err := New(bus, opts, nil).Subscribe(context.Background(), path, func(_ context.Context, m *InboundMessage) AckDecision {
		seen <- string(m.Payload)
		return Ack
	})
	require.NoError(t, err)

	assert.Equal(t, "new", <-seen)
	require.Eventually(t, func() bool {
		ok, err := store.Seen(context.Background(), "0:2")
		return err == nil && ok
	}, 2*time.Second, time.Millisecond)

	h.Stop()
	report, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.Processed)

	acked, _, _ := bus.Stats(path)
	assert.Equal(t, 2, acked)
}

func TestSubscribe_StreamFailure(t *testing.T) {
	bus := memory.New(1)
	h, err := New(bus, testOptions(), nil).Subscribe(context.Background(), path, func(context.Context, *InboundMessage) AckDecision {
		return Ack
	})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, err = h.Wait()
	assert.ErrorIs(t, err, memory.ErrClosed)
}

func TestSubscribe_InvalidPath(t *testing.T) {
	_, err := New(memory.New(1), testOptions(), nil).Subscribe(context.Background(), "no-name", nil)
	assert.Error(t, err)
}

func TestAckDecision_String(t *testing.T) {
	for d, want := range map[AckDecision]string{Ack: "ack", Nack: "nack", Defer: "defer", AckDecision(7): "unknown"} {
		assert.Equal(t, want, d.String(), fmt.Sprint(int(d)))
	}
}
