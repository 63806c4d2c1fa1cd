package relay

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/telhawk-systems/streamrelay/internal/ingest"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Topic = "tweets"
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 2 * time.Millisecond
	return opts
}

func event(payload, key string) ingest.RawEvent {
	return ingest.RawEvent{Payload: []byte(payload), ReceivedAt: time.Now(), OrderingKey: key}
}

func newRelay(t *testing.T, bus messaging.Publisher, opts Options) *Relay {
	t.Helper()
	r, err := New(bus, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func wait(t *testing.T, f *Future) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NoError(t, err)
	return res
}

var errTimeout = pkgerrors.NewTransient(pkgerrors.ErrRemoteUnavailable, "publish")

func TestRelay_AckedAfterTransientFailures(t *testing.T) {
	bus := memory.New(1)
	bus.FailNext(errTimeout, pkgerrors.NewTransient(pkgerrors.ErrThrottled, "publish"))

	opts := testOptions()
	opts.MaxAttempts = 3
	r := newRelay(t, bus, opts)

	f, err := r.Submit(context.Background(), event(`{"n":1}`, ""))
	require.NoError(t, err)
	res := wait(t, f)

	assert.Equal(t, Acked, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "0:1", res.MessageID)
	assert.Equal(t, 0, res.Partition)
	assert.Equal(t, uint64(1), res.Offset)
	assert.Equal(t, 3, bus.PublishAttempts())
	assert.Len(t, bus.Records("tweets"), 1)
	assert.Equal(t, 0, r.Outstanding())
}

func TestRelay_RetriesExhausted(t *testing.T) {
	bus := memory.New(1)
	bus.FailNext(errTimeout, errTimeout, errTimeout)

	opts := testOptions()
	opts.MaxAttempts = 3
	r := newRelay(t, bus, opts)

	f, err := r.Submit(context.Background(), event(`{}`, ""))
	require.NoError(t, err)
	res := wait(t, f)

	assert.Equal(t, DeadLettered, res.Outcome)
	assert.Equal(t, ReasonRetriesExhausted, res.Reason)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.Err, pkgerrors.ErrRemoteUnavailable)
	assert.Empty(t, bus.Records("tweets"))
}

func TestRelay_PermanentFailuresAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"payload too large", pkgerrors.NewPermanent(pkgerrors.ErrPayloadTooLarge, "publish"), ReasonPayloadTooLarge},
		{"malformed", pkgerrors.ErrMalformedPayload, ReasonMalformedPayload},
		{"rejected", pkgerrors.NewPermanent(errors.New("invalid subject"), "publish"), ReasonRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := memory.New(1)
			bus.FailNext(tt.err)
			r := newRelay(t, bus, testOptions())

			f, err := r.Submit(context.Background(), event(`{}`, ""))
			require.NoError(t, err)
			res := wait(t, f)

			assert.Equal(t, DeadLettered, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, 1, bus.PublishAttempts())
		})
	}
}

func TestRelay_OversizePayloadNeverPublished(t *testing.T) {
	bus := memory.New(1)
	opts := testOptions()
	opts.MaxPayloadBytes = 8
	r := newRelay(t, bus, opts)

	f, err := r.Submit(context.Background(), event(`{"too":"large"}`, ""))
	require.NoError(t, err)
	res := wait(t, f)

	assert.Equal(t, DeadLettered, res.Outcome)
	assert.Equal(t, ReasonPayloadTooLarge, res.Reason)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 0, bus.PublishAttempts())
	assert.Equal(t, 0, r.Outstanding())
}

func TestRelay_BackpressureCapsOutstanding(t *testing.T) {
	bus := memory.New(1)
	release := make(chan struct{})
	var inflight, peak atomic.Int32
	bus.SetPublishHook(func(ctx context.Context, _ *messaging.OutboundMessage) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	opts := testOptions()
	opts.MaxOutstanding = 2
	r := newRelay(t, bus, opts)
	ctx := context.Background()

	f1, err := r.Submit(ctx, event(`{"n":1}`, ""))
	require.NoError(t, err)
	f2, err := r.Submit(ctx, event(`{"n":2}`, ""))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Outstanding())

	// A third submit suspends until a ticket resolves.
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = r.Submit(blocked, event(`{"n":3}`, ""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	submitted := make(chan *Future)
	go func() {
		f, err := r.Submit(ctx, event(`{"n":3}`, ""))
		assert.NoError(t, err)
		submitted <- f
	}()

	select {
	case <-submitted:
		t.Fatal("submit did not block at the cap")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	f3 := <-submitted
	for _, f := range []*Future{f1, f2, f3} {
		assert.Equal(t, Acked, wait(t, f).Outcome)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, r.Outstanding())
}

func TestRelay_PreservesOrderPerKey(t *testing.T) {
	bus := memory.New(4)
	// Fail the first attempt of every other message to shuffle timing.
	var calls atomic.Int32
	bus.SetPublishHook(func(_ context.Context, _ *messaging.OutboundMessage) error {
		if calls.Add(1)%2 == 0 {
			return errTimeout
		}
		return nil
	})
	r := newRelay(t, bus, testOptions())
	ctx := context.Background()

	var futures []*Future
	for i := range 20 {
		key := fmt.Sprintf("k%d", i%3)
		f, err := r.Submit(ctx, event(fmt.Sprintf(`{"key":%q,"seq":%d}`, key, i), key))
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		assert.Equal(t, Acked, wait(t, f).Outcome)
	}

	last := map[string]int{}
	for _, rec := range bus.Records("tweets") {
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(rec.Data, &body))
		prev, seen := last[rec.OrderingKey]
		if seen {
			assert.Greater(t, body.Seq, prev, "key %s out of order", rec.OrderingKey)
		}
		last[rec.OrderingKey] = body.Seq
	}
	assert.Len(t, last, 3)
}

func TestRelay_EveryTicketResolvesExactlyOnce(t *testing.T) {
	bus := memory.New(2)
	var calls atomic.Int32
	bus.SetPublishHook(func(_ context.Context, _ *messaging.OutboundMessage) error {
		switch calls.Add(1) % 5 {
		case 1:
			return errTimeout
		case 3:
			return pkgerrors.NewPermanent(pkgerrors.ErrMalformedPayload, "publish")
		}
		return nil
	})

	opts := testOptions()
	opts.MaxOutstanding = 4
	opts.MaxAttempts = 2
	opts.FatalAfter = 0
	r := newRelay(t, bus, opts)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[string]Result{}
	)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := ""
			if i%2 == 0 {
				key = "even"
			}
			f, err := r.Submit(context.Background(), event(fmt.Sprintf(`{"i":%d}`, i), key))
			if !assert.NoError(t, err) {
				return
			}
			res := wait(t, f)
			mu.Lock()
			_, dup := results[f.TicketID()]
			results[f.TicketID()] = res
			mu.Unlock()
			assert.False(t, dup)
		}()
	}
	wg.Wait()

	require.Len(t, results, 50)
	acked := 0
	for _, res := range results {
		assert.Contains(t, []Outcome{Acked, DeadLettered}, res.Outcome)
		if res.Outcome == Acked {
			acked++
		}
	}
	assert.Len(t, bus.Records("tweets"), acked)
	assert.Equal(t, 0, r.Outstanding())
}

func TestRelay_EscalatesAfterConsecutiveExhaustion(t *testing.T) {
	bus := memory.New(1)
	bus.SetPublishHook(func(context.Context, *messaging.OutboundMessage) error { return errTimeout })

	opts := testOptions()
	opts.MaxAttempts = 1
	opts.FatalAfter = 2
	r := newRelay(t, bus, opts)

	for range 2 {
		f, err := r.Submit(context.Background(), event(`{}`, "k"))
		require.NoError(t, err)
		assert.Equal(t, ReasonRetriesExhausted, wait(t, f).Reason)
	}

	select {
	case err := <-r.Fatal():
		assert.True(t, pkgerrors.IsFatal(err))
		assert.ErrorIs(t, err, pkgerrors.ErrBusUnavailable)
	case <-time.After(time.Second):
		t.Fatal("expected fatal escalation")
	}
}

func TestRelay_FatalPublishErrorEscalatesImmediately(t *testing.T) {
	bus := memory.New(1)
	require.NoError(t, bus.Close())
	r := newRelay(t, bus, testOptions())

	f, err := r.Submit(context.Background(), event(`{}`, ""))
	require.NoError(t, err)
	res := wait(t, f)

	assert.Equal(t, ReasonBusUnavailable, res.Reason)
	assert.Equal(t, 1, res.Attempts)
	select {
	case err := <-r.Fatal():
		assert.ErrorIs(t, err, memory.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("expected fatal escalation")
	}
}

func TestRelay_DrainAndClose(t *testing.T) {
	bus := memory.New(1)
	hold := make(chan struct{})
	bus.SetPublishHook(func(ctx context.Context, _ *messaging.OutboundMessage) error {
		select {
		case <-hold:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	r := newRelay(t, bus, testOptions())

	f, err := r.Submit(context.Background(), event(`{}`, "k"))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = r.Drain(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "1 tickets outstanding")

	_, err = r.Submit(context.Background(), event(`{}`, ""))
	assert.ErrorIs(t, err, pkgerrors.ErrNotRunning)

	require.NoError(t, r.Close())
	res := wait(t, f)
	assert.Equal(t, DeadLettered, res.Outcome)
	assert.Equal(t, ReasonShutdown, res.Reason)
}

func TestRelay_DrainWaitsForTickets(t *testing.T) {
	bus := memory.New(1)
	bus.FailNext(errTimeout)
	r := newRelay(t, bus, testOptions())

	f, err := r.Submit(context.Background(), event(`{}`, ""))
	require.NoError(t, err)

	require.NoError(t, r.Drain(context.Background()))
	res, done := f.Result()
	require.True(t, done)
	assert.Equal(t, Acked, res.Outcome)
}

type recordingWriter struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (w *recordingWriter) WriteDeadLetter(_ context.Context, dl DeadLetter) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.letters = append(w.letters, dl)
	return nil
}

func TestRelay_DeadLetterWriter(t *testing.T) {
	bus := memory.New(1)
	bus.FailNext(pkgerrors.NewPermanent(pkgerrors.ErrMalformedPayload, "publish"))

	w := &recordingWriter{}
	opts := testOptions()
	opts.DeadLetter = w
	r, err := New(bus, opts, nil)
	require.NoError(t, err)

	f, err := r.Submit(context.Background(), event(`{"bad":1}`, ""))
	require.NoError(t, err)
	wait(t, f)
	require.NoError(t, r.Close())

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.letters, 1)
	assert.Equal(t, f.TicketID(), w.letters[0].Ticket.ID)
	assert.Equal(t, "tweets", w.letters[0].Topic)
	assert.Equal(t, ReasonMalformedPayload, w.letters[0].Reason)
	assert.Equal(t, `{"bad":1}`, string(w.letters[0].Ticket.Event.Payload))
}

func TestNew_RequiresTopic(t *testing.T) {
	_, err := New(memory.New(1), Options{}, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidConfig)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "acked id=0:4 partition=0 offset=4",
		Result{Outcome: Acked, MessageID: "0:4", Offset: 4}.String())
	assert.Equal(t, "dead_lettered reason=shutdown",
		Result{Outcome: DeadLettered, Reason: ReasonShutdown}.String())
}
