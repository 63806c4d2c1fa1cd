// Package consumer pulls messages from a bus subscription under message and byte
// caps, hands each to a callback and acknowledges according to its decision.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/streamrelay/common/logging"
	"github.com/telhawk-systems/streamrelay/common/messaging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
	"github.com/telhawk-systems/streamrelay/internal/metrics"
)

// Callback processes one message and decides its fate. It is invoked once per
// delivery; ctx is cancelled when the subscription is force-stopped.
type Callback func(ctx context.Context, msg *InboundMessage) AckDecision

// Options configures a Consumer.
type Options struct {
	FlowControl messaging.FlowControl

	// DeferDeadline nacks deferred messages left unresolved this long.
	DeferDeadline time.Duration

	// InProgressInterval is how often an unresolved message is reported as in
	// progress to the bus, holding off redelivery. Zero disables it.
	InProgressInterval time.Duration

	// GracePeriod bounds how long a stopping subscription waits for outstanding messages.
	GracePeriod time.Duration

	// Timeout stops the subscription after this long. Zero means run until stopped.
	Timeout time.Duration

	// Dedup, if set, auto-acks redeliveries of messages acked before.
	Dedup DedupStore
}

// DefaultOptions returns the default consumer settings.
func DefaultOptions() Options {
	return Options{
		FlowControl:        messaging.DefaultFlowControl(),
		DeferDeadline:      60 * time.Second,
		InProgressInterval: 10 * time.Second,
		GracePeriod:        10 * time.Second,
	}
}

// Report summarizes a finished subscription.
type Report struct {
	// Processed counts messages resolved by ack or nack.
	Processed int `json:"processed"`

	// Pending counts messages still unresolved when the grace period ran out.
	Pending int `json:"pending"`

	Acked      int `json:"acked"`
	Nacked     int `json:"nacked"`
	Expired    int `json:"expired"`
	Duplicates int `json:"duplicates"`
}

// Consumer opens flow-controlled subscriptions on a bus.
type Consumer struct {
	sub    messaging.Subscriber
	opts   Options
	logger *slog.Logger
}

// New creates a new consumer.
func New(sub messaging.Subscriber, opts Options, logger *slog.Logger) *Consumer {
	def := DefaultOptions()
	if opts.FlowControl.MessagesOutstanding <= 0 {
		opts.FlowControl.MessagesOutstanding = def.FlowControl.MessagesOutstanding
	}
	if opts.FlowControl.BytesOutstanding <= 0 {
		opts.FlowControl.BytesOutstanding = def.FlowControl.BytesOutstanding
	}
	if opts.DeferDeadline <= 0 {
		opts.DeferDeadline = def.DeferDeadline
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = def.GracePeriod
	}
	return &Consumer{
		sub:    sub,
		opts:   opts,
		logger: logging.OrDefault(logger).With(logging.Component("consumer")),
	}
}

// Handle controls a running subscription.
type Handle struct {
	path   string
	opts   Options
	cb     Callback
	stream messaging.MessageStream
	logger *slog.Logger

	stop         context.CancelFunc
	cbCtx        context.Context
	cancelCbs    context.CancelFunc
	done         chan struct{}
	forceStopped bool

	mu          sync.Mutex
	outstanding map[string]*InboundMessage
	bytes       int64
	changed     chan struct{}
	report      Report
	err         error
}

// Subscribe opens subscriptionPath ("<topic>/<name>") and starts delivering messages to
// cb. The subscription ends when ctx is done, Stop is called or the timeout passes.
func (c *Consumer) Subscribe(ctx context.Context, subscriptionPath string, cb Callback) (*Handle, error) {
	stream, err := c.sub.Subscribe(ctx, subscriptionPath, c.opts.FlowControl)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subscriptionPath, err)
	}

	var (
		runCtx context.Context
		stop   context.CancelFunc
	)
	if c.opts.Timeout > 0 {
		runCtx, stop = context.WithTimeout(ctx, c.opts.Timeout)
	} else {
		runCtx, stop = context.WithCancel(ctx)
	}
	cbCtx, cancelCbs := context.WithCancel(context.WithoutCancel(ctx))

	h := &Handle{
		path:        subscriptionPath,
		opts:        c.opts,
		cb:          cb,
		stream:      stream,
		logger:      c.logger.With(logging.Subscription(subscriptionPath)),
		stop:        stop,
		cbCtx:       cbCtx,
		cancelCbs:   cancelCbs,
		done:        make(chan struct{}),
		outstanding: make(map[string]*InboundMessage),
		changed:     make(chan struct{}),
	}
	go h.run(runCtx)
	return h, nil
}

// Stop triggers a graceful stop. Use Wait for the report.
func (h *Handle) Stop() {
	h.stop()
}

// Done is closed once the subscription has fully stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the subscription stops and returns its report. The error is
// non-nil only if the stream failed.
func (h *Handle) Wait() (Report, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report, h.err
}

// Outstanding returns delivered but unresolved messages and their payload bytes.
func (h *Handle) Outstanding() (int, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outstanding), h.bytes
}

// broadcastLocked wakes everyone waiting on a change to the outstanding set.
func (h *Handle) broadcastLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Handle) hasCapacityLocked() bool {
	fc := h.opts.FlowControl
	return len(h.outstanding) < fc.MessagesOutstanding && h.bytes < fc.BytesOutstanding
}

// waitFor blocks until cond holds or ctx is done.
func (h *Handle) waitFor(ctx context.Context, cond func() bool) bool {
	for {
		h.mu.Lock()
		if cond() {
			h.mu.Unlock()
			return true
		}
		changed := h.changed
		h.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	defer h.stop()

	h.logger.Info("subscription started",
		slog.Int("messages_outstanding", h.opts.FlowControl.MessagesOutstanding),
		slog.Int64("bytes_outstanding", h.opts.FlowControl.BytesOutstanding))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if !h.waitFor(ctx, h.hasCapacityLocked) {
			break
		}

		d, err := h.stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if pkgerrors.IsTransient(err) {
				delay := b.NextBackOff()
				h.logger.Warn("pull failed, retrying", slog.Duration("backoff", delay), logging.Error(err))
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
				}
				break
			}
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			h.logger.Error("subscription stream failed", logging.Error(err))
			break
		}
		b.Reset()

		if h.skipDuplicate(ctx, d) {
			continue
		}
		h.dispatch(d)
	}

	h.shutdown()
}

func (h *Handle) skipDuplicate(ctx context.Context, d messaging.Delivery) bool {
	if h.opts.Dedup == nil {
		return false
	}
	seen, err := h.opts.Dedup.Seen(ctx, d.ID())
	if err != nil {
		h.logger.Warn("dedup lookup failed", logging.MessageID(d.ID()), logging.Error(err))
		return false
	}
	if !seen {
		return false
	}
	if err := d.Ack(); err != nil {
		h.logger.Warn("failed to ack duplicate", logging.MessageID(d.ID()), logging.Error(err))
	}
	h.mu.Lock()
	h.report.Duplicates++
	h.mu.Unlock()
	metrics.ConsumerDuplicatesTotal.Inc()
	return true
}

func (h *Handle) dispatch(d messaging.Delivery) {
	msg := &InboundMessage{
		ID:          d.ID(),
		OrderingKey: d.OrderingKey(),
		Payload:     d.Data(),
		DeliveredAt: time.Now(),
		delivery:    d,
		onDone:      h.resolved,
	}

	h.mu.Lock()
	if _, inFlight := h.outstanding[msg.ID]; inFlight {
		h.mu.Unlock()
		// The bus redelivered a message still held by a callback.
		if err := d.InProgress(); err != nil {
			h.logger.Debug("failed to extend redelivered message", logging.MessageID(msg.ID), logging.Error(err))
		}
		h.logger.Debug("skipping redelivery of in-flight message", logging.MessageID(msg.ID))
		return
	}
	h.outstanding[msg.ID] = msg
	h.bytes += int64(len(msg.Payload))
	h.updateGaugesLocked()
	h.mu.Unlock()
	metrics.ConsumerDeliveriesTotal.Inc()

	go func() {
		stopKeepAlive := h.keepAlive(msg)
		defer stopKeepAlive()

		decision := h.invoke(msg)
		switch decision {
		case Ack, Nack:
			_ = msg.resolve(decision, false)
		case Defer:
			h.deferMessage(msg)
		}
	}()
}

// keepAlive reports msg as in progress every InProgressInterval until it is
// resolved or the returned func is called.
func (h *Handle) keepAlive(msg *InboundMessage) func() {
	if h.opts.InProgressInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(h.opts.InProgressInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if msg.Resolved() {
					return
				}
				_ = msg.delivery.InProgress()
			case <-done:
				return
			case <-h.cbCtx.Done():
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// invoke runs the callback, treating a panic as Nack.
func (h *Handle) invoke(msg *InboundMessage) (decision AckDecision) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("callback panicked", logging.MessageID(msg.ID), slog.Any("panic", r))
			decision = Nack
		}
	}()
	return h.cb(h.cbCtx, msg)
}

// deferMessage keeps msg outstanding until it is resolved or the deadline passes.
func (h *Handle) deferMessage(msg *InboundMessage) {
	deadline := time.NewTimer(h.opts.DeferDeadline)
	defer deadline.Stop()

	for {
		h.mu.Lock()
		changed := h.changed
		h.mu.Unlock()
		if msg.Resolved() {
			return
		}

		select {
		case <-changed:
		case <-deadline.C:
			if err := msg.resolve(Nack, true); err == nil {
				h.logger.Debug("deferred message expired", logging.MessageID(msg.ID))
			}
			return
		case <-h.cbCtx.Done():
			return
		}
	}
}

// resolved updates accounting after a message's ack handle was used.
func (h *Handle) resolved(msg *InboundMessage, d AckDecision, expired bool) {
	h.mu.Lock()
	if cur, ok := h.outstanding[msg.ID]; !ok || cur != msg {
		h.mu.Unlock()
		return
	}
	delete(h.outstanding, msg.ID)
	h.bytes -= int64(len(msg.Payload))
	h.updateGaugesLocked()

	counted := !h.forceStopped
	if counted {
		h.report.Processed++
		switch {
		case expired:
			h.report.Expired++
			h.report.Nacked++
		case d == Ack:
			h.report.Acked++
		default:
			h.report.Nacked++
		}
	}
	h.broadcastLocked()
	h.mu.Unlock()

	if !counted {
		return
	}
	switch {
	case expired:
		metrics.ConsumerResolutionsTotal.WithLabelValues("expired").Inc()
	case d == Ack:
		metrics.ConsumerResolutionsTotal.WithLabelValues("ack").Inc()
		if h.opts.Dedup != nil {
			if err := h.opts.Dedup.Mark(h.cbCtx, msg.ID); err != nil {
				h.logger.Warn("failed to record processed message", logging.MessageID(msg.ID), logging.Error(err))
			}
		}
	default:
		metrics.ConsumerResolutionsTotal.WithLabelValues("nack").Inc()
	}
}

func (h *Handle) updateGaugesLocked() {
	metrics.ConsumerOutstandingMessages.Set(float64(len(h.outstanding)))
	metrics.ConsumerOutstandingBytes.Set(float64(h.bytes))
}

// shutdown waits up to the grace period for outstanding messages, then nacks the rest.
func (h *Handle) shutdown() {
	grace, cancel := context.WithTimeout(context.Background(), h.opts.GracePeriod)
	defer cancel()

	drained := h.waitFor(grace, func() bool { return len(h.outstanding) == 0 })

	h.mu.Lock()
	h.forceStopped = true
	pending := make([]*InboundMessage, 0, len(h.outstanding))
	for _, m := range h.outstanding {
		pending = append(pending, m)
	}
	h.report.Pending = len(pending)
	report := h.report
	h.mu.Unlock()

	h.cancelCbs()
	for _, m := range pending {
		_ = m.resolve(Nack, false)
	}
	_ = h.stream.Close()

	attrs := []any{
		slog.Int("processed", report.Processed),
		slog.Int("pending", report.Pending),
		slog.Int("duplicates", report.Duplicates),
	}
	if drained {
		h.logger.Info("subscription stopped", attrs...)
	} else {
		h.logger.Warn("subscription force-stopped after grace period", attrs...)
	}
}
