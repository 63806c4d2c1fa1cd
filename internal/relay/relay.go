// Package relay publishes ingested events to the durable bus with bounded
// outstanding tickets, per-key ordering and retries.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/telhawk-systems/streamrelay/common/logging"
	"github.com/telhawk-systems/streamrelay/common/messaging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
	"github.com/telhawk-systems/streamrelay/internal/ingest"
	"github.com/telhawk-systems/streamrelay/internal/metrics"
)

// DeadLetter describes a ticket that could not be published.
type DeadLetter struct {
	Ticket PublishTicket
	Topic  string
	Reason string
	Err    error
}

// DeadLetterWriter receives dead-lettered tickets after they resolve.
type DeadLetterWriter interface {
	WriteDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Options configures a Relay.
type Options struct {
	// Topic receives every published event.
	Topic string

	// MaxOutstanding caps unresolved tickets. Submit blocks at the cap.
	MaxOutstanding int

	// MaxAttempts caps publish attempts per ticket on transient failures.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxPayloadBytes dead-letters larger events without publishing. Zero disables the check.
	MaxPayloadBytes int

	// FatalAfter escalates after this many consecutive tickets exhausted their retries.
	// Zero disables escalation.
	FatalAfter int

	// DeadLetter, if set, receives dead-lettered tickets off the resolution path.
	DeadLetter DeadLetterWriter
}

// DefaultOptions returns the default relay settings.
func DefaultOptions() Options {
	return Options{
		MaxOutstanding:  1000,
		MaxAttempts:     5,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		MaxPayloadBytes: 1024 * 1024,
		FatalAfter:      10,
	}
}

type entry struct {
	ticket PublishTicket
	future *Future
}

// lane publishes the tickets of one ordering key one at a time.
type lane struct {
	queue []*entry
}

// Relay owns publish tickets from Submit until they resolve to Acked or DeadLettered.
type Relay struct {
	pub    messaging.Publisher
	opts   Options
	logger *slog.Logger

	sem *semaphore.Weighted

	// ctx bounds in-flight publishes; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	tickets     map[string]*entry
	lanes       map[string]*lane
	closed      bool
	exhausted   int
	workers     sync.WaitGroup
	fatal       chan error
	deadLetters chan DeadLetter
	dlqDone     chan struct{}
	closeOnce   sync.Once
}

// New creates a new relay publishing through pub.
func New(pub messaging.Publisher, opts Options, logger *slog.Logger) (*Relay, error) {
	def := DefaultOptions()
	if opts.Topic == "" {
		return nil, pkgerrors.NewPermanent(fmt.Errorf("%w: relay topic is required", pkgerrors.ErrInvalidConfig), "relay.new")
	}
	if opts.MaxOutstanding <= 0 {
		opts.MaxOutstanding = def.MaxOutstanding
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		pub:     pub,
		opts:    opts,
		logger:  logging.OrDefault(logger).With(logging.Component("relay"), logging.Topic(opts.Topic)),
		sem:     semaphore.NewWeighted(int64(opts.MaxOutstanding)),
		ctx:     ctx,
		cancel:  cancel,
		tickets: make(map[string]*entry),
		lanes:   make(map[string]*lane),
		fatal:   make(chan error, 1),
	}

	if opts.DeadLetter != nil {
		r.deadLetters = make(chan DeadLetter, 256)
		r.dlqDone = make(chan struct{})
		go r.deadLetterLoop()
	}
	return r, nil
}

// Submit hands ev to the relay and returns a future for its result. It blocks while
// MaxOutstanding tickets are unresolved, until one resolves or ctx is done.
func (r *Relay) Submit(ctx context.Context, ev ingest.RawEvent) (*Future, error) {
	if r.isClosed() {
		return nil, pkgerrors.NewPermanent(pkgerrors.ErrNotRunning, "relay.submit")
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	e := &entry{
		ticket: PublishTicket{
			ID:         uuid.NewString(),
			Event:      ev,
			EnqueuedAt: time.Now(),
		},
	}
	e.future = newFuture(e.ticket.ID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.sem.Release(1)
		return nil, pkgerrors.NewPermanent(pkgerrors.ErrNotRunning, "relay.submit")
	}
	r.tickets[e.ticket.ID] = e
	metrics.RelayOutstanding.Set(float64(len(r.tickets)))
	metrics.RelaySubmittedTotal.Inc()

	if limit := r.opts.MaxPayloadBytes; limit > 0 && len(ev.Payload) > limit {
		r.workers.Add(1)
		r.mu.Unlock()
		defer r.workers.Done()
		r.deadLetter(e, ReasonPayloadTooLarge, pkgerrors.NewPermanent(
			fmt.Errorf("%w: %d bytes exceeds %d", pkgerrors.ErrPayloadTooLarge, len(ev.Payload), limit), "relay.submit"))
		return e.future, nil
	}

	key := ev.OrderingKey
	if key == "" {
		r.workers.Add(1)
		r.mu.Unlock()
		go func() {
			defer r.workers.Done()
			r.process(e)
		}()
		return e.future, nil
	}

	l, running := r.lanes[key]
	if !running {
		l = &lane{}
		r.lanes[key] = l
		r.workers.Add(1)
	}
	l.queue = append(l.queue, e)
	r.mu.Unlock()

	if !running {
		go r.runLane(key, l)
	}
	return e.future, nil
}

func (r *Relay) runLane(key string, l *lane) {
	defer r.workers.Done()
	for {
		r.mu.Lock()
		if len(l.queue) == 0 {
			delete(r.lanes, key)
			r.mu.Unlock()
			return
		}
		e := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		r.mu.Unlock()

		r.process(e)
	}
}

// process publishes one ticket until it resolves.
func (r *Relay) process(e *entry) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.MaxInterval = r.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	t := &e.ticket
	msg := &messaging.OutboundMessage{
		Topic:       r.opts.Topic,
		Data:        t.Event.Payload,
		OrderingKey: t.Event.OrderingKey,
		DedupID:     t.ID,
		Headers: map[string]string{
			messaging.HeaderReceivedAt: t.Event.ReceivedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	for {
		t.Attempt++
		ack, err := r.pub.Publish(r.ctx, msg)
		if err == nil {
			metrics.RelayAttemptsTotal.WithLabelValues("ok").Inc()
			r.acked(e, ack)
			return
		}

		if r.ctx.Err() != nil {
			r.deadLetter(e, ReasonShutdown, err)
			return
		}

		class := pkgerrors.Classify(err)
		metrics.RelayAttemptsTotal.WithLabelValues(class.String()).Inc()

		switch class {
		case pkgerrors.Permanent:
			r.deadLetter(e, permanentReason(err), err)
			return
		case pkgerrors.Fatal:
			r.deadLetter(e, ReasonBusUnavailable, err)
			r.escalate(err)
			return
		}

		if t.Attempt >= r.opts.MaxAttempts {
			r.deadLetter(e, ReasonRetriesExhausted, err)
			r.countExhausted(err)
			return
		}

		delay := b.NextBackOff()
		r.logger.Debug("publish failed, retrying",
			logging.TicketID(t.ID),
			logging.Attempt(t.Attempt),
			slog.Duration("backoff", delay),
			logging.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			r.deadLetter(e, ReasonShutdown, err)
			return
		case <-timer.C:
		}
	}
}

func permanentReason(err error) string {
	switch {
	case errors.Is(err, pkgerrors.ErrPayloadTooLarge):
		return ReasonPayloadTooLarge
	case errors.Is(err, pkgerrors.ErrMalformedPayload):
		return ReasonMalformedPayload
	default:
		return ReasonRejected
	}
}

func (r *Relay) acked(e *entry, ack *messaging.PubAck) {
	r.mu.Lock()
	r.exhausted = 0
	r.mu.Unlock()

	ok := r.resolve(e, Result{
		Outcome:   Acked,
		MessageID: ack.MessageID,
		Partition: ack.Partition,
		Offset:    ack.Offset,
		Attempts:  e.ticket.Attempt,
	})
	if ok {
		r.logger.Debug("ticket acked",
			logging.TicketID(e.ticket.ID),
			logging.MessageID(ack.MessageID),
			logging.Attempt(e.ticket.Attempt))
	}
}

func (r *Relay) deadLetter(e *entry, reason string, err error) {
	ok := r.resolve(e, Result{
		Outcome:  DeadLettered,
		Reason:   reason,
		Err:      err,
		Attempts: e.ticket.Attempt,
	})
	if !ok {
		return
	}

	r.logger.Warn("ticket dead-lettered",
		logging.TicketID(e.ticket.ID),
		slog.String("reason", reason),
		logging.Attempt(e.ticket.Attempt),
		logging.Error(err))

	if r.deadLetters == nil {
		return
	}
	dl := DeadLetter{Ticket: e.ticket, Topic: r.opts.Topic, Reason: reason, Err: err}
	select {
	case r.deadLetters <- dl:
	default:
		metrics.DeadLetterWritesTotal.WithLabelValues("dropped").Inc()
		r.logger.Error("dead-letter queue full, dropping", logging.TicketID(e.ticket.ID))
	}
}

// resolve removes the ticket from the outstanding set and completes its future.
// It reports false if the ticket was already resolved.
func (r *Relay) resolve(e *entry, res Result) bool {
	r.mu.Lock()
	if _, ok := r.tickets[e.ticket.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.tickets, e.ticket.ID)
	metrics.RelayOutstanding.Set(float64(len(r.tickets)))
	r.mu.Unlock()

	e.future.result = res
	close(e.future.done)
	r.sem.Release(1)

	metrics.RelayResultsTotal.WithLabelValues(res.Outcome.String()).Inc()
	metrics.RelayPublishDuration.Observe(time.Since(e.ticket.EnqueuedAt).Seconds())
	return true
}

func (r *Relay) countExhausted(err error) {
	r.mu.Lock()
	r.exhausted++
	n := r.exhausted
	r.mu.Unlock()

	if limit := r.opts.FatalAfter; limit > 0 && n >= limit {
		r.escalate(fmt.Errorf("%w: %d consecutive tickets exhausted retries: %w", pkgerrors.ErrBusUnavailable, n, err))
	}
}

func (r *Relay) escalate(err error) {
	select {
	case r.fatal <- pkgerrors.NewFatal(err, "relay.publish"):
	default:
	}
}

// Fatal delivers the first unrecoverable bus error.
func (r *Relay) Fatal() <-chan error {
	return r.fatal
}

// Outstanding returns the number of unresolved tickets.
func (r *Relay) Outstanding() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tickets)
}

func (r *Relay) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Drain stops accepting events and waits for outstanding tickets to resolve.
// If ctx ends first, tickets stay in flight until Close.
func (r *Relay) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain: %d tickets outstanding: %w", r.Outstanding(), ctx.Err())
	}
}

// Close stops accepting events, aborts in-flight publishes and waits until every
// ticket has resolved. Aborted tickets resolve as DeadLettered with ReasonShutdown.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.workers.Wait()

	r.closeOnce.Do(func() {
		if r.deadLetters != nil {
			close(r.deadLetters)
			<-r.dlqDone
		}
	})
	return nil
}

func (r *Relay) deadLetterLoop() {
	defer close(r.dlqDone)
	for dl := range r.deadLetters {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.opts.DeadLetter.WriteDeadLetter(ctx, dl)
		cancel()
		if err != nil {
			metrics.DeadLetterWritesTotal.WithLabelValues("error").Inc()
			r.logger.Error("failed to write dead letter",
				logging.TicketID(dl.Ticket.ID),
				logging.Error(err))
			continue
		}
		metrics.DeadLetterWritesTotal.WithLabelValues("ok").Inc()
	}
}
