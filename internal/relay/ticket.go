package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/streamrelay/internal/ingest"
)

// PublishTicket tracks one event from submission until it resolves.
type PublishTicket struct {
	ID         string
	Event      ingest.RawEvent
	Attempt    int
	EnqueuedAt time.Time
}

// Outcome is how a ticket resolved.
type Outcome int

const (
	Acked Outcome = iota + 1
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case DeadLettered:
		return "dead_lettered"
	default:
		return "pending"
	}
}

// Dead-letter reasons. They double as DLQ subject tokens.
const (
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonMalformedPayload = "malformed_payload"
	ReasonRejected         = "rejected"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonBusUnavailable   = "bus_unavailable"
	ReasonShutdown         = "shutdown"
)

// Result is the resolution of a ticket. Acked results carry the bus location;
// dead-lettered results carry a reason.
type Result struct {
	Outcome Outcome

	MessageID string
	Partition int
	Offset    uint64

	Reason string
	Err    error

	Attempts int
}

func (r Result) String() string {
	if r.Outcome == Acked {
		return fmt.Sprintf("acked id=%s partition=%d offset=%d", r.MessageID, r.Partition, r.Offset)
	}
	return fmt.Sprintf("%s reason=%s", r.Outcome, r.Reason)
}

// Future is the pending result of a submitted event.
type Future struct {
	ticketID string
	done     chan struct{}
	result   Result
}

func newFuture(ticketID string) *Future {
	return &Future{ticketID: ticketID, done: make(chan struct{})}
}

// TicketID returns the id of the ticket behind this future.
func (f *Future) TicketID() string {
	return f.ticketID
}

// Done is closed once the ticket resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the ticket resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the result if the ticket has resolved.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}
