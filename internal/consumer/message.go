package consumer

import (
	"sync"
	"time"

	"github.com/telhawk-systems/streamrelay/common/messaging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

// AckDecision is a callback's verdict on a message.
type AckDecision int

const (
	// Ack acknowledges the message.
	Ack AckDecision = iota
	// Nack releases the message for redelivery.
	Nack
	// Defer keeps the message outstanding until InboundMessage.Ack or Nack is
	// called, or the defer deadline passes and it is nacked.
	Defer
)

func (d AckDecision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// InboundMessage is a message delivered to a callback. Its ack handle resolves once;
// later resolutions fail with ErrAlreadyResolved.
type InboundMessage struct {
	ID          string
	OrderingKey string
	Payload     []byte
	DeliveredAt time.Time

	delivery messaging.Delivery
	onDone   func(m *InboundMessage, d AckDecision, expired bool)

	mu       sync.Mutex
	resolved bool
}

// Ack acknowledges the message.
func (m *InboundMessage) Ack() error {
	return m.resolve(Ack, false)
}

// Nack releases the message for redelivery.
func (m *InboundMessage) Nack() error {
	return m.resolve(Nack, false)
}

// Resolved reports whether the ack handle was used.
func (m *InboundMessage) Resolved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved
}

func (m *InboundMessage) resolve(d AckDecision, expired bool) error {
	m.mu.Lock()
	if m.resolved {
		m.mu.Unlock()
		return pkgerrors.ErrAlreadyResolved
	}
	m.resolved = true
	m.mu.Unlock()

	var err error
	if d == Ack {
		err = m.delivery.Ack()
	} else {
		err = m.delivery.Nak()
	}
	if m.onDone != nil {
		m.onDone(m, d, expired)
	}
	return err
}
