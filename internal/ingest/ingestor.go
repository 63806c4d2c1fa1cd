// Package ingest maintains the firehose connection and turns frames into events.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/streamrelay/common/logging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
	"github.com/telhawk-systems/streamrelay/internal/firehose"
	"github.com/telhawk-systems/streamrelay/internal/metrics"
)

// State is the connection state of an Ingestor.
type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// RawEvent is a well-formed frame received from the firehose.
type RawEvent struct {
	Payload    []byte
	ReceivedAt time.Time

	// OrderingKey is derived from the payload by the ingestor's KeyFunc.
	OrderingKey string
}

// KeyFunc derives an ordering key from an event payload. Empty means unordered.
type KeyFunc func(payload []byte) string

// MatchingRuleKey keys an event by the id of the first rule it matched.
func MatchingRuleKey(payload []byte) string {
	var frame struct {
		MatchingRules []struct {
			ID json.RawMessage `json:"id"`
		} `json:"matching_rules"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil || len(frame.MatchingRules) == 0 {
		return ""
	}
	id := frame.MatchingRules[0].ID
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// Options configures an Ingestor.
type Options struct {
	// InitialBackoff is the first reconnect delay.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration

	// MaxConsecutiveFailures ends the sequence with a fatal error after this many
	// failed connections in a row. Zero means unlimited.
	MaxConsecutiveFailures int

	// KeyFunc assigns ordering keys. Nil leaves events unkeyed.
	KeyFunc KeyFunc

	// OnStateChange is called on every state transition.
	OnStateChange func(State)
}

// DefaultOptions returns reconnect settings of 1s base and 60s cap, retrying forever.
func DefaultOptions() Options {
	return Options{
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// Ingestor reads the firehose and yields RawEvents.
type Ingestor struct {
	client firehose.Client
	opts   Options
	logger *slog.Logger

	state     atomic.Int32
	running   atomic.Bool
	malformed atomic.Uint64
	events    atomic.Uint64
}

// New creates a new ingestor.
func New(client firehose.Client, opts Options, logger *slog.Logger) *Ingestor {
	def := DefaultOptions()
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	return &Ingestor{
		client: client,
		opts:   opts,
		logger: logging.OrDefault(logger).With(logging.Component("ingest")),
	}
}

// State returns the current connection state.
func (i *Ingestor) State() State {
	return State(i.state.Load())
}

// Malformed returns how many frames were dropped as malformed.
func (i *Ingestor) Malformed() uint64 {
	return i.malformed.Load()
}

// Events returns how many events were yielded.
func (i *Ingestor) Events() uint64 {
	return i.events.Load()
}

func (i *Ingestor) setState(s State) {
	if State(i.state.Swap(int32(s))) == s {
		return
	}
	metrics.IngestConnectionState.Set(float64(s))
	if i.opts.OnStateChange != nil {
		i.opts.OnStateChange(s)
	}
}

func (i *Ingestor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.opts.InitialBackoff
	b.MaxInterval = i.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Stream returns a lazy sequence of events. Ranging over it connects to the firehose,
// reconnecting with exponential backoff and jitter after failures. The sequence ends
// when ctx is done, when the caller stops ranging, or with a single fatal error once
// reconnects are exhausted or the firehose rejects the connection permanently.
//
// A stopped sequence may be ranged over again; only one range may be active at a time.
func (i *Ingestor) Stream(ctx context.Context) iter.Seq2[RawEvent, error] {
	return func(yield func(RawEvent, error) bool) {
		if !i.running.CompareAndSwap(false, true) {
			yield(RawEvent{}, pkgerrors.NewPermanent(pkgerrors.ErrAlreadyRunning, "ingest.stream"))
			return
		}
		defer i.running.Store(false)
		defer i.setState(Disconnected)

		b := i.newBackoff()
		failures := 0

		for ctx.Err() == nil {
			i.setState(Connecting)
			stream, err := i.client.Connect(ctx)
			if err == nil {
				var more bool
				more, err = i.consume(ctx, stream, yield, func() {
					failures = 0
					b.Reset()
				})
				if !more {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}

			i.setState(Error)
			failures++

			if pkgerrors.IsPermanent(err) {
				i.logger.ErrorContext(ctx, "firehose rejected connection", logging.Error(err))
				yield(RawEvent{}, pkgerrors.NewFatal(err, "ingest.connect"))
				return
			}
			if limit := i.opts.MaxConsecutiveFailures; limit > 0 && failures >= limit {
				i.logger.ErrorContext(ctx, "firehose reconnects exhausted",
					slog.Int("failures", failures), logging.Error(err))
				yield(RawEvent{}, pkgerrors.NewFatal(
					fmt.Errorf("%w after %d consecutive failures: %w", pkgerrors.ErrReconnectExhausted, failures, err),
					"ingest.connect"))
				return
			}

			delay := b.NextBackOff()
			metrics.IngestReconnectsTotal.Inc()
			i.logger.WarnContext(ctx, "firehose connection failed, reconnecting",
				slog.Int("failures", failures),
				slog.Duration("backoff", delay),
				logging.Error(err))

			if !sleep(ctx, delay) {
				return
			}
		}
	}
}

// consume yields events from one connection. It reports whether ranging should go on
// and the error that ended the connection.
func (i *Ingestor) consume(ctx context.Context, stream firehose.FrameStream, yield func(RawEvent, error) bool, connected func()) (bool, error) {
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()
	defer stream.Close()

	i.setState(Streaming)
	first := true

	for {
		frame, err := stream.Next()
		if ctx.Err() != nil {
			return false, nil
		}
		if err != nil {
			if errors.Is(err, pkgerrors.ErrMalformedPayload) {
				i.dropMalformed(ctx, nil, err)
				continue
			}
			return true, err
		}

		if first {
			first = false
			connected()
		}

		frame = bytes.TrimSpace(frame)
		if len(frame) == 0 {
			metrics.IngestFramesTotal.WithLabelValues("keepalive").Inc()
			continue
		}
		if !json.Valid(frame) {
			i.dropMalformed(ctx, frame, nil)
			continue
		}

		ev := RawEvent{
			Payload:    bytes.Clone(frame),
			ReceivedAt: time.Now(),
		}
		if i.opts.KeyFunc != nil {
			ev.OrderingKey = i.opts.KeyFunc(ev.Payload)
		}

		i.events.Add(1)
		metrics.IngestFramesTotal.WithLabelValues("event").Inc()
		metrics.IngestBytesTotal.Add(float64(len(ev.Payload)))

		if !yield(ev, nil) {
			return false, nil
		}
	}
}

func (i *Ingestor) dropMalformed(ctx context.Context, frame []byte, err error) {
	i.malformed.Add(1)
	metrics.IngestFramesTotal.WithLabelValues("malformed").Inc()

	preview := frame
	if len(preview) > 50 {
		preview = preview[:50]
	}
	i.logger.DebugContext(ctx, "dropping malformed frame",
		slog.String("preview", string(preview)),
		logging.Error(err))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
