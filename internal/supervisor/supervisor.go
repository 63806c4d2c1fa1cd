// Package supervisor owns the pipeline lifecycle: it reconciles rules, wires the
// ingestor into the relay, drains on stop and restarts after fatal errors.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/streamrelay/common/logging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
	"github.com/telhawk-systems/streamrelay/internal/firehose"
	"github.com/telhawk-systems/streamrelay/internal/ingest"
	"github.com/telhawk-systems/streamrelay/internal/metrics"
	"github.com/telhawk-systems/streamrelay/internal/relay"
)

// State is the pipeline lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Reconciler applies the desired filter rules.
type Reconciler interface {
	Reconcile(ctx context.Context, desired []string) ([]firehose.Rule, error)
}

// EventSource yields ingested events.
type EventSource interface {
	Stream(ctx context.Context) iter.Seq2[ingest.RawEvent, error]
}

// Relay accepts events for publishing.
type Relay interface {
	Submit(ctx context.Context, ev ingest.RawEvent) (*relay.Future, error)
	Fatal() <-chan error
	Drain(ctx context.Context) error
	Close() error
}

// Pipeline is one incarnation of the components the supervisor runs.
type Pipeline struct {
	Rules  Reconciler
	Source EventSource
	Relay  Relay
}

// BuildFunc creates fresh pipeline components for every (re)start.
type BuildFunc func(ctx context.Context) (*Pipeline, error)

// Options configures a Supervisor.
type Options struct {
	// Rules is the desired rule set reconciled on every start.
	Rules []string

	// MaxRestarts bounds restarts after fatal errors before giving up.
	MaxRestarts int

	// RestartBackoff is the delay before the first restart; later ones back off exponentially.
	RestartBackoff time.Duration

	// DrainGrace bounds how long outstanding tickets may take to resolve on stop.
	DrainGrace time.Duration

	// MaxEvents stops the pipeline after this many events were submitted. Zero means unlimited.
	MaxEvents int
}

// DefaultOptions returns the default supervisor settings.
func DefaultOptions() Options {
	return Options{
		MaxRestarts:    3,
		RestartBackoff: 5 * time.Second,
		DrainGrace:     30 * time.Second,
	}
}

// Supervisor runs the pipeline.
type Supervisor struct {
	build  BuildFunc
	opts   Options
	logger *slog.Logger

	state    atomic.Int32
	events   atomic.Int64
	restarts atomic.Int32

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
	err      error
}

// New creates a new supervisor.
func New(build BuildFunc, opts Options, logger *slog.Logger) *Supervisor {
	def := DefaultOptions()
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = 0
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = def.RestartBackoff
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = def.DrainGrace
	}
	return &Supervisor{
		build:  build,
		opts:   opts,
		logger: logging.OrDefault(logger).With(logging.Component("supervisor")),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Events returns how many events were submitted to the relay across restarts.
func (s *Supervisor) Events() int64 {
	return s.events.Load()
}

// Restarts returns how many restarts happened.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	metrics.SupervisorState.Set(float64(st))
	s.logger.Info("pipeline state changed", logging.State(st.String()))
}

// Start launches the pipeline in the background. ctx scopes the whole run; cancelling
// it aborts without draining.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Between incarnations the state is Stopped but the run loop is still alive.
	if s.done != nil && !isClosed(s.done) {
		return pkgerrors.NewPermanent(pkgerrors.ErrAlreadyRunning, "supervisor.start")
	}
	if !s.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return pkgerrors.NewPermanent(pkgerrors.ErrAlreadyRunning, "supervisor.start")
	}
	metrics.SupervisorState.Set(float64(Starting))

	s.stopCh = make(chan struct{})
	s.stopOnce = &sync.Once{}
	s.done = make(chan struct{})
	s.err = nil
	s.events.Store(0)
	s.restarts.Store(0)

	go s.run(ctx, s.stopCh, s.done)
	return nil
}

// Stop drains the pipeline and waits for it to reach Stopped or for ctx to end.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil || s.State() == Stopped && isClosed(done) {
		return pkgerrors.NewPermanent(pkgerrors.ErrNotRunning, "supervisor.stop")
	}

	s.requestStop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the pipeline has stopped.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the terminal error after Done is closed.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run starts the pipeline and blocks until it stops. When ctx is cancelled the
// pipeline is drained within the drain grace.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	done := s.Done()

	select {
	case <-done:
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.DrainGrace+5*time.Second)
		defer cancel()
		if err := s.Stop(stopCtx); err != nil {
			return fmt.Errorf("stop pipeline: %w", err)
		}
	}
	return s.Err()
}

func (s *Supervisor) requestStop() {
	s.mu.Lock()
	once, ch := s.stopOnce, s.stopCh
	s.mu.Unlock()
	if once != nil {
		once.Do(func() { close(ch) })
	}
}

func (s *Supervisor) run(ctx context.Context, stopCh <-chan struct{}, done chan struct{}) {
	var err error
	defer func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.setState(Stopped)
		close(done)
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RestartBackoff
	b.MaxInterval = 10 * s.opts.RestartBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err = s.runOnce(ctx, stopCh)
		if err == nil || isClosed(stopCh) || ctx.Err() != nil {
			if err != nil && !pkgerrors.IsCanceled(err) {
				s.logger.Warn("pipeline ended with error during shutdown", logging.Error(err))
			}
			err = nil
			return
		}

		if int(s.restarts.Load()) >= s.opts.MaxRestarts {
			s.logger.Error("pipeline failed, restarts exhausted",
				slog.Int("restarts", s.Restarts()), logging.Error(err))
			err = pkgerrors.NewFatal(fmt.Errorf("pipeline failed after %d restarts: %w", s.Restarts(), err), "supervisor.run")
			return
		}

		s.setState(Stopped)
		n := s.restarts.Add(1)
		metrics.SupervisorRestartsTotal.Inc()
		delay := b.NextBackOff()
		s.logger.Warn("pipeline failed, restarting",
			slog.Int("restart", int(n)),
			slog.Duration("backoff", delay),
			logging.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-stopCh:
			t.Stop()
			err = nil
			return
		case <-ctx.Done():
			t.Stop()
			err = nil
			return
		}
	}
}

// runOnce builds, reconciles and runs one pipeline until stop or failure, then drains it.
func (s *Supervisor) runOnce(ctx context.Context, stopCh <-chan struct{}) error {
	s.setState(Starting)

	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	logger := s.logger.With(slog.String(logging.FieldRunID, runID))

	p, err := s.build(ctx)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	active, err := p.Rules.Reconcile(ctx, s.opts.Rules)
	if err != nil {
		_ = p.Relay.Close()
		return fmt.Errorf("reconcile rules: %w", err)
	}
	logger.Info("rules reconciled", slog.Int("rules", len(active)))

	s.setState(Running)

	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-pipeCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(pipeCtx)
	g.Go(func() error {
		defer cancel()
		return s.pump(gctx, p)
	})
	g.Go(func() error {
		select {
		case err := <-p.Relay.Fatal():
			return err
		case <-gctx.Done():
			return nil
		}
	})
	runErr := g.Wait()

	s.setState(Draining)
	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DrainGrace)
	defer drainCancel()
	if err := p.Relay.Drain(drainCtx); err != nil {
		logger.Warn("drain incomplete", logging.Error(err))
	}
	if err := p.Relay.Close(); err != nil {
		logger.Warn("relay close failed", logging.Error(err))
	}
	return runErr
}

// pump moves events from the source into the relay.
func (s *Supervisor) pump(ctx context.Context, p *Pipeline) error {
	for ev, err := range p.Source.Stream(ctx) {
		if err != nil {
			return err
		}
		if _, err := p.Relay.Submit(ctx, ev); err != nil {
			if ctx.Err() != nil || errors.Is(err, pkgerrors.ErrNotRunning) {
				return nil
			}
			return err
		}
		n := s.events.Add(1)
		if limit := s.opts.MaxEvents; limit > 0 && n >= int64(limit) {
			s.logger.Info("event limit reached, stopping", slog.Int64("events", n))
			s.requestStop()
			return nil
		}
	}
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
