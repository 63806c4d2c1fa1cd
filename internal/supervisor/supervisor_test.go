package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/streamrelay/common/logging"
	"github.com/telhawk-systems/streamrelay/common/messaging/memory"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
	"github.com/telhawk-systems/streamrelay/internal/firehose"
	"github.com/telhawk-systems/streamrelay/internal/firehose/firehosetest"
	"github.com/telhawk-systems/streamrelay/internal/ingest"
	"github.com/telhawk-systems/streamrelay/internal/relay"
	"github.com/telhawk-systems/streamrelay/internal/rules"
)

type harness struct {
	fake   *firehosetest.Client
	bus    *memory.Bus
	builds atomic.Int32
	runIDs []string

	maxFailures int
}

func newHarness() *harness {
	return &harness{
		fake: firehosetest.New(firehose.Rule{ID: "1", Expression: "#old"}),
		bus:  memory.New(2),
	}
}

func (h *harness) build(ctx context.Context) (*Pipeline, error) {
	h.builds.Add(1)
	h.runIDs = append(h.runIDs, logging.RunIDFromContext(ctx))

	relayOpts := relay.DefaultOptions()
	relayOpts.Topic = "tweets"
	relayOpts.InitialBackoff = time.Millisecond
	relayOpts.MaxBackoff = time.Millisecond
	relayOpts.MaxAttempts = 2
	relayOpts.FatalAfter = 1
	r, err := relay.New(h.bus, relayOpts, nil)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		Rules: rules.NewManager(h.fake, nil),
		Source: ingest.New(h.fake, ingest.Options{
			InitialBackoff:         time.Millisecond,
			MaxBackoff:             time.Millisecond,
			MaxConsecutiveFailures: h.maxFailures,
			KeyFunc:                ingest.MatchingRuleKey,
		}, nil),
		Relay: r,
	}, nil
}

func testOptions() Options {
	return Options{
		Rules:          []string{"#go"},
		MaxRestarts:    2,
		RestartBackoff: time.Millisecond,
		DrainGrace:     time.Second,
	}
}

func TestRun_StopsAfterMaxEvents(t *testing.T) {
	h := newHarness()
	h.fake.Script(firehosetest.Open(`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`))

	opts := testOptions()
	opts.MaxEvents = 3
	s := New(h.build, opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, int64(3), s.Events())
	assert.Len(t, h.bus.Records("tweets"), 3)
	assert.Equal(t, []firehose.Rule{{ID: "2", Expression: "#go"}}, h.fake.Rules())
}

func TestStop_DrainsOutstandingTickets(t *testing.T) {
	h := newHarness()
	h.fake.Script(firehosetest.Open(`{"n":1}`, `{"n":2}`))
	s := New(h.build, testOptions(), nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Events() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, Running, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, Stopped, s.State())
	assert.NoError(t, s.Err())
	assert.Len(t, h.bus.Records("tweets"), 2)
}

func TestRun_CancelDrains(t *testing.T) {
	h := newHarness()
	h.fake.Script(firehosetest.Open(`{"n":1}`))
	s := New(h.build, testOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return s.Events() == 1 }, 2*time.Second, time.Millisecond)
		cancel()
	}()

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, Stopped, s.State())
	assert.Len(t, h.bus.Records("tweets"), 1)
}

func TestRun_RestartsAfterFatalError(t *testing.T) {
	h := newHarness()
	h.maxFailures = 1
	h.fake.Script(
		firehosetest.Refused(pkgerrors.NewTransient(pkgerrors.ErrRemoteUnavailable, "firehose.connect")),
		firehosetest.Open(`{"n":1}`),
	)

	opts := testOptions()
	opts.MaxEvents = 1
	s := New(h.build, opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, 1, s.Restarts())
	assert.Equal(t, int32(2), h.builds.Load())
	assert.Len(t, h.bus.Records("tweets"), 1)
	assert.Equal(t, []string{"get", "delete:1", "add:#go", "get"}, h.fake.Calls())

	// Every incarnation gets its own run id.
	require.Len(t, h.runIDs, 2)
	assert.NotEmpty(t, h.runIDs[0])
	assert.NotEqual(t, h.runIDs[0], h.runIDs[1])
}

// stateLog returns a logger and a func listing the state transitions it logged.
func stateLog(t *testing.T) (*slog.Logger, func() []string) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return logger, func() []string {
		var states []string
		sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
		for sc.Scan() {
			var line map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
			if line["msg"] == "pipeline state changed" {
				states = append(states, line[logging.FieldState].(string))
			}
		}
		return states
	}
}

func TestRun_RestartPassesThroughStopped(t *testing.T) {
	h := newHarness()
	h.maxFailures = 1
	h.fake.Script(
		firehosetest.Refused(pkgerrors.NewTransient(pkgerrors.ErrRemoteUnavailable, "firehose.connect")),
		firehosetest.Open(`{"n":1}`),
	)

	opts := testOptions()
	opts.MaxEvents = 1
	logger, states := stateLog(t)
	s := New(h.build, opts, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []string{
		Starting.String(), Running.String(), Draining.String(), Stopped.String(),
		Starting.String(), Running.String(), Draining.String(), Stopped.String(),
	}, states())
}

func TestStart_RejectedWhileWaitingToRestart(t *testing.T) {
	h := newHarness()
	h.maxFailures = 1
	h.fake.Script(
		firehosetest.Refused(pkgerrors.NewTransient(pkgerrors.ErrRemoteUnavailable, "firehose.connect")),
		firehosetest.Open(`{"n":1}`),
	)

	opts := testOptions()
	opts.RestartBackoff = time.Minute
	s := New(h.build, opts, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Restarts() == 1 && s.State() == Stopped }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, s.Start(context.Background()), pkgerrors.ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(1), h.builds.Load())
}

func TestRun_RestartsExhausted(t *testing.T) {
	h := newHarness()
	h.maxFailures = 1
	refused := firehosetest.Refused(pkgerrors.NewTransient(pkgerrors.ErrRemoteUnavailable, "firehose.connect"))
	h.fake.Script(refused, refused, refused, refused)

	s := New(h.build, testOptions(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)

	require.Error(t, err)
	assert.True(t, pkgerrors.IsFatal(err))
	assert.ErrorIs(t, err, pkgerrors.ErrReconnectExhausted)
	assert.Equal(t, 2, s.Restarts())
	assert.Equal(t, 3, h.fake.Connects())
	assert.Equal(t, Stopped, s.State())
}

func TestRun_ReconcileFailureRestarts(t *testing.T) {
	h := newHarness()
	h.fake.GetRulesErr = errors.New("connection refused")

	opts := testOptions()
	opts.MaxRestarts = 1
	s := New(h.build, opts, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrRemoteUnavailable)
	assert.Equal(t, 1, s.Restarts())
	assert.Equal(t, 0, h.fake.Connects())
}

func TestRun_RelayFatalRestarts(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.bus.Close())
	h.fake.Script(
		firehosetest.Open(`{"n":1}`),
		firehosetest.Open(`{"n":2}`),
	)

	opts := testOptions()
	opts.MaxRestarts = 1
	s := New(h.build, opts, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrBusUnavailable)
	assert.Equal(t, 1, s.Restarts())
	assert.Equal(t, 2, h.fake.Connects())
}

func TestLifecycleErrors(t *testing.T) {
	h := newHarness()
	s := New(h.build, testOptions(), nil)

	assert.ErrorIs(t, s.Stop(context.Background()), pkgerrors.ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), pkgerrors.ErrAlreadyRunning)

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Stop(context.Background()), pkgerrors.ErrNotRunning)

	// A stopped supervisor can be started again.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "unknown", State(9).String())
}
