package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, "streamrelay", cfg.Name)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestBusConfig_TopicStreamConfig(t *testing.T) {
	cfg := DefaultBusConfig()
	cfg.StreamMaxBytes = 1 << 20

	sc := cfg.TopicStreamConfig("tweets.raw")

	assert.Equal(t, "TWEETS_RAW", sc.Name)
	assert.Equal(t, []string{"tweets.raw.p.*"}, sc.Subjects)
	assert.Equal(t, 7*24*time.Hour, sc.MaxAge)
	assert.Equal(t, int64(1<<20), sc.MaxBytes)
	assert.Equal(t, jetstream.FileStorage, sc.Storage)
}

func TestMapPublishError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected pkgerrors.Class
		sentinel error
	}{
		{"max payload", nats.ErrMaxPayload, pkgerrors.Permanent, pkgerrors.ErrPayloadTooLarge},
		{"timeout", nats.ErrTimeout, pkgerrors.Transient, pkgerrors.ErrRemoteUnavailable},
		{"no responders", fmt.Errorf("publish: %w", nats.ErrNoResponders), pkgerrors.Transient, pkgerrors.ErrRemoteUnavailable},
		{"reconnecting", nats.ErrConnectionReconnecting, pkgerrors.Transient, pkgerrors.ErrRemoteUnavailable},
		{"closed", nats.ErrConnectionClosed, pkgerrors.Fatal, pkgerrors.ErrBusUnavailable},
		{"unknown", errors.New("stream sealed"), pkgerrors.Transient, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapPublishError(tt.err)
			assert.Equal(t, tt.expected, pkgerrors.Classify(err))
			assert.ErrorIs(t, err, tt.err)
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}

	assert.NoError(t, mapPublishError(nil))
	assert.ErrorIs(t, mapPublishError(context.Canceled), context.Canceled)
	assert.False(t, pkgerrors.IsTransient(mapPublishError(context.Canceled)))
}
