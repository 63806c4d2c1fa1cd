package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/telhawk-systems/streamrelay/common/messaging"
	"github.com/telhawk-systems/streamrelay/common/messaging/memory"
	natsbus "github.com/telhawk-systems/streamrelay/common/messaging/nats"
	"github.com/telhawk-systems/streamrelay/internal/consumer"
	"github.com/telhawk-systems/streamrelay/internal/dlq"
	"github.com/telhawk-systems/streamrelay/internal/firehose"
	"github.com/telhawk-systems/streamrelay/internal/ingest"
	"github.com/telhawk-systems/streamrelay/internal/relay"
	"github.com/telhawk-systems/streamrelay/internal/rules"
	"github.com/telhawk-systems/streamrelay/internal/supervisor"
)

func mustBind(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// openBus connects the configured bus. js is nil unless the backend is NATS.
func openBus() (messaging.Bus, *natsbus.Bus, error) {
	switch cfg.Bus.Backend {
	case "memory":
		logger.Warn("using in-memory bus; messages do not outlive the process")
		return memory.New(cfg.Bus.Partitions), nil, nil
	default:
		natsCfg := natsbus.DefaultConfig()
		natsCfg.URL = cfg.Bus.NATSURL

		busCfg := natsbus.DefaultBusConfig()
		busCfg.Partitions = cfg.Bus.Partitions
		busCfg.StreamMaxAge = cfg.Bus.StreamMaxAge
		busCfg.AckWait = cfg.Bus.AckWait

		js, err := natsbus.NewBus(natsCfg, busCfg, logger.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Bus.NATSURL, err)
		}
		return js, js, nil
	}
}

// newFirehose builds the configured firehose client and its cleanup.
func newFirehose() (firehose.Client, func(), error) {
	switch cfg.Firehose.Kind {
	case "websocket":
		c, err := firehose.NewWebSocketClient(firehose.WebSocketConfig{
			Endpoint:    cfg.Firehose.StreamURL,
			Compress:    cfg.Firehose.Compress,
			BearerToken: cfg.Firehose.BearerToken,
			ReadTimeout: cfg.Firehose.ReadTimeout,
		}, logger.Logger)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		c := firehose.NewHTTPClient(firehose.HTTPConfig{
			StreamURL:   cfg.Firehose.StreamURL,
			RulesURL:    cfg.Firehose.RulesURL,
			BearerToken: cfg.Firehose.BearerToken,
			ReadTimeout: cfg.Firehose.ReadTimeout,
		}, logger.Logger)
		return c, func() {}, nil
	}
}

func openDeadLetterQueue(ctx context.Context, js *natsbus.Bus) (*dlq.JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("dead-letter stream requires the nats bus backend")
	}
	streamCfg := dlq.StreamConfig(cfg.Bus.Topic, cfg.Bus.StreamMaxAge, jetstream.FileStorage)
	return dlq.NewJetStreamQueue(ctx, js, streamCfg, cfg.Bus.Topic, logger.Logger)
}

// deadLetterWriter returns the configured sink, or nil when dead letters are only
// reported through ticket results.
func deadLetterWriter(ctx context.Context, js *natsbus.Bus) (relay.DeadLetterWriter, error) {
	if !cfg.Relay.DeadLetter || js == nil {
		return nil, nil
	}
	q, err := openDeadLetterQueue(ctx, js)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func dedupStore() (consumer.DedupStore, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	logger.Info("redis dedup enabled", "ttl", cfg.Redis.DedupTTL)
	return consumer.NewRedisDedupStore(client, cfg.Consumer.Subscription, cfg.Redis.DedupTTL),
		func() { _ = client.Close() }, nil
}

func ingestOptions() ingest.Options {
	opts := ingest.DefaultOptions()
	opts.InitialBackoff = cfg.Ingest.InitialBackoff
	opts.MaxBackoff = cfg.Ingest.MaxBackoff
	opts.MaxConsecutiveFailures = cfg.Ingest.MaxConsecutiveFailures
	opts.KeyFunc = ingest.MatchingRuleKey
	return opts
}

func relayOptions(dl relay.DeadLetterWriter) relay.Options {
	opts := relay.DefaultOptions()
	opts.Topic = cfg.Bus.Topic
	opts.MaxOutstanding = cfg.Relay.MaxOutstanding
	opts.MaxAttempts = cfg.Relay.MaxAttempts
	opts.InitialBackoff = cfg.Relay.InitialBackoff
	opts.MaxBackoff = cfg.Relay.MaxBackoff
	opts.MaxPayloadBytes = cfg.Relay.MaxPayloadBytes
	opts.FatalAfter = cfg.Relay.FatalAfter
	opts.DeadLetter = dl
	return opts
}

func consumerOptions(dedup consumer.DedupStore) consumer.Options {
	opts := consumer.DefaultOptions()
	opts.FlowControl = messaging.FlowControl{
		MessagesOutstanding: cfg.Consumer.MessagesOutstanding,
		BytesOutstanding:    cfg.Consumer.BytesOutstanding,
	}
	opts.DeferDeadline = cfg.Consumer.DeferDeadline
	opts.GracePeriod = cfg.Consumer.GracePeriod
	opts.Timeout = cfg.Consumer.Timeout
	opts.Dedup = dedup
	return opts
}

func supervisorOptions() supervisor.Options {
	return supervisor.Options{
		Rules:          cfg.Rules,
		MaxRestarts:    cfg.Supervisor.MaxRestarts,
		RestartBackoff: cfg.Supervisor.RestartBackoff,
		DrainGrace:     cfg.Supervisor.DrainGrace,
		MaxEvents:      cfg.Supervisor.MaxEvents,
	}
}

// buildPipeline creates fresh components on every supervisor (re)start. The firehose
// client and bus connection are shared across restarts.
func buildPipeline(client firehose.Client, pub messaging.Publisher, dl relay.DeadLetterWriter) supervisor.BuildFunc {
	return func(ctx context.Context) (*supervisor.Pipeline, error) {
		runLogger := logger.WithContext(ctx)
		r, err := relay.New(pub, relayOptions(dl), runLogger)
		if err != nil {
			return nil, err
		}
		return &supervisor.Pipeline{
			Rules:  rules.NewManager(client, runLogger),
			Source: ingest.New(client, ingestOptions(), runLogger),
			Relay:  r,
		}, nil
	}
}

// newMetricsHandler serves Prometheus metrics and a bus health probe.
func newMetricsHandler(bus messaging.Bus) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := messaging.CheckBusHealth(ctx, bus)
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}
