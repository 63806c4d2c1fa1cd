package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

type Config struct {
	Firehose   FirehoseConfig   `mapstructure:"firehose"`
	Rules      []string         `mapstructure:"rules"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Bus        BusConfig        `mapstructure:"bus"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type FirehoseConfig struct {
	// Kind selects the client: "http" or "websocket".
	Kind        string        `mapstructure:"kind"`
	StreamURL   string        `mapstructure:"stream_url"`
	RulesURL    string        `mapstructure:"rules_url"`
	BearerToken string        `mapstructure:"bearer_token"`
	Compress    bool          `mapstructure:"compress"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type IngestConfig struct {
	InitialBackoff         time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

type BusConfig struct {
	// Backend selects the bus: "nats" or "memory".
	Backend      string        `mapstructure:"backend"`
	NATSURL      string        `mapstructure:"nats_url"`
	Topic        string        `mapstructure:"topic"`
	Partitions   int           `mapstructure:"partitions"`
	StreamMaxAge time.Duration `mapstructure:"stream_max_age"`
	AckWait      time.Duration `mapstructure:"ack_wait"`
}

type RelayConfig struct {
	MaxOutstanding  int           `mapstructure:"max_outstanding"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	FatalAfter      int           `mapstructure:"fatal_after"`
	DeadLetter      bool          `mapstructure:"dead_letter"`
}

type ConsumerConfig struct {
	Subscription        string        `mapstructure:"subscription"`
	MessagesOutstanding int           `mapstructure:"messages_outstanding"`
	BytesOutstanding    int64         `mapstructure:"bytes_outstanding"`
	DeferDeadline       time.Duration `mapstructure:"defer_deadline"`
	GracePeriod         time.Duration `mapstructure:"grace_period"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type SupervisorConfig struct {
	MaxRestarts    int           `mapstructure:"max_restarts"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff"`
	DrainGrace     time.Duration `mapstructure:"drain_grace"`
	MaxEvents      int           `mapstructure:"max_events"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Enabled  bool          `mapstructure:"enabled"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("firehose.kind", "http")
	v.SetDefault("firehose.stream_url", "https://api.twitter.com/2/tweets/search/stream?expansions=author_id&tweet.fields=created_at")
	v.SetDefault("firehose.rules_url", "https://api.twitter.com/2/tweets/search/stream/rules")
	v.SetDefault("firehose.compress", false)
	v.SetDefault("firehose.read_timeout", "30s")
	v.SetDefault("rules", []string{})
	v.SetDefault("ingest.initial_backoff", "1s")
	v.SetDefault("ingest.max_backoff", "60s")
	v.SetDefault("ingest.max_consecutive_failures", 0)
	v.SetDefault("bus.backend", "nats")
	v.SetDefault("bus.nats_url", "nats://localhost:4222")
	v.SetDefault("bus.topic", "tweets")
	v.SetDefault("bus.partitions", 1)
	v.SetDefault("bus.stream_max_age", "168h")
	v.SetDefault("bus.ack_wait", "30s")
	v.SetDefault("relay.max_outstanding", 1000)
	v.SetDefault("relay.max_attempts", 5)
	v.SetDefault("relay.initial_backoff", "100ms")
	v.SetDefault("relay.max_backoff", "10s")
	v.SetDefault("relay.max_payload_bytes", 1048576)
	v.SetDefault("relay.fatal_after", 10)
	v.SetDefault("relay.dead_letter", true)
	v.SetDefault("consumer.subscription", "tweets/analysis")
	v.SetDefault("consumer.messages_outstanding", 1000)
	v.SetDefault("consumer.bytes_outstanding", 10485760)
	v.SetDefault("consumer.defer_deadline", "60s")
	v.SetDefault("consumer.grace_period", "10s")
	v.SetDefault("consumer.timeout", "90s")
	v.SetDefault("supervisor.max_restarts", 3)
	v.SetDefault("supervisor.restart_backoff", "5s")
	v.SetDefault("supervisor.drain_grace", "30s")
	v.SetDefault("supervisor.max_events", 0)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.dedup_ttl", "24h")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from configPath (or ./config.yaml, /etc/streamrelay) and
// STREAMRELAY_* environment variables, e.g. STREAMRELAY_RELAY_MAX_ATTEMPTS.
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.New(), configPath)
}

// LoadWith is Load on a caller-provided viper instance, so flags bound to it override
// file and environment values.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/streamrelay")
	}

	// Environment variables override
	v.SetEnvPrefix("STREAMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Firehose.Kind == "http" || c.Firehose.Kind == "websocket", "firehose.kind must be http or websocket, got %q", c.Firehose.Kind)
	check(c.Firehose.StreamURL != "", "firehose.stream_url is required")
	check(c.Firehose.Kind != "http" || c.Firehose.RulesURL != "", "firehose.rules_url is required for the http firehose")
	check(c.Bus.Backend == "nats" || c.Bus.Backend == "memory", "bus.backend must be nats or memory, got %q", c.Bus.Backend)
	check(c.Bus.Topic != "", "bus.topic is required")
	check(c.Bus.Partitions > 0, "bus.partitions must be positive")
	check(c.Relay.MaxOutstanding > 0, "relay.max_outstanding must be positive")
	check(c.Relay.MaxAttempts > 0, "relay.max_attempts must be positive")
	check(c.Consumer.MessagesOutstanding > 0, "consumer.messages_outstanding must be positive")
	check(c.Consumer.BytesOutstanding > 0, "consumer.bytes_outstanding must be positive")
	check(c.Ingest.MaxConsecutiveFailures >= 0, "ingest.max_consecutive_failures must not be negative")
	check(c.Supervisor.MaxRestarts >= 0, "supervisor.max_restarts must not be negative")
	check(c.Supervisor.MaxEvents >= 0, "supervisor.max_events must not be negative")
	for i, r := range c.Rules {
		check(strings.TrimSpace(r) != "", "rules[%d] is empty", i)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", pkgerrors.ErrInvalidConfig, errors.Join(errs...))
}
