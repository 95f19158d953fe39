// Package config loads orchestrator, worker and reference service settings.
//
// Values are resolved in three layers: built-in defaults, then an optional
// YAML file, then environment variables. Every binary in cmd/ reads the
// same Config and uses the sections it needs.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	Log          LogConfig          `yaml:"log"`
	Broker       BrokerConfig       `yaml:"broker"`
	Redis        RedisConfig        `yaml:"redis"`
	NATS         NATSConfig         `yaml:"nats"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Backend      BackendConfig      `yaml:"backend"`
	Mongo        MongoConfig        `yaml:"mongo"`
	Journal      JournalConfig      `yaml:"journal"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Services     ServicesConfig     `yaml:"services"`
	Worker       WorkerConfig       `yaml:"worker"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// BrokerConfig selects the task queue transport.
type BrokerConfig struct {
	Kind  string `yaml:"kind"` // channel | redis | nats | kafka
	Queue string `yaml:"queue"`
	Codec string `yaml:"codec"` // json | msgpack | proto
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig tunes the JetStream queue streams.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Replicas int    `yaml:"replicas"`
	// DedupWindow drops a resubmitted task id seen within the window.
	DedupWindow time.Duration `yaml:"dedup_window"`
	MaxDeliver  int           `yaml:"max_deliver"` // 0 is unlimited
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	Partitions  int      `yaml:"partitions"`
	Replication int      `yaml:"replication"`
	// Nacked records go to DeadLetterTopic after MaxRetries re-produces.
	DeadLetterTopic string `yaml:"dead_letter_topic"`
	MaxRetries      int    `yaml:"max_retries"`
}

// BackendConfig selects where terminal task records live.
type BackendConfig struct {
	Kind string        `yaml:"kind"` // memory | redis | mongo
	TTL  time.Duration `yaml:"ttl"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// JournalConfig selects the saga journal.
type JournalConfig struct {
	Kind string        `yaml:"kind"` // none | memory | redis | postgres | mongo
	TTL  time.Duration `yaml:"ttl"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ServicesConfig locates the collaborator services.
type ServicesConfig struct {
	UserURL    string        `yaml:"user_url"`
	ProfileURL string        `yaml:"profile_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// WorkerConfig tunes task execution.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	TimeLimit   time.Duration `yaml:"time_limit"`
	// Embedded runs a worker inside the orchestrator process.
	Embedded      bool          `yaml:"embedded"`
	ClaimInterval time.Duration `yaml:"claim_interval"`
	ClaimMinIdle  time.Duration `yaml:"claim_min_idle"`
	// MaxDeliveryFailures quarantines a task after that many failed
	// deliveries. 0 disables the poison guard.
	MaxDeliveryFailures int           `yaml:"max_delivery_failures"`
	Quarantine          time.Duration `yaml:"quarantine"`
}

// RateLimitConfig throttles registration intake. RPS 0 disables it.
type RateLimitConfig struct {
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`
	Distributed bool    `yaml:"distributed"`
	Algorithm   string  `yaml:"algorithm"` // fixed | sliding, when distributed
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// CollaboratorConfig configures the reference user and profile services.
type CollaboratorConfig struct {
	UserAddr    string `yaml:"user_addr"`
	UserDB      string `yaml:"user_db"`
	ProfileAddr string `yaml:"profile_addr"`
	ProfileDB   string `yaml:"profile_db"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr: ":5002",
		GRPCAddr: ":5003",
		Log:      LogConfig{Level: "info", Format: "json"},
		Broker:   BrokerConfig{Kind: "redis", Queue: "tasks", Codec: "json"},
		Redis:    RedisConfig{URL: "redis://127.0.0.1:6379/0"},
		NATS:     NATSConfig{URL: "nats://127.0.0.1:4222", Replicas: 1, DedupWindow: 2 * time.Minute},
		Kafka:    KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Partitions: 1, Replication: 1},
		Backend:  BackendConfig{Kind: "redis", TTL: 24 * time.Hour},
		Mongo:    MongoConfig{URI: "mongodb://127.0.0.1:27017", Database: "orchestrator"},
		Journal:  JournalConfig{Kind: "none", TTL: 24 * time.Hour},
		Postgres: PostgresConfig{DSN: "postgres://orchestrator@localhost:5432/orchestrator?sslmode=disable"},
		Services: ServicesConfig{
			UserURL:    "http://127.0.0.1:5001",
			ProfileURL: "http://127.0.0.1:5000",
			Timeout:    10 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:   4,
			TimeLimit:     30 * time.Minute,
			ClaimInterval: 30 * time.Second,
			ClaimMinIdle:  time.Minute,

			MaxDeliveryFailures: 5,
			Quarantine:          24 * time.Hour,
		},
		RateLimit: RateLimitConfig{Burst: 10, Algorithm: "fixed"},
		Telemetry: TelemetryConfig{ServiceName: "saga_orchestrator"},
		Collaborator: CollaboratorConfig{
			UserAddr:    ":5001",
			UserDB:      "user_service.db",
			ProfileAddr: ":5000",
			ProfileDB:   "profile_service.db",
		},
	}
}

// Load reads the YAML file at path, if any, over the defaults and then
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("ORCH_HTTP_ADDR", &c.HTTPAddr)
	str("ORCH_GRPC_ADDR", &c.GRPCAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("BROKER_KIND", &c.Broker.Kind)
	str("BROKER_QUEUE", &c.Broker.Queue)
	str("BROKER_CODEC", &c.Broker.Codec)
	str("REDIS_URL", &c.Redis.URL)
	str("NATS_URL", &c.NATS.URL)
	integer("NATS_REPLICAS", &c.NATS.Replicas)
	duration("NATS_DEDUP_WINDOW", &c.NATS.DedupWindow)
	integer("NATS_MAX_DELIVER", &c.NATS.MaxDeliver)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	integer("KAFKA_PARTITIONS", &c.Kafka.Partitions)
	integer("KAFKA_REPLICATION", &c.Kafka.Replication)
	str("KAFKA_DEAD_LETTER_TOPIC", &c.Kafka.DeadLetterTopic)
	integer("KAFKA_MAX_RETRIES", &c.Kafka.MaxRetries)
	str("BACKEND_KIND", &c.Backend.Kind)
	duration("BACKEND_TTL", &c.Backend.TTL)
	str("MONGO_URI", &c.Mongo.URI)
	str("MONGO_DATABASE", &c.Mongo.Database)
	str("JOURNAL_KIND", &c.Journal.Kind)
	duration("JOURNAL_TTL", &c.Journal.TTL)
	str("POSTGRES_DSN", &c.Postgres.DSN)
	str("USER_SERVICE_URL", &c.Services.UserURL)
	str("QUIZ_SERVICE_URL", &c.Services.ProfileURL)
	duration("SERVICE_TIMEOUT", &c.Services.Timeout)
	integer("WORKER_CONCURRENCY", &c.Worker.Concurrency)
	duration("WORKER_TIME_LIMIT", &c.Worker.TimeLimit)
	boolean("WORKER_EMBEDDED", &c.Worker.Embedded)
	duration("WORKER_CLAIM_INTERVAL", &c.Worker.ClaimInterval)
	duration("WORKER_CLAIM_MIN_IDLE", &c.Worker.ClaimMinIdle)
	integer("WORKER_MAX_DELIVERY_FAILURES", &c.Worker.MaxDeliveryFailures)
	duration("WORKER_QUARANTINE", &c.Worker.Quarantine)
	float("RATELIMIT_RPS", &c.RateLimit.RPS)
	integer("RATELIMIT_BURST", &c.RateLimit.Burst)
	boolean("RATELIMIT_DISTRIBUTED", &c.RateLimit.Distributed)
	str("RATELIMIT_ALGORITHM", &c.RateLimit.Algorithm)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	boolean("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.Insecure)
	str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	str("USER_SERVICE_ADDR", &c.Collaborator.UserAddr)
	str("USER_SERVICE_DB", &c.Collaborator.UserDB)
	str("QUIZ_SERVICE_ADDR", &c.Collaborator.ProfileAddr)
	str("QUIZ_SERVICE_DB", &c.Collaborator.ProfileDB)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks enumerated values and required bounds.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", ")))
		}
	}

	oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error")
	oneOf("log.format", c.Log.Format, "json", "text")
	oneOf("broker.kind", c.Broker.Kind, "channel", "redis", "nats", "kafka")
	oneOf("broker.codec", c.Broker.Codec, "json", "msgpack", "proto")
	oneOf("backend.kind", c.Backend.Kind, "memory", "redis", "mongo")
	oneOf("journal.kind", c.Journal.Kind, "none", "memory", "redis", "postgres", "mongo")
	oneOf("ratelimit.algorithm", c.RateLimit.Algorithm, "fixed", "sliding")

	if c.Broker.Queue == "" {
		errs = append(errs, errors.New("broker.queue is required"))
	}
	if c.Broker.Kind == "kafka" && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required for the kafka broker"))
	}
	if c.Kafka.Partitions < 1 || c.Kafka.Partitions > math.MaxInt32 {
		errs = append(errs, errors.New("kafka.partitions must be a positive int32"))
	}
	if c.Kafka.Replication < 1 || c.Kafka.Replication > math.MaxInt16 {
		errs = append(errs, errors.New("kafka.replication must be a positive int16"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if c.Worker.MaxDeliveryFailures < 0 {
		errs = append(errs, errors.New("worker.max_delivery_failures must not be negative"))
	}
	if c.Services.Timeout <= 0 {
		errs = append(errs, errors.New("services.timeout must be positive"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("ratelimit.rps must not be negative"))
	}
	if c.Broker.Kind == "channel" && !c.Worker.Embedded {
		errs = append(errs, errors.New("the channel broker is in-process and needs worker.embedded"))
	}
	if c.Backend.Kind == "memory" && !c.Worker.Embedded {
		errs = append(errs, errors.New("the memory backend is in-process and needs worker.embedded"))
	}
	if c.Journal.Kind == "memory" && !c.Worker.Embedded {
		errs = append(errs, errors.New("the memory journal is in-process and needs worker.embedded"))
	}

	return errors.Join(errs...)
}
