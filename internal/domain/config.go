package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Decision pipeline
	Pipeline PipelineConfig `koanf:"pipeline"`
	Scorer   ScorerConfig   `koanf:"scorer"`
	Rules    RulesConfig    `koanf:"rules"`
	Learning LearningConfig `koanf:"learning"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port" validate:"gte=1,lte=65535"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	RateLimitRPS   float64       `koanf:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int           `koanf:"rate_limit_burst" validate:"gte=0"`
}

// PipelineConfig holds the stage pipeline settings.
type PipelineConfig struct {
	// Async publishes accepted events to the bus instead of processing inline.
	Async bool `koanf:"async"`

	// Analysis stage: threat when score >= threshold or the pattern matches.
	AnalysisThreshold float64 `koanf:"analysis_threshold" validate:"gte=0,lte=100"`
	ComplexPattern    string  `koanf:"complex_pattern" validate:"required"`

	VelocityWindow time.Duration `koanf:"velocity_window"`
	AssessmentTTL  time.Duration `koanf:"assessment_ttl"`
	StaleAfter     time.Duration `koanf:"stale_after" validate:"gt=0"`
	Workers        int           `koanf:"workers" validate:"gte=1"`

	Retry RetryConfig `koanf:"retry"`
}

// RetryConfig bounds retries of the risk scorer.
type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"gte=1,lte=10"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"gte=0"`
	Multiplier     float64       `koanf:"multiplier" validate:"gte=1"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout" validate:"gt=0"`
}

// ScorerConfig selects the risk scorer adapter.
type ScorerConfig struct {
	// Type is "payload" (trust upstream risk_score features) or "http".
	Type    string        `koanf:"type" validate:"oneof=payload http"`
	URL     string        `koanf:"url" validate:"required_if=Type http"`
	Timeout time.Duration `koanf:"timeout"`
}

// RulesConfig holds prevention rule bootstrap settings.
type RulesConfig struct {
	// File is an optional YAML rule file applied at startup.
	File string `koanf:"file"`
}

// LearningConfig controls the accuracy-improvement estimate.
type LearningConfig struct {
	Step    float64 `koanf:"step" validate:"gte=0,lte=1"`
	Ceiling float64 `koanf:"ceiling" validate:"gte=0,lte=100"`
}

// SchedulerConfig holds cron specs for background jobs.
type SchedulerConfig struct {
	Enabled       bool   `koanf:"enabled"`
	RuleSync      string `koanf:"rule_sync"`
	StaleRecovery string `koanf:"stale_recovery"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Endpoint    string  `koanf:"endpoint" validate:"required_if=Enabled true"` // OTLP gRPC collector
	SampleRate  float64 `koanf:"sample_rate" validate:"gte=0,lte=1"`
}

// DefaultComplexPattern flags events with at least three factors and one High.
const DefaultComplexPattern = `size(factors) >= 3 && factors.exists(f, f.level == "High")`

// DefaultConfig returns the default single-node configuration:
// SQLite, in-memory cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			RateLimitRPS:   200,
			RateLimitBurst: 400,
		},
		Pipeline: PipelineConfig{
			AnalysisThreshold: 50,
			ComplexPattern:    DefaultComplexPattern,
			VelocityWindow:    time.Hour,
			AssessmentTTL:     24 * time.Hour,
			StaleAfter:        5 * time.Minute,
			Workers:           4,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
				Multiplier:     2,
				AttemptTimeout: 5 * time.Second,
			},
		},
		Scorer: ScorerConfig{
			Type:    "payload",
			Timeout: 5 * time.Second,
		},
		Learning: LearningConfig{
			Step:    0.05,
			Ceiling: 15,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			ConsumerGroup:     "kestrel",
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			RuleSync:      "@every 30s",
			StaleRecovery: "@every 1m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			Endpoint:    "localhost:4317",
			SampleRate:  1,
		},
	}
}

// ClusterConfig returns a multi-instance configuration:
// PostgreSQL, Redis two-phase cache and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Pipeline.Async = true
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		ConsumerGroup:     "kestrel",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
