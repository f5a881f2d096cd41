// Package config loads and validates prober configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Placeholder is substituted with the identifier in session templates.
const Placeholder = "{id}"

// Config captures all prober configuration knobs loaded via Viper.
type Config struct {
	Shard      ShardConfig      `mapstructure:"shard"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Governor   GovernorConfig   `mapstructure:"governor"`
	Session    SessionConfig    `mapstructure:"session"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ShardConfig names the partition this process works on.
type ShardConfig struct {
	ID        string `mapstructure:"id"`
	Input     string `mapstructure:"input"`
	OutputDir string `mapstructure:"output_dir"`
	Workers   int    `mapstructure:"workers"`
	// RunID pins the run identifier; empty generates a fresh one.
	RunID string `mapstructure:"run_id"`
}

// EngineConfig governs the per-worker retry loop.
type EngineConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	HealthEvery        int           `mapstructure:"health_every"`
	ErrorThreshold     int           `mapstructure:"error_threshold"`
	MaxFreeRefreshes   int           `mapstructure:"max_free_refreshes"`
	DegradeBackoffBase time.Duration `mapstructure:"degrade_backoff_base"`
	DegradeBackoffMax  time.Duration `mapstructure:"degrade_backoff_max"`
	ErrorDelay         time.Duration `mapstructure:"error_delay"`
	RateLimitCooldown  time.Duration `mapstructure:"rate_limit_cooldown"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	FlushEvery         int           `mapstructure:"flush_every"`
	WorkerStagger      time.Duration `mapstructure:"worker_stagger"`
}

// GovernorConfig controls global probe pacing.
type GovernorConfig struct {
	TargetRPS float64 `mapstructure:"target_rps"`
	MaxFactor float64 `mapstructure:"max_factor"`
}

// SessionConfig describes how sessions are created and probed.
type SessionConfig struct {
	URLTemplate       string            `mapstructure:"url_template"`
	Method            string            `mapstructure:"method"`
	BodyTemplate      string            `mapstructure:"body_template"`
	Headers           map[string]string `mapstructure:"headers"`
	UserAgent         string            `mapstructure:"user_agent"`
	BootstrapURL      string            `mapstructure:"bootstrap_url"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	FactoryRPS        float64           `mapstructure:"factory_rps"`
	MaxCreateAttempts int               `mapstructure:"max_create_attempts"`
	CreateBackoff     time.Duration     `mapstructure:"create_backoff"`
	DegradeThreshold  int               `mapstructure:"degrade_threshold"`
	// Markers are identifiers with a known answer used for health probes.
	Markers      []string `mapstructure:"markers"`
	MarkerExpect string   `mapstructure:"marker_expect"`
}

// ClassifierConfig holds the marker sets used to classify responses.
type ClassifierConfig struct {
	StatusField      string   `mapstructure:"status_field"`
	AvailableMarkers []string `mapstructure:"available_markers"`
	TakenMarkers     []string `mapstructure:"taken_markers"`
	InvalidMarkers   []string `mapstructure:"invalid_markers"`
	DegradedMarkers  []string `mapstructure:"degraded_markers"`
	ThrottleMarkers  []string `mapstructure:"throttle_markers"`
	ExcerptLength    int      `mapstructure:"excerpt_length"`
}

// SinkConfig controls result file durability.
type SinkConfig struct {
	SyncEvery    int           `mapstructure:"sync_every"`
	WriteRetries int           `mapstructure:"write_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// TelemetryConfig controls status reporting and the progress hub.
type TelemetryConfig struct {
	ReportInterval      time.Duration `mapstructure:"report_interval"`
	LogEvents           bool          `mapstructure:"log_events"`
	Prometheus          bool          `mapstructure:"prometheus"`
	BufferSize          int           `mapstructure:"buffer_size"`
	LifecycleBufferSize int           `mapstructure:"lifecycle_buffer_size"`
	MaxBatchEvents      int           `mapstructure:"max_batch_events"`
	MaxBatchWait        time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout         time.Duration `mapstructure:"sink_timeout"`
}

// PubSubConfig holds metadata for the result mirror topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	Chunk     int    `mapstructure:"chunk"`
}

// DBConfig controls the optional Postgres result mirror.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RunsTable       string        `mapstructure:"runs_table"`
	ResultsTable    string        `mapstructure:"results_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects where merged output is uploaded.
type StorageConfig struct {
	// Backend is "local", "gcs" or empty for no upload.
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROBER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("shard.id", "0")
	v.SetDefault("shard.output_dir", "out")
	v.SetDefault("shard.workers", 4)
	v.SetDefault("shard.run_id", "")
	v.SetDefault("shard.input", "")

	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.health_every", 80)
	v.SetDefault("engine.error_threshold", 5)
	v.SetDefault("engine.max_free_refreshes", 3)
	v.SetDefault("engine.degrade_backoff_base", "1.5s")
	v.SetDefault("engine.degrade_backoff_max", "15s")
	v.SetDefault("engine.error_delay", "1s")
	v.SetDefault("engine.rate_limit_cooldown", "30s")
	v.SetDefault("engine.request_timeout", "30s")
	v.SetDefault("engine.shutdown_grace", "5s")
	v.SetDefault("engine.flush_every", 20)
	v.SetDefault("engine.worker_stagger", "500ms")

	v.SetDefault("governor.target_rps", 2.0)
	v.SetDefault("governor.max_factor", 2.0)

	v.SetDefault("session.url_template", "")
	v.SetDefault("session.method", "GET")
	v.SetDefault("session.body_template", "")
	v.SetDefault("session.user_agent", "availability-prober/0.1")
	v.SetDefault("session.bootstrap_url", "")
	v.SetDefault("session.timeout", "15s")
	v.SetDefault("session.factory_rps", 0.5)
	v.SetDefault("session.max_create_attempts", 3)
	v.SetDefault("session.create_backoff", "2s")
	v.SetDefault("session.degrade_threshold", 8)
	v.SetDefault("session.marker_expect", "available")

	v.SetDefault("classifier.status_field", "")
	v.SetDefault("classifier.excerpt_length", 120)

	v.SetDefault("sink.sync_every", 1)
	v.SetDefault("sink.write_retries", 3)
	v.SetDefault("sink.retry_backoff", "200ms")

	v.SetDefault("telemetry.report_interval", "2s")
	v.SetDefault("telemetry.log_events", false)
	v.SetDefault("telemetry.prometheus", true)
	v.SetDefault("telemetry.buffer_size", 4096)
	v.SetDefault("telemetry.lifecycle_buffer_size", 256)
	v.SetDefault("telemetry.max_batch_events", 1000)
	v.SetDefault("telemetry.max_batch_wait", "500ms")
	v.SetDefault("telemetry.sink_timeout", "10s")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("pubsub.chunk", 500)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.runs_table", "probe_runs")
	v.SetDefault("db.results_table", "probe_results")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("storage.backend", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "merged")
	v.SetDefault("storage.base_dir", "")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.service_name", "availability-prober")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits shared by every
// command.
func (c Config) Validate() error {
	if c.Shard.Workers <= 0 {
		return errors.New("shard.workers must be > 0")
	}
	if c.Governor.TargetRPS <= 0 {
		return errors.New("governor.target_rps must be > 0")
	}
	if c.Governor.MaxFactor < 2 || c.Governor.MaxFactor > 2.5 {
		return fmt.Errorf("governor.max_factor must be between 2 and 2.5, got %v", c.Governor.MaxFactor)
	}
	if c.Engine.MaxRetries <= 0 {
		return errors.New("engine.max_retries must be > 0")
	}
	if c.Engine.HealthEvery < 0 {
		return errors.New("engine.health_every must be >= 0")
	}
	// A threshold of 1 refreshes on every failure, so no identifier could
	// fail on a session that had already served it.
	if c.Engine.ErrorThreshold < 2 {
		return errors.New("engine.error_threshold must be >= 2")
	}
	if c.Engine.MaxFreeRefreshes <= 0 {
		return errors.New("engine.max_free_refreshes must be > 0")
	}
	if c.Engine.DegradeBackoffMax < c.Engine.DegradeBackoffBase {
		return errors.New("engine.degrade_backoff_max must be >= engine.degrade_backoff_base")
	}
	if c.Engine.FlushEvery <= 0 {
		return errors.New("engine.flush_every must be > 0")
	}
	if c.Session.FactoryRPS <= 0 {
		return errors.New("session.factory_rps must be > 0")
	}
	if c.Session.MaxCreateAttempts <= 0 {
		return errors.New("session.max_create_attempts must be > 0")
	}
	if c.Session.DegradeThreshold < 2 {
		return errors.New("session.degrade_threshold must be >= 2")
	}
	switch c.Storage.Backend {
	case "":
	case "local":
		if c.Storage.BaseDir == "" {
			return errors.New("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local or gcs, got %q", c.Storage.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint must be set when tracing is enabled")
	}
	return nil
}

// ValidateRun adds the checks only a probing run needs.
func (c Config) ValidateRun() error {
	if c.Shard.Input == "" {
		return errors.New("shard.input must be set")
	}
	if c.Shard.OutputDir == "" {
		return errors.New("shard.output_dir must be set")
	}
	if !strings.Contains(c.Session.URLTemplate, Placeholder) {
		return fmt.Errorf("session.url_template must contain %s", Placeholder)
	}
	if len(c.Classifier.AvailableMarkers) == 0 && len(c.Classifier.TakenMarkers) == 0 {
		return errors.New("classifier needs at least one available or taken marker")
	}
	return nil
}
