// Package config centralizes orchestrator configuration: a single struct,
// loaded once at process start from YAML plus environment overrides, and
// passed down explicitly to every constructor. No package outside this one
// reads the environment directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LogConfig mirrors the teacher's per-destination log settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Path  string `mapstructure:"path" yaml:"path"`
}

// EventBusConfig configures the MQTT-backed detections pub/sub adapter.
type EventBusConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Broker       string        `mapstructure:"broker" yaml:"broker"` // tcp://host:port
	ClientID     string        `mapstructure:"client_id" yaml:"client_id"`
	Username     string        `mapstructure:"username" yaml:"username"`
	Password     string        `mapstructure:"password" yaml:"password"`
	TopicPrefix  string        `mapstructure:"topic_prefix" yaml:"topic_prefix"` // "detections"
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// MediaPublisherConfig configures the RTSP re-publish subprocess layer.
type MediaPublisherConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	BinaryPath     string        `mapstructure:"binary_path" yaml:"binary_path"` // e.g. "ffmpeg"
	SinkBaseURL    string        `mapstructure:"sink_base_url" yaml:"sink_base_url"`
	CodecPreference []string     `mapstructure:"codec_preference" yaml:"codec_preference"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff" yaml:"restart_backoff"`
}

// TelemetryConfig gates Sentry error reporting and the Prometheus endpoint.
type TelemetryConfig struct {
	SentryEnabled bool   `mapstructure:"sentry_enabled" yaml:"sentry_enabled"`
	SentryDSN     string `mapstructure:"sentry_dsn" yaml:"sentry_dsn"`
	MetricsListen string `mapstructure:"metrics_listen" yaml:"metrics_listen"`
}

// NotifyConfig configures the operator-alert side channel.
type NotifyConfig struct {
	Enabled                  bool   `mapstructure:"enabled" yaml:"enabled"`
	ShoutrrrURL              string `mapstructure:"shoutrrr_url" yaml:"shoutrrr_url"`
	MaxRestartAttemptsBeforeAlert int `mapstructure:"max_restart_attempts_before_alert" yaml:"max_restart_attempts_before_alert"`
}

// DetectorConfig configures the reference tflite-backed detection backend.
type DetectorConfig struct {
	Backend        string  `mapstructure:"backend" yaml:"backend"` // "tflite" or "noop"
	ModelPath      string  `mapstructure:"model_path" yaml:"model_path"`
	Threads        int     `mapstructure:"threads" yaml:"threads"`
	ScoreThreshold float64 `mapstructure:"score_threshold" yaml:"score_threshold"`
}

// OrchestratorConfig is the environment-configured knob set from spec.md §6.
type OrchestratorConfig struct {
	MaxWorkers       int           `mapstructure:"max_workers" yaml:"max_workers"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	NoViewerTimeout  time.Duration `mapstructure:"no_viewer_timeout" yaml:"no_viewer_timeout"`
	WatchdogPeriod   time.Duration `mapstructure:"watchdog_period" yaml:"watchdog_period"`
	ProtectedStreams []string      `mapstructure:"protected_streams" yaml:"protected_streams"`

	FrameQueueSize     int `mapstructure:"frame_queue_size" yaml:"frame_queue_size"`
	DetectionQueueSize int `mapstructure:"detection_queue_size" yaml:"detection_queue_size"`
	MaxCatchupSkip     int `mapstructure:"max_catchup_skip" yaml:"max_catchup_skip"`

	SnapshotCacheTTL time.Duration `mapstructure:"snapshot_cache_ttl" yaml:"snapshot_cache_ttl"`
}

// Config is the root configuration struct. It is constructed once
// (via Load) and passed explicitly to every constructor in the process.
type Config struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`

	Log            LogConfig             `mapstructure:"log" yaml:"log"`
	Orchestrator   OrchestratorConfig    `mapstructure:"orchestrator" yaml:"orchestrator"`
	EventBus       EventBusConfig        `mapstructure:"eventbus" yaml:"eventbus"`
	MediaPublisher MediaPublisherConfig  `mapstructure:"mediapublisher" yaml:"mediapublisher"`
	Telemetry      TelemetryConfig       `mapstructure:"telemetry" yaml:"telemetry"`
	Notify         NotifyConfig          `mapstructure:"notify" yaml:"notify"`
	Detector       DetectorConfig        `mapstructure:"detector" yaml:"detector"`
}

// Default returns a Config populated with spec.md's documented defaults
// (watchdog period 2s, idle timeout 300s, no-viewer timeout 15s, etc.).
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Path: "logs/orchestrator.log"},
		Orchestrator: OrchestratorConfig{
			MaxWorkers:         16,
			InitialBackoff:     500 * time.Millisecond,
			MaxBackoff:         30 * time.Second,
			IdleTimeout:        300 * time.Second,
			NoViewerTimeout:    15 * time.Second,
			WatchdogPeriod:     2 * time.Second,
			FrameQueueSize:     4,
			DetectionQueueSize: 32,
			MaxCatchupSkip:     5,
			SnapshotCacheTTL:   250 * time.Millisecond,
		},
		EventBus: EventBusConfig{
			Enabled:        true,
			Broker:         "tcp://localhost:1883",
			ClientID:       "stream-orchestrator",
			TopicPrefix:    "detections",
			ConnectTimeout: 10 * time.Second,
		},
		MediaPublisher: MediaPublisherConfig{
			Enabled:         true,
			BinaryPath:      "ffmpeg",
			CodecPreference: []string{"h264_nvenc", "h264_vaapi", "libx264"},
			RestartBackoff:  time.Second,
		},
		Notify: NotifyConfig{
			MaxRestartAttemptsBeforeAlert: 5,
		},
		Detector: DetectorConfig{
			Backend:        "tflite",
			Threads:        0,
			ScoreThreshold: 0.5,
		},
	}
}

// Load reads defaults, then an optional YAML file, then ORCH_-prefixed
// environment overrides, following the teacher's conf.Load layering order
// (defaults < file < env < flags).
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants this config's consumers assume hold.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxWorkers <= 0 {
		return fmt.Errorf("orchestrator.max_workers must be > 0")
	}
	if c.Orchestrator.InitialBackoff <= 0 || c.Orchestrator.MaxBackoff <= 0 {
		return fmt.Errorf("orchestrator.initial_backoff and max_backoff must be > 0")
	}
	if c.Orchestrator.InitialBackoff > c.Orchestrator.MaxBackoff {
		return fmt.Errorf("orchestrator.initial_backoff must be <= max_backoff")
	}
	if c.Orchestrator.WatchdogPeriod <= 0 {
		return fmt.Errorf("orchestrator.watchdog_period must be > 0")
	}
	return nil
}

// ProtectedSet returns the configured protected stream IDs as a lookup set.
func (c *Config) ProtectedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Orchestrator.ProtectedStreams))
	for _, id := range c.Orchestrator.ProtectedStreams {
		set[id] = struct{}{}
	}
	return set
}
