package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"jigsaw-dom/internal/depth"
)

type Config struct {
	Port               int    `yaml:"port" env:"PORT"`
	LogLevel           string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFile            string `yaml:"log_file" env:"LOG_FILE"`
	SnapshotIntervalMs int    `yaml:"snapshot_interval_ms" env:"SNAPSHOT_INTERVAL_MS"`

	Engine      EngineConfig       `yaml:"engine" envPrefix:"ENGINE_"`
	Feed        FeedConfig         `yaml:"feed" envPrefix:"FEED_"`
	Instruments []InstrumentConfig `yaml:"instruments"`
}

type EngineConfig struct {
	IcebergDetectionEnabled bool   `yaml:"iceberg_detection_enabled" env:"ICEBERG_DETECTION_ENABLED"`
	MinIcebergChunkSize     uint32 `yaml:"min_iceberg_chunk_size" env:"MIN_ICEBERG_CHUNK_SIZE"`
	FootprintResetMinutes   int    `yaml:"footprint_reset_minutes" env:"FOOTPRINT_RESET_MINUTES"`
	ReloadRangeTicks        int32  `yaml:"reload_range_ticks" env:"RELOAD_RANGE_TICKS"`
	CleanupDistanceTicks    int32  `yaml:"cleanup_distance_ticks" env:"CLEANUP_DISTANCE_TICKS"`
	VelocityWindowSeconds   int    `yaml:"velocity_window_seconds" env:"VELOCITY_WINDOW_SECONDS"`
}

type FeedConfig struct {
	Source                  string      `yaml:"source" env:"SOURCE"` // "websocket", "kafka" or "mock"
	URL                     string      `yaml:"url" env:"URL"`
	Kafka                   KafkaConfig `yaml:"kafka" envPrefix:"KAFKA_"`
	MaxBadMessageLogsPerSec int         `yaml:"max_bad_message_logs_per_sec" env:"MAX_BAD_MESSAGE_LOGS_PER_SEC"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
	GroupID string   `yaml:"group_id" env:"GROUP_ID"`
}

type InstrumentConfig struct {
	Alias    string `yaml:"alias"`
	TickSize string `yaml:"tick_size"`
	Active   bool   `yaml:"active"`
}

func defaults() Config {
	return Config{
		Port:               8087,
		LogLevel:           "info",
		SnapshotIntervalMs: 33,
		Engine: EngineConfig{
			IcebergDetectionEnabled: true,
			MinIcebergChunkSize:     10,
			FootprintResetMinutes:   5,
			ReloadRangeTicks:        20,
			CleanupDistanceTicks:    15,
			VelocityWindowSeconds:   15,
		},
		Feed: FeedConfig{
			Source:                  "mock",
			URL:                     "ws://127.0.0.1:9001/stream",
			MaxBadMessageLogsPerSec: 1,
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "market-events",
				GroupID: "jigsaw-dom",
			},
		},
	}
}

// Load reads path over the defaults, then applies JIGSAW_* environment
// overrides, then validates.
func Load(path string) (Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "JIGSAW_"}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid port")
	}
	if c.SnapshotIntervalMs < 1 {
		return errors.New("snapshot_interval_ms must be >=1")
	}
	e := c.Engine
	if e.MinIcebergChunkSize < 1 {
		return errors.New("engine.min_iceberg_chunk_size must be >=1")
	}
	if e.FootprintResetMinutes < 1 {
		return errors.New("engine.footprint_reset_minutes must be >=1")
	}
	if e.ReloadRangeTicks < 0 || e.CleanupDistanceTicks < 0 {
		return errors.New("engine tick distances must be >=0")
	}
	if e.VelocityWindowSeconds < 1 {
		return errors.New("engine.velocity_window_seconds must be >=1")
	}

	c.Feed.Source = strings.ToLower(strings.TrimSpace(c.Feed.Source))
	switch c.Feed.Source {
	case "websocket":
		if c.Feed.URL == "" {
			return errors.New("feed.url required for websocket source")
		}
	case "kafka":
		if len(c.Feed.Kafka.Brokers) == 0 || c.Feed.Kafka.Topic == "" {
			return errors.New("feed.kafka.brokers and feed.kafka.topic required for kafka source")
		}
	case "mock":
	default:
		return fmt.Errorf(`feed.source must be "websocket", "kafka" or "mock", got %q`, c.Feed.Source)
	}

	seen := map[string]bool{}
	for i := range c.Instruments {
		in := &c.Instruments[i]
		in.Alias = strings.TrimSpace(in.Alias)
		if in.Alias == "" {
			return fmt.Errorf("instruments[%d]: alias required", i)
		}
		if seen[in.Alias] {
			return fmt.Errorf("instruments[%d]: duplicate alias %s", i, in.Alias)
		}
		seen[in.Alias] = true
		ts, err := decimal.NewFromString(in.TickSize)
		if err != nil {
			return fmt.Errorf("instruments[%d] %s: tick_size: %w", i, in.Alias, err)
		}
		if !ts.IsPositive() {
			return fmt.Errorf("instruments[%d] %s: tick_size must be >0", i, in.Alias)
		}
	}
	return nil
}

// Settings converts the engine section into engine settings.
func (e EngineConfig) Settings() depth.Settings {
	return depth.Settings{
		IcebergDetectionEnabled: e.IcebergDetectionEnabled,
		MinIcebergChunkSize:     e.MinIcebergChunkSize,
		FootprintResetInterval:  time.Duration(e.FootprintResetMinutes) * time.Minute,
		ReloadRangeTicks:        e.ReloadRangeTicks,
		CleanupDistanceTicks:    e.CleanupDistanceTicks,
		VelocityWindow:          time.Duration(e.VelocityWindowSeconds) * time.Second,
	}
}

func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMs) * time.Millisecond
}

// NewLogger builds the process logger. With a non-empty file the output is
// also written to a size-rotated log file.
func NewLogger(level, file string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var out io.Writer = os.Stdout
	if file != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     7,
			Compress:   true,
		})
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
