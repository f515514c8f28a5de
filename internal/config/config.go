package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the feed engine.
type Config struct {
	Observability ObservabilityConfig
	Publisher     PublisherConfig
	Pipeline      PipelineConfig
}

// ObservabilityConfig controls structured logging and tracing.
type ObservabilityConfig struct {
	JaegerEndpoint string
	ServiceName    string
	LogLevel       string
	LogFormat      string
	MetricsPort    int
	MetricsEnabled bool
}

// PublisherConfig configures the pub/sub publisher (§6 Environment).
type PublisherConfig struct {
	RedisHost        string
	RedisPort        int
	ChannelPrefix    string
	BatchSize        int
	FlushIntervalMs  int
	StatusIntervalS  int
	ReconnectDelay   time.Duration
	ReconnectMaxWait time.Duration
}

// PipelineConfig controls the ring buffer / batcher / aggregator sizing shared
// across feeds.
type PipelineConfig struct {
	RingBufferCapacity  int
	BatchSize           int
	FlushIntervalMs     int
	AggregationTimeframe time.Duration
}

// Load reads configuration from the environment, falling back to the
// defaults the original feed handler shipped with.
func Load() (*Config, error) {
	cfg := &Config{
		Observability: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "feed-engine"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsPort:    getIntEnv("METRICS_PORT", 9090),
			MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),
		},
		Publisher: PublisherConfig{
			RedisHost:        getEnv("REDIS_HOST", "localhost"),
			RedisPort:        getIntEnv("REDIS_PORT", 6379),
			ChannelPrefix:    getEnv("REDIS_CHANNEL_PREFIX", "trading"),
			BatchSize:        getIntEnv("PUBLISH_BATCH_SIZE", 100),
			FlushIntervalMs:  getIntEnv("PUBLISH_FLUSH_MS", 10),
			StatusIntervalS:  getIntEnv("PUBLISH_STATUS_INTERVAL_S", 5),
			ReconnectDelay:   getDurationEnv("PUBLISH_RECONNECT_DELAY", time.Second),
			ReconnectMaxWait: getDurationEnv("PUBLISH_RECONNECT_MAX_DELAY", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			RingBufferCapacity:   getIntEnv("PIPELINE_BUFFER_CAPACITY", 65536),
			BatchSize:            getIntEnv("PIPELINE_BATCH_SIZE", 1000),
			FlushIntervalMs:      getIntEnv("PIPELINE_FLUSH_MS", 100),
			AggregationTimeframe: getDurationEnv("PIPELINE_AGGREGATION_TIMEFRAME", 60*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.RingBufferCapacity <= 0 {
		return fmt.Errorf("PIPELINE_BUFFER_CAPACITY must be positive")
	}
	if c.Publisher.BatchSize <= 0 {
		return fmt.Errorf("PUBLISH_BATCH_SIZE must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// SplitCSV parses a comma-separated CLI flag value into a trimmed slice,
// dropping empty entries.
func SplitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
