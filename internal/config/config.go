// Package config holds the runtime configuration surface of the bridge.
//
// Precedence, lowest to highest: built-in defaults, optional YAML file,
// environment variables, command-line flags (applied in cmd/).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the publisher, the consumer and
// the broker connection they share.
type Config struct {
	// RedisURL is the broker connection URL (redis://host:port).
	// Required: startup fails without it.
	RedisURL string

	// RedisPassword is the broker password (optional).
	RedisPassword string

	// WorkQueue is the stream the publisher pushes work envelopes to.
	WorkQueue string

	// ResultQueue is the stream the consumer drains result envelopes from.
	ResultQueue string

	// ConsumerGroup is the consumer group name on the result queue.
	ConsumerGroup string

	// Prefetch is the maximum number of in-flight result envelopes.
	Prefetch int

	// MaxDeliveryAttempts bounds consumer-side retries before dead-lettering.
	MaxDeliveryAttempts int

	// BlockMs is how long a consumer read blocks waiting for a message.
	BlockMs int

	// WorkQueueTTL is the retention window of the work queue.
	WorkQueueTTL time.Duration

	// ResultQueueTTL is the retention window of the result queue.
	ResultQueueTTL time.Duration

	// ReconnectBaseDelay is the linear backoff unit between reconnect attempts.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxAttempts caps consecutive reconnect attempts before the
	// connection is declared unavailable.
	ReconnectMaxAttempts int

	// DeliveryURL is the send-message API endpoint replies are posted to.
	DeliveryURL string

	// DeliveryToken is a bearer token for the send-message API (optional).
	DeliveryToken string

	// DeliveryTimeout bounds a single outbound delivery call.
	DeliveryTimeout time.Duration

	// DeliveryRateRPS throttles outbound deliveries per second.
	DeliveryRateRPS float64
}

// fileConfig mirrors Config in the YAML config file. Durations are
// expressed in seconds; pointer fields distinguish "absent" from zero.
type fileConfig struct {
	RedisURL             *string  `yaml:"redis_url"`
	RedisPassword        *string  `yaml:"redis_password"`
	WorkQueue            *string  `yaml:"work_queue"`
	ResultQueue          *string  `yaml:"result_queue"`
	ConsumerGroup        *string  `yaml:"consumer_group"`
	Prefetch             *int     `yaml:"prefetch"`
	MaxDeliveryAttempts  *int     `yaml:"max_delivery_attempts"`
	BlockMs              *int     `yaml:"block_ms"`
	WorkQueueTTL         *int     `yaml:"work_queue_ttl_seconds"`
	ResultQueueTTL       *int     `yaml:"result_queue_ttl_seconds"`
	ReconnectBaseDelay   *int     `yaml:"reconnect_base_delay_seconds"`
	ReconnectMaxAttempts *int     `yaml:"reconnect_max_attempts"`
	DeliveryURL          *string  `yaml:"delivery_url"`
	DeliveryToken        *string  `yaml:"delivery_token"`
	DeliveryTimeout      *int     `yaml:"delivery_timeout_seconds"`
	DeliveryRateRPS      *float64 `yaml:"delivery_rate_rps"`
}

// Default returns a Config with built-in defaults. It does not read the
// environment; call ApplyEnv for that.
func Default() *Config {
	return &Config{
		WorkQueue:            "work_queue",
		ResultQueue:          "result_queue",
		ConsumerGroup:        "bridge-consumers",
		Prefetch:             10,
		MaxDeliveryAttempts:  3,
		BlockMs:              5000,
		WorkQueueTTL:         300 * time.Second,
		ResultQueueTTL:       60 * time.Second,
		ReconnectBaseDelay:   5 * time.Second,
		ReconnectMaxAttempts: 10,
		DeliveryTimeout:      30 * time.Second,
		DeliveryRateRPS:      5,
	}
}

// ApplyFile overlays values from a YAML config file. Only keys present
// in the file are applied.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyString(&c.RedisURL, fc.RedisURL)
	applyString(&c.RedisPassword, fc.RedisPassword)
	applyString(&c.WorkQueue, fc.WorkQueue)
	applyString(&c.ResultQueue, fc.ResultQueue)
	applyString(&c.ConsumerGroup, fc.ConsumerGroup)
	applyInt(&c.Prefetch, fc.Prefetch)
	applyInt(&c.MaxDeliveryAttempts, fc.MaxDeliveryAttempts)
	applyInt(&c.BlockMs, fc.BlockMs)
	applySeconds(&c.WorkQueueTTL, fc.WorkQueueTTL)
	applySeconds(&c.ResultQueueTTL, fc.ResultQueueTTL)
	applySeconds(&c.ReconnectBaseDelay, fc.ReconnectBaseDelay)
	applyInt(&c.ReconnectMaxAttempts, fc.ReconnectMaxAttempts)
	applyString(&c.DeliveryURL, fc.DeliveryURL)
	applyString(&c.DeliveryToken, fc.DeliveryToken)
	applySeconds(&c.DeliveryTimeout, fc.DeliveryTimeout)
	if fc.DeliveryRateRPS != nil {
		c.DeliveryRateRPS = *fc.DeliveryRateRPS
	}
	return nil
}

func applyString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func applyInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func applySeconds(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Second
	}
}

// ApplyEnv overlays values from the environment. Only variables that
// are set (and parse cleanly) are applied.
func (c *Config) ApplyEnv() {
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.WorkQueue, "WORK_QUEUE")
	setString(&c.ResultQueue, "RESULT_QUEUE")
	setString(&c.ConsumerGroup, "CONSUMER_GROUP")
	setInt(&c.Prefetch, "PREFETCH")
	setInt(&c.MaxDeliveryAttempts, "MAX_DELIVERY_ATTEMPTS")
	setInt(&c.BlockMs, "BLOCK_MS")
	setSeconds(&c.WorkQueueTTL, "WORK_QUEUE_TTL_SECONDS")
	setSeconds(&c.ResultQueueTTL, "RESULT_QUEUE_TTL_SECONDS")
	setSeconds(&c.ReconnectBaseDelay, "RECONNECT_BASE_DELAY_SECONDS")
	setInt(&c.ReconnectMaxAttempts, "RECONNECT_MAX_ATTEMPTS")
	setString(&c.DeliveryURL, "DELIVERY_URL")
	setString(&c.DeliveryToken, "DELIVERY_TOKEN")
	setSeconds(&c.DeliveryTimeout, "DELIVERY_TIMEOUT_SECONDS")
	setFloat(&c.DeliveryRateRPS, "DELIVERY_RATE_RPS")
}

// Validate checks hard startup requirements.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("broker URL is required: set REDIS_URL or redis_url in the config file")
	}
	if c.Prefetch < 1 {
		return fmt.Errorf("prefetch must be >= 1, got %d", c.Prefetch)
	}
	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("max_delivery_attempts must be >= 1, got %d", c.MaxDeliveryAttempts)
	}
	return nil
}

// WorkDeadLetter returns the dead-letter stream of the work queue.
func (c *Config) WorkDeadLetter() string {
	return "dlx:" + c.WorkQueue
}

// ResultDeadLetter returns the dead-letter stream of the result queue.
func (c *Config) ResultDeadLetter() string {
	return "dlx:" + c.ResultQueue
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
