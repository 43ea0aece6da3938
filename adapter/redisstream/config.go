package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config for the Redis Streams broker.
type Config struct {
	// Connection
	Addr          string `env:"PROQ_REDIS_ADDR"`
	Username      string `env:"PROQ_REDIS_USERNAME"`
	Password      string `env:"PROQ_REDIS_PASSWORD"`
	DB            int    `env:"PROQ_REDIS_DB"`
	TLS           bool   `env:"PROQ_REDIS_TLS"`
	TLSServerName string `env:"PROQ_REDIS_TLS_SERVER_NAME"`

	// Consumer group. Queue destinations share Group so messages compete;
	// topic destinations get a private group per subscription.
	Group    string `env:"PROQ_REDIS_GROUP"`
	Consumer string `env:"PROQ_REDIS_CONSUMER"`

	// Block caps how long a single blocking read waits server-side.
	Block      time.Duration `env:"PROQ_REDIS_BLOCK"`
	AutoCreate bool          `env:"PROQ_REDIS_AUTO_CREATE"`

	// Acknowledgment & stream trimming
	AutoDeleteOnAck bool  `env:"PROQ_REDIS_AUTO_DELETE_ON_ACK"`
	MaxLenApprox    int64 `env:"PROQ_REDIS_MAX_LEN_APPROX"`

	// Pending entry recovery: entries stuck in another consumer's pending
	// list longer than ClaimMinIdle are claimed back before each read.
	ClaimMinIdle time.Duration `env:"PROQ_REDIS_CLAIM_MIN_IDLE"`
	ClaimBatch   int           `env:"PROQ_REDIS_CLAIM_BATCH"`
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "proq"
	}
	return Config{
		Addr:         "127.0.0.1:6379",
		Group:        "proq",
		Consumer:     fmt.Sprintf("proq-%s-%d", hostname, os.Getpid()),
		Block:        5 * time.Second,
		AutoCreate:   true,
		ClaimMinIdle: 30 * time.Second,
		ClaimBatch:   128,
	}
}

// ConfigFromEnv overlays PROQ_REDIS_* environment variables on Defaults.
func ConfigFromEnv() (Config, error) {
	c := Defaults()
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("redisstream: config from env: %w", err)
	}
	return c, nil
}

// Validate checks Config before any connection is dialed.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimBatch < 1 {
		return fmt.Errorf("config: claim_batch must be >= 1 if claim_min_idle is set")
	}
	return nil
}

// toMap converts Config to the generic map the broker factory accepts.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
	}
}

// ConfigFromMap safely converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := asDuration(m["block"]); ok && v > 0 {
		c.Block = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := m["auto_delete_on_ack"].(bool); ok {
		c.AutoDeleteOnAck = v
	}
	if v, ok := asInt64(m["max_len_approx"]); ok && v > 0 {
		c.MaxLenApprox = v
	}
	if v, ok := asDuration(m["claim_min_idle"]); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := asInt64(m["claim_batch"]); ok && v > 0 {
		c.ClaimBatch = int(v)
	}
	return c
}

func asDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		if p, err := time.ParseDuration(d); err == nil {
			return p, true
		}
	case float64:
		return time.Duration(d), true
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
