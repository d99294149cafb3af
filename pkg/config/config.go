// Package config loads and validates the pipeline configuration: a JSON
// file merged with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MongoConfig describes the source collection and connection pool.
type MongoConfig struct {
	URI              string `json:"uri"`
	Database         string `json:"database"`
	Collection       string `json:"collection"`
	BatchSize        int32  `json:"batch_size"`
	PoolMin          uint64 `json:"pool_min"`
	PoolMax          uint64 `json:"pool_max"`
	ConnectTimeoutMs int    `json:"connect_timeout_ms"`
	ReadTimeoutMs    int    `json:"read_timeout_ms"`
}

// KafkaConfig describes the egress topic and producer tuning.
type KafkaConfig struct {
	Bootstrap        []string `json:"bootstrap"`
	Topic            string   `json:"topic"`
	ClientID         string   `json:"client_id"`
	MaxRequestBytes  int      `json:"max_request_bytes"`
	Acks             string   `json:"acks"`
	EgressBatchCount int      `json:"egress_batch_count"`
	LingerMs         int      `json:"linger_ms"`
	Compression      string   `json:"compression"`
	Idempotent       bool     `json:"idempotent"`
}

// PipelineConfig describes the run-level knobs.
type PipelineConfig struct {
	SnapshotEnabled  bool   `json:"snapshot_enabled"`
	SnapshotForce    bool   `json:"snapshot_force"`
	HealthPort       int    `json:"health_port"`
	RetryMaxAttempts int    `json:"retry_max_attempts"`
	RetryBackoffMs   int    `json:"retry_backoff_ms"`
	FailureThreshold uint32 `json:"failure_threshold"`
	ResetTimeoutMs   int    `json:"reset_timeout_ms"`
	ShutdownGraceMs  int    `json:"shutdown_grace_ms"`
}

// CursorConfig describes both possible resume-cursor backings; which one is
// used is decided at assembly time from AWS credential presence.
type CursorConfig struct {
	LocalPath    string `json:"local_path"`
	RemoteBucket string `json:"remote_bucket"`
	RemoteKey    string `json:"remote_key"`
	Region       string `json:"region"`
}

// Config is the full, immutable pipeline configuration. Nothing after
// Load/ApplyEnv/Validate mutates it; every component copies the values it
// needs at construction time.
type Config struct {
	Source   MongoConfig    `json:"source"`
	Log      KafkaConfig    `json:"log"`
	Pipeline PipelineConfig `json:"pipeline"`
	Cursor   CursorConfig   `json:"cursor"`
}

// Default returns a Config with every documented default applied.
func Default() *Config {
	return &Config{
		Source: MongoConfig{
			BatchSize:        1000,
			PoolMin:          1,
			PoolMax:          10,
			ConnectTimeoutMs: 30000,
			ReadTimeoutMs:    30000,
		},
		Log: KafkaConfig{
			MaxRequestBytes:  1 << 20,
			Acks:             "all",
			EgressBatchCount: 100,
			LingerMs:         0,
			Compression:      "snappy",
			Idempotent:       true,
		},
		Pipeline: PipelineConfig{
			SnapshotEnabled:  true,
			SnapshotForce:    false,
			HealthPort:       8080,
			RetryMaxAttempts: 5,
			RetryBackoffMs:   1000,
			FailureThreshold: 3,
			ResetTimeoutMs:   30000,
			ShutdownGraceMs:  10000,
		},
		Cursor: CursorConfig{
			LocalPath:    "./resume-token.json",
			RemoteBucket: "mongo-kafka-cdc-tokens",
			RemoteKey:    "resume-token.json",
		},
	}
}

// LoadFromFile loads configuration from a JSON file, starting from Default
// so any field the file omits keeps its documented default. A missing file
// is not an error: the caller relies purely on defaults plus env overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays the environment variables documented for this pipeline
// on top of an already-loaded Config. Only variables that are set (and
// non-empty) override the existing value.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}

	str(getenv, "MONGODB_URI", &cfg.Source.URI)
	str(getenv, "MONGODB_DATABASE", &cfg.Source.Database)
	str(getenv, "MONGODB_COLLECTION", &cfg.Source.Collection)
	i32(getenv, "MONGODB_BATCH_SIZE", &cfg.Source.BatchSize)
	u64(getenv, "MONGODB_MAX_POOL_SIZE", &cfg.Source.PoolMax)
	u64(getenv, "MONGODB_MIN_POOL_SIZE", &cfg.Source.PoolMin)

	str(getenv, "RESUME_TOKEN_PATH", &cfg.Cursor.LocalPath)
	str(getenv, "RESUME_TOKEN_BUCKET", &cfg.Cursor.RemoteBucket)
	str(getenv, "RESUME_TOKEN_KEY", &cfg.Cursor.RemoteKey)
	str(getenv, "AWS_REGION", &cfg.Cursor.Region)

	if v := getenv("KAFKA_BOOTSTRAP_SERVERS"); v != "" {
		cfg.Log.Bootstrap = strings.Split(v, ",")
	}
	str(getenv, "KAFKA_TOPIC", &cfg.Log.Topic)
	str(getenv, "KAFKA_CLIENT_ID", &cfg.Log.ClientID)
	i(getenv, "KAFKA_MAX_REQUEST_SIZE", &cfg.Log.MaxRequestBytes)
	str(getenv, "KAFKA_ACKS", &cfg.Log.Acks)
	i(getenv, "KAFKA_BATCH_SIZE", &cfg.Log.EgressBatchCount)

	boolean(getenv, "INITIAL_LOAD_ENABLED", &cfg.Pipeline.SnapshotEnabled)
	boolean(getenv, "INITIAL_LOAD_FORCE", &cfg.Pipeline.SnapshotForce)
	i(getenv, "HEALTH_PORT", &cfg.Pipeline.HealthPort)
	i(getenv, "RETRY_MAX_ATTEMPTS", &cfg.Pipeline.RetryMaxAttempts)
	i(getenv, "RETRY_BACKOFF_MS", &cfg.Pipeline.RetryBackoffMs)
	u32(getenv, "BREAKER_FAILURE_THRESHOLD", &cfg.Pipeline.FailureThreshold)
	i(getenv, "BREAKER_RESET_TIMEOUT_MS", &cfg.Pipeline.ResetTimeoutMs)
	i(getenv, "SHUTDOWN_GRACE_MS", &cfg.Pipeline.ShutdownGraceMs)
}

// UseRemoteCursor reports whether AWS credentials are present in the
// environment, which selects the S3 cursor backing over the local file one.
func UseRemoteCursor(getenv func(string) string) bool {
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv("AWS_ACCESS_KEY_ID") != "" && getenv("AWS_SECRET_ACCESS_KEY") != ""
}

// Validate checks the configuration invariants a pipeline cannot start
// without. A failure here is the Fatal error kind: startup aborts.
func (c *Config) Validate() error {
	var errs []string

	if c.Source.URI == "" {
		errs = append(errs, "source.uri is required")
	}
	if c.Source.Database == "" {
		errs = append(errs, "source.database is required")
	}
	if c.Source.Collection == "" {
		errs = append(errs, "source.collection is required")
	}
	if c.Source.BatchSize <= 0 {
		errs = append(errs, "source.batch_size must be positive")
	}
	if c.Source.PoolMin > c.Source.PoolMax {
		errs = append(errs, "source.pool_min must not exceed pool_max")
	}

	if len(c.Log.Bootstrap) == 0 {
		errs = append(errs, "log.bootstrap is required")
	}
	if c.Log.Topic == "" {
		errs = append(errs, "log.topic is required")
	}
	if c.Log.EgressBatchCount <= 0 {
		errs = append(errs, "log.egress_batch_count must be positive")
	}
	switch c.Log.Acks {
	case "all", "1", "0":
	default:
		errs = append(errs, `log.acks must be one of "all", "1", "0"`)
	}
	switch c.Log.Compression {
	case "snappy", "none", "":
	default:
		errs = append(errs, `log.compression must be "snappy" or "none"`)
	}

	if c.Pipeline.RetryMaxAttempts < 0 {
		errs = append(errs, "pipeline.retry_max_attempts must not be negative")
	}
	if c.Pipeline.RetryBackoffMs < 0 {
		errs = append(errs, "pipeline.retry_backoff_ms must not be negative")
	}
	if c.Pipeline.FailureThreshold == 0 {
		errs = append(errs, "pipeline.failure_threshold must be positive")
	}
	if c.Pipeline.ResetTimeoutMs <= 0 {
		errs = append(errs, "pipeline.reset_timeout_ms must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func str(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func boolean(getenv func(string) string, key string, dst *bool) {
	v := getenv(key)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func i(getenv func(string) string, key string, dst *int) {
	v := getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func i32(getenv func(string) string, key string, dst *int32) {
	v := getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.ParseInt(v, 10, 32); err == nil {
		*dst = int32(n)
	}
}

func u32(getenv func(string) string, key string, dst *uint32) {
	v := getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.ParseUint(v, 10, 32); err == nil {
		*dst = uint32(n)
	}
}

func u64(getenv func(string) string, key string, dst *uint64) {
	v := getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		*dst = n
	}
}
