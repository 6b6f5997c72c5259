// Package config loads and validates the Rice server configuration.
//
// Configuration lives in a single YAML file. Unknown keys are rejected at
// parse time so typos fail fast instead of silently using defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ricelabs/rice/internal/logging"
)

// Config is the complete Rice configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	ML        MLConfig        `yaml:"ml"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	PostRank  PostRankConfig  `yaml:"post_rank"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the listener surfaces.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// ShutdownTimeout bounds the graceful drain on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// PanicCooldown is how long /readyz stays unhealthy after a background
	// goroutine panic before the flag clears.
	PanicCooldown time.Duration `yaml:"panic_cooldown"`
}

// EngineConfig selects and configures the vector engine backend.
type EngineConfig struct {
	// Backend is "local" (bleve + hnsw, in process) or "qdrant".
	Backend string `yaml:"backend"`

	// CollectionPrefix prefixes physical collection names, e.g.
	// "rice_" yields "rice_default_v1".
	CollectionPrefix string `yaml:"collection_prefix"`

	// Qdrant settings (ignored for the local backend).
	QdrantHost   string `yaml:"qdrant_host"`
	QdrantPort   int    `yaml:"qdrant_port"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`
	QdrantUseTLS bool   `yaml:"qdrant_use_tls"`
}

// MLBackend names a capability backend implementation.
type MLBackend string

const (
	MLBackendStub   MLBackend = "stub"
	MLBackendRemote MLBackend = "remote-http"
	MLBackendGPU    MLBackend = "gpu-accelerated"
)

// MLFailurePolicy selects what happens when a remote capability call fails.
type MLFailurePolicy string

const (
	// FailurePolicyFallback falls back to the in-process stub.
	FailurePolicyFallback MLFailurePolicy = "fallback"
	// FailurePolicySurface returns the error to the caller.
	FailurePolicySurface MLFailurePolicy = "surface"
	// FailurePolicyBreaker trips a circuit breaker and fails fast.
	FailurePolicyBreaker MLFailurePolicy = "circuit-breaker"
)

// MLCapabilityConfig configures one ML capability.
type MLCapabilityConfig struct {
	Backend       MLBackend       `yaml:"backend"`
	Endpoint      string          `yaml:"endpoint"`
	Model         string          `yaml:"model"`
	FailurePolicy MLFailurePolicy `yaml:"failure_policy"`
}

// MLConfig configures the capability gateway.
type MLConfig struct {
	Embed       MLCapabilityConfig `yaml:"embed"`
	Sparse      MLCapabilityConfig `yaml:"sparse"`
	Rerank      MLCapabilityConfig `yaml:"rerank"`
	Classify    MLCapabilityConfig `yaml:"classify"`
	CacheSize   int                `yaml:"cache_size"`
	CallTimeout time.Duration      `yaml:"call_timeout"`
}

// IndexConfig bounds the ingest pipeline.
type IndexConfig struct {
	// Workers bounds concurrent per-document indexing.
	Workers int `yaml:"workers"`

	// EncodeBatchSize bounds how many chunks are encoded per gateway call.
	EncodeBatchSize int `yaml:"encode_batch_size"`

	// UpsertBatchSize bounds how many points go to the engine per upsert.
	UpsertBatchSize int `yaml:"upsert_batch_size"`

	// QueueDepth bounds pending ingest work before rejecting with throttle.
	QueueDepth int `yaml:"queue_depth"`

	// MaxFilesPerStore caps tracked files per store (0 = unlimited).
	MaxFilesPerStore int `yaml:"max_files_per_store"`
}

// SearchConfig holds retrieval and rerank defaults.
type SearchConfig struct {
	// PrefetchLimit is the per-retriever candidate count before fusion.
	PrefetchLimit int `yaml:"prefetch_limit"`

	// RRFConstant is the fusion smoothing constant k.
	RRFConstant int `yaml:"rrf_constant"`

	// RerankPass1TopK bounds pass-1 cross-encoder candidates.
	RerankPass1TopK int `yaml:"rerank_pass1_top_k"`

	// RerankPass2TopM bounds pass-2 candidates.
	RerankPass2TopM int `yaml:"rerank_pass2_top_m"`

	// HighConfidence is the pass-1 early-exit score threshold.
	HighConfidence float64 `yaml:"high_confidence"`

	// SkipMargin is the top-score gap that allows skipping rerank when the
	// sparse and dense top-3 agree.
	SkipMargin float64 `yaml:"skip_margin"`

	// Timeout bounds a whole search request.
	Timeout time.Duration `yaml:"timeout"`
}

// PostRankConfig configures the post-ranking pipeline defaults.
type PostRankConfig struct {
	EnableDedup      bool    `yaml:"enable_dedup"`
	DedupThreshold   float64 `yaml:"dedup_threshold"`
	PreserveTop      int     `yaml:"preserve_top"`
	PreferLonger     bool    `yaml:"prefer_longer"`
	EnableDiversity  bool    `yaml:"enable_diversity"`
	DiversityLambda  float64 `yaml:"diversity_lambda"`
	GroupByFile      bool    `yaml:"group_by_file"`
	MaxPerFile       int     `yaml:"max_per_file"`
}

// TelemetryConfig configures the telemetry collector and query log.
type TelemetryConfig struct {
	// RingSize is the number of recent request records kept in memory.
	RingSize int `yaml:"ring_size"`

	// QueryLogMaxSizeMB rotates query-log files at this size.
	QueryLogMaxSizeMB int `yaml:"query_log_max_size_mb"`

	// FlushInterval is the query-log buffer flush period.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// RedisAddr enables the redis persistence sink when non-empty.
	RedisAddr string `yaml:"redis_addr"`

	// EventLogEnabled appends every bus event to a rotating JSONL file
	// under the data dir.
	EventLogEnabled bool `yaml:"event_log_enabled"`

	// EventLogMaxSizeMB rotates the event log at this size.
	EventLogMaxSizeMB int `yaml:"event_log_max_size_mb"`

	// EventLogMaxFiles bounds rotated event-log files kept.
	EventLogMaxFiles int `yaml:"event_log_max_files"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	FilePath  string `yaml:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir: filepath.Join(home, ".rice"),
		Server: ServerConfig{
			HTTPAddr:        "127.0.0.1:7700",
			GRPCAddr:        "127.0.0.1:7701",
			ShutdownTimeout: 20 * time.Second,
			PanicCooldown:   30 * time.Second,
		},
		Engine: EngineConfig{
			Backend:          "local",
			CollectionPrefix: "rice_",
			QdrantHost:       "localhost",
			QdrantPort:       6334,
		},
		ML: MLConfig{
			Embed:       MLCapabilityConfig{Backend: MLBackendStub, FailurePolicy: FailurePolicyFallback},
			Sparse:      MLCapabilityConfig{Backend: MLBackendStub, FailurePolicy: FailurePolicyFallback},
			Rerank:      MLCapabilityConfig{Backend: MLBackendStub, FailurePolicy: FailurePolicySurface},
			Classify:    MLCapabilityConfig{Backend: MLBackendStub, FailurePolicy: FailurePolicyFallback},
			CacheSize:   4096,
			CallTimeout: 30 * time.Second,
		},
		Index: IndexConfig{
			Workers:         4,
			EncodeBatchSize: 32,
			UpsertBatchSize: 128,
			QueueDepth:      256,
		},
		Search: SearchConfig{
			PrefetchLimit:   100,
			RRFConstant:     60,
			RerankPass1TopK: 40,
			RerankPass2TopM: 10,
			HighConfidence:  0.9,
			SkipMargin:      0.15,
			Timeout:         10 * time.Second,
		},
		PostRank: PostRankConfig{
			EnableDedup:     true,
			DedupThreshold:  0.85,
			PreserveTop:     3,
			EnableDiversity: true,
			DiversityLambda: 0.7,
			MaxPerFile:      3,
		},
		Telemetry: TelemetryConfig{
			RingSize:          1024,
			QueryLogMaxSizeMB: 50,
			FlushInterval:     5 * time.Second,
			EventLogMaxSizeMB: 50,
			EventLogMaxFiles:  5,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// Load reads the configuration file at path, applying defaults for absent
// sections and environment overrides last. An empty path returns defaults.
// Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment scripts override placement and listeners
// without editing the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("RICE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RICE_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("RICE_GRPC_ADDR"); v != "" {
		c.Server.GRPCAddr = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch c.Engine.Backend {
	case "local", "qdrant":
	default:
		return fmt.Errorf("engine.backend must be local or qdrant, got %q", c.Engine.Backend)
	}
	if c.Index.Workers <= 0 {
		return fmt.Errorf("index.workers must be positive")
	}
	if c.Index.EncodeBatchSize <= 0 || c.Index.UpsertBatchSize <= 0 {
		return fmt.Errorf("index batch sizes must be positive")
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive")
	}
	if c.PostRank.DedupThreshold < 0 || c.PostRank.DedupThreshold > 1 {
		return fmt.Errorf("post_rank.dedup_threshold must be in [0,1]")
	}
	if c.PostRank.DiversityLambda < 0 || c.PostRank.DiversityLambda > 1 {
		return fmt.Errorf("post_rank.diversity_lambda must be in [0,1]")
	}
	return nil
}

// LoggingSetup converts the YAML logging section into a logging.Config.
func (c *Config) LoggingSetup() logging.Config {
	return logging.Config{
		Level:         c.Logging.Level,
		FilePath:      c.Logging.FilePath,
		MaxSizeMB:     c.Logging.MaxSizeMB,
		MaxFiles:      c.Logging.MaxFiles,
		WriteToStderr: true,
	}
}

// QueryLogDir returns the query-log root below the data dir.
func (c *Config) QueryLogDir() string {
	return filepath.Join(c.DataDir, "query-logs")
}

// StoreMetadataDir returns the registry metadata root.
func (c *Config) StoreMetadataDir() string {
	return filepath.Join(c.DataDir, "stores")
}

// FileTrackerDir returns the file-tracker root.
func (c *Config) FileTrackerDir() string {
	return filepath.Join(c.DataDir, "file-tracker")
}

// EventLogPath returns the bus event-log file below the data dir.
func (c *Config) EventLogPath() string {
	return filepath.Join(c.DataDir, "events", "events.jsonl")
}
