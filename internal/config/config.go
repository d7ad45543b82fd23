// Package config provides application configuration with multi-source priority.
//
// Sources (highest to lowest):
//  1. Environment variables (GROUNDER_ prefix, dots become underscores)
//  2. Config file (~/.grounder/config.yaml or --config)
//  3. Defaults
//
// Validation happens once at load; an invalid configuration is the only
// process-fatal condition in the engine, surfaced before any component starts.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors, checked with errors.Is.
var (
	ErrConfigNil                = errors.New("configuration is nil")
	ErrInvalidModelName         = errors.New("invalid model name")
	ErrInvalidEmbedderModel     = errors.New("invalid embedder model")
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")
	ErrInvalidChunkParams       = errors.New("invalid chunk parameters")
	ErrInvalidMinScore          = errors.New("invalid retrieval min score")
	ErrInvalidTopK              = errors.New("invalid retrieval top k")
	ErrInvalidWorkerCount       = errors.New("invalid ingest worker count")
	ErrInvalidMaxAttempts       = errors.New("invalid ingest max attempts")
	ErrInvalidMemoryInterval    = errors.New("invalid memory interval")
	ErrInvalidPostgresHost      = errors.New("invalid PostgreSQL host")
	ErrInvalidPostgresPort      = errors.New("invalid PostgreSQL port")
	ErrInvalidPostgresDBName    = errors.New("invalid PostgreSQL database name")
	ErrInvalidPostgresSSLMode   = errors.New("invalid PostgreSQL SSL mode")
)

// Defaults.
const (
	DefaultModelName     = "googleai/gemini-2.5-flash"
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultEmbedderDimension matches the pgvector schema; see
	// db/migrations. gemini-embedding-001 supports truncation to 768
	// via OutputDimensionality.
	DefaultEmbedderDimension = 768

	DefaultChunkTargetTokens  = 400
	DefaultChunkOverlapTokens = 40

	// DefaultMinScore is the similarity below which retrieval reports no
	// grounding. The source material leaves this unspecified; 0.35 keeps
	// marginally related spans out of grounded answers while letting
	// paraphrased queries through. Override with retrieval.min_score.
	DefaultMinScore = 0.35

	DefaultTopK = 5

	DefaultIngestWorkers     = 4
	DefaultIngestMaxAttempts = 5

	DefaultMemoryInterval      = 10 * time.Minute
	DefaultMemoryInactiveAfter = 30 * time.Minute
	DefaultMemoryFailureCap    = 3

	DefaultHistoryLimit = 20
	DefaultServerAddr   = ":8080"
	DefaultRateBurst    = 60
	DefaultRatePerSec   = 1.0
	DefaultUploadsDir   = "uploads"
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON; update it when
// adding passwords, API keys, or tokens.
type Config struct {
	// AI provider and models
	ModelName         string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel     string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderDimension int    `mapstructure:"embedder_dimension" json:"embedder_dimension"`

	// Chunking
	ChunkTargetTokens  int `mapstructure:"chunk_target_tokens" json:"chunk_target_tokens"`
	ChunkOverlapTokens int `mapstructure:"chunk_overlap_tokens" json:"chunk_overlap_tokens"`

	// Retrieval
	MinScore float64 `mapstructure:"min_score" json:"min_score"`
	TopK     int     `mapstructure:"top_k" json:"top_k"`

	// Ingestion
	IngestWorkers     int `mapstructure:"ingest_workers" json:"ingest_workers"`
	IngestMaxAttempts int `mapstructure:"ingest_max_attempts" json:"ingest_max_attempts"`

	// Memory summarization
	MemoryInterval      time.Duration `mapstructure:"memory_interval" json:"memory_interval"`
	MemoryInactiveAfter time.Duration `mapstructure:"memory_inactive_after" json:"memory_inactive_after"`
	MemoryFailureCap    int           `mapstructure:"memory_failure_cap" json:"memory_failure_cap"`

	// Chat
	HistoryLimit int `mapstructure:"history_limit" json:"history_limit"`

	// HTTP server
	ServerAddr string  `mapstructure:"server_addr" json:"server_addr"`
	RateBurst  int     `mapstructure:"rate_burst" json:"rate_burst"`
	RatePerSec float64 `mapstructure:"rate_per_sec" json:"rate_per_sec"`
	TrustProxy bool    `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Storage
	UploadsDir string   `mapstructure:"uploads_dir" json:"uploads_dir"`
	Postgres   Postgres `mapstructure:"postgres" json:"postgres"`
}

// Load reads configuration from file (optional), environment, and defaults.
// configFile may be empty, in which case only env vars and defaults apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("GROUNDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embedder_dimension", DefaultEmbedderDimension)
	v.SetDefault("chunk_target_tokens", DefaultChunkTargetTokens)
	v.SetDefault("chunk_overlap_tokens", DefaultChunkOverlapTokens)
	v.SetDefault("min_score", DefaultMinScore)
	v.SetDefault("top_k", DefaultTopK)
	v.SetDefault("ingest_workers", DefaultIngestWorkers)
	v.SetDefault("ingest_max_attempts", DefaultIngestMaxAttempts)
	v.SetDefault("memory_interval", DefaultMemoryInterval)
	v.SetDefault("memory_inactive_after", DefaultMemoryInactiveAfter)
	v.SetDefault("memory_failure_cap", DefaultMemoryFailureCap)
	v.SetDefault("history_limit", DefaultHistoryLimit)
	v.SetDefault("server_addr", DefaultServerAddr)
	v.SetDefault("rate_burst", DefaultRateBurst)
	v.SetDefault("rate_per_sec", DefaultRatePerSec)
	v.SetDefault("uploads_dir", DefaultUploadsDir)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "grounder")
	v.SetDefault("postgres.dbname", "grounder")
	v.SetDefault("postgres.sslmode", "disable")
}

// MarshalJSON masks sensitive fields so a Config can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.Postgres.Password = maskSecret(a.Postgres.Password)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
