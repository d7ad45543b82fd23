package config

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// validConfig returns a Config that passes Validate.
func validConfig() *Config {
	return &Config{
		ModelName:           DefaultModelName,
		EmbedderModel:       DefaultEmbedderModel,
		EmbedderDimension:   DefaultEmbedderDimension,
		ChunkTargetTokens:   DefaultChunkTargetTokens,
		ChunkOverlapTokens:  DefaultChunkOverlapTokens,
		MinScore:            DefaultMinScore,
		TopK:                DefaultTopK,
		IngestWorkers:       DefaultIngestWorkers,
		IngestMaxAttempts:   DefaultIngestMaxAttempts,
		MemoryInterval:      DefaultMemoryInterval,
		MemoryInactiveAfter: DefaultMemoryInactiveAfter,
		MemoryFailureCap:    DefaultMemoryFailureCap,
		HistoryLimit:        DefaultHistoryLimit,
		ServerAddr:          DefaultServerAddr,
		RateBurst:           DefaultRateBurst,
		RatePerSec:          DefaultRatePerSec,
		Postgres: Postgres{
			Host:    "localhost",
			Port:    5432,
			User:    "grounder",
			DBName:  "grounder",
			SSLMode: "disable",
		},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.ModelName != DefaultModelName {
		t.Errorf("ModelName = %q, want %q", cfg.ModelName, DefaultModelName)
	}
	if cfg.EmbedderDimension != DefaultEmbedderDimension {
		t.Errorf("EmbedderDimension = %d, want %d", cfg.EmbedderDimension, DefaultEmbedderDimension)
	}
	if cfg.MinScore != DefaultMinScore {
		t.Errorf("MinScore = %g, want %g", cfg.MinScore, DefaultMinScore)
	}
	if cfg.MemoryInterval != DefaultMemoryInterval {
		t.Errorf("MemoryInterval = %v, want %v", cfg.MemoryInterval, DefaultMemoryInterval)
	}
	if cfg.RatePerSec != DefaultRatePerSec {
		t.Errorf("RatePerSec = %g, want %g", cfg.RatePerSec, DefaultRatePerSec)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}, wantErr: nil},
		{name: "empty model", mutate: func(c *Config) { c.ModelName = "" }, wantErr: ErrInvalidModelName},
		{name: "empty embedder", mutate: func(c *Config) { c.EmbedderModel = "" }, wantErr: ErrInvalidEmbedderModel},
		{name: "zero dimension", mutate: func(c *Config) { c.EmbedderDimension = 0 }, wantErr: ErrInvalidEmbedderDimension},
		{name: "huge dimension", mutate: func(c *Config) { c.EmbedderDimension = 8192 }, wantErr: ErrInvalidEmbedderDimension},
		{name: "zero chunk target", mutate: func(c *Config) { c.ChunkTargetTokens = 0 }, wantErr: ErrInvalidChunkParams},
		{name: "overlap >= target", mutate: func(c *Config) { c.ChunkOverlapTokens = c.ChunkTargetTokens }, wantErr: ErrInvalidChunkParams},
		{name: "negative min score", mutate: func(c *Config) { c.MinScore = -0.1 }, wantErr: ErrInvalidMinScore},
		{name: "min score 1", mutate: func(c *Config) { c.MinScore = 1 }, wantErr: ErrInvalidMinScore},
		{name: "zero top k", mutate: func(c *Config) { c.TopK = 0 }, wantErr: ErrInvalidTopK},
		{name: "zero workers", mutate: func(c *Config) { c.IngestWorkers = 0 }, wantErr: ErrInvalidWorkerCount},
		{name: "zero attempts", mutate: func(c *Config) { c.IngestMaxAttempts = 0 }, wantErr: ErrInvalidMaxAttempts},
		{name: "zero memory interval", mutate: func(c *Config) { c.MemoryInterval = 0 }, wantErr: ErrInvalidMemoryInterval},
		{name: "negative inactive after", mutate: func(c *Config) { c.MemoryInactiveAfter = -time.Minute }, wantErr: ErrInvalidMemoryInterval},
		{name: "empty host", mutate: func(c *Config) { c.Postgres.Host = "" }, wantErr: ErrInvalidPostgresHost},
		{name: "bad port", mutate: func(c *Config) { c.Postgres.Port = 70000 }, wantErr: ErrInvalidPostgresPort},
		{name: "empty dbname", mutate: func(c *Config) { c.Postgres.DBName = "" }, wantErr: ErrInvalidPostgresDBName},
		{name: "bad sslmode", mutate: func(c *Config) { c.Postgres.SSLMode = "maybe" }, wantErr: ErrInvalidPostgresSSLMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	var cfg *Config
	if !errors.Is(cfg.Validate(), ErrConfigNil) {
		t.Error("Validate() on nil config should return ErrConfigNil")
	}
}

func TestMarshalJSON_MasksPassword(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "super-secret"

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "super-secret") {
		t.Error("marshaled config leaks the password")
	}
	if !strings.Contains(string(data), "****") {
		t.Error("marshaled config missing mask")
	}
}

func TestPostgres_ConnURL(t *testing.T) {
	p := Postgres{Host: "db.internal", Port: 5433, User: "app", Password: "p@ss", DBName: "grounder", SSLMode: "require"}
	got := p.ConnURL()

	if !strings.HasPrefix(got, "postgres://") {
		t.Errorf("ConnURL() = %q, want postgres:// scheme", got)
	}
	if !strings.Contains(got, "db.internal:5433") {
		t.Errorf("ConnURL() = %q, missing host:port", got)
	}
	if !strings.Contains(got, "sslmode=require") {
		t.Errorf("ConnURL() = %q, missing sslmode", got)
	}
	// Password must be URL-escaped, not raw.
	if strings.Contains(got, "p@ss@") {
		t.Errorf("ConnURL() = %q, password not escaped", got)
	}
}
