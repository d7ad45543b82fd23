package config

import "fmt"

// validSSLModes are the libpq sslmode values pgx accepts.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks all configuration values and returns the first violation.
// Errors wrap the package sentinels for errors.Is checks.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model is empty", ErrInvalidEmbedderModel)
	}
	if c.EmbedderDimension <= 0 || c.EmbedderDimension > 4096 {
		return fmt.Errorf("%w: %d (must be 1-4096)", ErrInvalidEmbedderDimension, c.EmbedderDimension)
	}

	if c.ChunkTargetTokens <= 0 {
		return fmt.Errorf("%w: target tokens %d (must be positive)", ErrInvalidChunkParams, c.ChunkTargetTokens)
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkTargetTokens {
		return fmt.Errorf("%w: overlap %d must be in [0, target %d)", ErrInvalidChunkParams, c.ChunkOverlapTokens, c.ChunkTargetTokens)
	}

	if c.MinScore < 0 || c.MinScore >= 1 {
		return fmt.Errorf("%w: %g (must be in [0, 1))", ErrInvalidMinScore, c.MinScore)
	}
	if c.TopK <= 0 || c.TopK > 100 {
		return fmt.Errorf("%w: %d (must be 1-100)", ErrInvalidTopK, c.TopK)
	}

	if c.IngestWorkers <= 0 || c.IngestWorkers > 64 {
		return fmt.Errorf("%w: %d (must be 1-64)", ErrInvalidWorkerCount, c.IngestWorkers)
	}
	if c.IngestMaxAttempts <= 0 || c.IngestMaxAttempts > 10 {
		return fmt.Errorf("%w: %d (must be 1-10)", ErrInvalidMaxAttempts, c.IngestMaxAttempts)
	}

	if c.MemoryInterval <= 0 {
		return fmt.Errorf("%w: %v (must be positive)", ErrInvalidMemoryInterval, c.MemoryInterval)
	}
	if c.MemoryInactiveAfter <= 0 {
		return fmt.Errorf("%w: inactive-after %v (must be positive)", ErrInvalidMemoryInterval, c.MemoryInactiveAfter)
	}

	if c.Postgres.Host == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.Postgres.Port)
	}
	if c.Postgres.DBName == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.Postgres.SSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.Postgres.SSLMode)
	}

	return nil
}
