// Package storage picks the repository backend named by storage.backend.
package storage

import (
	"context"
	"fmt"

	"deposit-hold-service/config"
	"deposit-hold-service/internal/adapter/storage/boltdb"
	"deposit-hold-service/internal/adapter/storage/memory"
	"deposit-hold-service/internal/adapter/storage/postgres"
	"deposit-hold-service/internal/core/ports"

	"github.com/rs/zerolog"
)

// Open builds the configured backend. The choice is made once at startup.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*ports.Store, error) {
	log = log.With().Str("component", "storage").Str("backend", cfg.Storage.Backend).Logger()

	switch cfg.Storage.Backend {
	case "postgres":
		return postgres.NewStore(ctx, cfg.Database, log)
	case "bolt":
		return boltdb.NewStore(cfg.Storage.BoltPath, log)
	case "memory":
		log.Warn().Msg("using in-memory storage, nothing survives a restart")
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
