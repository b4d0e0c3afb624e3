package storage

import (
	"context"
	"path/filepath"
	"testing"

	"deposit-hold-service/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, err := Open(ctx, &config.Config{Storage: config.StorageConfig{Backend: "memory"}}, zerolog.Nop())
		require.NoError(t, err)
		defer store.Close()
		assert.NotNil(t, store.Deposits)
		assert.Nil(t, store.Health)
	})

	t.Run("bolt", func(t *testing.T) {
		cfg := &config.Config{Storage: config.StorageConfig{
			Backend:  "bolt",
			BoltPath: filepath.Join(t.TempDir(), "deposits.db"),
		}}
		store, err := Open(ctx, cfg, zerolog.Nop())
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, "bolt", store.Health.Name())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Open(ctx, &config.Config{Storage: config.StorageConfig{Backend: "sqlite"}}, zerolog.Nop())
		assert.Error(t, err)
	})
}
