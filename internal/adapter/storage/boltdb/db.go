// Package boltdb persists deposits, retry tasks and processed webhook events
// in a single BoltDB file. Each write is one serialized bolt transaction, so
// it suits a single instance that wants durability without a database server.
package boltdb

import (
	"context"
	"fmt"
	"time"

	"deposit-hold-service/internal/core/ports"

	"github.com/boltdb/bolt"
	"github.com/rs/zerolog"
)

var (
	bucketDeposits   = []byte("deposits")
	bucketRetryTasks = []byte("retry_tasks")
	bucketEvents     = []byte("webhook_events")
)

// Open opens (or creates) the database file and makes sure every bucket exists.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt file %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDeposits, bucketRetryTasks, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}
	return db, nil
}

// NewStore opens path and returns the repositories backed by it.
func NewStore(path string, log zerolog.Logger) (*ports.Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("BoltDB store opened")

	return &ports.Store{
		Deposits:   NewDepositRepo(db),
		RetryTasks: NewRetryTaskRepo(db),
		Events:     NewEventStore(db),
		Health:     NewHealthCheck(db),
		Close: func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("closing bolt store")
			}
		},
	}, nil
}

// HealthCheck implements ports.HealthChecker for the bolt file.
type HealthCheck struct {
	db *bolt.DB
}

func NewHealthCheck(db *bolt.DB) *HealthCheck {
	return &HealthCheck{db: db}
}

// Ping opens a read transaction, which fails once the file is closed.
func (h *HealthCheck) Ping(_ context.Context) error {
	return h.db.View(func(*bolt.Tx) error { return nil })
}

func (h *HealthCheck) Name() string {
	return "bolt"
}
