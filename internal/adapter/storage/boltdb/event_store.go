package boltdb

import (
	"context"
	"time"

	"github.com/boltdb/bolt"
)

// EventStore implements ports.WebhookEventStore. Values are the RFC 3339
// processing time.
type EventStore struct {
	db *bolt.DB
}

func NewEventStore(db *bolt.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketEvents).Get([]byte(eventID)) != nil
		return nil
	})
	return found, err
}

func (s *EventStore) MarkProcessed(_ context.Context, eventID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b.Get([]byte(eventID)) != nil {
			return nil
		}
		return b.Put([]byte(eventID), []byte(at.UTC().Format(time.RFC3339Nano)))
	})
}

func (s *EventStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			at, err := time.Parse(time.RFC3339Nano, string(v))
			if err == nil && at.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
