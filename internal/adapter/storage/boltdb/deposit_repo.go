package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"

	"github.com/boltdb/bolt"
)

// DepositRepo implements ports.DepositRepository. Deposits are JSON values
// keyed by ID.
type DepositRepo struct {
	db  *bolt.DB
	now func() time.Time
}

func NewDepositRepo(db *bolt.DB) *DepositRepo {
	return &DepositRepo{db: db, now: time.Now}
}

func (r *DepositRepo) List(_ context.Context) ([]*domain.Deposit, error) {
	out, err := r.scan(func(*domain.Deposit) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *DepositRepo) FindByID(_ context.Context, id string) (*domain.Deposit, error) {
	var d *domain.Deposit
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = getDeposit(tx.Bucket(bucketDeposits), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DepositRepo) Create(_ context.Context, deposit *domain.Deposit) error {
	if err := deposit.CheckInvariants(); err != nil {
		return err
	}
	stored := deposit.Clone()
	stored.Version = 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = r.now()
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		if b.Get([]byte(stored.ID)) != nil {
			return apperror.ErrAlreadyExists("deposit")
		}
		return putJSON(b, stored.ID, stored)
	})
	if err != nil {
		return err
	}
	deposit.Version = 1
	return nil
}

// Update applies updater inside a bolt write transaction. Bolt allows one
// writer at a time, so the read-modify-write cannot interleave with another.
func (r *DepositRepo) Update(_ context.Context, id string, updater ports.DepositUpdater) (*domain.Deposit, error) {
	var result *domain.Deposit
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		d, err := getDeposit(b, id)
		if err != nil {
			return err
		}
		version := d.Version
		if err := updater(d); err != nil {
			return err
		}
		if err := d.CheckInvariants(); err != nil {
			return err
		}
		d.Version = version + 1
		d.UpdatedAt = r.now()
		result = d
		return putJSON(b, id, d)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *DepositRepo) ListReauthCandidates(_ context.Context, cutoff time.Time, limit int) ([]*domain.Deposit, error) {
	out, err := r.scan(func(d *domain.Deposit) bool {
		return d.Status == domain.DepositStatusAuthorized && d.ReauthRetryTaskID == "" &&
			d.LastAuthorizationAt != nil && !d.LastAuthorizationAt.After(cutoff)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAuthorizationAt.Before(*out[j].LastAuthorizationAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DepositRepo) scan(match func(*domain.Deposit) bool) ([]*domain.Deposit, error) {
	var out []*domain.Deposit
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeposits).ForEach(func(_, v []byte) error {
			d := &domain.Deposit{}
			if err := json.Unmarshal(v, d); err != nil {
				return fmt.Errorf("decode deposit: %w", err)
			}
			if match(d) {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

func getDeposit(b *bolt.Bucket, id string) (*domain.Deposit, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, apperror.ErrNotFound("deposit")
	}
	d := &domain.Deposit{}
	if err := json.Unmarshal(v, d); err != nil {
		return nil, fmt.Errorf("decode deposit %s: %w", id, err)
	}
	return d, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}
