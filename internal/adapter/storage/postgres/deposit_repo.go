package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"

	"github.com/jackc/pgx/v5"
)

// DepositRepo implements ports.DepositRepository. The deposit is stored as a
// JSONB document; the columns the scheduler filters on are kept alongside it.
type DepositRepo struct {
	pool Pool
	now  func() time.Time
}

// NewDepositRepo creates a new DepositRepo.
func NewDepositRepo(pool Pool) *DepositRepo {
	return &DepositRepo{pool: pool, now: time.Now}
}

func (r *DepositRepo) List(ctx context.Context) ([]*domain.Deposit, error) {
	rows, err := r.pool.Query(ctx, `SELECT document, version FROM deposits ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	return collectDeposits(rows)
}

func (r *DepositRepo) FindByID(ctx context.Context, id string) (*domain.Deposit, error) {
	d, err := scanDeposit(r.pool.QueryRow(ctx, `SELECT document, version FROM deposits WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.ErrNotFound("deposit")
		}
		return nil, fmt.Errorf("get deposit by id: %w", err)
	}
	return d, nil
}

func (r *DepositRepo) Create(ctx context.Context, deposit *domain.Deposit) error {
	if err := deposit.CheckInvariants(); err != nil {
		return err
	}
	stored := deposit.Clone()
	stored.Version = 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = r.now()
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode deposit: %w", err)
	}

	query := `INSERT INTO deposits (id, status, last_authorization_at, reauth_retry_task_id, document, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.pool.Exec(ctx, query,
		stored.ID, string(stored.Status), stored.LastAuthorizationAt, stored.ReauthRetryTaskID,
		doc, stored.Version, stored.CreatedAt, stored.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return apperror.ErrAlreadyExists("deposit")
		}
		return fmt.Errorf("insert deposit: %w", err)
	}
	deposit.Version = 1
	return nil
}

// Update reads the current row, applies updater and writes it back only if
// the version did not move in between.
func (r *DepositRepo) Update(ctx context.Context, id string, updater ports.DepositUpdater) (*domain.Deposit, error) {
	current, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := current.Version

	if err := updater(current); err != nil {
		return nil, err
	}
	if err := current.CheckInvariants(); err != nil {
		return nil, err
	}
	current.Version = expected + 1
	current.UpdatedAt = r.now()

	doc, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode deposit: %w", err)
	}

	query := `UPDATE deposits
		SET status = $1, last_authorization_at = $2, reauth_retry_task_id = $3, document = $4, version = $5, updated_at = $6
		WHERE id = $7 AND version = $8`
	tag, err := r.pool.Exec(ctx, query,
		string(current.Status), current.LastAuthorizationAt, current.ReauthRetryTaskID,
		doc, current.Version, current.UpdatedAt, id, expected,
	)
	if err != nil {
		return nil, fmt.Errorf("update deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperror.ErrConcurrentUpdate("deposit")
	}
	return current, nil
}

func (r *DepositRepo) ListReauthCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Deposit, error) {
	query := `SELECT document, version FROM deposits
		WHERE status = $1 AND reauth_retry_task_id = '' AND last_authorization_at <= $2
		ORDER BY last_authorization_at
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, string(domain.DepositStatusAuthorized), cutoff, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list reauth candidates: %w", err)
	}
	return collectDeposits(rows)
}

func scanDeposit(row pgx.Row) (*domain.Deposit, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	d := &domain.Deposit{}
	if err := json.Unmarshal(doc, d); err != nil {
		return nil, fmt.Errorf("decode deposit: %w", err)
	}
	d.Version = version
	return d, nil
}

func collectDeposits(rows pgx.Rows) ([]*domain.Deposit, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Deposit, error) {
		return scanDeposit(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan deposits: %w", err)
	}
	return out, nil
}
