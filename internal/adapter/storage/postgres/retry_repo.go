package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/pkg/apperror"

	"github.com/jackc/pgx/v5"
)

const retryTaskColumns = `id, kind, payload, attempts, next_attempt_at, dead_letter, last_error, created_at, updated_at`

// RetryTaskRepo implements ports.RetryTaskRepository.
type RetryTaskRepo struct {
	pool Pool
	now  func() time.Time
}

// NewRetryTaskRepo creates a new RetryTaskRepo.
func NewRetryTaskRepo(pool Pool) *RetryTaskRepo {
	return &RetryTaskRepo{pool: pool, now: time.Now}
}

func (r *RetryTaskRepo) Create(ctx context.Context, t *domain.RetryTask) error {
	query := `INSERT INTO retry_tasks (` + retryTaskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		t.ID, string(t.Kind), []byte(t.Payload), t.Attempts, t.NextAttemptAt,
		t.DeadLetter, t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return apperror.ErrAlreadyExists("retry task")
		}
		return fmt.Errorf("insert retry task: %w", err)
	}
	return nil
}

func (r *RetryTaskRepo) Get(ctx context.Context, id string) (*domain.RetryTask, error) {
	t, err := scanRetryTask(r.pool.QueryRow(ctx, `SELECT `+retryTaskColumns+` FROM retry_tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.ErrNotFound("retry task")
		}
		return nil, fmt.Errorf("get retry task: %w", err)
	}
	return t, nil
}

// Update locks the row for the duration of updater, so two workers claiming
// the same task are serialized.
func (r *RetryTaskRepo) Update(ctx context.Context, id string, updater ports.RetryTaskUpdater) (*domain.RetryTask, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry task update: %w", err)
	}

	t, err := scanRetryTask(tx.QueryRow(ctx, `SELECT `+retryTaskColumns+` FROM retry_tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.ErrNotFound("retry task")
		}
		return nil, fmt.Errorf("get retry task for update: %w", err)
	}

	if err := updater(t); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	t.UpdatedAt = r.now()

	query := `UPDATE retry_tasks
		SET attempts = $1, next_attempt_at = $2, dead_letter = $3, last_error = $4, updated_at = $5
		WHERE id = $6`
	if _, err := tx.Exec(ctx, query, t.Attempts, t.NextAttemptAt, t.DeadLetter, t.LastError, t.UpdatedAt, id); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("update retry task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retry task update: %w", err)
	}
	return t, nil
}

func (r *RetryTaskRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM retry_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete retry task: %w", err)
	}
	return nil
}

func (r *RetryTaskRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.RetryTask, error) {
	query := `SELECT ` + retryTaskColumns + ` FROM retry_tasks
		WHERE dead_letter = FALSE AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, now, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list due retry tasks: %w", err)
	}
	return collectRetryTasks(rows)
}

func (r *RetryTaskRepo) ListDeadLetters(ctx context.Context, limit int) ([]*domain.RetryTask, error) {
	query := `SELECT ` + retryTaskColumns + ` FROM retry_tasks
		WHERE dead_letter = TRUE
		ORDER BY updated_at DESC
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return collectRetryTasks(rows)
}

func (r *RetryTaskRepo) Counts(ctx context.Context) (domain.RetryCounts, error) {
	var c domain.RetryCounts
	query := `SELECT
			COUNT(*) FILTER (WHERE dead_letter = FALSE),
			COUNT(*) FILTER (WHERE dead_letter = TRUE)
		FROM retry_tasks`
	if err := r.pool.QueryRow(ctx, query).Scan(&c.Pending, &c.DeadLetter); err != nil {
		return c, fmt.Errorf("count retry tasks: %w", err)
	}
	return c, nil
}

func scanRetryTask(row pgx.Row) (*domain.RetryTask, error) {
	t := &domain.RetryTask{}
	var (
		kind    string
		payload []byte
	)
	err := row.Scan(&t.ID, &kind, &payload, &t.Attempts, &t.NextAttemptAt,
		&t.DeadLetter, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = domain.RetryTaskKind(kind)
	t.Payload = payload
	return t, nil
}

func collectRetryTasks(rows pgx.Rows) ([]*domain.RetryTask, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.RetryTask, error) {
		return scanRetryTask(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan retry tasks: %w", err)
	}
	return out, nil
}
