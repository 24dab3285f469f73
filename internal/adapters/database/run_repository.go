package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mechatroNick/dagster/internal/domain"
)

// PostgresRunRegistry persists run records in the runs table.
type PostgresRunRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRunRegistry(pool *pgxpool.Pool) *PostgresRunRegistry {
	return &PostgresRunRegistry{pool: pool}
}

func (r *PostgresRunRegistry) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusNotStarted
	}

	const query = `
		INSERT INTO runs (id, workflow_name, step_subset, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query, run.ID, run.WorkflowName, run.StepSubset, string(run.Status)).
		Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", run.ID, err)
	}
	return nil
}

func (r *PostgresRunRegistry) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	const query = `
		SELECT id, workflow_name, step_subset, status, created_at, updated_at
		FROM runs WHERE id = $1`

	var run domain.Run
	var status string
	err := r.pool.QueryRow(ctx, query, id).
		Scan(&run.ID, &run.WorkflowName, &run.StepSubset, &status, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
		}
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	run.Status = domain.RunStatus(status)
	return &run, nil
}

func (r *PostgresRunRegistry) SetRunStatus(ctx context.Context, id string, status domain.RunStatus) error {
	// Terminal statuses are immutable; the guard lives in the UPDATE
	// predicate so concurrent writers cannot both win.
	const query = `
		UPDATE runs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('SUCCESS', 'FAILURE')`

	tag, err := r.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("updating status of run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.GetRun(ctx, id)
		if getErr != nil {
			return getErr
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("run %s: %w", id, domain.ErrRunFinished)
		}
		return fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
	}
	return nil
}
