package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const MigrationSQL = `
-- Runs table
CREATE TABLE runs (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	workflow_name VARCHAR(255) NOT NULL,
	step_subset TEXT[],
	status TEXT NOT NULL DEFAULT 'NOT_STARTED'
		CHECK (status IN ('NOT_STARTED', 'STARTED', 'SUCCESS', 'FAILURE')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Run events table (append-only)
CREATE TABLE run_events (
	run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	sequence_no BIGINT NOT NULL,
	step_key TEXT,
	kind TEXT NOT NULL,
	payload JSONB,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (run_id, sequence_no)
);

-- Indexes
CREATE INDEX idx_runs_status ON runs(status);
CREATE INDEX idx_run_events_run_id ON run_events(run_id);
CREATE INDEX idx_run_events_kind ON run_events(run_id, kind);
`

func SetupTestDatabase(t *testing.T, ctx context.Context) (testcontainers.Container, *pgxpool.Pool) {
	// Start PostgreSQL container
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("dagster_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	// Get connection string
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Create connection pool
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	// Run migrations
	_, err = pool.Exec(ctx, MigrationSQL)
	require.NoError(t, err)

	return pgContainer, pool
}

func CleanupTestDatabase(t *testing.T, ctx context.Context, container testcontainers.Container, pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
	if container != nil {
		err := container.Terminate(ctx)
		require.NoError(t, err)
	}
}

func TruncateTables(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, "TRUNCATE TABLE runs CASCADE")
	require.NoError(t, err)
}
