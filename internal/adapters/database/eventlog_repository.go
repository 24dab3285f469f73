package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mechatroNick/dagster/internal/domain"
)

// PostgresEventLog stores run events in the run_events table. Appends for
// one run are serialized by locking the run's row, which keeps sequence
// numbers gapless and strictly increasing per run regardless of how many
// writers (launcher, worker process) share the table.
type PostgresEventLog struct {
	pool *pgxpool.Pool
}

func NewPostgresEventLog(pool *pgxpool.Pool) *PostgresEventLog {
	return &PostgresEventLog{pool: pool}
}

func (l *PostgresEventLog) Append(ctx context.Context, runID string, kind domain.EventKind, stepKey string, payload json.RawMessage) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning append for run %s: %w", runID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT 1 FROM runs WHERE id = $1 FOR UPDATE`, runID); err != nil {
		return 0, fmt.Errorf("locking run %s: %w", runID, err)
	}

	var seq int64
	const query = `
		INSERT INTO run_events (run_id, sequence_no, step_key, kind, payload)
		SELECT $1, COALESCE(MAX(sequence_no), 0) + 1, $2, $3, $4
		FROM run_events WHERE run_id = $1
		RETURNING sequence_no`
	var payloadArg any
	if len(payload) > 0 {
		payloadArg = payload
	}
	var stepKeyArg any
	if stepKey != "" {
		stepKeyArg = stepKey
	}
	if err := tx.QueryRow(ctx, query, runID, stepKeyArg, string(kind), payloadArg).Scan(&seq); err != nil {
		return 0, fmt.Errorf("appending event for run %s: %w", runID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing append for run %s: %w", runID, err)
	}
	return seq, nil
}

func (l *PostgresEventLog) Query(ctx context.Context, runID string) ([]domain.EventRecord, error) {
	const query = `
		SELECT run_id, sequence_no, COALESCE(step_key, ''), kind, payload, timestamp
		FROM run_events WHERE run_id = $1
		ORDER BY sequence_no`

	rows, err := l.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("querying events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var records []domain.EventRecord
	for rows.Next() {
		var record domain.EventRecord
		var kind string
		if err := rows.Scan(&record.RunID, &record.SequenceNo, &record.StepKey, &kind, &record.Payload, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event for run %s: %w", runID, err)
		}
		record.Kind = domain.EventKind(kind)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading events for run %s: %w", runID, err)
	}
	return records, nil
}
