// Package history archives terminal task records to Postgres when the
// in-memory registry is cleared.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"admitq/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxErrorLen      = 1024
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS admitq_task_history (
	task_id             TEXT PRIMARY KEY,
	task_type           TEXT NOT NULL,
	status              TEXT NOT NULL,
	priority            INTEGER NOT NULL DEFAULT 0,
	user_id             TEXT,
	description         TEXT NOT NULL DEFAULT '',
	estimated_cpu_cores DOUBLE PRECISION NOT NULL,
	estimated_ram_gb    DOUBLE PRECISION NOT NULL,
	queued_at           TIMESTAMPTZ,
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	result_json         JSONB,
	error               TEXT,
	archived_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS admitq_task_history_user_idx
	ON admitq_task_history (user_id, completed_at DESC);
`

const upsertSQL = `
INSERT INTO admitq_task_history (
	task_id, task_type, status, priority, user_id, description,
	estimated_cpu_cores, estimated_ram_gb, queued_at, started_at, completed_at,
	result_json, error, archived_at
) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), NOW())
ON CONFLICT (task_id) DO UPDATE SET
	task_type = EXCLUDED.task_type,
	status = EXCLUDED.status,
	priority = EXCLUDED.priority,
	user_id = EXCLUDED.user_id,
	description = EXCLUDED.description,
	estimated_cpu_cores = EXCLUDED.estimated_cpu_cores,
	estimated_ram_gb = EXCLUDED.estimated_ram_gb,
	queued_at = EXCLUDED.queued_at,
	started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at,
	result_json = EXCLUDED.result_json,
	error = EXCLUDED.error,
	archived_at = NOW()
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Archive upserts records in one batch. A task ID reused after an earlier
// clear overwrites the older row.
func (s *PostgresStore) Archive(ctx context.Context, records []models.TaskRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		resultJSON, err := encodeResult(rec.Result)
		if err != nil {
			return fmt.Errorf("encode result for %s: %w", rec.ID, err)
		}
		batch.Queue(upsertSQL,
			rec.ID, string(rec.Type), string(rec.Status), rec.Priority, rec.UserID, rec.Description,
			rec.EstimatedCPUCores, rec.EstimatedRAMGB, rec.QueuedAt, rec.StartedAt, rec.CompletedAt,
			resultJSON, truncate(rec.Error, maxErrorLen),
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	for range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("archive task: %w", err)
		}
	}
	return br.Close()
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	UserID string
	Status models.TaskStatus
	Limit  int
}

// List returns archived records, newest first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]models.TaskRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT task_id, task_type, status, priority, COALESCE(user_id, ''), description,
		       estimated_cpu_cores, estimated_ram_gb, queued_at, started_at, completed_at,
		       result_json, COALESCE(error, '')
		FROM admitq_task_history
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY completed_at DESC NULLS LAST, task_id
		LIMIT $3
	`, f.UserID, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.TaskRecord
	for rows.Next() {
		var (
			rec        models.TaskRecord
			taskType   string
			status     string
			resultJSON []byte
			queuedAt   *time.Time
			startedAt  *time.Time
			finishedAt *time.Time
		)
		if err := rows.Scan(
			&rec.ID, &taskType, &status, &rec.Priority, &rec.UserID, &rec.Description,
			&rec.EstimatedCPUCores, &rec.EstimatedRAMGB, &queuedAt, &startedAt, &finishedAt,
			&resultJSON, &rec.Error,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Type = models.TaskType(taskType)
		rec.Status = models.TaskStatus(status)
		rec.QueuedAt, rec.StartedAt, rec.CompletedAt = queuedAt, startedAt, finishedAt
		if len(resultJSON) > 0 {
			rec.Result = json.RawMessage(resultJSON)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeResult(result any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(result)
}

func truncate(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	return value[:maxLen]
}
