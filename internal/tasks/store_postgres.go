package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/lexwire/internal/policy"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			class TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			query_preview TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_tasks_session_created ON session_tasks (session_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveTask upserts a snapshot. Status never moves backwards: a late write of
// an older snapshot cannot overwrite a terminal row.
func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_tasks (
			id, session_id, tenant_id, user_id, class, source, query_preview, status,
			reason, agent, error, created_at, updated_at, started_at, ended_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			reason=EXCLUDED.reason,
			agent=EXCLUDED.agent,
			error=EXCLUDED.error,
			updated_at=EXCLUDED.updated_at,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at
		WHERE session_tasks.status NOT IN ('completed','cancelled','failed')`,
		task.ID,
		task.SessionID,
		task.TenantID,
		task.UserID,
		string(task.Class),
		string(task.Source),
		task.QueryPreview,
		string(task.Status),
		task.Reason,
		task.Agent,
		task.Error,
		task.CreatedAt,
		task.UpdatedAt,
		task.StartedAt,
		task.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

const selectTaskColumns = `SELECT id, session_id, tenant_id, user_id, class, source, query_preview, status,
        reason, agent, error, created_at, updated_at, started_at, ended_at
   FROM session_tasks`

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, selectTaskColumns+` WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasksBySession(ctx context.Context, sessionID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		selectTaskColumns+` WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

// pgx.Rows satisfies pgx.Row, so one scanner serves both query shapes.
func scanTask(row pgx.Row) (Task, error) {
	var (
		task            Task
		class           string
		source          string
		status          string
		startedNullable *time.Time
		endedNullable   *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.SessionID,
		&task.TenantID,
		&task.UserID,
		&class,
		&source,
		&task.QueryPreview,
		&status,
		&task.Reason,
		&task.Agent,
		&task.Error,
		&task.CreatedAt,
		&task.UpdatedAt,
		&startedNullable,
		&endedNullable,
	); err != nil {
		return Task{}, err
	}
	task.Class = policy.Class(class)
	task.Source = policy.Source(source)
	task.Status = Status(status)
	task.StartedAt = startedNullable
	task.EndedAt = endedNullable
	return task, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
