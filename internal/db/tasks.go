package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"homehub/internal/models"
	"homehub/internal/store"
)

// Tasks are stored whole as JSONB; status, owner and next execution are
// mirrored into columns for the due and owner queries.

func (d *DB) FindTask(ctx context.Context, id string) (*models.Task, error) {
	var doc []byte
	err := d.pool.QueryRow(ctx, "SELECT document FROM tasks WHERE id = $1", id).Scan(&doc)
	if err != nil {
		return nil, notFound(err)
	}
	var task models.Task
	if err := json.Unmarshal(doc, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

func (d *DB) SaveTask(ctx context.Context, task *models.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO tasks (id, owner_id, device_id, status, next_execution, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			device_id = EXCLUDED.device_id,
			status = EXCLUDED.status,
			next_execution = EXCLUDED.next_execution,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		task.ID, task.OwnerID, task.DeviceID, string(task.Status), task.NextExecution, doc, task.UpdatedAt)
	return err
}

func (d *DB) DeleteTask(ctx context.Context, id string) error {
	tag, err := d.pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) ListTasksByOwner(ctx context.Context, ownerID string) ([]models.Task, error) {
	return d.queryTasks(ctx, "SELECT document FROM tasks WHERE owner_id = $1 ORDER BY updated_at DESC", ownerID)
}

func (d *DB) FindActiveTasksBefore(ctx context.Context, t time.Time) ([]models.Task, error) {
	return d.queryTasks(ctx, "SELECT document FROM tasks WHERE status = 'active' AND next_execution <= $1 ORDER BY next_execution", t)
}

func (d *DB) FindActiveTasksAfter(ctx context.Context, t time.Time) ([]models.Task, error) {
	return d.queryTasks(ctx, "SELECT document FROM tasks WHERE status = 'active' AND next_execution > $1 ORDER BY next_execution", t)
}

func (d *DB) queryTasks(ctx context.Context, sql string, args ...any) ([]models.Task, error) {
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	tasks := make([]models.Task, 0, len(docs))
	for _, doc := range docs {
		var task models.Task
		if err := json.Unmarshal(doc, &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
