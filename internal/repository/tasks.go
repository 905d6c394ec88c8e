package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
)

// taskRepo — реализация TaskRepository для PostgreSQL.
type taskRepo struct {
	db DBTX
}

// NewTaskRepository создаёт репозиторий задач.
func NewTaskRepository(db DBTX) TaskRepository {
	return &taskRepo{db: db}
}

func (r *taskRepo) Create(ctx context.Context, t *model.TaskRecord) error {
	query := `
		INSERT INTO upload_tasks (id, type, upload_id, queue, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query, t.ID, t.Type, t.UploadID, t.Queue, string(t.State), t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: задача %s уже существует", ErrConflict, t.ID)
		}
		return fmt.Errorf("ошибка создания задачи: %w", err)
	}
	return nil
}

func (r *taskRepo) GetByID(ctx context.Context, id string) (*model.TaskRecord, error) {
	query := `
		SELECT id, type, upload_id, queue, state, error, result,
			created_at, started_at, finished_at
		FROM upload_tasks
		WHERE id = $1`

	t := &model.TaskRecord{}
	var state string
	var result []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Type, &t.UploadID, &t.Queue, &state, &t.Error, &result,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения задачи: %w", err)
	}
	t.State = model.TaskState(state)
	if len(result) > 0 {
		t.Result = result
	}
	return t, nil
}

func (r *taskRepo) MarkStarted(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE upload_tasks SET state = 'STARTED', started_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("ошибка обновления задачи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *taskRepo) MarkState(ctx context.Context, id string, state model.TaskState, errMsg *string, result []byte, at time.Time) error {
	var finished *time.Time
	if state.Terminal() {
		finished = &at
	}
	var resultArg any
	if len(result) > 0 {
		resultArg = string(result)
	}

	query := `
		UPDATE upload_tasks
		SET state = $2, error = $3, result = $4::jsonb, finished_at = $5
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, string(state), errMsg, resultArg, finished)
	if err != nil {
		return fmt.Errorf("ошибка обновления задачи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *taskRepo) DeleteByUpload(ctx context.Context, uploadID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM upload_tasks WHERE upload_id = $1`, uploadID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления задач: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *taskRepo) DeleteOrphaned(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM upload_tasks t
		WHERE t.created_at <= $1
		  AND NOT EXISTS (SELECT 1 FROM uploads u WHERE u.id = t.upload_id)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления осиротевших задач: %w", err)
	}
	return tag.RowsAffected(), nil
}
