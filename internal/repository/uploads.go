package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
)

const uploadColumns = `id, storage_path, filename, upload_offset, status,
	created_at, completed_at, owner, task_id`

// uploadRepo — реализация UploadRepository для PostgreSQL.
type uploadRepo struct {
	db DBTX
}

// NewUploadRepository создаёт репозиторий загрузок.
func NewUploadRepository(db DBTX) UploadRepository {
	return &uploadRepo{db: db}
}

// scanUpload сканирует строку в UploadRecord.
func scanUpload(row pgx.Row) (*model.UploadRecord, error) {
	u := &model.UploadRecord{}
	var status string
	err := row.Scan(
		&u.ID, &u.StoragePath, &u.Filename, &u.Offset, &status,
		&u.CreatedAt, &u.CompletedAt, &u.Owner, &u.TaskID,
	)
	if err != nil {
		return nil, err
	}
	u.Status = model.UploadStatus(status)
	u.CreatedAt = u.CreatedAt.UTC()
	if u.CompletedAt != nil {
		t := u.CompletedAt.UTC()
		u.CompletedAt = &t
	}
	return u, nil
}

func (r *uploadRepo) Create(ctx context.Context, u *model.UploadRecord) error {
	query := `
		INSERT INTO uploads (id, storage_path, filename, upload_offset, status,
			created_at, completed_at, owner, task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		u.ID, u.StoragePath, u.Filename, u.Offset, string(u.Status),
		u.CreatedAt, u.CompletedAt, u.Owner, u.TaskID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: загрузка %s уже существует", ErrConflict, u.ID)
		}
		return fmt.Errorf("ошибка создания загрузки: %w", err)
	}
	return nil
}

func (r *uploadRepo) GetByID(ctx context.Context, id string) (*model.UploadRecord, error) {
	return r.get(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
}

func (r *uploadRepo) GetForUpdate(ctx context.Context, id string) (*model.UploadRecord, error) {
	return r.get(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1 FOR UPDATE`, id)
}

func (r *uploadRepo) get(ctx context.Context, query, id string) (*model.UploadRecord, error) {
	u, err := scanUpload(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения загрузки: %w", err)
	}
	return u, nil
}

// buildUploadWhere строит WHERE-условие и аргументы для фильтрации загрузок.
func buildUploadWhere(filter UploadListFilter, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filter.Owner != nil {
		conditions = append(conditions, fmt.Sprintf("owner = $%d", argNum))
		args = append(args, *filter.Owner)
		argNum++
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, string(*filter.Status))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *uploadRepo) List(ctx context.Context, filter UploadListFilter, limit, offset int) ([]*model.UploadRecord, error) {
	where, args := buildUploadWhere(filter, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT `+uploadColumns+`
		FROM uploads
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, argNum, argNum+1)

	args = append(args, limit, offset)
	return r.list(ctx, query, args...)
}

func (r *uploadRepo) list(ctx context.Context, query string, args ...any) ([]*model.UploadRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка загрузок: %w", err)
	}
	defer rows.Close()

	var result []*model.UploadRecord
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования загрузки: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (r *uploadRepo) AdvanceOffset(ctx context.Context, id string, expected, next int64) error {
	query := `
		UPDATE uploads
		SET upload_offset = $3
		WHERE id = $1 AND upload_offset = $2 AND status = 'uploading'`

	tag, err := r.db.Exec(ctx, query, id, expected, next)
	if err != nil {
		return fmt.Errorf("ошибка обновления смещения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *uploadRepo) MarkComplete(ctx context.Context, id, storagePath string, completedAt time.Time) error {
	query := `
		UPDATE uploads
		SET status = 'complete', completed_at = $2, storage_path = $3
		WHERE id = $1 AND status = 'uploading' AND completed_at IS NULL`

	tag, err := r.db.Exec(ctx, query, id, completedAt, storagePath)
	if err != nil {
		return fmt.Errorf("ошибка завершения загрузки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *uploadRepo) SetStatus(ctx context.Context, id string, from, to model.UploadStatus) error {
	query := `UPDATE uploads SET status = $3 WHERE id = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("ошибка смены статуса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *uploadRepo) SetTask(ctx context.Context, id, taskID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE uploads SET task_id = $2 WHERE id = $1`, id, taskID)
	if err != nil {
		return fmt.Errorf("ошибка привязки задачи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *uploadRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM uploads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления загрузки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *uploadRepo) ListSweepable(ctx context.Context, cutoff time.Time, limit int) ([]*model.UploadRecord, error) {
	query := `
		SELECT ` + uploadColumns + `
		FROM uploads
		WHERE created_at <= $1 OR status = 'archived'
		ORDER BY created_at
		LIMIT $2`
	return r.list(ctx, query, cutoff, limit)
}

// missOrConflict различает отсутствие записи и конкурентное изменение.
func (r *uploadRepo) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM uploads WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("ошибка проверки загрузки: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}
