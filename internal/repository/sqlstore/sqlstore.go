// Пакет sqlstore — реализация repository.Store поверх database/sql и SQLite.
//
// Используется в однонодовом режиме (UM_DB_DRIVER=sqlite) и в тестах сервисов.
// database.OpenSQLite открывает транзакции через BEGIN IMMEDIATE, поэтому
// транзакции выполняются строго последовательно, в том числе между процессами,
// и GetForUpdate не требует отдельной блокировки строки.
// Пул ограничен одним соединением: внутри InTx нельзя обращаться к Store вне tx.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/repository"
)

// DBTX — общий интерфейс *sql.DB и *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store — repository.Store для SQLite.
type Store struct {
	db      *sql.DB
	uploads repository.UploadRepository
	tasks   repository.TaskRepository
}

// New создаёт Store. Схема должна быть применена (database.MigrateSQLite).
func New(db *sql.DB) *Store {
	return &Store{
		db:      db,
		uploads: &uploadRepo{db: db},
		tasks:   &taskRepo{db: db},
	}
}

func (s *Store) Uploads() repository.UploadRepository { return s.uploads }
func (s *Store) Tasks() repository.TaskRepository     { return s.tasks }

// InTx выполняет fn в транзакции.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Repos) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // откат после коммита — no-op

	if err := fn(ctx, txRepos{uploads: &uploadRepo{db: tx}, tasks: &taskRepo{db: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

type txRepos struct {
	uploads repository.UploadRepository
	tasks   repository.TaskRepository
}

func (r txRepos) Uploads() repository.UploadRepository { return r.uploads }
func (r txRepos) Tasks() repository.TaskRepository     { return r.tasks }

// --- время хранится как UnixNano (UTC) ---

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func toUnixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toUnix(*t)
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- uploads ---

const uploadColumns = `id, storage_path, filename, upload_offset, status,
	created_at, completed_at, owner, task_id`

type uploadRepo struct {
	db DBTX
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*model.UploadRecord, error) {
	u := &model.UploadRecord{}
	var (
		status      string
		createdAt   int64
		completedAt sql.NullInt64
		taskID      sql.NullString
	)
	if err := row.Scan(&u.ID, &u.StoragePath, &u.Filename, &u.Offset, &status,
		&createdAt, &completedAt, &u.Owner, &taskID); err != nil {
		return nil, err
	}
	u.Status = model.UploadStatus(status)
	u.CreatedAt = fromUnix(createdAt)
	u.CompletedAt = fromNullUnix(completedAt)
	u.TaskID = fromNullString(taskID)
	return u, nil
}

func (r *uploadRepo) Create(ctx context.Context, u *model.UploadRecord) error {
	query := `
		INSERT INTO uploads (id, storage_path, filename, upload_offset, status,
			created_at, completed_at, owner, task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var taskID any
	if u.TaskID != nil {
		taskID = *u.TaskID
	}
	_, err := r.db.ExecContext(ctx, query,
		u.ID, u.StoragePath, u.Filename, u.Offset, string(u.Status),
		toUnix(u.CreatedAt), toUnixPtr(u.CompletedAt), u.Owner, taskID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: загрузка %s уже существует", repository.ErrConflict, u.ID)
		}
		return fmt.Errorf("ошибка создания загрузки: %w", err)
	}
	return nil
}

func (r *uploadRepo) GetByID(ctx context.Context, id string) (*model.UploadRecord, error) {
	u, err := scanUpload(r.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения загрузки: %w", err)
	}
	return u, nil
}

// GetForUpdate — в SQLite блокировку обеспечивает BEGIN IMMEDIATE транзакции.
func (r *uploadRepo) GetForUpdate(ctx context.Context, id string) (*model.UploadRecord, error) {
	return r.GetByID(ctx, id)
}

func (r *uploadRepo) List(ctx context.Context, filter repository.UploadListFilter, limit, offset int) ([]*model.UploadRecord, error) {
	var conditions []string
	var args []any
	if filter.Owner != nil {
		conditions = append(conditions, "owner = ?")
		args = append(args, *filter.Owner)
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := `SELECT ` + uploadColumns + ` FROM uploads ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return r.list(ctx, query, args...)
}

func (r *uploadRepo) list(ctx context.Context, query string, args ...any) ([]*model.UploadRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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
	res, err := r.db.ExecContext(ctx,
		`UPDATE uploads SET upload_offset = ? WHERE id = ? AND upload_offset = ? AND status = 'uploading'`,
		next, id, expected)
	if err != nil {
		return fmt.Errorf("ошибка обновления смещения: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *uploadRepo) MarkComplete(ctx context.Context, id, storagePath string, completedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE uploads SET status = 'complete', completed_at = ?, storage_path = ?
		WHERE id = ? AND status = 'uploading' AND completed_at IS NULL`,
		toUnix(completedAt), storagePath, id)
	if err != nil {
		return fmt.Errorf("ошибка завершения загрузки: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *uploadRepo) SetStatus(ctx context.Context, id string, from, to model.UploadStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE uploads SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("ошибка смены статуса: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *uploadRepo) SetTask(ctx context.Context, id, taskID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE uploads SET task_id = ? WHERE id = ?`, taskID, id)
	if err != nil {
		return fmt.Errorf("ошибка привязки задачи: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *uploadRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления загрузки: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *uploadRepo) ListSweepable(ctx context.Context, cutoff time.Time, limit int) ([]*model.UploadRecord, error) {
	return r.list(ctx, `
		SELECT `+uploadColumns+` FROM uploads
		WHERE created_at <= ? OR status = 'archived'
		ORDER BY created_at
		LIMIT ?`, toUnix(cutoff), limit)
}

// checkAffected различает отсутствие записи и конкурентное изменение.
func (r *uploadRepo) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения числа изменённых строк: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("ошибка проверки загрузки: %w", err)
	}
	if exists == 0 {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}

// --- tasks ---

type taskRepo struct {
	db DBTX
}

func (r *taskRepo) Create(ctx context.Context, t *model.TaskRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upload_tasks (id, type, upload_id, queue, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, t.UploadID, t.Queue, string(t.State), toUnix(t.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: задача %s уже существует", repository.ErrConflict, t.ID)
		}
		return fmt.Errorf("ошибка создания задачи: %w", err)
	}
	return nil
}

func (r *taskRepo) GetByID(ctx context.Context, id string) (*model.TaskRecord, error) {
	t := &model.TaskRecord{}
	var (
		state      string
		errMsg     sql.NullString
		result     sql.NullString
		createdAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, type, upload_id, queue, state, error, result,
			created_at, started_at, finished_at
		FROM upload_tasks WHERE id = ?`, id).Scan(
		&t.ID, &t.Type, &t.UploadID, &t.Queue, &state, &errMsg, &result,
		&createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения задачи: %w", err)
	}
	t.State = model.TaskState(state)
	t.Error = fromNullString(errMsg)
	if result.Valid && result.String != "" {
		t.Result = []byte(result.String)
	}
	t.CreatedAt = fromUnix(createdAt)
	t.StartedAt = fromNullUnix(startedAt)
	t.FinishedAt = fromNullUnix(finishedAt)
	return t, nil
}

func (r *taskRepo) MarkStarted(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE upload_tasks SET state = 'STARTED', started_at = ? WHERE id = ?`, toUnix(at), id)
	if err != nil {
		return fmt.Errorf("ошибка обновления задачи: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *taskRepo) MarkState(ctx context.Context, id string, state model.TaskState, errMsg *string, result []byte, at time.Time) error {
	var finished any
	if state.Terminal() {
		finished = toUnix(at)
	}
	var errArg, resultArg any
	if errMsg != nil {
		errArg = *errMsg
	}
	if len(result) > 0 {
		resultArg = string(result)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_tasks SET state = ?, error = ?, result = ?, finished_at = ?
		WHERE id = ?`, string(state), errArg, resultArg, finished, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления задачи: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *taskRepo) DeleteByUpload(ctx context.Context, uploadID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM upload_tasks WHERE upload_id = ?`, uploadID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления задач: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *taskRepo) DeleteOrphaned(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM upload_tasks
		WHERE created_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM uploads u WHERE u.id = upload_tasks.upload_id)`, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления осиротевших задач: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
