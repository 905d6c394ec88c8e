// Пакет repository — слой доступа к записям загрузок и задач.
// Интерфейсы общие для PostgreSQL (этот пакет, pgx) и SQLite (sqlstore).
// Все запросы — чистый SQL, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — запись изменена конкурентно или уже существует.
	ErrConflict = errors.New("конфликт — запись изменена или уже существует")
)

// UploadListFilter — фильтры для списка загрузок.
type UploadListFilter struct {
	Owner  *string
	Status *model.UploadStatus
}

// UploadRepository — операции над таблицей uploads.
type UploadRepository interface {
	// Create создаёт запись загрузки.
	Create(ctx context.Context, u *model.UploadRecord) error
	// GetByID возвращает загрузку по ID.
	GetByID(ctx context.Context, id string) (*model.UploadRecord, error)
	// GetForUpdate возвращает загрузку с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*model.UploadRecord, error)
	// List возвращает загрузки с фильтрацией, новые первыми.
	List(ctx context.Context, filter UploadListFilter, limit, offset int) ([]*model.UploadRecord, error)
	// AdvanceOffset сдвигает offset с expected на next.
	// ErrConflict, если offset уже другой или статус не uploading.
	AdvanceOffset(ctx context.Context, id string, expected, next int64) error
	// MarkComplete переводит uploading → complete, фиксирует время и новый путь файла.
	MarkComplete(ctx context.Context, id, storagePath string, completedAt time.Time) error
	// SetStatus выполняет переход from → to. ErrConflict, если статус уже другой.
	SetStatus(ctx context.Context, id string, from, to model.UploadStatus) error
	// SetTask запоминает последнюю задачу загрузки.
	SetTask(ctx context.Context, id, taskID string) error
	// Delete удаляет запись. ErrNotFound, если записи нет.
	Delete(ctx context.Context, id string) error
	// ListSweepable возвращает записи, созданные не позже cutoff, или archived.
	ListSweepable(ctx context.Context, cutoff time.Time, limit int) ([]*model.UploadRecord, error)
}

// TaskRepository — операции над таблицей upload_tasks.
type TaskRepository interface {
	// Create сохраняет дескриптор задачи.
	Create(ctx context.Context, t *model.TaskRecord) error
	// GetByID возвращает задачу по ID.
	GetByID(ctx context.Context, id string) (*model.TaskRecord, error)
	// MarkStarted переводит задачу в STARTED.
	MarkStarted(ctx context.Context, id string, at time.Time) error
	// MarkState фиксирует состояние; для конечных состояний заполняет finished_at.
	MarkState(ctx context.Context, id string, state model.TaskState, errMsg *string, result []byte, at time.Time) error
	// DeleteByUpload удаляет задачи загрузки.
	DeleteByUpload(ctx context.Context, uploadID string) (int64, error)
	// DeleteOrphaned удаляет задачи, созданные не позже cutoff,
	// чьих загрузок больше нет (например, удалённых при несовпадении суммы).
	DeleteOrphaned(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repos — набор репозиториев, привязанных к одному соединению или транзакции.
type Repos interface {
	Uploads() UploadRepository
	Tasks() TaskRepository
}

// Store — хранилище записей с поддержкой транзакций.
type Store interface {
	Repos
	// InTx выполняет fn в транзакции. Репозитории tx привязаны к транзакции.
	// При ошибке fn транзакция откатывается.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error
}

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// PostgresStore — Store поверх pgxpool.
type PostgresStore struct {
	pool    *pgxpool.Pool
	txr     *TxRunner
	uploads UploadRepository
	tasks   TaskRepository
}

// NewPostgresStore создаёт Store для PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		txr:     NewTxRunner(pool),
		uploads: NewUploadRepository(pool),
		tasks:   NewTaskRepository(pool),
	}
}

func (s *PostgresStore) Uploads() UploadRepository { return s.uploads }
func (s *PostgresStore) Tasks() TaskRepository     { return s.tasks }

// InTx выполняет fn в транзакции PostgreSQL.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error {
	return s.txr.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, txRepos{uploads: NewUploadRepository(tx), tasks: NewTaskRepository(tx)})
	})
}

// txRepos — репозитории, привязанные к транзакции.
type txRepos struct {
	uploads UploadRepository
	tasks   TaskRepository
}

func (r txRepos) Uploads() UploadRepository { return r.uploads }
func (r txRepos) Tasks() TaskRepository     { return r.tasks }

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
