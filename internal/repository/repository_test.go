package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arturkryukov/artstore/upload-module/internal/config"
	"github.com/arturkryukov/artstore/upload-module/internal/database"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер и применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("uploads_test"),
		postgres.WithUsername("artstore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	cfg := &config.Config{
		DBHost: host, DBPort: port.Int(), DBName: "uploads_test",
		DBUser: "artstore", DBPassword: "test-password", DBSSLMode: "disable",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newUpload(id string, created time.Time) *model.UploadRecord {
	return &model.UploadRecord{
		ID: id, StoragePath: id + ".part", Filename: "file.bin",
		Status: model.StatusUploading, CreatedAt: created, Owner: "alice",
	}
}

// TestPostgres_Uploads проверяет CRUD и переходы статусов загрузок.
func TestPostgres_Uploads(t *testing.T) {
	pool := setupTestDB(t)
	s := NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := s.Uploads().Create(ctx, newUpload("u1", now)); err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}
	if err := s.Uploads().Create(ctx, newUpload("u1", now)); !errors.Is(err, ErrConflict) {
		t.Errorf("повторное создание: ожидалась ErrConflict, получено %v", err)
	}

	if err := s.Uploads().AdvanceOffset(ctx, "u1", 0, 500); err != nil {
		t.Fatalf("ошибка сдвига: %v", err)
	}
	if err := s.Uploads().AdvanceOffset(ctx, "u1", 0, 500); !errors.Is(err, ErrConflict) {
		t.Errorf("устаревшее смещение: ожидалась ErrConflict, получено %v", err)
	}

	if err := s.Uploads().MarkComplete(ctx, "u1", "u1.done", now); err != nil {
		t.Fatalf("ошибка завершения: %v", err)
	}
	got, err := s.Uploads().GetByID(ctx, "u1")
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if got.Status != model.StatusComplete || got.Offset != 500 || got.StoragePath != "u1.done" {
		t.Errorf("неожиданная запись: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt: ожидалось %s, получено %s", now, got.CreatedAt)
	}

	if err := s.Uploads().SetTask(ctx, "u1", "task-1"); err != nil {
		t.Fatalf("ошибка SetTask: %v", err)
	}
	if err := s.Uploads().Delete(ctx, "u1"); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if _, err := s.Uploads().GetByID(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}

// TestPostgres_RowLock проверяет сериализацию дозаписей через FOR UPDATE.
func TestPostgres_RowLock(t *testing.T) {
	pool := setupTestDB(t)
	s := NewPostgresStore(pool)
	ctx := context.Background()
	_ = s.Uploads().Create(ctx, newUpload("race", time.Now().UTC()))

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(ctx context.Context, tx Repos) error {
				u, err := tx.Uploads().GetForUpdate(ctx, "race")
				if err != nil {
					return err
				}
				if u.Offset != 0 {
					return ErrConflict
				}
				time.Sleep(10 * time.Millisecond)
				return tx.Uploads().AdvanceOffset(ctx, "race", 0, 100)
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("ожидался ровно 1 успешный сдвиг, получено %d", success)
	}
}

// TestPostgres_SweepableAndTasks проверяет выборку для очистки и задачи.
func TestPostgres_SweepableAndTasks(t *testing.T) {
	pool := setupTestDB(t)
	s := NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.Uploads().Create(ctx, newUpload("old", now.Add(-48*time.Hour)))
	_ = s.Uploads().Create(ctx, newUpload("fresh", now))
	_ = s.Uploads().Create(ctx, newUpload("arch", now))
	_ = s.Uploads().SetStatus(ctx, "arch", model.StatusUploading, model.StatusAborted)
	_ = s.Uploads().SetStatus(ctx, "arch", model.StatusAborted, model.StatusArchived)

	list, err := s.Uploads().ListSweepable(ctx, now.Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("ошибка ListSweepable: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ожидалось 2 записи, получено %d", len(list))
	}

	task := &model.TaskRecord{ID: "t1", Type: "upload:process", UploadID: "fresh", Queue: "uploads",
		State: model.TaskPending, CreatedAt: now}
	if err := s.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("ошибка создания задачи: %v", err)
	}
	if err := s.Tasks().MarkState(ctx, "t1", model.TaskSuccess, nil, []byte(`{"ok":true}`), now); err != nil {
		t.Fatalf("ошибка MarkState: %v", err)
	}
	got, err := s.Tasks().GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("ошибка чтения задачи: %v", err)
	}
	if got.State != model.TaskSuccess || got.FinishedAt == nil || len(got.Result) == 0 {
		t.Errorf("неожиданная задача: %+v", got)
	}
}
