package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/repository"
)

// TestSweep_RunOnce — удаляются просроченные и архивные записи, остальные остаются.
func TestSweep_RunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := env.insertUpload(t, model.StatusUploading, now.Add(-testExpiration-time.Hour), pattern(10))
	b := env.insertUpload(t, model.StatusUploading, now.Add(-time.Hour), pattern(10))
	c := env.insertUpload(t, model.StatusArchived, now.Add(-time.Minute), pattern(10))
	d := env.insertUpload(t, model.StatusComplete, now.Add(-time.Minute), pattern(10))
	taskA := env.setTaskState(t, a, model.TaskSuccess)

	result := env.sweep.RunOnce(ctx)
	if result.Deleted != 2 || result.Errors != 0 {
		t.Fatalf("удалено %d, ошибок %d; ожидалось 2 и 0", result.Deleted, result.Errors)
	}

	for _, rec := range []*model.UploadRecord{a, c} {
		if env.exists(t, rec.ID) {
			t.Errorf("запись %s должна быть удалена", rec.ID)
		}
		if env.files.FileExists(rec.StoragePath) {
			t.Errorf("файл %s должен быть удалён", rec.StoragePath)
		}
	}
	for _, rec := range []*model.UploadRecord{b, d} {
		if !env.exists(t, rec.ID) {
			t.Errorf("запись %s должна остаться", rec.ID)
		}
		if !env.files.FileExists(rec.StoragePath) {
			t.Errorf("файл %s должен остаться", rec.StoragePath)
		}
	}

	if _, err := env.store.Tasks().GetByID(ctx, taskA.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("задача удалённой загрузки должна быть удалена, получено: %v", err)
	}

	again := env.sweep.RunOnce(ctx)
	if again.Deleted != 0 {
		t.Errorf("повторная очистка удалила %d записей", again.Deleted)
	}
}

func TestSweep_ManyBatches(t *testing.T) {
	env := newTestEnv(t)
	old := time.Now().UTC().Add(-2 * testExpiration)
	const n = sweepBatch + 25
	for i := 0; i < n; i++ {
		env.insertUpload(t, model.StatusUploading, old, pattern(1))
	}

	result := env.sweep.RunOnce(context.Background())
	if result.Deleted != n {
		t.Errorf("удалено %d, ожидалось %d", result.Deleted, n)
	}
}

func TestSweep_StaleStaging(t *testing.T) {
	env := newTestEnv(t)

	stale, err := env.files.Stage(bytes.NewReader(pattern(10)))
	if err != nil {
		t.Fatalf("ошибка Stage: %v", err)
	}
	fresh, err := env.files.Stage(bytes.NewReader(pattern(10)))
	if err != nil {
		t.Fatalf("ошибка Stage: %v", err)
	}
	old := time.Now().Add(-2 * testExpiration)
	if err := os.Chtimes(env.files.FullPath(stale.Path), old, old); err != nil {
		t.Fatalf("ошибка Chtimes: %v", err)
	}

	result := env.sweep.RunOnce(context.Background())
	if result.StagingDeleted != 1 {
		t.Errorf("удалено staging-файлов %d, ожидалось 1", result.StagingDeleted)
	}
	if env.files.FileExists(stale.Path) {
		t.Error("устаревший staging-файл должен быть удалён")
	}
	if !env.files.FileExists(fresh.Path) {
		t.Error("свежий staging-файл должен остаться")
	}
}

func TestSweep_StartStop(t *testing.T) {
	env := newTestEnv(t)
	rec := env.insertUpload(t, model.StatusArchived, time.Now().UTC(), pattern(10))

	env.sweep.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for env.exists(t, rec.ID) {
		if time.Now().After(deadline) {
			t.Fatal("фоновая очистка не удалила архивную запись")
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.sweep.Stop()
	env.sweep.Stop()
}
