package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arturkryukov/artstore/upload-module/internal/database"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/notify"
	"github.com/arturkryukov/artstore/upload-module/internal/queue"
	"github.com/arturkryukov/artstore/upload-module/internal/repository"
	"github.com/arturkryukov/artstore/upload-module/internal/repository/sqlstore"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/checksum"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/filestore"
)

const testExpiration = 24 * time.Hour

// enqueued — задача, поставленная через fakeDispatcher.
type enqueued struct {
	Type     string
	UploadID string
	Payload  any
	Task     *model.TaskRecord
}

// fakeDispatcher сохраняет дескрипторы в хранилище и запоминает задачи.
// Abort не обращается к хранилищу: вызывается внутри транзакции.
type fakeDispatcher struct {
	tasks repository.TaskRepository

	mu          sync.Mutex
	enqueued    []enqueued
	aborted     []string
	failEnqueue bool
	failAbort   bool
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, taskType, uploadID string, payload any) (*model.TaskRecord, error) {
	d.mu.Lock()
	fail := d.failEnqueue
	d.mu.Unlock()
	if fail {
		return nil, queue.ErrEnqueue
	}

	rec := &model.TaskRecord{
		ID:        uuid.NewString(),
		Type:      taskType,
		UploadID:  uploadID,
		Queue:     "uploads",
		State:     model.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.tasks.Create(ctx, rec); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.enqueued = append(d.enqueued, enqueued{Type: taskType, UploadID: uploadID, Payload: payload, Task: rec})
	d.mu.Unlock()
	return rec, nil
}

func (d *fakeDispatcher) Abort(_ context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAbort {
		return errors.New("брокер недоступен")
	}
	d.aborted = append(d.aborted, taskID)
	return nil
}

func (d *fakeDispatcher) last(t *testing.T, taskType string) enqueued {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.enqueued) - 1; i >= 0; i-- {
		if d.enqueued[i].Type == taskType {
			return d.enqueued[i]
		}
	}
	t.Fatalf("задача %s не поставлена", taskType)
	return enqueued{}
}

func (d *fakeDispatcher) count(taskType string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.enqueued {
		if e.Type == taskType {
			n++
		}
	}
	return n
}

// fakePublisher запоминает опубликованные события.
type fakePublisher struct {
	mu     sync.Mutex
	events map[string][]notify.Event
	fail   bool
}

func (p *fakePublisher) Publish(_ context.Context, channel string, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return notify.ErrBroker
	}
	if p.events == nil {
		p.events = make(map[string][]notify.Event)
	}
	p.events[channel] = append(p.events[channel], event)
	return nil
}

func (p *fakePublisher) get(channel string) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.events[channel]...)
}

// testEnv — сервисы поверх SQLite во временной директории.
type testEnv struct {
	store      *sqlstore.Store
	files      *filestore.FileStore
	sums       *checksum.Engine
	disp       *fakeDispatcher
	pub        *fakePublisher
	records    *RecordStore
	ingest     *IngestService
	completion *CompletionService
	processing *ProcessService
	sweep      *SweepService
}

type envOptions struct {
	maxBytes       int64
	asyncThreshold int64
	required       bool
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, envOptions{required: true})
}

func newTestEnvWith(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	db, err := database.OpenSQLite(context.Background(), filepath.Join(dir, "uploads.db"), logger)
	if err != nil {
		t.Fatalf("ошибка открытия SQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.MigrateSQLite(db, logger); err != nil {
		t.Fatalf("ошибка миграций: %v", err)
	}
	store := sqlstore.New(db)

	files, err := filestore.New(filepath.Join(dir, "uploads"), ".part", ".done")
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	sums, err := checksum.New("md5", 16, time.Minute)
	if err != nil {
		t.Fatalf("ошибка создания Engine: %v", err)
	}

	disp := &fakeDispatcher{tasks: store.Tasks()}
	pub := &fakePublisher{}
	records := NewRecordStore(store, files, sums, disp, testExpiration, logger)

	return &testEnv{
		store:   store,
		files:   files,
		sums:    sums,
		disp:    disp,
		pub:     pub,
		records: records,
		ingest:  NewIngestService(records, store, files, sums, disp, opts.maxBytes, logger),
		completion: NewCompletionService(records, files, sums, disp, pub, CompletionConfig{
			Algorithm:       "md5",
			Required:        opts.required,
			AsyncThreshold:  opts.asyncThreshold,
			MismatchChannel: "chunk_upload",
		}, logger),
		processing: NewProcessService(records, files, sums, logger),
		sweep:      NewSweepService(store, records, files, time.Hour, logger),
	}
}

// newAborter создаёт Aborter поверх miniredis.
func newAborter(t *testing.T) *queue.Aborter {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("ошибка запуска miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewAborter(rdb, time.Hour)
}

// createUpload синхронно создаёт загрузку с первым чанком.
func (e *testEnv) createUpload(t *testing.T, owner string, data []byte) *model.UploadRecord {
	t.Helper()
	rec, err := e.ingest.Create(context.Background(), nil, owner, "file.bin", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ошибка создания загрузки: %v", err)
	}
	return rec
}

// insertUpload создаёт запись напрямую с заданными статусом и временем создания.
func (e *testEnv) insertUpload(t *testing.T, status model.UploadStatus, created time.Time, data []byte) *model.UploadRecord {
	t.Helper()
	id := NewUploadID()
	staged, err := e.files.Stage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ошибка Stage: %v", err)
	}
	path, err := e.files.Adopt(staged.Path, id)
	if err != nil {
		t.Fatalf("ошибка Adopt: %v", err)
	}
	rec := &model.UploadRecord{
		ID:          id,
		StoragePath: path,
		Filename:    "file.bin",
		Offset:      int64(len(data)),
		Status:      status,
		CreatedAt:   created,
		Owner:       "alice",
	}
	if status == model.StatusComplete {
		completed := created
		rec.CompletedAt = &completed
	}
	if err := e.store.Uploads().Create(context.Background(), rec); err != nil {
		t.Fatalf("ошибка создания записи: %v", err)
	}
	return rec
}

// setTaskState создаёт задачу записи в заданном состоянии.
func (e *testEnv) setTaskState(t *testing.T, rec *model.UploadRecord, state model.TaskState) *model.TaskRecord {
	t.Helper()
	ctx := context.Background()
	task, err := e.disp.Enqueue(ctx, queue.TypeProcessUpload, rec.ID, queue.ProcessPayload{UploadID: rec.ID})
	if err != nil {
		t.Fatalf("ошибка постановки задачи: %v", err)
	}
	if state != model.TaskPending {
		if err := e.store.Tasks().MarkState(ctx, task.ID, state, nil, nil, time.Now().UTC()); err != nil {
			t.Fatalf("ошибка смены состояния задачи: %v", err)
		}
	}
	if err := e.store.Uploads().SetTask(ctx, rec.ID, task.ID); err != nil {
		t.Fatalf("ошибка SetTask: %v", err)
	}
	return task
}

func (e *testEnv) mustGet(t *testing.T, id string) *model.UploadRecord {
	t.Helper()
	rec, err := e.store.Uploads().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("ошибка чтения записи %s: %v", id, err)
	}
	return rec
}

func (e *testEnv) exists(t *testing.T, id string) bool {
	t.Helper()
	_, err := e.store.Uploads().GetByID(context.Background(), id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("ошибка чтения записи %s: %v", id, err)
	}
	return err == nil
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// assertCode проверяет, что err — UploadError с кодом code.
func assertCode(t *testing.T, err error, code string) *UploadError {
	t.Helper()
	if err == nil {
		t.Fatalf("ожидалась ошибка %s, получен nil", code)
	}
	ue, ok := AsUploadError(err)
	if !ok {
		t.Fatalf("ожидалась UploadError %s, получено: %v", code, err)
	}
	if ue.Code != code {
		t.Fatalf("код ошибки %s, ожидался %s (%s)", ue.Code, code, ue.Message)
	}
	return ue
}

// hookStore вызывает хуки вокруг транзакций: beforeTx — перед началом
// очередной транзакции, afterFailedTx — после отката. Каждый хук срабатывает один раз.
type hookStore struct {
	*sqlstore.Store

	mu            sync.Mutex
	beforeTx      func()
	afterFailedTx func()
}

func (h *hookStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Repos) error) error {
	if hook := h.take(&h.beforeTx); hook != nil {
		hook()
	}
	err := h.Store.InTx(ctx, fn)
	if err != nil {
		if hook := h.take(&h.afterFailedTx); hook != nil {
			hook()
		}
	}
	return err
}

func (h *hookStore) take(p *func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	hook := *p
	*p = nil
	return hook
}

// withStore собирает сервисы приёма и завершения поверх другого Store
// с теми же файлами, кэшем сумм и очередью.
func (e *testEnv) withStore(store repository.Store) (*IngestService, *CompletionService) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	records := NewRecordStore(store, e.files, e.sums, e.disp, testExpiration, logger)
	ingest := NewIngestService(records, store, e.files, e.sums, e.disp, 0, logger)
	completion := NewCompletionService(records, e.files, e.sums, e.disp, e.pub, CompletionConfig{
		Algorithm:       "md5",
		Required:        true,
		MismatchChannel: "chunk_upload",
	}, logger)
	return ingest, completion
}

// appendGarbage дописывает в backing-файл байты, не подтверждённые offset.
func (e *testEnv) appendGarbage(t *testing.T, storagePath string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(e.files.FullPath(storagePath), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("ошибка открытия файла: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
}
