package service

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/queue"
)

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header  string
		want    ContentRange
		wantErr bool
	}{
		{"bytes 0-499/1000", ContentRange{0, 499, 1000}, false},
		{"bytes 500-999/1000", ContentRange{500, 999, 1000}, false},
		{"bytes 0-0/1", ContentRange{0, 0, 1}, false},
		{"", ContentRange{}, true},
		{"bytes 0-499", ContentRange{}, true},
		{"bytes=0-499/1000", ContentRange{}, true},
		{"bytes -1-499/1000", ContentRange{}, true},
		{"bytes 500-499/1000", ContentRange{}, true},
		{"bytes 0-99999999999999999999/1", ContentRange{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := ParseContentRange(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ожидалась ошибка для %q, получено %+v", tt.header, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("неожиданная ошибка: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseContentRange(%q) = %+v, ожидалось %+v", tt.header, got, tt.want)
			}
		})
	}
}

// TestSubmit_Validation проверяет порядок проверок приёма чанка.
func TestSubmit_Validation(t *testing.T) {
	env := newTestEnvWith(t, envOptions{maxBytes: 1000, required: true})
	ctx := context.Background()
	existing := env.createUpload(t, "alice", pattern(100))
	complete := env.insertUpload(t, model.StatusComplete, time.Now().UTC(), pattern(10))
	aborted := env.insertUpload(t, model.StatusAborted, time.Now().UTC(), pattern(10))
	expired := env.insertUpload(t, model.StatusUploading, time.Now().UTC().Add(-2*testExpiration), pattern(10))

	tests := []struct {
		name   string
		req    ChunkRequest
		code   string
		status int
	}{
		{
			name:   "чанк не передан",
			req:    ChunkRequest{Owner: "alice", Filename: "a.bin", ContentRange: "bytes 0-9/10"},
			code:   apierrors.CodeMissingPayload,
			status: http.StatusBadRequest,
		},
		{
			name:   "некорректный заголовок",
			req:    ChunkRequest{Owner: "alice", Filename: "a.bin", ContentRange: "bytes 0-9", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeInvalidContentRange,
			status: http.StatusBadRequest,
		},
		{
			name:   "конец больше размера",
			req:    ChunkRequest{Owner: "alice", Filename: "a.bin", ContentRange: "bytes 0-20/10", Payload: bytes.NewReader(pattern(21))},
			code:   apierrors.CodeRangeExceedsTotal,
			status: http.StatusBadRequest,
		},
		{
			name:   "файл больше лимита",
			req:    ChunkRequest{Owner: "alice", Filename: "a.bin", ContentRange: "bytes 0-9/5000", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeFileTooLarge,
			status: http.StatusBadRequest,
		},
		{
			name:   "данных меньше диапазона",
			req:    ChunkRequest{Owner: "alice", Filename: "a.bin", ContentRange: "bytes 0-9/10", Payload: bytes.NewReader(pattern(5))},
			code:   apierrors.CodeSizeMismatch,
			status: http.StatusBadRequest,
		},
		{
			name:   "данных больше диапазона",
			req:    ChunkRequest{Owner: "alice", Filename: "a.bin", ContentRange: "bytes 0-9/10", Payload: bytes.NewReader(pattern(50))},
			code:   apierrors.CodeSizeMismatch,
			status: http.StatusBadRequest,
		},
		{
			name:   "загрузка не найдена",
			req:    ChunkRequest{UploadID: NewUploadID(), Owner: "alice", ContentRange: "bytes 0-9/10", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeNotFound,
			status: http.StatusNotFound,
		},
		{
			name:   "чужая загрузка",
			req:    ChunkRequest{UploadID: existing.ID, Owner: "bob", ContentRange: "bytes 100-109/200", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeNotFound,
			status: http.StatusNotFound,
		},
		{
			name:   "срок истёк",
			req:    ChunkRequest{UploadID: expired.ID, Owner: "alice", ContentRange: "bytes 10-19/20", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeUploadExpired,
			status: http.StatusGone,
		},
		{
			name:   "уже завершена",
			req:    ChunkRequest{UploadID: complete.ID, Owner: "alice", ContentRange: "bytes 10-19/20", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeAlreadyComplete,
			status: http.StatusBadRequest,
		},
		{
			name:   "отменена",
			req:    ChunkRequest{UploadID: aborted.ID, Owner: "alice", ContentRange: "bytes 10-19/20", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeUploadAborted,
			status: http.StatusBadRequest,
		},
		{
			name:   "смещение не совпадает",
			req:    ChunkRequest{UploadID: existing.ID, Owner: "alice", ContentRange: "bytes 50-59/200", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeOffsetMismatch,
			status: http.StatusBadRequest,
		},
		{
			name:   "новая загрузка без владельца",
			req:    ChunkRequest{Filename: "a.bin", ContentRange: "bytes 0-9/10", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeOwnerRequired,
			status: http.StatusUnauthorized,
		},
		{
			name:   "новая загрузка не с нуля",
			req:    ChunkRequest{Owner: "alice", Filename: "a.bin", ContentRange: "bytes 5-9/10", Payload: bytes.NewReader(pattern(5))},
			code:   apierrors.CodeOffsetMismatch,
			status: http.StatusBadRequest,
		},
		{
			name:   "новая загрузка без имени",
			req:    ChunkRequest{Owner: "alice", ContentRange: "bytes 0-9/10", Payload: bytes.NewReader(pattern(10))},
			code:   apierrors.CodeValidationError,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := env.ingest.Submit(ctx, tt.req)
			if h != nil {
				t.Fatalf("ожидался отказ, получен дескриптор %+v", h)
			}
			ue := assertCode(t, err, tt.code)
			if ue.StatusCode != tt.status {
				t.Errorf("HTTP статус %d, ожидался %d", ue.StatusCode, tt.status)
			}
		})
	}

	if n := len(env.disp.enqueued); n != 0 {
		t.Errorf("отклонённые чанки не должны ставить задачи, поставлено %d", n)
	}
	assertStagingEmpty(t, env)
}

func TestSubmit_OffsetMismatchReportsOffsets(t *testing.T) {
	env := newTestEnv(t)
	rec := env.createUpload(t, "alice", pattern(100))

	_, err := env.ingest.Submit(context.Background(), ChunkRequest{
		UploadID:     rec.ID,
		Owner:        "alice",
		ContentRange: "bytes 40-49/200",
		Payload:      bytes.NewReader(pattern(10)),
	})
	ue := assertCode(t, err, apierrors.CodeOffsetMismatch)
	if ue.ExpectedOffset == nil || *ue.ExpectedOffset != 100 {
		t.Errorf("ExpectedOffset = %v, ожидалось 100", ue.ExpectedOffset)
	}
	if ue.ProvidedOffset == nil || *ue.ProvidedOffset != 40 {
		t.Errorf("ProvidedOffset = %v, ожидалось 40", ue.ProvidedOffset)
	}
	if got := env.mustGet(t, rec.ID).Offset; got != 100 {
		t.Errorf("offset изменился: %d", got)
	}
}

func TestSubmit_EnqueueFailureDiscardsChunk(t *testing.T) {
	env := newTestEnv(t)
	env.disp.failEnqueue = true

	_, err := env.ingest.Submit(context.Background(), ChunkRequest{
		Owner:        "alice",
		Filename:     "a.bin",
		ContentRange: "bytes 0-9/10",
		Payload:      bytes.NewReader(pattern(10)),
	})
	if !errors.Is(err, ErrInfrastructure) {
		t.Fatalf("ожидалась инфраструктурная ошибка, получено: %v", err)
	}
	assertStagingEmpty(t, env)
}

// TestChunkedUpload_Scenario — файл 1000 байт двумя чанками по 500 и завершение с md5.
func TestChunkedUpload_Scenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := pattern(1000)

	h, err := env.ingest.Submit(ctx, ChunkRequest{
		Owner:        "alice",
		Filename:     "report.bin",
		ContentRange: "bytes 0-499/1000",
		Payload:      bytes.NewReader(data[:500]),
		PayloadSize:  500,
	})
	if err != nil {
		t.Fatalf("ошибка приёма первого чанка: %v", err)
	}
	if h.Status != model.TaskPending {
		t.Errorf("статус дескриптора %s, ожидался PENDING", h.Status)
	}
	if len(h.UploadID) != 32 {
		t.Errorf("ID загрузки %q должен состоять из 32 символов", h.UploadID)
	}

	created := env.disp.last(t, queue.TypeCreateUpload)
	rec, err := env.ingest.CreateUpload(ctx, nil, created.Payload.(queue.CreatePayload))
	if err != nil {
		t.Fatalf("ошибка CreateUpload: %v", err)
	}
	if rec.ID != h.UploadID || rec.Offset != 500 || rec.Status != model.StatusUploading {
		t.Fatalf("неожиданная запись после первого чанка: %+v", rec)
	}
	if rec.Owner != "alice" || rec.Filename != "report.bin" {
		t.Errorf("владелец/имя файла: %s/%s", rec.Owner, rec.Filename)
	}

	h2, err := env.ingest.Submit(ctx, ChunkRequest{
		UploadID:     rec.ID,
		Owner:        "alice",
		ContentRange: "bytes 500-999/1000",
		Payload:      bytes.NewReader(data[500:]),
	})
	if err != nil {
		t.Fatalf("ошибка приёма второго чанка: %v", err)
	}
	if h2.UploadID != rec.ID {
		t.Errorf("дескриптор относится к %s, ожидался %s", h2.UploadID, rec.ID)
	}

	appended := env.disp.last(t, queue.TypeAppendChunk)
	rec, err = env.ingest.ApplyChunk(ctx, nil, appended.Payload.(queue.AppendPayload))
	if err != nil {
		t.Fatalf("ошибка ApplyChunk: %v", err)
	}
	if rec.Offset != 1000 {
		t.Fatalf("offset = %d, ожидалось 1000", rec.Offset)
	}

	res, err := env.completion.Finalize(ctx, FinalizeRequest{
		UploadID:  rec.ID,
		Owner:     "alice",
		Checksums: map[string]string{"md5": md5hex(data)},
	})
	if err != nil {
		t.Fatalf("ошибка Finalize: %v", err)
	}
	done := res.Upload
	if done == nil || done.Status != model.StatusComplete || done.CompletedAt == nil {
		t.Fatalf("загрузка не завершена: %+v", res)
	}
	if !strings.HasSuffix(done.StoragePath, ".done") {
		t.Errorf("путь %s должен оканчиваться на .done", done.StoragePath)
	}

	process := env.disp.last(t, queue.TypeProcessUpload)
	stored := env.mustGet(t, rec.ID)
	if stored.TaskID == nil || *stored.TaskID != process.Task.ID {
		t.Errorf("task_id записи %v, ожидался %s", stored.TaskID, process.Task.ID)
	}

	onDisk, err := os.ReadFile(env.files.FullPath(stored.StoragePath))
	if err != nil {
		t.Fatalf("ошибка чтения файла: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Error("содержимое файла не совпадает с загруженными данными")
	}
	assertStagingEmpty(t, env)
}

// TestApplyChunk_Contiguous проверяет, что offset равен сумме чанков и размеру файла.
func TestApplyChunk_Contiguous(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createUpload(t, "alice", pattern(7))

	sizes := []int{13, 1, 64, 200, 3}
	offset := int64(7)
	for _, n := range sizes {
		got, err := env.ingest.Append(ctx, nil, rec.ID, "alice", offset, bytes.NewReader(pattern(n)))
		if err != nil {
			t.Fatalf("ошибка дозаписи со смещения %d: %v", offset, err)
		}
		offset += int64(n)
		if got.Offset != offset {
			t.Fatalf("offset = %d, ожидалось %d", got.Offset, offset)
		}
	}

	stored := env.mustGet(t, rec.ID)
	size, err := env.files.FileSize(stored.StoragePath)
	if err != nil {
		t.Fatalf("ошибка FileSize: %v", err)
	}
	if size != stored.Offset || size != offset {
		t.Errorf("размер файла %d, offset %d, ожидалось %d", size, stored.Offset, offset)
	}
}

func TestApplyChunk_OffsetMismatchKeepsState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createUpload(t, "alice", pattern(100))

	_, err := env.ingest.Append(ctx, nil, rec.ID, "alice", 90, bytes.NewReader(pattern(10)))
	ue := assertCode(t, err, apierrors.CodeOffsetMismatch)
	if *ue.ExpectedOffset != 100 || *ue.ProvidedOffset != 90 {
		t.Errorf("смещения в ошибке: %d/%d", *ue.ExpectedOffset, *ue.ProvidedOffset)
	}

	stored := env.mustGet(t, rec.ID)
	size, _ := env.files.FileSize(stored.StoragePath)
	if stored.Offset != 100 || size != 100 {
		t.Errorf("offset %d, размер %d, ожидалось 100/100", stored.Offset, size)
	}
	assertStagingEmpty(t, env)
}

func TestApplyChunk_RejectsFinishedUploads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	complete := env.insertUpload(t, model.StatusComplete, time.Now().UTC(), pattern(10))
	aborted := env.insertUpload(t, model.StatusAborted, time.Now().UTC(), pattern(10))

	_, err := env.ingest.Append(ctx, nil, complete.ID, "alice", 10, bytes.NewReader(pattern(5)))
	assertCode(t, err, apierrors.CodeAlreadyComplete)

	_, err = env.ingest.Append(ctx, nil, aborted.ID, "alice", 10, bytes.NewReader(pattern(5)))
	assertCode(t, err, apierrors.CodeUploadAborted)

	for _, rec := range []*model.UploadRecord{complete, aborted} {
		stored := env.mustGet(t, rec.ID)
		if stored.Offset != 10 {
			t.Errorf("offset %s изменился: %d", rec.ID, stored.Offset)
		}
	}
}

func TestApplyChunk_Expired(t *testing.T) {
	env := newTestEnv(t)
	rec := env.insertUpload(t, model.StatusUploading, time.Now().UTC().Add(-testExpiration-time.Minute), pattern(10))

	_, err := env.ingest.Append(context.Background(), nil, rec.ID, "alice", 10, bytes.NewReader(pattern(5)))
	assertCode(t, err, apierrors.CodeUploadExpired)
}

// TestApplyChunk_AbortedRollsBack — прерывание перед фиксацией откатывает дозапись.
func TestApplyChunk_AbortedRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	aborter := newAborter(t)
	rec := env.createUpload(t, "alice", pattern(100))

	staged, err := env.files.Stage(bytes.NewReader(pattern(50)))
	if err != nil {
		t.Fatalf("ошибка Stage: %v", err)
	}
	if err := aborter.Abort(ctx, "task-1"); err != nil {
		t.Fatalf("ошибка Abort: %v", err)
	}

	_, err = env.ingest.ApplyChunk(ctx, aborter.Token("task-1"), queue.AppendPayload{
		UploadID:   rec.ID,
		Start:      100,
		Size:       50,
		StagedPath: staged.Path,
	})
	if !errors.Is(err, queue.ErrAborted) {
		t.Fatalf("ожидалась ErrAborted, получено: %v", err)
	}

	stored := env.mustGet(t, rec.ID)
	size, _ := env.files.FileSize(stored.StoragePath)
	if stored.Offset != 100 || size != 100 {
		t.Errorf("после отката offset %d, размер %d, ожидалось 100/100", stored.Offset, size)
	}
	if env.files.FileExists(staged.Path) {
		t.Error("staging-файл прерванной задачи должен быть удалён")
	}
}

// TestApplyChunk_Concurrent — из двух чанков с одним смещением применяется ровно один.
func TestApplyChunk_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createUpload(t, "alice", pattern(100))

	const workers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		mismatch  int
	)
	for i := 0; i < workers; i++ {
		// У каждого чанка свои данные: совпадающий чанк считается повторной доставкой
		staged, err := env.files.Stage(bytes.NewReader(bytes.Repeat([]byte{byte(i + 1)}, 25)))
		if err != nil {
			t.Fatalf("ошибка Stage: %v", err)
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			_, err := env.ingest.ApplyChunk(ctx, nil, queue.AppendPayload{
				UploadID:   rec.ID,
				Start:      100,
				Size:       25,
				StagedPath: path,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if ue, ok := AsUploadError(err); ok && ue.Code == apierrors.CodeOffsetMismatch {
				mismatch++
			}
		}(staged.Path)
	}
	wg.Wait()

	if succeeded != 1 || mismatch != workers-1 {
		t.Fatalf("успешно %d, отклонено %d; ожидалось 1 и %d", succeeded, mismatch, workers-1)
	}
	stored := env.mustGet(t, rec.ID)
	size, _ := env.files.FileSize(stored.StoragePath)
	if stored.Offset != 125 || size != 125 {
		t.Errorf("offset %d, размер %d, ожидалось 125/125", stored.Offset, size)
	}
}

func TestCreateUpload_Redelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	staged, err := env.files.Stage(bytes.NewReader(pattern(20)))
	if err != nil {
		t.Fatalf("ошибка Stage: %v", err)
	}
	p := queue.CreatePayload{UploadID: NewUploadID(), Owner: "alice", Filename: "a.bin", StagedPath: staged.Path, Size: 20}

	first, err := env.ingest.CreateUpload(ctx, nil, p)
	if err != nil {
		t.Fatalf("ошибка CreateUpload: %v", err)
	}
	second, err := env.ingest.CreateUpload(ctx, nil, p)
	if err != nil {
		t.Fatalf("повторная доставка должна быть идемпотентной: %v", err)
	}
	if first.ID != second.ID || second.Offset != 20 {
		t.Errorf("повторная доставка вернула %+v", second)
	}
}

func TestCreate_OwnerRequired(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ingest.Create(context.Background(), nil, "", "a.bin", bytes.NewReader(pattern(10)))
	assertCode(t, err, apierrors.CodeOwnerRequired)
}

func TestCreate_TooLarge(t *testing.T) {
	env := newTestEnvWith(t, envOptions{maxBytes: 10, required: true})
	_, err := env.ingest.Create(context.Background(), nil, "alice", "a.bin", bytes.NewReader(pattern(11)))
	assertCode(t, err, apierrors.CodeFileTooLarge)
	assertStagingEmpty(t, env)
}

func TestSubmit_WholeFileCarriesChecksum(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := pattern(64)

	h, err := env.ingest.Submit(ctx, ChunkRequest{
		Owner:       "alice",
		Filename:    "whole.bin",
		Whole:       true,
		Checksum:    md5hex(data),
		Payload:     bytes.NewReader(data),
		PayloadSize: int64(len(data)),
	})
	if err != nil {
		t.Fatalf("ошибка Submit: %v", err)
	}

	p := env.disp.last(t, queue.TypeCreateUpload).Payload.(queue.CreatePayload)
	if p.Checksum != md5hex(data) || p.Size != 64 || p.UploadID != h.UploadID {
		t.Errorf("неожиданные параметры задачи: %+v", p)
	}

	_, err = env.ingest.Submit(ctx, ChunkRequest{
		Owner:       "alice",
		Filename:    "whole.bin",
		Whole:       true,
		Payload:     bytes.NewReader(data),
		PayloadSize: -1,
	})
	assertCode(t, err, apierrors.CodeValidationError)
}

func TestNewUploadID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewUploadID()
		if len(id) != 32 {
			t.Fatalf("длина ID %d, ожидалось 32", len(id))
		}
		if strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("ID %q содержит не hex-символы", id)
		}
		if seen[id] {
			t.Fatalf("повторный ID %s", id)
		}
		seen[id] = true
	}
}

// assertStagingEmpty проверяет, что в staging не осталось чанков.
func assertStagingEmpty(t *testing.T, env *testEnv) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(env.files.DataDir(), "staging"))
	if err != nil {
		t.Fatalf("ошибка чтения staging: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("в staging остались файлы: %v", names)
	}
}

// TestApplyChunk_RollbackKeepsNextChunk — откат прерванной дозаписи выполняется
// под блокировкой строки и не затрагивает чанк, применённый сразу после неё.
func TestApplyChunk_RollbackKeepsNextChunk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	aborter := newAborter(t)
	rec := env.createUpload(t, "alice", pattern(100))

	hooked := &hookStore{Store: env.store}
	ingest, _ := env.withStore(hooked)

	next := bytes.Repeat([]byte{0xAB}, 50)
	var nextErr error
	hooked.afterFailedTx = func() {
		_, nextErr = env.ingest.Append(ctx, nil, rec.ID, "alice", 100, bytes.NewReader(next))
	}

	staged, err := env.files.Stage(bytes.NewReader(pattern(50)))
	if err != nil {
		t.Fatalf("ошибка Stage: %v", err)
	}
	if err := aborter.Abort(ctx, "task-1"); err != nil {
		t.Fatalf("ошибка Abort: %v", err)
	}
	_, err = ingest.ApplyChunk(ctx, aborter.Token("task-1"), queue.AppendPayload{
		UploadID:   rec.ID,
		Start:      100,
		Size:       50,
		StagedPath: staged.Path,
	})
	if !errors.Is(err, queue.ErrAborted) {
		t.Fatalf("ожидалась ErrAborted, получено: %v", err)
	}
	if nextErr != nil {
		t.Fatalf("ошибка дозаписи следующего чанка: %v", nextErr)
	}

	stored := env.mustGet(t, rec.ID)
	onDisk, err := os.ReadFile(env.files.FullPath(stored.StoragePath))
	if err != nil {
		t.Fatalf("ошибка чтения файла: %v", err)
	}
	if stored.Offset != 150 || int64(len(onDisk)) != stored.Offset {
		t.Fatalf("offset %d, размер файла %d, ожидалось 150/150", stored.Offset, len(onDisk))
	}
	if !bytes.Equal(onDisk[100:], next) {
		t.Error("данные следующего чанка повреждены откатом")
	}
}

// TestApplyChunk_RedeliveryAfterCommit — повторная доставка применённого чанка
// завершается успешно, чанк с другими данными на том же диапазоне отклоняется.
func TestApplyChunk_RedeliveryAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.createUpload(t, "alice", pattern(100))
	chunk := bytes.Repeat([]byte{0x5A}, 50)

	stage := func(data []byte) string {
		t.Helper()
		staged, err := env.files.Stage(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("ошибка Stage: %v", err)
		}
		return staged.Path
	}
	p := queue.AppendPayload{UploadID: rec.ID, Start: 100, Size: 50, StagedPath: stage(chunk)}

	if _, err := env.ingest.ApplyChunk(ctx, nil, p); err != nil {
		t.Fatalf("ошибка ApplyChunk: %v", err)
	}

	// Воркер упал после фиксации: staging-файл задачи остался на месте
	p.StagedPath = stage(chunk)
	got, err := env.ingest.ApplyChunk(ctx, nil, p)
	if err != nil {
		t.Fatalf("повторная доставка должна быть идемпотентной: %v", err)
	}
	if got.Offset != 150 {
		t.Errorf("offset %d, ожидалось 150", got.Offset)
	}

	p.StagedPath = stage(bytes.Repeat([]byte{0x01}, 50))
	_, err = env.ingest.ApplyChunk(ctx, nil, p)
	assertCode(t, err, apierrors.CodeOffsetMismatch)

	stored := env.mustGet(t, rec.ID)
	size, _ := env.files.FileSize(stored.StoragePath)
	if stored.Offset != 150 || size != 150 {
		t.Errorf("offset %d, размер %d, ожидалось 150/150", stored.Offset, size)
	}
	assertStagingEmpty(t, env)
}
