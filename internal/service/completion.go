package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/lifecycle"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/notify"
	"github.com/arturkryukov/artstore/upload-module/internal/queue"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/checksum"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/filestore"
)

var (
	finalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "um_finalize_total",
		Help: "Результаты завершения загрузок (completed, mismatch, deferred)",
	}, []string{"result"})
)

// CompletionConfig — параметры завершения загрузок.
type CompletionConfig struct {
	// Algorithm — имя алгоритма; под этим ключом клиент передаёт сумму
	Algorithm string
	// Required — без контрольной суммы завершение отклоняется
	Required bool
	// AsyncThreshold — начиная с этого размера проверка выполняется в фоне (0 — всегда синхронно)
	AsyncThreshold int64
	// MismatchChannel — канал уведомлений о несовпадении суммы
	MismatchChannel string
}

// FinalizeRequest — запрос завершения загрузки.
type FinalizeRequest struct {
	UploadID string
	Owner    string
	// Checksums — суммы клиента по имени алгоритма
	Checksums map[string]string
}

// FinalizeResult — результат завершения: запись (синхронная проверка)
// или дескриптор фоновой проверки.
type FinalizeResult struct {
	Upload *model.UploadRecord
	Handle *Handle
}

// CompletionService — завершение загрузок с проверкой контрольной суммы.
type CompletionService struct {
	records    *RecordStore
	files      *filestore.FileStore
	sums       *checksum.Engine
	dispatcher Dispatcher
	publisher  notify.Publisher
	cfg        CompletionConfig
	logger     *slog.Logger
}

// NewCompletionService создаёт сервис завершения загрузок.
func NewCompletionService(
	records *RecordStore,
	files *filestore.FileStore,
	sums *checksum.Engine,
	dispatcher Dispatcher,
	publisher notify.Publisher,
	cfg CompletionConfig,
	logger *slog.Logger,
) *CompletionService {
	return &CompletionService{
		records:    records,
		files:      files,
		sums:       sums,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "completion")),
	}
}

// Finalize завершает загрузку.
//
// Поток:
//  1. Контрольная сумма под именем алгоритма (если обязательна)
//  2. Запись владельца существует, не просрочена, в статусе uploading
//  3. offset < AsyncThreshold → VerifyAndComplete синхронно,
//     иначе задача upload:checksum и дескриптор для опроса
func (s *CompletionService) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	sum := strings.TrimSpace(req.Checksums[s.cfg.Algorithm])
	if s.cfg.Required && sum == "" {
		return nil, badRequest(apierrors.CodeChecksumRequired,
			fmt.Sprintf("Требуется контрольная сумма типа '%s'", s.cfg.Algorithm))
	}

	rec, err := s.records.Get(ctx, req.UploadID, req.Owner)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(time.Now().UTC(), s.records.Expiration()) {
		return nil, errExpired()
	}
	if rec.Status != model.StatusUploading {
		return nil, errNotUploading(rec.Status)
	}

	if sum == "" {
		// Проверка отключена и сумма не передана
		done, err := s.complete(ctx, nil, rec.ID, rec.Offset)
		if err != nil {
			return nil, err
		}
		return &FinalizeResult{Upload: done}, nil
	}

	if s.cfg.AsyncThreshold > 0 && rec.Offset >= s.cfg.AsyncThreshold {
		task, err := s.dispatcher.Enqueue(ctx, queue.TypeVerifyChecksum, rec.ID, queue.VerifyPayload{
			UploadID: rec.ID,
			Checksum: sum,
		})
		if err != nil {
			return nil, infraError("постановка проверки суммы", err)
		}
		if err := s.records.SetTask(ctx, rec.ID, task.ID); err != nil {
			return nil, err
		}
		finalizeTotal.WithLabelValues("deferred").Inc()
		return &FinalizeResult{Handle: &Handle{UploadID: rec.ID, TaskID: task.ID, Status: task.State}}, nil
	}

	done, err := s.VerifyAndComplete(ctx, nil, rec.ID, sum)
	if err != nil {
		return nil, err
	}
	return &FinalizeResult{Upload: done}, nil
}

// VerifyAndComplete сверяет сумму файла с суммой клиента.
//
// Совпадение: MarkComplete при проверенном смещении, затем задача
// upload:process, её ID сохраняется в записи.
// Несовпадение: уведомление checksum_mismatch, затем удаление записи и файла.
// Удаление выполняется и при недоступном брокере.
func (s *CompletionService) VerifyAndComplete(ctx context.Context, token *queue.Token, id, expected string) (*model.UploadRecord, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StatusUploading {
		return nil, errNotUploading(rec.Status)
	}
	if err := token.Check(ctx); err != nil {
		return nil, err
	}

	actual, err := s.sums.Checksum(rec.ID, rec.Offset, s.files.FullPath(rec.StoragePath))
	if err != nil {
		return nil, infraError("вычисление контрольной суммы", err)
	}
	if err := token.Check(ctx); err != nil {
		return nil, err
	}

	if !checksum.Equal(actual, expected) {
		return nil, s.reject(ctx, rec)
	}
	return s.complete(ctx, token, rec.ID, rec.Offset)
}

// complete переводит запись, проверенную при смещении offset, в complete
// и ставит задачу обработки.
func (s *CompletionService) complete(ctx context.Context, token *queue.Token, id string, offset int64) (*model.UploadRecord, error) {
	rec, err := s.records.MarkComplete(ctx, token, id, offset, time.Now().UTC(), s.files.CompleteExt())
	if err != nil {
		return nil, err
	}

	task, err := s.dispatcher.Enqueue(ctx, queue.TypeProcessUpload, rec.ID, queue.ProcessPayload{UploadID: rec.ID})
	if err != nil {
		return nil, infraError("постановка задачи обработки", err)
	}
	if err := s.records.SetTask(ctx, rec.ID, task.ID); err != nil {
		return nil, err
	}
	rec.TaskID = &task.ID

	finalizeTotal.WithLabelValues("completed").Inc()
	return rec, nil
}

// reject публикует checksum_mismatch и удаляет запись вместе с файлом.
func (s *CompletionService) reject(ctx context.Context, rec *model.UploadRecord) error {
	const message = "Контрольная сумма не совпадает"

	event, err := notify.MismatchEvent(rec, message)
	if err == nil {
		err = s.publisher.Publish(ctx, s.cfg.MismatchChannel, event)
	}
	if err != nil {
		s.logger.Warn("Не удалось опубликовать уведомление о несовпадении суммы",
			slog.String("upload_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.records.Delete(ctx, rec.ID, false); err != nil {
		return err
	}
	finalizeTotal.WithLabelValues("mismatch").Inc()

	s.logger.Info("Загрузка удалена: контрольная сумма не совпадает",
		slog.String("upload_id", rec.ID),
		slog.String("owner", rec.Owner),
	)
	return badRequest(apierrors.CodeChecksumMismatch, message)
}

// Cancel отменяет загрузку владельца.
func (s *CompletionService) Cancel(ctx context.Context, id, owner string) (lifecycle.CancelResult, error) {
	if _, err := s.records.Get(ctx, id, owner); err != nil {
		return lifecycle.CancelUnknownState, err
	}
	return s.records.Cancel(ctx, id)
}
