package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/lifecycle"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/queue"
	"github.com/arturkryukov/artstore/upload-module/internal/repository"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/checksum"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/filestore"
)

// Dispatcher — постановка и прерывание фоновых задач.
// Реализуется queue.Client.
type Dispatcher interface {
	Enqueue(ctx context.Context, taskType, uploadID string, payload any) (*model.TaskRecord, error)
	Abort(ctx context.Context, taskID string) error
}

// RecordStore — операции над записями загрузок с побочными эффектами
// (файл на диске, кэш контрольных сумм, прерывание задач), выполняемыми явно.
type RecordStore struct {
	store      repository.Store
	files      *filestore.FileStore
	sums       *checksum.Engine
	dispatcher Dispatcher
	expiration time.Duration
	logger     *slog.Logger
}

// NewRecordStore создаёт хранилище записей загрузок.
func NewRecordStore(
	store repository.Store,
	files *filestore.FileStore,
	sums *checksum.Engine,
	dispatcher Dispatcher,
	expiration time.Duration,
	logger *slog.Logger,
) *RecordStore {
	return &RecordStore{
		store:      store,
		files:      files,
		sums:       sums,
		dispatcher: dispatcher,
		expiration: expiration,
		logger:     logger.With(slog.String("component", "records")),
	}
}

// Expiration возвращает окно жизни загрузки.
func (s *RecordStore) Expiration() time.Duration {
	return s.expiration
}

// Create сохраняет новую запись.
func (s *RecordStore) Create(ctx context.Context, rec *model.UploadRecord) error {
	if err := s.store.Uploads().Create(ctx, rec); err != nil {
		return s.mapErr(rec.ID, err)
	}
	return nil
}

// GetByID возвращает запись без проверки владельца.
func (s *RecordStore) GetByID(ctx context.Context, id string) (*model.UploadRecord, error) {
	rec, err := s.store.Uploads().GetByID(ctx, id)
	if err != nil {
		return nil, s.mapErr(id, err)
	}
	return rec, nil
}

// Get возвращает запись владельца. Чужая запись неотличима от отсутствующей.
func (s *RecordStore) Get(ctx context.Context, id, owner string) (*model.UploadRecord, error) {
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Owner != owner {
		return nil, errNotFound(id)
	}
	return rec, nil
}

// Task возвращает дескриптор задачи.
func (s *RecordStore) Task(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	task, err := s.store.Tasks().GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &UploadError{
				StatusCode: http.StatusNotFound,
				Code:       apierrors.CodeNotFound,
				Message:    fmt.Sprintf("Задача %s не найдена", taskID),
			}
		}
		return nil, infraError("чтение задачи", err)
	}
	return task, nil
}

// TaskState возвращает состояние последней задачи записи (nil, если задачи нет).
func (s *RecordStore) TaskState(ctx context.Context, rec *model.UploadRecord) (*model.TaskState, error) {
	if rec.TaskID == nil {
		return nil, nil
	}
	task, err := s.store.Tasks().GetByID(ctx, *rec.TaskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, infraError("чтение задачи", err)
	}
	return &task.State, nil
}

// List возвращает загрузки владельца.
func (s *RecordStore) List(ctx context.Context, owner string, status *model.UploadStatus, limit, offset int) ([]*model.UploadRecord, error) {
	recs, err := s.store.Uploads().List(ctx, repository.UploadListFilter{Owner: &owner, Status: status}, limit, offset)
	if err != nil {
		return nil, infraError("список загрузок", err)
	}
	return recs, nil
}

// SetTask запоминает последнюю задачу загрузки.
func (s *RecordStore) SetTask(ctx context.Context, id, taskID string) error {
	if err := s.store.Uploads().SetTask(ctx, id, taskID); err != nil {
		return s.mapErr(id, err)
	}
	return nil
}

// Delete удаляет запись, затем backing-файл (если keepFile == false).
// Повторное удаление не является ошибкой.
func (s *RecordStore) Delete(ctx context.Context, id string, keepFile bool) error {
	rec, err := s.store.Uploads().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return infraError("чтение записи", err)
	}

	if err := s.store.Uploads().Delete(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return infraError("удаление записи", err)
	}
	s.sums.Invalidate(id)

	if keepFile {
		return nil
	}
	if err := s.files.DeleteFile(rec.StoragePath); err != nil {
		return infraError("удаление файла", err)
	}
	return nil
}

// MarkComplete переводит загрузку uploading → complete в одной транзакции:
// блокировка строки, проверка статуса и смещения, переименование файла в ext,
// смена статуса, проверка прерывания перед фиксацией.
// offset — смещение, при котором проверялась контрольная сумма; если
// с тех пор дописан чанк, возвращается OFFSET_MISMATCH.
// Если транзакция не зафиксирована, файл переименовывается обратно.
func (s *RecordStore) MarkComplete(
	ctx context.Context,
	token *queue.Token,
	id string,
	offset int64,
	completedAt time.Time,
	ext string,
) (*model.UploadRecord, error) {
	var (
		oldPath, newPath string
		renamed          bool
		out              *model.UploadRecord
	)

	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Repos) error {
		rec, err := tx.Uploads().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !lifecycle.CanTransition(rec.Status, model.StatusComplete) {
			return errNotUploading(rec.Status)
		}
		if rec.Offset != offset {
			return errOffsetMismatch(rec.Offset, offset)
		}
		if err := s.trimTail(rec); err != nil {
			return err
		}

		oldPath = rec.StoragePath
		newPath, err = s.files.Complete(rec.StoragePath, ext)
		if err != nil {
			return infraError("переименование файла", err)
		}
		renamed = newPath != oldPath

		if err := tx.Uploads().MarkComplete(ctx, id, newPath, completedAt); err != nil {
			return err
		}
		if err := token.Check(ctx); err != nil {
			return err
		}

		rec.StoragePath = newPath
		rec.Status = model.StatusComplete
		rec.CompletedAt = &completedAt
		out = rec
		return nil
	})
	if err != nil {
		if renamed {
			if rbErr := s.files.Rename(newPath, oldPath); rbErr != nil {
				s.logger.Error("Не удалось вернуть имя файла после отката",
					slog.String("upload_id", id),
					slog.String("error", rbErr.Error()),
				)
			}
		}
		return nil, s.mapErr(id, err)
	}

	s.logger.Info("Загрузка завершена",
		slog.String("upload_id", id),
		slog.String("storage_path", out.StoragePath),
		slog.Int64("offset", out.Offset),
	)
	return out, nil
}

// trimTail обрезает остаток прерванной дозаписи за offset, чтобы
// завершённый файл содержал ровно подтверждённые байты.
func (s *RecordStore) trimTail(rec *model.UploadRecord) error {
	size, err := s.files.FileSize(rec.StoragePath)
	if err != nil {
		return infraError("размер файла", err)
	}
	if size > rec.Offset {
		if err := s.files.Truncate(rec.StoragePath, rec.Offset); err != nil {
			return infraError("обрезка файла", err)
		}
	}
	return nil
}

// Cancel отменяет загрузку.
//
//   - uploading → aborted (незавершённая задача записи прерывается)
//   - complete, задача раньше REVOKED → задача прерывается, aborted
//   - aborted, archived или задача REVOKED и позже → CancelNotCancellable
//   - complete без задачи → CancelUnknownState
func (s *RecordStore) Cancel(ctx context.Context, id string) (lifecycle.CancelResult, error) {
	var result lifecycle.CancelResult

	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Repos) error {
		rec, err := tx.Uploads().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		var task *model.TaskRecord
		if rec.TaskID != nil {
			task, err = tx.Tasks().GetByID(ctx, *rec.TaskID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}
		var state *model.TaskState
		if task != nil {
			state = &task.State
		}

		result = lifecycle.DecideCancel(rec.Status, state)
		if result != lifecycle.CancelDone {
			return nil
		}

		// Флаг выставляется до смены статуса: при ошибке брокера транзакция откатывается
		if task != nil && !task.State.Terminal() {
			if err := s.dispatcher.Abort(ctx, task.ID); err != nil {
				return infraError("прерывание задачи", err)
			}
		}
		return tx.Uploads().SetStatus(ctx, id, rec.Status, model.StatusAborted)
	})
	if err != nil {
		return lifecycle.CancelUnknownState, s.mapErr(id, err)
	}

	s.logger.Info("Отмена загрузки",
		slog.String("upload_id", id),
		slog.String("result", result.String()),
	)
	return result, nil
}

// Archive переводит завершённую или отменённую загрузку в archived.
// Архивные записи удаляются при следующей очистке.
func (s *RecordStore) Archive(ctx context.Context, id string) (*model.UploadRecord, error) {
	var out *model.UploadRecord

	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Repos) error {
		rec, err := tx.Uploads().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := lifecycle.Transition(rec.Status, model.StatusArchived); err != nil {
			var te *lifecycle.TransitionError
			if errors.As(err, &te) {
				return &UploadError{StatusCode: http.StatusConflict, Code: te.Code, Message: te.Message}
			}
			return err
		}
		if err := tx.Uploads().SetStatus(ctx, id, rec.Status, model.StatusArchived); err != nil {
			return err
		}
		rec.Status = model.StatusArchived
		out = rec
		return nil
	})
	if err != nil {
		return nil, s.mapErr(id, err)
	}
	return out, nil
}

// mapErr приводит ошибки слоя репозитория к ошибкам сервиса.
// UploadError, ErrAborted, ошибки контекста и уже обёрнутые
// инфраструктурные ошибки возвращаются без изменений.
func (s *RecordStore) mapErr(id string, err error) error {
	if _, ok := AsUploadError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, queue.ErrAborted),
		errors.Is(err, ErrInfrastructure),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return errNotFound(id)
	case errors.Is(err, repository.ErrConflict):
		return &UploadError{
			StatusCode: http.StatusConflict,
			Code:       apierrors.CodeInvalidTransition,
			Message:    fmt.Sprintf("Загрузка %s изменена конкурентно", id),
		}
	default:
		return infraError("хранилище записей", err)
	}
}
