package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/queue"
	"github.com/arturkryukov/artstore/upload-module/internal/repository"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/checksum"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/filestore"
)

var (
	chunksAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_chunks_accepted_total",
		Help: "Количество принятых чанков",
	})

	chunksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "um_chunks_rejected_total",
		Help: "Количество отклонённых чанков по коду ошибки",
	}, []string{"code"})

	bytesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_bytes_appended_total",
		Help: "Количество байт, дописанных в backing-файлы",
	})
)

// contentRangePattern — формат заголовка Content-Range чанка.
var contentRangePattern = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

// ContentRange — диапазон чанка [Start, End] (включительно) файла размером Total.
type ContentRange struct {
	Start int64
	End   int64
	Total int64
}

// Size возвращает длину диапазона.
func (r ContentRange) Size() int64 {
	return r.End - r.Start + 1
}

// ParseContentRange разбирает заголовок "bytes {start}-{end}/{total}".
func ParseContentRange(header string) (ContentRange, error) {
	m := contentRangePattern.FindStringSubmatch(header)
	if m == nil {
		return ContentRange{}, fmt.Errorf("некорректный Content-Range: %q", header)
	}
	var vals [3]int64
	for i := range vals {
		v, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return ContentRange{}, fmt.Errorf("некорректный Content-Range: %q: %w", header, err)
		}
		vals[i] = v
	}
	cr := ContentRange{Start: vals[0], End: vals[1], Total: vals[2]}
	if cr.Start > cr.End {
		return ContentRange{}, fmt.Errorf("некорректный Content-Range: начало %d больше конца %d", cr.Start, cr.End)
	}
	return cr, nil
}

// ChunkRequest — чанк, принятый на уровне запросов.
type ChunkRequest struct {
	// UploadID — ID продолжаемой загрузки; пусто для новой
	UploadID string
	// Owner — владелец (sub из JWT)
	Owner string
	// Filename — имя файла новой загрузки
	Filename string
	// ContentRange — значение заголовка Content-Range
	ContentRange string
	// Whole — чанк содержит весь файл, диапазон [0, PayloadSize-1]
	Whole bool
	// Checksum — контрольная сумма целого файла (только для Whole)
	Checksum string
	// Payload — данные чанка; nil, если чанк не передан
	Payload io.Reader
	// PayloadSize — заявленная длина данных (-1, если неизвестна)
	PayloadSize int64
}

// Handle — опрашиваемый дескриптор фоновой задачи.
type Handle struct {
	UploadID string          `json:"upload_id"`
	TaskID   string          `json:"task_id"`
	Status   model.TaskState `json:"status"`
}

// IngestService — приём чанков.
//
// Уровень запросов (Submit) проверяет чанк, сохраняет его в staging
// и ставит задачу; уровень воркеров (ApplyChunk, CreateUpload) применяет
// чанк к записи под блокировкой строки.
type IngestService struct {
	records    *RecordStore
	store      repository.Store
	files      *filestore.FileStore
	sums       *checksum.Engine
	dispatcher Dispatcher
	maxBytes   int64
	logger     *slog.Logger
}

// NewIngestService создаёт сервис приёма чанков. maxBytes = 0 — без ограничения.
func NewIngestService(
	records *RecordStore,
	store repository.Store,
	files *filestore.FileStore,
	sums *checksum.Engine,
	dispatcher Dispatcher,
	maxBytes int64,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		records:    records,
		store:      store,
		files:      files,
		sums:       sums,
		dispatcher: dispatcher,
		maxBytes:   maxBytes,
		logger:     logger.With(slog.String("component", "ingest")),
	}
}

// Submit проверяет чанк, сохраняет его в staging и ставит задачу
// upload:append (продолжение) или upload:create (новая загрузка).
//
// Порядок проверок:
//  1. Чанк передан, Content-Range корректен
//  2. end <= total
//  3. total <= max_bytes
//  4. Длина данных = end - start + 1
//  5. Продолжение: запись существует, не просрочена, в статусе uploading, offset = start
//  6. Новая загрузка: владелец определён
func (s *IngestService) Submit(ctx context.Context, req ChunkRequest) (*Handle, error) {
	h, err := s.submit(ctx, req)
	if err != nil {
		if ue, ok := AsUploadError(err); ok {
			chunksRejectedTotal.WithLabelValues(ue.Code).Inc()
		}
		return nil, err
	}
	return h, nil
}

func (s *IngestService) submit(ctx context.Context, req ChunkRequest) (*Handle, error) {
	if req.Payload == nil {
		return nil, badRequest(apierrors.CodeMissingPayload, "Чанк не передан")
	}

	cr, err := s.resolveRange(req)
	if err != nil {
		return nil, err
	}
	if err := s.checkRange(cr); err != nil {
		return nil, err
	}

	// Читаем на байт больше ожидаемого, чтобы обнаружить лишние данные
	staged, err := s.files.Stage(io.LimitReader(req.Payload, cr.Size()+1))
	if err != nil {
		return nil, infraError("сохранение чанка", err)
	}
	keep := false
	defer func() {
		if !keep {
			s.discardStaged(staged.Path)
		}
	}()

	if staged.Size != cr.Size() {
		got := strconv.FormatInt(staged.Size, 10)
		if staged.Size > cr.Size() {
			got = "более " + strconv.FormatInt(cr.Size(), 10)
		}
		return nil, badRequest(apierrors.CodeSizeMismatch,
			fmt.Sprintf("Размер чанка не совпадает с заголовком: получено %s байт, заявлено %d", got, cr.Size()))
	}

	var (
		uploadID string
		taskType string
		payload  any
	)
	if req.UploadID != "" {
		rec, err := s.records.Get(ctx, req.UploadID, req.Owner)
		if err != nil {
			return nil, err
		}
		if err := checkAppendable(rec, cr.Start, time.Now().UTC(), s.records.Expiration()); err != nil {
			return nil, err
		}
		uploadID, taskType = rec.ID, queue.TypeAppendChunk
		payload = queue.AppendPayload{
			UploadID:   rec.ID,
			Start:      cr.Start,
			Size:       staged.Size,
			StagedPath: staged.Path,
		}
	} else {
		if req.Owner == "" {
			return nil, &UploadError{
				StatusCode: http.StatusUnauthorized,
				Code:       apierrors.CodeOwnerRequired,
				Message:    "Для создания загрузки требуется аутентифицированный владелец",
			}
		}
		if req.Filename == "" {
			return nil, badRequest(apierrors.CodeValidationError, "Не указано имя файла")
		}
		if cr.Start != 0 {
			return nil, errOffsetMismatch(0, cr.Start)
		}
		uploadID, taskType = NewUploadID(), queue.TypeCreateUpload
		create := queue.CreatePayload{
			UploadID:   uploadID,
			Owner:      req.Owner,
			Filename:   req.Filename,
			StagedPath: staged.Path,
			Size:       staged.Size,
		}
		if req.Whole {
			create.Checksum = req.Checksum
		}
		payload = create
	}

	task, err := s.dispatcher.Enqueue(ctx, taskType, uploadID, payload)
	if err != nil {
		return nil, infraError("постановка задачи", err)
	}
	keep = true
	chunksAcceptedTotal.Inc()

	s.logger.Info("Чанк принят",
		slog.String("upload_id", uploadID),
		slog.String("task_id", task.ID),
		slog.String("type", taskType),
		slog.Int64("start", cr.Start),
		slog.String("size", units.BytesSize(float64(staged.Size))),
	)
	return &Handle{UploadID: uploadID, TaskID: task.ID, Status: task.State}, nil
}

// resolveRange определяет диапазон чанка по заголовку или флагу Whole.
func (s *IngestService) resolveRange(req ChunkRequest) (ContentRange, error) {
	if req.Whole {
		if req.PayloadSize < 0 {
			return ContentRange{}, badRequest(apierrors.CodeValidationError, "Не указан размер файла")
		}
		return ContentRange{Start: 0, End: req.PayloadSize - 1, Total: req.PayloadSize}, nil
	}
	cr, err := ParseContentRange(req.ContentRange)
	if err != nil {
		return ContentRange{}, badRequest(apierrors.CodeInvalidContentRange, "Ошибка в заголовках запроса: "+err.Error())
	}
	return cr, nil
}

// checkRange — проверки 2 и 3.
func (s *IngestService) checkRange(cr ContentRange) error {
	if cr.End > cr.Total {
		return badRequest(apierrors.CodeRangeExceedsTotal,
			fmt.Sprintf("Конец чанка превышает заявленный размер (%d байт)", cr.Total))
	}
	if s.maxBytes > 0 && cr.Total > s.maxBytes {
		return badRequest(apierrors.CodeFileTooLarge,
			fmt.Sprintf("Размер файла превышает лимит (%s)", units.BytesSize(float64(s.maxBytes))))
	}
	return nil
}

// checkAppendable — проверка 5: запись принимает чанк, начинающийся со start.
func checkAppendable(rec *model.UploadRecord, start int64, now time.Time, window time.Duration) error {
	if rec.IsExpired(now, window) {
		return errExpired()
	}
	if rec.Status != model.StatusUploading {
		return errNotUploading(rec.Status)
	}
	if rec.Offset != start {
		return errOffsetMismatch(rec.Offset, start)
	}
	return nil
}

// ApplyChunk дописывает staging-файл в загрузку (уровень воркеров).
//
// В одной транзакции с блокировкой строки: повторная проверка статуса,
// срока и смещения, дозапись с fsync, сдвиг offset с условием
// upload_offset = expected, проверка прерывания перед фиксацией.
// Откат дозаписи (обрезка файла до прежнего offset) выполняется внутри
// транзакции, пока строка заблокирована.
//
// Повторная доставка уже применённого чанка (offset = start + size и файл
// содержит данные чанка) завершается успешно без изменений.
func (s *IngestService) ApplyChunk(ctx context.Context, token *queue.Token, p queue.AppendPayload) (*model.UploadRecord, error) {
	var (
		out     *model.UploadRecord
		applied bool
	)

	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Repos) (err error) {
		rec, err := tx.Uploads().GetForUpdate(ctx, p.UploadID)
		if err != nil {
			return err
		}
		if s.alreadyApplied(rec, p) {
			applied = true
			out = rec
			return nil
		}
		if err := checkAppendable(rec, p.Start, time.Now().UTC(), s.records.Expiration()); err != nil {
			return err
		}

		chunk, err := s.files.Open(p.StagedPath)
		if err != nil {
			return infraError("чтение чанка", err)
		}
		defer chunk.Close()

		n, err := s.files.Append(rec.StoragePath, rec.Offset, chunk)
		if err != nil {
			return infraError("дозапись чанка", err)
		}
		defer func() {
			if err != nil {
				s.truncate(rec.ID, rec.StoragePath, rec.Offset)
			}
		}()
		if n != p.Size {
			return badRequest(apierrors.CodeSizeMismatch,
				fmt.Sprintf("Размер чанка %d не совпадает с заявленным %d", n, p.Size))
		}

		next := rec.Offset + n
		if err := tx.Uploads().AdvanceOffset(ctx, rec.ID, rec.Offset, next); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				if cur, getErr := tx.Uploads().GetByID(ctx, rec.ID); getErr == nil {
					return errOffsetMismatch(cur.Offset, p.Start)
				}
			}
			return err
		}
		if err := token.Check(ctx); err != nil {
			return err
		}

		rec.Offset = next
		out = rec
		return nil
	})
	if err != nil {
		err = s.records.mapErr(p.UploadID, err)
		if isFinal(err) {
			s.discardStaged(p.StagedPath)
		}
		return nil, err
	}

	s.discardStaged(p.StagedPath)
	if applied {
		s.logger.Info("Чанк уже применён, повторная доставка",
			slog.String("upload_id", p.UploadID),
			slog.Int64("offset", out.Offset),
		)
		return out, nil
	}

	s.sums.Invalidate(p.UploadID)
	bytesAppendedTotal.Add(float64(p.Size))

	s.logger.Debug("Чанк дописан",
		slog.String("upload_id", p.UploadID),
		slog.Int64("offset", out.Offset),
	)
	return out, nil
}

// alreadyApplied — чанк p уже дописан предыдущей доставкой задачи.
func (s *IngestService) alreadyApplied(rec *model.UploadRecord, p queue.AppendPayload) bool {
	if p.Size <= 0 || rec.Offset != p.Start+p.Size {
		return false
	}
	ok, err := s.files.Holds(rec.StoragePath, p.Start, p.StagedPath)
	return err == nil && ok
}

// truncate обрезает backing-файл до offset после неудачной дозаписи.
func (s *IngestService) truncate(id, storagePath string, offset int64) {
	if err := s.files.Truncate(storagePath, offset); err != nil {
		s.logger.Error("Не удалось обрезать файл после отката",
			slog.String("upload_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// CreateUpload создаёт загрузку из staging-файла первого чанка (уровень воркеров).
// Повторная доставка задачи для уже созданной записи возвращает её без изменений.
func (s *IngestService) CreateUpload(ctx context.Context, token *queue.Token, p queue.CreatePayload) (*model.UploadRecord, error) {
	if existing, err := s.store.Uploads().GetByID(ctx, p.UploadID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, infraError("чтение записи", err)
	}

	if err := token.Check(ctx); err != nil {
		if isFinal(err) {
			s.discardStaged(p.StagedPath)
		}
		return nil, err
	}

	storagePath, err := s.files.Adopt(p.StagedPath, p.UploadID)
	if err != nil {
		return nil, infraError("перенос чанка", err)
	}

	rec := &model.UploadRecord{
		ID:          p.UploadID,
		StoragePath: storagePath,
		Filename:    p.Filename,
		Offset:      p.Size,
		Status:      model.StatusUploading,
		CreatedAt:   time.Now().UTC(),
		Owner:       p.Owner,
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx repository.Repos) error {
		if err := tx.Uploads().Create(ctx, rec); err != nil {
			return err
		}
		return token.Check(ctx)
	})
	if err != nil {
		err = s.records.mapErr(p.UploadID, err)
		if isFinal(err) {
			_ = s.files.DeleteFile(storagePath)
		} else if mvErr := s.files.Rename(storagePath, p.StagedPath); mvErr != nil {
			// Staging-файл для повтора потерян, повтор завершится ошибкой
			s.logger.Error("Не удалось вернуть чанк в staging",
				slog.String("upload_id", p.UploadID),
				slog.String("error", mvErr.Error()),
			)
		}
		return nil, err
	}

	chunksAcceptedTotal.Inc()
	bytesAppendedTotal.Add(float64(p.Size))
	s.logger.Info("Загрузка создана",
		slog.String("upload_id", rec.ID),
		slog.String("owner", rec.Owner),
		slog.String("filename", rec.Filename),
		slog.Int64("offset", rec.Offset),
	)
	return rec, nil
}

// Create синхронно создаёт загрузку из первого чанка.
func (s *IngestService) Create(ctx context.Context, token *queue.Token, owner, filename string, data io.Reader) (*model.UploadRecord, error) {
	if owner == "" {
		return nil, &UploadError{
			StatusCode: http.StatusUnauthorized,
			Code:       apierrors.CodeOwnerRequired,
			Message:    "Для создания загрузки требуется аутентифицированный владелец",
		}
	}
	staged, err := s.files.Stage(data)
	if err != nil {
		return nil, infraError("сохранение чанка", err)
	}
	if s.maxBytes > 0 && staged.Size > s.maxBytes {
		s.discardStaged(staged.Path)
		return nil, badRequest(apierrors.CodeFileTooLarge,
			fmt.Sprintf("Размер файла превышает лимит (%s)", units.BytesSize(float64(s.maxBytes))))
	}
	return s.CreateUpload(ctx, token, queue.CreatePayload{
		UploadID:   NewUploadID(),
		Owner:      owner,
		Filename:   filename,
		StagedPath: staged.Path,
		Size:       staged.Size,
	})
}

// Append синхронно дописывает чанк, начинающийся со start, в загрузку владельца.
func (s *IngestService) Append(ctx context.Context, token *queue.Token, id, owner string, start int64, data io.Reader) (*model.UploadRecord, error) {
	if _, err := s.records.Get(ctx, id, owner); err != nil {
		return nil, err
	}
	staged, err := s.files.Stage(data)
	if err != nil {
		return nil, infraError("сохранение чанка", err)
	}
	return s.ApplyChunk(ctx, token, queue.AppendPayload{
		UploadID:   id,
		Start:      start,
		Size:       staged.Size,
		StagedPath: staged.Path,
	})
}

// discardStaged удаляет staging-файл, ошибка только логируется.
func (s *IngestService) discardStaged(path string) {
	if err := s.files.DeleteFile(path); err != nil {
		s.logger.Warn("Не удалось удалить staging-файл",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// isFinal — ошибка не будет исправлена повтором задачи.
func isFinal(err error) bool {
	if _, ok := AsUploadError(err); ok {
		return true
	}
	return errors.Is(err, queue.ErrAborted)
}

// NewUploadID генерирует ID загрузки: 32 hex-символа (UUID v4 без дефисов).
func NewUploadID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
