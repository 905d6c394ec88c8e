package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/go-units"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/queue"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/checksum"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/filestore"
)

// ProcessResult — результат обработки завершённой загрузки.
type ProcessResult struct {
	UploadID  string `json:"upload_id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Algorithm string `json:"algorithm"`
	Checksum  string `json:"checksum"`
}

// ProcessService — обработка загрузки после завершения (задача upload:process).
type ProcessService struct {
	records *RecordStore
	files   *filestore.FileStore
	sums    *checksum.Engine
	logger  *slog.Logger
}

// NewProcessService создаёт сервис обработки.
func NewProcessService(records *RecordStore, files *filestore.FileStore, sums *checksum.Engine, logger *slog.Logger) *ProcessService {
	return &ProcessService{
		records: records,
		files:   files,
		sums:    sums,
		logger:  logger.With(slog.String("component", "processing")),
	}
}

// Process проверяет завершённую загрузку: статус complete, размер файла
// равен offset, итоговая контрольная сумма. Прерывается в контрольных точках.
func (s *ProcessService) Process(ctx context.Context, token *queue.Token, id string) (*ProcessResult, error) {
	if err := token.Check(ctx); err != nil {
		return nil, err
	}

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StatusComplete {
		return nil, badRequest(apierrors.CodeInvalidState,
			fmt.Sprintf("Загрузка %s в статусе %s, ожидался complete", id, rec.Status))
	}

	size, err := s.files.FileSize(rec.StoragePath)
	if err != nil {
		return nil, infraError("размер файла", err)
	}
	if size != rec.Offset {
		return nil, badRequest(apierrors.CodeSizeMismatch,
			fmt.Sprintf("Размер файла %d не совпадает со смещением %d", size, rec.Offset))
	}

	sum, err := s.sums.Checksum(rec.ID, rec.Offset, s.files.FullPath(rec.StoragePath))
	if err != nil {
		return nil, infraError("вычисление контрольной суммы", err)
	}
	if err := token.Check(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("Загрузка обработана",
		slog.String("upload_id", rec.ID),
		slog.String("size", units.BytesSize(float64(size))),
		slog.String("checksum", sum),
	)
	return &ProcessResult{
		UploadID:  rec.ID,
		Filename:  rec.Filename,
		Size:      size,
		Algorithm: s.sums.Algorithm(),
		Checksum:  sum,
	}, nil
}
