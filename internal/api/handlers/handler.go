// handler.go — обработчики API загрузок.
// Делегируют в сервисный слой; владелец берётся из JWT (middleware.SubjectFromContext).
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
	"github.com/arturkryukov/artstore/upload-module/internal/notify"
	"github.com/arturkryukov/artstore/upload-module/internal/service"
)

// APIHandler — обработчик API Upload Module.
type APIHandler struct {
	ingest     *service.IngestService
	completion *service.CompletionService
	records    *service.RecordStore
	hub        *notify.Hub
	algorithm  string
	logger     *slog.Logger
}

// NewAPIHandler создаёт обработчик API. algorithm — имя поля формы
// с контрольной суммой целого файла (UM_CHECKSUM_TYPE).
func NewAPIHandler(
	ingest *service.IngestService,
	completion *service.CompletionService,
	records *service.RecordStore,
	hub *notify.Hub,
	algorithm string,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		ingest:     ingest,
		completion: completion,
		records:    records,
		hub:        hub,
		algorithm:  algorithm,
		logger:     logger.With(slog.String("component", "api_handler")),
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if ue, ok := service.AsUploadError(err); ok {
		apierrors.WriteDetail(w, ue.StatusCode, apierrors.ErrorDetail{
			Code:           ue.Code,
			Message:        ue.Message,
			ExpectedOffset: ue.ExpectedOffset,
			ProvidedOffset: ue.ProvidedOffset,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrInfrastructure):
		h.logger.Error("Инфраструктурная ошибка",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InfrastructureError(w, "Хранилище или брокер временно недоступны")
	case errors.Is(err, context.Canceled):
		// Клиент отключился, ответ уже никто не прочитает
	default:
		h.logger.Error("Внутренняя ошибка",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
