package handlers

import (
	"net/http"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
	"github.com/arturkryukov/artstore/upload-module/internal/api/middleware"
	"github.com/arturkryukov/artstore/upload-module/internal/service"
)

// GetTask — GET /api/v1/tasks/{id}: опрос дескриптора задачи.
// Задача чужой загрузки не видна. Задача удалённой загрузки (несовпадение суммы)
// остаётся доступной до очистки, чтобы клиент узнал итог.
func (h *APIHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := bindPathID(w, r)
	if !ok {
		return
	}
	task, err := h.records.Task(r.Context(), taskID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	rec, err := h.records.GetByID(r.Context(), task.UploadID)
	if err != nil {
		if ue, ok := service.AsUploadError(err); !ok || ue.StatusCode != http.StatusNotFound {
			h.writeServiceError(w, r, err)
			return
		}
	} else if rec.Owner != middleware.SubjectFromContext(r.Context()) {
		apierrors.NotFound(w, "Задача "+taskID+" не найдена")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// StreamUploads — GET /ws/uploads: websocket-поток событий владельца.
func (h *APIHandler) StreamUploads(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r, middleware.SubjectFromContext(r.Context()))
}
