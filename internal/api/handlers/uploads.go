// uploads.go — обработчики /api/v1/uploads.
//
// Чанк передаётся multipart-полем file, диапазон — заголовком Content-Range.
// Приём чанка асинхронный: ответ 202 с дескриптором задачи.
package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
	"github.com/arturkryukov/artstore/upload-module/internal/api/middleware"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/lifecycle"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/service"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/checksum"
)

// multipartMemory — часть формы, которая держится в памяти; остальное уходит во временные файлы.
const multipartMemory = 32 << 20

// uploadResponse — запись загрузки в ответе API.
type uploadResponse struct {
	*model.UploadRecord
	ExpiresAt     time.Time `json:"expires_at"`
	DisplayStatus string    `json:"display_status,omitempty"`
}

// cancelResponse — ответ на успешную отмену.
type cancelResponse struct {
	UploadID string `json:"upload_id"`
	Result   string `json:"result"`
}

// chunkPayload — файл из multipart-формы.
type chunkPayload struct {
	file     multipart.File
	filename string
	size     int64
}

func (p *chunkPayload) reader() io.Reader {
	if p.file == nil {
		return nil
	}
	return p.file
}

// readPayload разбирает multipart-форму и извлекает поле file.
// Отсутствие формы или поля не является ошибкой: сервис ответит MISSING_PAYLOAD.
func readPayload(r *http.Request) (*chunkPayload, error) {
	p := &chunkPayload{size: -1}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return p, nil
		}
		return nil, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return p, nil
		}
		return nil, err
	}
	p.file, p.filename, p.size = file, header.Filename, header.Size
	return p, nil
}

func (p *chunkPayload) close(r *http.Request) {
	if p.file != nil {
		p.file.Close()
	}
	if r.MultipartForm != nil {
		_ = r.MultipartForm.RemoveAll()
	}
}

// submitChunk — общий путь PUT /api/v1/uploads, PUT /api/v1/uploads/{id}
// и POST /api/v1/uploads.
func (h *APIHandler) submitChunk(w http.ResponseWriter, r *http.Request, uploadID string, whole bool) {
	p, err := readPayload(r)
	if err != nil {
		apierrors.ValidationError(w, "Некорректная multipart-форма: "+err.Error())
		return
	}
	defer p.close(r)

	filename := r.FormValue("filename")
	if filename == "" {
		filename = p.filename
	}

	req := service.ChunkRequest{
		UploadID:     uploadID,
		Owner:        middleware.SubjectFromContext(r.Context()),
		Filename:     filename,
		ContentRange: r.Header.Get("Content-Range"),
		Whole:        whole,
		Payload:      p.reader(),
		PayloadSize:  p.size,
	}
	if whole {
		req.Checksum = r.FormValue(h.algorithm)
	}

	handle, err := h.ingest.Submit(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

// CreateUpload — PUT /api/v1/uploads: новая загрузка с первым чанком.
func (h *APIHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	h.submitChunk(w, r, "", false)
}

// CreateWholeUpload — POST /api/v1/uploads: новая загрузка из целого файла.
// Если передана сумма под именем алгоритма, загрузка завершается в той же задаче.
func (h *APIHandler) CreateWholeUpload(w http.ResponseWriter, r *http.Request) {
	h.submitChunk(w, r, "", true)
}

// AppendChunk — PUT /api/v1/uploads/{id}: дозапись чанка.
func (h *APIHandler) AppendChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := bindPathID(w, r)
	if !ok {
		return
	}
	h.submitChunk(w, r, id, false)
}

// FinalizeUpload — POST /api/v1/uploads/{id}: завершение с проверкой суммы.
// 200 с записью или 202 с дескриптором фоновой проверки.
func (h *APIHandler) FinalizeUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := bindPathID(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		apierrors.ValidationError(w, "Некорректная форма: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	sums := make(map[string]string)
	for _, alg := range checksum.Supported() {
		if v := r.FormValue(alg); v != "" {
			sums[alg] = v
		}
	}

	res, err := h.completion.Finalize(r.Context(), service.FinalizeRequest{
		UploadID:  id,
		Owner:     middleware.SubjectFromContext(r.Context()),
		Checksums: sums,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if res.Handle != nil {
		writeJSON(w, http.StatusAccepted, res.Handle)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(res.Upload, ""))
}

// ListUploads — GET /api/v1/uploads?status=&limit=&offset=.
func (h *APIHandler) ListUploads(w http.ResponseWriter, r *http.Request) {
	params, err := bindListUploadsParams(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	limit, offset := params.page()

	var status *model.UploadStatus
	if params.Status != nil && *params.Status != "" {
		st, err := lifecycle.ParseStatus(*params.Status)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		status = &st
	}

	recs, err := h.records.List(r.Context(), middleware.SubjectFromContext(r.Context()), status, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	items := make([]uploadResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, h.toResponse(rec, ""))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

// GetUpload — GET /api/v1/uploads/{id}: запись и отображаемый статус.
func (h *APIHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := bindPathID(w, r)
	if !ok {
		return
	}
	rec, err := h.records.Get(r.Context(), id, middleware.SubjectFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	state, err := h.records.TaskState(r.Context(), rec)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(rec, lifecycle.DisplayStatus(rec.Status, state)))
}

// CancelUpload — POST /api/v1/uploads/{id}/cancel.
// 200 отменена, 409 отмена невозможна, 500 состояние не позволяет решить.
func (h *APIHandler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := bindPathID(w, r)
	if !ok {
		return
	}
	result, err := h.completion.Cancel(r.Context(), id, middleware.SubjectFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	switch result {
	case lifecycle.CancelDone:
		writeJSON(w, http.StatusOK, cancelResponse{UploadID: id, Result: result.String()})
	case lifecycle.CancelNotCancellable:
		apierrors.WriteError(w, http.StatusConflict, apierrors.CodeNotCancellable, "Загрузка не может быть отменена")
	default:
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.CodeInvalidState, "Состояние загрузки не позволяет выполнить отмену")
	}
}

// ArchiveUpload — POST /api/v1/uploads/{id}/archive.
func (h *APIHandler) ArchiveUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := bindPathID(w, r)
	if !ok {
		return
	}
	if _, err := h.records.Get(r.Context(), id, middleware.SubjectFromContext(r.Context())); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	rec, err := h.records.Archive(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(rec, ""))
}

func (h *APIHandler) toResponse(rec *model.UploadRecord, display string) uploadResponse {
	return uploadResponse{
		UploadRecord:  rec,
		ExpiresAt:     rec.ExpiresAt(h.records.Expiration()),
		DisplayStatus: display,
	}
}
