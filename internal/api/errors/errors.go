// Пакет errors — ошибки HTTP API модуля загрузок.
// Единый формат: {"error": {"code": "...", "message": "..."}};
// для OFFSET_MISMATCH дополнительно expected_offset и provided_offset.
package errors //nolint:revive // имя пакета совпадает со stdlib, импортируется как apierrors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeMissingPayload      = "MISSING_PAYLOAD"
	CodeInvalidContentRange = "INVALID_CONTENT_RANGE"
	CodeRangeExceedsTotal   = "RANGE_EXCEEDS_TOTAL"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeSizeMismatch        = "SIZE_MISMATCH"
	CodeOwnerRequired       = "OWNER_REQUIRED"
	CodeChecksumRequired    = "CHECKSUM_REQUIRED"
	CodeUploadExpired       = "UPLOAD_EXPIRED"
	CodeAlreadyComplete     = "ALREADY_COMPLETE"
	CodeUploadAborted       = "UPLOAD_ABORTED"
	CodeOffsetMismatch      = "OFFSET_MISMATCH"
	CodeChecksumMismatch    = "CHECKSUM_MISMATCH"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeNotCancellable      = "NOT_CANCELLABLE"
	CodeInvalidState        = "INVALID_STATE"
	CodeInfrastructureError = "INFRASTRUCTURE_ERROR"
	CodeInternalError       = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ExpectedOffset *int64 `json:"expected_offset,omitempty"`
	ProvidedOffset *int64 `json:"provided_offset,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteDetail(w, statusCode, ErrorDetail{Code: code, Message: message})
}

// WriteDetail записывает ответ ошибки с дополнительными полями.
func WriteDetail(w http.ResponseWriter, statusCode int, detail ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// InfrastructureError — 503 недоступна БД, брокер или хранилище.
func InfrastructureError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeInfrastructureError, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
