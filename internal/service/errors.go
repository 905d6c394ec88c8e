// Пакет service — бизнес-логика модуля загрузок: записи загрузок,
// приём чанков, завершение с проверкой контрольной суммы, очистка.
package service

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
)

// ErrInfrastructure — недоступна БД, брокер, очередь или файловое хранилище.
// Отличается от ошибок клиента: повтор только через очередь.
var ErrInfrastructure = errors.New("ошибка инфраструктуры")

// UploadError — ошибка операции над загрузкой с HTTP-кодом.
type UploadError struct {
	StatusCode int
	Code       string
	Message    string
	// ExpectedOffset и ProvidedOffset заполняются для OFFSET_MISMATCH
	ExpectedOffset *int64
	ProvidedOffset *int64
}

func (e *UploadError) Error() string {
	if e.ExpectedOffset != nil && e.ProvidedOffset != nil {
		return fmt.Sprintf("%s: %s (ожидалось %d, получено %d)", e.Code, e.Message, *e.ExpectedOffset, *e.ProvidedOffset)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsUploadError извлекает UploadError из цепочки ошибок.
func AsUploadError(err error) (*UploadError, bool) {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// infraError оборачивает ошибку инфраструктуры.
func infraError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInfrastructure, op, err)
}

func badRequest(code, message string) *UploadError {
	return &UploadError{StatusCode: http.StatusBadRequest, Code: code, Message: message}
}

func errNotFound(id string) *UploadError {
	return &UploadError{
		StatusCode: http.StatusNotFound,
		Code:       apierrors.CodeNotFound,
		Message:    fmt.Sprintf("Загрузка %s не найдена", id),
	}
}

func errExpired() *UploadError {
	return &UploadError{
		StatusCode: http.StatusGone,
		Code:       apierrors.CodeUploadExpired,
		Message:    "Срок действия загрузки истёк",
	}
}

// errNotUploading — загрузка уже завершена, отменена или архивирована.
func errNotUploading(status model.UploadStatus) *UploadError {
	if status == model.StatusComplete {
		return badRequest(apierrors.CodeAlreadyComplete, "Загрузка уже завершена")
	}
	return badRequest(apierrors.CodeUploadAborted, fmt.Sprintf("Загрузка уже в статусе %s", status))
}

func errOffsetMismatch(expected, provided int64) *UploadError {
	return &UploadError{
		StatusCode:     http.StatusBadRequest,
		Code:           apierrors.CodeOffsetMismatch,
		Message:        "Смещение не совпадает",
		ExpectedOffset: &expected,
		ProvidedOffset: &provided,
	}
}
