// Пакет notify — уведомления о загрузках через Redis pub/sub
// и ретрансляция их подписчикам websocket.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
)

// Типы событий.
const (
	// EventChecksumMismatch — контрольная сумма не совпала, загрузка удалена
	EventChecksumMismatch = "checksum_mismatch"
	// EventUploadCompletion — смена состояния задачи загрузки
	EventUploadCompletion = "upload_completion"
)

// Event — сообщение, публикуемое в канал брокера.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MismatchData — данные события checksum_mismatch.
type MismatchData struct {
	Upload  *model.UploadRecord `json:"upload"`
	Message string              `json:"message"`
	Owner   string              `json:"owner"`
}

// StatusData — данные события upload_completion.
type StatusData struct {
	TaskID   string          `json:"task_id"`
	UploadID string          `json:"upload_id"`
	TaskType string          `json:"task_type"`
	Status   model.TaskState `json:"status"`
	Owner    string          `json:"owner,omitempty"`
}

// NewEvent сериализует данные события.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("ошибка сериализации события %s: %w", eventType, err)
	}
	return Event{Type: eventType, Data: raw}, nil
}

// MismatchEvent формирует событие о несовпадении контрольной суммы.
func MismatchEvent(upload *model.UploadRecord, message string) (Event, error) {
	return NewEvent(EventChecksumMismatch, MismatchData{
		Upload:  upload,
		Message: message,
		Owner:   upload.Owner,
	})
}

// StatusEvent формирует событие о смене состояния задачи.
func StatusEvent(task *model.TaskRecord, owner string) (Event, error) {
	return NewEvent(EventUploadCompletion, StatusData{
		TaskID:   task.ID,
		UploadID: task.UploadID,
		TaskType: task.Type,
		Status:   task.State,
		Owner:    owner,
	})
}

// owner извлекает поле owner из данных события ("" если его нет).
func (e Event) owner() string {
	var v struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return ""
	}
	return v.Owner
}
