// Пакет model — доменные модели Upload Module.
// UploadRecord — состояние одной загрузки (in-progress или завершённой),
// TaskRecord — дескриптор фоновой задачи, связанной с загрузкой.
package model

import (
	"time"
)

// UploadStatus — статус загрузки.
type UploadStatus string

const (
	// StatusUploading — загрузка в процессе, допускается дозапись чанков
	StatusUploading UploadStatus = "uploading"
	// StatusComplete — контрольная сумма подтверждена, файл переименован
	StatusComplete UploadStatus = "complete"
	// StatusAborted — загрузка отменена
	StatusAborted UploadStatus = "aborted"
	// StatusArchived — запись выведена из оборота, ожидает удаления sweep
	StatusArchived UploadStatus = "archived"
)

// Valid проверяет, что статус входит в допустимый набор.
func (s UploadStatus) Valid() bool {
	switch s {
	case StatusUploading, StatusComplete, StatusAborted, StatusArchived:
		return true
	}
	return false
}

// UploadRecord — запись о загрузке файла.
// StoragePath не входит в API-ответ: путь задаётся относительно UM_UPLOAD_DIR
// и принадлежит записи эксклюзивно до её удаления.
type UploadRecord struct {
	// ID — 32 hex-символа (UUID v4 без дефисов)
	ID string `json:"id"`

	// StoragePath — имя файла на диске (относительно UM_UPLOAD_DIR)
	StoragePath string `json:"-"`

	// Filename — заявленное клиентом имя файла
	Filename string `json:"filename"`

	// Offset — количество байт, надёжно записанных на диск
	Offset int64 `json:"offset"`

	// Status — текущий статус загрузки
	Status UploadStatus `json:"status"`

	// CreatedAt — время создания (UTC), от него считается срок жизни
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt — время перехода в complete, устанавливается ровно один раз
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Owner — subject из JWT владельца загрузки
	Owner string `json:"owner"`

	// TaskID — последняя фоновая задача, связанная с загрузкой
	TaskID *string `json:"task_id,omitempty"`
}

// ExpiresAt возвращает момент истечения срока жизни загрузки.
func (r *UploadRecord) ExpiresAt(window time.Duration) time.Time {
	return r.CreatedAt.Add(window)
}

// IsExpired возвращает true, если now >= created_at + window.
func (r *UploadRecord) IsExpired(now time.Time, window time.Duration) bool {
	return !now.Before(r.ExpiresAt(window))
}

// Sweepable — запись подлежит удалению периодической очисткой.
func (r *UploadRecord) Sweepable(now time.Time, window time.Duration) bool {
	return r.Status == StatusArchived || r.IsExpired(now, window)
}

// Clone возвращает независимую копию записи.
func (r *UploadRecord) Clone() *UploadRecord {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.TaskID != nil {
		id := *r.TaskID
		c.TaskID = &id
	}
	return &c
}
