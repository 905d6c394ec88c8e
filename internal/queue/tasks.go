// Пакет queue — асинхронное выполнение задач загрузок поверх asynq (Redis).
//
// Каждая задача имеет дескриптор в таблице upload_tasks (PENDING → STARTED →
// SUCCESS | FAILURE | RETRY | ABORTED) и поддерживает кооперативное прерывание:
// флаг в Redis проверяется перед запуском и в контрольных точках обработчика
// через явный *Token.
package queue

// Типы задач.
const (
	// TypeCreateUpload — создание загрузки из первого чанка
	TypeCreateUpload = "upload:create"
	// TypeAppendChunk — дозапись чанка в существующую загрузку
	TypeAppendChunk = "upload:append"
	// TypeVerifyChecksum — проверка контрольной суммы большого файла
	TypeVerifyChecksum = "upload:checksum"
	// TypeProcessUpload — обработка после завершения загрузки
	TypeProcessUpload = "upload:process"
)

// CreatePayload — параметры задачи upload:create.
type CreatePayload struct {
	UploadID   string `json:"upload_id"`
	Owner      string `json:"owner"`
	Filename   string `json:"filename"`
	StagedPath string `json:"staged_path"`
	Size       int64  `json:"size"`
	// Checksum — сумма целого файла; если задана, загрузка завершается в той же задаче
	Checksum string `json:"checksum,omitempty"`
}

// AppendPayload — параметры задачи upload:append.
type AppendPayload struct {
	UploadID   string `json:"upload_id"`
	Start      int64  `json:"start"`
	Size       int64  `json:"size"`
	StagedPath string `json:"staged_path"`
}

// VerifyPayload — параметры задачи upload:checksum.
type VerifyPayload struct {
	UploadID string `json:"upload_id"`
	Checksum string `json:"checksum"`
}

// ProcessPayload — параметры задачи upload:process.
type ProcessPayload struct {
	UploadID string `json:"upload_id"`
}
