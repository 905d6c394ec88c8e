// Пакет lifecycle — конечный автомат статусов загрузки.
//
// Жизненный цикл:
//   - uploading → complete | aborted
//   - complete → aborted (только пока связанная задача не дошла до REVOKED)
//   - complete | aborted → archived (мягкий вывод из оборота)
//   - archived — конечный статус
//
// Пакет не хранит состояние: решения принимаются по статусу, прочитанному
// под блокировкой строки в репозитории.
package lifecycle

import (
	"fmt"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
)

// Operation — операция над загрузкой.
type Operation string

const (
	OpAppend   Operation = "append"
	OpFinalize Operation = "finalize"
	OpCancel   Operation = "cancel"
	OpArchive  Operation = "archive"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
var validTransitions = map[model.UploadStatus]map[model.UploadStatus]bool{
	model.StatusUploading: {model.StatusComplete: true, model.StatusAborted: true},
	model.StatusComplete:  {model.StatusAborted: true, model.StatusArchived: true},
	model.StatusAborted:   {model.StatusArchived: true},
	model.StatusArchived:  {},
}

// allowedOperations — матрица допустимых операций для каждого статуса.
// Отмена complete дополнительно проверяется по состоянию задачи (DecideCancel).
var allowedOperations = map[model.UploadStatus]map[Operation]bool{
	model.StatusUploading: {OpAppend: true, OpFinalize: true, OpCancel: true},
	model.StatusComplete:  {OpCancel: true, OpArchive: true},
	model.StatusAborted:   {OpArchive: true},
	model.StatusArchived:  {},
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to model.UploadStatus) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// CanPerform проверяет, допустима ли операция в статусе s.
func CanPerform(s model.UploadStatus, op Operation) bool {
	ops, ok := allowedOperations[s]
	if !ok {
		return false
	}
	return ops[op]
}

// Transition проверяет переход и возвращает *TransitionError, если он недопустим.
func Transition(from, to model.UploadStatus) error {
	if !to.Valid() {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("недопустимый целевой статус: %q", to),
		}
	}
	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	return nil
}

// CancelResult — трёхзначный результат отмены.
type CancelResult int

const (
	// CancelDone — загрузка переведена в aborted
	CancelDone CancelResult = iota
	// CancelNotCancellable — загрузка или задача уже в конечном состоянии
	CancelNotCancellable
	// CancelUnknownState — состояние не позволяет принять решение
	CancelUnknownState
)

func (r CancelResult) String() string {
	switch r {
	case CancelDone:
		return "cancelled"
	case CancelNotCancellable:
		return "not_cancellable"
	default:
		return "invalid_state"
	}
}

// DecideCancel определяет результат отмены по статусу загрузки и
// состоянию связанной задачи (nil — задачи нет).
//
// Порядок проверок:
//  1. uploading → отмена выполняется всегда
//  2. aborted, archived → нечего отменять
//  3. complete без задачи → неизвестное состояние
//  4. complete, задача раньше REVOKED → отмена с прерыванием задачи
//  5. complete, задача REVOKED или позже → not cancellable
func DecideCancel(status model.UploadStatus, task *model.TaskState) CancelResult {
	switch status {
	case model.StatusUploading:
		return CancelDone
	case model.StatusAborted, model.StatusArchived:
		return CancelNotCancellable
	case model.StatusComplete:
		if task == nil {
			return CancelUnknownState
		}
		if task.Before(model.TaskRevoked) {
			return CancelDone
		}
		return CancelNotCancellable
	default:
		return CancelUnknownState
	}
}

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ParseStatus преобразует строку в UploadStatus.
func ParseStatus(s string) (model.UploadStatus, error) {
	st := model.UploadStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("недопустимый статус: %q, допустимые: uploading, complete, aborted, archived", s)
	}
	return st, nil
}

// Отображаемые статусы загрузки с учётом состояния задачи обработки.
const (
	DisplayCompleted  = "COMPLETED"
	DisplayQueued     = "QUEUED"
	DisplayProcessing = "PROCESSING"
	DisplayIncomplete = "INCOMPLETE"
	DisplayFailed     = "FAILED"
	DisplayCancelled  = "CANCELLED"
	DisplayUnknown    = "UNKNOWN"
)

// DisplayStatus сводит статус загрузки и состояние её задачи в один статус для клиента.
func DisplayStatus(status model.UploadStatus, task *model.TaskState) string {
	switch status {
	case model.StatusUploading:
		return DisplayIncomplete
	case model.StatusAborted:
		return DisplayCancelled
	case model.StatusComplete:
		if task == nil {
			return DisplayUnknown
		}
		switch *task {
		case model.TaskSuccess:
			return DisplayCompleted
		case model.TaskPending, model.TaskReceived:
			return DisplayQueued
		case model.TaskRetry, model.TaskStarted:
			return DisplayProcessing
		case model.TaskFailure:
			return DisplayFailed
		case model.TaskAborted, model.TaskRevoked:
			return DisplayCancelled
		}
	}
	return DisplayUnknown
}
