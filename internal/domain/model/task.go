package model

import (
	"encoding/json"
	"time"
)

// TaskState — состояние фоновой задачи.
type TaskState string

const (
	TaskPending  TaskState = "PENDING"
	TaskReceived TaskState = "RECEIVED"
	TaskStarted  TaskState = "STARTED"
	TaskRetry    TaskState = "RETRY"
	TaskSuccess  TaskState = "SUCCESS"
	TaskFailure  TaskState = "FAILURE"
	TaskAborted  TaskState = "ABORTED"
	TaskRevoked  TaskState = "REVOKED"
)

// taskPrecedence — порядок состояний от самого раннего к самому позднему.
// ABORTED занимает место «неизвестного» состояния: позже REVOKED, раньше FAILURE.
var taskPrecedence = map[TaskState]int{
	TaskPending:  0,
	TaskRetry:    1,
	TaskReceived: 2,
	TaskStarted:  3,
	TaskRevoked:  4,
	TaskAborted:  5,
	TaskFailure:  6,
	TaskSuccess:  7,
}

// Rank возвращает позицию состояния в порядке предшествования.
// Неизвестные состояния получают ранг ABORTED.
func (s TaskState) Rank() int {
	if r, ok := taskPrecedence[s]; ok {
		return r
	}
	return taskPrecedence[TaskAborted]
}

// Before — состояние s наступает раньше other.
func (s TaskState) Before(other TaskState) bool {
	return s.Rank() < other.Rank()
}

// Terminal — задача больше не будет выполняться.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskAborted, TaskRevoked:
		return true
	}
	return false
}

// TaskRecord — дескриптор фоновой задачи.
type TaskRecord struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	UploadID   string          `json:"upload_id"`
	Queue      string          `json:"queue"`
	State      TaskState       `json:"state"`
	Error      *string         `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
