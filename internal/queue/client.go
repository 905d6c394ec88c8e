package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/repository"
)

// ErrEnqueue — задачу не удалось поставить в очередь (Redis недоступен).
var ErrEnqueue = errors.New("ошибка постановки задачи в очередь")

// Client — постановка задач в очередь с сохранением дескриптора.
type Client struct {
	client   *asynq.Client
	tasks    repository.TaskRepository
	aborter  *Aborter
	queue    string
	maxRetry int
	logger   *slog.Logger
}

// ClientOptions — параметры клиента очереди.
type ClientOptions struct {
	Queue    string
	MaxRetry int
}

// NewClient создаёт клиент очереди.
func NewClient(
	redisOpt asynq.RedisConnOpt,
	tasks repository.TaskRepository,
	aborter *Aborter,
	opts ClientOptions,
	logger *slog.Logger,
) *Client {
	q := opts.Queue
	if q == "" {
		q = "uploads"
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		tasks:    tasks,
		aborter:  aborter,
		queue:    q,
		maxRetry: opts.MaxRetry,
		logger:   logger.With(slog.String("component", "queue")),
	}
}

// Enqueue сохраняет дескриптор PENDING и ставит задачу в очередь с тем же ID.
// При ошибке постановки дескриптор переводится в FAILURE, возвращается ErrEnqueue.
func (c *Client) Enqueue(ctx context.Context, taskType, uploadID string, payload any) (*model.TaskRecord, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации параметров задачи: %w", err)
	}

	rec := &model.TaskRecord{
		ID:        uuid.NewString(),
		Type:      taskType,
		UploadID:  uploadID,
		Queue:     c.queue,
		State:     model.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.tasks.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("ошибка сохранения задачи: %w", err)
	}

	task := asynq.NewTask(taskType, payloadBytes)
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.TaskID(rec.ID),
		asynq.Queue(c.queue),
		asynq.MaxRetry(c.maxRetry),
	)
	if err != nil {
		msg := err.Error()
		if markErr := c.tasks.MarkState(ctx, rec.ID, model.TaskFailure, &msg, nil, time.Now().UTC()); markErr != nil {
			c.logger.Warn("Не удалось отметить задачу как FAILURE",
				slog.String("task_id", rec.ID),
				slog.String("error", markErr.Error()),
			)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrEnqueue, taskType, err)
	}

	c.logger.Debug("Задача поставлена в очередь",
		slog.String("task_id", rec.ID),
		slog.String("type", taskType),
		slog.String("upload_id", uploadID),
	)
	return rec, nil
}

// Abort выставляет флаг кооперативного прерывания задачи.
func (c *Client) Abort(ctx context.Context, taskID string) error {
	return c.aborter.Abort(ctx, taskID)
}

// Task возвращает дескриптор задачи.
func (c *Client) Task(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	return c.tasks.GetByID(ctx, taskID)
}

// Close закрывает соединение с Redis.
func (c *Client) Close() error {
	return c.client.Close()
}
