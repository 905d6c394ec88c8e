package service

import (
	"context"
	"log/slog"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/notify"
	"github.com/arturkryukov/artstore/upload-module/internal/queue"
)

// NewStatusNotifier возвращает наблюдателя воркера, публикующего
// upload_completion при каждой смене состояния задачи.
// Событие адресуется владельцу загрузки; ошибки публикации только логируются.
func NewStatusNotifier(records *RecordStore, publisher notify.Publisher, channel string, logger *slog.Logger) queue.StatusObserver {
	logger = logger.With(slog.String("component", "status_notifier"))

	return func(ctx context.Context, task *model.TaskRecord) {
		owner := ""
		if rec, err := records.GetByID(ctx, task.UploadID); err == nil {
			owner = rec.Owner
		}

		event, err := notify.StatusEvent(task, owner)
		if err == nil {
			err = publisher.Publish(ctx, channel, event)
		}
		if err != nil {
			logger.Warn("Не удалось опубликовать статус задачи",
				slog.String("task_id", task.ID),
				slog.String("state", string(task.State)),
				slog.String("error", err.Error()),
			)
		}
	}
}
