package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artstore/upload-module/internal/domain/model"
	"github.com/arturkryukov/artstore/upload-module/internal/repository"
)

// Prometheus-метрики воркера.
var (
	tasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "um_tasks_processed_total",
		Help: "Общее количество обработанных задач по типу и итоговому состоянию",
	}, []string{"type", "state"})

	taskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "um_task_duration_seconds",
		Help:    "Длительность выполнения задач в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"type"})
)

// HandlerFunc — обработчик задачи. token передаётся в бизнес-логику
// для контрольных точек; result сериализуется в JSON и сохраняется в дескрипторе.
type HandlerFunc func(ctx context.Context, token *Token, payload []byte) (result any, err error)

// StatusObserver получает дескриптор задачи после каждой смены состояния.
type StatusObserver func(ctx context.Context, task *model.TaskRecord)

// Permanent помечает ошибку как неповторяемую: задача сразу переходит в FAILURE.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// WorkerConfig — параметры воркера.
type WorkerConfig struct {
	Queue           string
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Worker — обработчик задач с управлением жизненным циклом дескрипторов.
//
// Порядок обработки задачи:
//  1. Предварительная проверка флага прерывания (ABORTED без запуска)
//  2. Отметка STARTED
//  3. Выполнение обработчика
//  4. SUCCESS | ABORTED (ErrAborted) | RETRY | FAILURE (последняя попытка или Permanent)
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	tasks    repository.TaskRepository
	aborter  *Aborter
	observer StatusObserver
	logger   *slog.Logger
}

// NewWorker создаёт воркер.
func NewWorker(
	redisOpt asynq.RedisConnOpt,
	tasks repository.TaskRepository,
	aborter *Aborter,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	logger = logger.With(slog.String("component", "worker"))

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "uploads"
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{queue: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          asynqLogger{logger: logger},
	})

	return &Worker{
		server:  server,
		mux:     asynq.NewServeMux(),
		tasks:   tasks,
		aborter: aborter,
		logger:  logger,
	}
}

// SetObserver задаёт получателя уведомлений о смене состояния задач.
func (w *Worker) SetObserver(o StatusObserver) {
	w.observer = o
}

// Handle регистрирует обработчик типа задачи.
func (w *Worker) Handle(taskType string, h HandlerFunc) {
	w.mux.Handle(taskType, w.lifecycle(taskType, h))
}

// Run запускает обработку и блокируется до отмены ctx, затем
// выполняет graceful shutdown (незавершённые задачи возвращаются в очередь).
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("ошибка запуска воркера: %w", err)
	}
	w.logger.Info("Воркер запущен")

	<-ctx.Done()
	w.server.Shutdown()
	w.logger.Info("Воркер остановлен")
	return nil
}

// lifecycle оборачивает обработчик управлением дескриптором задачи.
func (w *Worker) lifecycle(taskType string, h HandlerFunc) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, ok := asynq.GetTaskID(ctx)
		if !ok {
			return Permanent(errors.New("в контексте нет ID задачи"))
		}
		log := w.logger.With(slog.String("task_id", id), slog.String("type", taskType))
		token := w.aborter.Token(id)

		// Предварительная проверка: прерванная задача не запускается
		if err := token.Check(ctx); err != nil {
			if errors.Is(err, ErrAborted) {
				log.Info("Задача прервана до запуска")
				w.finish(ctx, id, taskType, model.TaskAborted, nil, nil)
				return nil
			}
			return err
		}

		w.markStarted(ctx, id)
		start := time.Now()

		result, err := h(ctx, token, t.Payload())
		taskDurationSeconds.WithLabelValues(taskType).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			var resultJSON []byte
			if result != nil {
				if resultJSON, err = json.Marshal(result); err != nil {
					log.Warn("Не удалось сериализовать результат задачи", slog.String("error", err.Error()))
					resultJSON = nil
				}
			}
			w.finish(ctx, id, taskType, model.TaskSuccess, nil, resultJSON)
			return nil

		case errors.Is(err, ErrAborted):
			log.Info("Задача прервана в контрольной точке")
			w.finish(ctx, id, taskType, model.TaskAborted, nil, nil)
			return nil

		case errors.Is(err, asynq.SkipRetry) || lastAttempt(ctx):
			msg := err.Error()
			log.Error("Задача завершилась ошибкой", slog.String("error", msg))
			w.finish(ctx, id, taskType, model.TaskFailure, &msg, nil)
			return err

		default:
			msg := err.Error()
			log.Warn("Задача будет повторена", slog.String("error", msg))
			w.finish(ctx, id, taskType, model.TaskRetry, &msg, nil)
			return err
		}
	})
}

// lastAttempt — текущая попытка последняя из разрешённых.
func lastAttempt(ctx context.Context) bool {
	retried, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return true
	}
	return retried >= maxRetry
}

// markStarted отмечает STARTED и уведомляет наблюдателя.
func (w *Worker) markStarted(ctx context.Context, id string) {
	if err := w.tasks.MarkStarted(ctx, id, time.Now().UTC()); err != nil {
		w.logger.Warn("Не удалось отметить задачу как STARTED",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	w.notify(ctx, id)
}

// finish фиксирует итоговое состояние попытки.
func (w *Worker) finish(ctx context.Context, id, taskType string, state model.TaskState, errMsg *string, result []byte) {
	tasksProcessedTotal.WithLabelValues(taskType, string(state)).Inc()

	// Дескриптор фиксируется даже после отмены ctx при остановке воркера
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := w.tasks.MarkState(markCtx, id, state, errMsg, result, time.Now().UTC()); err != nil {
		w.logger.Warn("Не удалось сохранить состояние задачи",
			slog.String("task_id", id),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
		return
	}
	w.notify(markCtx, id)
}

// notify передаёт актуальный дескриптор наблюдателю.
func (w *Worker) notify(ctx context.Context, id string) {
	if w.observer == nil {
		return
	}
	task, err := w.tasks.GetByID(ctx, id)
	if err != nil {
		w.logger.Warn("Не удалось прочитать задачу для уведомления",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	w.observer(ctx, task)
}

// asynqLogger — адаптер slog для внутреннего логгера asynq.
type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
