// sweep.go — периодическая очистка загрузок.
//
// Удаляет каждую запись, у которой истёк срок (created_at <= now - UM_EXPIRATION)
// или статус archived, вместе с backing-файлом и дескрипторами задач,
// а также staging-файлы и задачи удалённых загрузок старше окна жизни.
//
// Повторный и параллельный запуск безопасны: условие отбора монотонно,
// удаление идемпотентно.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artstore/upload-module/internal/repository"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/filestore"
)

// sweepBatch — количество записей, выбираемых за один запрос.
const sweepBatch = 100

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_sweep_runs_total",
		Help: "Общее количество запусков очистки",
	})

	sweepUploadsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_sweep_uploads_deleted_total",
		Help: "Общее количество загрузок, удалённых очисткой",
	})

	sweepStagingDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_sweep_staging_deleted_total",
		Help: "Общее количество staging-файлов, удалённых очисткой",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "um_sweep_duration_seconds",
		Help:    "Длительность очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// Deleted — количество удалённых загрузок
	Deleted int
	// StagingDeleted — количество удалённых staging-файлов
	StagingDeleted int
	// TasksDeleted — количество удалённых задач без загрузки
	TasksDeleted int
	// Errors — количество ошибок
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// SweepService — фоновая очистка просроченных и архивных загрузок.
type SweepService struct {
	store    repository.Store
	records  *RecordStore
	files    *filestore.FileStore
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepService создаёт сервис очистки.
func NewSweepService(
	store repository.Store,
	records *RecordStore,
	files *filestore.FileStore,
	interval time.Duration,
	logger *slog.Logger,
) *SweepService {
	return &SweepService{
		store:    store,
		records:  records,
		files:    files,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweep")),
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
func (s *SweepService) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка запущена",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновую очистку и дожидается завершения текущего прохода.
func (s *SweepService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("Очистка остановлена")
}

// run — основной цикл фоновой горутины.
func (s *SweepService) run(ctx context.Context) {
	defer close(s.done)

	// Первый запуск — сразу после старта
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки.
func (s *SweepService) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	cutoff := start.UTC().Add(-s.records.Expiration())

	s.logger.Debug("Очистка начата", slog.Time("cutoff", cutoff))

	s.sweepUploads(ctx, cutoff, result)

	orphaned, err := s.store.Tasks().DeleteOrphaned(ctx, cutoff)
	if err != nil {
		s.logger.Error("Ошибка удаления осиротевших задач", slog.String("error", err.Error()))
		result.Errors++
	}
	result.TasksDeleted = int(orphaned)

	staged, err := s.files.CleanStaging(cutoff)
	if err != nil {
		s.logger.Error("Ошибка очистки staging", slog.String("error", err.Error()))
		result.Errors++
	}
	result.StagingDeleted = staged

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepUploadsDeletedTotal.Add(float64(result.Deleted))
	sweepStagingDeletedTotal.Add(float64(result.StagingDeleted))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("Очистка завершена",
		slog.Int("deleted", result.Deleted),
		slog.Int("staging_deleted", result.StagingDeleted),
		slog.Int("tasks_deleted", result.TasksDeleted),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// sweepUploads удаляет записи пачками, пока выборка не опустеет
// или проход не перестанет продвигаться.
func (s *SweepService) sweepUploads(ctx context.Context, cutoff time.Time, result *SweepResult) {
	failed := make(map[string]bool)
	for ctx.Err() == nil {
		limit := sweepBatch + len(failed)
		recs, err := s.store.Uploads().ListSweepable(ctx, cutoff, limit)
		if err != nil {
			s.logger.Error("Ошибка выборки загрузок для очистки", slog.String("error", err.Error()))
			result.Errors++
			return
		}

		progressed := false
		for _, rec := range recs {
			if failed[rec.ID] {
				continue
			}
			if _, err := s.store.Tasks().DeleteByUpload(ctx, rec.ID); err != nil {
				s.logger.Warn("Ошибка удаления задач загрузки",
					slog.String("upload_id", rec.ID),
					slog.String("error", err.Error()),
				)
			}
			if err := s.records.Delete(ctx, rec.ID, false); err != nil {
				s.logger.Error("Ошибка удаления загрузки",
					slog.String("upload_id", rec.ID),
					slog.String("error", err.Error()),
				)
				failed[rec.ID] = true
				result.Errors++
				continue
			}
			s.logger.Debug("Загрузка удалена",
				slog.String("upload_id", rec.ID),
				slog.String("status", string(rec.Status)),
			)
			result.Deleted++
			progressed = true
		}

		if !progressed || len(recs) < limit {
			return
		}
	}
}
