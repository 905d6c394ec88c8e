package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/arturkryukov/artstore/upload-module/internal/api/handlers"
	"github.com/arturkryukov/artstore/upload-module/internal/config"
	"github.com/arturkryukov/artstore/upload-module/internal/database"
	"github.com/arturkryukov/artstore/upload-module/internal/notify"
	"github.com/arturkryukov/artstore/upload-module/internal/queue"
	"github.com/arturkryukov/artstore/upload-module/internal/repository"
	"github.com/arturkryukov/artstore/upload-module/internal/repository/sqlstore"
	"github.com/arturkryukov/artstore/upload-module/internal/service"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/checksum"
	"github.com/arturkryukov/artstore/upload-module/internal/storage/filestore"
)

// app — общие зависимости команд serve, worker и sweep.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool     *pgxpool.Pool // nil для SQLite
	sqliteDB *sql.DB       // nil для PostgreSQL
	store    repository.Store

	rdb       *redis.Client
	redisOpt  asynq.RedisConnOpt
	aborter   *queue.Aborter
	queue     *queue.Client
	publisher *notify.RedisPublisher

	files      *filestore.FileStore
	sums       *checksum.Engine
	records    *service.RecordStore
	ingest     *service.IngestService
	completion *service.CompletionService
	processing *service.ProcessService
	sweep      *service.SweepService
}

// openStore подключается к хранилищу записей выбранного драйвера.
// Миграции применяются до подключения, как при старте модулей Artstore.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		if err := database.MigrateSQLite(db, logger); err != nil {
			db.Close()
			return nil, err
		}
		a.sqliteDB = db
		a.store = sqlstore.New(db)
	default:
		if err := database.Migrate(cfg, logger); err != nil {
			return nil, err
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.store = repository.NewPostgresStore(pool)
	}
	return a, nil
}

// newApp собирает хранилище, очередь, Redis и сервисный слой.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("UM_REDIS_URL: %w", err)
	}
	a.redisOpt, err = asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("UM_REDIS_URL: %w", err)
	}
	a.rdb = redis.NewClient(redisOptions)

	a.files, err = filestore.New(cfg.UploadDir, cfg.IncompleteExt, cfg.CompleteExt)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sums, err = checksum.New(cfg.ChecksumType, cfg.ChecksumCacheSize, cfg.ChecksumCacheTTL)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.aborter = queue.NewAborter(a.rdb, cfg.AbortTTL)
	a.queue = queue.NewClient(a.redisOpt, a.store.Tasks(), a.aborter, queue.ClientOptions{
		Queue:    cfg.QueueName,
		MaxRetry: cfg.TaskMaxRetry,
	}, logger)
	a.publisher = notify.NewRedisPublisher(a.rdb, logger)

	a.records = service.NewRecordStore(a.store, a.files, a.sums, a.queue, cfg.Expiration, logger)
	a.ingest = service.NewIngestService(a.records, a.store, a.files, a.sums, a.queue, cfg.MaxBytes, logger)
	a.completion = service.NewCompletionService(a.records, a.files, a.sums, a.queue, a.publisher, service.CompletionConfig{
		Algorithm:       cfg.ChecksumType,
		Required:        cfg.ChecksumRequired,
		AsyncThreshold:  cfg.AsyncChecksumThreshold,
		MismatchChannel: cfg.MismatchChannel,
	}, logger)
	a.processing = service.NewProcessService(a.records, a.files, a.sums, logger)
	a.sweep = service.NewSweepService(a.store, a.records, a.files, cfg.SweepInterval, logger)

	return a, nil
}

// readiness — проверки готовности: хранилище записей и Redis.
func (a *app) readiness() []handlers.ReadinessChecker {
	var db handlers.ReadinessChecker
	if a.pool != nil {
		db = database.NewReadinessChecker(a.pool)
	} else {
		db = database.NewSQLReadinessChecker(a.sqliteDB)
	}
	return []handlers.ReadinessChecker{
		db,
		database.NewFuncReadinessChecker("Redis", func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}),
	}
}

// Close освобождает соединения в обратном порядке.
func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("Ошибка закрытия клиента очереди", slog.String("error", err.Error()))
		}
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sqliteDB != nil {
		a.sqliteDB.Close()
	}
}
