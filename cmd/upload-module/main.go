// Точка входа Upload Module — модуль возобновляемой загрузки файлов чанками.
//
// Команды:
//   - serve   — HTTP API, websocket-уведомления, периодическая очистка
//   - worker  — обработка фоновых задач очереди
//   - sweep   — однократная очистка просроченных загрузок
//   - migrate — применение миграций хранилища записей
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arturkryukov/artstore/upload-module/internal/api/handlers"
	"github.com/arturkryukov/artstore/upload-module/internal/api/middleware"
	"github.com/arturkryukov/artstore/upload-module/internal/config"
	"github.com/arturkryukov/artstore/upload-module/internal/notify"
	"github.com/arturkryukov/artstore/upload-module/internal/queue"
	"github.com/arturkryukov/artstore/upload-module/internal/server"
	"github.com/arturkryukov/artstore/upload-module/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "upload-module",
		Short:         "Upload Module — возобновляемая загрузка файлов чанками",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSweepCmd(),
		newMigrateCmd(),
	)
	return root
}

// runWithConfig загружает конфигурацию, настраивает логгер и выполняет fn
// с контекстом, отменяемым по SIGINT/SIGTERM.
func runWithConfig(name string, fn func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
			return err
		}
		logger := config.SetupLogger(cfg)
		logger.Info("Upload Module запускается",
			slog.String("command", name),
			slog.String("version", config.Version),
			slog.String("db_driver", cfg.DBDriver),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := fn(ctx, cfg, logger); err != nil {
			logger.Error("Команда завершилась с ошибкой",
				slog.String("command", name),
				slog.String("error", err.Error()),
			)
			return err
		}
		return nil
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTP API, websocket-уведомления и периодическая очистка",
		RunE:  runWithConfig("serve", serve),
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWKSUrl,
		cfg.JWKSCACert,
		cfg.JWTIssuer,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		return fmt.Errorf("ошибка создания JWT middleware: %w", err)
	}

	hub := notify.NewHub(logger)
	relay := notify.NewRelay(a.rdb, []notify.Route{
		{Pattern: cfg.StatusChannel, Group: notify.OwnerGroup},
		{Pattern: cfg.MismatchChannel, Group: notify.OwnerGroup},
	}, hub, logger)

	apiHandler := handlers.NewAPIHandler(a.ingest, a.completion, a.records, hub, cfg.ChecksumType, logger)
	healthHandler := handlers.NewHealthHandler(a.readiness()...)
	router := server.NewRouter(logger, apiHandler, healthHandler, jwtAuth.Middleware())
	srv := server.New(cfg, logger, router)

	startDephealth(ctx, a, logger)

	a.sweep.Start(ctx)
	defer a.sweep.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		// Без ретранслятора API продолжает работать, теряются только push-уведомления
		if err := relay.Run(gctx); err != nil {
			logger.Warn("Ретранслятор уведомлений остановлен", slog.String("error", err.Error()))
		}
		return nil
	})
	return g.Wait()
}

// startDephealth запускает topologymetrics; ошибки не останавливают модуль.
func startDephealth(ctx context.Context, a *app, logger *slog.Logger) {
	serviceID := a.cfg.DephealthName
	if serviceID == "" {
		serviceID = "upload-module"
	}
	dhCfg := service.DephealthConfig{
		ServiceID:     serviceID,
		Group:         a.cfg.DephealthGroup,
		JWKSURL:       a.cfg.JWKSUrl,
		CheckInterval: a.cfg.DephealthCheckInterval,
	}
	if a.pool != nil {
		// Проверка PostgreSQL идёт через существующий пул соединений
		dhCfg.DB = stdlib.OpenDBFromPool(a.pool)
		dhCfg.PostgresURL = a.cfg.DatabaseURL()
	}

	dh, err := service.NewDephealthService(dhCfg, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := dh.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return
	}
	go func() {
		<-ctx.Done()
		dh.Stop()
	}()
	logger.Info("topologymetrics запущен",
		slog.String("group", a.cfg.DephealthGroup),
		slog.String("check_interval", a.cfg.DephealthCheckInterval.String()),
	)
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Обработка фоновых задач загрузок",
		RunE: runWithConfig("worker", func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			w := queue.NewWorker(a.redisOpt, a.store.Tasks(), a.aborter, queue.WorkerConfig{
				Queue:           cfg.QueueName,
				Concurrency:     cfg.WorkerConcurrency,
				ShutdownTimeout: cfg.ShutdownTimeout,
			}, logger)
			w.SetObserver(service.NewStatusNotifier(a.records, a.publisher, cfg.StatusChannel, logger))
			service.RegisterJobs(w, a.ingest, a.completion, a.processing)

			return w.Run(ctx)
		}),
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Однократная очистка просроченных и завершённых загрузок",
		RunE: runWithConfig("sweep", func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.sweep.RunOnce(ctx)
			fmt.Printf("%d загрузок удалено, %d задач удалено\n", res.Deleted, res.TasksDeleted)
			return nil
		}),
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Применение миграций хранилища записей",
		RunE: runWithConfig("migrate", func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
			a, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			a.Close()
			logger.Info("Миграции применены")
			return nil
		}),
	}
}
