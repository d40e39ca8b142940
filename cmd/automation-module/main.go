// main.go — точка входа Automation Module.
// Порядок запуска: config → logger → PostgreSQL (+миграции) →
// blobstore → движок (резолвер, менеджер заданий, планировщик) →
// восстановление после рестарта → фоновая сверка → HTTP-сервер.
package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/bigkaa/datalab/automation-module/internal/api/handlers"
	"github.com/bigkaa/datalab/automation-module/internal/config"
	"github.com/bigkaa/datalab/automation-module/internal/database"
	"github.com/bigkaa/datalab/automation-module/internal/runner"
	"github.com/bigkaa/datalab/automation-module/internal/server"
	"github.com/bigkaa/datalab/automation-module/internal/service"
	"github.com/bigkaa/datalab/automation-module/internal/storage/blobstore"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	// 2. Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Automation Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
	)

	ctx := context.Background()

	// 3. PostgreSQL: миграции и пул подключений
	if err := database.Migrate(cfg, logger); err != nil {
		log.Fatalf("Ошибка миграций: %v", err)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Ошибка подключения к PostgreSQL: %v", err)
	}
	defer pool.Close()

	// 4. Blobstore: директории загрузок и скриптов
	blobs, err := blobstore.New(cfg.UploadsDir, cfg.ScriptsDir)
	if err != nil {
		log.Fatalf("Ошибка инициализации blobstore: %v", err)
	}

	// 5. Движок: store, кэш, резолвер, менеджер заданий, планировщик
	store := service.NewPgStore(pool)
	cache := service.NewFunctionCache(cfg.FuncCacheSize, cfg.FuncCacheTTL)
	resolver := service.NewResolver(store, cache, logger)
	jobs := service.NewJobManager(store, blobs, logger)
	run := runner.New(cfg.UVBin, cfg.RunnerTimeout, cfg.ShutdownGrace, logger)
	sched := service.NewScheduler(jobs, store, blobs, run,
		cfg.MaxConcurrentJobs, cfg.ShutdownGrace, cfg.OutputDir, logger)

	// Engine подключает обратный вызов планировщика (конвейеры);
	// его операции потребляет внешний HTTP-слой через пакет service
	_ = service.NewEngine(store, blobs, resolver, jobs, sched, cache, logger)

	// 6. Восстановление после рестарта: зависшие running → failed,
	// submitted — обратно планировщику
	reconciler := service.NewReconciler(store, jobs, sched,
		cfg.RunnerTimeout+cfg.ShutdownGrace, cfg.ReconcileInterval, logger)
	if _, err := reconciler.RecoverAtStartup(ctx); err != nil {
		log.Fatalf("Ошибка восстановления заданий: %v", err)
	}
	reconciler.Start(ctx)

	// 7. HTTP-сервер (health + metrics), блокирующий вызов
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool))
	srv := server.New(cfg, logger, healthHandler)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// 8. Остановка фоновых сервисов: сверка, затем планировщик
	// (ожидание работающих скриптов в пределах shutdown_grace)
	reconciler.Stop()
	sched.Close()

	logger.Info("Automation Module остановлен")
}
