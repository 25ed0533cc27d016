// Точка входа DropLink — сервис обмена файлами по ссылке.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// инициализирует объектное хранилище, сервисный слой и API handlers,
// запускает сборщик мусора и мониторинг зависимостей (topologymetrics),
// HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/arturkryukov/droplink/internal/api/handlers"
	"github.com/arturkryukov/droplink/internal/config"
	"github.com/arturkryukov/droplink/internal/database"
	"github.com/arturkryukov/droplink/internal/repository"
	"github.com/arturkryukov/droplink/internal/server"
	"github.com/arturkryukov/droplink/internal/service"
	"github.com/arturkryukov/droplink/internal/storage/objectstore"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("DropLink запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
	)

	if os.Getenv("DL_DEPHEALTH_GROUP") == "" {
		logger.Warn("DL_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Объектное хранилище
	store, err := objectstore.NewFSStore(cfg.DataDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Repositories
	fileRepo := repository.NewFileRepository(pool)
	maintRepo := repository.NewMaintenanceRepository(pool)

	// 7. Services
	decisionCache := service.NewDecisionCache(cfg.CacheSize, cfg.CacheTTL)
	uploadSvc := service.NewUploadService(cfg, fileRepo, store, logger)
	accessSvc := service.NewAccessService(fileRepo, store, decisionCache, logger)
	gcSvc := service.NewGCService(cfg, fileRepo, maintRepo, store, decisionCache, logger)

	// Gauge открытых сессий переживает рестарт только через базу
	if err := uploadSvc.SyncSessionGauge(ctx); err != nil {
		logger.Warn("Не удалось инициализировать gauge открытых сессий",
			slog.String("error", err.Error()),
		)
	}

	// 8. Сборщик мусора — фоновая горутина с тикером
	gcSvc.Start(ctx)
	defer gcSvc.Stop()

	// 9. topologymetrics — мониторинг зависимостей (PostgreSQL)
	dephealthSvc, err := service.NewDephealthService(
		cfg.DephealthName,
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка инициализации dephealth", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := dephealthSvc.Start(ctx); err != nil {
		logger.Error("Ошибка запуска dephealth", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer dephealthSvc.Stop()

	// 10. Handlers
	filesHandler := handlers.NewFilesHandler(uploadSvc, accessSvc)
	maintenanceHandler := handlers.NewMaintenanceHandler(gcSvc)
	healthHandler := handlers.NewHealthHandler(cfg.DataDir, database.NewReadinessChecker(pool))

	// 11. HTTP-сервер с graceful shutdown
	srv := server.New(cfg, logger, filesHandler, maintenanceHandler, healthHandler)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
