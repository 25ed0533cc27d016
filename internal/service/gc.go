// gc.go — сборщик мусора: периодический проход, удаляющий байты и
// строки файлов, ставших недоступными, и поддерживающий консистентность
// объектного хранилища и метаданных.
//
// Фазы одного прохода:
//  1. Удаление недоступных файлов (истёкшие, одноразовые скачанные,
//     исчерпавшие лимит) ограниченными батчами с бюджетом времени
//  2. Прерывание протухших сессий поэтапной загрузки
//  3. Очистка устаревших строк rate-limit (best-effort)
//  4. VACUUM не чаще одного раза за vacuum-интервал
//
// Запускается как горутина с периодическим тикером (DL_GC_INTERVAL).
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/droplink/internal/config"
	"github.com/arturkryukov/droplink/internal/domain/model"
	"github.com/arturkryukov/droplink/internal/repository"
	"github.com/arturkryukov/droplink/internal/storage/objectstore"
)

// Prometheus метрики GC
var (
	gcRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_gc_runs_total",
		Help: "Общее количество запусков сборщика мусора",
	})

	gcFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_gc_files_deleted_total",
		Help: "Общее количество файлов, удалённых сборщиком",
	})

	gcBytesFreedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_gc_bytes_freed_total",
		Help: "Суммарный объём освобождённого хранилища в байтах",
	})

	gcSessionsAbortedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_gc_sessions_aborted_total",
		Help: "Общее количество прерванных протухших сессий загрузки",
	})

	gcErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_gc_errors_total",
		Help: "Общее количество ошибок обработки записей сборщиком",
	})

	gcDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dl_gc_duration_seconds",
		Help:    "Длительность прохода сборщика мусора в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepStats — результат одного прохода сборщика.
type SweepStats struct {
	// FilesProcessed — количество рассмотренных кандидатов
	FilesProcessed int `json:"files_processed"`
	// FilesDeleted — количество удалённых строк метаданных
	FilesDeleted int `json:"files_deleted"`
	// StorageSpaceFreed — освобождено байт (только подтверждённые удаления)
	StorageSpaceFreed int64 `json:"storage_space_freed"`
	// RateLimitEntriesDeleted — удалено устаревших строк rate-limit
	RateLimitEntriesDeleted int64 `json:"rate_limit_entries_deleted"`
	// StaleSessionsAborted — прервано протухших сессий загрузки
	StaleSessionsAborted int `json:"stale_sessions_aborted"`
	// Errors — ошибок обработки; ненулевое значение не отменяет проход
	Errors int `json:"errors"`
	// Duration — длительность прохода
	Duration time.Duration `json:"duration_ms"`
}

// GCService — сборщик мусора.
type GCService struct {
	cfg   *config.Config
	repo  repository.FileRepository
	maint repository.MaintenanceRepository
	store objectstore.Store
	cache *DecisionCache

	logger *slog.Logger

	mu     sync.Mutex // защита от параллельного прохода
	cancel context.CancelFunc
}

// NewGCService создаёт сборщик мусора.
func NewGCService(
	cfg *config.Config,
	repo repository.FileRepository,
	maint repository.MaintenanceRepository,
	store objectstore.Store,
	cache *DecisionCache,
	logger *slog.Logger,
) *GCService {
	return &GCService{
		cfg:    cfg,
		repo:   repo,
		maint:  maint,
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "gc")),
	}
}

// Start запускает фоновую горутину сборщика с периодическим тикером.
// Вызывается один раз при старте приложения.
func (gc *GCService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel

	go gc.run(gcCtx)

	gc.logger.Info("Сборщик мусора запущен",
		slog.String("interval", gc.cfg.GCInterval.String()),
		slog.Int("batch_size", gc.cfg.GCBatchSize),
	)
}

// Stop останавливает фоновый процесс сборщика.
func (gc *GCService) Stop() {
	if gc.cancel != nil {
		gc.cancel()
	}
	gc.logger.Info("Сборщик мусора остановлен")
}

// run — основной цикл фоновой горутины.
func (gc *GCService) run(ctx context.Context) {
	// Первый проход — сразу после старта
	gc.RunSweep(ctx)

	ticker := time.NewTicker(gc.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunSweep(ctx)
		}
	}
}

// RunSweep выполняет один проход сборщика. Потокобезопасен:
// параллельные вызовы сериализуются мьютексом.
func (gc *GCService) RunSweep(ctx context.Context) *SweepStats {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.sweep(ctx)
}

// TryRunSweep выполняет проход, только если он ещё не идёт.
// Для ручного триггера: занятый сборщик — это 409, не ожидание.
func (gc *GCService) TryRunSweep(ctx context.Context) (*SweepStats, bool) {
	if !gc.mu.TryLock() {
		return nil, false
	}
	defer gc.mu.Unlock()
	return gc.sweep(ctx), true
}

func (gc *GCService) sweep(ctx context.Context) *SweepStats {
	start := time.Now()
	now := start.UTC()
	stats := &SweepStats{}

	gc.logger.Debug("Проход сборщика начат")

	// Фаза 1: удаление недоступных файлов
	gc.sweepFiles(ctx, now, start, stats)

	// Фаза 2: прерывание протухших сессий загрузки
	gc.abortStaleSessions(ctx, now, stats)

	// Фаза 3: очистка rate-limit (best-effort, сбой не отменяет проход)
	deleted, err := gc.maint.DeleteRateLimitEntriesBefore(ctx, now.Add(-gc.cfg.RateLimitRetention))
	if err != nil {
		gc.logger.Error("Ошибка очистки rate-limit строк", slog.String("error", err.Error()))
		stats.Errors++
	} else {
		stats.RateLimitEntriesDeleted = deleted
	}

	// Фаза 4: VACUUM не чаще раза за интервал
	gc.maybeVacuum(ctx, now, stats)

	stats.Duration = time.Since(start)

	gcRunsTotal.Inc()
	gcFilesDeletedTotal.Add(float64(stats.FilesDeleted))
	gcBytesFreedTotal.Add(float64(stats.StorageSpaceFreed))
	gcSessionsAbortedTotal.Add(float64(stats.StaleSessionsAborted))
	gcErrorsTotal.Add(float64(stats.Errors))
	gcDurationSeconds.Observe(stats.Duration.Seconds())

	gc.logger.Info("Проход сборщика завершён",
		slog.Int("processed", stats.FilesProcessed),
		slog.Int("deleted", stats.FilesDeleted),
		slog.Int64("bytes_freed", stats.StorageSpaceFreed),
		slog.Int("sessions_aborted", stats.StaleSessionsAborted),
		slog.Int64("rate_limit_deleted", stats.RateLimitEntriesDeleted),
		slog.Int("errors", stats.Errors),
		slog.Duration("duration", stats.Duration),
	)

	return stats
}

// sweepFiles обрабатывает кандидатов батчами с бюджетом времени.
// Бюджет проверяется ПЕРЕД каждым батчем: нулевой бюджет означает
// ноль батчей, а не один.
func (gc *GCService) sweepFiles(ctx context.Context, now, start time.Time, stats *SweepStats) {
	// Кандидатов берём с запасом: 2 батча за проход
	candidates, err := gc.repo.ListSweepCandidates(ctx, now, 2*gc.cfg.GCBatchSize)
	if err != nil {
		gc.logger.Error("Ошибка выборки кандидатов", slog.String("error", err.Error()))
		stats.Errors++
		return
	}

	for offset := 0; offset < len(candidates); offset += gc.cfg.GCBatchSize {
		if time.Since(start) >= gc.cfg.GCMaxExecutionTime {
			gc.logger.Warn("Бюджет времени исчерпан, проход остановлен досрочно",
				slog.Int("remaining", len(candidates)-offset),
			)
			return
		}

		end := offset + gc.cfg.GCBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		gc.sweepBatch(ctx, candidates[offset:end], stats)
	}
}

// sweepBatch удаляет объекты одного батча и затем одним запросом —
// их строки метаданных. Ошибка удаления одного объекта не прерывает
// ни батч, ни проход.
func (gc *GCService) sweepBatch(ctx context.Context, batch []*model.FileRecord, stats *SweepStats) {
	ids := make([]string, 0, len(batch))
	for _, rec := range batch {
		stats.FilesProcessed++

		existed, freed, err := gc.store.Delete(ctx, rec.StorageKey)
		if err != nil {
			// Объект мог уцелеть — строку оставляем до следующего прохода
			gc.logger.Error("Ошибка удаления объекта",
				slog.String("file_id", rec.FileID),
				slog.String("storage_key", rec.StorageKey),
				slog.String("error", err.Error()),
			)
			stats.Errors++
			continue
		}
		// Отсутствие объекта — успех: желаемое состояние уже достигнуто,
		// строка удаляется (самовосстановление)
		if existed {
			stats.StorageSpaceFreed += freed
		}
		ids = append(ids, rec.FileID)
	}

	if len(ids) == 0 {
		return
	}

	deleted, err := gc.repo.BatchDelete(ctx, ids)
	if err != nil {
		gc.logger.Error("Ошибка батч-удаления строк", slog.String("error", err.Error()))
		stats.Errors++
		return
	}
	stats.FilesDeleted += int(deleted)

	if gc.cache != nil {
		for _, id := range ids {
			gc.cache.Remove(id)
		}
	}
}

// abortStaleSessions прерывает сессии загрузки старше DL_SESSION_TTL:
// multipart-сессия в хранилище удаляется, строка метаданных — тоже.
func (gc *GCService) abortStaleSessions(ctx context.Context, now time.Time, stats *SweepStats) {
	cutoff := now.Add(-gc.cfg.SessionTTL)
	sessions, err := gc.repo.ListStaleSessions(ctx, cutoff, gc.cfg.GCBatchSize)
	if err != nil {
		gc.logger.Error("Ошибка выборки протухших сессий", slog.String("error", err.Error()))
		stats.Errors++
		return
	}

	for _, rec := range sessions {
		if rec.MultipartUploadID != nil {
			if err := gc.store.AbortMultipartUpload(ctx, *rec.MultipartUploadID); err != nil {
				gc.logger.Error("Ошибка прерывания протухшей сессии",
					slog.String("file_id", rec.FileID),
					slog.String("error", err.Error()),
				)
				stats.Errors++
				continue
			}
		}
		if err := gc.repo.Delete(ctx, rec.FileID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			gc.logger.Error("Ошибка удаления строки протухшей сессии",
				slog.String("file_id", rec.FileID),
				slog.String("error", err.Error()),
			)
			stats.Errors++
			continue
		}
		// Сессия закрыта не клиентом, а сборщиком — gauge открытых
		// сессий обязан это отразить
		multipartSessionsActive.Dec()
		stats.StaleSessionsAborted++
	}
}

// maybeVacuum выполняет VACUUM, если с предыдущего прошло не меньше
// DL_VACUUM_INTERVAL. Метка последнего запуска хранится в
// maintenance_state и переживает рестарты.
func (gc *GCService) maybeVacuum(ctx context.Context, now time.Time, stats *SweepStats) {
	last, err := gc.maint.LastVacuum(ctx)
	if err != nil {
		gc.logger.Error("Ошибка чтения метки VACUUM", slog.String("error", err.Error()))
		stats.Errors++
		return
	}
	if now.Sub(last) < gc.cfg.VacuumInterval {
		return
	}

	if err := gc.maint.Vacuum(ctx); err != nil {
		gc.logger.Error("Ошибка VACUUM", slog.String("error", err.Error()))
		stats.Errors++
		return
	}
	if err := gc.maint.SetLastVacuum(ctx, now); err != nil {
		gc.logger.Error("Ошибка записи метки VACUUM", slog.String("error", err.Error()))
		stats.Errors++
		return
	}
	gc.logger.Info("VACUUM выполнен")
}
