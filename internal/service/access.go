// access.go — шлюз контроля доступа: проверка записи файла против
// текущего времени и предъявленного пароля, атомарный учёт скачивания.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/droplink/internal/domain/model"
	"github.com/arturkryukov/droplink/internal/repository"
	"github.com/arturkryukov/droplink/internal/secret"
	"github.com/arturkryukov/droplink/internal/storage/objectstore"
)

var (
	accessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dl_access_decisions_total",
		Help: "Количество решений шлюза доступа по исходу",
	}, []string{"decision"})

	downloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_downloads_total",
		Help: "Количество успешно учтённых скачиваний",
	})

	selfHealedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_self_healed_records_total",
		Help: "Количество строк метаданных, удалённых из-за отсутствия объекта",
	})
)

// Decision — закрытое перечисление исходов проверки доступа.
type Decision string

const (
	DecisionGranted          Decision = "granted"
	DecisionNotFound         Decision = "not_found"
	DecisionExpired          Decision = "expired"
	DecisionConsumed         Decision = "consumed"
	DecisionLimitReached     Decision = "limit_reached"
	DecisionPasswordRequired Decision = "password_required"
	DecisionInvalidPassword  Decision = "invalid_password"
)

// ErrLimitReached возвращается RecordDownload, когда условное
// обновление не затронуло ни одной строки: лимит уже исчерпан
// или файл одноразовый и уже скачан.
var ErrLimitReached = errors.New("лимит скачиваний исчерпан")

// AccessService — шлюз контроля доступа к файлам.
type AccessService struct {
	repo   repository.FileRepository
	store  objectstore.Store
	cache  *DecisionCache
	logger *slog.Logger
}

// NewAccessService создаёт шлюз доступа.
func NewAccessService(
	repo repository.FileRepository,
	store objectstore.Store,
	cache *DecisionCache,
	logger *slog.Logger,
) *AccessService {
	return &AccessService{
		repo:   repo,
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "access_service")),
	}
}

// Authorize проверяет доступ к файлу. Порядок проверок фиксирован:
//
//  1. Запись существует и завершена → иначе NotFound
//  2. Срок жизни истёк → Expired
//  3. Одноразовый и уже скачан → Consumed
//  4. Лимит скачиваний исчерпан → LimitReached
//  5. Пароль требуется, но не предъявлен → PasswordRequired
//  6. Пароль не совпадает → InvalidPassword
//  7. Объект отсутствует в хранилище → NotFound с удалением
//     осиротевшей строки (самовосстановление)
//  8. Иначе → Granted с метаданными файла
//
// Инфраструктурные сбои возвращаются ошибкой, не решением.
func (s *AccessService) Authorize(ctx context.Context, fileID string, password *string) (Decision, *model.FileRecord, error) {
	// Терминальные решения необратимы — их можно отдавать из кэша
	if s.cache != nil {
		if d, ok := s.cache.Get(fileID); ok {
			accessDecisionsTotal.WithLabelValues(string(d)).Inc()
			return d, nil, nil
		}
	}

	rec, err := s.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.decide(fileID, DecisionNotFound), nil, nil
		}
		return "", nil, fmt.Errorf("чтение записи файла: %w", err)
	}

	// 1. Незавершённый файл невидим для шлюза доступа
	if rec.UploadStatus != model.StatusCompleted {
		return s.decide(fileID, DecisionNotFound), nil, nil
	}
	// 2
	if rec.IsExpired(time.Now().UTC()) {
		return s.decide(fileID, DecisionExpired), nil, nil
	}
	// 3
	if rec.IsConsumed() {
		return s.decide(fileID, DecisionConsumed), nil, nil
	}
	// 4
	if rec.DownloadCount >= rec.MaxDownloads {
		return s.decide(fileID, DecisionLimitReached), nil, nil
	}
	// 5, 6
	if rec.HasPassword {
		if password == nil {
			return s.decide(fileID, DecisionPasswordRequired), nil, nil
		}
		if !secret.VerifyPassword(*password, rec.Salt, rec.PasswordHash) {
			return s.decide(fileID, DecisionInvalidPassword), nil, nil
		}
	}

	// 7. Строка без объекта лечится прямо здесь, не дожидаясь
	// ни скачивания, ни прохода сборщика мусора
	exists, err := s.store.Exists(ctx, rec.StorageKey)
	if err != nil {
		return "", nil, fmt.Errorf("проверка объекта: %w", err)
	}
	if !exists {
		s.healOrphan(ctx, rec)
		return s.decide(fileID, DecisionNotFound), nil, nil
	}

	accessDecisionsTotal.WithLabelValues(string(DecisionGranted)).Inc()
	return DecisionGranted, rec, nil
}

// decide фиксирует решение в метриках и кэше терминальных исходов.
func (s *AccessService) decide(fileID string, d Decision) Decision {
	accessDecisionsTotal.WithLabelValues(string(d)).Inc()
	if s.cache != nil {
		s.cache.Put(fileID, d)
	}
	return d
}

// RecordDownload атомарно учитывает скачивание. Условное обновление —
// единственный примитив конкурентности: при двух одновременных
// скачиваниях одноразового файла ровно одно обновление выигрывает,
// второе получает ErrLimitReached.
//
// Вызывается ДО отдачи байтов клиенту: нельзя отдать содержимое,
// которое затем окажется недоступным по лимиту.
func (s *AccessService) RecordDownload(ctx context.Context, fileID string) error {
	if err := s.repo.RecordDownload(ctx, fileID); err != nil {
		if errors.Is(err, repository.ErrLimitReached) {
			return ErrLimitReached
		}
		return fmt.Errorf("учёт скачивания: %w", err)
	}
	downloadsTotal.Inc()
	return nil
}

// OpenObject открывает поток байтов завершённого файла.
//
// Самовосстановление: если объект отсутствует в хранилище, строка
// метаданных удаляется — запись без объекта не должна жить до
// следующего прохода сборщика мусора.
func (s *AccessService) OpenObject(ctx context.Context, rec *model.FileRecord) (io.ReadCloser, int64, error) {
	rc, size, err := s.store.Get(ctx, rec.StorageKey)
	if err == nil {
		return rc, size, nil
	}
	if !errors.Is(err, objectstore.ErrObjectNotFound) {
		return nil, 0, fmt.Errorf("открытие объекта: %w", err)
	}

	s.healOrphan(ctx, rec)
	return nil, 0, objectstore.ErrObjectNotFound
}

// healOrphan удаляет строку метаданных, объект которой отсутствует
// в хранилище, и вычищает её из кэша решений.
func (s *AccessService) healOrphan(ctx context.Context, rec *model.FileRecord) {
	s.logger.Warn("Объект отсутствует в хранилище, строка метаданных удаляется",
		slog.String("file_id", rec.FileID),
		slog.String("storage_key", rec.StorageKey),
	)
	if delErr := s.repo.Delete(ctx, rec.FileID); delErr != nil && !errors.Is(delErr, repository.ErrNotFound) {
		s.logger.Error("Ошибка удаления осиротевшей строки",
			slog.String("file_id", rec.FileID),
			slog.String("error", delErr.Error()),
		)
	} else {
		selfHealedRecordsTotal.Inc()
	}
	if s.cache != nil {
		s.cache.Remove(rec.FileID)
	}
}
