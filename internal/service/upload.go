// upload.go — координатор загрузки файлов: простая и поэтапная
// (multipart) загрузка с компенсирующей очисткой при сбоях.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/arturkryukov/droplink/internal/api/errors"
	"github.com/arturkryukov/droplink/internal/config"
	"github.com/arturkryukov/droplink/internal/domain/model"
	"github.com/arturkryukov/droplink/internal/repository"
	"github.com/arturkryukov/droplink/internal/secret"
	"github.com/arturkryukov/droplink/internal/storage/objectstore"
)

// Метрики загрузок.
var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dl_uploads_total",
		Help: "Количество загрузок по типу и результату",
	}, []string{"type", "status"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_upload_bytes_total",
		Help: "Суммарный объём успешно загруженных данных в байтах",
	})

	multipartSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dl_multipart_sessions_active",
		Help: "Текущее количество открытых multipart-сессий",
	})
)

const (
	minPasswordLength = 4
	maxPasswordLength = 128

	// defaultMaxDownloads применяется, когда клиент не ограничил
	// число скачиваний явно.
	defaultMaxDownloads = 100
)

// UploadOptions — пользовательские параметры загрузки.
type UploadOptions struct {
	// LifetimeDays — срок жизни файла: 1, 7 или 30 дней
	LifetimeDays int
	// Password — пароль доступа (опционально)
	Password string
	// MaxDownloads — лимит скачиваний (опционально, по умолчанию defaultMaxDownloads)
	MaxDownloads int
	// OneTime — одноразовый файл (принудительно MaxDownloads=1)
	OneTime bool
}

// SimpleUploadParams — параметры простой загрузки.
type SimpleUploadParams struct {
	// Reader — поток данных файла
	Reader io.Reader
	// OriginalName — оригинальное имя файла
	OriginalName string
	// ContentType — MIME-тип файла
	ContentType string
	// Size — размер файла (из Content-Length multipart part)
	Size int64
	// Options — пользовательские параметры
	Options UploadOptions
}

// InitiateParams — параметры инициации поэтапной загрузки.
type InitiateParams struct {
	OriginalName string
	ContentType  string
	TotalSize    int64
	Options      UploadOptions
}

// UploadService — координатор загрузки файлов.
type UploadService struct {
	cfg    *config.Config
	repo   repository.FileRepository
	store  objectstore.Store
	retry  RetryPolicy
	logger *slog.Logger
}

// NewUploadService создаёт координатор загрузки.
func NewUploadService(
	cfg *config.Config,
	repo repository.FileRepository,
	store objectstore.Store,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		cfg:   cfg,
		repo:  repo,
		store: store,
		retry: RetryPolicy{
			MaxAttempts: cfg.UploadRetryAttempts,
			Backoff:     cfg.UploadRetryBackoff,
		},
		logger: logger.With(slog.String("component", "upload_service")),
	}
}

// SyncSessionGauge выставляет gauge открытых multipart-сессий по
// фактическому состоянию базы. Вызывается при старте: рестарт процесса
// обнуляет gauge, а строки сессий его переживают.
func (s *UploadService) SyncSessionGauge(ctx context.Context) error {
	count, err := s.repo.CountOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("подсчёт открытых сессий: %w", err)
	}
	multipartSessionsActive.Set(float64(count))
	return nil
}

// validateOptions нормализует и проверяет пользовательские параметры.
func validateOptions(opts *UploadOptions) *ServiceError {
	if !model.AllowedLifetimes[opts.LifetimeDays] {
		return newServiceError(400, apierrors.CodeValidationError,
			fmt.Sprintf("Недопустимый срок жизни %d дней: допустимы 1, 7, 30", opts.LifetimeDays))
	}
	if opts.MaxDownloads < 0 {
		return newServiceError(400, apierrors.CodeValidationError,
			"max_downloads не может быть отрицательным")
	}
	if opts.MaxDownloads == 0 {
		opts.MaxDownloads = defaultMaxDownloads
	}
	// Одноразовый файл становится недоступен после первого скачивания
	// независимо от лимита
	if opts.OneTime {
		opts.MaxDownloads = 1
	}
	if opts.Password != "" {
		if len(opts.Password) < minPasswordLength || len(opts.Password) > maxPasswordLength {
			return newServiceError(400, apierrors.CodeValidationError,
				fmt.Sprintf("Длина пароля должна быть от %d до %d символов", minPasswordLength, maxPasswordLength))
		}
	}
	return nil
}

// newRecord формирует FileRecord по параметрам загрузки.
// expires_at не назначается: он присваивается только после того,
// как передача байтов полностью завершилась.
func newRecord(originalName, contentType string, opts UploadOptions) (*model.FileRecord, error) {
	rec := &model.FileRecord{
		FileID:       secret.NewFileID(),
		StorageKey:   secret.NewStorageKey(originalName),
		OriginalName: originalName,
		ContentType:  contentType,
		LifetimeDays: opts.LifetimeDays,
		MaxDownloads: opts.MaxDownloads,
		IsOneTime:    opts.OneTime,
		CreatedAt:    time.Now().UTC(),
	}
	if opts.Password != "" {
		salt, err := secret.NewSalt()
		if err != nil {
			return nil, fmt.Errorf("генерация соли: %w", err)
		}
		rec.HasPassword = true
		rec.Salt = salt
		rec.PasswordHash = secret.HashPassword(opts.Password, salt)
	}
	return rec, nil
}

// UploadSimple выполняет простую загрузку файла целиком.
//
// Поток:
//  1. Валидация параметров и размера
//  2. Put в объектное хранилище (с ретраями)
//  3. Insert завершённой записи с expires_at = now + lifetime
//
// Если вставка метаданных падает после успешной записи байтов,
// осиротевший объект удаляется до возврата ошибки.
func (s *UploadService) UploadSimple(ctx context.Context, params SimpleUploadParams) (*model.FileRecord, *ServiceError) {
	// 1. Валидация
	if serr := validateOptions(&params.Options); serr != nil {
		uploadsTotal.WithLabelValues("simple", "error").Inc()
		return nil, serr
	}
	if params.Size > s.cfg.MaxSimpleSize {
		uploadsTotal.WithLabelValues("simple", "error").Inc()
		return nil, newServiceError(413, apierrors.CodeFileTooLarge,
			fmt.Sprintf("Размер файла %d байт превышает порог простой загрузки %d байт", params.Size, s.cfg.MaxSimpleSize))
	}

	rec, err := newRecord(params.OriginalName, params.ContentType, params.Options)
	if err != nil {
		s.logger.Error("Ошибка подготовки записи файла", slog.String("error", err.Error()))
		uploadsTotal.WithLabelValues("simple", "error").Inc()
		return nil, newServiceError(500, apierrors.CodeInternalError, "Внутренняя ошибка при подготовке загрузки")
	}
	rec.UploadStatus = model.StatusCompleted

	// 2. Сохраняем байты
	size, err := s.store.Put(ctx, rec.StorageKey, params.Reader)
	if err != nil {
		s.logger.Error("Ошибка записи объекта",
			slog.String("file_id", rec.FileID),
			slog.String("error", err.Error()),
		)
		uploadsTotal.WithLabelValues("simple", "error").Inc()
		return nil, newServiceError(500, apierrors.CodeInternalError, "Ошибка сохранения файла в хранилище")
	}
	rec.SizeBytes = size

	// 3. expires_at назначается после завершения передачи байтов
	expires := time.Now().UTC().AddDate(0, 0, rec.LifetimeDays)
	rec.ExpiresAt = &expires

	if err := s.repo.Insert(ctx, rec); err != nil {
		// Компенсирующая очистка: осиротевший объект не переживает
		// неудачную загрузку
		if _, _, delErr := s.store.Delete(ctx, rec.StorageKey); delErr != nil {
			s.logger.Error("Ошибка удаления осиротевшего объекта",
				slog.String("file_id", rec.FileID),
				slog.String("storage_key", rec.StorageKey),
				slog.String("error", delErr.Error()),
			)
		}
		s.logger.Error("Ошибка вставки записи файла",
			slog.String("file_id", rec.FileID),
			slog.String("error", err.Error()),
		)
		uploadsTotal.WithLabelValues("simple", "error").Inc()
		return nil, newServiceError(500, apierrors.CodeInternalError, "Ошибка сохранения метаданных файла")
	}

	uploadsTotal.WithLabelValues("simple", "success").Inc()
	uploadBytesTotal.Add(float64(size))
	s.logger.Info("Файл загружен",
		slog.String("file_id", rec.FileID),
		slog.Int64("size", size),
		slog.Int("lifetime_days", rec.LifetimeDays),
		slog.Bool("one_time", rec.IsOneTime),
	)
	return rec, nil
}

// InitiateChunked создаёт сессию поэтапной загрузки: multipart-сессию
// в хранилище и запись со статусом uploading. expires_at не назначается
// до завершения передачи.
func (s *UploadService) InitiateChunked(ctx context.Context, params InitiateParams) (*model.UploadSession, *ServiceError) {
	if serr := validateOptions(&params.Options); serr != nil {
		uploadsTotal.WithLabelValues("chunked", "error").Inc()
		return nil, serr
	}
	if params.TotalSize <= 0 {
		uploadsTotal.WithLabelValues("chunked", "error").Inc()
		return nil, newServiceError(400, apierrors.CodeValidationError, "total_size должен быть положительным")
	}
	if params.TotalSize > s.cfg.MaxFileSize {
		uploadsTotal.WithLabelValues("chunked", "error").Inc()
		return nil, newServiceError(413, apierrors.CodeFileTooLarge,
			fmt.Sprintf("Размер файла %d байт превышает максимум %d байт", params.TotalSize, s.cfg.MaxFileSize))
	}

	rec, err := newRecord(params.OriginalName, params.ContentType, params.Options)
	if err != nil {
		s.logger.Error("Ошибка подготовки записи файла", slog.String("error", err.Error()))
		uploadsTotal.WithLabelValues("chunked", "error").Inc()
		return nil, newServiceError(500, apierrors.CodeInternalError, "Внутренняя ошибка при подготовке загрузки")
	}

	// План нарезки: ceil(totalSize / partSize)
	totalChunks := int((params.TotalSize + s.cfg.PartSize - 1) / s.cfg.PartSize)
	uploadID := secret.NewFileID()

	rec.UploadStatus = model.StatusUploading
	rec.SizeBytes = params.TotalSize
	rec.MultipartUploadID = &uploadID
	rec.TotalChunks = &totalChunks

	if err := s.store.CreateMultipartUpload(ctx, uploadID); err != nil {
		s.logger.Error("Ошибка создания multipart-сессии",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		uploadsTotal.WithLabelValues("chunked", "error").Inc()
		return nil, newServiceError(500, apierrors.CodeInternalError, "Ошибка создания сессии загрузки")
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		// Сессия в хранилище без строки метаданных бесполезна — убираем
		_ = s.store.AbortMultipartUpload(ctx, uploadID)
		s.logger.Error("Ошибка вставки записи файла",
			slog.String("file_id", rec.FileID),
			slog.String("error", err.Error()),
		)
		uploadsTotal.WithLabelValues("chunked", "error").Inc()
		return nil, newServiceError(500, apierrors.CodeInternalError, "Ошибка сохранения метаданных файла")
	}

	multipartSessionsActive.Inc()
	s.logger.Info("Сессия поэтапной загрузки создана",
		slog.String("file_id", rec.FileID),
		slog.String("upload_id", uploadID),
		slog.Int("total_chunks", totalChunks),
		slog.Int64("total_size", params.TotalSize),
	)
	return &model.UploadSession{
		FileID:      rec.FileID,
		UploadID:    uploadID,
		TotalChunks: totalChunks,
		PartSize:    s.cfg.PartSize,
	}, nil
}

// getSession возвращает запись открытой сессии по идентификатору файла.
// Сессией считается запись в статусе uploading или failed
// (failed остаётся пере-собираемой и прерываемой).
func (s *UploadService) getSession(ctx context.Context, fileID string) (*model.FileRecord, *ServiceError) {
	rec, err := s.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newServiceError(404, apierrors.CodeSessionNotFound, "Сессия загрузки не найдена")
		}
		s.logger.Error("Ошибка чтения записи файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return nil, newServiceError(500, apierrors.CodeInternalError, "Ошибка чтения метаданных")
	}
	if rec.UploadStatus == model.StatusCompleted || rec.MultipartUploadID == nil {
		return nil, newServiceError(404, apierrors.CodeSessionNotFound, "Сессия загрузки не найдена")
	}
	return rec, nil
}

// UploadChunk принимает одну часть поэтапной загрузки. Идемпотентен
// по номеру части: повторная отправка перезаписывает предыдущую попытку.
func (s *UploadService) UploadChunk(ctx context.Context, fileID string, partNumber int, r io.Reader, size int64) (*model.CompletedPart, *ServiceError) {
	rec, serr := s.getSession(ctx, fileID)
	if serr != nil {
		return nil, serr
	}
	// Запись без плана нарезки частей не принимает: диапазон пуст
	total := 0
	if rec.TotalChunks != nil {
		total = *rec.TotalChunks
	}
	if partNumber < 1 || partNumber > total {
		return nil, newServiceError(400, apierrors.CodeValidationError,
			fmt.Sprintf("Номер части %d вне диапазона 1..%d", partNumber, total))
	}
	if size > s.cfg.MaxPartSize {
		return nil, newServiceError(413, apierrors.CodePartTooLarge,
			fmt.Sprintf("Размер части %d байт превышает максимум %d байт", size, s.cfg.MaxPartSize))
	}

	// Часть буферизуется целиком: ретрай не может переиграть частично
	// вычитанный поток. Размер ограничен MaxPartSize.
	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxPartSize+1))
	if err != nil {
		return nil, newServiceError(400, apierrors.CodeValidationError, "Ошибка чтения тела части")
	}
	if int64(len(data)) > s.cfg.MaxPartSize {
		return nil, newServiceError(413, apierrors.CodePartTooLarge,
			fmt.Sprintf("Размер части превышает максимум %d байт", s.cfg.MaxPartSize))
	}

	var etag string
	err = s.retry.Do(ctx, func() error {
		var attemptErr error
		etag, _, attemptErr = s.store.UploadPart(ctx, *rec.MultipartUploadID, partNumber, bytes.NewReader(data))
		return attemptErr
	})
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, newServiceError(404, apierrors.CodeSessionNotFound, "Сессия загрузки не найдена в хранилище")
		}
		s.logger.Error("Ошибка сохранения части",
			slog.String("file_id", fileID),
			slog.Int("part", partNumber),
			slog.String("error", err.Error()),
		)
		return nil, newServiceError(500, apierrors.CodeInternalError, "Ошибка сохранения части файла")
	}

	return &model.CompletedPart{PartNumber: partNumber, ETag: etag}, nil
}

// CompleteChunked собирает части в готовый объект и завершает запись.
//
// Поток:
//  1. Валидация полноты набора частей: 1..totalChunks без пропусков
//  2. CompleteMultipartUpload (склейка + сверка etag)
//  3. MarkCompleted с назначением expires_at
//
// При сбое склейки запись переводится в failed: сессия остаётся
// пере-собираемой и прерываемой.
func (s *UploadService) CompleteChunked(ctx context.Context, fileID string, parts []model.CompletedPart) (*model.FileRecord, *ServiceError) {
	rec, serr := s.getSession(ctx, fileID)
	if serr != nil {
		return nil, serr
	}

	// 1. Полнота набора: каждая часть 1..totalChunks ровно один раз.
	// Запись без плана нарезки собрать нельзя: любой набор неполон.
	total := 0
	if rec.TotalChunks != nil {
		total = *rec.TotalChunks
	}
	if total < 1 {
		return nil, newServiceError(400, apierrors.CodeIncompletePartSet,
			"Сессия не содержит плана нарезки частей")
	}
	seen := make(map[int]bool, len(parts))
	for _, p := range parts {
		if p.PartNumber < 1 || p.PartNumber > total || seen[p.PartNumber] {
			return nil, newServiceError(400, apierrors.CodeIncompletePartSet,
				fmt.Sprintf("Недопустимый или повторяющийся номер части: %d", p.PartNumber))
		}
		seen[p.PartNumber] = true
	}
	if len(parts) != total {
		return nil, newServiceError(400, apierrors.CodeIncompletePartSet,
			fmt.Sprintf("Получено %d частей из %d: набор неполон", len(parts), total))
	}

	sorted := make([]objectstore.Part, len(parts))
	for i, p := range parts {
		sorted[i] = objectstore.Part{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	// 2. Склейка в хранилище
	size, err := s.store.CompleteMultipartUpload(ctx, *rec.MultipartUploadID, rec.StorageKey, sorted)
	if err != nil {
		// Сессия остаётся в failed: её можно пересобрать или прервать
		if mfErr := s.repo.MarkFailed(ctx, fileID); mfErr != nil && !errors.Is(mfErr, repository.ErrNotFound) {
			s.logger.Error("Ошибка перевода записи в failed",
				slog.String("file_id", fileID),
				slog.String("error", mfErr.Error()),
			)
		}
		uploadsTotal.WithLabelValues("chunked", "error").Inc()
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, newServiceError(400, apierrors.CodeIncompletePartSet, "Часть отсутствует в хранилище")
		}
		if errors.Is(err, objectstore.ErrETagMismatch) {
			return nil, newServiceError(400, apierrors.CodeValidationError, "Контрольная сумма части не совпадает")
		}
		s.logger.Error("Ошибка сборки multipart-загрузки",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return nil, newServiceError(500, apierrors.CodeInternalError, "Ошибка сборки файла из частей")
	}

	// 3. expires_at назначается ровно один раз, после завершения передачи
	expires := time.Now().UTC().AddDate(0, 0, rec.LifetimeDays)
	if err := s.repo.MarkCompleted(ctx, fileID, expires); err != nil {
		s.logger.Error("Ошибка завершения записи файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		uploadsTotal.WithLabelValues("chunked", "error").Inc()
		return nil, newServiceError(500, apierrors.CodeInternalError, "Ошибка завершения загрузки")
	}

	rec.UploadStatus = model.StatusCompleted
	rec.ExpiresAt = &expires
	rec.SizeBytes = size
	rec.MultipartUploadID = nil

	multipartSessionsActive.Dec()
	uploadsTotal.WithLabelValues("chunked", "success").Inc()
	uploadBytesTotal.Add(float64(size))
	s.logger.Info("Поэтапная загрузка завершена",
		slog.String("file_id", fileID),
		slog.Int64("size", size),
		slog.Int("parts", total),
	)
	return rec, nil
}

// AbortChunked прерывает сессию: удаляет multipart-сессию в хранилище
// и строку метаданных. Идемпотентен — повторный вызов на уже прерванной
// сессии возвращает успех.
func (s *UploadService) AbortChunked(ctx context.Context, fileID string) *ServiceError {
	rec, err := s.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Строки нет — сессия уже прервана
			return nil
		}
		s.logger.Error("Ошибка чтения записи файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return newServiceError(500, apierrors.CodeInternalError, "Ошибка чтения метаданных")
	}
	if rec.UploadStatus == model.StatusCompleted {
		return newServiceError(404, apierrors.CodeSessionNotFound, "Сессия загрузки не найдена")
	}

	if rec.MultipartUploadID != nil {
		if err := s.store.AbortMultipartUpload(ctx, *rec.MultipartUploadID); err != nil {
			s.logger.Error("Ошибка прерывания multipart-сессии",
				slog.String("file_id", fileID),
				slog.String("error", err.Error()),
			)
			return newServiceError(500, apierrors.CodeInternalError, "Ошибка прерывания сессии загрузки")
		}
	}

	if err := s.repo.Delete(ctx, fileID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("Ошибка удаления записи файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return newServiceError(500, apierrors.CodeInternalError, "Ошибка удаления метаданных")
	}

	multipartSessionsActive.Dec()
	s.logger.Info("Сессия поэтапной загрузки прервана", slog.String("file_id", fileID))
	return nil
}
