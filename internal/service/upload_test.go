package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	apierrors "github.com/arturkryukov/droplink/internal/api/errors"
	"github.com/arturkryukov/droplink/internal/config"
	"github.com/arturkryukov/droplink/internal/domain/model"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxSimpleSize:       1 << 20,
		MaxFileSize:         100 << 20,
		PartSize:            1 << 20,
		MaxPartSize:         4 << 20,
		SessionTTL:          24 * time.Hour,
		GCInterval:          time.Hour,
		GCBatchSize:         10,
		GCMaxExecutionTime:  time.Minute,
		RateLimitRetention:  24 * time.Hour,
		VacuumInterval:      24 * time.Hour,
		UploadRetryAttempts: 3,
		UploadRetryBackoff:  time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUploadService(repo *fakeFileRepo, store *fakeStore) *UploadService {
	return NewUploadService(testConfig(), repo, store, testLogger())
}

func TestUploadSimple_Success(t *testing.T) {
	repo := newFakeFileRepo()
	store := newFakeStore()
	svc := newTestUploadService(repo, store)

	rec, serr := svc.UploadSimple(context.Background(), SimpleUploadParams{
		Reader:       strings.NewReader("0123456789"),
		OriginalName: "note.txt",
		ContentType:  "text/plain",
		Size:         10,
		Options:      UploadOptions{LifetimeDays: 1, OneTime: true},
	})
	if serr != nil {
		t.Fatalf("UploadSimple: %v", serr)
	}
	if rec.UploadStatus != model.StatusCompleted {
		t.Errorf("UploadStatus = %q, ожидался completed", rec.UploadStatus)
	}
	if rec.SizeBytes != 10 {
		t.Errorf("SizeBytes = %d, ожидалось 10", rec.SizeBytes)
	}
	if rec.ExpiresAt == nil {
		t.Fatal("ExpiresAt не назначен после завершения загрузки")
	}
	if !rec.IsOneTime || rec.MaxDownloads != 1 {
		t.Errorf("одноразовый файл: IsOneTime=%v MaxDownloads=%d", rec.IsOneTime, rec.MaxDownloads)
	}
	if repo.get(rec.FileID) == nil {
		t.Error("запись не вставлена в репозиторий")
	}
	if ok, _ := store.Exists(context.Background(), rec.StorageKey); !ok {
		t.Error("объект не сохранён в хранилище")
	}
}

func TestUploadSimple_InvalidLifetime(t *testing.T) {
	svc := newTestUploadService(newFakeFileRepo(), newFakeStore())

	_, serr := svc.UploadSimple(context.Background(), SimpleUploadParams{
		Reader:       strings.NewReader("x"),
		OriginalName: "a.txt",
		Size:         1,
		Options:      UploadOptions{LifetimeDays: 14},
	})
	if serr == nil || serr.Code != apierrors.CodeValidationError {
		t.Errorf("ожидался VALIDATION_ERROR, получено %v", serr)
	}
}

func TestUploadSimple_TooLarge(t *testing.T) {
	svc := newTestUploadService(newFakeFileRepo(), newFakeStore())

	_, serr := svc.UploadSimple(context.Background(), SimpleUploadParams{
		Reader:       strings.NewReader("x"),
		OriginalName: "big.bin",
		Size:         2 << 20,
		Options:      UploadOptions{LifetimeDays: 1},
	})
	if serr == nil || serr.Code != apierrors.CodeFileTooLarge {
		t.Errorf("ожидался FILE_TOO_LARGE, получено %v", serr)
	}
	if serr.StatusCode != 413 {
		t.Errorf("StatusCode = %d, ожидался 413", serr.StatusCode)
	}
}

func TestUploadSimple_CompensatingCleanup(t *testing.T) {
	repo := newFakeFileRepo()
	repo.insertErr = errors.New("db down")
	store := newFakeStore()
	svc := newTestUploadService(repo, store)

	_, serr := svc.UploadSimple(context.Background(), SimpleUploadParams{
		Reader:       strings.NewReader("данные"),
		OriginalName: "orphan.bin",
		Size:         6,
		Options:      UploadOptions{LifetimeDays: 7},
	})
	if serr == nil || serr.Code != apierrors.CodeInternalError {
		t.Fatalf("ожидался INTERNAL_ERROR, получено %v", serr)
	}
	// Осиротевший объект не переживает неудачную загрузку
	if store.objectCount() != 0 {
		t.Error("объект остался в хранилище после неудачной вставки метаданных")
	}
}

func TestUploadSimple_PasswordStored(t *testing.T) {
	repo := newFakeFileRepo()
	svc := newTestUploadService(repo, newFakeStore())

	rec, serr := svc.UploadSimple(context.Background(), SimpleUploadParams{
		Reader:       strings.NewReader("x"),
		OriginalName: "secret.txt",
		Size:         1,
		Options:      UploadOptions{LifetimeDays: 1, Password: "abc12345"},
	})
	if serr != nil {
		t.Fatalf("UploadSimple: %v", serr)
	}
	stored := repo.get(rec.FileID)
	if !stored.HasPassword || len(stored.PasswordHash) == 0 || len(stored.Salt) == 0 {
		t.Error("парольные поля не заполнены")
	}
}

func TestInitiateChunked_ChunkPlan(t *testing.T) {
	repo := newFakeFileRepo()
	store := newFakeStore()
	svc := newTestUploadService(repo, store)

	// 2.5 МиБ при части в 1 МиБ — 3 части
	sess, serr := svc.InitiateChunked(context.Background(), InitiateParams{
		OriginalName: "video.mp4",
		ContentType:  "video/mp4",
		TotalSize:    (1 << 20) * 5 / 2,
		Options:      UploadOptions{LifetimeDays: 7},
	})
	if serr != nil {
		t.Fatalf("InitiateChunked: %v", serr)
	}
	if sess.TotalChunks != 3 {
		t.Errorf("TotalChunks = %d, ожидалось 3", sess.TotalChunks)
	}
	if sess.PartSize != 1<<20 {
		t.Errorf("PartSize = %d, ожидалось %d", sess.PartSize, 1<<20)
	}

	rec := repo.get(sess.FileID)
	if rec == nil {
		t.Fatal("запись сессии не вставлена")
	}
	if rec.UploadStatus != model.StatusUploading {
		t.Errorf("UploadStatus = %q, ожидался uploading", rec.UploadStatus)
	}
	if rec.ExpiresAt != nil {
		t.Error("ExpiresAt назначен до завершения передачи байтов")
	}
	if !store.hasSession(sess.UploadID) {
		t.Error("multipart-сессия не создана в хранилище")
	}
}

func TestInitiateChunked_TooLarge(t *testing.T) {
	svc := newTestUploadService(newFakeFileRepo(), newFakeStore())

	_, serr := svc.InitiateChunked(context.Background(), InitiateParams{
		OriginalName: "huge.bin",
		TotalSize:    200 << 20,
		Options:      UploadOptions{LifetimeDays: 1},
	})
	if serr == nil || serr.Code != apierrors.CodeFileTooLarge {
		t.Errorf("ожидался FILE_TOO_LARGE, получено %v", serr)
	}
}

func TestUploadChunk_SessionNotFound(t *testing.T) {
	svc := newTestUploadService(newFakeFileRepo(), newFakeStore())

	_, serr := svc.UploadChunk(context.Background(), "no-such", 1, strings.NewReader("x"), 1)
	if serr == nil || serr.Code != apierrors.CodeSessionNotFound {
		t.Errorf("ожидался SESSION_NOT_FOUND, получено %v", serr)
	}
}

func TestUploadChunk_RetrySucceeds(t *testing.T) {
	repo := newFakeFileRepo()
	store := newFakeStore()
	svc := newTestUploadService(repo, store)

	sess, serr := svc.InitiateChunked(context.Background(), InitiateParams{
		OriginalName: "f.bin",
		TotalSize:    2 << 20,
		Options:      UploadOptions{LifetimeDays: 1},
	})
	if serr != nil {
		t.Fatalf("InitiateChunked: %v", serr)
	}

	// Первые две попытки падают, третья проходит
	store.partErr = errors.New("временный сбой")
	store.partErrLeft = 2

	part, serr := svc.UploadChunk(context.Background(), sess.FileID, 1, strings.NewReader("данные"), 6)
	if serr != nil {
		t.Fatalf("UploadChunk после ретраев: %v", serr)
	}
	if part.PartNumber != 1 || part.ETag == "" {
		t.Errorf("часть: %+v", part)
	}
}

func TestUploadChunk_MissingChunkPlanRejected(t *testing.T) {
	repo := newFakeFileRepo()
	store := newFakeStore()
	svc := newTestUploadService(repo, store)
	ctx := context.Background()

	// Запись сессии без плана нарезки: части принимать не у чего
	uploadID := "session-without-plan"
	if err := store.CreateMultipartUpload(ctx, uploadID); err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	repo.put(&model.FileRecord{
		FileID:            "broken-session",
		StorageKey:        "broken-key",
		UploadStatus:      model.StatusUploading,
		MultipartUploadID: &uploadID,
		CreatedAt:         time.Now().UTC(),
	})

	_, serr := svc.UploadChunk(ctx, "broken-session", 1, strings.NewReader("x"), 1)
	if serr == nil || serr.Code != apierrors.CodeValidationError {
		t.Errorf("ожидался VALIDATION_ERROR, получено %v", serr)
	}

	// Собрать такую сессию тоже нельзя, даже пустым набором частей
	_, serr = svc.CompleteChunked(ctx, "broken-session", nil)
	if serr == nil || serr.Code != apierrors.CodeIncompletePartSet {
		t.Errorf("ожидался INCOMPLETE_PART_SET, получено %v", serr)
	}
}

func TestSyncSessionGauge(t *testing.T) {
	repo := newFakeFileRepo()
	store := newFakeStore()
	svc := newTestUploadService(repo, store)
	ctx := context.Background()

	// Две открытые сессии в базе, как после рестарта процесса
	for _, id := range []string{"s1", "s2"} {
		uploadID := "upload-" + id
		repo.put(&model.FileRecord{
			FileID:            id,
			StorageKey:        "key-" + id,
			UploadStatus:      model.StatusUploading,
			MultipartUploadID: &uploadID,
			CreatedAt:         time.Now().UTC(),
		})
	}

	if err := svc.SyncSessionGauge(ctx); err != nil {
		t.Fatalf("SyncSessionGauge: %v", err)
	}
	if got := testutil.ToFloat64(multipartSessionsActive); got != 2 {
		t.Errorf("gauge открытых сессий = %v, ожидалось 2", got)
	}
}

func TestCompleteChunked_HappyPath(t *testing.T) {
	repo := newFakeFileRepo()
	store := newFakeStore()
	svc := newTestUploadService(repo, store)
	ctx := context.Background()

	sess, serr := svc.InitiateChunked(ctx, InitiateParams{
		OriginalName: "f.bin",
		TotalSize:    2 << 20,
		Options:      UploadOptions{LifetimeDays: 30},
	})
	if serr != nil {
		t.Fatalf("InitiateChunked: %v", serr)
	}

	var parts []model.CompletedPart
	for i := 1; i <= sess.TotalChunks; i++ {
		p, serr := svc.UploadChunk(ctx, sess.FileID, i, strings.NewReader("часть"), 10)
		if serr != nil {
			t.Fatalf("UploadChunk #%d: %v", i, serr)
		}
		parts = append(parts, *p)
	}

	rec, serr := svc.CompleteChunked(ctx, sess.FileID, parts)
	if serr != nil {
		t.Fatalf("CompleteChunked: %v", serr)
	}
	if rec.UploadStatus != model.StatusCompleted {
		t.Errorf("UploadStatus = %q, ожидался completed", rec.UploadStatus)
	}
	if rec.ExpiresAt == nil {
		t.Error("ExpiresAt не назначен при завершении")
	}

	stored := repo.get(sess.FileID)
	if stored.UploadStatus != model.StatusCompleted || stored.MultipartUploadID != nil {
		t.Errorf("запись после завершения: status=%q uploadID=%v", stored.UploadStatus, stored.MultipartUploadID)
	}
	if ok, _ := store.Exists(ctx, stored.StorageKey); !ok {
		t.Error("собранный объект отсутствует в хранилище")
	}
}

func TestCompleteChunked_IncompletePartSet(t *testing.T) {
	repo := newFakeFileRepo()
	store := newFakeStore()
	svc := newTestUploadService(repo, store)
	ctx := context.Background()

	sess, serr := svc.InitiateChunked(ctx, InitiateParams{
		OriginalName: "f.bin",
		TotalSize:    4 << 20,
		Options:      UploadOptions{LifetimeDays: 1},
	})
	if serr != nil {
		t.Fatalf("InitiateChunked: %v", serr)
	}
	if sess.TotalChunks != 4 {
		t.Fatalf("TotalChunks = %d, ожидалось 4", sess.TotalChunks)
	}

	// Набор [1,2,4] с пропуском части 3
	_, serr = svc.CompleteChunked(ctx, sess.FileID, []model.CompletedPart{
		{PartNumber: 1}, {PartNumber: 2}, {PartNumber: 4},
	})
	if serr == nil || serr.Code != apierrors.CodeIncompletePartSet {
		t.Fatalf("ожидался INCOMPLETE_PART_SET, получено %v", serr)
	}

	// Статус не тронут: сессия остаётся открытой
	rec := repo.get(sess.FileID)
	if rec.UploadStatus != model.StatusUploading {
		t.Errorf("UploadStatus = %q, ожидался uploading", rec.UploadStatus)
	}
}

func TestCompleteChunked_StoreFailureMarksFailed(t *testing.T) {
	repo := newFakeFileRepo()
	store := newFakeStore()
	svc := newTestUploadService(repo, store)
	ctx := context.Background()

	sess, serr := svc.InitiateChunked(ctx, InitiateParams{
		OriginalName: "f.bin",
		TotalSize:    1 << 20,
		Options:      UploadOptions{LifetimeDays: 1},
	})
	if serr != nil {
		t.Fatalf("InitiateChunked: %v", serr)
	}
	if _, serr := svc.UploadChunk(ctx, sess.FileID, 1, strings.NewReader("x"), 1); serr != nil {
		t.Fatalf("UploadChunk: %v", serr)
	}

	store.completeErr = errors.New("склейка не удалась")
	_, serr = svc.CompleteChunked(ctx, sess.FileID, []model.CompletedPart{{PartNumber: 1}})
	if serr == nil || serr.Code != apierrors.CodeInternalError {
		t.Fatalf("ожидался INTERNAL_ERROR, получено %v", serr)
	}

	rec := repo.get(sess.FileID)
	if rec.UploadStatus != model.StatusFailed {
		t.Errorf("UploadStatus = %q, ожидался failed", rec.UploadStatus)
	}

	// Из failed сессия пере-собираема
	store.completeErr = nil
	got, serr := svc.CompleteChunked(ctx, sess.FileID, []model.CompletedPart{{PartNumber: 1}})
	if serr != nil {
		t.Fatalf("повторный CompleteChunked из failed: %v", serr)
	}
	if got.UploadStatus != model.StatusCompleted {
		t.Errorf("UploadStatus = %q, ожидался completed", got.UploadStatus)
	}
}

func TestAbortChunked_Idempotent(t *testing.T) {
	repo := newFakeFileRepo()
	store := newFakeStore()
	svc := newTestUploadService(repo, store)
	ctx := context.Background()

	sess, serr := svc.InitiateChunked(ctx, InitiateParams{
		OriginalName: "f.bin",
		TotalSize:    1 << 20,
		Options:      UploadOptions{LifetimeDays: 1},
	})
	if serr != nil {
		t.Fatalf("InitiateChunked: %v", serr)
	}

	if serr := svc.AbortChunked(ctx, sess.FileID); serr != nil {
		t.Fatalf("AbortChunked: %v", serr)
	}
	if repo.count() != 0 {
		t.Error("строка метаданных осталась после прерывания")
	}
	if store.hasSession(sess.UploadID) {
		t.Error("multipart-сессия осталась после прерывания")
	}

	// Повторное прерывание — успех без побочных эффектов
	if serr := svc.AbortChunked(ctx, sess.FileID); serr != nil {
		t.Errorf("повторный AbortChunked: %v", serr)
	}
}

func TestAbortChunked_CompletedIsNotASession(t *testing.T) {
	repo := newFakeFileRepo()
	svc := newTestUploadService(repo, newFakeStore())

	rec, serr := svc.UploadSimple(context.Background(), SimpleUploadParams{
		Reader:       strings.NewReader("x"),
		OriginalName: "done.txt",
		Size:         1,
		Options:      UploadOptions{LifetimeDays: 1},
	})
	if serr != nil {
		t.Fatalf("UploadSimple: %v", serr)
	}

	aerr := svc.AbortChunked(context.Background(), rec.FileID)
	if aerr == nil || aerr.Code != apierrors.CodeSessionNotFound {
		t.Errorf("прерывание завершённого файла: ожидался SESSION_NOT_FOUND, получено %v", aerr)
	}
}
