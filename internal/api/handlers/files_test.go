// files_test.go — тесты маппинга исходов скачивания на HTTP-статусы.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/droplink/internal/domain/model"
	"github.com/arturkryukov/droplink/internal/repository"
	"github.com/arturkryukov/droplink/internal/service"
	"github.com/arturkryukov/droplink/internal/storage/objectstore"
)

// --- стабы слоя данных ---

type stubFileRepo struct {
	mu      sync.Mutex
	records map[string]*model.FileRecord
}

func newStubFileRepo() *stubFileRepo {
	return &stubFileRepo{records: make(map[string]*model.FileRecord)}
}

func (r *stubFileRepo) Insert(ctx context.Context, f *model.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[f.FileID] = f
	return nil
}

func (r *stubFileRepo) GetByID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *stubFileRepo) MarkCompleted(ctx context.Context, fileID string, expiresAt time.Time) error {
	return nil
}

func (r *stubFileRepo) MarkFailed(ctx context.Context, fileID string) error { return nil }

func (r *stubFileRepo) RecordDownload(ctx context.Context, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[fileID]
	if !ok || rec.DownloadCount >= rec.MaxDownloads {
		return repository.ErrLimitReached
	}
	rec.DownloadCount++
	return nil
}

func (r *stubFileRepo) Delete(ctx context.Context, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[fileID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.records, fileID)
	return nil
}

func (r *stubFileRepo) BatchDelete(ctx context.Context, fileIDs []string) (int64, error) {
	return 0, nil
}

func (r *stubFileRepo) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error) {
	return nil, nil
}

func (r *stubFileRepo) ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*model.FileRecord, error) {
	return nil, nil
}

func (r *stubFileRepo) CountOpenSessions(ctx context.Context) (int64, error) { return 0, nil }

type stubStore struct {
	objects map[string][]byte
	getErr  error
}

func newStubStore() *stubStore {
	return &stubStore{objects: make(map[string][]byte)}
}

func (s *stubStore) Put(ctx context.Context, key string, rd io.Reader) (int64, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return 0, err
	}
	s.objects[key] = data
	return int64(len(data)), nil
}

func (s *stubStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if s.getErr != nil {
		return nil, 0, s.getErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, 0, objectstore.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *stubStore) Delete(ctx context.Context, key string) (bool, int64, error) {
	data, ok := s.objects[key]
	if !ok {
		return false, 0, nil
	}
	delete(s.objects, key)
	return true, int64(len(data)), nil
}

func (s *stubStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := s.objects[key]
	return ok, nil
}

func (s *stubStore) CreateMultipartUpload(ctx context.Context, uploadID string) error { return nil }

func (s *stubStore) UploadPart(ctx context.Context, uploadID string, partNumber int, rd io.Reader) (string, int64, error) {
	return "", 0, nil
}

func (s *stubStore) CompleteMultipartUpload(ctx context.Context, uploadID string, key string, parts []objectstore.Part) (int64, error) {
	return 0, nil
}

func (s *stubStore) AbortMultipartUpload(ctx context.Context, uploadID string) error { return nil }

// --- вспомогательные конструкторы ---

func completedRecord(fileID, key string) *model.FileRecord {
	expires := time.Now().UTC().Add(24 * time.Hour)
	return &model.FileRecord{
		FileID:       fileID,
		StorageKey:   key,
		OriginalName: "report.txt",
		ContentType:  "text/plain",
		SizeBytes:    10,
		LifetimeDays: 1,
		ExpiresAt:    &expires,
		MaxDownloads: 5,
		UploadStatus: model.StatusCompleted,
		CreatedAt:    time.Now().UTC(),
	}
}

func downloadRequest(fileID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/"+fileID+"/download", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("file_id", fileID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeErrorEnvelope(t *testing.T, body *bytes.Buffer) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		t.Fatalf("декодирование конверта ошибки: %v", err)
	}
	return env
}

func newDownloadHandler(repo *stubFileRepo, store *stubStore) *FilesHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	access := service.NewAccessService(repo, store, nil, logger)
	return NewFilesHandler(nil, access)
}

// Сбой чтения из хранилища — инфраструктурная ошибка, а не приговор
// файлу: клиент должен получить 500, не 404.
func TestDownload_StoreReadFailureIs500(t *testing.T) {
	repo := newStubFileRepo()
	store := newStubStore()

	rec := completedRecord("11111111-1111-1111-1111-111111111111", "report-key")
	repo.records[rec.FileID] = rec
	store.objects[rec.StorageKey] = []byte("0123456789")
	store.getErr = io.ErrUnexpectedEOF

	h := newDownloadHandler(repo, store)
	rr := httptest.NewRecorder()
	h.Download(rr, downloadRequest(rec.FileID))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("статус = %d, ожидался 500", rr.Code)
	}
	env := decodeErrorEnvelope(t, rr.Body)
	if env.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("код = %q, ожидался INTERNAL_ERROR", env.Error.Code)
	}
	// Файл цел: строка метаданных переживает сбой чтения
	if _, err := repo.GetByID(context.Background(), rec.FileID); err != nil {
		t.Error("строка метаданных удалена при инфраструктурном сбое")
	}
	// Попытка скачивания не сожжена
	if got, _ := repo.GetByID(context.Background(), rec.FileID); got.DownloadCount != 0 {
		t.Errorf("DownloadCount = %d, ожидался 0", got.DownloadCount)
	}
}

// Пропавший объект — терминальный исход: 404 и самовосстановление строки.
func TestDownload_MissingObjectIs404(t *testing.T) {
	repo := newStubFileRepo()
	store := newStubStore()

	rec := completedRecord("22222222-2222-2222-2222-222222222222", "ghost-key")
	repo.records[rec.FileID] = rec
	// Объекта в хранилище нет

	h := newDownloadHandler(repo, store)
	rr := httptest.NewRecorder()
	h.Download(rr, downloadRequest(rec.FileID))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("статус = %d, ожидался 404", rr.Code)
	}
	env := decodeErrorEnvelope(t, rr.Body)
	if env.Error.Code != "NOT_FOUND" {
		t.Errorf("код = %q, ожидался NOT_FOUND", env.Error.Code)
	}
	// Осиротевшая строка вылечена
	if _, err := repo.GetByID(context.Background(), rec.FileID); err == nil {
		t.Error("осиротевшая строка метаданных не удалена")
	}
}

// Успешное скачивание: байты отдаются, учёт строго до потока.
func TestDownload_Success(t *testing.T) {
	repo := newStubFileRepo()
	store := newStubStore()

	rec := completedRecord("33333333-3333-3333-3333-333333333333", "ok-key")
	repo.records[rec.FileID] = rec
	store.objects[rec.StorageKey] = []byte("0123456789")

	h := newDownloadHandler(repo, store)
	rr := httptest.NewRecorder()
	h.Download(rr, downloadRequest(rec.FileID))

	if rr.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", rr.Code)
	}
	if rr.Body.String() != "0123456789" {
		t.Errorf("тело = %q, ожидалось содержимое файла", rr.Body.String())
	}
	got, _ := repo.GetByID(context.Background(), rec.FileID)
	if got.DownloadCount != 1 {
		t.Errorf("DownloadCount = %d, ожидался 1", got.DownloadCount)
	}
}
