// fakes_test.go — in-memory фейки репозитория и хранилища для юнит-тестов
// сервисного слоя. Фейк репозитория воспроизводит семантику условного
// обновления под мьютексом.
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/arturkryukov/droplink/internal/domain/model"
	"github.com/arturkryukov/droplink/internal/repository"
	"github.com/arturkryukov/droplink/internal/storage/objectstore"
)

// --- фейковый репозиторий файлов ---

type fakeFileRepo struct {
	mu      sync.Mutex
	records map[string]*model.FileRecord

	insertErr error
	getErr    error
	deleteErr error
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{records: make(map[string]*model.FileRecord)}
}

func (f *fakeFileRepo) Insert(ctx context.Context, rec *model.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	cp := *rec
	f.records[rec.FileID] = &cp
	return nil
}

func (f *fakeFileRepo) GetByID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeFileRepo) MarkCompleted(ctx context.Context, fileID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[fileID]
	if !ok || rec.UploadStatus == model.StatusCompleted {
		return repository.ErrNotFound
	}
	rec.UploadStatus = model.StatusCompleted
	rec.ExpiresAt = &expiresAt
	rec.MultipartUploadID = nil
	return nil
}

func (f *fakeFileRepo) MarkFailed(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[fileID]
	if !ok || rec.UploadStatus != model.StatusUploading {
		return repository.ErrNotFound
	}
	rec.UploadStatus = model.StatusFailed
	return nil
}

// RecordDownload воспроизводит условное обновление: проверка и
// инкремент атомарны под мьютексом.
func (f *fakeFileRepo) RecordDownload(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[fileID]
	if !ok || rec.UploadStatus != model.StatusCompleted {
		return repository.ErrLimitReached
	}
	if rec.DownloadCount >= rec.MaxDownloads || (rec.IsOneTime && rec.DownloadCount > 0) {
		return repository.ErrLimitReached
	}
	rec.DownloadCount++
	return nil
}

func (f *fakeFileRepo) Delete(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.records[fileID]; !ok {
		return repository.ErrNotFound
	}
	delete(f.records, fileID)
	return nil
}

func (f *fakeFileRepo) BatchDelete(ctx context.Context, fileIDs []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	var n int64
	for _, id := range fileIDs {
		if _, ok := f.records[id]; ok {
			delete(f.records, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeFileRepo) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.FileRecord
	for _, rec := range f.records {
		if rec.UploadStatus != model.StatusCompleted {
			continue
		}
		eligible := rec.IsExpired(now) || rec.IsConsumed() || rec.DownloadCount >= rec.MaxDownloads
		if eligible {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		switch {
		case out[i].ExpiresAt == nil:
			return false
		case out[j].ExpiresAt == nil:
			return true
		default:
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeFileRepo) ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*model.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.FileRecord
	for _, rec := range f.records {
		if rec.UploadStatus == model.StatusCompleted {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeFileRepo) CountOpenSessions(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return 0, f.getErr
	}
	var n int64
	for _, rec := range f.records {
		if rec.UploadStatus != model.StatusCompleted && rec.MultipartUploadID != nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeFileRepo) get(fileID string) *model.FileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[fileID]
}

func (f *fakeFileRepo) put(rec *model.FileRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.FileID] = rec
}

func (f *fakeFileRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// --- фейковое объектное хранилище ---

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	sessions map[string]map[int][]byte

	putErr      error
	getErr      error
	existsErr   error
	deleteErr   error
	completeErr error
	partErr     error
	partErrLeft int // partErr срабатывает первые N вызовов
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		sessions: make(map[string]map[int][]byte),
	}
}

func (s *fakeStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return 0, s.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.objects[key] = data
	return int64(len(data)), nil
}

func (s *fakeStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, 0, s.getErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, 0, objectstore.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return false, 0, s.deleteErr
	}
	data, ok := s.objects[key]
	if !ok {
		return false, 0, nil
	}
	delete(s.objects, key)
	return true, int64(len(data)), nil
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) CreateMultipartUpload(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[uploadID] = make(map[int][]byte)
	return nil
}

func (s *fakeStore) UploadPart(ctx context.Context, uploadID string, partNumber int, r io.Reader) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partErr != nil && (s.partErrLeft > 0 || s.partErrLeft == -1) {
		if s.partErrLeft > 0 {
			s.partErrLeft--
		}
		return "", 0, s.partErr
	}
	parts, ok := s.sessions[uploadID]
	if !ok {
		return "", 0, objectstore.ErrObjectNotFound
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	parts[partNumber] = data
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

func (s *fakeStore) CompleteMultipartUpload(ctx context.Context, uploadID string, key string, parts []objectstore.Part) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return 0, s.completeErr
	}
	stored, ok := s.sessions[uploadID]
	if !ok {
		return 0, objectstore.ErrObjectNotFound
	}
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := stored[p.PartNumber]
		if !ok {
			return 0, objectstore.ErrObjectNotFound
		}
		sum := sha256.Sum256(data)
		if p.ETag != "" && p.ETag != hex.EncodeToString(sum[:]) {
			return 0, fmt.Errorf("часть %d: %w", p.PartNumber, objectstore.ErrETagMismatch)
		}
		buf.Write(data)
	}
	s.objects[key] = buf.Bytes()
	delete(s.sessions, uploadID)
	return int64(buf.Len()), nil
}

func (s *fakeStore) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, uploadID)
	return nil
}

func (s *fakeStore) hasSession(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[uploadID]
	return ok
}

func (s *fakeStore) objectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// --- фейковый репозиторий обслуживания ---

type fakeMaintenanceRepo struct {
	mu         sync.Mutex
	lastVacuum time.Time
	vacuums    int
	rlDeleted  int64
	rlErr      error
}

func (f *fakeMaintenanceRepo) LastVacuum(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastVacuum, nil
}

func (f *fakeMaintenanceRepo) SetLastVacuum(ctx context.Context, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastVacuum = ts
	return nil
}

func (f *fakeMaintenanceRepo) DeleteRateLimitEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rlErr != nil {
		return 0, f.rlErr
	}
	return f.rlDeleted, nil
}

func (f *fakeMaintenanceRepo) Vacuum(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vacuums++
	return nil
}

func (f *fakeMaintenanceRepo) vacuumCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vacuums
}
