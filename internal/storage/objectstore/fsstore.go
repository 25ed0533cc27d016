// fsstore.go — файловая реализация Store.
//
// Раскладка каталога данных:
//
//	<dataDir>/objects/<key>            — готовые объекты
//	<dataDir>/multipart/<uploadID>/    — сессии поэтапной загрузки
//	    00001.part, 00002.part, ...    — части
//
// Запись всегда идёт через временный файл с fsync и атомарным
// переименованием: объект либо виден целиком, либо не виден вовсе.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	objectsDir   = "objects"
	multipartDir = "multipart"
	partSuffix   = ".part"

	dirPerm  = 0o755
	filePerm = 0o644
)

// FSStore — объектное хранилище поверх локальной файловой системы.
type FSStore struct {
	baseDir string
	logger  *slog.Logger
}

// NewFSStore создаёт хранилище в каталоге baseDir,
// создавая служебные подкаталоги при необходимости.
func NewFSStore(baseDir string, logger *slog.Logger) (*FSStore, error) {
	for _, dir := range []string{objectsDir, multipartDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), dirPerm); err != nil {
			return nil, fmt.Errorf("создание каталога %s: %w", dir, err)
		}
	}
	return &FSStore{
		baseDir: baseDir,
		logger:  logger.With(slog.String("component", "fsstore")),
	}, nil
}

// objectPath возвращает путь объекта, отвергая ключи с разделителями
// пути: ключи генерируются сервисом и всегда плоские.
func (s *FSStore) objectPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", fmt.Errorf("недопустимый ключ объекта: %q", key)
	}
	return filepath.Join(s.baseDir, objectsDir, key), nil
}

func (s *FSStore) uploadDir(uploadID string) (string, error) {
	if uploadID == "" || strings.ContainsAny(uploadID, "/\\") || strings.Contains(uploadID, "..") {
		return "", fmt.Errorf("недопустимый идентификатор загрузки: %q", uploadID)
	}
	return filepath.Join(s.baseDir, multipartDir, uploadID), nil
}

func partFileName(partNumber int) string {
	return fmt.Sprintf("%05d%s", partNumber, partSuffix)
}

// writeAtomic пишет содержимое r во временный файл рядом с dst,
// делает fsync и атомарно переименовывает. Возвращает размер.
func (s *FSStore) writeAtomic(dst string, r io.Reader, extra io.Writer) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("создание временного файла: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	var w io.Writer = tmp
	if extra != nil {
		w = io.MultiWriter(tmp, extra)
	}

	size, err := io.Copy(w, r)
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("запись данных: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("закрытие временного файла: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("права доступа: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("переименование: %w", err)
	}
	return size, nil
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return 0, err
	}
	size, err := s.writeAtomic(path, r, nil)
	if err != nil {
		return 0, fmt.Errorf("сохранение объекта %s: %w", key, err)
	}
	s.logger.Debug("Объект сохранён", slog.String("key", key), slog.Int64("size", size))
	return size, nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrObjectNotFound
		}
		return nil, 0, fmt.Errorf("открытие объекта %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat объекта %s: %w", key, err)
	}
	return f, info.Size(), nil
}

func (s *FSStore) Delete(ctx context.Context, key string) (bool, int64, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return false, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("stat объекта %s: %w", key, err)
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("удаление объекта %s: %w", key, err)
	}
	return true, info.Size(), nil
}

func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat объекта %s: %w", key, err)
	}
	return true, nil
}

func (s *FSStore) CreateMultipartUpload(ctx context.Context, uploadID string) error {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("создание сессии загрузки %s: %w", uploadID, err)
	}
	return nil
}

func (s *FSStore) UploadPart(ctx context.Context, uploadID string, partNumber int, r io.Reader) (string, int64, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return "", 0, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", 0, ErrObjectNotFound
		}
		return "", 0, fmt.Errorf("stat сессии %s: %w", uploadID, err)
	}
	if partNumber < 1 {
		return "", 0, fmt.Errorf("недопустимый номер части: %d", partNumber)
	}

	hasher := sha256.New()
	size, err := s.writeAtomic(filepath.Join(dir, partFileName(partNumber)), r, hasher)
	if err != nil {
		return "", 0, fmt.Errorf("сохранение части %d загрузки %s: %w", partNumber, uploadID, err)
	}
	etag := hex.EncodeToString(hasher.Sum(nil))
	s.logger.Debug("Часть сохранена",
		slog.String("upload_id", uploadID),
		slog.Int("part", partNumber),
		slog.Int64("size", size))
	return etag, size, nil
}

func (s *FSStore) CompleteMultipartUpload(ctx context.Context, uploadID string, key string, parts []Part) (int64, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("stat сессии %s: %w", uploadID, err)
	}

	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	// Сверяем заявленный набор с фактически сохранённым до начала
	// склейки: отсутствующая часть обнаруживается здесь, а не на
	// середине сборки
	stored, err := s.ListParts(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	present := make(map[int]bool, len(stored))
	for _, n := range stored {
		present[n] = true
	}
	for _, p := range sorted {
		if !present[p.PartNumber] {
			return 0, fmt.Errorf("часть %d не сохранена: %w", p.PartNumber, ErrObjectNotFound)
		}
		actual, err := s.partETag(dir, p.PartNumber)
		if err != nil {
			return 0, err
		}
		if p.ETag != "" && !strings.EqualFold(p.ETag, actual) {
			return 0, fmt.Errorf("часть %d: %w", p.PartNumber, ErrETagMismatch)
		}
	}
	if len(stored) > len(sorted) {
		// Незаявленные части отбрасываются вместе с сессией после сборки
		s.logger.Warn("Сессия содержит незаявленные части",
			slog.String("upload_id", uploadID),
			slog.Int("stored", len(stored)),
			slog.Int("declared", len(sorted)))
	}

	path, err := s.objectPath(key)
	if err != nil {
		return 0, err
	}
	readers := make([]io.Reader, 0, len(sorted))
	files := make([]*os.File, 0, len(sorted))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range sorted {
		f, err := os.Open(filepath.Join(dir, partFileName(p.PartNumber)))
		if err != nil {
			if os.IsNotExist(err) {
				return 0, ErrObjectNotFound
			}
			return 0, fmt.Errorf("открытие части %d: %w", p.PartNumber, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	size, err := s.writeAtomic(path, io.MultiReader(readers...), nil)
	if err != nil {
		return 0, fmt.Errorf("сборка объекта %s: %w", key, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		// Объект уже собран; остатки сессии подчистит сборщик мусора
		s.logger.Warn("Не удалось удалить сессию после сборки",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()))
	}

	s.logger.Info("Multipart-загрузка собрана",
		slog.String("upload_id", uploadID),
		slog.String("key", key),
		slog.Int("parts", len(sorted)),
		slog.Int64("size", size))
	return size, nil
}

// partETag считает hex SHA-256 сохранённой части.
func (s *FSStore) partETag(dir string, partNumber int) (string, error) {
	f, err := os.Open(filepath.Join(dir, partFileName(partNumber)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("открытие части %d: %w", partNumber, err)
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("чтение части %d: %w", partNumber, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *FSStore) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return err
	}
	// RemoveAll молча игнорирует отсутствующий каталог
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("удаление сессии %s: %w", uploadID, err)
	}
	return nil
}

// ListParts возвращает номера сохранённых частей сессии по
// возрастанию. Сборка сверяет по нему заявленный набор с фактическим.
func (s *FSStore) ListParts(ctx context.Context, uploadID string) ([]int, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("чтение сессии %s: %w", uploadID, err)
	}
	var nums []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, partSuffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, partSuffix))
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}
