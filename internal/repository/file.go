package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/droplink/internal/domain/model"
)

// fileColumns — список столбцов таблицы file_records для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const fileColumns = `file_id, storage_key, original_name, content_type, size_bytes,
	lifetime_days, expires_at, download_count, max_downloads, is_one_time,
	has_password, password_hash, salt, upload_status, multipart_upload_id,
	total_chunks, created_at`

// sweepPredicate — предикат отбора кандидатов GC.
// Файл подлежит удалению, если истёк срок, одноразовый файл скачан
// или исчерпан лимит скачиваний. Только завершённые загрузки.
const sweepPredicate = `upload_status = 'completed'
	AND (expires_at < $1
		OR (is_one_time AND download_count > 0)
		OR download_count >= max_downloads)`

// FileRepository — интерфейс доступа к таблице file_records.
type FileRepository interface {
	// Insert создаёт новую запись файла.
	Insert(ctx context.Context, f *model.FileRecord) error
	// GetByID возвращает запись по UUID или ErrNotFound.
	GetByID(ctx context.Context, fileID string) (*model.FileRecord, error)
	// MarkCompleted переводит uploading/failed запись в completed
	// и назначает expires_at (ровно один раз, после завершения передачи).
	MarkCompleted(ctx context.Context, fileID string, expiresAt time.Time) error
	// MarkFailed помечает сессию как failed (завершение отклонено store).
	MarkFailed(ctx context.Context, fileID string) error
	// RecordDownload атомарно учитывает скачивание условным UPDATE:
	// инкремент только при download_count < max_downloads и не потреблённом
	// одноразовом файле. Ноль затронутых строк → ErrLimitReached.
	RecordDownload(ctx context.Context, fileID string) error
	// Delete удаляет одну запись. Отсутствующая запись → ErrNotFound.
	Delete(ctx context.Context, fileID string) error
	// BatchDelete удаляет записи одним запросом (DELETE ... WHERE = ANY).
	// Возвращает количество удалённых строк.
	BatchDelete(ctx context.Context, fileIDs []string) (int64, error)
	// ListSweepCandidates возвращает до limit записей, подлежащих удалению,
	// старейшие по expires_at первыми.
	ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error)
	// ListStaleSessions возвращает незавершённые сессии старше cutoff.
	ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*model.FileRecord, error)
	// CountOpenSessions возвращает число открытых multipart-сессий
	// (для инициализации gauge активных сессий после рестарта).
	CountOpenSessions(ctx context.Context) (int64, error)
}

// fileRepo — реализация FileRepository через pgx.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

// Insert создаёт новую запись файла.
func (r *fileRepo) Insert(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO file_records (
			file_id, storage_key, original_name, content_type, size_bytes,
			lifetime_days, expires_at, download_count, max_downloads, is_one_time,
			has_password, password_hash, salt, upload_status, multipart_upload_id,
			total_chunks, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.Exec(ctx, query,
		f.FileID, f.StorageKey, f.OriginalName, f.ContentType, f.SizeBytes,
		f.LifetimeDays, f.ExpiresAt, f.DownloadCount, f.MaxDownloads, f.IsOneTime,
		f.HasPassword, f.PasswordHash, f.Salt, f.UploadStatus, f.MultipartUploadID,
		f.TotalChunks, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка вставки записи файла: %w", err)
	}
	return nil
}

// GetByID возвращает запись по UUID или ErrNotFound.
func (r *fileRepo) GetByID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM file_records WHERE file_id = $1`, fileColumns)

	f := &model.FileRecord{}
	err := r.db.QueryRow(ctx, query, fileID).Scan(
		&f.FileID, &f.StorageKey, &f.OriginalName, &f.ContentType, &f.SizeBytes,
		&f.LifetimeDays, &f.ExpiresAt, &f.DownloadCount, &f.MaxDownloads, &f.IsOneTime,
		&f.HasPassword, &f.PasswordHash, &f.Salt, &f.UploadStatus, &f.MultipartUploadID,
		&f.TotalChunks, &f.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи файла: %w", err)
	}
	return f, nil
}

// MarkCompleted переводит запись в completed и назначает expires_at.
// Условие на upload_status защищает от повторного назначения expires_at
// (инвариант: назначается ровно один раз).
func (r *fileRepo) MarkCompleted(ctx context.Context, fileID string, expiresAt time.Time) error {
	query := `
		UPDATE file_records
		SET upload_status = 'completed',
		    expires_at = $2,
		    multipart_upload_id = NULL
		WHERE file_id = $1 AND upload_status IN ('uploading', 'failed')`

	tag, err := r.db.Exec(ctx, query, fileID, expiresAt)
	if err != nil {
		return fmt.Errorf("ошибка завершения загрузки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed помечает незавершённую сессию как failed.
func (r *fileRepo) MarkFailed(ctx context.Context, fileID string) error {
	query := `
		UPDATE file_records
		SET upload_status = 'failed'
		WHERE file_id = $1 AND upload_status = 'uploading'`

	tag, err := r.db.Exec(ctx, query, fileID)
	if err != nil {
		return fmt.Errorf("ошибка пометки сессии failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDownload атомарно учитывает скачивание.
// Единственное место, где меняется download_count. Два конкурентных
// скачивания одноразового файла: ровно один UPDATE выигрывает,
// второй получает ErrLimitReached.
func (r *fileRepo) RecordDownload(ctx context.Context, fileID string) error {
	query := `
		UPDATE file_records
		SET download_count = download_count + 1
		WHERE file_id = $1
		  AND upload_status = 'completed'
		  AND download_count < max_downloads
		  AND NOT (is_one_time AND download_count > 0)`

	tag, err := r.db.Exec(ctx, query, fileID)
	if err != nil {
		return fmt.Errorf("ошибка учёта скачивания: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLimitReached
	}
	return nil
}

// Delete удаляет одну запись.
func (r *fileRepo) Delete(ctx context.Context, fileID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM file_records WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BatchDelete удаляет записи одним запросом, ограничивая количество
// round-trip'ов к базе (по одному на batch GC).
func (r *fileRepo) BatchDelete(ctx context.Context, fileIDs []string) (int64, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM file_records WHERE file_id = ANY($1)`, fileIDs)
	if err != nil {
		return 0, fmt.Errorf("ошибка batch-удаления записей: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSweepCandidates возвращает кандидатов на удаление, старейшие
// по expires_at первыми — сперва ограничиваем худший рост хранилища.
func (r *fileRepo) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM file_records
		WHERE %s
		ORDER BY expires_at ASC NULLS LAST
		LIMIT $2`, fileColumns, sweepPredicate)

	return r.queryRecords(ctx, query, now, limit)
}

// ListStaleSessions возвращает незавершённые сессии старше cutoff.
func (r *fileRepo) ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM file_records
		WHERE upload_status IN ('uploading', 'failed') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, fileColumns)

	return r.queryRecords(ctx, query, cutoff, limit)
}

// CountOpenSessions возвращает число открытых multipart-сессий.
func (r *fileRepo) CountOpenSessions(ctx context.Context) (int64, error) {
	query := `
		SELECT COUNT(*) FROM file_records
		WHERE upload_status IN ('uploading', 'failed')
		  AND multipart_upload_id IS NOT NULL`

	var count int64
	if err := r.db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта открытых сессий: %w", err)
	}
	return count, nil
}

// queryRecords выполняет SELECT со стандартным набором столбцов.
func (r *fileRepo) queryRecords(ctx context.Context, query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки записей файлов: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f := &model.FileRecord{}
		if err := rows.Scan(
			&f.FileID, &f.StorageKey, &f.OriginalName, &f.ContentType, &f.SizeBytes,
			&f.LifetimeDays, &f.ExpiresAt, &f.DownloadCount, &f.MaxDownloads, &f.IsOneTime,
			&f.HasPassword, &f.PasswordHash, &f.Salt, &f.UploadStatus, &f.MultipartUploadID,
			&f.TotalChunks, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи файла: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}

	return result, nil
}
