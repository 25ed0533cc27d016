// Пакет model — доменные модели DropLink.
// FileRecord — запись файла в таблице file_records, единственный
// персистентный объект ядра. UploadSession — эфемерный handle
// chunked-загрузки, существует только между initiate и complete/abort.
package model

import (
	"time"
)

// UploadStatus — статус загрузки файла.
type UploadStatus string

const (
	// StatusUploading — chunked-сессия создана, байты ещё передаются.
	// Файл в этом статусе невидим для выдачи.
	StatusUploading UploadStatus = "uploading"
	// StatusCompleted — загрузка завершена, файл доступен по ссылке
	StatusCompleted UploadStatus = "completed"
	// StatusFailed — завершение отклонено object store. Сессия остаётся
	// в базе для диагностики, может быть повторно завершена или прервана.
	StatusFailed UploadStatus = "failed"
)

// Lifetime — допустимые сроки жизни файла в днях.
var AllowedLifetimes = map[int]bool{1: true, 7: true, 30: true}

// FileRecord — запись файла. Создаётся координатором загрузки,
// мутируется только условным инкрементом счётчика скачиваний
// (access gate) и удалением (GC / abort).
type FileRecord struct {
	// FileID — уникальный идентификатор файла (UUID v4), входит в ссылку
	FileID string `json:"file_id"`

	// StorageKey — ключ объекта в object store. Генерируется сервером,
	// никогда не выводится из пользовательского ввода и не возвращается в API.
	StorageKey string `json:"-"`

	// OriginalName — оригинальное имя файла при загрузке
	OriginalName string `json:"original_name"`

	// ContentType — MIME-тип файла
	ContentType string `json:"content_type"`

	// SizeBytes — размер файла в байтах
	SizeBytes int64 `json:"size_bytes"`

	// LifetimeDays — выбранный срок жизни (1, 7 или 30).
	// Используется для вычисления ExpiresAt в момент завершения загрузки.
	LifetimeDays int `json:"lifetime_days"`

	// ExpiresAt — абсолютный срок истечения. NULL пока идёт передача байт:
	// назначается ровно один раз, после успешного завершения загрузки,
	// чтобы медленная загрузка не истекла до своего окончания.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// DownloadCount — количество учтённых скачиваний.
	// Инвариант: 0 <= DownloadCount <= MaxDownloads.
	DownloadCount int `json:"download_count"`

	// MaxDownloads — лимит скачиваний, >= 1
	MaxDownloads int `json:"max_downloads"`

	// IsOneTime — одноразовый файл: первое успешное скачивание немедленно
	// и необратимо закрывает доступ, независимо от MaxDownloads.
	IsOneTime bool `json:"is_one_time"`

	// HasPassword — файл защищён паролем
	HasPassword bool `json:"has_password"`

	// PasswordHash — Argon2id-дайджест пароля. Никогда не сравнивается
	// в открытом виде: дайджест пересчитывается из предъявленного пароля
	// и сохранённой соли.
	PasswordHash []byte `json:"-"`

	// Salt — соль дайджеста пароля
	Salt []byte `json:"-"`

	// UploadStatus — статус загрузки
	UploadStatus UploadStatus `json:"upload_status"`

	// MultipartUploadID — идентификатор multipart-сессии object store.
	// Заполнен только пока UploadStatus != completed (chunked-загрузка).
	MultipartUploadID *string `json:"-"`

	// TotalChunks — ожидаемое количество частей chunked-загрузки.
	// nil для простых загрузок.
	TotalChunks *int `json:"-"`

	// CreatedAt — время создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired возвращает true, если срок жизни файла истёк к моменту now.
// Файл без ExpiresAt (незавершённая загрузка) не считается истёкшим.
func (f *FileRecord) IsExpired(now time.Time) bool {
	return f.ExpiresAt != nil && f.ExpiresAt.Before(now)
}

// IsConsumed возвращает true для одноразового файла, который уже скачали.
func (f *FileRecord) IsConsumed() bool {
	return f.IsOneTime && f.DownloadCount > 0
}

// UploadSession — handle chunked-загрузки, возвращаемый initiate.
// Клиент обязан сохранить FileID и предъявлять его в последующих
// вызовах upload-chunk/complete/abort. Не персистируется отдельно:
// состояние сессии живёт в колонках FileRecord.
type UploadSession struct {
	// FileID — идентификатор будущего файла (он же ключ сессии)
	FileID string `json:"file_id"`
	// UploadID — multipart upload ID object store
	UploadID string `json:"upload_id"`
	// TotalChunks — ожидаемое количество частей
	TotalChunks int `json:"total_chunks"`
	// PartSize — рекомендуемый размер части в байтах
	PartSize int64 `json:"part_size"`
}

// CompletedPart — подтверждение загрузки одной части.
type CompletedPart struct {
	// PartNumber — номер части, 1..TotalChunks
	PartNumber int `json:"part_number"`
	// ETag — дайджест части, возвращённый object store
	ETag string `json:"etag"`
}
