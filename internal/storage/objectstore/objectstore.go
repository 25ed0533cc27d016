// Package objectstore содержит абстракцию объектного хранилища
// и её файловую реализацию. Сервисный слой работает только через
// интерфейс Store, что позволяет подменять хранилище в тестах.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound возвращается, когда объект или сессия
// multipart-загрузки отсутствуют в хранилище.
var ErrObjectNotFound = errors.New("объект не найден в хранилище")

// ErrETagMismatch возвращается при сборке multipart-загрузки,
// если контрольная сумма части не совпадает с заявленной.
var ErrETagMismatch = errors.New("etag части не совпадает")

// Store — интерфейс объектного хранилища.
//
// Delete идемпотентен: удаление отсутствующего объекта не является
// ошибкой, возвращается existed=false. Это важно для сборщика мусора,
// который может повторно обрабатывать частично удалённые файлы.
type Store interface {
	// Put атомарно сохраняет объект по ключу.
	Put(ctx context.Context, key string, r io.Reader) (size int64, err error)

	// Get открывает объект на чтение. Вызывающий обязан закрыть reader.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete удаляет объект. Отсутствие объекта — не ошибка.
	Delete(ctx context.Context, key string) (existed bool, freed int64, err error)

	// Exists проверяет наличие объекта без открытия.
	Exists(ctx context.Context, key string) (bool, error)

	// CreateMultipartUpload создаёт сессию поэтапной загрузки.
	CreateMultipartUpload(ctx context.Context, uploadID string) error

	// UploadPart сохраняет часть. Повторная загрузка той же части
	// перезаписывает её (идемпотентность ретраев клиента).
	// Возвращает etag — hex SHA-256 содержимого части.
	UploadPart(ctx context.Context, uploadID string, partNumber int, r io.Reader) (etag string, size int64, err error)

	// CompleteMultipartUpload склеивает части в порядке возрастания
	// номеров в объект key и удаляет сессию. Перед склейкой сверяет
	// etag каждой части с заявленным клиентом.
	CompleteMultipartUpload(ctx context.Context, uploadID string, key string, parts []Part) (size int64, err error)

	// AbortMultipartUpload удаляет сессию и все её части. Идемпотентен.
	AbortMultipartUpload(ctx context.Context, uploadID string) error
}

// Part — часть multipart-загрузки, заявленная клиентом при сборке.
type Part struct {
	PartNumber int
	ETag       string
}
