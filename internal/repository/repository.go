// Пакет repository — слой доступа к данным PostgreSQL для DropLink.
// Все запросы — чистый SQL через pgx, без ORM. Единственный примитив
// конкурентности всей системы — условный UPDATE счётчика скачиваний
// (RecordDownload): никаких in-process блокировок не требуется.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrLimitReached — условный UPDATE не затронул ни одной строки:
	// лимит скачиваний исчерпан (или одноразовый файл уже скачан).
	ErrLimitReached = errors.New("лимит скачиваний исчерпан")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
