package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// keyLastVacuum — ключ строки maintenance_state с отметкой последнего VACUUM.
const keyLastVacuum = "last_vacuum"

// MaintenanceRepository — служебные операции GC: отметка последнего
// обслуживания, очистка учёта rate limiting, VACUUM.
type MaintenanceRepository interface {
	// LastVacuum возвращает отметку последнего VACUUM.
	// Нулевое время, если обслуживание ещё не выполнялось.
	LastVacuum(ctx context.Context) (time.Time, error)
	// SetLastVacuum сохраняет (upsert) отметку последнего VACUUM.
	SetLastVacuum(ctx context.Context, t time.Time) error
	// DeleteRateLimitEntriesBefore удаляет записи rate limiting
	// с окном старше cutoff. Возвращает количество удалённых строк.
	DeleteRateLimitEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// Vacuum выполняет VACUUM ANALYZE таблицы file_records.
	Vacuum(ctx context.Context) error
}

// maintenanceRepo — реализация MaintenanceRepository через pgx.
type maintenanceRepo struct {
	db DBTX
}

// NewMaintenanceRepository создаёт репозиторий обслуживания.
func NewMaintenanceRepository(db DBTX) MaintenanceRepository {
	return &maintenanceRepo{db: db}
}

// LastVacuum возвращает отметку последнего VACUUM.
func (r *maintenanceRepo) LastVacuum(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := r.db.QueryRow(ctx,
		`SELECT value FROM maintenance_state WHERE key = $1`, keyLastVacuum,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("ошибка чтения отметки обслуживания: %w", err)
	}
	return t, nil
}

// SetLastVacuum сохраняет отметку последнего VACUUM.
func (r *maintenanceRepo) SetLastVacuum(ctx context.Context, t time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO maintenance_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		keyLastVacuum, t,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи отметки обслуживания: %w", err)
	}
	return nil
}

// DeleteRateLimitEntriesBefore удаляет устаревшие записи rate limiting.
func (r *maintenanceRepo) DeleteRateLimitEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM rate_limit_entries WHERE window_start < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки записей rate limiting: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Vacuum выполняет VACUUM ANALYZE таблицы file_records.
// VACUUM нельзя запускать внутри транзакции — вызов идёт
// напрямую через пул (autocommit).
func (r *maintenanceRepo) Vacuum(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `VACUUM (ANALYZE) file_records`); err != nil {
		return fmt.Errorf("ошибка VACUUM: %w", err)
	}
	return nil
}
