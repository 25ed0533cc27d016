// Пакет service — бизнес-логика DropLink.
// retry.go — политика повторов для вызовов объектного хранилища.
package service

import (
	"context"
	"time"
)

// RetryPolicy — явная политика повторов, передаваемая в точки вызова
// хранилища. Повтор идёт с экспоненциальным backoff: attempt N ждёт
// Backoff * 2^(N-1).
type RetryPolicy struct {
	// MaxAttempts — общее число попыток, минимум 1.
	MaxAttempts int
	// Backoff — базовая задержка перед второй попыткой.
	Backoff time.Duration
}

// Do выполняет fn до первого успеха или исчерпания попыток.
// Возвращает ошибку последней попытки. Между попытками уважает
// отмену контекста.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := p.Backoff
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
