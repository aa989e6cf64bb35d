package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-media-vault/internal/domain"
)

// Policy задаёт параметры экспоненциального бэкоффа.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultPolicy — значения по умолчанию для задач обработки медиа.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Base: 500 * time.Millisecond, Cap: 30 * time.Second}
}

// Delay возвращает задержку перед попыткой attempt (нумерация с нуля):
// min(base * 2^attempt, cap). Ответ rate-limit получает максимальную задержку.
func (p Policy) Delay(attempt int, err error) time.Duration {
	if errors.Is(err, domain.ErrRateLimited) {
		return p.Cap
	}
	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// Operation — повторяемая операция.
type Operation func(ctx context.Context) error

// Do выполняет операцию с бэкоффом до исчерпания попыток. Отмена контекста
// прекращает повторы немедленно.
func Do(ctx context.Context, logger zerolog.Logger, name string, policy Policy, op Operation) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt-1, lastErr)
			logger.Warn().Str("op", name).Int("attempt", attempt+1).Dur("delay", delay).Msg("повтор операции")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return fmt.Errorf("%s: попытки исчерпаны (%d): %w", name, policy.MaxAttempts, lastErr)
}
