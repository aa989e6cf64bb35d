package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-media-vault/internal/domain"
)

// RedisMediaQueue реализует очередь задач на базе Redis lists. Используется
// как запасной транспорт, когда AMQP не настроен; подтверждение неуспеха
// возвращает задачу в хвост списка.
type RedisMediaQueue struct {
	client *redis.Client
	key    string
}

var _ domain.MediaTaskQueue = (*RedisMediaQueue)(nil)

// NewRedisMediaQueue создаёт очередь по указанному ключу.
func NewRedisMediaQueue(client *redis.Client, key string) *RedisMediaQueue {
	return &RedisMediaQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisMediaQueue) Enqueue(ctx context.Context, task domain.MediaTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди.
func (q *RedisMediaQueue) Receive(ctx context.Context) (domain.MediaTask, domain.MediaAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.MediaTask{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.MediaTask{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.MediaTask{}, nil, err
		}
		if len(res) != 2 {
			return domain.MediaTask{}, nil, errors.New("redis queue: unexpected response")
		}
		payload := []byte(res[1])
		var task domain.MediaTask
		if err := json.Unmarshal(payload, &task); err != nil {
			return domain.MediaTask{}, nil, fmt.Errorf("decode task: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return task, ack, nil
	}
}
