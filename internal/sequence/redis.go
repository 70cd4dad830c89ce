package sequence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Incrementer - часть клиента Redis, нужная счётчику.
type Incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisCounter реализует CounterStore через атомарную команду INCR.
// Отсутствующий ключ Redis считает нулём, поэтому первый номер периода равен 1.
type RedisCounter struct {
	client Incrementer
}

// NewRedisCounter создаёт счётчик поверх клиента Redis.
func NewRedisCounter(client Incrementer) *RedisCounter {
	return &RedisCounter{client: client}
}

// Increment увеличивает счётчик ключа и возвращает новое значение.
func (c *RedisCounter) Increment(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return v, nil
}
