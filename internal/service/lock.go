package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

// ErrLockHeld возвращается, если блокировку держит другой экземпляр.
var ErrLockHeld = errors.New("lock is held by another instance")

// AuditLock ограничивает аудит резервных номеров одним экземпляром сервиса.
type AuditLock interface {
	TryLock(ctx context.Context) (unlock func(), err error)
}

// RedisAuditLock - AuditLock поверх redislock.
type RedisAuditLock struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

// NewRedisAuditLock создаёт блокировку с указанным ключом и временем жизни.
func NewRedisAuditLock(locker *redislock.Client, key string, ttl time.Duration) *RedisAuditLock {
	return &RedisAuditLock{locker: locker, key: key, ttl: ttl}
}

// TryLock пытается взять блокировку без ожидания.
func (l *RedisAuditLock) TryLock(ctx context.Context) (func(), error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", l.key, err)
	}

	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
