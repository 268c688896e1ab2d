package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotHeld 锁未持有或已过期
var ErrNotHeld = errors.New("lock not held")

// DistributedLock 回测去重锁接口：同一请求同一时刻只允许一个实例运行
type DistributedLock interface {
	// TryLock 尝试获取锁，立即返回
	// 返回 true 表示成功获取锁，false 表示锁已被占用
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 关闭连接
	Close() error
}

// LocalLock 进程内实现（单实例模式）
type LocalLock struct {
	mu    sync.Mutex
	held  map[string]time.Time // key -> 过期时间
	nowFn func() time.Time
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{
		held:  make(map[string]time.Time),
		nowFn: time.Now,
	}
}

// TryLock 尝试获取锁
func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

// Unlock 释放锁
func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; !ok {
		return ErrNotHeld
	}
	delete(l.held, key)
	return nil
}

// Extend 延长锁的过期时间
func (l *LocalLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.held[key]
	now := l.nowFn()
	if !ok || !now.Before(expiry) {
		return ErrNotHeld
	}
	l.held[key] = now.Add(ttl)
	return nil
}

// Close 关闭
func (l *LocalLock) Close() error {
	return nil
}
