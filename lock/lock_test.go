package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLockExclusive(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()

	ok, err := l.TryLock(ctx, "run:abc", time.Minute)
	if err != nil || !ok {
		t.Fatalf("首次加锁应成功: ok=%v err=%v", ok, err)
	}

	ok, _ = l.TryLock(ctx, "run:abc", time.Minute)
	if ok {
		t.Fatal("锁被占用时不应再次获取")
	}

	if err := l.Unlock(ctx, "run:abc"); err != nil {
		t.Fatalf("释放锁失败: %v", err)
	}
	if err := l.Unlock(ctx, "run:abc"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("重复释放应返回 ErrNotHeld, 实际 %v", err)
	}

	ok, _ = l.TryLock(ctx, "run:abc", time.Minute)
	if !ok {
		t.Error("释放后应能重新加锁")
	}
}

func TestLocalLockExpiryAndExtend(t *testing.T) {
	l := NewLocalLock()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := l.TryLock(ctx, "k", time.Second); !ok {
		t.Fatal("加锁失败")
	}

	now = now.Add(500 * time.Millisecond)
	if err := l.Extend(ctx, "k", time.Second); err != nil {
		t.Fatalf("续期失败: %v", err)
	}

	now = now.Add(900 * time.Millisecond)
	if ok, _ := l.TryLock(ctx, "k", time.Second); ok {
		t.Fatal("续期后锁仍应有效")
	}

	now = now.Add(200 * time.Millisecond)
	if err := l.Extend(ctx, "k", time.Second); !errors.Is(err, ErrNotHeld) {
		t.Errorf("过期后续期应失败, 实际 %v", err)
	}
	if ok, _ := l.TryLock(ctx, "k", time.Second); !ok {
		t.Error("过期后应能重新加锁")
	}
}

func TestFactoryDisabledReturnsLocal(t *testing.T) {
	l, err := NewDistributedLock(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("创建锁失败: %v", err)
	}
	if _, ok := l.(*LocalLock); !ok {
		t.Errorf("未启用时应返回 LocalLock, 实际 %T", l)
	}

	if _, err := NewDistributedLock(&Config{Enabled: true, Type: "etcd"}); err == nil {
		t.Error("不支持的类型应当报错")
	}
}
