package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config 分布式锁配置
type Config struct {
	Enabled    bool
	Type       string
	Prefix     string
	DefaultTTL time.Duration
	Redis      RedisConfig
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewDistributedLock 根据配置创建锁实例
// 未启用分布式锁时返回进程内锁
func NewDistributedLock(config *Config) (DistributedLock, error) {
	if !config.Enabled {
		return NewLocalLock(), nil
	}

	switch config.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			PoolSize: config.Redis.PoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}

		return NewRedisLock(client, config.Prefix), nil

	case "local", "":
		return NewLocalLock(), nil

	default:
		return nil, fmt.Errorf("unsupported lock type: %s", config.Type)
	}
}
