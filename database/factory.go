package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 数据库配置
type Config struct {
	Type            string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// NewDatabase 根据配置创建数据库实例
func NewDatabase(config *Config) (Database, error) {
	dbConfig := &DBConfig{
		Type:            config.Type,
		DSN:             config.DSN,
		MaxOpenConns:    config.MaxOpenConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime,
		LogLevel:        config.LogLevel,
	}

	switch config.Type {
	case "sqlite":
		// SQLite 文件所在目录不存在时先创建
		if dir := filepath.Dir(config.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("创建数据库目录失败: %w", err)
			}
		}
		return NewGormDatabase(dbConfig)
	case "postgres", "postgresql", "mysql":
		return NewGormDatabase(dbConfig)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}
