package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quantbench/exchange"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// CacheKey 缓存键：标的 + 周期 + 时间范围
type CacheKey struct {
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
}

func keyDate(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.UTC().Format("2006-01-02")
}

// String 生成缓存名，例如 BTCUSDT_1d_2024-01-01_2024-06-30
func (k CacheKey) String() string {
	return fmt.Sprintf("%s_%s_%s_%s",
		strings.ToUpper(k.Symbol),
		k.Interval,
		keyDate(k.Start),
		keyDate(k.End),
	)
}

// CacheInfo 缓存信息
type CacheInfo struct {
	Name      string    `json:"name"`
	Backend   string    `json:"backend"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Candles   int       `json:"candles"`
	SizeBytes int64     `json:"sizeBytes"`
	Created   time.Time `json:"created"`
}

// CacheStats 缓存统计
type CacheStats struct {
	Backend      string  `json:"backend"`
	Entries      int     `json:"entries"`
	TotalCandles int     `json:"totalCandles"`
	TotalSize    int64   `json:"totalSize"`
	SizeMB       float64 `json:"sizeMb"`
}

// CandleCache K线缓存接口
type CandleCache interface {
	// Load 读取缓存，未命中返回 ErrCacheMiss
	Load(ctx context.Context, key CacheKey) ([]exchange.Candle, error)
	Save(ctx context.Context, key CacheKey, candles []exchange.Candle) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]CacheInfo, error)
	Stats(ctx context.Context) (CacheStats, error)
	Clear(ctx context.Context) error
	Name() string
	Close() error
}

// Config 缓存配置
type Config struct {
	Enabled bool
	Backend string // csv, parquet, sqlite
	Dir     string
}

// NewCandleCache 根据配置创建缓存，未启用时返回 nil
func NewCandleCache(cfg Config) (CandleCache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "./data/cache"
	}

	switch strings.ToLower(cfg.Backend) {
	case "csv", "":
		return NewCSVCandleCache(dir)
	case "parquet":
		return NewParquetCandleCache(dir)
	case "sqlite":
		return NewSQLiteCandleCache(dir)
	default:
		return nil, fmt.Errorf("不支持的缓存类型: %s", cfg.Backend)
	}
}

func buildStats(backend string, infos []CacheInfo) CacheStats {
	stats := CacheStats{Backend: backend, Entries: len(infos)}
	for _, info := range infos {
		stats.TotalCandles += info.Candles
		stats.TotalSize += info.SizeBytes
	}
	stats.SizeMB = float64(stats.TotalSize) / 1024 / 1024
	return stats
}
