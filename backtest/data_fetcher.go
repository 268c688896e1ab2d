package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantbench/exchange"
	"quantbench/logger"
	"quantbench/metrics"
	"quantbench/storage"
)

// CachedProvider 智能获取历史数据（优先缓存）
type CachedProvider struct {
	provider exchange.HistoricalDataProvider
	cache    storage.CandleCache
	prom     *metrics.PrometheusMetrics
}

// NewCachedProvider 包装数据源；cache 为 nil 时直接透传
func NewCachedProvider(provider exchange.HistoricalDataProvider, cache storage.CandleCache) *CachedProvider {
	return &CachedProvider{
		provider: provider,
		cache:    cache,
		prom:     metrics.GetPrometheusMetrics(),
	}
}

func (c *CachedProvider) Name() string {
	return c.provider.Name()
}

// Cache 返回底层缓存，可能为 nil
func (c *CachedProvider) Cache() storage.CandleCache {
	return c.cache
}

// FetchCandles 先查缓存，未命中再请求数据源并回写缓存
func (c *CachedProvider) FetchCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]exchange.Candle, error) {
	key := storage.CacheKey{Symbol: symbol, Interval: interval, Start: start, End: end}

	if c.cache != nil {
		candles, err := c.cache.Load(ctx, key)
		switch {
		case err == nil:
			c.prom.RecordCacheRequest(c.cache.Name(), "hit")
			logger.Info("✅ 从缓存加载: %s (%d 根K线)", key, len(candles))
			return candles, nil
		case errors.Is(err, storage.ErrCacheMiss):
			c.prom.RecordCacheRequest(c.cache.Name(), "miss")
		default:
			c.prom.RecordCacheRequest(c.cache.Name(), "error")
			logger.Warn("⚠️ 读取缓存失败 %s: %v", key, err)
		}
	}

	logger.Info("⬇️ 从 %s 下载: %s %s (%s 至 %s)",
		c.provider.Name(), symbol, interval,
		start.Format("2006-01-02"), end.Format("2006-01-02"))

	started := time.Now()
	candles, err := c.provider.FetchCandles(ctx, symbol, interval, start, end)
	c.prom.ObserveFetch(c.provider.Name(), time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("获取 %s 历史数据失败: %w", symbol, err)
	}

	if c.cache != nil && len(candles) > 0 {
		if err := c.cache.Save(ctx, key, candles); err != nil {
			logger.Warn("⚠️ 缓存保存失败: %v", err)
		} else {
			logger.Info("💾 已缓存: %s (%d 根K线)", key, len(candles))
		}
	}
	return candles, nil
}
