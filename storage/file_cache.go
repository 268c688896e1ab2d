package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantbench/exchange"
	"quantbench/logger"
)

const indexFileName = "cache_index.json"

// fileCodec 单文件编解码
type fileCodec struct {
	ext   string
	write func(path, symbol string, candles []exchange.Candle) error
	read  func(path string) ([]exchange.Candle, error)
}

// FileCandleCache 每个缓存键一个文件，外加 JSON 索引
type FileCandleCache struct {
	dir     string
	backend string
	codec   fileCodec

	mu    sync.Mutex
	index map[string]CacheInfo
}

// NewCSVCandleCache 创建 CSV 文件缓存
func NewCSVCandleCache(dir string) (*FileCandleCache, error) {
	return newFileCandleCache(dir, "csv", fileCodec{
		ext:   ".csv",
		write: writeCSVFile,
		read:  readCSVFile,
	})
}

// NewParquetCandleCache 创建 Parquet 文件缓存
func NewParquetCandleCache(dir string) (*FileCandleCache, error) {
	return newFileCandleCache(dir, "parquet", fileCodec{
		ext:   ".parquet",
		write: writeParquetFile,
		read:  readParquetFile,
	})
}

func newFileCandleCache(dir, backend string, codec fileCodec) (*FileCandleCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	c := &FileCandleCache{
		dir:     dir,
		backend: backend,
		codec:   codec,
		index:   make(map[string]CacheInfo),
	}
	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCandleCache) Name() string {
	return c.backend
}

func (c *FileCandleCache) path(name string) string {
	return filepath.Join(c.dir, name+c.codec.ext)
}

func (c *FileCandleCache) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(c.dir, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取缓存索引失败: %w", err)
	}
	if err := json.Unmarshal(data, &c.index); err != nil {
		return fmt.Errorf("解析缓存索引失败: %w", err)
	}
	return nil
}

// saveIndex 调用方需持有锁
func (c *FileCandleCache) saveIndex() error {
	data, err := json.MarshalIndent(c.index, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(c.dir, indexFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入缓存索引失败: %w", err)
	}
	return os.Rename(tmp, filepath.Join(c.dir, indexFileName))
}

// Load 从文件加载
func (c *FileCandleCache) Load(ctx context.Context, key CacheKey) ([]exchange.Candle, error) {
	name := key.String()
	c.mu.Lock()
	_, ok := c.index[name]
	c.mu.Unlock()
	if !ok {
		return nil, ErrCacheMiss
	}

	candles, err := c.codec.read(c.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("读取缓存 %s 失败: %w", name, err)
	}
	return candles, nil
}

// Save 写入文件并更新索引
func (c *FileCandleCache) Save(ctx context.Context, key CacheKey, candles []exchange.Candle) error {
	name := key.String()
	path := c.path(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.codec.write(path, key.Symbol, candles); err != nil {
		return fmt.Errorf("写入缓存 %s 失败: %w", name, err)
	}

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	c.index[name] = CacheInfo{
		Name:      name,
		Backend:   c.backend,
		Symbol:    key.Symbol,
		Interval:  key.Interval,
		Start:     key.Start,
		End:       key.End,
		Candles:   len(candles),
		SizeBytes: size,
		Created:   time.Now(),
	}
	return c.saveIndex()
}

// Delete 删除指定缓存
func (c *FileCandleCache) Delete(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[name]; !ok {
		return fmt.Errorf("%w: %s", ErrCacheMiss, name)
	}
	if err := os.Remove(c.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除缓存文件失败: %w", err)
	}
	delete(c.index, name)
	return c.saveIndex()
}

// List 列出所有缓存，按名称排序
func (c *FileCandleCache) List(ctx context.Context) ([]CacheInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]CacheInfo, 0, len(c.index))
	for _, info := range c.index {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (c *FileCandleCache) Stats(ctx context.Context) (CacheStats, error) {
	infos, err := c.List(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	return buildStats(c.backend, infos), nil
}

// Clear 清理所有缓存
func (c *FileCandleCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name := range c.index {
		if err := os.Remove(c.path(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("删除缓存文件失败: %w", err)
		}
	}
	removed := len(c.index)
	c.index = make(map[string]CacheInfo)
	if err := c.saveIndex(); err != nil {
		return err
	}
	logger.Info("🧹 已清理 %d 个%s缓存", removed, c.backend)
	return nil
}

func (c *FileCandleCache) Close() error {
	return nil
}

func writeCSVFile(path, symbol string, candles []exchange.Candle) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := exchange.WriteCandlesCSV(w, symbol, candles); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readCSVFile(path string) ([]exchange.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return exchange.ReadCandlesCSV(bufio.NewReader(f))
}

// candleRecord Parquet 文件结构
type candleRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

func writeParquetFile(path, symbol string, candles []exchange.Candle) error {
	records := make([]candleRecord, len(candles))
	for i, c := range candles {
		records[i] = candleRecord{
			Symbol:    symbol,
			Timestamp: c.Timestamp.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile(path string) ([]exchange.Candle, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	records, err := parquet.ReadFile[candleRecord](path)
	if err != nil {
		return nil, err
	}
	candles := make([]exchange.Candle, len(records))
	for i, r := range records {
		candles[i] = exchange.Candle{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
	}
	return candles, nil
}
