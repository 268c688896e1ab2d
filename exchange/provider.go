package exchange

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrDataUnavailable 数据源没有该交易对/时间范围的数据
var ErrDataUnavailable = errors.New("data unavailable")

// HistoricalDataProvider 历史K线数据源
type HistoricalDataProvider interface {
	// FetchCandles 获取 [start, end] 内的K线，按时间升序；
	// 没有数据时返回包装了 ErrDataUnavailable 的错误
	FetchCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error)
	// Name 数据源名称
	Name() string
}

// StaticProvider 内存数据源（用于测试和嵌入式调用）
type StaticProvider struct {
	mu   sync.RWMutex
	data map[string][]Candle
}

// NewStaticProvider 创建内存数据源
func NewStaticProvider(data map[string][]Candle) *StaticProvider {
	p := &StaticProvider{data: make(map[string][]Candle, len(data))}
	for symbol, candles := range data {
		p.Set(symbol, candles)
	}
	return p
}

// Set 设置某交易对的K线
func (p *StaticProvider) Set(symbol string, candles []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]Candle, len(candles))
	copy(cp, candles)
	p.data[strings.ToUpper(symbol)] = cp
}

// Name 数据源名称
func (p *StaticProvider) Name() string {
	return "static"
}

// FetchCandles 返回时间范围内的K线
func (p *StaticProvider) FetchCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	candles, ok := p.data[strings.ToUpper(symbol)]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrDataUnavailable)
	}

	r := DateRange{Start: start, End: end}
	out := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if r.Contains(c.Timestamp) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s ~ %s: %w", symbol,
			start.Format("2006-01-02"), end.Format("2006-01-02"), ErrDataUnavailable)
	}
	return out, nil
}

// CSVDirProvider 从目录读取 <SYMBOL>.csv 文件的离线数据源
type CSVDirProvider struct {
	dir string
}

// NewCSVDirProvider 创建离线 CSV 数据源
func NewCSVDirProvider(dir string) *CSVDirProvider {
	return &CSVDirProvider{dir: dir}
}

// Name 数据源名称
func (p *CSVDirProvider) Name() string {
	return "csv"
}

// FetchCandles 读取 <dir>/<SYMBOL>.csv 并按时间范围过滤
func (p *CSVDirProvider) FetchCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filename := filepath.Join(p.dir, strings.ToUpper(symbol)+".csv")
	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", symbol, ErrDataUnavailable)
		}
		return nil, fmt.Errorf("打开数据文件失败: %w", err)
	}
	defer file.Close()

	candles, err := ReadCandlesCSV(file)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 失败: %w", filename, err)
	}

	r := DateRange{Start: start, End: end}
	out := candles[:0]
	for _, c := range candles {
		if r.Contains(c.Timestamp) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrDataUnavailable)
	}
	return out, nil
}
