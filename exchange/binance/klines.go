package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quantbench/exchange"
	"quantbench/logger"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"
)

// maxKlinesPerRequest 币安期货单次请求K线上限
const maxKlinesPerRequest = 1500

var supportedIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// Options 数据源配置
type Options struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	BaseURL   string  // 非空时覆盖默认地址（测试/代理）
	RateLimit float64 // 每秒请求数
	Burst     int
	PageLimit int
}

// KlineProvider 基于币安 U 本位合约 K线接口的历史数据源
type KlineProvider struct {
	client    *futures.Client
	limiter   *rate.Limiter
	pageLimit int
}

// NewKlineProvider 创建币安历史数据源
func NewKlineProvider(opts Options) *KlineProvider {
	futures.UseTestnet = opts.Testnet
	client := futures.NewClient(opts.APIKey, opts.SecretKey)
	if opts.BaseURL != "" {
		client.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}

	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.PageLimit <= 0 || opts.PageLimit > maxKlinesPerRequest {
		opts.PageLimit = maxKlinesPerRequest
	}

	return &KlineProvider{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		pageLimit: opts.PageLimit,
	}
}

// Name 数据源名称
func (p *KlineProvider) Name() string {
	return "binance"
}

// FetchCandles 分页拉取 [start, end] 内的K线
func (p *KlineProvider) FetchCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]exchange.Candle, error) {
	if interval == "" {
		interval = "1d"
	}
	if !supportedIntervals[interval] {
		return nil, fmt.Errorf("不支持的K线周期: %s", interval)
	}

	symbol = strings.ToUpper(symbol)
	startMs := start.UnixMilli()
	endMs := end.UnixMilli()

	var candles []exchange.Candle
	for page := 1; startMs <= endMs; page++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		klines, err := p.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(startMs).
			EndTime(endMs).
			Limit(p.pageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取历史K线失败: %w", err)
		}

		batch, err := convertKlines(klines)
		if err != nil {
			return nil, err
		}
		candles = append(candles, batch...)
		logger.Debug("📥 [binance] %s %s 第 %d 页: %d 根K线", symbol, interval, page, len(batch))

		if len(klines) < p.pageLimit {
			break
		}
		startMs = klines[len(klines)-1].OpenTime + 1
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("%s %s ~ %s: %w", symbol,
			start.Format("2006-01-02"), end.Format("2006-01-02"), exchange.ErrDataUnavailable)
	}
	return candles, nil
}

func convertKlines(klines []*futures.Kline) ([]exchange.Candle, error) {
	candles := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		fields := [5]string{k.Open, k.High, k.Low, k.Close, k.Volume}
		var values [5]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("解析K线数值失败 (%d): %w", k.OpenTime, err)
			}
			values[i] = v
		}

		candles = append(candles, exchange.Candle{
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
		})
	}
	return candles, nil
}
