package alpaca

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quantbench/exchange"
	"quantbench/logger"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"
)

// Options 数据源配置
type Options struct {
	APIKey    string
	APISecret string
	DataURL   string // 非空时覆盖默认行情地址
	Feed      string // sip / iex
	// RatePerMinute 每分钟请求数，免费账户为 200
	RatePerMinute int
}

// BarProvider 基于 Alpaca 行情 API 的美股历史数据源
type BarProvider struct {
	client  *marketdata.Client
	limiter *rate.Limiter
	feed    string
}

// NewBarProvider 创建 Alpaca 数据源
func NewBarProvider(opts Options) *BarProvider {
	clientOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	if opts.Feed == "" {
		opts.Feed = "iex"
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 200
	}

	return &BarProvider{
		client:  marketdata.NewClient(clientOpts),
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60), 1),
		feed:    opts.Feed,
	}
}

// Name 数据源名称
func (p *BarProvider) Name() string {
	return "alpaca"
}

// FetchCandles 获取 [start, end] 内的美股K线
func (p *BarProvider) FetchCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]exchange.Candle, error) {
	tf, err := parseTimeFrame(interval)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	symbol = strings.ToUpper(symbol)
	bars, err := p.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
		Feed:      p.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("获取 %s 历史K线失败: %w", symbol, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candles := convertBars(bars)
	logger.Debug("📥 [alpaca] %s %s: %d 根K线", symbol, interval, len(candles))
	if len(candles) == 0 {
		return nil, fmt.Errorf("%s %s ~ %s: %w", symbol,
			start.Format("2006-01-02"), end.Format("2006-01-02"), exchange.ErrDataUnavailable)
	}
	return candles, nil
}

func convertBars(bars []marketdata.Bar) []exchange.Candle {
	candles := make([]exchange.Candle, 0, len(bars))
	for _, b := range bars {
		candles = append(candles, exchange.Candle{
			Timestamp: b.Timestamp.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
		})
	}
	return candles
}

// parseTimeFrame 把 "15m" / "1h" / "1d" / "1w" / "1M" 转换成 Alpaca 周期
func parseTimeFrame(interval string) (marketdata.TimeFrame, error) {
	if interval == "" {
		return marketdata.OneDay, nil
	}
	if len(interval) < 2 {
		return marketdata.TimeFrame{}, fmt.Errorf("不支持的K线周期: %s", interval)
	}

	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return marketdata.TimeFrame{}, fmt.Errorf("不支持的K线周期: %s", interval)
	}

	var unit marketdata.TimeFrameUnit
	switch interval[len(interval)-1] {
	case 'm':
		unit = marketdata.Min
	case 'h':
		unit = marketdata.Hour
	case 'd':
		unit = marketdata.Day
	case 'w':
		unit = marketdata.Week
	case 'M':
		unit = marketdata.Month
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("不支持的K线周期: %s", interval)
	}
	return marketdata.NewTimeFrame(n, unit), nil
}
