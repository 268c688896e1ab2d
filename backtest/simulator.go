package backtest

import (
	"context"
	"math"
	"time"

	"quantbench/exchange"
	"quantbench/logger"
	"quantbench/strategy"
)

// DefaultHoldingPeriod 默认持仓K线数
const DefaultHoldingPeriod = 10

// Trade 一笔已平仓交易
type Trade struct {
	Symbol     string          `json:"symbol"`
	Action     strategy.Signal `json:"action"` // BUY / SELL
	EntryDate  time.Time       `json:"entryDate"`
	EntryPrice float64         `json:"entryPrice"`
	ExitDate   time.Time       `json:"exitDate"`
	ExitPrice  float64         `json:"exitPrice"`
	Quantity   float64         `json:"quantity"`
	Fee        float64         `json:"fee"`
	PnL        float64         `json:"pnl"`
	ReturnPct  float64         `json:"returnPct"` // pnl / (entryPrice * quantity)
}

// EquityPoint 权益点
type EquityPoint struct {
	Date         time.Time `json:"date"`
	CapitalValue float64   `json:"capitalValue"`
}

// DrawdownPoint 回撤点，DrawdownPct <= 0
type DrawdownPoint struct {
	Date        time.Time `json:"date"`
	DrawdownPct float64   `json:"drawdownPct"`
}

// SimulationConfig 模拟参数
type SimulationConfig struct {
	InitialCapital  float64
	PositionSizePct float64 // (0, 100]
	HoldingPeriod   int     // 持仓K线数，<= 0 时使用 DefaultHoldingPeriod
	FeePerTrade     float64 // 每笔固定手续费
}

// SimulationResult 单个交易对的模拟结果
type SimulationResult struct {
	Symbol         string          `json:"symbol"`
	Candles        int             `json:"candles"`
	InitialCapital float64         `json:"initialCapital"`
	FinalCapital   float64         `json:"finalCapital"`
	Trades         []Trade         `json:"trades"`
	Equity         []EquityPoint   `json:"equity"`
	Drawdown       []DrawdownPoint `json:"drawdown"`
}

// Simulator 逐根K线推进的执行模拟器。
// 信号出现时以当根收盘价开仓，固定持有 HoldingPeriod 根后按收盘价平仓；
// 持仓期间允许继续开新仓（仓位可重叠）。
type Simulator struct {
	cfg SimulationConfig
}

// NewSimulator 创建模拟器
func NewSimulator(cfg SimulationConfig) *Simulator {
	if cfg.HoldingPeriod <= 0 {
		cfg.HoldingPeriod = DefaultHoldingPeriod
	}
	return &Simulator{cfg: cfg}
}

// Config 返回生效的模拟参数
func (s *Simulator) Config() SimulationConfig {
	return s.cfg
}

// Run 对一个K线序列执行模拟。数据不足最小回看长度时只返回初始权益点；
// 唯一的错误来源是 ctx 取消。
func (s *Simulator) Run(ctx context.Context, series exchange.Series, params strategy.Parameters) (*SimulationResult, error) {
	n := series.Len()
	lookback := strategy.MinLookback(params)

	capital := s.cfg.InitialCapital
	peak := capital

	result := &SimulationResult{
		Symbol:         series.Symbol(),
		Candles:        n,
		InitialCapital: s.cfg.InitialCapital,
		Trades:         make([]Trade, 0),
		Equity:         []EquityPoint{{Date: series.Start(), CapitalValue: capital}},
		Drawdown:       make([]DrawdownPoint, 0),
	}

	logger.Debug("🚀 开始模拟: %s %s, %d 根K线, 回看 %d", series.Symbol(), params.Kind, n, lookback)

	for i := lookback; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		signal := strategy.Evaluate(series.Window(i-lookback, i), params)
		if signal == strategy.SignalNone {
			continue
		}

		entry := series.At(i)
		if capital <= 0 || entry.Close <= 0 {
			continue
		}
		quantity := math.Floor(capital * s.cfg.PositionSizePct / 100 / entry.Close)
		if quantity <= 0 {
			continue
		}

		exitIndex := i + s.cfg.HoldingPeriod
		if exitIndex > n-1 {
			exitIndex = n - 1
		}
		exit := series.At(exitIndex)

		gross := (exit.Close - entry.Close) * quantity
		if signal == strategy.SignalSell {
			gross = -gross
		}
		pnl := gross - s.cfg.FeePerTrade

		result.Trades = append(result.Trades, Trade{
			Symbol:     series.Symbol(),
			Action:     signal,
			EntryDate:  entry.Timestamp,
			EntryPrice: entry.Close,
			ExitDate:   exit.Timestamp,
			ExitPrice:  exit.Close,
			Quantity:   quantity,
			Fee:        s.cfg.FeePerTrade,
			PnL:        pnl,
			ReturnPct:  pnl / (entry.Close * quantity),
		})

		capital += pnl
		if capital > peak {
			peak = capital
		}
		result.Equity = append(result.Equity, EquityPoint{Date: exit.Timestamp, CapitalValue: capital})
		result.Drawdown = append(result.Drawdown, DrawdownPoint{
			Date:        exit.Timestamp,
			DrawdownPct: drawdownPct(capital, peak),
		})
	}

	result.FinalCapital = capital
	logger.Debug("✅ 模拟完成: %s, %d 笔交易, 期末资金 %.2f", series.Symbol(), len(result.Trades), capital)
	return result, nil
}

// drawdownPct 相对历史峰值的回撤百分比（<= 0）
func drawdownPct(capital, peak float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (capital - peak) / peak * 100
	if dd > 0 {
		return 0
	}
	return dd
}
