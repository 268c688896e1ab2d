package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quantbench/exchange"
	"quantbench/logger"
)

// 进度里程碑
const (
	progressFetchEnd     = 50.0
	progressSimulateEnd  = 90.0
	progressAggregateMid = 95.0
)

// Orchestrator 回测编排器：拉取数据 → 逐交易对模拟 → 汇总指标
type Orchestrator struct {
	provider         exchange.HistoricalDataProvider
	fetchConcurrency int
}

// OrchestratorOption 编排器选项
type OrchestratorOption func(*Orchestrator)

// WithFetchConcurrency 设置并发拉取数，<= 1 时按顺序拉取
func WithFetchConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.fetchConcurrency = n
	}
}

// NewOrchestrator 创建编排器
func NewOrchestrator(provider exchange.HistoricalDataProvider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{provider: provider, fetchConcurrency: 1}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute 同步执行一次回测。失败时 run 进入 Failed 并返回 *Error；
// 成功时返回结果副本。
func (o *Orchestrator) Execute(ctx context.Context, run *Run) (*Result, error) {
	req := run.request

	if err := req.Validate(); err != nil {
		run.fail(err)
		return nil, err
	}
	if !run.transition(StateFetchingData) {
		return nil, fmt.Errorf("回测 %s 当前状态 %s, 无法执行", run.ID(), run.State())
	}

	logger.Info("🚀 开始回测 %s: %s, 交易对 %v, %s 至 %s",
		run.ID(), req.Strategy.Kind, req.Symbols,
		req.DateRange.Start.Format("2006-01-02"), req.DateRange.End.Format("2006-01-02"))

	series, err := o.fetchAll(ctx, run)
	if err != nil {
		return nil, o.abort(run, err)
	}

	run.transition(StateSimulating)
	sims, err := o.simulateAll(ctx, run, series)
	if err != nil {
		return nil, o.abort(run, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, o.abort(run, cancelled("", err))
	}
	run.transition(StateAggregating)
	run.setProgress(progressSimulateEnd)

	result := aggregate(req, series, sims)
	run.setProgress(progressAggregateMid)
	run.complete(result)

	logger.Info("✅ 回测 %s 完成: %d 笔交易, 总收益 %.2f%%, 最大回撤 %.2f%%",
		run.ID(), result.Metrics.TotalTrades, result.Metrics.TotalReturnPct, result.Metrics.MaxDrawdownPct)
	return result.Clone(), nil
}

func (o *Orchestrator) abort(run *Run, err error) error {
	if ErrorKindOf(err) == KindCancelled {
		logger.Warn("⚠️ 回测 %s 已取消: %v", run.ID(), err)
	} else {
		logger.Error("❌ 回测 %s 失败: %v", run.ID(), err)
	}
	run.fail(err)
	return err
}

// fetchOne 拉取并过滤单个交易对，没有K线视为数据不可用
func (o *Orchestrator) fetchOne(ctx context.Context, symbol string, req Request) (exchange.Series, error) {
	candles, err := o.provider.FetchCandles(ctx, symbol, req.Interval, req.DateRange.Start, req.DateRange.End)
	if err != nil {
		if isCancellation(err) || ctx.Err() != nil {
			return exchange.Series{}, cancelled(symbol, err)
		}
		return exchange.Series{}, dataUnavailable(symbol, err)
	}

	series := exchange.NewSeries(symbol, candles, req.DateRange)
	if series.Len() == 0 {
		return exchange.Series{}, dataUnavailable(symbol,
			fmt.Errorf("%w: 时间范围内没有K线", exchange.ErrDataUnavailable))
	}
	logger.Debug("📥 %s: %d 根K线", symbol, series.Len())
	return series, nil
}

// fetchAll 逐个（或有界并发）拉取，任一交易对失败即中止整个回测
func (o *Orchestrator) fetchAll(ctx context.Context, run *Run) ([]exchange.Series, error) {
	req := run.request
	total := len(req.Symbols)
	series := make([]exchange.Series, total)

	if o.fetchConcurrency <= 1 || total == 1 {
		for i, symbol := range req.Symbols {
			if err := ctx.Err(); err != nil {
				return nil, cancelled(symbol, err)
			}
			s, err := o.fetchOne(ctx, symbol, req)
			if err != nil {
				return nil, err
			}
			series[i] = s
			run.setProgress(progressFetchEnd * float64(i+1) / float64(total))
		}
		return series, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fetchConcurrency)

	var mu sync.Mutex
	done := 0
	for i, symbol := range req.Symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return cancelled(symbol, err)
			}
			s, err := o.fetchOne(gctx, symbol, req)
			if err != nil {
				return err
			}
			series[i] = s

			mu.Lock()
			done++
			run.setProgress(progressFetchEnd * float64(done) / float64(total))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return series, nil
}

// simulateAll 每个交易对独立模拟，参数共享
func (o *Orchestrator) simulateAll(ctx context.Context, run *Run, series []exchange.Series) ([]*SimulationResult, error) {
	req := run.request
	total := len(series)
	capital := allocateCapital(req.PortfolioMode, req.InitialCapital, total)

	sims := make([]*SimulationResult, 0, total)
	for i, s := range series {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(s.Symbol(), err)
		}

		sim, err := NewSimulator(req.simulationConfig(capital)).Run(ctx, s, req.Strategy)
		if err != nil {
			return nil, cancelled(s.Symbol(), err)
		}
		sims = append(sims, sim)

		span := progressSimulateEnd - progressFetchEnd
		run.setProgress(progressFetchEnd + span*float64(i+1)/float64(total))
	}
	return sims, nil
}

// aggregate 合并交易并计算指标
func aggregate(req Request, series []exchange.Series, sims []*SimulationResult) *Result {
	trades := make([]Trade, 0)
	perSymbol := make([]SymbolResult, 0, len(sims))
	for _, sim := range sims {
		trades = append(trades, sim.Trades...)
		perSymbol = append(perSymbol, SymbolResult{
			Symbol:         sim.Symbol,
			Candles:        sim.Candles,
			InitialCapital: sim.InitialCapital,
			FinalCapital:   sim.FinalCapital,
			Trades:         len(sim.Trades),
			Metrics:        Analyze(sim.Trades, sim.Equity, sim.Drawdown, sim.InitialCapital),
			Equity:         append([]EquityPoint(nil), sim.Equity...),
			Drawdown:       append([]DrawdownPoint(nil), sim.Drawdown...),
		})
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].EntryDate.Before(trades[j].EntryDate)
	})

	var equity []EquityPoint
	var drawdown []DrawdownPoint
	switch req.PortfolioMode {
	case PortfolioShared:
		equity, drawdown = sharedCurves(req.InitialCapital, earliestStart(series), trades)
	default:
		last := sims[len(sims)-1]
		equity = append([]EquityPoint(nil), last.Equity...)
		drawdown = append([]DrawdownPoint(nil), last.Drawdown...)
	}

	return &Result{
		Trades:      trades,
		Equity:      equity,
		Drawdown:    drawdown,
		Metrics:     Analyze(trades, equity, drawdown, req.InitialCapital),
		PerSymbol:   perSymbol,
		TradeStats:  CalculateTradeStatistics(trades),
		RiskMetrics: CalculateRiskMetrics(equity),
	}
}

func earliestStart(series []exchange.Series) time.Time {
	var start time.Time
	for i, s := range series {
		if i == 0 || s.Start().Before(start) {
			start = s.Start()
		}
	}
	return start
}
