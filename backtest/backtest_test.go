package backtest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"quantbench/event"
	"quantbench/exchange"
	"quantbench/strategy"
)

var baseDay = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// generateCandles 生成收盘价序列对应的日线，高低价等于收盘价
func generateCandles(closes ...float64) []exchange.Candle {
	candles := make([]exchange.Candle, len(closes))
	for i, c := range closes {
		candles[i] = exchange.Candle{
			Timestamp: baseDay.AddDate(0, 0, i),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1000,
		}
	}
	return candles
}

// generateWaveCandles 生成震荡行情
func generateWaveCandles(count int, basePrice float64) []exchange.Candle {
	closes := make([]float64, count)
	for i := range closes {
		closes[i] = basePrice * (1 + 0.08*math.Sin(float64(i)/3))
	}
	return generateCandles(closes...)
}

func breakoutParams(period float64) strategy.Parameters {
	return strategy.Parameters{
		Kind:   strategy.KindBreakout,
		Values: map[string]float64{"breakoutPeriod": period},
	}
}

func newRequest(symbols ...string) Request {
	return Request{
		Symbols:         symbols,
		Strategy:        breakoutParams(2),
		DateRange:       exchange.DateRange{Start: baseDay, End: baseDay.AddDate(1, 0, 0)},
		InitialCapital:  10000,
		PositionSizePct: 10,
		HoldingPeriod:   2,
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *recordingPublisher) Publish(e *event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) snapshot() []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*event.Event(nil), p.events...)
}

// blockingProvider 阻塞到 ctx 取消
type blockingProvider struct {
	started chan struct{}
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{started: make(chan struct{}, 16)}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) FetchCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]exchange.Candle, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestScenarioShortSeriesProducesNoTrades(t *testing.T) {
	provider := exchange.NewStaticProvider(map[string][]exchange.Candle{
		"AAPL": generateCandles(100, 101, 102, 103, 104),
	})
	req := newRequest("AAPL")
	req.Strategy = strategy.Parameters{
		Kind:   strategy.KindMomentum,
		Values: map[string]float64{"lookbackPeriod": 20},
	}

	run := NewRun("b", req, nil)
	result, err := NewOrchestrator(provider).Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("回测失败: %v", err)
	}

	if len(result.Trades) != 0 {
		t.Errorf("数据不足时不应产生交易, 实际 %d 笔", len(result.Trades))
	}
	if len(result.Equity) != 1 || result.Equity[0].CapitalValue != 10000 {
		t.Errorf("权益曲线应只有初始点: %+v", result.Equity)
	}
	if result.Metrics != (PerformanceMetrics{}) {
		t.Errorf("指标应全部为 0: %+v", result.Metrics)
	}
	if run.State() != StateComplete || run.Progress() != 100 {
		t.Errorf("状态 = %s, 进度 = %v", run.State(), run.Progress())
	}
}

func TestScenarioMissingSymbolFailsWholeRun(t *testing.T) {
	provider := exchange.NewStaticProvider(map[string][]exchange.Candle{
		"AAPL": generateWaveCandles(60, 100),
	})

	run := NewRun("e", newRequest("AAPL", "XYZ"), nil)
	result, err := NewOrchestrator(provider).Execute(context.Background(), run)

	if result != nil {
		t.Fatal("失败的回测不应返回部分结果")
	}
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("期望 DataUnavailable, 实际 %v", err)
	}
	var be *Error
	if !errors.As(err, &be) || be.Symbol != "XYZ" {
		t.Errorf("错误应指明交易对 XYZ: %v", err)
	}
	if run.State() != StateFailed || run.Result() != nil {
		t.Errorf("状态 = %s, 结果 = %v", run.State(), run.Result())
	}
	if ErrorKindOf(run.Err()) != KindDataUnavailable {
		t.Errorf("run 错误类型 = %s", ErrorKindOf(run.Err()))
	}
}

func TestOutOfRangeCandlesAreUnavailable(t *testing.T) {
	provider := exchange.NewStaticProvider(map[string][]exchange.Candle{
		"AAPL": generateWaveCandles(30, 100),
	})
	req := newRequest("AAPL")
	req.DateRange = exchange.DateRange{Start: baseDay.AddDate(2, 0, 0), End: baseDay.AddDate(3, 0, 0)}

	_, err := NewOrchestrator(provider).Execute(context.Background(), NewRun("r", req, nil))
	if !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("时间范围内没有K线应视为数据不可用, 实际 %v", err)
	}
}

func TestInvalidParametersFailBeforeFetch(t *testing.T) {
	provider := newBlockingProvider()
	req := newRequest("AAPL")
	req.PositionSizePct = 150

	run := NewRun("bad", req, nil)
	_, err := NewOrchestrator(provider).Execute(context.Background(), run)
	if !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("期望 InvalidParameters, 实际 %v", err)
	}
	var be *Error
	if errors.As(err, &be) && be.Param != "positionSizePct" {
		t.Errorf("参数名 = %s", be.Param)
	}
	if len(provider.started) != 0 {
		t.Error("参数错误时不应请求数据")
	}
	if run.State() != StateFailed {
		t.Errorf("状态 = %s", run.State())
	}
}

func TestCancellationEndsFailedWithCancelled(t *testing.T) {
	provider := newBlockingProvider()
	ctx, cancel := context.WithCancel(context.Background())

	run := NewRun("c", newRequest("AAPL"), nil)
	go func() {
		<-provider.started
		cancel()
	}()

	result, err := NewOrchestrator(provider).Execute(ctx, run)
	if result != nil || !errors.Is(err, ErrCancelled) {
		t.Fatalf("期望取消错误, 实际 %v %v", result, err)
	}
	if run.State() != StateFailed || ErrorKindOf(run.Err()) != KindCancelled {
		t.Errorf("状态 = %s, 错误 = %v", run.State(), run.Err())
	}
}

func TestProgressAndStatesAreMonotonic(t *testing.T) {
	provider := exchange.NewStaticProvider(map[string][]exchange.Candle{
		"AAA": generateWaveCandles(80, 100),
		"BBB": generateWaveCandles(80, 50),
		"CCC": generateWaveCandles(80, 20),
	})
	pub := &recordingPublisher{}
	run := NewRun("p", newRequest("AAA", "BBB", "CCC"), pub)

	if _, err := NewOrchestrator(provider).Execute(context.Background(), run); err != nil {
		t.Fatalf("回测失败: %v", err)
	}

	last := 0.0
	var states []string
	var completed bool
	for _, e := range pub.snapshot() {
		switch e.Type {
		case event.EventTypeRunProgress:
			p := e.Data["progress"].(float64)
			if p < last {
				t.Errorf("进度回退: %v -> %v", last, p)
			}
			last = p
		case event.EventTypeRunStateChanged:
			states = append(states, e.Data["to"].(string))
		case event.EventTypeRunCompleted:
			completed = true
		}
	}

	if last != 100 {
		t.Errorf("最终进度 = %v, 期望 100", last)
	}
	want := []string{"FetchingData", "Simulating", "Aggregating", "Complete"}
	if len(states) != len(want) {
		t.Fatalf("状态序列 = %v, 期望 %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("状态序列 = %v, 期望 %v", states, want)
			break
		}
	}
	if !completed {
		t.Error("应发布完成事件")
	}
}

func TestAggregatedTradesSortedAndEquityConsistent(t *testing.T) {
	provider := exchange.NewStaticProvider(map[string][]exchange.Candle{
		"AAA": generateWaveCandles(120, 100),
		"BBB": generateWaveCandles(120, 40),
	})

	for _, mode := range []PortfolioMode{PortfolioIndependent, PortfolioShared} {
		t.Run(string(mode), func(t *testing.T) {
			req := newRequest("AAA", "BBB")
			req.PortfolioMode = mode
			result, err := NewOrchestrator(provider).Execute(context.Background(), NewRun("m", req, nil))
			if err != nil {
				t.Fatalf("回测失败: %v", err)
			}
			if len(result.Trades) == 0 {
				t.Fatal("震荡行情应产生交易")
			}

			for i := 1; i < len(result.Trades); i++ {
				if result.Trades[i].EntryDate.Before(result.Trades[i-1].EntryDate) {
					t.Fatalf("交易未按开仓时间排序: %d", i)
				}
			}
			for i := 1; i < len(result.Equity); i++ {
				if result.Equity[i].Date.Before(result.Equity[i-1].Date) {
					t.Fatalf("权益点时间倒退: %d", i)
				}
			}
			for _, d := range result.Drawdown {
				if d.DrawdownPct > 0 {
					t.Fatalf("回撤必须 <= 0: %v", d.DrawdownPct)
				}
			}
			if len(result.PerSymbol) != 2 {
				t.Fatalf("分交易对结果数量 = %d", len(result.PerSymbol))
			}
			for _, sr := range result.PerSymbol {
				if len(sr.Equity) == 0 || len(sr.Drawdown) != len(sr.Equity)-1 {
					t.Fatalf("%s 的权益/回撤序列缺失: %d/%d", sr.Symbol, len(sr.Equity), len(sr.Drawdown))
				}
				if last := sr.Equity[len(sr.Equity)-1].CapitalValue; math.Abs(last-sr.FinalCapital) > 1e-9 {
					t.Errorf("%s 权益序列终值 %v != FinalCapital %v", sr.Symbol, last, sr.FinalCapital)
				}
			}

			clone := result.Clone()
			clone.PerSymbol[0].Equity[0].CapitalValue = -1
			if result.PerSymbol[0].Equity[0].CapitalValue == -1 {
				t.Error("Clone 应深拷贝分交易对序列")
			}

			final := result.Equity[len(result.Equity)-1].CapitalValue
			if mode == PortfolioShared {
				sum := 0.0
				for _, tr := range result.Trades {
					sum += tr.PnL
				}
				if math.Abs(final-(req.InitialCapital+sum)) > 1e-6 {
					t.Errorf("组合期末权益 %.4f != 初始资金 + 总盈亏 %.4f", final, req.InitialCapital+sum)
				}
				if result.PerSymbol[0].InitialCapital != 5000 {
					t.Errorf("共享模式下每个交易对应分得 5000, 实际 %v", result.PerSymbol[0].InitialCapital)
				}
			} else if final != result.PerSymbol[1].FinalCapital {
				t.Errorf("独立模式下权益曲线应取最后一个交易对: %v vs %v", final, result.PerSymbol[1].FinalCapital)
			}
		})
	}
}

func TestConcurrentFetchKeepsAbortContract(t *testing.T) {
	provider := exchange.NewStaticProvider(map[string][]exchange.Candle{
		"AAA": generateWaveCandles(60, 100),
		"BBB": generateWaveCandles(60, 100),
	})
	o := NewOrchestrator(provider, WithFetchConcurrency(4))

	if _, err := o.Execute(context.Background(), NewRun("ok", newRequest("AAA", "BBB"), nil)); err != nil {
		t.Fatalf("并发拉取回测失败: %v", err)
	}

	run := NewRun("bad", newRequest("AAA", "MISSING", "BBB"), nil)
	if _, err := o.Execute(context.Background(), run); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("任一交易对缺失应整体失败, 实际 %v", err)
	}
}

func TestExecuteTwiceIsRejected(t *testing.T) {
	provider := exchange.NewStaticProvider(map[string][]exchange.Candle{
		"AAA": generateWaveCandles(40, 100),
	})
	o := NewOrchestrator(provider)
	run := NewRun("once", newRequest("AAA"), nil)

	first, err := o.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("回测失败: %v", err)
	}
	if _, err := o.Execute(context.Background(), run); err == nil {
		t.Error("已完成的回测不应再次执行")
	}

	// 结果为副本，修改不影响 run
	first.Trades = nil
	if got := run.Result(); got == nil || len(got.Trades) == 0 {
		t.Error("run 中的结果不应被外部修改")
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *Request)
		param  string
	}{
		{"无交易对", func(r *Request) { r.Symbols = nil }, "symbols"},
		{"资金为0", func(r *Request) { r.InitialCapital = 0 }, "initialCapital"},
		{"资金为正无穷", func(r *Request) { r.InitialCapital = math.Inf(1) }, "initialCapital"},
		{"资金为NaN", func(r *Request) { r.InitialCapital = math.NaN() }, "initialCapital"},
		{"仓位为0", func(r *Request) { r.PositionSizePct = 0 }, "positionSizePct"},
		{"仓位超过100", func(r *Request) { r.PositionSizePct = 100.5 }, "positionSizePct"},
		{"时间倒置", func(r *Request) { r.DateRange.End = baseDay.AddDate(-1, 0, 0) }, "dateRange"},
		{"手续费为负", func(r *Request) { r.FeePerTrade = -1 }, "feePerTrade"},
		{"手续费为正无穷", func(r *Request) { r.FeePerTrade = math.Inf(1) }, "feePerTrade"},
		{"手续费为负无穷", func(r *Request) { r.FeePerTrade = math.Inf(-1) }, "feePerTrade"},
		{"未知资金模式", func(r *Request) { r.PortfolioMode = "leveraged" }, "portfolioMode"},
		{"策略参数错误", func(r *Request) { r.Strategy = breakoutParams(0) }, "breakoutPeriod"},
		{"未知策略", func(r *Request) { r.Strategy = strategy.Parameters{Kind: "grid"} }, "strategy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest("AAPL")
			tt.modify(&req)
			err := req.Validate()
			var be *Error
			if !errors.As(err, &be) || be.Kind != KindInvalidParameters {
				t.Fatalf("期望 InvalidParameters, 实际 %v", err)
			}
			if be.Param != tt.param {
				t.Errorf("参数名 = %s, 期望 %s", be.Param, tt.param)
			}
		})
	}

	if err := newRequest("AAPL").Validate(); err != nil {
		t.Errorf("合法请求校验失败: %v", err)
	}
}

func TestRequestNormalize(t *testing.T) {
	req := Request{Symbols: []string{" aapl", "AAPL", "msft", ""}}
	n := req.Normalize()

	if len(n.Symbols) != 2 || n.Symbols[0] != "AAPL" || n.Symbols[1] != "MSFT" {
		t.Errorf("交易对规范化错误: %v", n.Symbols)
	}
	if n.Interval != "1d" || n.HoldingPeriod != DefaultHoldingPeriod || n.PortfolioMode != PortfolioIndependent {
		t.Errorf("默认值错误: %+v", n)
	}
}

func TestRequestWithDefaults(t *testing.T) {
	d := RequestDefaults{Interval: "1h", HoldingPeriod: 5, FeePerTrade: 1, PortfolioMode: PortfolioShared}

	filled := Request{}.WithDefaults(d)
	if filled.Interval != "1h" || filled.HoldingPeriod != 5 || filled.FeePerTrade != 1 || filled.PortfolioMode != PortfolioShared {
		t.Errorf("默认值未填充: %+v", filled)
	}

	explicit := Request{Interval: "1d", HoldingPeriod: 3, FeePerTrade: 2, PortfolioMode: PortfolioIndependent}.WithDefaults(d)
	if explicit.Interval != "1d" || explicit.HoldingPeriod != 3 || explicit.FeePerTrade != 2 || explicit.PortfolioMode != PortfolioIndependent {
		t.Errorf("显式字段被覆盖: %+v", explicit)
	}
}
