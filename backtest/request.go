package backtest

import (
	"errors"
	"math"
	"strings"

	"quantbench/exchange"
	"quantbench/strategy"
)

// PortfolioMode 多交易对资金模式
type PortfolioMode string

const (
	// PortfolioIndependent 每个交易对各自使用完整初始资金
	PortfolioIndependent PortfolioMode = "independent"
	// PortfolioShared 初始资金在交易对间平均分配，合并成一条权益曲线
	PortfolioShared PortfolioMode = "shared"
)

// Request 回测请求
type Request struct {
	Symbols         []string            `json:"symbols"`
	Strategy        strategy.Parameters `json:"strategy"`
	DateRange       exchange.DateRange  `json:"dateRange"`
	InitialCapital  float64             `json:"initialCapital"`
	PositionSizePct float64             `json:"positionSizePct"`

	Interval      string        `json:"interval,omitempty"`      // K线周期，默认 1d
	HoldingPeriod int           `json:"holdingPeriod,omitempty"` // 持仓K线数，默认 10
	FeePerTrade   float64       `json:"feePerTrade,omitempty"`   // 每笔固定手续费
	PortfolioMode PortfolioMode `json:"portfolioMode,omitempty"` // 默认 independent
}

// RequestDefaults 请求未指定字段时使用的默认值，随配置热更新
type RequestDefaults struct {
	Interval      string
	HoldingPeriod int
	FeePerTrade   float64
	PortfolioMode PortfolioMode
}

// WithDefaults 用 d 填充请求中未设置的字段，返回副本
func (r Request) WithDefaults(d RequestDefaults) Request {
	out := r
	if out.Interval == "" {
		out.Interval = d.Interval
	}
	if out.HoldingPeriod <= 0 {
		out.HoldingPeriod = d.HoldingPeriod
	}
	if out.FeePerTrade == 0 {
		out.FeePerTrade = d.FeePerTrade
	}
	if out.PortfolioMode == "" {
		out.PortfolioMode = d.PortfolioMode
	}
	return out
}

// Normalize 补全默认值、规范化交易对，返回副本
func (r Request) Normalize() Request {
	out := r
	out.Symbols = make([]string, 0, len(r.Symbols))
	seen := make(map[string]bool, len(r.Symbols))
	for _, s := range r.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out.Symbols = append(out.Symbols, s)
	}
	if out.Interval == "" {
		out.Interval = "1d"
	}
	if out.HoldingPeriod <= 0 {
		out.HoldingPeriod = DefaultHoldingPeriod
	}
	if out.PortfolioMode == "" {
		out.PortfolioMode = PortfolioIndependent
	}
	out.Strategy = r.Strategy.Clone()
	return out
}

// Validate 在获取任何数据之前校验请求
func (r Request) Validate() error {
	if len(r.Symbols) == 0 {
		return invalidParam("symbols", "至少需要一个交易对")
	}
	for _, s := range r.Symbols {
		if strings.TrimSpace(s) == "" {
			return invalidParam("symbols", "交易对不能为空")
		}
	}
	if math.IsNaN(r.InitialCapital) || math.IsInf(r.InitialCapital, 0) || r.InitialCapital <= 0 {
		return invalidParam("initialCapital", "必须为大于 0 的有限数, 实际 %v", r.InitialCapital)
	}
	if math.IsNaN(r.PositionSizePct) || r.PositionSizePct <= 0 || r.PositionSizePct > 100 {
		return invalidParam("positionSizePct", "必须在 (0, 100] 范围内, 实际 %v", r.PositionSizePct)
	}
	if err := r.DateRange.Validate(); err != nil {
		return invalidParam("dateRange", "%v", err)
	}
	if r.HoldingPeriod < 0 {
		return invalidParam("holdingPeriod", "不能为负数, 实际 %d", r.HoldingPeriod)
	}
	if math.IsNaN(r.FeePerTrade) || math.IsInf(r.FeePerTrade, 0) || r.FeePerTrade < 0 {
		return invalidParam("feePerTrade", "必须为非负有限数, 实际 %v", r.FeePerTrade)
	}
	switch r.PortfolioMode {
	case "", PortfolioIndependent, PortfolioShared:
	default:
		return invalidParam("portfolioMode", "未知资金模式: %q", r.PortfolioMode)
	}

	if err := strategy.Validate(r.Strategy); err != nil {
		var pe *strategy.ParamError
		if errors.As(err, &pe) {
			return &Error{Kind: KindInvalidParameters, Param: pe.Param, Err: err}
		}
		return &Error{Kind: KindInvalidParameters, Param: "strategy", Err: err}
	}
	return nil
}

// simulationConfig 单个交易对的模拟参数
func (r Request) simulationConfig(capital float64) SimulationConfig {
	return SimulationConfig{
		InitialCapital:  capital,
		PositionSizePct: r.PositionSizePct,
		HoldingPeriod:   r.HoldingPeriod,
		FeePerTrade:     r.FeePerTrade,
	}
}
