package backtest

import (
	"sort"

	"quantbench/indicators"
)

// RiskMetrics 尾部风险指标（单位 %，正数表示损失）
type RiskMetrics struct {
	VaR95      float64 `json:"var95"`      // 95% 置信度的风险价值
	VaR99      float64 `json:"var99"`      // 99% 置信度的风险价值
	CVaR95     float64 `json:"cvar95"`     // 95% 置信度的条件风险价值
	CVaR99     float64 `json:"cvar99"`     // 99% 置信度的条件风险价值
	Volatility float64 `json:"volatility"` // 权益步收益率的标准差 (%)
}

// CalculateRiskMetrics 历史模拟法计算 VaR / CVaR
func CalculateRiskMetrics(equity []EquityPoint) RiskMetrics {
	returns := equityReturns(equity)
	if len(returns) == 0 {
		return RiskMetrics{}
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	return RiskMetrics{
		VaR95:      historicalVaR(sorted, 0.95) * 100,
		VaR99:      historicalVaR(sorted, 0.99) * 100,
		CVaR95:     conditionalVaR(sorted, 0.95) * 100,
		CVaR99:     conditionalVaR(sorted, 0.99) * 100,
		Volatility: indicators.PopulationStdDev(returns) * 100,
	}
}

// tailIndex 升序收益率中置信度对应的分位下标
func tailIndex(n int, confidence float64) int {
	index := int(float64(n) * (1 - confidence))
	if index >= n {
		index = n - 1
	}
	if index < 0 {
		index = 0
	}
	return index
}

// historicalVaR 分位点处的损失；分位点为正收益时没有损失
func historicalVaR(sorted []float64, confidence float64) float64 {
	r := sorted[tailIndex(len(sorted), confidence)]
	if r >= 0 {
		return 0
	}
	return -r
}

// conditionalVaR 分位点以下（含）收益率的平均损失
func conditionalVaR(sorted []float64, confidence float64) float64 {
	index := tailIndex(len(sorted), confidence)
	sum := 0.0
	for _, r := range sorted[:index+1] {
		sum += r
	}
	avg := sum / float64(index+1)
	if avg >= 0 {
		return 0
	}
	return -avg
}
