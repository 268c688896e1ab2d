package backtest

import (
	"math"

	"quantbench/indicators"
	"quantbench/strategy"
)

// PerformanceMetrics 回测绩效指标
type PerformanceMetrics struct {
	// 收益指标
	TotalReturnPct      float64 `json:"totalReturnPct"`      // 总收益率 (%)
	AnnualizedReturnPct float64 `json:"annualizedReturnPct"` // 简化年化：总收益率 × 12

	// 风险指标
	SharpeRatio    float64 `json:"sharpeRatio"`    // 权益步收益均值 / 总体标准差，不年化
	MaxDrawdownPct float64 `json:"maxDrawdownPct"` // 最大回撤 (%)，<= 0

	// 交易指标
	WinRatePct   float64 `json:"winRatePct"`   // 胜率 (%)
	ProfitFactor float64 `json:"profitFactor"` // 总盈利 / 总亏损，无亏损时为 0
	TotalTrades  int     `json:"totalTrades"`

	// AvgTradeDurationDays 按 (exitDate - entryDate) 实际日历天数求平均
	AvgTradeDurationDays float64 `json:"avgTradeDurationDays"`
}

// TradeStatistics 交易明细统计
type TradeStatistics struct {
	WinningTrades        int     `json:"winningTrades"`
	LosingTrades         int     `json:"losingTrades"`
	LongTrades           int     `json:"longTrades"`
	ShortTrades          int     `json:"shortTrades"`
	GrossProfit          float64 `json:"grossProfit"`
	GrossLoss            float64 `json:"grossLoss"`
	TotalFees            float64 `json:"totalFees"`
	AvgWin               float64 `json:"avgWin"`
	AvgLoss              float64 `json:"avgLoss"`
	LargestWin           float64 `json:"largestWin"`
	LargestLoss          float64 `json:"largestLoss"`
	MaxConsecutiveWins   int     `json:"maxConsecutiveWins"`
	MaxConsecutiveLosses int     `json:"maxConsecutiveLosses"`
}

// Analyze 计算绩效指标；没有交易时返回全零
func Analyze(trades []Trade, equity []EquityPoint, drawdown []DrawdownPoint, initialCapital float64) PerformanceMetrics {
	if len(trades) == 0 {
		return PerformanceMetrics{}
	}

	totalReturn := calculateTotalReturn(equity, initialCapital)

	return PerformanceMetrics{
		TotalReturnPct:       totalReturn,
		AnnualizedReturnPct:  totalReturn * 12,
		SharpeRatio:          calculateSharpeRatio(equityReturns(equity)),
		MaxDrawdownPct:       calculateMaxDrawdown(drawdown),
		WinRatePct:           calculateWinRate(trades),
		ProfitFactor:         calculateProfitFactor(trades),
		TotalTrades:          len(trades),
		AvgTradeDurationDays: calculateAvgDuration(trades),
	}
}

// equityReturns 相邻权益点之间的收益率
func equityReturns(equity []EquityPoint) []float64 {
	values := make([]float64, len(equity))
	for i, p := range equity {
		values[i] = p.CapitalValue
	}
	return indicators.Returns(values)
}

// calculateTotalReturn 计算总收益率
func calculateTotalReturn(equity []EquityPoint, initialCapital float64) float64 {
	if len(equity) == 0 || initialCapital == 0 {
		return 0
	}

	finalCapital := equity[len(equity)-1].CapitalValue
	return (finalCapital - initialCapital) / initialCapital * 100
}

// calculateSharpeRatio 计算夏普比率（无风险利率为 0，不年化）
func calculateSharpeRatio(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	stdDev := indicators.PopulationStdDev(returns)
	if stdDev == 0 {
		return 0
	}
	return indicators.Mean(returns) / stdDev
}

// calculateMaxDrawdown 最小（最负）的回撤值
func calculateMaxDrawdown(drawdown []DrawdownPoint) float64 {
	maxDrawdown := 0.0
	for _, p := range drawdown {
		if p.DrawdownPct < maxDrawdown {
			maxDrawdown = p.DrawdownPct
		}
	}
	return maxDrawdown
}

// calculateWinRate 计算胜率
func calculateWinRate(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}

	winCount := 0
	for _, trade := range trades {
		if trade.PnL > 0 {
			winCount++
		}
	}
	return float64(winCount) / float64(len(trades)) * 100
}

// calculateProfitFactor 计算利润因子（总盈利 / 总亏损）
func calculateProfitFactor(trades []Trade) float64 {
	totalProfit := 0.0
	totalLoss := 0.0

	for _, trade := range trades {
		if trade.PnL > 0 {
			totalProfit += trade.PnL
		} else if trade.PnL < 0 {
			totalLoss += math.Abs(trade.PnL)
		}
	}

	if totalLoss == 0 {
		return 0
	}
	return totalProfit / totalLoss
}

// calculateAvgDuration 平均持仓天数
func calculateAvgDuration(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}

	total := 0.0
	for _, trade := range trades {
		total += trade.ExitDate.Sub(trade.EntryDate).Hours() / 24
	}
	return total / float64(len(trades))
}

// CalculateTradeStatistics 计算盈亏分布与连续性统计，trades 按时间顺序传入
func CalculateTradeStatistics(trades []Trade) TradeStatistics {
	var stats TradeStatistics
	currentWins, currentLosses := 0, 0

	for _, trade := range trades {
		stats.TotalFees += trade.Fee
		if trade.Action == strategy.SignalSell {
			stats.ShortTrades++
		} else {
			stats.LongTrades++
		}

		switch {
		case trade.PnL > 0:
			stats.WinningTrades++
			stats.GrossProfit += trade.PnL
			stats.LargestWin = math.Max(stats.LargestWin, trade.PnL)
			currentWins++
			currentLosses = 0
		case trade.PnL < 0:
			loss := math.Abs(trade.PnL)
			stats.LosingTrades++
			stats.GrossLoss += loss
			stats.LargestLoss = math.Max(stats.LargestLoss, loss)
			currentLosses++
			currentWins = 0
		default:
			currentWins, currentLosses = 0, 0
		}

		if currentWins > stats.MaxConsecutiveWins {
			stats.MaxConsecutiveWins = currentWins
		}
		if currentLosses > stats.MaxConsecutiveLosses {
			stats.MaxConsecutiveLosses = currentLosses
		}
	}

	if stats.WinningTrades > 0 {
		stats.AvgWin = stats.GrossProfit / float64(stats.WinningTrades)
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = stats.GrossLoss / float64(stats.LosingTrades)
	}
	return stats
}
