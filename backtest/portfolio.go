package backtest

import (
	"sort"
	"time"
)

// sharedCurves 共享资金模式：按平仓时间重放所有交易，重建组合权益与回撤
func sharedCurves(initialCapital float64, start time.Time, trades []Trade) ([]EquityPoint, []DrawdownPoint) {
	byExit := append([]Trade(nil), trades...)
	sort.SliceStable(byExit, func(i, j int) bool {
		return byExit[i].ExitDate.Before(byExit[j].ExitDate)
	})

	capital := initialCapital
	peak := capital
	equity := make([]EquityPoint, 0, len(byExit)+1)
	equity = append(equity, EquityPoint{Date: start, CapitalValue: capital})
	drawdown := make([]DrawdownPoint, 0, len(byExit))

	for _, t := range byExit {
		capital += t.PnL
		if capital > peak {
			peak = capital
		}
		equity = append(equity, EquityPoint{Date: t.ExitDate, CapitalValue: capital})
		drawdown = append(drawdown, DrawdownPoint{Date: t.ExitDate, DrawdownPct: drawdownPct(capital, peak)})
	}
	return equity, drawdown
}

// allocateCapital 每个交易对分得的初始资金
func allocateCapital(mode PortfolioMode, initialCapital float64, symbols int) float64 {
	if mode == PortfolioShared && symbols > 0 {
		return initialCapital / float64(symbols)
	}
	return initialCapital
}
