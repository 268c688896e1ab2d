package strategy

import (
	"fmt"

	"quantbench/exchange"
	"quantbench/indicators"
)

const (
	defaultMomentumLookback  = 20
	defaultMomentumThreshold = 0.02
)

func momentumLookback(p Parameters) int {
	return p.Int("lookbackPeriod", defaultMomentumLookback)
}

// evaluateMomentum 动量策略：最近一期收益率偏离窗口平均收益率超过阈值
func evaluateMomentum(window []exchange.Candle, p Parameters) Signal {
	lookback := MinLookback(p)
	if len(window) < lookback {
		return SignalNone
	}

	returns := indicators.Returns(indicators.ClosePrices(tail(window, lookback)))
	if len(returns) == 0 {
		return SignalNone
	}

	threshold := p.Float("threshold", defaultMomentumThreshold)
	avgReturn := indicators.Mean(returns)
	currentReturn := returns[len(returns)-1]

	switch {
	case currentReturn > avgReturn+threshold:
		return SignalBuy
	case currentReturn < avgReturn-threshold:
		return SignalSell
	}
	return SignalNone
}

func validateMomentum(p Parameters) error {
	if err := validatePeriod(p, "lookbackPeriod"); err != nil {
		return err
	}
	if t := p.Float("threshold", defaultMomentumThreshold); t < 0 {
		return &ParamError{Param: "threshold", Reason: fmt.Sprintf("不能为负数, 实际 %v", t)}
	}
	return nil
}
