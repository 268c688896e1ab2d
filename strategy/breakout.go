package strategy

import (
	"fmt"

	"quantbench/exchange"
	"quantbench/indicators"
)

const defaultBreakoutPeriod = 20

// 接近极值 2% 以内即视为突破
const (
	breakoutHighBand = 0.98
	breakoutLowBand  = 1.02
)

func breakoutLookback(p Parameters) int {
	return p.Int("breakoutPeriod", defaultBreakoutPeriod)
}

// evaluateBreakout 突破策略：收盘价接近窗口最高/最低价；
// volumeThreshold > 0 时还要求最后一根成交量不低于均量的该倍数
func evaluateBreakout(window []exchange.Candle, p Parameters) Signal {
	lookback := MinLookback(p)
	if len(window) < lookback {
		return SignalNone
	}
	window = tail(window, lookback)

	last := window[len(window)-1]
	windowHigh := indicators.HighestHigh(window)
	windowLow := indicators.LowestLow(window)

	signal := SignalNone
	switch {
	case last.Close > windowHigh*breakoutHighBand:
		signal = SignalBuy
	case last.Close < windowLow*breakoutLowBand:
		signal = SignalSell
	}

	if signal != SignalNone {
		if vt := p.Float("volumeThreshold", 0); vt > 0 {
			avgVolume := indicators.Mean(indicators.Volumes(window))
			if last.Volume < vt*avgVolume {
				return SignalNone
			}
		}
	}
	return signal
}

func validateBreakout(p Parameters) error {
	if err := validatePeriod(p, "breakoutPeriod"); err != nil {
		return err
	}
	if vt := p.Float("volumeThreshold", 0); vt < 0 {
		return &ParamError{Param: "volumeThreshold", Reason: fmt.Sprintf("不能为负数, 实际 %v", vt)}
	}
	return nil
}
