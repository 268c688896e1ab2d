package strategy

import (
	"fmt"
	"math"

	"quantbench/exchange"
	"quantbench/indicators"
)

const (
	defaultShortPeriod         = 10
	defaultLongPeriod          = 20
	defaultOversoldThreshold   = -0.05
	defaultOverboughtThreshold = 0.05
)

func meanReversionLookback(p Parameters) int {
	short := p.Int("shortPeriod", defaultShortPeriod)
	long := p.Int("longPeriod", defaultLongPeriod)
	if short > long {
		return short
	}
	return long
}

// reversionBands 超卖/超买阈值；只给出 threshold t 时取 -|t| / +|t|
func reversionBands(p Parameters) (oversold, overbought float64) {
	oversold, overbought = defaultOversoldThreshold, defaultOverboughtThreshold
	if t, ok := p.Values["threshold"]; ok {
		oversold, overbought = -math.Abs(t), math.Abs(t)
	}
	oversold = p.Float("oversoldThreshold", oversold)
	overbought = p.Float("overboughtThreshold", overbought)
	return oversold, overbought
}

// evaluateMeanReversion 均值回归：收盘价相对长期均线的偏离
func evaluateMeanReversion(window []exchange.Candle, p Parameters) Signal {
	if len(window) < MinLookback(p) {
		return SignalNone
	}

	closes := indicators.ClosePrices(window)
	longMA := indicators.LastSMA(closes, p.Int("longPeriod", defaultLongPeriod))
	if longMA == 0 {
		return SignalNone
	}

	oversold, overbought := reversionBands(p)
	deviation := (closes[len(closes)-1] - longMA) / longMA

	switch {
	case deviation < oversold:
		return SignalBuy
	case deviation > overbought:
		return SignalSell
	}
	return SignalNone
}

func validateMeanReversion(p Parameters) error {
	for _, key := range []string{"shortPeriod", "longPeriod"} {
		if err := validatePeriod(p, key); err != nil {
			return err
		}
	}
	oversold, overbought := reversionBands(p)
	if oversold >= overbought {
		return &ParamError{
			Param:  "oversoldThreshold",
			Reason: fmt.Sprintf("必须小于 overboughtThreshold (%v >= %v)", oversold, overbought),
		}
	}
	return nil
}
