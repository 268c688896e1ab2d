package strategy

import (
	"fmt"

	"quantbench/exchange"
)

// customLeg 组合策略的一条子策略
type customLeg struct {
	kind      Kind
	weightKey string
}

var customLegs = []customLeg{
	{KindMomentum, "momentumWeight"},
	{KindMeanReversion, "meanReversionWeight"},
	{KindBreakout, "breakoutWeight"},
}

// legParams 子策略使用同一份参数表
func legParams(p Parameters, kind Kind) Parameters {
	return Parameters{Kind: kind, Values: p.Values}
}

func customLookback(p Parameters) int {
	n := 0
	for _, leg := range customLegs {
		if p.Float(leg.weightKey, 1) <= 0 {
			continue
		}
		if l := MinLookback(legParams(p, leg.kind)); l > n {
			n = l
		}
	}
	return n
}

// reachesScore 未配置 minScore 时需要超过总权重的一半
func reachesScore(score float64, p Parameters) bool {
	if v, ok := p.Values["minScore"]; ok {
		return score >= v
	}
	total := 0.0
	for _, leg := range customLegs {
		if w := p.Float(leg.weightKey, 1); w > 0 {
			total += w
		}
	}
	return score*2 > total
}

// evaluateCustom 加权投票：某一方向得分达到 minScore 且严格高于反方向
func evaluateCustom(window []exchange.Candle, p Parameters) Signal {
	if len(window) < MinLookback(p) {
		return SignalNone
	}

	var buyScore, sellScore float64
	for _, leg := range customLegs {
		w := p.Float(leg.weightKey, 1)
		if w <= 0 {
			continue
		}
		switch Evaluate(window, legParams(p, leg.kind)) {
		case SignalBuy:
			buyScore += w
		case SignalSell:
			sellScore += w
		}
	}

	switch {
	case buyScore > sellScore && reachesScore(buyScore, p):
		return SignalBuy
	case sellScore > buyScore && reachesScore(sellScore, p):
		return SignalSell
	}
	return SignalNone
}

func validateCustom(p Parameters) error {
	enabled := 0
	for _, leg := range customLegs {
		w := p.Float(leg.weightKey, 1)
		if w < 0 {
			return &ParamError{Param: leg.weightKey, Reason: fmt.Sprintf("不能为负数, 实际 %v", w)}
		}
		if w == 0 {
			continue
		}
		enabled++
		if err := Validate(legParams(p, leg.kind)); err != nil {
			return err
		}
	}
	if enabled == 0 {
		return &ParamError{Param: "momentumWeight", Reason: "至少需要启用一个子策略"}
	}
	if v, ok := p.Values["minScore"]; ok && v <= 0 {
		return &ParamError{Param: "minScore", Reason: fmt.Sprintf("必须大于 0, 实际 %v", v)}
	}
	return nil
}
