// Package strategy 回测信号策略：动量、均值回归、突破以及加权组合。
// 所有策略都是纯函数，同样的窗口和参数总是得到同样的信号。
package strategy

import (
	"fmt"
	"math"
	"strings"

	"quantbench/exchange"
)

// Kind 策略类型
type Kind string

const (
	KindMomentum      Kind = "momentum"
	KindMeanReversion Kind = "meanReversion"
	KindBreakout      Kind = "breakout"
	KindCustom        Kind = "custom"
)

// Kinds 全部策略类型
var Kinds = []Kind{KindMomentum, KindMeanReversion, KindBreakout, KindCustom}

// ParseKind 解析策略名（大小写、下划线、连字符不敏感）
func ParseKind(name string) (Kind, error) {
	normalized := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(name))
	for _, k := range Kinds {
		if strings.ToLower(string(k)) == normalized {
			return k, nil
		}
	}
	return "", &ParamError{Param: "strategy", Reason: fmt.Sprintf("未知策略: %q", name)}
}

// Signal 交易信号
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalNone Signal = "NONE"
)

// Parameters 策略配置：类型 + 数值参数表。回测开始后不可修改。
type Parameters struct {
	Kind   Kind               `json:"name" yaml:"name"`
	Values map[string]float64 `json:"parameters,omitempty" yaml:"parameters"`
}

// Clone 深拷贝
func (p Parameters) Clone() Parameters {
	values := make(map[string]float64, len(p.Values))
	for k, v := range p.Values {
		values[k] = v
	}
	return Parameters{Kind: p.Kind, Values: values}
}

// Float 读取参数，缺省时返回 def
func (p Parameters) Float(key string, def float64) float64 {
	if v, ok := p.Values[key]; ok {
		return v
	}
	return def
}

// Int 读取整数参数，缺省时返回 def
func (p Parameters) Int(key string, def int) int {
	if v, ok := p.Values[key]; ok {
		return int(v)
	}
	return def
}

// ParamError 参数校验错误
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("参数 %s 无效: %s", e.Param, e.Reason)
}

// Evaluate 根据回看窗口计算信号；窗口不足最小回看长度时返回 NONE
func Evaluate(window []exchange.Candle, p Parameters) Signal {
	switch p.Kind {
	case KindMomentum:
		return evaluateMomentum(window, p)
	case KindMeanReversion:
		return evaluateMeanReversion(window, p)
	case KindBreakout:
		return evaluateBreakout(window, p)
	case KindCustom:
		return evaluateCustom(window, p)
	}
	return SignalNone
}

// MinLookback 策略所需的最小回看长度（至少 2）
func MinLookback(p Parameters) int {
	var n int
	switch p.Kind {
	case KindMomentum:
		n = momentumLookback(p)
	case KindMeanReversion:
		n = meanReversionLookback(p)
	case KindBreakout:
		n = breakoutLookback(p)
	case KindCustom:
		n = customLookback(p)
	}
	if n < 2 {
		n = 2
	}
	return n
}

// Validate 校验策略参数
func Validate(p Parameters) error {
	for key, v := range p.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ParamError{Param: key, Reason: "必须是有限数值"}
		}
	}

	switch p.Kind {
	case KindMomentum:
		return validateMomentum(p)
	case KindMeanReversion:
		return validateMeanReversion(p)
	case KindBreakout:
		return validateBreakout(p)
	case KindCustom:
		return validateCustom(p)
	}
	return &ParamError{Param: "strategy", Reason: fmt.Sprintf("未知策略: %q", p.Kind)}
}

// validatePeriod 周期参数必须是正整数
func validatePeriod(p Parameters, key string) error {
	v, ok := p.Values[key]
	if !ok {
		return nil
	}
	if v < 1 || v != math.Trunc(v) {
		return &ParamError{Param: key, Reason: fmt.Sprintf("必须是正整数, 实际 %v", v)}
	}
	return nil
}

// tail 取窗口最后 n 根
func tail(window []exchange.Candle, n int) []exchange.Candle {
	if n >= len(window) {
		return window
	}
	return window[len(window)-n:]
}
