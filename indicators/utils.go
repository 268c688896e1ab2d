// Package indicators 策略与绩效分析共用的基础统计工具
package indicators

import (
	"math"

	"quantbench/exchange"
)

// ========== 基础计算工具 ==========

// SMA 简单移动平均
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	result := make([]float64, len(values)-period+1)
	sum := 0.0

	for i := 0; i < period; i++ {
		sum += values[i]
	}
	result[0] = sum / float64(period)

	// 滑动计算后续 SMA
	for i := period; i < len(values); i++ {
		sum = sum - values[i-period] + values[i]
		result[i-period+1] = sum / float64(period)
	}

	return result
}

// LastSMA 最后 period 个值的均值；不足 period 时取全部
func LastSMA(values []float64, period int) float64 {
	if period <= 0 || period > len(values) {
		period = len(values)
	}
	return Mean(values[len(values)-period:])
}

// Mean 平均值
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PopulationStdDev 总体标准差
func PopulationStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(values)))
}

// Returns 单期收益率序列 (v[i]-v[i-1])/v[i-1]；前值为 0 时该期记为 0
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}

	result := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] != 0 {
			result[i-1] = (values[i] - values[i-1]) / values[i-1]
		}
	}
	return result
}

// Max 最大值
func Max(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Min 最小值
func Min(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// ========== K线提取 ==========

// ClosePrices 提取收盘价序列
func ClosePrices(candles []exchange.Candle) []float64 {
	result := make([]float64, len(candles))
	for i, c := range candles {
		result[i] = c.Close
	}
	return result
}

// Volumes 提取成交量序列
func Volumes(candles []exchange.Candle) []float64 {
	result := make([]float64, len(candles))
	for i, c := range candles {
		result[i] = c.Volume
	}
	return result
}

// HighestHigh 窗口内最高价
func HighestHigh(candles []exchange.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	high := candles[0].High
	for _, c := range candles[1:] {
		if c.High > high {
			high = c.High
		}
	}
	return high
}

// LowestLow 窗口内最低价
func LowestLow(candles []exchange.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	low := candles[0].Low
	for _, c := range candles[1:] {
		if c.Low < low {
			low = c.Low
		}
	}
	return low
}
