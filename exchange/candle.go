package exchange

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Candle 一根 OHLCV K线
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// DateRange 闭区间 [Start, End]
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// dateLayout 只有日期时按 UTC 零点解析
const dateLayout = "2006-01-02"

// UnmarshalJSON 同时接受 RFC 3339 时间戳和 2006-01-02 日期
func (r *DateRange) UnmarshalJSON(data []byte) error {
	var raw struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("解析时间范围失败: %w", err)
	}
	start, err := parseDate(raw.Start)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := parseDate(raw.End)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	r.Start, r.End = start, end
	return nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("无法识别的时间格式 %q", s)
	}
	return t, nil
}

// Validate 校验时间范围
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("开始时间和结束时间不能为空")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("结束时间必须晚于开始时间")
	}
	return nil
}

// Contains 判断时间点是否落在范围内（零值范围视为不限）
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Series 单个交易对、单个时间范围内按时间升序排列的K线序列。
// 构造后不再修改；Window 返回的切片只读。
type Series struct {
	symbol  string
	candles []Candle
}

// NewSeries 创建K线序列：过滤到时间范围内、按时间升序排序，
// 同一时间戳只保留最后出现的一根
func NewSeries(symbol string, candles []Candle, r DateRange) Series {
	filtered := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if r.Contains(c.Timestamp) {
			filtered = append(filtered, c)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	deduped := filtered[:0]
	for _, c := range filtered {
		if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(c.Timestamp) {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}

	return Series{symbol: symbol, candles: deduped}
}

// Symbol 交易对
func (s Series) Symbol() string {
	return s.symbol
}

// Len K线数量
func (s Series) Len() int {
	return len(s.candles)
}

// At 第 i 根K线
func (s Series) At(i int) Candle {
	return s.candles[i]
}

// Window 返回 [from, to) 区间的K线
func (s Series) Window(from, to int) []Candle {
	return s.candles[from:to:to]
}

// Candles 返回全部K线的副本
func (s Series) Candles() []Candle {
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Start 第一根K线时间，空序列返回零值
func (s Series) Start() time.Time {
	if len(s.candles) == 0 {
		return time.Time{}
	}
	return s.candles[0].Timestamp
}

// End 最后一根K线时间，空序列返回零值
func (s Series) End() time.Time {
	if len(s.candles) == 0 {
		return time.Time{}
	}
	return s.candles[len(s.candles)-1].Timestamp
}
