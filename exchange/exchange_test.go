package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestNewSeriesSortsFiltersAndDeduplicates(t *testing.T) {
	candles := []Candle{
		{Timestamp: day(3), Close: 3},
		{Timestamp: day(1), Close: 1},
		{Timestamp: day(2), Close: 2},
		{Timestamp: day(2), Close: 22},
		{Timestamp: day(10), Close: 10},
	}

	s := NewSeries("BTCUSDT", candles, DateRange{Start: day(1), End: day(5)})

	if s.Len() != 3 {
		t.Fatalf("期望 3 根K线, 实际 %d", s.Len())
	}
	want := []float64{1, 22, 3}
	for i, w := range want {
		if s.At(i).Close != w {
			t.Errorf("第 %d 根收盘价 = %v, 期望 %v", i, s.At(i).Close, w)
		}
	}
	if !s.Start().Equal(day(1)) || !s.End().Equal(day(3)) {
		t.Errorf("起止时间错误: %v ~ %v", s.Start(), s.End())
	}
	if s.Symbol() != "BTCUSDT" {
		t.Errorf("交易对错误: %s", s.Symbol())
	}
}

func TestEmptySeries(t *testing.T) {
	s := NewSeries("X", nil, DateRange{})
	if s.Len() != 0 || !s.Start().IsZero() || !s.End().IsZero() {
		t.Fatalf("空序列状态错误: len=%d start=%v", s.Len(), s.Start())
	}
}

func TestDateRangeValidate(t *testing.T) {
	if err := (DateRange{Start: day(2), End: day(1)}).Validate(); err == nil {
		t.Error("结束早于开始应当报错")
	}
	if err := (DateRange{}).Validate(); err == nil {
		t.Error("空范围应当报错")
	}
	if err := (DateRange{Start: day(1), End: day(1)}).Validate(); err != nil {
		t.Errorf("同一天应当合法: %v", err)
	}
}

func TestDateRangeUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		start   time.Time
		end     time.Time
		wantErr bool
	}{
		{"纯日期", `{"start":"2024-01-01","end":"2024-06-30"}`, day(0), time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), false},
		{"RFC3339", `{"start":"2024-01-01T00:00:00Z","end":"2024-01-03T08:00:00+08:00"}`, day(0), day(2), false},
		{"缺省结束", `{"start":"2024-01-02"}`, day(1), time.Time{}, false},
		{"无效格式", `{"start":"01/02/2024","end":"2024-06-30"}`, time.Time{}, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r DateRange
			err := json.Unmarshal([]byte(tt.input), &r)
			if tt.wantErr {
				if err == nil {
					t.Fatal("期望解析失败")
				}
				return
			}
			if err != nil {
				t.Fatalf("解析失败: %v", err)
			}
			if !r.Start.Equal(tt.start) || !r.End.Equal(tt.end) {
				t.Errorf("解析结果 = %v ~ %v, 期望 %v ~ %v", r.Start, r.End, tt.start, tt.end)
			}
		})
	}
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string][]Candle{
		"ETHUSDT": {{Timestamp: day(1), Close: 1}, {Timestamp: day(5), Close: 5}},
	})

	got, err := p.FetchCandles(context.Background(), "ethusdt", "1d", day(0), day(2))
	if err != nil {
		t.Fatalf("获取失败: %v", err)
	}
	if len(got) != 1 || got[0].Close != 1 {
		t.Errorf("过滤结果错误: %+v", got)
	}

	if _, err := p.FetchCandles(context.Background(), "ETHUSDT", "1d", day(6), day(9)); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("空范围应返回 ErrDataUnavailable, 实际 %v", err)
	}
	if _, err := p.FetchCandles(context.Background(), "DOGE", "1d", day(0), day(9)); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("未知交易对应返回 ErrDataUnavailable, 实际 %v", err)
	}
}

func TestCSVRoundTripAndDirProvider(t *testing.T) {
	dir := t.TempDir()
	candles := []Candle{
		{Timestamp: day(1), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{Timestamp: day(2), Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 200},
	}

	var buf bytes.Buffer
	if err := WriteCandlesCSV(&buf, "SOLUSDT", candles); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SOLUSDT.csv"), buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	p := NewCSVDirProvider(dir)
	got, err := p.FetchCandles(context.Background(), "solusdt", "1d", day(0), day(3))
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(got) != 2 || got[1].Close != 2 || !got[1].Timestamp.Equal(day(2)) {
		t.Errorf("读取结果错误: %+v", got)
	}

	if _, err := p.FetchCandles(context.Background(), "MISSING", "1d", day(0), day(3)); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("缺失文件应返回 ErrDataUnavailable, 实际 %v", err)
	}
}
