package exchange

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume", "symbol"}

// ReadCandlesCSV 读取 CSV（首行为表头，时间戳为 Unix 毫秒）
func ReadCandlesCSV(r io.Reader) ([]Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	if len(records) < 2 {
		return nil, fmt.Errorf("文件为空或格式错误")
	}

	candles := make([]Candle, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		candle, err := parseCSVRecord(records[i])
		if err != nil {
			return nil, fmt.Errorf("解析第 %d 行失败: %w", i, err)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// WriteCandlesCSV 写出 CSV（含表头）
func WriteCandlesCSV(w io.Writer, symbol string, candles []Candle) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}

	for _, c := range candles {
		record := []string{
			strconv.FormatInt(c.Timestamp.UnixMilli(), 10),
			strconv.FormatFloat(c.Open, 'f', 8, 64),
			strconv.FormatFloat(c.High, 'f', 8, 64),
			strconv.FormatFloat(c.Low, 'f', 8, 64),
			strconv.FormatFloat(c.Close, 'f', 8, 64),
			strconv.FormatFloat(c.Volume, 'f', 8, 64),
			symbol,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入数据失败: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// parseCSVRecord 解析一行记录，symbol 列可省略
func parseCSVRecord(record []string) (Candle, error) {
	if len(record) != 6 && len(record) != 7 {
		return Candle{}, fmt.Errorf("记录字段数量错误: 期望6或7个，实际%d个", len(record))
	}

	ms, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("解析 timestamp 失败: %w", err)
	}

	var values [5]float64
	names := [5]string{"open", "high", "low", "close", "volume"}
	for i := range values {
		values[i], err = strconv.ParseFloat(record[i+1], 64)
		if err != nil {
			return Candle{}, fmt.Errorf("解析 %s 失败: %w", names[i], err)
		}
	}

	return Candle{
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}
