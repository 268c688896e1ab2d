package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"quantbench/backtest"
	"quantbench/database"
)

// runRecorder 把结束的回测写入数据库
type runRecorder struct {
	db database.Database
}

func newRunRecorder(db database.Database) *runRecorder {
	return &runRecorder{db: db}
}

// RecordRun 实现 backtest.RunRecorder
func (r *runRecorder) RecordRun(ctx context.Context, snap backtest.RunSnapshot) error {
	record, trades, err := toRecords(snap)
	if err != nil {
		return err
	}
	if err := r.db.SaveRun(ctx, record, trades); err != nil {
		return fmt.Errorf("保存回测记录失败: %w", err)
	}
	return nil
}

func toRecords(snap backtest.RunSnapshot) (*database.RunRecord, []*database.TradeRecord, error) {
	reqJSON, err := json.Marshal(snap.Request)
	if err != nil {
		return nil, nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	record := &database.RunRecord{
		RunID:          snap.ID,
		Symbols:        strings.Join(snap.Request.Symbols, ","),
		StrategyKind:   string(snap.Request.Strategy.Kind),
		State:          string(snap.State),
		ErrorKind:      string(snap.ErrorKind),
		Error:          snap.Error,
		InitialCapital: snap.Request.InitialCapital,
		FinalCapital:   snap.Request.InitialCapital,
		Request:        string(reqJSON),
		StartedAt:      snap.CreatedAt,
		FinishedAt:     snap.FinishedAt,
	}
	if snap.StartedAt != nil {
		record.StartedAt = *snap.StartedAt
	}

	if snap.Result == nil {
		return record, nil, nil
	}

	resultJSON, err := json.Marshal(snap.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("序列化结果失败: %w", err)
	}
	m := snap.Result.Metrics
	record.Result = string(resultJSON)
	record.TotalReturnPct = m.TotalReturnPct
	record.SharpeRatio = m.SharpeRatio
	record.MaxDrawdownPct = m.MaxDrawdownPct
	record.WinRatePct = m.WinRatePct
	record.TotalTrades = m.TotalTrades
	record.FinalCapital = snap.Request.InitialCapital * (1 + m.TotalReturnPct/100)

	trades := make([]*database.TradeRecord, 0, len(snap.Result.Trades))
	for _, t := range snap.Result.Trades {
		trades = append(trades, &database.TradeRecord{
			RunID:      snap.ID,
			Symbol:     t.Symbol,
			Action:     string(t.Action),
			EntryDate:  t.EntryDate,
			EntryPrice: t.EntryPrice,
			ExitDate:   t.ExitDate,
			ExitPrice:  t.ExitPrice,
			Quantity:   t.Quantity,
			Fee:        t.Fee,
			PnL:        t.PnL,
			ReturnPct:  t.ReturnPct,
		})
	}
	return record, trades, nil
}
