package metrics

import (
	"testing"
	"time"
)

func TestMetricsCollectorSnapshot(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RunStarted()
	mc.RunStarted()
	mc.RunStarted()
	if got := mc.GetMetrics().ActiveRuns; got != 3 {
		t.Fatalf("进行中回测数 = %d, 期望 3", got)
	}

	mc.RunFinished("momentum", "Complete", time.Second, 4, 10)
	mc.RunFinished("momentum", "Complete", time.Second, 2, 20)
	mc.RunFinished("breakout", "Failed", time.Millisecond, 0, 0)

	m := mc.GetMetrics()
	if m.ActiveRuns != 0 {
		t.Errorf("全部结束后进行中回测数应为 0, 实际 %d", m.ActiveRuns)
	}
	if m.RunsCompleted != 2 || m.RunsFailed != 1 {
		t.Errorf("完成/失败计数错误: %+v", m)
	}
	if m.TotalTrades != 6 {
		t.Errorf("交易总数 = %d, 期望 6", m.TotalTrades)
	}
	if m.AverageReturn != 15 {
		t.Errorf("平均收益 = %v, 期望 15", m.AverageReturn)
	}
}

func TestActiveRunsNeverNegative(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RunFinished("custom", "Cancelled", 0, 0, 0)
	m := mc.GetMetrics()
	if m.ActiveRuns != 0 || m.RunsCancelled != 1 {
		t.Errorf("快照错误: %+v", m)
	}
}
