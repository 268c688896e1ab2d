package metrics

import (
	"sync"
	"time"
)

// Metrics 回测服务运行统计快照
type Metrics struct {
	RunsStarted    int64         `json:"runsStarted"`
	RunsCompleted  int64         `json:"runsCompleted"`
	RunsFailed     int64         `json:"runsFailed"`
	RunsCancelled  int64         `json:"runsCancelled"`
	ActiveRuns     int           `json:"activeRuns"`
	TotalTrades    int64         `json:"totalTrades"`
	LastDuration   time.Duration `json:"lastDurationNs"`
	AverageReturn  float64       `json:"averageReturnPct"`
	LastUpdate     time.Time     `json:"lastUpdate"`
	completedTotal float64
}

// MetricsCollector 指标收集器，同时维护内存快照与 Prometheus 指标
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics Metrics
	prom    *PrometheusMetrics
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: Metrics{LastUpdate: time.Now()},
		prom:    GetPrometheusMetrics(),
	}
}

// RunStarted 记录回测开始
func (mc *MetricsCollector) RunStarted() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.RunsStarted++
	mc.metrics.ActiveRuns++
	mc.metrics.LastUpdate = time.Now()
	mc.prom.SetActiveRuns(mc.metrics.ActiveRuns)
}

// RunFinished 记录回测结束，state 为终态名称
func (mc *MetricsCollector) RunFinished(strategy, state string, duration time.Duration, trades int, totalReturnPct float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.metrics.ActiveRuns > 0 {
		mc.metrics.ActiveRuns--
	}
	switch state {
	case "Complete":
		mc.metrics.RunsCompleted++
		mc.metrics.completedTotal += totalReturnPct
		mc.metrics.AverageReturn = mc.metrics.completedTotal / float64(mc.metrics.RunsCompleted)
		mc.prom.SetLastReturn(strategy, totalReturnPct)
	case "Cancelled":
		mc.metrics.RunsCancelled++
	default:
		mc.metrics.RunsFailed++
	}
	mc.metrics.TotalTrades += int64(trades)
	mc.metrics.LastDuration = duration
	mc.metrics.LastUpdate = time.Now()

	mc.prom.SetActiveRuns(mc.metrics.ActiveRuns)
	mc.prom.RecordRunFinished(strategy, state, duration)
}

// GetMetrics 获取指标快照
func (mc *MetricsCollector) GetMetrics() Metrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}
