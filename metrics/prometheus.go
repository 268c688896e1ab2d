package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once
	// 回测运行指标
	runTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantbench_backtest_runs_total",
			Help: "Total number of backtest runs by terminal state",
		},
		[]string{"state", "strategy"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantbench_backtest_run_duration_seconds",
			Help:    "Backtest run duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"strategy"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantbench_backtest_active_runs",
			Help: "Number of backtest runs currently in progress",
		},
	)

	// 交易指标
	tradeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantbench_backtest_trades_total",
			Help: "Total number of simulated trades",
		},
		[]string{"symbol", "action"},
	)

	lastReturnPct = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantbench_backtest_last_total_return_pct",
			Help: "Total return percent of the last completed run per strategy",
		},
		[]string{"strategy"},
	)

	// 数据指标
	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantbench_data_fetch_duration_seconds",
			Help:    "Historical data fetch duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
		[]string{"provider", "status"},
	)

	cacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantbench_candle_cache_requests_total",
			Help: "Candle cache lookups by result",
		},
		[]string{"backend", "result"}, // result: hit, miss, error
	)

	// 分布式锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantbench_lock_acquire_total",
			Help: "Total number of run lock acquisitions",
		},
		[]string{"status"}, // status: success, conflict, error
	)

	// 通知指标
	notificationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantbench_notification_total",
			Help: "Total number of notifications sent",
		},
		[]string{"channel", "status"},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

var instance *PrometheusMetrics

// GetPrometheusMetrics 获取全局实例
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{}
	})
	return instance
}

// RecordRunFinished 记录回测结束
func (pm *PrometheusMetrics) RecordRunFinished(strategy, state string, duration time.Duration) {
	runTotal.WithLabelValues(state, strategy).Inc()
	runDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// SetActiveRuns 设置进行中的回测数
func (pm *PrometheusMetrics) SetActiveRuns(count int) {
	activeRuns.Set(float64(count))
}

// RecordTrades 记录模拟成交
func (pm *PrometheusMetrics) RecordTrades(symbol, action string, count int) {
	if count <= 0 {
		return
	}
	tradeTotal.WithLabelValues(symbol, action).Add(float64(count))
}

// SetLastReturn 记录最近一次回测收益
func (pm *PrometheusMetrics) SetLastReturn(strategy string, pct float64) {
	lastReturnPct.WithLabelValues(strategy).Set(pct)
}

// ObserveFetch 记录数据拉取耗时
func (pm *PrometheusMetrics) ObserveFetch(provider string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	fetchDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordCacheRequest 记录缓存命中情况
func (pm *PrometheusMetrics) RecordCacheRequest(backend, result string) {
	cacheRequests.WithLabelValues(backend, result).Inc()
}

// RecordLockAcquire 记录锁获取结果
func (pm *PrometheusMetrics) RecordLockAcquire(status string) {
	lockAcquireTotal.WithLabelValues(status).Inc()
}

// RecordNotification 记录通知发送结果
func (pm *PrometheusMetrics) RecordNotification(channel string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	notificationTotal.WithLabelValues(channel, status).Inc()
}
