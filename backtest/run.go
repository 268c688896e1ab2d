package backtest

import (
	"strings"
	"sync"
	"time"

	"quantbench/event"
)

// State 回测运行状态
type State string

const (
	StateIdle         State = "Idle"
	StateFetchingData State = "FetchingData"
	StateSimulating   State = "Simulating"
	StateAggregating  State = "Aggregating"
	StateComplete     State = "Complete"
	StateFailed       State = "Failed"
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// 合法的状态迁移；任何非终态都可以进入 Failed
var transitions = map[State][]State{
	StateIdle:         {StateFetchingData},
	StateFetchingData: {StateSimulating},
	StateSimulating:   {StateAggregating},
	StateAggregating:  {StateComplete},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SymbolResult 单个交易对的汇总
type SymbolResult struct {
	Symbol         string             `json:"symbol"`
	Candles        int                `json:"candles"`
	InitialCapital float64            `json:"initialCapital"`
	FinalCapital   float64            `json:"finalCapital"`
	Trades         int                `json:"trades"`
	Metrics        PerformanceMetrics `json:"metrics"`
	Equity         []EquityPoint      `json:"equity"`
	Drawdown       []DrawdownPoint    `json:"drawdown"`
}

// Result 回测结果，完成后不可变
type Result struct {
	Trades      []Trade            `json:"trades"`
	Equity      []EquityPoint      `json:"equity"`
	Drawdown    []DrawdownPoint    `json:"drawdown"`
	Metrics     PerformanceMetrics `json:"metrics"`
	PerSymbol   []SymbolResult     `json:"perSymbol"`
	TradeStats  TradeStatistics    `json:"tradeStats"`
	RiskMetrics RiskMetrics        `json:"riskMetrics"`
}

// Clone 深拷贝
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Trades = append([]Trade(nil), r.Trades...)
	out.Equity = append([]EquityPoint(nil), r.Equity...)
	out.Drawdown = append([]DrawdownPoint(nil), r.Drawdown...)
	out.PerSymbol = make([]SymbolResult, len(r.PerSymbol))
	for i, sr := range r.PerSymbol {
		sr.Equity = append([]EquityPoint(nil), sr.Equity...)
		sr.Drawdown = append([]DrawdownPoint(nil), sr.Drawdown...)
		out.PerSymbol[i] = sr
	}
	return &out
}

// Run 一次回测运行：持有请求、状态、进度与最终结果
type Run struct {
	id        string
	request   Request
	publisher event.Publisher

	mu         sync.RWMutex
	state      State
	progress   float64
	err        error
	result     *Result
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

// NewRun 创建运行，请求会被规范化；publisher 可为 nil
func NewRun(id string, req Request, publisher event.Publisher) *Run {
	return &Run{
		id:        id,
		request:   req.Normalize(),
		publisher: publisher,
		state:     StateIdle,
		createdAt: time.Now(),
	}
}

func (r *Run) ID() string {
	return r.id
}

// Request 返回规范化后的请求副本
func (r *Run) Request() Request {
	out := r.request
	out.Symbols = append([]string(nil), r.request.Symbols...)
	out.Strategy = r.request.Strategy.Clone()
	return out
}

func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Progress 当前进度 0-100，单调不减
func (r *Run) Progress() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress
}

func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Result 完成后返回结果副本，否则为 nil
func (r *Run) Result() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result.Clone()
}

// RunSnapshot 运行状态快照
type RunSnapshot struct {
	ID         string     `json:"id"`
	State      State      `json:"state"`
	Progress   float64    `json:"progress"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  ErrorKind  `json:"errorKind,omitempty"`
	Request    Request    `json:"request"`
	Result     *Result    `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Snapshot 获取快照，includeResult 为 false 时不带结果
func (r *Run) Snapshot(includeResult bool) RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RunSnapshot{
		ID:        r.id,
		State:     r.state,
		Progress:  r.progress,
		Request:   r.request,
		CreatedAt: r.createdAt,
	}
	if r.err != nil {
		snap.Error = r.err.Error()
		snap.ErrorKind = ErrorKindOf(r.err)
	}
	if includeResult {
		snap.Result = r.result.Clone()
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		snap.StartedAt = &t
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// Duration 运行耗时，未结束时按当前时间计算
func (r *Run) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.startedAt.IsZero() {
		return 0
	}
	if r.finishedAt.IsZero() {
		return time.Since(r.startedAt)
	}
	return r.finishedAt.Sub(r.startedAt)
}

// transition 状态迁移，非法迁移返回 false
func (r *Run) transition(to State) bool {
	r.mu.Lock()
	from := r.state
	if !canTransition(from, to) {
		r.mu.Unlock()
		return false
	}
	r.state = to
	now := time.Now()
	if from == StateIdle {
		r.startedAt = now
	}
	if to.Terminal() {
		r.finishedAt = now
	}
	r.mu.Unlock()

	r.publish(event.EventTypeRunStateChanged, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	return true
}

// setProgress 只前进不后退
func (r *Run) setProgress(p float64) {
	if p > 100 {
		p = 100
	}
	r.mu.Lock()
	if p <= r.progress {
		r.mu.Unlock()
		return
	}
	r.progress = p
	r.mu.Unlock()

	r.publish(event.EventTypeRunProgress, map[string]interface{}{
		"progress": p,
	})
}

func (r *Run) complete(result *Result) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.result = result
	r.mu.Unlock()

	r.setProgress(100)
	if !r.transition(StateComplete) {
		return
	}
	r.publish(event.EventTypeRunCompleted, map[string]interface{}{
		"symbols":          strings.Join(r.request.Symbols, ","),
		"strategy":         string(r.request.Strategy.Kind),
		"total_trades":     result.Metrics.TotalTrades,
		"total_return_pct": result.Metrics.TotalReturnPct,
		"max_drawdown_pct": result.Metrics.MaxDrawdownPct,
	})
}

func (r *Run) fail(err error) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.err = err
	r.mu.Unlock()

	if !r.transition(StateFailed) {
		return
	}
	eventType := event.EventTypeRunFailed
	if ErrorKindOf(err) == KindCancelled {
		eventType = event.EventTypeRunCancelled
	}
	r.publish(eventType, map[string]interface{}{
		"symbols":    strings.Join(r.request.Symbols, ","),
		"strategy":   string(r.request.Strategy.Kind),
		"error":      err.Error(),
		"error_kind": string(ErrorKindOf(err)),
	})
}

func (r *Run) publish(t event.EventType, data map[string]interface{}) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(&event.Event{Type: t, RunID: r.id, Data: data})
}
