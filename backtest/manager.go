package backtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantbench/event"
	"quantbench/lock"
	"quantbench/logger"
	"quantbench/metrics"
)

var (
	// ErrRunNotFound 回测不存在
	ErrRunNotFound = errors.New("backtest run not found")
	// ErrDuplicateRun 相同请求正在运行
	ErrDuplicateRun = errors.New("identical backtest already running")
)

// RunRecorder 回测结束后的持久化钩子
type RunRecorder interface {
	RecordRun(ctx context.Context, snapshot RunSnapshot) error
}

// ManagerConfig 管理器配置
type ManagerConfig struct {
	MaxConcurrentRuns int           // 0 表示不限制
	RunTimeout        time.Duration // 0 表示不超时
	LockTTL           time.Duration
	KeepFinished      int // 内存中保留的已结束回测数
}

type managedRun struct {
	run     *Run
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	lockKey string
}

// Manager 回测管理器：异步提交、查询、取消
type Manager struct {
	orchestrator *Orchestrator
	cfg          ManagerConfig

	publisher event.Publisher
	locker    lock.DistributedLock
	recorder  RunRecorder
	collector *metrics.MetricsCollector
	prom      *metrics.PrometheusMetrics

	mu       sync.RWMutex
	defaults RequestDefaults
	runs     map[string]*managedRun
	order    []string
	sem      chan struct{}
	wg       sync.WaitGroup
}

// ManagerOption 管理器选项
type ManagerOption func(*Manager)

func WithPublisher(p event.Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

func WithLock(l lock.DistributedLock) ManagerOption {
	return func(m *Manager) { m.locker = l }
}

func WithRecorder(r RunRecorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

func WithMetrics(c *metrics.MetricsCollector) ManagerOption {
	return func(m *Manager) { m.collector = c }
}

// NewManager 创建回测管理器
func NewManager(orchestrator *Orchestrator, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.KeepFinished <= 0 {
		cfg.KeepFinished = 100
	}

	m := &Manager{
		orchestrator: orchestrator,
		cfg:          cfg,
		runs:         make(map[string]*managedRun),
		prom:         metrics.GetPrometheusMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locker == nil {
		m.locker = lock.NewLocalLock()
	}
	if m.collector == nil {
		m.collector = metrics.NewMetricsCollector()
	}
	if cfg.MaxConcurrentRuns > 0 {
		m.sem = make(chan struct{}, cfg.MaxConcurrentRuns)
	}
	return m
}

// SetDefaults 更新请求默认值，只影响之后提交的回测
func (m *Manager) SetDefaults(d RequestDefaults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = d
}

// Submit 校验请求并异步执行，立即返回处于 Idle 状态的 Run
func (m *Manager) Submit(ctx context.Context, req Request) (*Run, error) {
	mr, err := m.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(mr)
	}()
	return mr.run, nil
}

// RunSync 同步执行，调用方 ctx 取消会取消回测
func (m *Manager) RunSync(ctx context.Context, req Request) (*Run, error) {
	mr, err := m.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, mr.cancel)
	defer stop()

	m.wg.Add(1)
	defer m.wg.Done()
	m.execute(mr)

	return mr.run, mr.run.Err()
}

func (m *Manager) prepare(ctx context.Context, req Request) (*managedRun, error) {
	m.mu.RLock()
	defaults := m.defaults
	m.mu.RUnlock()

	req = req.WithDefaults(defaults).Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key, err := requestKey(req)
	if err != nil {
		return nil, err
	}
	ok, err := m.locker.TryLock(ctx, key, m.cfg.LockTTL)
	if err != nil {
		m.prom.RecordLockAcquire("error")
		return nil, fmt.Errorf("获取回测锁失败: %w", err)
	}
	if !ok {
		m.prom.RecordLockAcquire("conflict")
		return nil, ErrDuplicateRun
	}
	m.prom.RecordLockAcquire("success")

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	if m.cfg.RunTimeout > 0 {
		runCtx, cancel = withTimeout(runCtx, cancel, m.cfg.RunTimeout)
	}

	mr := &managedRun{
		run:     NewRun(id, req, m.publisher),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		lockKey: key,
	}

	m.mu.Lock()
	m.runs[id] = mr
	m.order = append(m.order, id)
	m.mu.Unlock()

	if m.publisher != nil {
		m.publisher.Publish(&event.Event{
			Type:  event.EventTypeRunSubmitted,
			RunID: id,
			Data:  map[string]interface{}{"strategy": string(req.Strategy.Kind)},
		})
	}
	logger.Info("📝 回测已提交: %s (%s, %d 个交易对)", id, req.Strategy.Kind, len(req.Symbols))
	return mr, nil
}

func withTimeout(parent context.Context, parentCancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

func (m *Manager) execute(mr *managedRun) {
	run := mr.run
	ctx := mr.ctx
	defer close(mr.done)
	defer mr.cancel()

	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-ctx.Done():
			run.fail(cancelled("", ctx.Err()))
			m.finish(mr, nil)
			return
		}
	}

	stopKeepalive := m.keepalive(ctx, mr.lockKey)
	m.collector.RunStarted()

	result, _ := m.orchestrator.Execute(ctx, run)

	stopKeepalive()
	m.finish(mr, result)
}

// keepalive 运行期间定期续期锁
func (m *Manager) keepalive(ctx context.Context, key string) func() {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(m.cfg.LockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.locker.Extend(context.Background(), key, m.cfg.LockTTL); err != nil {
					logger.Warn("⚠️ 回测锁续期失败 %s: %v", key, err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (m *Manager) finish(mr *managedRun, result *Result) {
	run := mr.run
	req := run.request

	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := m.locker.Unlock(unlockCtx, mr.lockKey); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		logger.Warn("⚠️ 释放回测锁失败: %v", err)
	}
	cancel()

	state := string(run.State())
	trades := 0
	totalReturn := 0.0
	switch {
	case result != nil:
		trades = result.Metrics.TotalTrades
		totalReturn = result.Metrics.TotalReturnPct
		for _, t := range result.Trades {
			m.prom.RecordTrades(t.Symbol, string(t.Action), 1)
		}
	case ErrorKindOf(run.Err()) == KindCancelled:
		state = "Cancelled"
	}
	m.collector.RunFinished(string(req.Strategy.Kind), state, run.Duration(), trades, totalReturn)

	if m.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.recorder.RecordRun(ctx, run.Snapshot(true)); err != nil {
			logger.Error("❌ 保存回测记录失败 %s: %v", run.ID(), err)
		}
		cancel()
	}

	m.prune()
}

// prune 超出保留数量时移除最早结束的回测
func (m *Manager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	finished := 0
	for _, id := range m.order {
		if m.runs[id].run.State().Terminal() {
			finished++
		}
	}
	if finished <= m.cfg.KeepFinished {
		return
	}

	excess := finished - m.cfg.KeepFinished
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.runs[id].run.State().Terminal() {
			delete(m.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Get 按 id 查询
func (m *Manager) Get(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mr, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return mr.run, nil
}

// Done 返回回测结束信号
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mr, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return mr.done, nil
}

// List 列出内存中的回测，按创建时间倒序
func (m *Manager) List() []RunSnapshot {
	m.mu.RLock()
	snaps := make([]RunSnapshot, 0, len(m.runs))
	for _, mr := range m.runs {
		snaps = append(snaps, mr.run.Snapshot(false))
	}
	m.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps
}

// Active 进行中的回测数量
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, mr := range m.runs {
		if !mr.run.State().Terminal() {
			n++
		}
	}
	return n
}

// Stats 进程启动以来的运行统计
func (m *Manager) Stats() metrics.Metrics {
	return m.collector.GetMetrics()
}

// Cancel 协作式取消；已结束的回测不受影响
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	mr, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if mr.run.State().Terminal() {
		return nil
	}
	logger.Info("🛑 取消回测: %s", id)
	mr.cancel()
	return nil
}

// Shutdown 取消所有回测并等待退出
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, mr := range m.runs {
		mr.cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestKey 规范化请求的摘要，用作去重锁
func requestKey(req Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("序列化回测请求失败: %w", err)
	}
	sum := sha256.Sum256(data)
	return "backtest:run:" + hex.EncodeToString(sum[:8]), nil
}
