package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"quantbench/backtest"
	"quantbench/database"
	"quantbench/event"
	"quantbench/exchange"
	"quantbench/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func waveCandles(n int, base float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	for i := range candles {
		c := base * (1 + 0.08*math.Sin(float64(i)/3))
		candles[i] = exchange.Candle{
			Timestamp: day0.AddDate(0, 0, i),
			Open:      c, High: c * 1.01, Low: c * 0.99, Close: c,
			Volume: 1000,
		}
	}
	return candles
}

const runBody = `{
	"symbols": ["AAPL"],
	"strategy": {"name": "breakout", "parameters": {"breakoutPeriod": 2}},
	"dateRange": {"start": "2024-01-01T00:00:00Z", "end": "2025-01-01T00:00:00Z"},
	"initialCapital": 10000,
	"positionSizePct": 10,
	"holdingPeriod": 2
}`

type testEnv struct {
	router  *gin.Engine
	manager *backtest.Manager
	bus     *event.EventBus
	deps    Dependencies
}

func newEnv(t *testing.T, provider exchange.HistoricalDataProvider, mutate func(*Dependencies)) *testEnv {
	t.Helper()
	if provider == nil {
		provider = exchange.NewStaticProvider(map[string][]exchange.Candle{
			"AAPL": waveCandles(60, 100),
			"MSFT": waveCandles(60, 300),
		})
	}
	bus := event.NewEventBus(100)
	manager := backtest.NewManager(backtest.NewOrchestrator(provider), backtest.ManagerConfig{},
		backtest.WithPublisher(bus))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
		bus.Close()
	})

	deps := Dependencies{Manager: manager, Bus: bus}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{router: NewRouter(deps, false), manager: manager, bus: bus, deps: deps}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("解析响应失败: %v (%s)", err, w.Body.String())
	}
}

func TestRunBacktestSync(t *testing.T) {
	reportDir := t.TempDir()
	env := newEnv(t, nil, func(d *Dependencies) { d.ReportDir = reportDir })

	w := env.do(http.MethodPost, "/api/backtest/run", runBody)
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, body = %s", w.Code, w.Body.String())
	}

	var resp BacktestResponse
	decode(t, w, &resp)
	if !resp.Success || resp.Run == nil || resp.Run.State != backtest.StateComplete {
		t.Fatalf("回测应成功完成: %+v", resp)
	}
	if resp.Run.Result == nil || resp.Run.Result.Metrics.TotalTrades == 0 {
		t.Error("结果应包含交易")
	}
	if resp.Run.Progress != 100 {
		t.Errorf("进度 = %v, 期望 100", resp.Run.Progress)
	}
	for _, p := range []string{resp.ReportPath, resp.EquityPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("报告文件不存在: %q", p)
		}
	}
}

func TestRunBacktestAcceptsPlainDates(t *testing.T) {
	env := newEnv(t, nil, nil)
	body := strings.Replace(runBody,
		`"dateRange": {"start": "2024-01-01T00:00:00Z", "end": "2025-01-01T00:00:00Z"}`,
		`"dateRange": {"start": "2024-01-01", "end": "2024-02-15"}`, 1)

	w := env.do(http.MethodPost, "/api/backtest/run", body)
	if w.Code != http.StatusOK {
		t.Fatalf("纯日期请求应成功, 状态码 = %d, body = %s", w.Code, w.Body.String())
	}
	var resp BacktestResponse
	decode(t, w, &resp)
	want := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	if !resp.Run.Request.DateRange.End.Equal(want) {
		t.Errorf("结束日期 = %v, 期望 %v", resp.Run.Request.DateRange.End, want)
	}
	for _, tr := range resp.Run.Result.Trades {
		if tr.ExitDate.After(want) {
			t.Errorf("交易超出日期范围: %+v", tr)
		}
	}
}

func TestRunBacktestErrors(t *testing.T) {
	env := newEnv(t, nil, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"非法 JSON", `{"symbols":`, http.StatusBadRequest},
		{"仓位比例为 0", strings.Replace(runBody, `"positionSizePct": 10`, `"positionSizePct": 0`, 1), http.StatusUnprocessableEntity},
		{"未知策略", strings.Replace(runBody, `"name": "breakout"`, `"name": "martingale"`, 1), http.StatusUnprocessableEntity},
		{"无数据的交易对", strings.Replace(runBody, `["AAPL"]`, `["AAPL","XYZ"]`, 1), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/backtest/run", tt.body)
			if w.Code != tt.status {
				t.Fatalf("状态码 = %d, 期望 %d, body = %s", w.Code, tt.status, w.Body.String())
			}
			var resp BacktestResponse
			decode(t, w, &resp)
			if resp.Success {
				t.Error("失败请求 success 应为 false")
			}
		})
	}

	w := env.do(http.MethodPost, "/api/backtest/run", strings.Replace(runBody, `["AAPL"]`, `["XYZ"]`, 1))
	var resp BacktestResponse
	decode(t, w, &resp)
	if resp.Run == nil || resp.Run.State != backtest.StateFailed || resp.Run.ErrorKind != backtest.KindDataUnavailable {
		t.Errorf("数据缺失应返回失败快照: %+v", resp.Run)
	}
	if resp.Run != nil && !strings.Contains(resp.Run.Error, "XYZ") {
		t.Errorf("错误应包含交易对: %s", resp.Run.Error)
	}
}

func TestRunBacktestAsyncAndQuery(t *testing.T) {
	env := newEnv(t, nil, nil)

	w := env.do(http.MethodPost, "/api/backtest/run?async=true", runBody)
	if w.Code != http.StatusAccepted {
		t.Fatalf("状态码 = %d, body = %s", w.Code, w.Body.String())
	}
	var resp BacktestResponse
	decode(t, w, &resp)
	id := resp.Run.ID

	done, err := env.manager.Done(id)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("等待回测结束超时")
	}

	w = env.do(http.MethodGet, "/api/backtest/runs/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("查询状态码 = %d", w.Code)
	}
	var got struct {
		Run backtest.RunSnapshot `json:"run"`
	}
	decode(t, w, &got)
	if got.Run.State != backtest.StateComplete || got.Run.Result == nil {
		t.Errorf("查询结果错误: %+v", got.Run)
	}

	w = env.do(http.MethodGet, "/api/backtest/runs", "")
	var list struct {
		Runs []backtest.RunSnapshot `json:"runs"`
	}
	decode(t, w, &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != id {
		t.Errorf("列表错误: %+v", list.Runs)
	}

	if w := env.do(http.MethodPost, "/api/backtest/runs/"+id+"/cancel", ""); w.Code != http.StatusOK {
		t.Errorf("取消已结束回测应返回 200, 实际 %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/backtest/runs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("未知回测应返回 404, 实际 %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/backtest/runs/nope/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("取消未知回测应返回 404, 实际 %d", w.Code)
	}
}

func newTestDB(t *testing.T) database.Database {
	t.Helper()
	db, err := database.NewDatabase(&database.Config{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "quantbench.db"),
	})
	if err != nil {
		t.Fatalf("创建数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStrategyEndpoints(t *testing.T) {
	env := newEnv(t, nil, func(d *Dependencies) { d.DB = newTestDB(t) })

	w := env.do(http.MethodPost, "/api/strategies",
		`{"name":"aapl-breakout","kind":"breakout","parameters":{"breakoutPeriod":2}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("保存策略状态码 = %d, body = %s", w.Code, w.Body.String())
	}
	var saved struct {
		ID int64 `json:"id"`
	}
	decode(t, w, &saved)
	if saved.ID == 0 {
		t.Fatal("应返回策略 id")
	}

	if w := env.do(http.MethodPost, "/api/strategies",
		`{"name":"bad","kind":"breakout","parameters":{"breakoutPeriod":-3}}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("非法参数应返回 422, 实际 %d", w.Code)
	}

	w = env.do(http.MethodGet, fmt.Sprintf("/api/strategies/%d", saved.ID), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "aapl-breakout") {
		t.Errorf("查询策略失败: %d %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/strategies", "")
	var list struct {
		Strategies []database.StrategyConfig `json:"strategies"`
	}
	decode(t, w, &list)
	if len(list.Strategies) != 1 {
		t.Errorf("策略数量 = %d, 期望 1", len(list.Strategies))
	}

	// 使用保存的策略运行回测，请求中的策略字段被覆盖
	body := strings.Replace(runBody, `"name": "breakout"`, `"name": "momentum"`, 1)
	body = strings.Replace(body, `"symbols"`, fmt.Sprintf(`"strategyId": %d, "symbols"`, saved.ID), 1)
	w = env.do(http.MethodPost, "/api/backtest/run", body)
	var resp BacktestResponse
	decode(t, w, &resp)
	if w.Code != http.StatusOK || resp.Run.Request.Strategy.Kind != "breakout" {
		t.Errorf("应使用保存的策略: %d %+v", w.Code, resp.Run)
	}

	if w := env.do(http.MethodDelete, fmt.Sprintf("/api/strategies/%d", saved.ID), ""); w.Code != http.StatusOK {
		t.Errorf("删除策略状态码 = %d", w.Code)
	}
	if w := env.do(http.MethodGet, fmt.Sprintf("/api/strategies/%d", saved.ID), ""); w.Code != http.StatusNotFound {
		t.Errorf("删除后查询应返回 404, 实际 %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/strategies/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("非法 id 应返回 400, 实际 %d", w.Code)
	}
}

func TestStrategyEndpointsWithoutDB(t *testing.T) {
	env := newEnv(t, nil, nil)
	if w := env.do(http.MethodGet, "/api/strategies", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("未启用数据库应返回 503, 实际 %d", w.Code)
	}
}

func TestCacheEndpoints(t *testing.T) {
	cache, err := storage.NewCSVCandleCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	env := newEnv(t, nil, func(d *Dependencies) { d.Cache = cache })

	key := storage.CacheKey{Symbol: "AAPL", Interval: "1d", Start: day0, End: day0.AddDate(0, 0, 9)}
	if err := cache.Save(context.Background(), key, waveCandles(10, 100)); err != nil {
		t.Fatal(err)
	}

	w := env.do(http.MethodGet, "/api/backtest/cache", "")
	var list struct {
		Caches []storage.CacheInfo `json:"caches"`
	}
	decode(t, w, &list)
	if len(list.Caches) != 1 || list.Caches[0].Name != key.String() {
		t.Fatalf("缓存列表错误: %+v", list.Caches)
	}

	w = env.do(http.MethodGet, "/api/backtest/cache/stats", "")
	var stats struct {
		Stats storage.CacheStats `json:"stats"`
	}
	decode(t, w, &stats)
	if stats.Stats.Entries != 1 || stats.Stats.TotalCandles != 10 {
		t.Errorf("缓存统计错误: %+v", stats.Stats)
	}

	if w := env.do(http.MethodDelete, "/api/backtest/cache/"+key.String(), ""); w.Code != http.StatusOK {
		t.Errorf("删除缓存状态码 = %d", w.Code)
	}
	if w := env.do(http.MethodDelete, "/api/backtest/cache/"+key.String(), ""); w.Code != http.StatusNotFound {
		t.Errorf("重复删除应返回 404, 实际 %d", w.Code)
	}
	if w := env.do(http.MethodDelete, "/api/backtest/cache", ""); w.Code != http.StatusOK {
		t.Errorf("清空缓存状态码 = %d", w.Code)
	}

	noCache := newEnv(t, nil, nil)
	if w := noCache.do(http.MethodGet, "/api/backtest/cache", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("未启用缓存应返回 503, 实际 %d", w.Code)
	}
}

// gatedProvider 在 gate 关闭前阻塞
type gatedProvider struct {
	gate    chan struct{}
	candles []exchange.Candle
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) FetchCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]exchange.Candle, error) {
	select {
	case <-p.gate:
		return p.candles, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunProgressWebSocket(t *testing.T) {
	provider := &gatedProvider{gate: make(chan struct{}), candles: waveCandles(60, 100)}
	env := newEnv(t, provider, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	w := env.do(http.MethodPost, "/api/backtest/run?async=true", runBody)
	var resp BacktestResponse
	decode(t, w, &resp)
	id := resp.Run.ID

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/backtest/runs/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 websocket 失败: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first wsMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	if first.Type != "snapshot" || first.RunID != id {
		t.Fatalf("首条消息应为快照: %+v", first)
	}

	close(provider.gate)

	var last wsMessage
	lastProgress := first.Progress
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.RunID != id {
			t.Errorf("收到其他回测的消息: %+v", msg)
		}
		if msg.Progress < lastProgress {
			t.Errorf("进度回退: %v -> %v", lastProgress, msg.Progress)
		}
		lastProgress = msg.Progress
		last = msg
	}
	if last.Type != string(event.EventTypeRunCompleted) {
		t.Errorf("最后一条消息应为完成事件, 实际 %+v", last)
	}

	if w := env.do(http.MethodGet, "/api/backtest/runs/nope/ws", ""); w.Code != http.StatusNotFound {
		t.Errorf("未知回测的 websocket 应返回 404, 实际 %d", w.Code)
	}
}

func TestWebSocketClosesWithoutTerminalEvent(t *testing.T) {
	provider := &gatedProvider{gate: make(chan struct{}), candles: waveCandles(60, 100)}
	// 回测事件不进入 websocket 订阅的总线，只能依赖结束信号
	manager := backtest.NewManager(backtest.NewOrchestrator(provider), backtest.ManagerConfig{})
	bus := event.NewEventBus(1)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
		bus.Close()
	})
	server := httptest.NewServer(NewRouter(Dependencies{Manager: manager, Bus: bus}, false))
	defer server.Close()

	var req backtest.Request
	if err := json.Unmarshal([]byte(runBody), &req); err != nil {
		t.Fatalf("解析请求失败: %v", err)
	}
	run, err := manager.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("提交回测失败: %v", err)
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/backtest/runs/" + run.ID() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 websocket 失败: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first wsMessage
	if err := conn.ReadJSON(&first); err != nil || first.Type != "snapshot" {
		t.Fatalf("首条消息应为快照: %+v, %v", first, err)
	}

	close(provider.gate)

	var last wsMessage
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("连接应正常关闭: %v", err)
			}
			break
		}
		last = msg
	}
	if last.Type != string(event.EventTypeRunCompleted) || last.State != string(backtest.StateComplete) {
		t.Errorf("结束后应补发完成消息, 实际 %+v", last)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("wrap: %w", backtest.ErrRunNotFound), http.StatusNotFound},
		{database.ErrNotFound, http.StatusNotFound},
		{storage.ErrCacheMiss, http.StatusNotFound},
		{backtest.ErrDuplicateRun, http.StatusConflict},
		{&backtest.Error{Kind: backtest.KindInvalidParameters, Param: "x"}, http.StatusUnprocessableEntity},
		{&backtest.Error{Kind: backtest.KindCancelled}, statusClientClosed},
		{&backtest.Error{Kind: backtest.KindDataUnavailable, Symbol: "X"}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.status {
			t.Errorf("statusForError(%v) = %d, 期望 %d", tt.err, got, tt.status)
		}
	}
}

func TestMetricsAndHealth(t *testing.T) {
	env := newEnv(t, nil, nil)
	if w := env.do(http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("/metrics 状态码 = %d", w.Code)
	}
	w := env.do(http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("/healthz 响应错误: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"runsStarted"`) {
		t.Errorf("/healthz 应包含运行统计: %s", w.Body.String())
	}
}
