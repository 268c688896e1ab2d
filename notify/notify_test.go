package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"quantbench/config"
	"quantbench/event"
)

func completedEvent() *event.Event {
	return &event.Event{
		Type:      event.EventTypeRunCompleted,
		RunID:     "run-1",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Data: map[string]interface{}{
			"symbols":          "AAPL,MSFT",
			"total_trades":     4,
			"total_return_pct": 12.5,
			"max_drawdown_pct": -3.2,
		},
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := config.CreateDefaultConfig()
	cfg.Notifications.Webhook.URL = server.URL
	n, err := NewWebhookNotifier(cfg)
	if err != nil {
		t.Fatalf("创建通知器失败: %v", err)
	}

	if err := n.Send(completedEvent()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if got.Type != "run_completed" || got.RunID != "run-1" || got.Severity != "info" {
		t.Errorf("payload 错误: %+v", got)
	}
	if !strings.Contains(got.Message, "4 笔交易") || !strings.Contains(got.Message, "12.50%") {
		t.Errorf("消息内容错误: %s", got.Message)
	}
}

func TestWebhookNotifierNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := config.CreateDefaultConfig()
	cfg.Notifications.Webhook.URL = server.URL
	n, _ := NewWebhookNotifier(cfg)
	if err := n.Send(completedEvent()); err == nil {
		t.Error("非 2xx 响应应该返回错误")
	}

	cfg.Notifications.Webhook.URL = ""
	if _, err := NewWebhookNotifier(cfg); err == nil {
		t.Error("未配置 URL 应该报错")
	}
}

func TestSlackMessage(t *testing.T) {
	evt := &event.Event{
		Type:      event.EventTypeRunFailed,
		RunID:     "run-2",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:      map[string]interface{}{"error": "DataUnavailable [symbol=XYZ]"},
	}
	msg := formatSlackMessage(evt)
	if !strings.HasPrefix(msg, ":x: *回测失败*") {
		t.Errorf("Slack 消息标题错误: %s", msg)
	}
	if !strings.Contains(msg, "symbol=XYZ") || !strings.Contains(msg, "2024-03-01T12:00:00Z") {
		t.Errorf("Slack 消息内容错误: %s", msg)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaNotifier(t *testing.T) {
	w := &fakeWriter{}
	n := newKafkaNotifier(w, "events")

	if err := n.Send(completedEvent()); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("期望 1 条消息, 实际 %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "run-1" {
		t.Errorf("消息 key = %s, 期望 run-1", msg.Key)
	}
	var env kafkaEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("解析消息失败: %v", err)
	}
	if env.Type != "run_completed" || env.Data["symbols"] != "AAPL,MSFT" {
		t.Errorf("消息内容错误: %+v", env)
	}

	w.err = errors.New("broker down")
	if err := n.Send(completedEvent()); err == nil || !strings.Contains(err.Error(), "events") {
		t.Errorf("写入失败应返回包含 topic 的错误, 实际 %v", err)
	}

	if err := n.Close(); err != nil || !w.closed {
		t.Error("Close 应关闭 writer")
	}

	cfg := config.CreateDefaultConfig()
	if _, err := NewKafkaNotifier(cfg); err == nil {
		t.Error("未配置 brokers 应该报错")
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recordingNotifier) Send(evt *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNotificationServiceFilters(t *testing.T) {
	cfg := config.CreateDefaultConfig()
	cfg.Notifications.Enabled = true
	ns := NewNotificationService(cfg)
	if len(ns.Notifiers()) != 0 {
		t.Fatalf("未启用任何渠道, 实际 %v", ns.Notifiers())
	}

	rec := &recordingNotifier{}
	ns.AddNotifier(rec)

	ns.Send(&event.Event{Type: event.EventTypeRunProgress, RunID: "r"})
	ns.Send(&event.Event{Type: event.EventTypeRunSubmitted, RunID: "r"})
	ns.Send(completedEvent())
	ns.Send(&event.Event{Type: event.EventTypeRunCancelled, RunID: "r"})
	ns.Send(nil)
	ns.Close()

	if n := rec.count(); n != 2 {
		t.Fatalf("只有终态事件应发送, 实际 %d 条", n)
	}

	disabled := NewNotificationService(config.CreateDefaultConfig())
	disabled.AddNotifier(rec)
	disabled.Send(completedEvent())
	disabled.Wait()
	if rec.count() != 2 {
		t.Error("通知未启用时不应发送")
	}
}
