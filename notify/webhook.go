package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"quantbench/config"
	"quantbench/event"
)

// WebhookNotifier 通用 Webhook 通知器
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// webhookPayload 推送到 Webhook 的 JSON
type webhookPayload struct {
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	RunID     string                 `json:"runId,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(cfg *config.Config) (*WebhookNotifier, error) {
	if cfg.Notifications.Webhook.URL == "" {
		return nil, fmt.Errorf("Webhook URL 未配置")
	}

	timeout := time.Duration(cfg.Notifications.Webhook.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &WebhookNotifier{
		url:     cfg.Notifications.Webhook.URL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name 返回通知器名称
func (wn *WebhookNotifier) Name() string {
	return "Webhook"
}

// Send 发送通知
func (wn *WebhookNotifier) Send(evt *event.Event) error {
	payload := webhookPayload{
		Type:      string(evt.Type),
		Severity:  string(event.GetEventSeverity(evt.Type)),
		Title:     event.GetEventTitle(evt.Type),
		Message:   event.BuildMessage(evt),
		RunID:     evt.RunID,
		Timestamp: evt.Timestamp.Unix(),
		Data:      evt.Data,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	return postJSON(wn.client, wn.url, wn.timeout, jsonData)
}

// postJSON 发送 JSON POST，非 2xx 视为失败
func postJSON(client *http.Client, url string, timeout time.Duration, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook 返回错误: %d", resp.StatusCode)
	}
	return nil
}
