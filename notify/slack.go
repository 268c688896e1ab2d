package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"quantbench/config"
	"quantbench/event"
)

// SlackNotifier Slack 通知器
type SlackNotifier struct {
	webhook string
	client  *http.Client
}

// NewSlackNotifier 创建 Slack 通知器
func NewSlackNotifier(cfg *config.Config) (*SlackNotifier, error) {
	if cfg.Notifications.Slack.WebhookURL == "" {
		return nil, fmt.Errorf("Slack Webhook URL 未配置")
	}

	return &SlackNotifier{
		webhook: cfg.Notifications.Slack.WebhookURL,
		client:  &http.Client{Timeout: 3 * time.Second},
	}, nil
}

// Name 返回通知器名称
func (sn *SlackNotifier) Name() string {
	return "Slack"
}

// Send 发送通知
func (sn *SlackNotifier) Send(evt *event.Event) error {
	jsonData, err := json.Marshal(map[string]interface{}{
		"text": formatSlackMessage(evt),
	})
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	return postJSON(sn.client, sn.webhook, 3*time.Second, jsonData)
}

// formatSlackMessage 格式化 Slack 消息
func formatSlackMessage(evt *event.Event) string {
	emoji := ":bell:"
	switch evt.Type {
	case event.EventTypeRunCompleted:
		emoji = ":white_check_mark:"
	case event.EventTypeRunFailed, event.EventTypeError:
		emoji = ":x:"
	case event.EventTypeRunCancelled:
		emoji = ":stop_sign:"
	}

	return fmt.Sprintf("%s *%s*\n%s\n_%s_", emoji,
		event.GetEventTitle(evt.Type),
		event.BuildMessage(evt),
		evt.Timestamp.UTC().Format(time.RFC3339))
}
