package notify

import (
	"io"
	"sync"

	"quantbench/config"
	"quantbench/event"
	"quantbench/logger"
	"quantbench/metrics"
)

// Notifier 通知渠道接口
type Notifier interface {
	Send(event *event.Event) error
	Name() string
}

// NotificationService 通知服务：把回测终态事件并发推送到所有已启用渠道
type NotificationService struct {
	notifiers []Notifier
	enabled   bool
	wg        sync.WaitGroup
}

// NewNotificationService 根据配置创建通知服务
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{enabled: cfg.Notifications.Enabled}
	if !ns.enabled {
		return ns
	}

	n := cfg.Notifications
	if n.Webhook.Enabled && n.Webhook.URL != "" {
		webhookNotifier, err := NewWebhookNotifier(cfg)
		if err != nil {
			logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
		} else {
			ns.notifiers = append(ns.notifiers, webhookNotifier)
			logger.Info("✅ Webhook 通知已启用")
		}
	}

	if n.Slack.Enabled && n.Slack.WebhookURL != "" {
		slackNotifier, err := NewSlackNotifier(cfg)
		if err != nil {
			logger.Warn("⚠️ 初始化 Slack 通知失败: %v", err)
		} else {
			ns.notifiers = append(ns.notifiers, slackNotifier)
			logger.Info("✅ Slack 通知已启用")
		}
	}

	if n.Kafka.Enabled && len(n.Kafka.Brokers) > 0 {
		kafkaNotifier, err := NewKafkaNotifier(cfg)
		if err != nil {
			logger.Warn("⚠️ 初始化 Kafka 通知失败: %v", err)
		} else {
			ns.notifiers = append(ns.notifiers, kafkaNotifier)
			logger.Info("✅ Kafka 通知已启用 (topic: %s)", n.Kafka.Topic)
		}
	}

	return ns
}

// AddNotifier 追加通知渠道
func (ns *NotificationService) AddNotifier(n Notifier) {
	ns.notifiers = append(ns.notifiers, n)
}

// Notifiers 已启用的渠道名称
func (ns *NotificationService) Notifiers() []string {
	names := make([]string, 0, len(ns.notifiers))
	for _, n := range ns.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// shouldNotify 只通知回测终态和系统错误
func (ns *NotificationService) shouldNotify(eventType event.EventType) bool {
	if !ns.enabled || len(ns.notifiers) == 0 {
		return false
	}
	return event.IsTerminal(eventType) || eventType == event.EventTypeError
}

// Send 发送通知（异步，不阻塞）
func (ns *NotificationService) Send(evt *event.Event) {
	if evt == nil || !ns.shouldNotify(evt.Type) {
		return
	}

	prom := metrics.GetPrometheusMetrics()
	for _, notifier := range ns.notifiers {
		ns.wg.Add(1)
		go func(n Notifier) {
			defer ns.wg.Done()
			err := n.Send(evt)
			prom.RecordNotification(n.Name(), err)
			if err != nil {
				logger.Warn("⚠️ %s 通知发送失败 [%s]: %v", n.Name(), evt.RunID, err)
			}
		}(notifier)
	}
}

// Wait 等待所有在途通知完成
func (ns *NotificationService) Wait() {
	ns.wg.Wait()
}

// Close 等待在途通知并关闭需要释放资源的渠道
func (ns *NotificationService) Close() {
	ns.wg.Wait()
	for _, n := range ns.notifiers {
		if c, ok := n.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("⚠️ 关闭 %s 通知渠道失败: %v", n.Name(), err)
			}
		}
	}
}
