package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quantbench/database"
	"quantbench/logger"
)

// EventStore 事件持久化接口
type EventStore interface {
	SaveEvent(ctx context.Context, event *database.EventRecord) error
	CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error
}

// NotificationService 通知服务接口
type NotificationService interface {
	Send(event *Event)
}

// EventCenter 事件中心：订阅总线，落库并按级别触发通知
type EventCenter struct {
	store    EventStore
	eventBus *EventBus
	notifier NotificationService
	config   *EventCenterConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// EventCenterConfig 事件中心配置
type EventCenterConfig struct {
	Enabled         bool
	NotifyOnSuccess bool // 回测完成也发送通知
	CleanupInterval int  // 小时
	Retention       RetentionConfig
}

// RetentionConfig 保留策略配置
type RetentionConfig struct {
	CriticalDays     int
	WarningDays      int
	InfoDays         int
	CriticalMaxCount int
	WarningMaxCount  int
	InfoMaxCount     int
}

// NewEventCenter 创建事件中心，store 和 notifier 均可为 nil
func NewEventCenter(store EventStore, eventBus *EventBus, notifier NotificationService, config *EventCenterConfig) *EventCenter {
	ctx, cancel := context.WithCancel(context.Background())
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 24
	}
	return &EventCenter{
		store:    store,
		eventBus: eventBus,
		notifier: notifier,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() error {
	if !ec.config.Enabled {
		logger.Info("⏸️ 事件中心未启用")
		return nil
	}

	logger.Info("🚀 启动事件中心...")

	eventCh, unsubscribe := ec.eventBus.Subscribe()
	ec.wg.Add(1)
	go ec.processEvents(eventCh, unsubscribe)

	if ec.store != nil {
		ec.wg.Add(1)
		go ec.cleanupTask()
	}

	logger.Info("✅ 事件中心已启动")
	return nil
}

// Stop 停止事件中心
func (ec *EventCenter) Stop() {
	logger.Info("🛑 停止事件中心...")
	ec.cancel()
	ec.wg.Wait()
	logger.Info("✅ 事件中心已停止")
}

// processEvents 处理事件
func (ec *EventCenter) processEvents(eventCh <-chan *Event, unsubscribe func()) {
	defer ec.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(event)
		}
	}
}

// handleEvent 处理单个事件；进度事件量大，不落库
func (ec *EventCenter) handleEvent(event *Event) {
	if event == nil || event.Type == EventTypeRunProgress {
		return
	}

	severity := GetEventSeverity(event.Type)

	if ec.store != nil {
		detailsJSON, err := json.Marshal(event.Data)
		if err != nil {
			logger.Warn("⚠️ 序列化事件详情失败: %v", err)
			detailsJSON = []byte("{}")
		}

		record := &database.EventRecord{
			Type:      string(event.Type),
			Severity:  string(severity),
			Source:    "backtest",
			RunID:     event.RunID,
			Title:     GetEventTitle(event.Type),
			Message:   BuildMessage(event),
			Details:   string(detailsJSON),
			CreatedAt: event.Timestamp,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = ec.store.SaveEvent(ctx, record)
		cancel()
		if err != nil {
			logger.Error("❌ 保存事件失败: %v", err)
		}
	}

	if ec.notifier != nil && ec.shouldNotify(event.Type, severity) {
		ec.notifier.Send(event)
	}
}

// extractString 从事件数据中提取字符串字段
func extractString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// extractFloat 从事件数据中提取数值字段
func extractFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// BuildMessage 构建事件消息
func BuildMessage(event *Event) string {
	switch event.Type {
	case EventTypeRunCompleted:
		return fmt.Sprintf("回测 %s 完成 [%s]: %d 笔交易, 总收益 %.2f%%, 最大回撤 %.2f%%",
			event.RunID,
			extractString(event.Data, "symbols"),
			int(extractFloat(event.Data, "total_trades")),
			extractFloat(event.Data, "total_return_pct"),
			extractFloat(event.Data, "max_drawdown_pct"))
	case EventTypeRunFailed, EventTypeRunCancelled:
		return fmt.Sprintf("回测 %s %s: %s", event.RunID,
			GetEventTitle(event.Type), extractString(event.Data, "error"))
	case EventTypeRunStateChanged:
		return fmt.Sprintf("回测 %s 状态: %s → %s", event.RunID,
			extractString(event.Data, "from"), extractString(event.Data, "to"))
	default:
		if msg, ok := event.Data["message"].(string); ok {
			return msg
		}
		if err, ok := event.Data["error"].(string); ok {
			return err
		}
		return fmt.Sprintf("事件类型: %s", event.Type)
	}
}

// shouldNotify 判断是否需要发送通知
func (ec *EventCenter) shouldNotify(eventType EventType, severity EventSeverity) bool {
	if severity == SeverityCritical {
		return true
	}
	if eventType == EventTypeRunCancelled {
		return true
	}
	return eventType == EventTypeRunCompleted && ec.config.NotifyOnSuccess
}

// cleanupTask 清理任务
func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-timer.C:
			ec.performCleanup()
			timer.Reset(time.Duration(ec.config.CleanupInterval) * time.Hour)
		}
	}
}

// performCleanup 执行清理
func (ec *EventCenter) performCleanup() {
	logger.Info("🧹 开始清理旧事件...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	r := ec.config.Retention
	for _, rule := range []struct {
		severity EventSeverity
		count    int
		days     int
	}{
		{SeverityCritical, r.CriticalMaxCount, r.CriticalDays},
		{SeverityWarning, r.WarningMaxCount, r.WarningDays},
		{SeverityInfo, r.InfoMaxCount, r.InfoDays},
	} {
		if err := ec.store.CleanupOldEvents(ctx, string(rule.severity), rule.count, rule.days); err != nil {
			logger.Error("❌ 清理 %s 事件失败: %v", rule.severity, err)
		}
	}

	logger.Info("✅ 事件清理完成")
}
