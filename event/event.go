package event

import (
	"sync"
	"time"

	"quantbench/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeRunSubmitted    EventType = "run_submitted"
	EventTypeRunStateChanged EventType = "run_state_changed"
	EventTypeRunProgress     EventType = "run_progress"
	EventTypeRunCompleted    EventType = "run_completed"
	EventTypeRunFailed       EventType = "run_failed"
	EventTypeRunCancelled    EventType = "run_cancelled"
	EventTypeConfigReloaded  EventType = "config_reloaded"
	EventTypeError           EventType = "error"
	EventTypeSystemStart     EventType = "system_start"
	EventTypeSystemStop      EventType = "system_stop"
)

// Event 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"runId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(event *Event)
}

// EventBus 事件总线：每个订阅者一个带缓冲的 channel
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan *Event
	nextID      int
	bufferSize  int
	closed      bool
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000 // 默认1000
	}
	return &EventBus{
		subscribers: make(map[int]chan *Event),
		bufferSize:  bufferSize,
	}
}

// Publish 发布事件（非阻塞，订阅者队列满时丢弃）
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	for id, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			logger.Warn("⚠️ 订阅者 %d 事件队列已满，丢弃事件: %s", id, event.Type)
		}
	}
}

// Subscribe 订阅事件，返回事件 channel 和取消订阅函数
func (eb *EventBus) Subscribe() (<-chan *Event, func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch, func() {}
	}

	id := eb.nextID
	eb.nextID++
	eb.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			if sub, ok := eb.subscribers[id]; ok {
				delete(eb.subscribers, id)
				close(sub)
			}
		})
	}
}

// SubscriberCount 当前订阅者数量
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for id, ch := range eb.subscribers {
		delete(eb.subscribers, id)
		close(ch)
	}
}

// EventSeverity 事件级别
type EventSeverity string

const (
	SeverityCritical EventSeverity = "critical"
	SeverityWarning  EventSeverity = "warning"
	SeverityInfo     EventSeverity = "info"
)

// GetEventSeverity 事件级别
func GetEventSeverity(t EventType) EventSeverity {
	switch t {
	case EventTypeRunFailed, EventTypeError:
		return SeverityCritical
	case EventTypeRunCancelled:
		return SeverityWarning
	}
	return SeverityInfo
}

// GetEventTitle 事件标题
func GetEventTitle(t EventType) string {
	switch t {
	case EventTypeRunSubmitted:
		return "回测已提交"
	case EventTypeRunStateChanged:
		return "回测状态变化"
	case EventTypeRunProgress:
		return "回测进度"
	case EventTypeRunCompleted:
		return "回测完成"
	case EventTypeRunFailed:
		return "回测失败"
	case EventTypeRunCancelled:
		return "回测已取消"
	case EventTypeConfigReloaded:
		return "配置已重新加载"
	case EventTypeSystemStart:
		return "系统启动"
	case EventTypeSystemStop:
		return "系统停止"
	}
	return "系统错误"
}

// IsTerminal 是否为回测终态事件
func IsTerminal(t EventType) bool {
	return t == EventTypeRunCompleted || t == EventTypeRunFailed || t == EventTypeRunCancelled
}
