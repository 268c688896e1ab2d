package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"quantbench/config"
	"quantbench/event"
)

// messageWriter kafka.Writer 的最小接口，便于测试替换
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier 把回测事件发布到 Kafka，由下游服务消费
type KafkaNotifier struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

// kafkaEnvelope 发布到 Kafka 的事件格式
type kafkaEnvelope struct {
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	RunID     string                 `json:"runId,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewKafkaNotifier 创建 Kafka 通知器
func NewKafkaNotifier(cfg *config.Config) (*KafkaNotifier, error) {
	k := cfg.Notifications.Kafka
	if len(k.Brokers) == 0 || k.Topic == "" {
		return nil, fmt.Errorf("Kafka brokers/topic 未配置")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(k.Brokers...),
		Topic:                  k.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaNotifier(writer, k.Topic), nil
}

func newKafkaNotifier(w messageWriter, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic, timeout: 5 * time.Second}
}

// Name 返回通知器名称
func (kn *KafkaNotifier) Name() string {
	return "Kafka"
}

// Send 以 RunID 为 key 发布，同一回测的事件落在同一分区
func (kn *KafkaNotifier) Send(evt *event.Event) error {
	payload, err := json.Marshal(kafkaEnvelope{
		Type:      string(evt.Type),
		Severity:  string(event.GetEventSeverity(evt.Type)),
		RunID:     evt.RunID,
		Message:   event.BuildMessage(evt),
		Timestamp: evt.Timestamp,
		Data:      evt.Data,
	})
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), kn.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(evt.RunID),
		Value: payload,
		Time:  evt.Timestamp,
	}
	if err := kn.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发布到 %s 失败: %w", kn.topic, err)
	}
	return nil
}

// Close 关闭 writer，刷出缓冲消息
func (kn *KafkaNotifier) Close() error {
	return kn.writer.Close()
}
