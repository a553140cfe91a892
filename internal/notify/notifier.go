package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/escalation"
	"github.com/MarcelMaron2k/evercare/internal/mqttx"
)

// Alert 推送到手机端的告警消息
type Alert struct {
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// MQTTNotifier 通过 MQTT 向手机推送用户可见告警
// 主题：evercare/{user_id}/alerts，QoS 1
type MQTTNotifier struct {
	broker mqttx.Broker
	topic  string
	qos    byte
	logger *zap.Logger
}

// NewMQTTNotifier 创建 MQTT 告警推送
func NewMQTTNotifier(broker mqttx.Broker, topic string, logger *zap.Logger) *MQTTNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTNotifier{
		broker: broker,
		topic:  topic,
		qos:    1,
		logger: logger,
	}
}

// NotifyUser 推送告警；broker 断开或发布失败视为瞬时失败
func (n *MQTTNotifier) NotifyUser(ctx context.Context, title, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.broker.IsConnected() {
		return fmt.Errorf("mqtt broker not connected: %w", escalation.ErrTransient)
	}

	payload, err := json.Marshal(Alert{Title: title, Body: body, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if err := n.broker.Publish(n.topic, n.qos, false, payload); err != nil {
		return fmt.Errorf("%v: %w", err, escalation.ErrTransient)
	}

	n.logger.Info("User alert sent", zap.String("topic", n.topic), zap.String("title", title))
	return nil
}

// LogNotifier 只记录日志（回放模式使用）
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志告警
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyUser 记录告警内容
func (n *LogNotifier) NotifyUser(ctx context.Context, title, body string) error {
	n.logger.Info("User alert", zap.String("title", title), zap.String("body", body))
	return nil
}
