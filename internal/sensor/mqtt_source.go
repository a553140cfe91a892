package sensor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/mqttx"
)

// MQTTSource 通过 MQTT 接收手机上报的加速度采样
// 主题：evercare/{device_id}/accel
type MQTTSource struct {
	broker     mqttx.Broker
	topic      string
	qos        byte
	units      Units
	bufferSize int
	logger     *zap.Logger

	mu  sync.Mutex
	sub *subscription

	dropped atomic.Int64
}

type subscription struct {
	ch     chan Reading
	done   chan struct{}
	closed bool
}

// NewMQTTSource 创建 MQTT 数据源
func NewMQTTSource(broker mqttx.Broker, topic string, qos byte, units Units, bufferSize int, logger *zap.Logger) *MQTTSource {
	if bufferSize < 1 {
		bufferSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTSource{
		broker:     broker,
		topic:      topic,
		qos:        qos,
		units:      units,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Topic 订阅的主题
func (s *MQTTSource) Topic() string {
	return s.topic
}

// Dropped 因缓冲区满被丢弃的采样数
func (s *MQTTSource) Dropped() int64 {
	return s.dropped.Load()
}

// Subscribe 订阅采样主题
// broker 未连接或订阅失败返回 ErrSensorUnavailable
func (s *MQTTSource) Subscribe(ctx context.Context) (<-chan Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return nil, ErrAlreadySubscribed
	}
	if !s.broker.IsConnected() {
		return nil, fmt.Errorf("%w: mqtt broker not connected", ErrSensorUnavailable)
	}

	sub := &subscription{
		ch:   make(chan Reading, s.bufferSize),
		done: make(chan struct{}),
	}
	if err := s.broker.Subscribe(s.topic, s.qos, s.handler(sub)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	s.sub = sub

	go func() {
		select {
		case <-ctx.Done():
			if err := s.Unsubscribe(); err != nil {
				s.logger.Warn("Failed to unsubscribe sensor topic", zap.String("topic", s.topic), zap.Error(err))
			}
		case <-sub.done:
		}
	}()

	s.logger.Info("Sensor subscribed", zap.String("topic", s.topic))
	return sub.ch, nil
}

// handler 每个订阅一个闭包，旧订阅关闭后迟到的消息直接丢弃
func (s *MQTTSource) handler(sub *subscription) mqttx.MessageHandler {
	return func(topic string, data []byte) error {
		sample, err := decodeSample(data, s.units)
		reading := Reading{Sample: sample, Err: err}

		s.mu.Lock()
		defer s.mu.Unlock()
		if sub.closed {
			return nil
		}
		select {
		case sub.ch <- reading:
		default:
			// 缓冲区满：丢弃最新采样，不无限排队
			s.dropped.Add(1)
		}
		return nil
	}
}

// Unsubscribe 取消订阅并关闭通道
func (s *MQTTSource) Unsubscribe() error {
	s.mu.Lock()
	sub := s.sub
	if sub == nil {
		s.mu.Unlock()
		return nil
	}
	s.sub = nil
	sub.closed = true
	close(sub.ch)
	close(sub.done)
	s.mu.Unlock()

	if !s.broker.IsConnected() {
		return nil
	}
	if err := s.broker.Unsubscribe(s.topic); err != nil {
		return fmt.Errorf("failed to unsubscribe sensor topic: %w", err)
	}
	s.logger.Info("Sensor unsubscribed", zap.String("topic", s.topic))
	return nil
}
