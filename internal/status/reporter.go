package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
	"github.com/MarcelMaron2k/evercare/internal/redisx"
)

// Reporter 向 Redis 上报监测状态与已确认的跌倒事件
//
// 状态：fall:status:{user_id}（JSON，带 TTL）
// 事件：fall:events:stream（供看护端订阅）
type Reporter struct {
	client      redis.Cmdable
	keyPrefix   string
	ttl         time.Duration
	eventStream string
	logger      *zap.Logger
}

// NewReporter 创建状态上报器
func NewReporter(client redis.Cmdable, keyPrefix string, ttl time.Duration, eventStream string, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		client:      client,
		keyPrefix:   keyPrefix,
		ttl:         ttl,
		eventStream: eventStream,
		logger:      logger,
	}
}

// Report 写入监测状态
func (r *Reporter) Report(ctx context.Context, s models.MonitorStatus) error {
	if s.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal monitor status: %w", err)
	}
	if err := r.client.Set(ctx, r.keyPrefix+s.UserID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write monitor status: %w", err)
	}
	return nil
}

// statusRecord 反序列化用（State 以名称存储）
type statusRecord struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	State     string    `json:"state"`
	Degraded  bool      `json:"degraded"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Latest 读取最近一次上报的状态，不存在时返回 nil
func (r *Reporter) Latest(ctx context.Context, userID string) (*models.MonitorStatus, error) {
	data, err := r.client.Get(ctx, r.keyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read monitor status: %w", err)
	}

	var rec statusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal monitor status: %w", err)
	}
	return &models.MonitorStatus{
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		State:     parseState(rec.State),
		Degraded:  rec.Degraded,
		Reason:    rec.Reason,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// PublishFallEvent 将确认的跌倒事件发布到事件流
func (r *Reporter) PublishFallEvent(ctx context.Context, event models.FallEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal fall event: %w", err)
	}

	id, err := redisx.PublishToStream(ctx, r.client, r.eventStream, map[string]interface{}{
		"event_id":     event.ID,
		"user_id":      event.UserID,
		"device_id":    event.DeviceID,
		"confirmed_at": event.ConfirmedAt.UnixMilli(),
		"data":         data,
	})
	if err != nil {
		return err
	}

	r.logger.Debug("Fall event published",
		zap.String("event_id", event.ID),
		zap.String("stream", r.eventStream),
		zap.String("message_id", id),
	)
	return nil
}

// ReadFallEvents 以消费者组方式读取事件流（看护端 watch 命令使用），读取后确认
func (r *Reporter) ReadFallEvents(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]models.FallEvent, error) {
	if err := redisx.CreateConsumerGroup(ctx, r.client, r.eventStream, group); err != nil {
		return nil, err
	}

	msgs, err := redisx.ReadFromStream(ctx, r.client, r.eventStream, group, consumer, count, block)
	if err != nil {
		return nil, err
	}

	events := make([]models.FallEvent, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)

		var event models.FallEvent
		if err := msg.DecodeJSON("data", &event); err != nil {
			// 继续处理，不中断
			r.logger.Warn("Skipping malformed fall event message", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		events = append(events, event)
	}

	if err := redisx.Ack(ctx, r.client, r.eventStream, group, ids...); err != nil {
		return events, fmt.Errorf("failed to ack fall events: %w", err)
	}
	return events, nil
}

func parseState(s string) models.DetectorState {
	for st := models.StateIdle; st <= models.StateCooldown; st++ {
		if st.String() == s {
			return st
		}
	}
	return models.StateIdle
}
