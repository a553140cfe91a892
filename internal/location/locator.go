package location

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// RedisLocator 读取设备端写入的最后已知位置
// Key: location:{user_id}:last，值为 GeoPoint JSON
type RedisLocator struct {
	client  redis.Cmdable
	key     string
	timeout time.Duration
	maxAge  time.Duration
	logger  *zap.Logger

	now func() time.Time
}

// NewRedisLocator 创建位置读取器
func NewRedisLocator(client redis.Cmdable, key string, timeout, maxAge time.Duration, logger *zap.Logger) *RedisLocator {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocator{
		client:  client,
		key:     key,
		timeout: timeout,
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
	}
}

// LastKnown 尽力读取最后已知位置，任何错误或过期均返回 nil
func (l *RedisLocator) LastKnown(ctx context.Context) *models.GeoPoint {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	data, err := l.client.Get(ctx, l.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.logger.Warn("Failed to read last known location", zap.String("key", l.key), zap.Error(err))
		}
		return nil
	}

	var point models.GeoPoint
	if err := json.Unmarshal(data, &point); err != nil {
		l.logger.Warn("Invalid location payload", zap.String("key", l.key), zap.Error(err))
		return nil
	}

	if l.maxAge > 0 && !point.RecordedAt.IsZero() && l.now().Sub(point.RecordedAt) > l.maxAge {
		l.logger.Debug("Last known location is stale",
			zap.String("key", l.key),
			zap.Time("recorded_at", point.RecordedAt),
		)
		return nil
	}
	return &point
}
