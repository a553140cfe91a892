package permission

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
	"github.com/MarcelMaron2k/evercare/internal/redisx"
)

// Gate 权限边界：每次调用都读取最新状态，不缓存
type Gate interface {
	// CurrentSnapshot 读取当前权限
	CurrentSnapshot(ctx context.Context) (models.PermissionSnapshot, error)
	// RequestAll 请求所有权限（可能弹出系统授权框），只在会话开始时调用
	RequestAll(ctx context.Context) (models.PermissionSnapshot, error)
}

// RedisGate 读取设备端镜像到 Redis 的系统权限状态
// Hash: permissions:{user_id}，字段 sensor/location/phone/notifications
type RedisGate struct {
	client        redis.Cmdable
	keyPrefix     string
	requestStream string
	userID        string
	deviceID      string
	logger        *zap.Logger
}

// NewRedisGate 创建 Redis 权限网关
func NewRedisGate(client redis.Cmdable, keyPrefix, requestStream, userID, deviceID string, logger *zap.Logger) *RedisGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGate{
		client:        client,
		keyPrefix:     keyPrefix,
		requestStream: requestStream,
		userID:        userID,
		deviceID:      deviceID,
		logger:        logger,
	}
}

func (g *RedisGate) key() string {
	return g.keyPrefix + g.userID
}

// CurrentSnapshot 读取权限 Hash；Hash 或字段缺失视为未授予
func (g *RedisGate) CurrentSnapshot(ctx context.Context) (models.PermissionSnapshot, error) {
	fields, err := g.client.HGetAll(ctx, g.key()).Result()
	if err != nil {
		return models.PermissionSnapshot{}, fmt.Errorf("failed to read permissions for user %s: %w", g.userID, err)
	}

	return models.PermissionSnapshot{
		Sensor:        granted(fields["sensor"]),
		Location:      granted(fields["location"]),
		Phone:         granted(fields["phone"]),
		Notifications: granted(fields["notifications"]),
	}, nil
}

// RequestAll 发布授权请求到 Redis Stream，由设备端弹出授权框，然后返回当前快照
func (g *RedisGate) RequestAll(ctx context.Context) (models.PermissionSnapshot, error) {
	_, err := redisx.PublishToStream(ctx, g.client, g.requestStream, map[string]interface{}{
		"user_id":      g.userID,
		"device_id":    g.deviceID,
		"permissions":  "sensor,location,phone,notifications",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// 请求发送失败不影响读取当前状态
		g.logger.Warn("Failed to publish permission request",
			zap.String("user_id", g.userID),
			zap.Error(err),
		)
	}
	return g.CurrentSnapshot(ctx)
}

func granted(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "granted", "true", "1":
		return true
	default:
		return false
	}
}

// StaticGate 固定权限（回放与测试使用），可在运行时修改
type StaticGate struct {
	mu       sync.Mutex
	snapshot models.PermissionSnapshot
	err      error
	requests int
}

// NewStaticGate 创建固定权限网关
func NewStaticGate(snapshot models.PermissionSnapshot) *StaticGate {
	return &StaticGate{snapshot: snapshot}
}

// Set 修改权限
func (g *StaticGate) Set(snapshot models.PermissionSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshot = snapshot
}

// SetError 设置读取错误（nil 表示恢复正常）
func (g *StaticGate) SetError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// Requests RequestAll 被调用的次数
func (g *StaticGate) Requests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

// CurrentSnapshot 返回当前设置的权限
func (g *StaticGate) CurrentSnapshot(ctx context.Context) (models.PermissionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return models.PermissionSnapshot{}, g.err
	}
	return g.snapshot, nil
}

// RequestAll 记录请求次数并返回当前权限
func (g *StaticGate) RequestAll(ctx context.Context) (models.PermissionSnapshot, error) {
	g.mu.Lock()
	g.requests++
	g.mu.Unlock()
	return g.CurrentSnapshot(ctx)
}
