package escalation

import (
	"context"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// PermissionSource 权限快照（每次决策重新读取）
type PermissionSource interface {
	CurrentSnapshot(ctx context.Context) (models.PermissionSnapshot, error)
}

// CaretakerSource 看护人配置（每次升级重新读取）
type CaretakerSource interface {
	CaretakerConfig(ctx context.Context, userID string) (models.CaretakerConfig, error)
}

// Notifier 用户可见告警
type Notifier interface {
	NotifyUser(ctx context.Context, title, body string) error
}

// Dialer 电话拨号
type Dialer interface {
	PlaceCall(ctx context.Context, number models.PhoneNumber) error
}

// Locator 最后已知位置（尽力而为，不阻塞）
type Locator interface {
	LastKnown(ctx context.Context) *models.GeoPoint
}

// EventStore 跌倒事件存储（按 ID 幂等）
type EventStore interface {
	Append(ctx context.Context, event models.FallEvent) error
}

// DecisionRecorder 保存升级决策（用于诊断）
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, decision *models.EscalationDecision) error
}

// EventPublisher 向看护端发布已确认事件
type EventPublisher interface {
	PublishFallEvent(ctx context.Context, event models.FallEvent) error
}
