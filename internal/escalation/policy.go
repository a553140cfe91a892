package escalation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// Deps 升级策略依赖的外部能力
type Deps struct {
	Permissions PermissionSource
	Caretakers  CaretakerSource
	Notifier    Notifier
	Dialer      Dialer
	Locator     Locator // 可为 nil
}

// Policy 升级策略：决定联系谁、通过哪些渠道，并跟踪投递结果
type Policy struct {
	cfg       Config
	emergency models.PhoneNumber
	deps      Deps
	logger    *zap.Logger

	now func() time.Time
}

// NewPolicy 创建升级策略
func NewPolicy(cfg Config, deps Deps, logger *zap.Logger) (*Policy, error) {
	emergency, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		cfg:       cfg,
		emergency: emergency,
		deps:      deps,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Escalate 处理一个已确认的跌倒事件，返回终态决策
//
//  1. 读取当前权限与看护人配置
//  2. 有位置权限时附加最后已知位置
//  3. 有通知权限时向用户发出告警（与看护人配置无关）
//  4. 有看护人电话则呼叫看护人，否则呼叫紧急电话；无电话权限则不拨号
//  5. 瞬时失败最多重试一次
//  6. 呼叫失败时通过用户告警说明
func (p *Policy) Escalate(ctx context.Context, event models.FallEvent) *models.EscalationDecision {
	logger := p.logger.With(zap.String("event_id", event.ID), zap.String("user_id", event.UserID))

	// 1. 决策时读取，不使用会话开始时的缓存
	snapshot, err := p.deps.Permissions.CurrentSnapshot(ctx)
	if err != nil {
		logger.Warn("Failed to read permissions, treating all as not granted", zap.Error(err))
		snapshot = models.PermissionSnapshot{}
	}

	var caretaker models.CaretakerConfig
	if p.deps.Caretakers != nil {
		caretaker, err = p.deps.Caretakers.CaretakerConfig(ctx, event.UserID)
		if err != nil {
			logger.Warn("Failed to read caretaker config, falling back to emergency", zap.Error(err))
			caretaker = models.CaretakerConfig{}
		}
	}

	// 2. 位置缺失不阻塞升级
	if snapshot.Location && p.deps.Locator != nil {
		if loc := p.deps.Locator.LastKnown(ctx); loc != nil {
			event = event.WithLocation(loc)
		}
	}

	decision := models.NewEscalationDecision(event, p.now())
	if caretaker.HasPhone() {
		decision.Target = models.TargetCaretaker
		decision.TargetNumber = *caretaker.Phone
	} else {
		decision.Target = models.TargetEmergency
		decision.TargetNumber = p.emergency
	}

	// 3/4. 通知与呼叫并行，互不等待对方的重试
	var (
		wg           sync.WaitGroup
		notification models.ChannelAttempt
		call         models.ChannelAttempt
	)

	body := alertBody(decision, caretaker.DisplayName())
	wg.Add(2)
	go func() {
		defer wg.Done()
		if !snapshot.Notifications {
			notification = p.denied(models.ChannelNotification)
			return
		}
		notification = p.attempt(ctx, logger, models.ChannelNotification, func(ctx context.Context) error {
			return p.deps.Notifier.NotifyUser(ctx, alertTitle, body)
		})
	}()
	go func() {
		defer wg.Done()
		if !snapshot.Phone {
			call = p.denied(models.ChannelCall)
			return
		}
		number := decision.TargetNumber
		call = p.attempt(ctx, logger, models.ChannelCall, func(ctx context.Context) error {
			return p.deps.Dialer.PlaceCall(ctx, number)
		})
	}()
	wg.Wait()

	decision.Record(notification)
	decision.Record(call)

	// 6. 呼叫失败，通过用户告警说明（不重试）
	if call.Outcome == models.OutcomeFailed && snapshot.Notifications {
		title, text := fallbackAlert(decision)
		if err := p.deps.Notifier.NotifyUser(ctx, title, text); err != nil {
			logger.Error("Failed to deliver fallback alert", zap.Error(err))
		} else {
			decision.FallbackAlert = text
		}
	}

	decision.Finalize(p.now())

	logger.Info("Fall escalation finished",
		zap.String("target", string(decision.Target)),
		zap.String("outcome", string(decision.Outcome)),
		zap.String("notification", string(notification.Outcome)),
		zap.String("call", string(call.Outcome)),
		zap.Bool("location_attached", decision.Event.Location != nil),
	)
	if decision.Outcome == models.OutcomeFailed {
		logger.Error("All escalation channels failed",
			zap.String("notification_reason", notification.Reason),
			zap.String("call_reason", call.Reason),
		)
	}
	return decision
}

// attempt 执行一次投递，瞬时失败时等待 RetryDelay 后重试（受 MaxAttempts 限制）
func (p *Policy) attempt(ctx context.Context, logger *zap.Logger, ch models.Channel, fn func(context.Context) error) models.ChannelAttempt {
	var err error
	attempts := 0
	for attempts < p.cfg.MaxAttempts {
		attempts++
		if err = fn(ctx); err == nil {
			return models.ChannelAttempt{Channel: ch, Outcome: models.OutcomeDelivered, Attempts: attempts, At: p.now()}
		}

		logger.Warn("Escalation channel attempt failed",
			zap.String("channel", string(ch)),
			zap.Int("attempt", attempts),
			zap.Bool("transient", IsTransient(err)),
			zap.Error(err),
		)
		if !IsTransient(err) || attempts >= p.cfg.MaxAttempts {
			break
		}
		if !sleep(ctx, p.cfg.RetryDelay) {
			break
		}
	}
	return models.ChannelAttempt{Channel: ch, Outcome: models.OutcomeFailed, Attempts: attempts, Reason: err.Error(), At: p.now()}
}

func (p *Policy) denied(ch models.Channel) models.ChannelAttempt {
	return models.ChannelAttempt{
		Channel: ch,
		Outcome: models.OutcomeFailed,
		Reason:  ErrPermissionDenied.Error(),
		At:      p.now(),
	}
}

// sleep 可被 ctx 打断的等待，返回 false 表示 ctx 已结束
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
