package detector

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/filter"
	"github.com/MarcelMaron2k/evercare/internal/models"
)

// ErrSensorPermissionDenied 未授予传感器权限，无法开始监测
var ErrSensorPermissionDenied = errors.New("sensor permission denied")

// TransitionFunc 状态迁移回调（在检测器所在的 goroutine 中同步调用）
type TransitionFunc func(from, to models.DetectorState, at time.Time)

// Detector 跌倒检测状态机
//
// 状态只在采样到达或定时器到期（Expire）时改变，所有时间均以采样时间戳为准。
// 非线程安全：由监测循环独占。
type Detector struct {
	cfg      Config
	userID   string
	deviceID string
	logger   *zap.Logger

	state models.DetectorState

	// Monitoring：早于 armedAt 的窗口点不参与低值判断
	armedAt     time.Time
	armOnSample bool

	// CandidateFall
	candidateStart time.Time
	windowOpen     bool
	closeT         time.Time
	candidateMin   filter.Extremes
	impact         filter.Extremes

	// Confirmed / Cooldown
	confirmedAt   time.Time
	cooldownUntil time.Time

	// 故障
	faults         int
	degraded       bool
	degradedReason string

	onTransition TransitionFunc
}

// NewDetector 创建检测器，初始状态为 Idle
func NewDetector(cfg Config, userID, deviceID string, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:      cfg,
		userID:   userID,
		deviceID: deviceID,
		logger:   logger,
		state:    models.StateIdle,
	}
}

// OnTransition 设置状态迁移回调
func (d *Detector) OnTransition(fn TransitionFunc) {
	d.onTransition = fn
}

// State 当前状态
func (d *Detector) State() models.DetectorState {
	return d.state
}

// Degraded 是否处于降级状态（故障过多被强制 Idle）
func (d *Detector) Degraded() (bool, string) {
	return d.degraded, d.degradedReason
}

// Start Idle → Monitoring
// 传感器权限未授予时保持 Idle 并返回 ErrSensorPermissionDenied
func (d *Detector) Start(snapshot models.PermissionSnapshot, now time.Time) error {
	if !snapshot.Sensor {
		return ErrSensorPermissionDenied
	}
	if d.state != models.StateIdle {
		return nil
	}
	d.resetTracking()
	// now 可能是墙钟时间，从第一个采样开始计
	d.armOnSample = true
	d.faults = 0
	d.degraded = false
	d.degradedReason = ""
	d.transition(models.StateMonitoring, now)
	return nil
}

// Stop 任意状态 → Idle（权限撤销或显式停止）
func (d *Detector) Stop(reason string, now time.Time) {
	if d.state == models.StateIdle {
		return
	}
	d.logger.Info("Fall detector stopped",
		zap.String("from", d.state.String()),
		zap.String("reason", reason),
	)
	d.resetTracking()
	d.transition(models.StateIdle, now)
}

// Process 处理一个已通过滤波的采样
// 确认跌倒时返回新事件，调用方移交给升级流程后应调用 Acknowledge
func (d *Detector) Process(m filter.Magnitude) *models.FallEvent {
	if d.state == models.StateIdle {
		return nil
	}
	d.faults = 0

	// 未确认的 Confirmed 由下一个采样自动确认
	if d.state == models.StateConfirmed {
		d.Acknowledge()
	}

	if d.state == models.StateCooldown {
		if m.T.Before(d.cooldownUntil) {
			return nil
		}
		d.armedAt = d.cooldownUntil
		d.transition(models.StateMonitoring, m.T)
	}

	if d.armOnSample {
		d.armedAt = m.T
		d.armOnSample = false
	}

	if d.state == models.StateCandidateFall {
		event, done := d.evaluateCandidate(m)
		if event != nil || !done {
			return event
		}
		// 候选被丢弃：该采样按 Monitoring 继续评估
	}

	d.evaluateMonitoring(m)
	return nil
}

// evaluateMonitoring 检查滚动窗口末尾的连续低值
// 低值在窗口内持续 MinFreeFall 且至少两个采样后进入 CandidateFall，单个低值不足以构成候选
func (d *Detector) evaluateMonitoring(m filter.Magnitude) {
	count, since, lowest := m.TrailingBelow(d.cfg.FreeFallThreshold, d.armedAt)
	if count < 2 || m.T.Sub(since) < d.cfg.MinFreeFall {
		return
	}

	d.candidateStart = since
	d.candidateMin.Reset()
	d.candidateMin.Add(lowest)
	d.windowOpen = true
	d.impact.Reset()
	d.transition(models.StateCandidateFall, m.T)
}

// evaluateCandidate 候选窗口处理
// done 为 true 表示候选已结束（确认或丢弃）
func (d *Detector) evaluateCandidate(m filter.Magnitude) (event *models.FallEvent, done bool) {
	if d.windowOpen {
		if m.Value < d.cfg.FreeFallThreshold {
			d.candidateMin.Add(m.Value)
			return nil, false
		}
		// 第一个非低值采样关闭候选窗口，该采样本身也可能是冲击
		d.windowOpen = false
		d.closeT = m.T
	} else if m.T.After(d.closeT.Add(d.cfg.ImpactWindow)) {
		d.discardCandidate(d.closeT.Add(d.cfg.ImpactWindow), m.T)
		return nil, true
	}

	d.impact.Add(m.Value)
	if m.Value > d.cfg.ImpactThreshold {
		return d.confirm(m.T), true
	}
	return nil, false
}

// discardCandidate 丢弃候选
// deadline 及之前的采样已在候选中评估过，不再参与下一次低值判断
func (d *Detector) discardCandidate(deadline, at time.Time) {
	d.logger.Debug("Fall candidate discarded, no impact",
		zap.String("device_id", d.deviceID),
		zap.Time("candidate_start", d.candidateStart),
		zap.Float64("min_magnitude", d.candidateMin.Min),
	)
	d.resetTracking()
	d.armedAt = deadline.Add(time.Nanosecond)
	d.transition(models.StateMonitoring, at)
}

func (d *Detector) confirm(at time.Time) *models.FallEvent {
	event := &models.FallEvent{
		ID:            uuid.New().String(),
		UserID:        d.userID,
		DeviceID:      d.deviceID,
		StartedAt:     d.candidateStart,
		ConfirmedAt:   at,
		DurationMs:    durationMs(at.Sub(d.candidateStart)),
		PeakMagnitude: d.impact.Max,
		MinMagnitude:  d.candidateMin.Min,
	}

	d.confirmedAt = at
	d.cooldownUntil = at.Add(d.cfg.Cooldown)
	d.resetTracking()
	d.transition(models.StateConfirmed, at)

	d.logger.Info("Fall confirmed",
		zap.String("event_id", event.ID),
		zap.String("device_id", d.deviceID),
		zap.Uint32("duration_ms", event.DurationMs),
		zap.Float64("peak_magnitude", event.PeakMagnitude),
		zap.Float64("min_magnitude", event.MinMagnitude),
	)
	return event
}

// Acknowledge Confirmed → Cooldown（事件已移交升级流程）
func (d *Detector) Acknowledge() {
	if d.state != models.StateConfirmed {
		return
	}
	d.transition(models.StateCooldown, d.confirmedAt)
}

// Expire 在没有采样时推进定时器（候选超时、冷却结束）
// now 为采样时钟上的当前时间
func (d *Detector) Expire(now time.Time) {
	switch d.state {
	case models.StateCandidateFall:
		if deadline := d.closeT.Add(d.cfg.ImpactWindow); !d.windowOpen && now.After(deadline) {
			d.discardCandidate(deadline, now)
		}
	case models.StateCooldown:
		if !now.Before(d.cooldownUntil) {
			d.armedAt = d.cooldownUntil
			d.transition(models.StateMonitoring, now)
		}
	}
}

// Fault 记录一次瞬时故障，状态保持不变
// 连续故障达到上限时强制进入 Idle 并标记降级，返回 true
func (d *Detector) Fault(err error, now time.Time) bool {
	d.faults++
	d.logger.Warn("Sensor fault, sample skipped",
		zap.String("device_id", d.deviceID),
		zap.Int("consecutive_faults", d.faults),
		zap.Error(err),
	)
	if d.faults < d.cfg.MaxConsecutiveFaults {
		return false
	}

	d.faults = 0
	d.degraded = true
	d.degradedReason = "sensor faults: " + errString(err)
	if d.state != models.StateIdle {
		d.resetTracking()
		d.transition(models.StateIdle, now)
	}
	d.logger.Error("Too many consecutive sensor faults, monitoring degraded",
		zap.String("device_id", d.deviceID),
		zap.Error(err),
	)
	return true
}

func (d *Detector) resetTracking() {
	d.armedAt = time.Time{}
	d.armOnSample = false
	d.candidateStart = time.Time{}
	d.windowOpen = false
	d.closeT = time.Time{}
	d.candidateMin.Reset()
	d.impact.Reset()
}

func (d *Detector) transition(to models.DetectorState, at time.Time) {
	from := d.state
	if from == to {
		return
	}
	d.state = to
	d.logger.Debug("Detector state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Time("at", at),
	)
	if d.onTransition != nil {
		d.onTransition(from, to, at)
	}
}

func durationMs(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
