package models

import (
	"time"
)

// EscalationTarget 升级对象
type EscalationTarget string

const (
	TargetCaretaker EscalationTarget = "caretaker"
	TargetEmergency EscalationTarget = "emergency"
)

// Channel 通知渠道
type Channel string

const (
	ChannelNotification Channel = "notification" // 本机用户可见告警
	ChannelCall         Channel = "call"         // 拨打看护人/紧急电话
	ChannelStore        Channel = "store"        // 事件持久化
)

// Outcome 投递结果
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// ChannelAttempt 单个渠道的尝试记录
type ChannelAttempt struct {
	Channel  Channel   `json:"channel"`
	Outcome  Outcome   `json:"outcome"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// EscalationDecision 每个跌倒事件对应一个升级决策
// Delivered 或重试预算耗尽（Failed）后为终态
type EscalationDecision struct {
	Event             FallEvent        `json:"event"`
	Target            EscalationTarget `json:"target"`
	TargetNumber      PhoneNumber      `json:"target_number"`
	ChannelsAttempted []ChannelAttempt `json:"channels_attempted"`
	Outcome           Outcome          `json:"outcome"`
	FallbackAlert     string           `json:"fallback_alert,omitempty"` // 呼叫失败后发给用户的提示
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// NewEscalationDecision 创建待处理的决策
func NewEscalationDecision(event FallEvent, now time.Time) *EscalationDecision {
	return &EscalationDecision{
		Event:     event,
		Outcome:   OutcomePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Record 记录（或覆盖）某个渠道的结果
func (d *EscalationDecision) Record(attempt ChannelAttempt) {
	for i := range d.ChannelsAttempted {
		if d.ChannelsAttempted[i].Channel == attempt.Channel {
			d.ChannelsAttempted[i] = attempt
			d.touch(attempt.At)
			return
		}
	}
	d.ChannelsAttempted = append(d.ChannelsAttempted, attempt)
	d.touch(attempt.At)
}

// Attempt 查找某个渠道的记录
func (d *EscalationDecision) Attempt(ch Channel) (ChannelAttempt, bool) {
	for _, a := range d.ChannelsAttempted {
		if a.Channel == ch {
			return a, true
		}
	}
	return ChannelAttempt{}, false
}

// Delivered 某个渠道是否投递成功
func (d *EscalationDecision) Delivered(ch Channel) bool {
	a, ok := d.Attempt(ch)
	return ok && a.Outcome == OutcomeDelivered
}

// Finalize 根据通知/呼叫结果确定终态
// 任一渠道成功即 Delivered，否则 Failed
func (d *EscalationDecision) Finalize(now time.Time) {
	if d.Delivered(ChannelNotification) || d.Delivered(ChannelCall) {
		d.Outcome = OutcomeDelivered
	} else {
		d.Outcome = OutcomeFailed
	}
	d.touch(now)
}

// Terminal 是否已是终态
func (d *EscalationDecision) Terminal() bool {
	return d.Outcome == OutcomeDelivered || d.Outcome == OutcomeFailed
}

// Clone 深拷贝（用于对外暴露诊断数据）
func (d *EscalationDecision) Clone() *EscalationDecision {
	c := *d
	c.ChannelsAttempted = append([]ChannelAttempt(nil), d.ChannelsAttempted...)
	return &c
}

func (d *EscalationDecision) touch(t time.Time) {
	if t.After(d.UpdatedAt) {
		d.UpdatedAt = t
	}
}
