package models

import (
	"time"
)

// StandardGravity 标准重力加速度（m/s²），用于 m/s² 与 g 的换算
const StandardGravity = 9.81

// Sample 三轴加速度采样（g 单位）
// 单次会话内 T 严格递增；不单独持久化
type Sample struct {
	X float64   `json:"x"`
	Y float64   `json:"y"`
	Z float64   `json:"z"`
	T time.Time `json:"t"`
}

// DetectorState 跌倒检测状态机状态
type DetectorState int

const (
	StateIdle DetectorState = iota
	StateMonitoring
	StateCandidateFall
	StateConfirmed
	StateCooldown
)

// String 返回状态名称
func (s DetectorState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateMonitoring:
		return "Monitoring"
	case StateCandidateFall:
		return "CandidateFall"
	case StateConfirmed:
		return "Confirmed"
	case StateCooldown:
		return "Cooldown"
	default:
		return "Unknown"
	}
}

// MarshalText 序列化为状态名称（用于状态缓存 JSON）
func (s DetectorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MonitorStatus 监测状态（上报给 Redis，供看护端查看）
type MonitorStatus struct {
	UserID    string        `json:"user_id"`
	DeviceID  string        `json:"device_id"`
	State     DetectorState `json:"state"`
	Degraded  bool          `json:"degraded"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}
