package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

var (
	// ErrSensorUnavailable 加速度计不可用（不会以全零采样代替）
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrEndOfStream 有限数据源（回放）已结束
	ErrEndOfStream = errors.New("end of sample stream")
	// ErrAlreadySubscribed 同一时间只允许一个订阅
	ErrAlreadySubscribed = errors.New("sensor already subscribed")
)

// Reading 数据源输出：采样或错误二选一
type Reading struct {
	Sample models.Sample
	Err    error
}

// Source 加速度计数据源
//
// Subscribe 返回的通道在 Unsubscribe 或 ctx 结束后关闭。
// Unsubscribe 后再次 Subscribe 会得到新的数据流，不回放错过的采样。
type Source interface {
	Subscribe(ctx context.Context) (<-chan Reading, error)
	Unsubscribe() error
}

// Units 采样单位
type Units string

const (
	UnitsG   Units = "g"
	UnitsMS2 Units = "ms2" // m/s²，换算时除以标准重力
)

// ParseUnits 解析单位配置
func ParseUnits(s string) (Units, error) {
	switch Units(s) {
	case UnitsG, "":
		return UnitsG, nil
	case UnitsMS2:
		return UnitsMS2, nil
	default:
		return "", fmt.Errorf("unsupported sensor units %q", s)
	}
}

// payload 设备上报的采样 JSON：{"x":0.01,"y":-0.02,"z":0.98,"t":1767225600000}
// 传感器不可用时设备上报 {"error":"sensor_unavailable"}
type payload struct {
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	Z     *float64 `json:"z"`
	T     int64    `json:"t"`
	Error string   `json:"error,omitempty"`
}

// decodeSample 解析并换算为 g 单位
func decodeSample(data []byte, units Units) (models.Sample, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.Sample{}, fmt.Errorf("malformed accelerometer payload: %w", err)
	}
	if p.Error != "" {
		return models.Sample{}, fmt.Errorf("%w: %s", ErrSensorUnavailable, p.Error)
	}
	if p.X == nil || p.Y == nil || p.Z == nil {
		return models.Sample{}, fmt.Errorf("malformed accelerometer payload: missing axis")
	}
	if p.T <= 0 {
		return models.Sample{}, fmt.Errorf("malformed accelerometer payload: t is required")
	}

	s := models.Sample{X: *p.X, Y: *p.Y, Z: *p.Z, T: time.UnixMilli(p.T).UTC()}
	if units == UnitsMS2 {
		s.X /= models.StandardGravity
		s.Y /= models.StandardGravity
		s.Z /= models.StandardGravity
	}
	return s, nil
}
