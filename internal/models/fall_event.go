package models

import (
	"time"
)

// GeoPoint 最后已知位置（对应 falls 文档中的 location 字段）
type GeoPoint struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Provider   string    `json:"provider"`
	RecordedAt time.Time `json:"recorded_at"`
}

// FallEvent 已确认的跌倒事件（对应 fall_events 表）
// 由检测器在进入 Confirmed 时创建，之后不可变
type FallEvent struct {
	ID            string    `json:"id" db:"event_id"`
	UserID        string    `json:"user_id" db:"user_id"`
	DeviceID      string    `json:"device_id" db:"device_id"`
	StartedAt     time.Time `json:"started_at" db:"started_at"`
	ConfirmedAt   time.Time `json:"confirmed_at" db:"confirmed_at"`
	DurationMs    uint32    `json:"duration_ms" db:"duration_ms"`
	PeakMagnitude float64   `json:"peak_magnitude" db:"peak_magnitude"`
	MinMagnitude  float64   `json:"min_magnitude" db:"min_magnitude"`
	Location      *GeoPoint `json:"location,omitempty" db:"location"` // JSONB，可空
}

// WithLocation 返回附带位置的副本（事件本身不被修改）
func (e FallEvent) WithLocation(loc *GeoPoint) FallEvent {
	if loc == nil {
		return e
	}
	p := *loc
	e.Location = &p
	return e
}
