package detector

import (
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/filter"
	"github.com/MarcelMaron2k/evercare/internal/models"
)

// Replay 对固定采样序列运行检测，返回确认的事件（按检测顺序）
// 采样错误计为故障；故障过多进入 Idle 后不再检测
func Replay(cfg Config, samples []models.Sample) []models.FallEvent {
	return ReplayWithLogger(cfg, samples, "", "", zap.NewNop())
}

// ReplayWithLogger 带身份信息与日志的回放
func ReplayWithLogger(cfg Config, samples []models.Sample, userID, deviceID string, logger *zap.Logger) []models.FallEvent {
	if len(samples) == 0 {
		return nil
	}

	f := filter.NewFilter(filter.DefaultWindowSize)
	d := NewDetector(cfg, userID, deviceID, logger)
	_ = d.Start(models.PermissionSnapshot{Sensor: true}, samples[0].T)

	var events []models.FallEvent
	for _, s := range samples {
		m, err := f.Push(s)
		if err != nil {
			d.Fault(err, s.T)
			continue
		}
		if event := d.Process(m); event != nil {
			events = append(events, *event)
			d.Acknowledge()
		}
	}
	return events
}
