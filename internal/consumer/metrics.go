package consumer

import (
	"sync"
	"time"
)

// Metrics 监控指标
type Metrics struct {
	mu sync.RWMutex

	// 采样统计
	SamplesProcessed int64 // 通过滤波进入检测器的采样数
	Faults           int64 // 瞬时故障（无效采样、流停顿等）
	SensorLost       int64 // 传感器不可用次数
	Resubscribes     int64 // 重新订阅次数

	// 检测统计
	Candidates        int64 // 进入 CandidateFall 的次数
	DiscardedFalls    int64 // 候选被丢弃（无冲击）
	ConfirmedFalls    int64 // 确认跌倒
	SubmitFailed      int64 // 提交升级失败
	LastConfirmedTime time.Time

	// 启动时间
	StartTime time.Time
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		SamplesProcessed:  m.SamplesProcessed,
		Faults:            m.Faults,
		SensorLost:        m.SensorLost,
		Resubscribes:      m.Resubscribes,
		Candidates:        m.Candidates,
		DiscardedFalls:    m.DiscardedFalls,
		ConfirmedFalls:    m.ConfirmedFalls,
		SubmitFailed:      m.SubmitFailed,
		LastConfirmedTime: m.LastConfirmedTime,
		StartTime:         m.StartTime,
	}
}

func (m *Metrics) add(field *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field++
}

// IncrementSamples 增加采样计数
func (m *Metrics) IncrementSamples() { m.add(&m.SamplesProcessed) }

// IncrementFaults 增加故障计数
func (m *Metrics) IncrementFaults() { m.add(&m.Faults) }

// IncrementSensorLost 增加传感器丢失计数
func (m *Metrics) IncrementSensorLost() { m.add(&m.SensorLost) }

// IncrementResubscribes 增加重新订阅计数
func (m *Metrics) IncrementResubscribes() { m.add(&m.Resubscribes) }

// IncrementCandidates 增加候选计数
func (m *Metrics) IncrementCandidates() { m.add(&m.Candidates) }

// IncrementDiscarded 增加丢弃候选计数
func (m *Metrics) IncrementDiscarded() { m.add(&m.DiscardedFalls) }

// IncrementSubmitFailed 增加提交失败计数
func (m *Metrics) IncrementSubmitFailed() { m.add(&m.SubmitFailed) }

// IncrementConfirmed 增加确认计数
func (m *Metrics) IncrementConfirmed(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConfirmedFalls++
	m.LastConfirmedTime = at
}
