package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/detector"
	"github.com/MarcelMaron2k/evercare/internal/filter"
	"github.com/MarcelMaron2k/evercare/internal/models"
	"github.com/MarcelMaron2k/evercare/internal/permission"
	"github.com/MarcelMaron2k/evercare/internal/sensor"
)

// ErrStaleStream 超过 StaleAfter 没有收到采样
var ErrStaleStream = errors.New("sensor stream stalled")

// Submitter 接收已确认事件（不得阻塞）
type Submitter interface {
	Submit(event models.FallEvent) error
}

// StatusReporter 上报监测状态
type StatusReporter interface {
	Report(ctx context.Context, s models.MonitorStatus) error
}

// Config 监测循环配置
type Config struct {
	UserID          string
	DeviceID        string
	WindowSize      int
	TickInterval    time.Duration
	StaleAfter      time.Duration
	MetricsInterval time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		WindowSize:      filter.DefaultWindowSize,
		TickInterval:    100 * time.Millisecond,
		StaleAfter:      time.Second,
		MetricsInterval: 60 * time.Second,
		InitialBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
	}
}

// Monitor 监测循环：独占传感器订阅、滤波器和检测器
//
// 所有检测状态只在 Run 所在的 goroutine 中修改。
// 权限轮询与状态上报在各自的 goroutine 中进行，不阻塞采样处理。
type Monitor struct {
	cfg       Config
	source    sensor.Source
	gate      permission.Gate
	detector  *detector.Detector
	filter    *filter.Filter
	submitter Submitter
	reporter  StatusReporter // 可为 nil
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	readings      <-chan sensor.Reading
	permissions   chan models.PermissionSnapshot
	sink          *statusSink
	subscribed    bool
	sensorGranted bool
	snapshot      models.PermissionSnapshot
	lastSampleT   time.Time
	lastArrival   time.Time
	retryAt       time.Time
	backoff       time.Duration
	sessions      int

	degraded    bool
	reason      string
	statusDirty bool
}

// NewMonitor 创建监测循环
func NewMonitor(
	cfg Config,
	source sensor.Source,
	gate permission.Gate,
	det *detector.Detector,
	submitter Submitter,
	reporter StatusReporter,
	logger *zap.Logger,
) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.WindowSize < 2 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaults.MetricsInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	m := &Monitor{
		cfg:       cfg,
		source:    source,
		gate:      gate,
		detector:  det,
		filter:    filter.NewFilter(cfg.WindowSize),
		submitter: submitter,
		reporter:  reporter,
		logger:    logger,
		metrics:     &Metrics{StartTime: time.Now()},
		now:         time.Now,
		backoff:     cfg.InitialBackoff,
		permissions: make(chan models.PermissionSnapshot, 1),
	}
	det.OnTransition(m.onTransition)
	return m
}

// Metrics 返回指标快照
func (m *Monitor) Metrics() Metrics {
	return m.metrics.GetSnapshot()
}

// Run 运行监测循环，直到 ctx 结束或有限数据源结束
// 已提交的升级不受 ctx 取消影响
func (m *Monitor) Run(ctx context.Context) error {
	// 1. 会话开始时请求一次全部权限
	snapshot, err := m.gate.RequestAll(ctx)
	if err != nil {
		m.logger.Warn("Failed to request permissions", zap.Error(err))
	}
	m.sensorGranted = err == nil && snapshot.Sensor
	m.snapshot = snapshot

	if m.reporter != nil {
		m.sink = newStatusSink(m.reporter, m.logger)
		// 最后执行：补报停止时的状态
		defer m.sink.Close()
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.reportMetrics(bgCtx)
	}()
	go func() {
		defer wg.Done()
		m.pollPermissions(bgCtx)
	}()
	defer func() {
		bgCancel()
		wg.Wait()
	}()

	defer m.unsubscribe()

	// 2. 开始监测
	if m.sensorGranted {
		m.resume(ctx, snapshot)
	} else {
		m.setDegraded("sensor permission not granted")
		m.logger.Warn("Sensor permission not granted, monitoring idle",
			zap.String("user_id", m.cfg.UserID),
		)
	}
	m.flushStatus()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	// 3. 主循环
	for {
		select {
		case <-ctx.Done():
			m.stop(ctx, "monitoring stopped")
			return nil

		case r, ok := <-m.readings:
			if ctx.Err() != nil {
				m.stop(ctx, "monitoring stopped")
				return nil
			}
			if !ok {
				// 数据源意外关闭通道
				m.sensorLost(ctx, sensor.ErrSensorUnavailable)
				continue
			}
			if m.handleReading(ctx, r) {
				m.stop(ctx, "sample stream ended")
				return nil
			}

		case snap := <-m.permissions:
			m.applyPermissions(ctx, snap)

		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// handleReading 处理单个读数，返回 true 表示数据流已结束
func (m *Monitor) handleReading(ctx context.Context, r sensor.Reading) bool {
	if r.Err != nil {
		switch {
		case errors.Is(r.Err, sensor.ErrEndOfStream):
			m.logger.Info("Sample stream ended",
				zap.Int64("samples_processed", m.metrics.GetSnapshot().SamplesProcessed),
			)
			return true
		case errors.Is(r.Err, sensor.ErrSensorUnavailable):
			m.sensorLost(ctx, r.Err)
		default:
			m.fault(ctx, r.Err)
		}
		return false
	}

	mag, err := m.filter.Push(r.Sample)
	if err != nil {
		m.fault(ctx, err)
		return false
	}

	m.metrics.IncrementSamples()
	m.lastSampleT = mag.T
	m.lastArrival = m.now()
	m.backoff = m.cfg.InitialBackoff
	if m.degraded {
		m.clearDegraded()
	}

	if event := m.detector.Process(mag); event != nil {
		m.handOff(*event)
	}
	return false
}

// handOff 移交已确认事件，然后进入冷却
func (m *Monitor) handOff(event models.FallEvent) {
	m.logger.Info("Fall confirmed",
		zap.String("event_id", event.ID),
		zap.String("user_id", event.UserID),
		zap.Uint32("duration_ms", event.DurationMs),
		zap.Float64("peak_magnitude", event.PeakMagnitude),
		zap.Float64("min_magnitude", event.MinMagnitude),
	)
	if err := m.submitter.Submit(event); err != nil {
		m.metrics.IncrementSubmitFailed()
		m.logger.Error("Failed to submit fall event", zap.String("event_id", event.ID), zap.Error(err))
	}
	m.detector.Acknowledge()
}

// pollPermissions 按 TickInterval 读取权限快照，只保留最新一个交给主循环
// 读取失败时不发送，主循环保持当前状态
func (m *Monitor) pollPermissions(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snapshot, err := m.gate.CurrentSnapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("Failed to read permission snapshot", zap.Error(err))
			}
			continue
		}

		// 替换尚未被取走的旧快照
		select {
		case <-m.permissions:
		default:
		}
		select {
		case m.permissions <- snapshot:
		case <-ctx.Done():
			return
		}
	}
}

// applyPermissions 处理权限变化：撤销停止监测，重新授权后恢复订阅
func (m *Monitor) applyPermissions(ctx context.Context, snapshot models.PermissionSnapshot) {
	m.snapshot = snapshot
	switch {
	case m.sensorGranted && !snapshot.Sensor:
		m.sensorGranted = false
		m.logger.Warn("Sensor permission revoked", zap.String("user_id", m.cfg.UserID))
		m.stop(ctx, "sensor permission revoked")
		m.setDegraded("sensor permission revoked")
		m.flushStatus()
	case !m.sensorGranted && snapshot.Sensor:
		m.sensorGranted = true
		m.retryAt = time.Time{}
		m.backoff = m.cfg.InitialBackoff
		m.logger.Info("Sensor permission granted", zap.String("user_id", m.cfg.UserID))
		if !m.subscribed {
			m.resume(ctx, snapshot)
		}
		m.flushStatus()
	}
}

// tick 定时检查：重新订阅、流停顿、采样时钟定时器
func (m *Monitor) tick(ctx context.Context) {
	now := m.now()

	if m.sensorGranted && !m.subscribed && !now.Before(m.retryAt) {
		m.resume(ctx, m.snapshot)
	}

	if m.subscribed {
		if now.Sub(m.lastArrival) >= m.cfg.StaleAfter {
			m.lastArrival = now
			m.fault(ctx, ErrStaleStream)
		}
		if !m.lastSampleT.IsZero() {
			m.detector.Expire(m.sampleClock(now))
		}
	}

	m.flushStatus()
}

// resume 订阅数据源并启动检测器
func (m *Monitor) resume(ctx context.Context, snapshot models.PermissionSnapshot) {
	ch, err := m.source.Subscribe(ctx)
	if err != nil {
		m.metrics.IncrementSensorLost()
		m.setDegraded("sensor unavailable: " + err.Error())
		m.scheduleRetry(err)
		return
	}
	if m.sessions > 0 {
		m.metrics.IncrementResubscribes()
	}
	m.sessions++

	m.readings = ch
	m.subscribed = true
	m.filter.Reset()
	m.lastSampleT = time.Time{}
	m.lastArrival = m.now()

	snapshot.Sensor = true
	if err := m.detector.Start(snapshot, m.now()); err != nil {
		m.logger.Error("Failed to start fall detector", zap.Error(err))
		m.unsubscribe()
		return
	}
	m.logger.Info("Fall monitoring started",
		zap.String("user_id", m.cfg.UserID),
		zap.String("device_id", m.cfg.DeviceID),
	)
}

// fault 瞬时故障；达到上限时检测器进入 Idle，稍后重新订阅
func (m *Monitor) fault(ctx context.Context, err error) {
	m.metrics.IncrementFaults()
	if !m.detector.Fault(err, m.sampleClock(m.now())) {
		return
	}
	_, reason := m.detector.Degraded()
	m.unsubscribe()
	m.setDegraded(reason)
	m.scheduleRetry(err)
}

// sensorLost 传感器不可用：停止检测，退避后重新订阅
func (m *Monitor) sensorLost(ctx context.Context, err error) {
	m.metrics.IncrementSensorLost()
	m.logger.Warn("Sensor unavailable", zap.String("device_id", m.cfg.DeviceID), zap.Error(err))
	m.stop(ctx, "sensor unavailable")
	m.setDegraded("sensor unavailable")
	m.scheduleRetry(err)
}

func (m *Monitor) stop(ctx context.Context, reason string) {
	m.detector.Stop(reason, m.sampleClock(m.now()))
	m.unsubscribe()
	m.flushStatus()
}

func (m *Monitor) unsubscribe() {
	if !m.subscribed {
		return
	}
	if err := m.source.Unsubscribe(); err != nil {
		m.logger.Warn("Failed to unsubscribe sensor", zap.Error(err))
	}
	m.readings = nil
	m.subscribed = false
}

// scheduleRetry 指数退避：1s 起，每次翻倍，不超过 MaxBackoff
func (m *Monitor) scheduleRetry(err error) {
	m.retryAt = m.now().Add(m.backoff)
	m.logger.Warn("Monitoring degraded, will resubscribe",
		zap.String("device_id", m.cfg.DeviceID),
		zap.Duration("backoff", m.backoff),
		zap.Error(err),
	)
	m.backoff *= 2
	if m.backoff > m.cfg.MaxBackoff {
		m.backoff = m.cfg.MaxBackoff
	}
}

// sampleClock 将墙钟换算到采样时钟：最后采样时间 + 自其到达以来的流逝
func (m *Monitor) sampleClock(now time.Time) time.Time {
	if m.lastSampleT.IsZero() {
		return now
	}
	return m.lastSampleT.Add(now.Sub(m.lastArrival))
}

func (m *Monitor) onTransition(from, to models.DetectorState, at time.Time) {
	switch {
	case to == models.StateCandidateFall:
		m.metrics.IncrementCandidates()
	case from == models.StateCandidateFall && to == models.StateMonitoring:
		m.metrics.IncrementDiscarded()
	case to == models.StateConfirmed:
		m.metrics.IncrementConfirmed(at)
	}
	m.statusDirty = true
}

func (m *Monitor) setDegraded(reason string) {
	m.degraded = true
	m.reason = reason
	m.statusDirty = true
}

func (m *Monitor) clearDegraded() {
	m.degraded = false
	m.reason = ""
	m.statusDirty = true
}

// flushStatus 状态有变化时交给后台上报（不阻塞）
func (m *Monitor) flushStatus() {
	if !m.statusDirty || m.sink == nil {
		return
	}
	m.statusDirty = false

	m.sink.Push(models.MonitorStatus{
		UserID:    m.cfg.UserID,
		DeviceID:  m.cfg.DeviceID,
		State:     m.detector.State(),
		Degraded:  m.degraded,
		Reason:    m.reason,
		UpdatedAt: m.now(),
	})
}

// reportMetrics 定期报告指标
func (m *Monitor) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := m.metrics.GetSnapshot()
			m.logger.Info("Metrics report",
				zap.Int64("samples_processed", snapshot.SamplesProcessed),
				zap.Int64("faults", snapshot.Faults),
				zap.Int64("sensor_lost", snapshot.SensorLost),
				zap.Int64("resubscribes", snapshot.Resubscribes),
				zap.Int64("candidates", snapshot.Candidates),
				zap.Int64("discarded_candidates", snapshot.DiscardedFalls),
				zap.Int64("confirmed_falls", snapshot.ConfirmedFalls),
				zap.Int64("submit_failed", snapshot.SubmitFailed),
				zap.Duration("uptime", time.Since(snapshot.StartTime)),
			)
		}
	}
}
