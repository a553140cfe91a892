package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/config"
	"github.com/MarcelMaron2k/evercare/internal/escalation"
	"github.com/MarcelMaron2k/evercare/internal/models"
	"github.com/MarcelMaron2k/evercare/internal/notify"
	"github.com/MarcelMaron2k/evercare/internal/permission"
	"github.com/MarcelMaron2k/evercare/internal/repository"
	"github.com/MarcelMaron2k/evercare/internal/sensor"
	"github.com/MarcelMaron2k/evercare/internal/telephony"
)

// ReplayOptions 离线回放选项
type ReplayOptions struct {
	Permissions models.PermissionSnapshot
	Caretaker   models.CaretakerConfig
	Period      time.Duration // 0 表示不按采样周期节拍
}

// ReplayResult 回放结果
type ReplayResult struct {
	Events    []models.FallEvent            `json:"events"`
	Decisions []*models.EscalationDecision `json:"decisions"`
	Failed    []models.FallEvent            `json:"failed_stores,omitempty"`
}

// replayAdapters 回放使用的通知与拨号实现（默认只写日志）
type replayAdapters struct {
	notifier escalation.Notifier
	dialer   escalation.Dialer
}

// RunReplay 用日志适配器和内存存储离线运行完整的检测与升级流程
func RunReplay(ctx context.Context, cfg *config.Config, samples []models.Sample, opts ReplayOptions, logger *zap.Logger) (*ReplayResult, error) {
	return runReplay(ctx, cfg, samples, opts, replayAdapters{
		notifier: notify.NewLogNotifier(logger),
		dialer:   telephony.NewLogDialer(logger),
	}, logger)
}

func runReplay(ctx context.Context, cfg *config.Config, samples []models.Sample, opts ReplayOptions, adapters replayAdapters, logger *zap.Logger) (*ReplayResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	userID := cfg.UserID
	if userID == "" {
		userID = "replay"
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = "replay-device"
	}
	replayCfg := *cfg
	replayCfg.UserID = userID
	replayCfg.DeviceID = deviceID

	store := repository.NewMemoryFallEventStore()
	recorder := repository.NewMemoryDecisionRecorder()
	gate := permission.NewStaticGate(opts.Permissions)

	escalator, err := buildEscalator(&replayCfg, escalation.Deps{
		Permissions: gate,
		Caretakers:  repository.StaticCaretakers{Config: opts.Caretaker},
		Notifier:    adapters.notifier,
		Dialer:      adapters.dialer,
	}, store, recorder, nil, logger)
	if err != nil {
		return nil, err
	}

	source := sensor.NewReplaySource(samples, opts.Period)
	monitor, err := buildMonitor(&replayCfg, source, gate, escalator, nil, logger)
	if err != nil {
		return nil, err
	}

	escCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	escDone := make(chan struct{})
	go func() {
		defer close(escDone)
		escalator.Run(escCtx)
	}()

	if err := monitor.Run(ctx); err != nil {
		return nil, fmt.Errorf("replay monitor failed: %w", err)
	}

	// 等待所有升级与持久化完成
	drainEscalations(escalator, cfg.Escalation.DrainTimeout, cancel, func() { <-escDone }, logger)

	events, err := store.ListForUser(context.Background(), userID, store.Count())
	if err != nil {
		return nil, err
	}

	metrics := monitor.Metrics()
	logger.Info("Replay finished",
		zap.Int("samples", len(samples)),
		zap.Int64("candidates", metrics.Candidates),
		zap.Int64("confirmed_falls", metrics.ConfirmedFalls),
		zap.Int("stored_events", len(events)),
	)

	return &ReplayResult{
		Events:    events,
		Decisions: escalator.Decisions(),
		Failed:    escalator.FailedStores(),
	}, nil
}
