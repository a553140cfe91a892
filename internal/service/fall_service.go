package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/config"
	"github.com/MarcelMaron2k/evercare/internal/consumer"
	"github.com/MarcelMaron2k/evercare/internal/database"
	"github.com/MarcelMaron2k/evercare/internal/detector"
	"github.com/MarcelMaron2k/evercare/internal/escalation"
	"github.com/MarcelMaron2k/evercare/internal/location"
	applog "github.com/MarcelMaron2k/evercare/internal/logger"
	"github.com/MarcelMaron2k/evercare/internal/mqttx"
	"github.com/MarcelMaron2k/evercare/internal/notify"
	"github.com/MarcelMaron2k/evercare/internal/permission"
	"github.com/MarcelMaron2k/evercare/internal/redisx"
	"github.com/MarcelMaron2k/evercare/internal/repository"
	"github.com/MarcelMaron2k/evercare/internal/sensor"
	"github.com/MarcelMaron2k/evercare/internal/status"
	"github.com/MarcelMaron2k/evercare/internal/telephony"
)

// FallService 跌倒检测服务（整合各层）
type FallService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttx.Client
	logger      *zap.Logger

	// 各层组件
	eventsRepo    *repository.FallEventsRepository
	decisionsRepo *repository.EscalationDecisionsRepository
	reporter      *status.Reporter
	escalator     *escalation.Escalator
	monitor       *consumer.Monitor

	escCancel context.CancelFunc
	escDone   sync.WaitGroup
}

// NewFallService 创建跌倒检测服务
func NewFallService(cfg *config.Config, logger *zap.Logger) (*FallService, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 2. 连接 Redis
	redisClient, err := redisx.Connect(context.Background(), &cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqttx.NewClient(&cfg.MQTT, logger)
	if err != nil {
		redisClient.Close()
		db.Close()
		return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
	}

	s := &FallService{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		logger:      logger,
	}
	if err := s.wire(); err != nil {
		s.Stop()
		return nil, err
	}
	return s, nil
}

// wire 创建 Repository、适配器、升级与监测组件
func (s *FallService) wire() error {
	cfg := s.config
	logger := s.logger

	// Repository 层
	s.eventsRepo = repository.NewFallEventsRepository(s.db, logger)
	s.decisionsRepo = repository.NewEscalationDecisionsRepository(s.db, logger)
	caretakers := repository.NewCaretakerRepository(s.db, logger)

	// 边界适配器
	gate := permission.NewRedisGate(s.redisClient, cfg.Cache.PermissionKeyPrefix, cfg.Cache.PermissionRequestStream, cfg.UserID, cfg.DeviceID, applog.WithComponent(logger, "permission"))
	locator := location.NewRedisLocator(s.redisClient, cfg.Cache.LocationKeyPrefix+cfg.UserID+cfg.Cache.LocationSuffix, cfg.Cache.LocationTimeout, cfg.Cache.LocationMaxAge, applog.WithComponent(logger, "location"))
	s.reporter = status.NewReporter(s.redisClient, cfg.Cache.StatusKeyPrefix, cfg.Cache.StatusTTL, cfg.Cache.FallEventStream, applog.WithComponent(logger, "status"))
	notifier := notify.NewMQTTNotifier(s.mqttClient, fmt.Sprintf(cfg.Notify.TopicTemplate, cfg.UserID), applog.WithComponent(logger, "notify"))
	dialer := telephony.NewGatewayDialer(cfg.Telephony.BaseURL, cfg.Telephony.APIKey, cfg.UserID, cfg.Telephony.Timeout, applog.WithComponent(logger, "telephony"))

	units, err := sensor.ParseUnits(cfg.Sensor.Units)
	if err != nil {
		return err
	}
	source := sensor.NewMQTTSource(s.mqttClient, fmt.Sprintf(cfg.Sensor.TopicTemplate, cfg.DeviceID), cfg.MQTT.QoS, units, cfg.Sensor.BufferSize, applog.WithComponent(logger, "sensor"))

	// 升级
	escalator, err := buildEscalator(cfg, escalation.Deps{
		Permissions: gate,
		Caretakers:  caretakers,
		Notifier:    notifier,
		Dialer:      dialer,
		Locator:     locator,
	}, s.eventsRepo, s.decisionsRepo, s.reporter, logger)
	if err != nil {
		return err
	}
	s.escalator = escalator

	// 监测
	s.monitor, err = buildMonitor(cfg, source, gate, escalator, s.reporter, logger)
	return err
}

// Start 启动服务，阻塞直到 ctx 结束
// 升级在独立的上下文中运行，ctx 取消不会中断已提交的事件
func (s *FallService) Start(ctx context.Context) error {
	s.logger.Info("Starting fall detection service",
		zap.String("user_id", s.config.UserID),
		zap.String("device_id", s.config.DeviceID),
	)

	escCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.escCancel = cancel
	s.escDone.Add(1)
	go func() {
		defer s.escDone.Done()
		s.escalator.Run(escCtx)
	}()

	if err := s.monitor.Run(ctx); err != nil {
		return fmt.Errorf("monitor stopped: %w", err)
	}
	return nil
}

// Stop 等待升级完成，然后关闭连接
//
// 已提交的跌倒事件一定会升级完毕：DrainTimeout 到期后仍会等待剩余升级结束，
// 总耗时可能超过 DrainTimeout（期间记录告警日志）。
func (s *FallService) Stop() error {
	s.logger.Info("Stopping fall detection service")

	if s.escalator != nil && s.escCancel != nil {
		drainEscalations(s.escalator, s.config.Escalation.DrainTimeout, s.escCancel, s.escDone.Wait, s.logger)

		for _, e := range s.escalator.FailedStores() {
			s.logger.Error("Fall event was not persisted", zap.String("event_id", e.ID))
		}
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
	return nil
}

// FallEvents 跌倒事件仓库（history 命令使用）
func (s *FallService) FallEvents() *repository.FallEventsRepository {
	return s.eventsRepo
}

// drainEscalations 关闭升级队列并等待升级协程退出
// timeout 内未取空时记录告警，然后继续等待：升级上下文不随取消中断，队列中的事件都会执行完
func drainEscalations(escalator *escalation.Escalator, timeout time.Duration, stop context.CancelFunc, wait func(), logger *zap.Logger) {
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := escalator.Close(drainCtx)
	stop()
	if err == nil {
		wait()
		return
	}

	logger.Warn("Escalations did not drain within timeout, waiting for in-flight escalations",
		zap.Duration("drain_timeout", timeout),
		zap.Error(err),
	)
	start := time.Now()
	wait()
	logger.Warn("Escalations finished after drain timeout",
		zap.Duration("overrun", time.Since(start)),
	)
}

func buildEscalator(
	cfg *config.Config,
	deps escalation.Deps,
	store escalation.EventStore,
	recorder escalation.DecisionRecorder,
	publisher escalation.EventPublisher,
	logger *zap.Logger,
) (*escalation.Escalator, error) {
	escCfg := escalation.FromConfig(cfg.Escalation)
	policy, err := escalation.NewPolicy(escCfg, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation policy: %w", err)
	}
	persister := escalation.NewPersister(store, escCfg.StoreMaxAttempts, escCfg.StoreRetryDelay, logger)
	return escalation.NewEscalator(policy, persister, recorder, publisher, logger), nil
}

func buildMonitor(
	cfg *config.Config,
	source sensor.Source,
	gate permission.Gate,
	submitter consumer.Submitter,
	reporter consumer.StatusReporter,
	logger *zap.Logger,
) (*consumer.Monitor, error) {
	detCfg := detector.FromConfig(cfg.Detector)
	if err := detCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	det := detector.NewDetector(detCfg, cfg.UserID, cfg.DeviceID, logger)

	monCfg := consumer.DefaultConfig()
	monCfg.UserID = cfg.UserID
	monCfg.DeviceID = cfg.DeviceID
	monCfg.WindowSize = cfg.Sensor.WindowSize
	monCfg.TickInterval = cfg.Monitor.TickInterval
	monCfg.StaleAfter = cfg.Sensor.StaleAfter
	monCfg.MetricsInterval = cfg.Monitor.MetricsInterval

	return consumer.NewMonitor(monCfg, source, gate, det, submitter, reporter, logger), nil
}
