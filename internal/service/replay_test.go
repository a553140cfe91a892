package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcelMaron2k/evercare/internal/config"
	"github.com/MarcelMaron2k/evercare/internal/models"
)

var t0 = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := &config.Config{UserID: "user-1", DeviceID: "device-1"}
	cfg.Detector = config.DetectorConfig{
		FreeFallThreshold:    0.3,
		MinFreeFall:          200 * time.Millisecond,
		ImpactThreshold:      2.0,
		ImpactWindow:         time.Second,
		Cooldown:             10 * time.Second,
		MaxConsecutiveFaults: 3,
	}
	cfg.Escalation = config.EscalationConfig{
		EmergencyNumber:  "101",
		RetryDelay:       10 * time.Millisecond,
		MaxAttempts:      2,
		StoreMaxAttempts: 3,
		StoreRetryDelay:  10 * time.Millisecond,
		DrainTimeout:     2 * time.Second,
	}
	cfg.Sensor.WindowSize = 5
	cfg.Sensor.StaleAfter = 10 * time.Second
	cfg.Monitor.TickInterval = 10 * time.Millisecond
	return cfg
}

func fallSamples() []models.Sample {
	values := []float64{1.0, 1.0, 1.0, 0.05, 0.05, 0.05, 1.0, 3.0, 1.0, 1.0}
	out := make([]models.Sample, len(values))
	for i, v := range values {
		out[i] = models.Sample{Z: v, T: t0.Add(time.Duration(i*100) * time.Millisecond)}
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) NotifyUser(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

type recordingDialer struct {
	mu     sync.Mutex
	dialed []models.PhoneNumber
}

func (d *recordingDialer) PlaceCall(ctx context.Context, number models.PhoneNumber) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, number)
	return nil
}

func TestRunReplay_FallEscalatedToCaretaker(t *testing.T) {
	phone := models.PhoneNumber("+15551234567")
	name := "Dana"
	notifier := &recordingNotifier{}
	dialer := &recordingDialer{}

	result, err := runReplay(context.Background(), testConfig(), fallSamples(), ReplayOptions{
		Permissions: models.PermissionSnapshot{Sensor: true, Location: true, Phone: true, Notifications: true},
		Caretaker:   models.CaretakerConfig{Name: &name, Phone: &phone},
	}, replayAdapters{notifier: notifier, dialer: dialer}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, result.Events, 1)
	assert.Equal(t, uint32(400), result.Events[0].DurationMs)
	assert.Equal(t, "user-1", result.Events[0].UserID)

	require.Len(t, result.Decisions, 1)
	d := result.Decisions[0]
	assert.Equal(t, models.TargetCaretaker, d.Target)
	assert.Equal(t, phone, d.TargetNumber)
	assert.Equal(t, models.OutcomeDelivered, d.Outcome)
	assert.True(t, d.Delivered(models.ChannelStore))
	assert.Empty(t, result.Failed)

	assert.Equal(t, []models.PhoneNumber{phone}, dialer.dialed)
	assert.Len(t, notifier.titles, 1)
}

// slowDialer 每次呼叫耗时 delay
type slowDialer struct {
	recordingDialer
	delay time.Duration
}

func (d *slowDialer) PlaceCall(ctx context.Context, number models.PhoneNumber) error {
	time.Sleep(d.delay)
	return d.recordingDialer.PlaceCall(ctx, number)
}

func TestRunReplay_EscalationOutlivesDrainTimeout(t *testing.T) {
	phone := models.PhoneNumber("+15551234567")
	cfg := testConfig()
	cfg.Escalation.DrainTimeout = 20 * time.Millisecond
	dialer := &slowDialer{delay: 200 * time.Millisecond}
	core, logs := observer.New(zapcore.WarnLevel)

	result, err := runReplay(context.Background(), cfg, fallSamples(), ReplayOptions{
		Permissions: models.PermissionSnapshot{Sensor: true, Phone: true, Notifications: true},
		Caretaker:   models.CaretakerConfig{Phone: &phone},
	}, replayAdapters{notifier: &recordingNotifier{}, dialer: dialer}, zap.New(core))
	require.NoError(t, err)

	// 超时后仍等待呼叫完成，事件不会丢失
	require.Len(t, result.Decisions, 1)
	assert.True(t, result.Decisions[0].Delivered(models.ChannelCall))
	assert.Equal(t, []models.PhoneNumber{phone}, dialer.dialed)

	assert.Equal(t, 1, logs.FilterMessage("Escalations did not drain within timeout, waiting for in-flight escalations").Len())
	assert.Equal(t, 1, logs.FilterMessage("Escalations finished after drain timeout").Len())
}

func TestRunReplay_PhoneDeniedFallsBackToAlert(t *testing.T) {
	notifier := &recordingNotifier{}
	dialer := &recordingDialer{}

	result, err := runReplay(context.Background(), testConfig(), fallSamples(), ReplayOptions{
		Permissions: models.PermissionSnapshot{Sensor: true, Notifications: true},
	}, replayAdapters{notifier: notifier, dialer: dialer}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, result.Decisions, 1)
	d := result.Decisions[0]
	assert.Equal(t, models.TargetEmergency, d.Target)
	assert.Equal(t, models.PhoneNumber("101"), d.TargetNumber)

	call, ok := d.Attempt(models.ChannelCall)
	require.True(t, ok)
	assert.Equal(t, models.OutcomeFailed, call.Outcome)
	assert.Equal(t, "permission denied", call.Reason)
	assert.Empty(t, dialer.dialed)

	// 告警 + 呼叫失败提示
	assert.Len(t, notifier.titles, 2)
	assert.NotEmpty(t, d.FallbackAlert)
}

func TestRunReplay_SensorDenied(t *testing.T) {
	notifier := &recordingNotifier{}
	dialer := &recordingDialer{}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	result, err := runReplay(ctx, testConfig(), fallSamples(), ReplayOptions{
		Permissions: models.PermissionSnapshot{Notifications: true, Phone: true},
	}, replayAdapters{notifier: notifier, dialer: dialer}, zap.NewNop())
	require.NoError(t, err)

	assert.Empty(t, result.Events)
	assert.Empty(t, result.Decisions)
	assert.Empty(t, notifier.titles)
}

func TestRunReplay_DefaultsIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.UserID = ""
	cfg.DeviceID = ""

	result, err := runReplay(context.Background(), cfg, fallSamples(), ReplayOptions{
		Permissions: models.PermissionSnapshot{Sensor: true, Notifications: true},
	}, replayAdapters{notifier: &recordingNotifier{}, dialer: &recordingDialer{}}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, result.Events, 1)
	assert.Equal(t, "replay", result.Events[0].UserID)
	assert.Equal(t, "replay-device", result.Events[0].DeviceID)
}

func TestNewFallService_RequiresIdentity(t *testing.T) {
	_, err := NewFallService(&config.Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id is required")

	_, err = NewFallService(&config.Config{UserID: "user-1"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device_id is required")
}
