package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

func setupMockFallEventsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *FallEventsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewFallEventsRepository(db, logger)

	return db, mock, repo
}

var fallEventColumns = []string{
	"event_id", "user_id", "device_id", "started_at", "confirmed_at",
	"duration_ms", "peak_magnitude", "min_magnitude", "location",
}

func sampleFallEvent(userID string, confirmedAt time.Time) models.FallEvent {
	return models.FallEvent{
		ID:            uuid.New().String(),
		UserID:        userID,
		DeviceID:      "device-1",
		StartedAt:     confirmedAt.Add(-400 * time.Millisecond),
		ConfirmedAt:   confirmedAt,
		DurationMs:    400,
		PeakMagnitude: 3.0,
		MinMagnitude:  0.05,
	}
}

// ============================================
// 写入测试
// ============================================

func TestAppend_Success(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	event := sampleFallEvent("user-1", time.Now())
	event.Location = &models.GeoPoint{Latitude: 32.08, Longitude: 34.78, Accuracy: 5, Provider: "gps"}
	location, err := json.Marshal(event.Location)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO fall_events .* ON CONFLICT \(event_id\) DO NOTHING`).
		WithArgs(
			event.ID, event.UserID, event.DeviceID, event.StartedAt, event.ConfirmedAt,
			int64(400), 3.0, 0.05, string(location),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Append(context.Background(), event)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_WithoutLocation(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	event := sampleFallEvent("user-1", time.Now())

	mock.ExpectExec(`INSERT INTO fall_events`).
		WithArgs(
			event.ID, event.UserID, event.DeviceID, event.StartedAt, event.ConfirmedAt,
			int64(400), 3.0, 0.05, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Append(context.Background(), event))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_Idempotent(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	event := sampleFallEvent("user-1", time.Now())

	mock.ExpectExec(`INSERT INTO fall_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	// 第二次写入冲突，不影响任何行
	mock.ExpectExec(`INSERT INTO fall_events`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Append(context.Background(), event))
	require.NoError(t, repo.Append(context.Background(), event))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_Validation(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	err := repo.Append(context.Background(), models.FallEvent{UserID: "user-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_id is required")

	err = repo.Append(context.Background(), models.FallEvent{ID: "event-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id is required")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_DatabaseError(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO fall_events`).WillReturnError(errors.New("connection reset"))

	err := repo.Append(context.Background(), sampleFallEvent("user-1", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert fall event")
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 查询测试
// ============================================

func TestListForUser_Success(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	now := time.Now()
	newer := sampleFallEvent("user-1", now)
	older := sampleFallEvent("user-1", now.Add(-time.Hour))

	rows := sqlmock.NewRows(fallEventColumns).
		AddRow(newer.ID, "user-1", "device-1", newer.StartedAt, newer.ConfirmedAt, 400, 3.0, 0.05,
			`{"latitude":32.08,"longitude":34.78,"accuracy":5,"provider":"gps","recorded_at":"2026-01-01T00:00:00Z"}`).
		AddRow(older.ID, "user-1", "device-1", older.StartedAt, older.ConfirmedAt, 400, 3.0, 0.05, nil)

	mock.ExpectQuery(`SELECT .* FROM fall_events .* ORDER BY confirmed_at DESC`).
		WithArgs("user-1", 10).
		WillReturnRows(rows)

	events, err := repo.ListForUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, newer.ID, events[0].ID)
	assert.Equal(t, uint32(400), events[0].DurationMs)
	require.NotNil(t, events[0].Location)
	assert.Equal(t, 32.08, events[0].Location.Latitude)
	assert.Equal(t, "gps", events[0].Location.Provider)

	assert.Equal(t, older.ID, events[1].ID)
	assert.Nil(t, events[1].Location)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListForUser_DefaultLimit(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("user-1", DefaultListLimit).
		WillReturnRows(sqlmock.NewRows(fallEventColumns))

	events, err := repo.ListForUser(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListForUser_BadLocation(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	e := sampleFallEvent("user-1", time.Now())
	rows := sqlmock.NewRows(fallEventColumns).
		AddRow(e.ID, "user-1", "device-1", e.StartedAt, e.ConfirmedAt, 400, 3.0, 0.05, `not-json`)
	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)

	_, err := repo.ListForUser(context.Background(), "user-1", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal location")
}

func TestGetFallEvent_Success(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	e := sampleFallEvent("user-1", time.Now())
	rows := sqlmock.NewRows(fallEventColumns).
		AddRow(e.ID, "user-1", "device-1", e.StartedAt, e.ConfirmedAt, 400, 3.0, 0.05, nil)

	mock.ExpectQuery(`SELECT`).
		WithArgs(e.ID, "user-1").
		WillReturnRows(rows)

	got, err := repo.GetFallEvent(context.Background(), "user-1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, 3.0, got.PeakMagnitude)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFallEvent_NotFound(t *testing.T) {
	db, mock, repo := setupMockFallEventsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("missing", "user-1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetFallEvent(context.Background(), "user-1", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEventNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 内存存储测试
// ============================================

func TestMemoryFallEventStore_Idempotent(t *testing.T) {
	store := NewMemoryFallEventStore()
	ctx := context.Background()

	event := sampleFallEvent("user-1", time.Now())
	require.NoError(t, store.Append(ctx, event))
	require.NoError(t, store.Append(ctx, event))

	assert.Equal(t, 1, store.Count())
	events, err := store.ListForUser(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemoryFallEventStore_NewestFirst(t *testing.T) {
	store := NewMemoryFallEventStore()
	ctx := context.Background()
	now := time.Now()

	first := sampleFallEvent("user-1", now.Add(-2*time.Minute))
	second := sampleFallEvent("user-1", now.Add(-time.Minute))
	other := sampleFallEvent("user-2", now)
	for _, e := range []models.FallEvent{first, second, other} {
		require.NoError(t, store.Append(ctx, e))
	}

	events, err := store.ListForUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, second.ID, events[0].ID)
	assert.Equal(t, first.ID, events[1].ID)

	events, err = store.ListForUser(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, second.ID, events[0].ID)

	_, err = store.GetFallEvent(ctx, "user-1", other.ID)
	assert.ErrorIs(t, err, ErrEventNotFound)

	got, err := store.GetFallEvent(ctx, "user-2", other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.ID)
}

func TestMemoryFallEventStore_CopiesLocation(t *testing.T) {
	store := NewMemoryFallEventStore()
	ctx := context.Background()

	event := sampleFallEvent("user-1", time.Now())
	event.Location = &models.GeoPoint{Latitude: 1, Longitude: 2}
	require.NoError(t, store.Append(ctx, event))

	event.Location.Latitude = 99
	got, err := store.GetFallEvent(ctx, "user-1", event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Location.Latitude)
}
