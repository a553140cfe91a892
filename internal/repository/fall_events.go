package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// ErrEventNotFound 事件不存在
var ErrEventNotFound = errors.New("fall event not found")

// DefaultListLimit 历史查询默认条数
const DefaultListLimit = 100

// FallEventStore 跌倒事件存储：按用户追加，按 event_id 去重，倒序读取
type FallEventStore interface {
	Append(ctx context.Context, event models.FallEvent) error
	ListForUser(ctx context.Context, userID string, limit int) ([]models.FallEvent, error)
	GetFallEvent(ctx context.Context, userID, eventID string) (*models.FallEvent, error)
}

// FallEventsRepository 跌倒事件仓库（PostgreSQL）
type FallEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ FallEventStore = (*FallEventsRepository)(nil)

// NewFallEventsRepository 创建跌倒事件仓库
func NewFallEventsRepository(db *sql.DB, logger *zap.Logger) *FallEventsRepository {
	return &FallEventsRepository{
		db:     db,
		logger: logger,
	}
}

// Append 写入事件；相同 event_id 重复写入不产生新记录
func (r *FallEventsRepository) Append(ctx context.Context, event models.FallEvent) error {
	if event.ID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	location, err := marshalLocation(event.Location)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO fall_events (
			event_id,
			user_id,
			device_id,
			started_at,
			confirmed_at,
			duration_ms,
			peak_magnitude,
			min_magnitude,
			location
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.UserID,
		event.DeviceID,
		event.StartedAt,
		event.ConfirmedAt,
		int64(event.DurationMs),
		event.PeakMagnitude,
		event.MinMagnitude,
		location,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fall event: %w", err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		r.logger.Debug("Fall event already stored", zap.String("event_id", event.ID))
	}
	return nil
}

// ListForUser 按确认时间倒序返回用户的跌倒事件
func (r *FallEventsRepository) ListForUser(ctx context.Context, userID string, limit int) ([]models.FallEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT
			event_id,
			user_id,
			device_id,
			started_at,
			confirmed_at,
			duration_ms,
			peak_magnitude,
			min_magnitude,
			location
		FROM fall_events
		WHERE user_id = $1
		ORDER BY confirmed_at DESC, event_id DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fall events: %w", err)
	}
	defer rows.Close()

	var events []models.FallEvent
	for rows.Next() {
		event, err := scanFallEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fall events: %w", err)
	}
	return events, nil
}

// GetFallEvent 获取单个事件（需验证 user_id）
func (r *FallEventsRepository) GetFallEvent(ctx context.Context, userID, eventID string) (*models.FallEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := `
		SELECT
			event_id,
			user_id,
			device_id,
			started_at,
			confirmed_at,
			duration_ms,
			peak_magnitude,
			min_magnitude,
			location
		FROM fall_events
		WHERE event_id = $1
		  AND user_id = $2
	`

	event, err := scanFallEvent(r.db.QueryRowContext(ctx, query, eventID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: event_id=%s, user_id=%s", ErrEventNotFound, eventID, userID)
		}
		return nil, err
	}
	return event, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFallEvent(s scanner) (*models.FallEvent, error) {
	var event models.FallEvent
	var durationMs int64
	var location []byte

	err := s.Scan(
		&event.ID,
		&event.UserID,
		&event.DeviceID,
		&event.StartedAt,
		&event.ConfirmedAt,
		&durationMs,
		&event.PeakMagnitude,
		&event.MinMagnitude,
		&location,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan fall event: %w", err)
	}

	if durationMs > 0 {
		event.DurationMs = uint32(durationMs)
	}
	if len(location) > 0 {
		var p models.GeoPoint
		if err := json.Unmarshal(location, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal location: %w", err)
		}
		event.Location = &p
	}
	return &event, nil
}

// marshalLocation 位置为空时写入 NULL
func marshalLocation(p *models.GeoPoint) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal location: %w", err)
	}
	return string(data), nil
}
