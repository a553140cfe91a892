package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// MemoryFallEventStore 内存跌倒事件存储（回放与测试使用）
type MemoryFallEventStore struct {
	mu     sync.RWMutex
	events map[string]models.FallEvent
}

var _ FallEventStore = (*MemoryFallEventStore)(nil)

// NewMemoryFallEventStore 创建内存存储
func NewMemoryFallEventStore() *MemoryFallEventStore {
	return &MemoryFallEventStore{events: make(map[string]models.FallEvent)}
}

// Append 写入事件，按 event_id 去重
func (s *MemoryFallEventStore) Append(ctx context.Context, event models.FallEvent) error {
	if event.ID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event.ID]; exists {
		return nil
	}
	s.events[event.ID] = event.WithLocation(event.Location)
	return nil
}

// ListForUser 按确认时间倒序返回
func (s *MemoryFallEventStore) ListForUser(ctx context.Context, userID string, limit int) ([]models.FallEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	var events []models.FallEvent
	for _, e := range s.events {
		if e.UserID == userID {
			events = append(events, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool {
		if events[i].ConfirmedAt.Equal(events[j].ConfirmedAt) {
			return events[i].ID > events[j].ID
		}
		return events[i].ConfirmedAt.After(events[j].ConfirmedAt)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// GetFallEvent 获取单个事件
func (s *MemoryFallEventStore) GetFallEvent(ctx context.Context, userID, eventID string) (*models.FallEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[eventID]
	if !ok || e.UserID != userID {
		return nil, fmt.Errorf("%w: event_id=%s, user_id=%s", ErrEventNotFound, eventID, userID)
	}
	return &e, nil
}

// Count 存储的事件总数
func (s *MemoryFallEventStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
