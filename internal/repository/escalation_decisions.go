package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// DecisionSummary 升级决策摘要（诊断查询使用）
type DecisionSummary struct {
	EventID           string
	Target            models.EscalationTarget
	TargetNumber      models.PhoneNumber
	Outcome           models.Outcome
	ChannelsAttempted []models.ChannelAttempt
	FallbackAlert     string
	UpdatedAt         sql.NullTime
}

// EscalationDecisionsRepository 升级决策仓库
type EscalationDecisionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEscalationDecisionsRepository 创建升级决策仓库
func NewEscalationDecisionsRepository(db *sql.DB, logger *zap.Logger) *EscalationDecisionsRepository {
	return &EscalationDecisionsRepository{
		db:     db,
		logger: logger,
	}
}

// RecordDecision 写入或更新决策（同一事件多次更新渠道结果）
func (r *EscalationDecisionsRepository) RecordDecision(ctx context.Context, d *models.EscalationDecision) error {
	if d == nil {
		return fmt.Errorf("decision is required")
	}
	if d.Event.ID == "" {
		return fmt.Errorf("event_id is required")
	}

	channels, err := json.Marshal(d.ChannelsAttempted)
	if err != nil {
		return fmt.Errorf("failed to marshal channels_attempted: %w", err)
	}

	query := `
		INSERT INTO escalation_decisions (
			event_id,
			user_id,
			target,
			target_number,
			channels_attempted,
			outcome,
			fallback_alert,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO UPDATE SET
			target = EXCLUDED.target,
			target_number = EXCLUDED.target_number,
			channels_attempted = EXCLUDED.channels_attempted,
			outcome = EXCLUDED.outcome,
			fallback_alert = EXCLUDED.fallback_alert,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		d.Event.ID,
		d.Event.UserID,
		string(d.Target),
		d.TargetNumber.String(),
		string(channels),
		string(d.Outcome),
		d.FallbackAlert,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert escalation decision: %w", err)
	}
	return nil
}

// ListDecisions 查询用户的升级决策，outcome 为空时不过滤
func (r *EscalationDecisionsRepository) ListDecisions(ctx context.Context, userID string, outcome models.Outcome, limit int) ([]DecisionSummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	// 构建查询条件
	where := "WHERE user_id = $1"
	args := []interface{}{userID}
	if outcome != "" {
		where += " AND outcome = $2"
		args = append(args, string(outcome))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			event_id,
			target,
			target_number,
			outcome,
			channels_attempted,
			fallback_alert,
			updated_at
		FROM escalation_decisions
		%s
		ORDER BY updated_at DESC
		LIMIT $%d
	`, where, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionSummary
	for rows.Next() {
		var s DecisionSummary
		var target, number, result string
		var channels []byte
		var fallback sql.NullString
		if err := rows.Scan(&s.EventID, &target, &number, &result, &channels, &fallback, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan escalation decision: %w", err)
		}
		s.Target = models.EscalationTarget(target)
		s.TargetNumber = models.PhoneNumber(number)
		s.Outcome = models.Outcome(result)
		if fallback.Valid {
			s.FallbackAlert = fallback.String
		}
		if len(channels) > 0 {
			if err := json.Unmarshal(channels, &s.ChannelsAttempted); err != nil {
				// 记录错误但继续处理
				r.logger.Warn("Failed to unmarshal channels_attempted",
					zap.String("event_id", s.EventID),
					zap.Error(err),
				)
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalation decisions: %w", err)
	}
	return out, nil
}

// MemoryDecisionRecorder 内存决策记录（回放模式）
type MemoryDecisionRecorder struct {
	mu        sync.Mutex
	decisions map[string]*models.EscalationDecision
	updates   int
}

// NewMemoryDecisionRecorder 创建内存决策记录
func NewMemoryDecisionRecorder() *MemoryDecisionRecorder {
	return &MemoryDecisionRecorder{decisions: make(map[string]*models.EscalationDecision)}
}

// RecordDecision 保存决策副本
func (m *MemoryDecisionRecorder) RecordDecision(ctx context.Context, d *models.EscalationDecision) error {
	if d == nil || d.Event.ID == "" {
		return fmt.Errorf("event_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.Event.ID] = d.Clone()
	m.updates++
	return nil
}

// Get 获取决策副本
func (m *MemoryDecisionRecorder) Get(eventID string) (*models.EscalationDecision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[eventID]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Updates 写入次数
func (m *MemoryDecisionRecorder) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}
