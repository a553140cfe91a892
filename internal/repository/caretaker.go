package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// CaretakerRepository 看护人配置（只读，数据由设置服务维护）
type CaretakerRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCaretakerRepository 创建看护人配置仓库
func NewCaretakerRepository(db *sql.DB, logger *zap.Logger) *CaretakerRepository {
	return &CaretakerRepository{
		db:     db,
		logger: logger,
	}
}

// CaretakerConfig 读取看护人配置
// 没有配置行时返回空配置；号码不合法视为未配置
func (r *CaretakerRepository) CaretakerConfig(ctx context.Context, userID string) (models.CaretakerConfig, error) {
	if userID == "" {
		return models.CaretakerConfig{}, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT caretaker_name, caretaker_phone
		FROM user_settings
		WHERE user_id = $1
	`

	var name, phone sql.NullString
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&name, &phone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CaretakerConfig{}, nil
		}
		return models.CaretakerConfig{}, fmt.Errorf("failed to query caretaker config: %w", err)
	}

	var cfg models.CaretakerConfig
	if name.Valid && name.String != "" {
		n := name.String
		cfg.Name = &n
	}
	if phone.Valid && phone.String != "" {
		p, err := models.ParsePhoneNumber(phone.String)
		if err != nil {
			r.logger.Warn("Invalid caretaker phone, treating as not configured",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		} else {
			cfg.Phone = &p
		}
	}
	return cfg, nil
}

// StaticCaretakers 固定看护人配置（回放模式）
type StaticCaretakers struct {
	Config models.CaretakerConfig
}

// CaretakerConfig 返回固定配置
func (s StaticCaretakers) CaretakerConfig(ctx context.Context, userID string) (models.CaretakerConfig, error) {
	return s.Config, nil
}
