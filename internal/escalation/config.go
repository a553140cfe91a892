package escalation

import (
	"fmt"
	"time"

	"github.com/MarcelMaron2k/evercare/internal/config"
	"github.com/MarcelMaron2k/evercare/internal/models"
)

// Config 升级策略配置
type Config struct {
	EmergencyNumber  string        // 紧急电话（按部署地区配置）
	RetryDelay       time.Duration // 瞬时失败后的重试间隔
	MaxAttempts      int           // 呼叫/通知的最大尝试次数（含首次），最多 2
	StoreMaxAttempts int           // 持久化最大尝试次数
	StoreRetryDelay  time.Duration // 持久化首次重试间隔，之后翻倍
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		EmergencyNumber:  "101",
		RetryDelay:       5 * time.Second,
		MaxAttempts:      2,
		StoreMaxAttempts: 3,
		StoreRetryDelay:  2 * time.Second,
	}
}

// FromConfig 从服务配置构建
func FromConfig(c config.EscalationConfig) Config {
	return Config{
		EmergencyNumber:  c.EmergencyNumber,
		RetryDelay:       c.RetryDelay,
		MaxAttempts:      c.MaxAttempts,
		StoreMaxAttempts: c.StoreMaxAttempts,
		StoreRetryDelay:  c.StoreRetryDelay,
	}
}

// Validate 校验配置并解析紧急电话
func (c Config) Validate() (models.PhoneNumber, error) {
	number, err := models.ParsePhoneNumber(c.EmergencyNumber)
	if err != nil {
		return "", fmt.Errorf("emergency number %q: %w", c.EmergencyNumber, err)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 2 {
		return "", fmt.Errorf("max attempts must be 1 or 2, got %d", c.MaxAttempts)
	}
	if c.StoreMaxAttempts < 1 {
		return "", fmt.Errorf("store max attempts must be >= 1")
	}
	if c.RetryDelay < 0 || c.StoreRetryDelay < 0 {
		return "", fmt.Errorf("retry delays must be >= 0")
	}
	return number, nil
}
