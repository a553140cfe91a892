package detector

import (
	"fmt"
	"time"

	"github.com/MarcelMaron2k/evercare/internal/config"
)

// Config 检测阈值（g 单位），比较均为严格不等
type Config struct {
	FreeFallThreshold    float64       // 失重阈值，m < 该值视为低值
	MinFreeFall          time.Duration // 低值持续的最短时间
	ImpactThreshold      float64       // 冲击阈值，m > 该值视为冲击
	ImpactWindow         time.Duration // 候选窗口关闭后等待冲击的时长
	Cooldown             time.Duration // 确认后抑制重复检测的时长
	MaxConsecutiveFaults int           // 连续故障次数上限，达到后强制 Idle
}

// DefaultConfig 默认阈值
func DefaultConfig() Config {
	return Config{
		FreeFallThreshold:    0.3,
		MinFreeFall:          200 * time.Millisecond,
		ImpactThreshold:      2.0,
		ImpactWindow:         time.Second,
		Cooldown:             10 * time.Second,
		MaxConsecutiveFaults: 3,
	}
}

// FromConfig 从服务配置构建检测配置
func FromConfig(c config.DetectorConfig) Config {
	return Config{
		FreeFallThreshold:    c.FreeFallThreshold,
		MinFreeFall:          c.MinFreeFall,
		ImpactThreshold:      c.ImpactThreshold,
		ImpactWindow:         c.ImpactWindow,
		Cooldown:             c.Cooldown,
		MaxConsecutiveFaults: c.MaxConsecutiveFaults,
	}
}

// Validate 校验阈值
func (c Config) Validate() error {
	if c.FreeFallThreshold <= 0 {
		return fmt.Errorf("free fall threshold must be > 0")
	}
	if c.ImpactThreshold <= c.FreeFallThreshold {
		return fmt.Errorf("impact threshold (%.2f) must be greater than free fall threshold (%.2f)",
			c.ImpactThreshold, c.FreeFallThreshold)
	}
	if c.MinFreeFall < 0 {
		return fmt.Errorf("min free fall must be >= 0")
	}
	if c.ImpactWindow <= 0 {
		return fmt.Errorf("impact window must be > 0")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0")
	}
	if c.MaxConsecutiveFaults < 1 {
		return fmt.Errorf("max consecutive faults must be >= 1")
	}
	return nil
}
