package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DetectorConfig 跌倒检测阈值（g 单位），均可通过环境变量或 YAML 调整
type DetectorConfig struct {
	FreeFallThreshold    float64       `yaml:"free_fall_threshold"`
	MinFreeFall          time.Duration `yaml:"min_free_fall"`
	ImpactThreshold      float64       `yaml:"impact_threshold"`
	ImpactWindow         time.Duration `yaml:"impact_window"`
	Cooldown             time.Duration `yaml:"cooldown"`
	MaxConsecutiveFaults int           `yaml:"max_consecutive_faults"`
}

// EscalationConfig 报警升级配置
type EscalationConfig struct {
	EmergencyNumber  string        `yaml:"emergency_number"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
	StoreMaxAttempts int           `yaml:"store_max_attempts"`
	StoreRetryDelay  time.Duration `yaml:"store_retry_delay"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// SensorConfig 加速度计数据源配置
type SensorConfig struct {
	TopicTemplate string        `yaml:"topic_template"` // 如 "evercare/%s/accel"
	Units         string        `yaml:"units"`          // "g" 或 "ms2"
	SamplePeriod  time.Duration `yaml:"sample_period"`
	WindowSize    int           `yaml:"window_size"`
	BufferSize    int           `yaml:"buffer_size"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

// Config 跌倒检测服务配置
type Config struct {
	UserID   string
	DeviceID string

	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	Sensor     SensorConfig     `yaml:"sensor"`
	Detector   DetectorConfig   `yaml:"detector"`
	Escalation EscalationConfig `yaml:"escalation"`

	// 监测循环配置
	Monitor struct {
		TickInterval    time.Duration
		MetricsInterval time.Duration
	}

	// Redis 缓存键配置
	Cache struct {
		PermissionKeyPrefix     string        // 权限快照键前缀，如 "permissions:"
		PermissionRequestStream string        // 权限请求流，如 "permissions:requests"
		LocationKeyPrefix       string        // 位置缓存键前缀，如 "location:"
		LocationSuffix          string        // 位置缓存键后缀，如 ":last"
		LocationTimeout         time.Duration // 位置读取超时
		LocationMaxAge          time.Duration // 位置最大有效期
		StatusKeyPrefix         string        // 监测状态键前缀，如 "fall:status:"
		StatusTTL               time.Duration
		FallEventStream         string // 跌倒事件流，如 "fall:events:stream"
	}

	// 通知与电话网关
	Notify struct {
		TopicTemplate string // 如 "evercare/%s/alerts"
	}
	Telephony struct {
		BaseURL string
		APIKey  string
		Timeout time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.UserID = os.Getenv("USER_ID")
	cfg.DeviceID = os.Getenv("DEVICE_ID")

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "evercare")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.ConnMaxLifetime = 30 * time.Minute
	cfg.Database.PingTimeout = 5 * time.Second
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "evercare-fall")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	// 数据源
	cfg.Sensor.TopicTemplate = getEnv("SENSOR_TOPIC_TEMPLATE", "evercare/%s/accel")
	cfg.Sensor.Units = getEnv("SENSOR_UNITS", "g")
	cfg.Sensor.SamplePeriod = getEnvDuration("SENSOR_SAMPLE_PERIOD", 100*time.Millisecond)
	cfg.Sensor.WindowSize = getEnvInt("SENSOR_WINDOW_SIZE", 5)
	cfg.Sensor.BufferSize = getEnvInt("SENSOR_BUFFER_SIZE", 64)
	cfg.Sensor.StaleAfter = getEnvDuration("SENSOR_STALE_AFTER", time.Second)

	// 检测阈值
	cfg.Detector.FreeFallThreshold = getEnvFloat("FREE_FALL_THRESHOLD", 0.3)
	cfg.Detector.MinFreeFall = getEnvDuration("MIN_FREE_FALL", 200*time.Millisecond)
	cfg.Detector.ImpactThreshold = getEnvFloat("IMPACT_THRESHOLD", 2.0)
	cfg.Detector.ImpactWindow = getEnvDuration("IMPACT_WINDOW", 1500*time.Millisecond)
	cfg.Detector.Cooldown = getEnvDuration("FALL_COOLDOWN", 10*time.Second)
	cfg.Detector.MaxConsecutiveFaults = getEnvInt("MAX_CONSECUTIVE_FAULTS", 3)

	// 升级策略
	cfg.Escalation.EmergencyNumber = getEnv("EMERGENCY_NUMBER", "101")
	cfg.Escalation.RetryDelay = getEnvDuration("ESCALATION_RETRY_DELAY", 5*time.Second)
	cfg.Escalation.MaxAttempts = getEnvInt("ESCALATION_MAX_ATTEMPTS", 2)
	cfg.Escalation.StoreMaxAttempts = getEnvInt("STORE_MAX_ATTEMPTS", 3)
	cfg.Escalation.StoreRetryDelay = getEnvDuration("STORE_RETRY_DELAY", 2*time.Second)
	cfg.Escalation.DrainTimeout = getEnvDuration("ESCALATION_DRAIN_TIMEOUT", 30*time.Second)

	cfg.Monitor.TickInterval = getEnvDuration("MONITOR_TICK_INTERVAL", 100*time.Millisecond)
	cfg.Monitor.MetricsInterval = getEnvDuration("MONITOR_METRICS_INTERVAL", 60*time.Second)

	cfg.Cache.PermissionKeyPrefix = getEnv("CACHE_PERMISSION_PREFIX", "permissions:")
	cfg.Cache.PermissionRequestStream = getEnv("PERMISSION_REQUEST_STREAM", "permissions:requests")
	cfg.Cache.LocationKeyPrefix = getEnv("CACHE_LOCATION_PREFIX", "location:")
	cfg.Cache.LocationSuffix = ":last"
	cfg.Cache.LocationTimeout = getEnvDuration("LOCATION_TIMEOUT", 200*time.Millisecond)
	cfg.Cache.LocationMaxAge = getEnvDuration("LOCATION_MAX_AGE", 10*time.Minute)
	cfg.Cache.StatusKeyPrefix = getEnv("CACHE_STATUS_PREFIX", "fall:status:")
	cfg.Cache.StatusTTL = getEnvDuration("STATUS_TTL", 2*time.Minute)
	cfg.Cache.FallEventStream = getEnv("FALL_EVENT_STREAM", "fall:events:stream")

	cfg.Notify.TopicTemplate = getEnv("NOTIFY_TOPIC_TEMPLATE", "evercare/%s/alerts")

	cfg.Telephony.BaseURL = getEnv("TELEPHONY_BASE_URL", "http://localhost:8089")
	cfg.Telephony.APIKey = getEnv("TELEPHONY_API_KEY", "")
	cfg.Telephony.Timeout = getEnvDuration("TELEPHONY_TIMEOUT", 10*time.Second)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	// 可选：YAML 调参文件覆盖阈值
	if path := os.Getenv("FALL_CONFIG_FILE"); path != "" {
		if err := cfg.applyTuningFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// tuning YAML 调参文件结构（只覆盖出现的字段）
type tuning struct {
	Sensor     *SensorConfig     `yaml:"sensor"`
	Detector   *DetectorConfig   `yaml:"detector"`
	Escalation *EscalationConfig `yaml:"escalation"`
}

func (c *Config) applyTuningFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tuning file %s: %w", path, err)
	}
	return c.ApplyTuning(data)
}

// ApplyTuning 使用 YAML 内容覆盖检测/升级参数
func (c *Config) ApplyTuning(data []byte) error {
	t := tuning{
		Sensor:     &c.Sensor,
		Detector:   &c.Detector,
		Escalation: &c.Escalation,
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to parse tuning yaml: %w", err)
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	d := c.Detector
	if d.FreeFallThreshold <= 0 {
		return fmt.Errorf("free_fall_threshold must be > 0")
	}
	if d.ImpactThreshold <= d.FreeFallThreshold {
		return fmt.Errorf("impact_threshold must be greater than free_fall_threshold")
	}
	if d.MinFreeFall < 0 {
		return fmt.Errorf("min_free_fall must be >= 0")
	}
	if d.ImpactWindow <= 0 {
		return fmt.Errorf("impact_window must be > 0")
	}
	if d.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0")
	}
	if d.MaxConsecutiveFaults < 1 {
		return fmt.Errorf("max_consecutive_faults must be >= 1")
	}

	e := c.Escalation
	if e.EmergencyNumber == "" {
		return fmt.Errorf("emergency_number is required")
	}
	if e.MaxAttempts < 1 || e.MaxAttempts > 2 {
		return fmt.Errorf("max_attempts must be 1 or 2")
	}
	if e.StoreMaxAttempts < 1 {
		return fmt.Errorf("store_max_attempts must be >= 1")
	}

	s := c.Sensor
	if s.Units != "g" && s.Units != "ms2" {
		return fmt.Errorf("sensor units must be \"g\" or \"ms2\", got %q", s.Units)
	}
	if s.WindowSize < 2 {
		return fmt.Errorf("window_size must be >= 2")
	}
	if s.SamplePeriod <= 0 {
		return fmt.Errorf("sample_period must be > 0")
	}
	// 低值须在滚动窗口内被观察到持续 min_free_fall
	if span := time.Duration(s.WindowSize-1) * s.SamplePeriod; span < d.MinFreeFall {
		return fmt.Errorf("window_size %d at sample_period %s spans %s, shorter than min_free_fall %s",
			s.WindowSize, s.SamplePeriod, span, d.MinFreeFall)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
