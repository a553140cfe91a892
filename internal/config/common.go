package config

import (
	"fmt"
	"net/url"
	"time"
)

// DatabaseConfig PostgreSQL 连接配置（跌倒事件与升级决策持久化）
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int

	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// RedisConfig Redis 连接配置（权限镜像、位置缓存、状态与事件流）
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT 连接配置（加速度采样与用户告警）
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// GetDSN lib/pq 格式的连接串，密码中的特殊字符会被转义
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, quoteDSNValue(c.Password), c.Database, c.SSLMode)
}

// URL postgres:// 形式，用于日志时隐藏密码
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.User(c.User),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// LoadFromEnv 用 {prefix}_HOST、{prefix}_PORT 等环境变量覆盖已有值
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	c.Host = getEnv(prefix+"_HOST", c.Host)
	c.Port = getEnvInt(prefix+"_PORT", c.Port)
	c.User = getEnv(prefix+"_USER", c.User)
	c.Password = getEnv(prefix+"_PASSWORD", c.Password)
	c.Database = getEnv(prefix+"_NAME", c.Database)
	c.SSLMode = getEnv(prefix+"_SSLMODE", c.SSLMode)
	c.MaxConns = getEnvInt(prefix+"_MAX_CONNS", c.MaxConns)
	c.MaxIdle = getEnvInt(prefix+"_MAX_IDLE", c.MaxIdle)
	c.ConnMaxLifetime = getEnvDuration(prefix+"_CONN_MAX_LIFETIME", c.ConnMaxLifetime)
	c.PingTimeout = getEnvDuration(prefix+"_PING_TIMEOUT", c.PingTimeout)
}

// LoadFromEnv 用 {prefix}_ADDR、{prefix}_PASSWORD、{prefix}_DB 覆盖已有值
func (c *RedisConfig) LoadFromEnv(prefix string) {
	c.Addr = getEnv(prefix+"_ADDR", c.Addr)
	c.Password = getEnv(prefix+"_PASSWORD", c.Password)
	c.DB = getEnvInt(prefix+"_DB", c.DB)
}

// LoadFromEnv 用 {prefix}_BROKER 等环境变量覆盖已有值，QoS 超出 0..2 时忽略
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	c.Broker = getEnv(prefix+"_BROKER", c.Broker)
	c.ClientID = getEnv(prefix+"_CLIENT_ID", c.ClientID)
	c.Username = getEnv(prefix+"_USERNAME", c.Username)
	c.Password = getEnv(prefix+"_PASSWORD", c.Password)
	if qos := getEnvInt(prefix+"_QOS", -1); qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
}

func quoteDSNValue(v string) string {
	if v == "" {
		return "''"
	}
	needsQuote := false
	for _, r := range v {
		if r == ' ' || r == '\'' || r == '\\' {
			needsQuote = true
			break
		}
	}
	if !needsQuote {
		return v
	}
	out := make([]rune, 0, len(v)+2)
	out = append(out, '\'')
	for _, r := range v {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(append(out, '\''))
}
