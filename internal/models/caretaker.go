package models

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidPhoneNumber 电话号码格式不合法
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// 与设置页面一致的校验规则：可选 '+'，首位非 0，最多 16 位数字
var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{0,15}$`)

// PhoneNumber E.164 风格的电话号码
type PhoneNumber string

// ParsePhoneNumber 去除空白后校验电话号码
func ParsePhoneNumber(raw string) (PhoneNumber, error) {
	cleaned := strings.Join(strings.Fields(raw), "")
	if !phonePattern.MatchString(cleaned) {
		return "", ErrInvalidPhoneNumber
	}
	return PhoneNumber(cleaned), nil
}

// String 返回号码字符串
func (p PhoneNumber) String() string {
	return string(p)
}

// CaretakerConfig 看护人配置（外部设置服务提供，引擎只读）
// Phone 为空表示未配置看护人
type CaretakerConfig struct {
	Name  *string      `json:"name,omitempty"`
	Phone *PhoneNumber `json:"phone,omitempty"`
}

// HasPhone 是否配置了看护人电话
func (c CaretakerConfig) HasPhone() bool {
	return c.Phone != nil && *c.Phone != ""
}

// DisplayName 看护人名称，未设置时返回空字符串
func (c CaretakerConfig) DisplayName() string {
	if c.Name == nil {
		return ""
	}
	return *c.Name
}

// PermissionSnapshot 当前权限快照（每个决策点重新读取，不长期缓存）
type PermissionSnapshot struct {
	Sensor        bool `json:"sensor"`
	Location      bool `json:"location"`
	Phone         bool `json:"phone"`
	Notifications bool `json:"notifications"`
}

// AllGranted 所有权限均已授予
func (p PermissionSnapshot) AllGranted() bool {
	return p.Sensor && p.Location && p.Phone && p.Notifications
}
