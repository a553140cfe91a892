package escalation

import (
	"errors"
)

var (
	// ErrTransient 瞬时失败（忙线、网关暂不可用等），允许一次重试
	ErrTransient = errors.New("transient delivery failure")
	// ErrPermissionDenied 缺少权限，渠道不可用
	ErrPermissionDenied = errors.New("permission denied")
	// ErrClosed 升级队列已关闭
	ErrClosed = errors.New("escalator closed")
)

// IsTransient 是否为可重试的瞬时失败
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
