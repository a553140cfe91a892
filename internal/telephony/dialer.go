package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/escalation"
	"github.com/MarcelMaron2k/evercare/internal/models"
)

// CallRequest 呼叫请求
type CallRequest struct {
	To     string `json:"to"`
	UserID string `json:"user_id"`
}

// CallResponse 呼叫响应
type CallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// ErrorResponse 网关错误响应
type ErrorResponse struct {
	Error string `json:"error"`
}

// GatewayDialer 通过电话网关发起呼叫
// POST {base}/v1/calls，重试由升级策略控制，这里不重试
type GatewayDialer struct {
	httpClient *resty.Client
	userID     string
	logger     *zap.Logger
}

// NewGatewayDialer 创建网关拨号器
func NewGatewayDialer(baseURL, apiKey, userID string, timeout time.Duration, logger *zap.Logger) *GatewayDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}

	return &GatewayDialer{
		httpClient: client,
		userID:     userID,
		logger:     logger,
	}
}

// PlaceCall 发起呼叫
// 网络错误与 408/409/429/503 视为瞬时失败，其他非 2xx 为永久失败
func (d *GatewayDialer) PlaceCall(ctx context.Context, number models.PhoneNumber) error {
	var result CallResponse
	var apiErr ErrorResponse

	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetBody(CallRequest{To: number.String(), UserID: d.userID}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/v1/calls")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		d.logger.Warn("Telephony gateway unreachable", zap.Error(err))
		return fmt.Errorf("telephony gateway request failed: %v: %w", err, escalation.ErrTransient)
	}

	if resp.IsSuccess() {
		d.logger.Info("Call placed",
			zap.String("to", number.String()),
			zap.String("call_id", result.CallID),
			zap.String("status", result.Status),
		)
		return nil
	}

	msg := apiErr.Error
	if msg == "" {
		msg = resp.Status()
	}
	d.logger.Error("Telephony gateway returned error",
		zap.Int("status_code", resp.StatusCode()),
		zap.String("error", msg),
	)

	switch resp.StatusCode() {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return fmt.Errorf("telephony gateway busy (status: %d): %s: %w", resp.StatusCode(), msg, escalation.ErrTransient)
	case http.StatusForbidden:
		return fmt.Errorf("telephony gateway refused call: %s: %w", msg, escalation.ErrPermissionDenied)
	default:
		return fmt.Errorf("telephony gateway error (status: %d): %s", resp.StatusCode(), msg)
	}
}

// LogDialer 只记录日志（回放模式使用）
type LogDialer struct {
	logger *zap.Logger
}

// NewLogDialer 创建日志拨号器
func NewLogDialer(logger *zap.Logger) *LogDialer {
	return &LogDialer{logger: logger}
}

// PlaceCall 记录拨号
func (d *LogDialer) PlaceCall(ctx context.Context, number models.PhoneNumber) error {
	d.logger.Info("Placing call", zap.String("to", number.String()))
	return nil
}
