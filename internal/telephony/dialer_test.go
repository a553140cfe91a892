package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/escalation"
	"github.com/MarcelMaron2k/evercare/internal/models"
)

func TestGatewayDialer_PlaceCall(t *testing.T) {
	var got CallRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/calls", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"call_id":"call-1","status":"initiated"}`))
	}))
	defer server.Close()

	d := NewGatewayDialer(server.URL, "secret", "user-1", time.Second, zap.NewNop())
	require.NoError(t, d.PlaceCall(context.Background(), models.PhoneNumber("+972501234567")))

	assert.Equal(t, "+972501234567", got.To)
	assert.Equal(t, "user-1", got.UserID)
}

func TestGatewayDialer_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
		denied    bool
	}{
		{http.StatusTooManyRequests, true, false},
		{http.StatusServiceUnavailable, true, false},
		{http.StatusRequestTimeout, true, false},
		{http.StatusConflict, true, false},
		{http.StatusForbidden, false, true},
		{http.StatusBadRequest, false, false},
		{http.StatusInternalServerError, false, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"line busy"}`))
			}))
			defer server.Close()

			d := NewGatewayDialer(server.URL, "", "user-1", time.Second, nil)
			err := d.PlaceCall(context.Background(), models.PhoneNumber("101"))

			require.Error(t, err)
			assert.Equal(t, tt.transient, escalation.IsTransient(err))
			assert.Equal(t, tt.denied, errors.Is(err, escalation.ErrPermissionDenied))
			assert.Contains(t, err.Error(), "line busy")
			// 拨号器自身不重试
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestGatewayDialer_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	d := NewGatewayDialer(url, "", "user-1", 200*time.Millisecond, nil)
	err := d.PlaceCall(context.Background(), models.PhoneNumber("101"))
	assert.True(t, escalation.IsTransient(err))
}

func TestLogDialer(t *testing.T) {
	d := NewLogDialer(zap.NewNop())
	assert.NoError(t, d.PlaceCall(context.Background(), models.PhoneNumber("101")))
}
