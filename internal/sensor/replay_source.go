package sensor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// ReplaySource 回放固定采样序列
// period > 0 时按采样周期节拍输出，否则尽快输出；结束时发送 ErrEndOfStream
type ReplaySource struct {
	samples []models.Sample
	period  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReplaySource 创建回放数据源
func NewReplaySource(samples []models.Sample, period time.Duration) *ReplaySource {
	return &ReplaySource{
		samples: append([]models.Sample(nil), samples...),
		period:  period,
	}
}

// Subscribe 从头开始回放
func (r *ReplaySource) Subscribe(ctx context.Context) (<-chan Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return nil, ErrAlreadySubscribed
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	ch := make(chan Reading)
	go r.run(subCtx, ch, done)
	return ch, nil
}

func (r *ReplaySource) run(ctx context.Context, ch chan<- Reading, done chan struct{}) {
	defer close(done)
	defer close(ch)

	var tick <-chan time.Time
	if r.period > 0 {
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()
		tick = ticker.C
	}

	emit := func(reading Reading) bool {
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return false
			}
		}
		select {
		case ch <- reading:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, s := range r.samples {
		if !emit(Reading{Sample: s}) {
			return
		}
	}
	emit(Reading{Err: ErrEndOfStream})
}

// Unsubscribe 停止回放
func (r *ReplaySource) Unsubscribe() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// LoadSamplesJSONL 读取 JSON Lines 格式的采样文件
// 每行格式与 MQTT 上报一致：{"x":0.0,"y":0.0,"z":1.0,"t":1767225600000}
func LoadSamplesJSONL(r io.Reader, units Units) ([]models.Sample, error) {
	var samples []models.Sample

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !json.Valid([]byte(text)) {
			return nil, fmt.Errorf("line %d: invalid json", line)
		}
		s, err := decodeSample([]byte(text), units)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	return samples, nil
}
