package escalation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// StoreResultFunc 持久化结果回调
type StoreResultFunc func(event models.FallEvent, attempt models.ChannelAttempt)

// Persister 独立于升级流程的事件持久化
// 按入队顺序写入，失败按 StoreRetryDelay 翻倍退避，最多 StoreMaxAttempts 次
type Persister struct {
	store       EventStore
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger

	queue    *fifo[models.FallEvent]
	onResult StoreResultFunc
	done     chan struct{}

	mu     sync.Mutex
	failed []models.FallEvent

	now func() time.Time
}

// NewPersister 创建持久化器
func NewPersister(store EventStore, maxAttempts int, retryDelay time.Duration, logger *zap.Logger) *Persister {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		store:       store,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
		queue:       newFIFO[models.FallEvent](),
		done:        make(chan struct{}),
		now:         time.Now,
	}
}

// OnResult 设置结果回调（在 Run 之前设置）
func (p *Persister) OnResult(fn StoreResultFunc) {
	p.onResult = fn
}

// Enqueue 入队，不阻塞
func (p *Persister) Enqueue(event models.FallEvent) error {
	if !p.queue.push(event) {
		return ErrClosed
	}
	return nil
}

// Pending 待写入的事件数
func (p *Persister) Pending() int {
	return p.queue.len()
}

// Failed 重试耗尽仍未写入的事件（保留用于诊断）
func (p *Persister) Failed() []models.FallEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.FallEvent(nil), p.failed...)
}

// Run 处理队列直到队列关闭并取空，或 ctx 结束
func (p *Persister) Run(ctx context.Context) {
	defer close(p.done)
	for {
		event, ok := p.queue.pop(ctx)
		if !ok {
			return
		}
		p.persist(ctx, event)
	}
}

// Close 停止接收新事件并等待队列写完
func (p *Persister) Close(ctx context.Context) error {
	p.queue.close()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Persister) persist(ctx context.Context, event models.FallEvent) {
	logger := p.logger.With(zap.String("event_id", event.ID))
	delay := p.retryDelay

	var err error
	attempt := 0
	for attempt < p.maxAttempts {
		attempt++
		if err = p.store.Append(ctx, event); err == nil {
			logger.Info("Fall event persisted", zap.Int("attempts", attempt))
			p.report(event, models.ChannelAttempt{
				Channel:  models.ChannelStore,
				Outcome:  models.OutcomeDelivered,
				Attempts: attempt,
				At:       p.now(),
			})
			return
		}

		logger.Warn("Failed to persist fall event",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.maxAttempts),
			zap.Error(err),
		)
		if attempt >= p.maxAttempts || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}

	p.mu.Lock()
	p.failed = append(p.failed, event)
	p.mu.Unlock()

	logger.Error("Giving up persisting fall event, retained for diagnostics",
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	p.report(event, models.ChannelAttempt{
		Channel:  models.ChannelStore,
		Outcome:  models.OutcomeFailed,
		Attempts: attempt,
		Reason:   err.Error(),
		At:       p.now(),
	})
}

func (p *Persister) report(event models.FallEvent, attempt models.ChannelAttempt) {
	if p.onResult != nil {
		p.onResult(event, attempt)
	}
}
