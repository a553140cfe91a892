package escalation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// maxRetainedDecisions 内存中保留的决策数量上限（未终态的决策不会被淘汰）
const maxRetainedDecisions = 256

// Escalator 按检测顺序逐个处理跌倒事件
//
// Submit 永不阻塞也不丢弃事件；监测停止不会取消已提交的事件。
// 决策集合由 Escalator 独占，对外只返回副本。
type Escalator struct {
	policy    *Policy
	persister *Persister
	recorder  DecisionRecorder // 可为 nil
	publisher EventPublisher   // 可为 nil
	logger    *zap.Logger

	queue *fifo[models.FallEvent]
	done  chan struct{}

	mu        sync.Mutex
	decisions map[string]*models.EscalationDecision
	order     []string
}

// NewEscalator 创建升级执行器
func NewEscalator(policy *Policy, persister *Persister, recorder DecisionRecorder, publisher EventPublisher, logger *zap.Logger) *Escalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Escalator{
		policy:    policy,
		persister: persister,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger,
		queue:     newFIFO[models.FallEvent](),
		done:      make(chan struct{}),
		decisions: make(map[string]*models.EscalationDecision),
	}
	persister.OnResult(e.applyStoreResult)
	return e
}

// Submit 提交已确认事件
func (e *Escalator) Submit(event models.FallEvent) error {
	if !e.queue.push(event) {
		e.logger.Error("Escalator closed, fall event not escalated", zap.String("event_id", event.ID))
		return ErrClosed
	}
	e.logger.Debug("Fall event submitted for escalation",
		zap.String("event_id", event.ID),
		zap.Int("queued", e.queue.len()),
	)
	return nil
}

// Run 处理队列直到 Close 且取空，或 ctx 结束
// 单个事件的升级使用不随 ctx 取消的上下文
func (e *Escalator) Run(ctx context.Context) {
	defer close(e.done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.persister.Run(ctx)
	}()

	taskCtx := context.WithoutCancel(ctx)
	for {
		event, ok := e.queue.pop(ctx)
		if !ok {
			break
		}
		e.handle(taskCtx, event)
	}

	// 升级队列结束后持久化队列也不再接收新事件
	if err := e.persister.Close(ctx); err != nil {
		e.logger.Warn("Fall event store drain interrupted",
			zap.Int("pending_store", e.persister.Pending()),
			zap.Error(err),
		)
	}
	wg.Wait()
}

// Close 停止接收新事件，等待已提交事件处理完成（包括持久化）
func (e *Escalator) Close(ctx context.Context) error {
	e.queue.close()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("Escalation drain timed out",
			zap.Int("pending_escalations", e.queue.len()),
			zap.Int("pending_store", e.persister.Pending()),
		)
		return ctx.Err()
	}
}

// Decisions 返回决策副本（按检测顺序）
func (e *Escalator) Decisions() []*models.EscalationDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.EscalationDecision, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.decisions[id].Clone())
	}
	return out
}

// Decision 返回单个决策副本
func (e *Escalator) Decision(eventID string) (*models.EscalationDecision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.decisions[eventID]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// FailedStores 持久化失败的事件
func (e *Escalator) FailedStores() []models.FallEvent {
	return e.persister.Failed()
}

func (e *Escalator) handle(ctx context.Context, event models.FallEvent) {
	decision := e.policy.Escalate(ctx, event)
	decision.Record(models.ChannelAttempt{
		Channel: models.ChannelStore,
		Outcome: models.OutcomePending,
		At:      decision.UpdatedAt,
	})

	e.mu.Lock()
	e.decisions[event.ID] = decision
	e.order = append(e.order, event.ID)
	e.trimLocked()
	snapshot := decision.Clone()
	e.mu.Unlock()

	e.record(ctx, snapshot)

	if e.publisher != nil {
		if err := e.publisher.PublishFallEvent(ctx, snapshot.Event); err != nil {
			e.logger.Warn("Failed to publish fall event", zap.String("event_id", event.ID), zap.Error(err))
		}
	}

	// 持久化带位置的事件；失败独立重试，不阻塞下一个升级
	if err := e.persister.Enqueue(snapshot.Event); err != nil {
		e.logger.Error("Failed to enqueue fall event for persistence", zap.String("event_id", event.ID), zap.Error(err))
		e.applyStoreResult(snapshot.Event, models.ChannelAttempt{
			Channel: models.ChannelStore,
			Outcome: models.OutcomeFailed,
			Reason:  err.Error(),
			At:      e.policy.now(),
		})
	}
}

func (e *Escalator) applyStoreResult(event models.FallEvent, attempt models.ChannelAttempt) {
	e.mu.Lock()
	d, ok := e.decisions[event.ID]
	if !ok {
		e.mu.Unlock()
		return
	}
	d.Record(attempt)
	snapshot := d.Clone()
	e.mu.Unlock()

	e.record(context.Background(), snapshot)
}

func (e *Escalator) record(ctx context.Context, d *models.EscalationDecision) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordDecision(ctx, d); err != nil {
		e.logger.Warn("Failed to record escalation decision",
			zap.String("event_id", d.Event.ID),
			zap.Error(err),
		)
	}
}

// trimLocked 淘汰最旧的已完成决策
func (e *Escalator) trimLocked() {
	for len(e.order) > maxRetainedDecisions {
		oldest := e.decisions[e.order[0]]
		if store, ok := oldest.Attempt(models.ChannelStore); ok && store.Outcome == models.OutcomePending {
			return
		}
		delete(e.decisions, e.order[0])
		e.order = e.order[1:]
	}
}
