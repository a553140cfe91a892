package escalation

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

type notification struct {
	title, body string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
	errs  []error // 按调用顺序返回，用完后返回 always
	always error
}

func (n *fakeNotifier) NotifyUser(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{title, body})
	if len(n.errs) > 0 {
		err := n.errs[0]
		n.errs = n.errs[1:]
		return err
	}
	return n.always
}

func (n *fakeNotifier) sent() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}

type fakeDialer struct {
	mu      sync.Mutex
	numbers []models.PhoneNumber
	errs    []error
	always  error
	block   chan struct{} // 非 nil 时每次拨号等待放行
	ctxErrs []error
}

func (d *fakeDialer) PlaceCall(ctx context.Context, number models.PhoneNumber) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.numbers = append(d.numbers, number)
	d.ctxErrs = append(d.ctxErrs, ctx.Err())
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return err
	}
	return d.always
}

func (d *fakeDialer) dialed() []models.PhoneNumber {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.PhoneNumber(nil), d.numbers...)
}

type fakeLocator struct {
	mu    sync.Mutex
	point *models.GeoPoint
	calls int
}

func (l *fakeLocator) LastKnown(ctx context.Context) *models.GeoPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.point
}

type fakeCaretakers struct {
	config models.CaretakerConfig
	err    error
}

func (c *fakeCaretakers) CaretakerConfig(ctx context.Context, userID string) (models.CaretakerConfig, error) {
	return c.config, c.err
}

type fakeStore struct {
	mu       sync.Mutex
	failures int // 前 N 次写入失败
	appended []models.FallEvent
	calls    int
}

func (s *fakeStore) Append(ctx context.Context, event models.FallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("database unavailable")
	}
	s.appended = append(s.appended, event)
	return nil
}

func (s *fakeStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.appended))
	for _, e := range s.appended {
		out = append(out, e.ID)
	}
	return out
}

type fakeRecorder struct {
	mu        sync.Mutex
	latest    map[string]*models.EscalationDecision
	callCount int
}

func (r *fakeRecorder) RecordDecision(ctx context.Context, d *models.EscalationDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		r.latest = make(map[string]*models.EscalationDecision)
	}
	r.latest[d.Event.ID] = d.Clone()
	r.callCount++
	return nil
}

func (r *fakeRecorder) get(id string) *models.EscalationDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest[id]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.FallEvent
}

func (p *fakePublisher) PublishFallEvent(ctx context.Context, event models.FallEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func phonePtr(s string) *models.PhoneNumber {
	p := models.PhoneNumber(s)
	return &p
}

func stringPtr(s string) *string {
	return &s
}
