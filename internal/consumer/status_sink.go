package consumer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

const (
	statusQueueSize     = 8
	statusReportTimeout = time.Second
)

// statusSink 后台上报监测状态，Push 从不阻塞
//
// 队列满时丢弃最旧的状态；关闭时只补报最后一个状态。
type statusSink struct {
	reporter StatusReporter
	logger   *zap.Logger

	mu      sync.Mutex
	pending []models.MonitorStatus
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newStatusSink(reporter StatusReporter, logger *zap.Logger) *statusSink {
	s := &statusSink{
		reporter: reporter,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Push 入队一个状态
func (s *statusSink) Push(status models.MonitorStatus) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.pending) >= statusQueueSize {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, status)
	// 持锁发送，避免与 Close 关闭 wake 竞争
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// Close 停止接收，等待正在进行的上报和最后一个状态上报完成
func (s *statusSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.wake)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *statusSink) run() {
	defer close(s.done)
	for range s.wake {
		for {
			status, ok := s.next()
			if !ok {
				break
			}
			s.report(status)
		}
	}
	// 关闭后只补报最新状态
	s.mu.Lock()
	var last *models.MonitorStatus
	if n := len(s.pending); n > 0 {
		last = &s.pending[n-1]
	}
	s.pending = nil
	s.mu.Unlock()
	if last != nil {
		s.report(*last)
	}
}

func (s *statusSink) next() (models.MonitorStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return models.MonitorStatus{}, false
	}
	if s.closed {
		s.pending = s.pending[len(s.pending)-1:]
	}
	status := s.pending[0]
	s.pending = s.pending[1:]
	return status, true
}

func (s *statusSink) report(status models.MonitorStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), statusReportTimeout)
	defer cancel()
	if err := s.reporter.Report(ctx, status); err != nil {
		s.logger.Warn("Failed to report monitor status",
			zap.String("user_id", status.UserID),
			zap.Error(err),
		)
	}
}
