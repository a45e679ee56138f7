package syncer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/furnace-control/offline-hub/internal/logging"
)

// Scheduler 按固定间隔投递周期同步信号；上一次仍在执行时跳过本轮。
type Scheduler struct {
	dispatcher Dispatcher
	lifetime   *Lifetime
	tag        string
	interval   time.Duration
	logger     *logrus.Entry
	running    atomic.Bool
}

// NewScheduler 创建周期调度器，interval<=0 时 Run 直接返回。
func NewScheduler(dispatcher Dispatcher, lifetime *Lifetime, tag string, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if lifetime == nil {
		lifetime = NewLifetime(nil)
	}
	return &Scheduler{
		dispatcher: dispatcher,
		lifetime:   lifetime,
		tag:        tag,
		interval:   interval,
		logger:     logging.Component(logger, "scheduler"),
	}
}

// Run 阻塞直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 || s.dispatcher == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Trigger()
		}
	}
}

// Trigger 立即投递一次周期信号，返回是否真正投递。
func (s *Scheduler) Trigger() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.WithField("tag", s.tag).Debug("periodic_sync_skipped")
		return false
	}
	started := s.lifetime.Go("periodic:"+s.tag, func(ctx context.Context) {
		defer s.running.Store(false)
		if err := s.dispatcher.Dispatch(ctx, Signal{Tag: s.tag, Kind: Periodic}); err != nil {
			s.logger.WithField("tag", s.tag).WithError(err).Debug("periodic_sync_incomplete")
		}
	})
	if !started {
		s.running.Store(false)
	}
	return started
}
