package syncer

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/furnace-control/offline-hub/internal/logging"
)

// Lifetime 跟踪所有后台事件体，进程退出前等待它们完成。
type Lifetime struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Entry

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewLifetime 创建跟踪器；logger 可为 nil。
func NewLifetime(logger *logrus.Entry) *Lifetime {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = logging.Component(nil, "lifetime")
	}
	return &Lifetime{ctx: ctx, cancel: cancel, logger: logger}
}

// Go 在独立 goroutine 中执行 fn，fn 收到的 ctx 在 Shutdown 超时后才会被取消。
// 关闭开始后提交的任务会被丢弃并返回 false。
func (l *Lifetime) Go(name string, fn func(ctx context.Context)) bool {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		l.logger.WithField("task", name).Warn("lifetime_task_rejected")
		return false
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.WithFields(logrus.Fields{"task": name, "panic": r}).Error("lifetime_task_panic")
			}
		}()
		fn(l.ctx)
	}()
	return true
}

// Shutdown 停止接收新任务并等待已有任务结束；ctx 到期时取消任务的 ctx 并返回 ctx.Err()。
func (l *Lifetime) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		<-done
		return ctx.Err()
	}
}
