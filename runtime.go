package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/furnace-control/offline-hub/internal/cache"
	"github.com/furnace-control/offline-hub/internal/config"
	"github.com/furnace-control/offline-hub/internal/lifecycle"
	"github.com/furnace-control/offline-hub/internal/logging"
	"github.com/furnace-control/offline-hub/internal/metrics"
	"github.com/furnace-control/offline-hub/internal/proxy"
	"github.com/furnace-control/offline-hub/internal/queue"
	"github.com/furnace-control/offline-hub/internal/server"
	"github.com/furnace-control/offline-hub/internal/server/routes"
	"github.com/furnace-control/offline-hub/internal/syncer"
)

// hubRuntime 持有进程内共享的全部组件，启动顺序为
// “缓存 → 队列 → 同步 → 生命周期 → Fiber”，关闭时反向进行。
type hubRuntime struct {
	cfg    *config.Config
	logger *logrus.Logger

	store     cache.Store
	queue     queue.Queue
	registry  *prometheus.Registry
	lifetime  *syncer.Lifetime
	monitor   *syncer.Monitor
	scheduler *syncer.Scheduler
	worker    *lifecycle.Worker
	app       *fiber.App

	cancel  context.CancelFunc
	loops   sync.WaitGroup
	serving bool
}

func newRuntime(cfg *config.Config, logger *logrus.Logger) (*hubRuntime, error) {
	store, err := openStore(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("init cache store: %w", err)
	}

	pending, err := queue.Open(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(registry)

	client := server.NewUpstreamClient(cfg)
	lifetime := syncer.NewLifetime(logging.Component(logger, "lifetime"))
	notifier := syncer.NewLogNotifier(logger, 0)

	coordinator, err := syncer.NewCoordinator(syncer.Options{
		Worker:   cfg.Worker,
		Queue:    pending,
		Replayer: syncer.NewHTTPReplayer(client, cfg.Worker.Upstream),
		Store:    store,
		Client:   client,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		_ = pending.Close()
		return nil, err
	}

	monitor := syncer.NewMonitor(syncer.MonitorOptions{
		Dispatcher:    coordinator,
		Lifetime:      lifetime,
		Client:        client,
		ProbeURL:      cfg.Worker.Upstream + "/",
		ProbeInterval: cfg.Worker.ProbeInterval.DurationValue(),
		Logger:        logger,
		Metrics:       m,
	})
	scheduler := syncer.NewScheduler(coordinator, lifetime, cfg.Worker.PeriodicTag, cfg.Worker.PeriodicInterval.DurationValue(), logger)

	worker, err := lifecycle.NewWorker(lifecycle.Options{
		Worker:  cfg.Worker,
		Store:   store,
		Queue:   pending,
		Client:  client,
		Sync:    monitor,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		_ = pending.Close()
		return nil, err
	}

	dispatcher, err := proxy.NewDispatcher(proxy.Options{
		Worker:       cfg.Worker,
		Client:       client,
		Store:        store,
		Controller:   worker,
		Reachability: monitor,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		_ = pending.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      dispatcher,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = pending.Close()
		return nil, err
	}
	routes.RegisterWorkerRoutes(app, routes.WorkerDeps{
		Worker:      worker,
		Store:       store,
		Queue:       pending,
		Sync:        monitor,
		Notifier:    notifier,
		Periodic:    scheduler,
		PeriodicTag: cfg.Worker.PeriodicTag,
		Logger:      logger,
	})
	routes.RegisterDiagnosticsRoutes(app, cfg.Worker, registry)

	return &hubRuntime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		queue:     pending,
		registry:  registry,
		lifetime:  lifetime,
		monitor:   monitor,
		scheduler: scheduler,
		worker:    worker,
		app:       app,
	}, nil
}

func openStore(g config.GlobalConfig) (cache.Store, error) {
	if g.CacheBackend == config.CacheBackendMemory {
		return cache.NewMemoryStore(), nil
	}
	return cache.NewStore(filepath.Join(g.StoragePath, "caches"))
}

// start 执行安装与激活，并启动连通性探测和周期同步。
// 安装失败不会中止进程：同代际有旧缓存时沿用旧缓存继续接管，否则 worker 停在
// redundant、页面请求直通上游。两种情况都在上游恢复后重试安装。
func (rt *hubRuntime) start(ctx context.Context) {
	rt.monitor.OnReconnect("install", func(ctx context.Context) {
		if err := rt.worker.RetryInstall(ctx); err != nil {
			rt.logger.WithFields(logrus.Fields{
				"action": "reinstall",
				"state":  rt.worker.State().String(),
			}).WithError(err).Warn("worker_reinstall_failed")
		}
	})

	if err := rt.worker.Install(ctx); err != nil {
		rt.logger.WithFields(logrus.Fields{
			"action": "startup",
			"state":  rt.worker.State().String(),
		}).WithError(err).Error("worker_not_controlling")
	}
	if rt.worker.Stale() || rt.worker.State() == lifecycle.StateRedundant {
		// 标记离线，下一次探测或请求成功即视为恢复并触发重装
		rt.monitor.ReportReachable(false)
	}

	// 上次运行遗留的离线写入在首次连通时回放
	if n, err := rt.queue.Len(ctx); err == nil && n > 0 {
		rt.monitor.Register(rt.cfg.Worker.SyncTag)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.loops.Add(2)
	go func() {
		defer rt.loops.Done()
		rt.monitor.Run(loopCtx)
	}()
	go func() {
		defer rt.loops.Done()
		rt.scheduler.Run(loopCtx)
	}()
}

// shutdown 依次停止 HTTP、后台循环、在途同步任务，最后关闭队列。
func (rt *hubRuntime) shutdown(ctx context.Context) error {
	var errs []error
	if rt.serving {
		if err := rt.app.ShutdownWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.loops.Wait()
	if err := rt.lifetime.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait sync tasks: %w", err))
	}
	if err := rt.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	return errors.Join(errs...)
}
