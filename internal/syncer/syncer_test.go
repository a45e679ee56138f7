package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/furnace-control/offline-hub/internal/cache"
	"github.com/furnace-control/offline-hub/internal/config"
	"github.com/furnace-control/offline-hub/internal/queue"
)

func testWorker(upstream string) config.WorkerConfig {
	return config.WorkerConfig{
		Upstream:       upstream,
		CachePrefix:    "furnace",
		Generation:     "v1",
		SyncTag:        "temperature-update",
		PeriodicTag:    "temperature-sync",
		RefreshTargets: []string{"/api/templog"},
	}
}

func newQueue(t *testing.T) queue.Queue {
	t.Helper()
	q, err := queue.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueue(t *testing.T, q queue.Queue, temp int) queue.Mutation {
	t.Helper()
	payload, _ := json.Marshal(map[string]int{"targetTemp": temp})
	m, err := q.Enqueue(context.Background(), queue.Mutation{Target: "/api/updateTemp", Method: http.MethodPost, Payload: payload})
	require.NoError(t, err)
	return m
}

func newCoordinator(t *testing.T, upstream string, q queue.Queue, store cache.Store, notifier Notifier) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(Options{
		Worker:   testWorker(upstream),
		Queue:    q,
		Replayer: NewHTTPReplayer(http.DefaultClient, upstream),
		Store:    store,
		Notifier: notifier,
	})
	require.NoError(t, err)
	return coord
}

func TestDispatchDrainReplaysAndKeepsFailures(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r.Method+" "+r.URL.Path+" "+string(body))
		mu.Unlock()
		if string(body) == `{"targetTemp":200}` {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	q := newQueue(t)
	enqueue(t, q, 100)
	failing := enqueue(t, q, 200)
	enqueue(t, q, 300)

	notifier := NewLogNotifier(nil, 5)
	coord := newCoordinator(t, upstream.URL, q, cache.NewMemoryStore(), notifier)

	err := coord.Dispatch(context.Background(), Signal{Tag: "temperature-update", Kind: OneShot})
	assert.ErrorIs(t, err, ErrIncomplete)

	mu.Lock()
	assert.Equal(t, []string{
		`POST /api/updateTemp {"targetTemp":100}`,
		`POST /api/updateTemp {"targetTemp":200}`,
		`POST /api/updateTemp {"targetTemp":300}`,
	}, received)
	mu.Unlock()

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, failing.ID, pending[0].ID)

	recent := notifier.Recent()
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].Body, "2 offline update(s) synced")
}

func TestDispatchDrainOfflineLeavesQueueIntact(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	q := newQueue(t)
	enqueue(t, q, 100)
	enqueue(t, q, 200)

	coord := newCoordinator(t, url, q, cache.NewMemoryStore(), nil)
	result, err := coord.Drain(context.Background())
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 2, result.Remaining)
	for _, f := range result.Failed {
		assert.ErrorIs(t, f.Err, ErrUnreachable)
	}
}

func TestConcurrentDrainsReplayEachRecordOnce(t *testing.T) {
	q := newQueue(t)
	for i := 0; i < 3; i++ {
		enqueue(t, q, i)
	}

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	coord, err := NewCoordinator(Options{
		Worker: testWorker("http://furnace.invalid"),
		Queue:  q,
		Replayer: queue.ReplayerFunc(func(context.Context, queue.Mutation) error {
			calls.Add(1)
			once.Do(func() { close(started) })
			<-release
			return nil
		}),
		Store: cache.NewMemoryStore(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = coord.Drain(context.Background())
	}()
	<-started
	go func() {
		defer wg.Done()
		_, _ = coord.Drain(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(3), calls.Load())
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchRefreshStoresSuccessfulResponse(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/templog", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`[{"t":850}]`))
	}))
	defer upstream.Close()

	store := cache.NewMemoryStore()
	coord := newCoordinator(t, upstream.URL, newQueue(t), store, nil)

	require.NoError(t, coord.Dispatch(context.Background(), Signal{Tag: "temperature-sync", Kind: Periodic}))
	snap, err := store.Match(context.Background(), cache.MustKey("/api/templog"))
	require.NoError(t, err)
	assert.Equal(t, `[{"t":850}]`, string(snap.Body))
	assert.Equal(t, "application/json", snap.Header.Get("Content-Type"))

	status.Store(http.StatusInternalServerError)
	require.NoError(t, coord.Refresh(context.Background()))
	snap, err = store.Match(context.Background(), cache.MustKey("/api/templog"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, snap.Status, "error responses must not replace the stored snapshot")
}

func TestDispatchUnknownTagIsIgnored(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, 100)
	coord := newCoordinator(t, "http://furnace.invalid", q, cache.NewMemoryStore(), nil)

	require.NoError(t, coord.Dispatch(context.Background(), Signal{Tag: "firmware-update", Kind: OneShot}))
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type recordingDispatcher struct {
	mu      sync.Mutex
	signals []Signal
	err     error
	fired   chan Signal
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{fired: make(chan Signal, 16)}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, sig Signal) error {
	d.mu.Lock()
	d.signals = append(d.signals, sig)
	err := d.err
	d.mu.Unlock()
	d.fired <- sig
	return err
}

func (d *recordingDispatcher) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func waitSignal(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for signal")
		return Signal{}
	}
}

func assertNoSignal(t *testing.T, ch <-chan Signal) {
	t.Helper()
	select {
	case sig := <-ch:
		t.Fatalf("unexpected signal %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorFiresImmediatelyWhenOnline(t *testing.T) {
	d := newRecordingDispatcher()
	lifetime := NewLifetime(nil)
	m := NewMonitor(MonitorOptions{Dispatcher: d, Lifetime: lifetime})

	m.Register("temperature-update")
	sig := waitSignal(t, d.fired)
	assert.Equal(t, Signal{Tag: "temperature-update", Kind: OneShot}, sig)

	require.NoError(t, lifetime.Shutdown(context.Background()))
	assert.Empty(t, m.PendingTags())
}

func TestMonitorWaitsForConnectivity(t *testing.T) {
	d := newRecordingDispatcher()
	lifetime := NewLifetime(nil)
	m := NewMonitor(MonitorOptions{Dispatcher: d, Lifetime: lifetime})

	m.ReportReachable(false)
	m.Register("temperature-update")
	m.Register("temperature-update")
	assertNoSignal(t, d.fired)
	assert.Equal(t, []string{"temperature-update"}, m.PendingTags())

	m.ReportReachable(true)
	waitSignal(t, d.fired)
	require.NoError(t, lifetime.Shutdown(context.Background()))
	assertNoSignal(t, d.fired)
	assert.Empty(t, m.PendingTags())
}

func TestMonitorKeepsFailedTagForRetry(t *testing.T) {
	d := newRecordingDispatcher()
	d.setErr(errors.New("furnace busy"))
	lifetime := NewLifetime(nil)
	m := NewMonitor(MonitorOptions{Dispatcher: d, Lifetime: lifetime})

	m.Register("temperature-update")
	waitSignal(t, d.fired)
	require.NoError(t, lifetime.Shutdown(context.Background()))
	assert.Equal(t, []string{"temperature-update"}, m.PendingTags())
}

func TestMonitorProbeRestoresConnectivity(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	d := newRecordingDispatcher()
	lifetime := NewLifetime(nil)
	m := NewMonitor(MonitorOptions{
		Dispatcher:    d,
		Lifetime:      lifetime,
		ProbeURL:      upstream.URL + "/",
		ProbeInterval: time.Second,
	})
	m.ReportReachable(false)
	m.Register("temperature-update")

	m.probeOnce(context.Background())
	assert.True(t, m.Online())
	waitSignal(t, d.fired)
	require.NoError(t, lifetime.Shutdown(context.Background()))
}

func TestMonitorProbeMarksOffline(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	m := NewMonitor(MonitorOptions{ProbeURL: url + "/", ProbeInterval: time.Second})
	m.Register("temperature-update")
	m.probeOnce(context.Background())
	assert.False(t, m.Online())
}

func TestMonitorReconnectHooksRunOnTransition(t *testing.T) {
	lifetime := NewLifetime(nil)
	m := NewMonitor(MonitorOptions{Lifetime: lifetime})
	var calls atomic.Int32
	m.OnReconnect("install", func(context.Context) { calls.Add(1) })

	// 初始在线，重复报告在线不算恢复
	m.ReportReachable(true)
	m.ReportReachable(false)
	m.ReportReachable(false)
	require.NoError(t, lifetime.Shutdown(context.Background()))
	assert.Equal(t, int32(0), calls.Load())

	lifetime = NewLifetime(nil)
	m = NewMonitor(MonitorOptions{Lifetime: lifetime})
	m.OnReconnect("install", func(context.Context) { calls.Add(1) })
	m.ReportReachable(false)
	m.ReportReachable(true)
	m.ReportReachable(true)
	require.NoError(t, lifetime.Shutdown(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSchedulerTriggerAfterFailedDispatch(t *testing.T) {
	d := newRecordingDispatcher()
	d.setErr(errors.New("furnace busy"))
	lifetime := NewLifetime(nil)
	s := NewScheduler(d, lifetime, "temperature-sync", time.Minute, nil)

	require.True(t, s.Trigger())
	waitSignal(t, d.fired)
	require.Eventually(t, func() bool { return s.Trigger() }, time.Second, 10*time.Millisecond)
	require.NoError(t, lifetime.Shutdown(context.Background()))
}

func TestSchedulerTriggerDeliversPeriodicSignal(t *testing.T) {
	d := newRecordingDispatcher()
	lifetime := NewLifetime(nil)
	s := NewScheduler(d, lifetime, "temperature-sync", time.Minute, nil)

	require.True(t, s.Trigger())
	assert.Equal(t, Signal{Tag: "temperature-sync", Kind: Periodic}, waitSignal(t, d.fired))
	require.NoError(t, lifetime.Shutdown(context.Background()))
}

func TestSchedulerRunTicks(t *testing.T) {
	d := newRecordingDispatcher()
	lifetime := NewLifetime(nil)
	s := NewScheduler(d, lifetime, "temperature-sync", 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	waitSignal(t, d.fired)
	cancel()
	<-done
	require.NoError(t, lifetime.Shutdown(context.Background()))
}

func TestLifetimeShutdownWaitsForTasks(t *testing.T) {
	lifetime := NewLifetime(nil)
	var finished atomic.Bool
	require.True(t, lifetime.Go("slow", func(context.Context) {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	}))

	require.NoError(t, lifetime.Shutdown(context.Background()))
	assert.True(t, finished.Load())
	assert.False(t, lifetime.Go("late", func(context.Context) {}))
}

func TestLifetimeShutdownTimeoutCancelsTasks(t *testing.T) {
	lifetime := NewLifetime(nil)
	require.True(t, lifetime.Go("stuck", func(ctx context.Context) {
		<-ctx.Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, lifetime.Shutdown(ctx), context.DeadlineExceeded)
}

func TestPushNotificationDefaults(t *testing.T) {
	n := PushNotification("  ")
	assert.Equal(t, "Furnace Control System", n.Title)
	assert.Equal(t, "Furnace Control System Update", n.Body)
	require.Len(t, n.Actions, 2)
	assert.Equal(t, ActionExplore, n.Actions[0].Action)

	target, ok := ClickTarget(ActionExplore)
	assert.True(t, ok)
	assert.Equal(t, "/", target)
	_, ok = ClickTarget(ActionClose)
	assert.False(t, ok)
}

func TestLogNotifierKeepsRecent(t *testing.T) {
	n := NewLogNotifier(nil, 2)
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, n.Deliver(context.Background(), PushNotification(body)))
	}
	recent := n.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Body)
	assert.Equal(t, "c", recent[1].Body)
}

func TestHTTPReplayerStatusHandling(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Offline-Hub-Replay"))
		w.WriteHeader(int(status.Load()))
	}))
	defer upstream.Close()

	replayer := NewHTTPReplayer(upstream.Client(), upstream.URL)
	m := queue.Mutation{ID: 42, Target: "/api/updateTemp", Method: http.MethodPost, Payload: json.RawMessage(`{}`)}
	require.NoError(t, replayer.Replay(context.Background(), m))

	status.Store(http.StatusBadRequest)
	err := replayer.Replay(context.Background(), m)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnreachable)
}
