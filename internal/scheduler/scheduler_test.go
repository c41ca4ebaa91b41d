package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/internal/registry"
	"github.com/yairfalse/vahti/internal/serializer"
	"github.com/yairfalse/vahti/internal/tracker"
	"github.com/yairfalse/vahti/pkg/resource"
)

type countingSink struct {
	mu       sync.Mutex
	payloads []string
}

func (s *countingSink) Send(_ context.Context, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *countingSink) Close() error { return nil }

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func testConfig(patterns ...string) Config {
	return Config{
		ID:            "monitor-1",
		Period:        20 * time.Millisecond,
		MaxSuppressed: 0,
		Patterns:      patterns,
		Serializer:    serializer.DefaultOptions(),
		Workers:       2,
		RestartSettle: 10 * time.Millisecond,
	}
}

func poolRegistry() *registry.Memory {
	reg := registry.NewMemory()
	reg.Register(resource.MustParseIdentifier("app:type=Pool,name=db"), resource.Snapshot{"active": resource.Scalar(5)})
	reg.Register(resource.MustParseIdentifier("app:type=Pool,name=cache"), resource.Snapshot{"active": resource.Scalar(1)})
	return reg
}

func TestMonitor_StartRequiresSink(t *testing.T) {
	m := New(testConfig("app:type=Pool,*"), poolRegistry(), nil)

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoSink)
	assert.False(t, m.Running())

	_, err = m.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNoSink)
}

func TestMonitor_TicksAfterInitialDelay(t *testing.T) {
	s := &countingSink{}
	cfg := testConfig("app:type=Pool,*")
	cfg.Period = 100 * time.Millisecond
	m := New(cfg, poolRegistry(), s)

	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop() }()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, s.count(), "first tick must wait one period")

	assert.Eventually(t, func() bool { return s.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitor_DropsInvalidAndDuplicatePatterns(t *testing.T) {
	m := New(testConfig("app:type=Pool,*", "not a pattern", "app:type=Pool,*", "app:name=db,type=Pool"), poolRegistry(), &countingSink{})

	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop() }()

	st := m.Status()
	assert.Equal(t, []string{"app:type=Pool,*", "app:name=db,type=Pool"}, st.Patterns)
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, "monitor-1-runnable-1", st.Tasks[0].ID)
	assert.Equal(t, "monitor-1-runnable-2", st.Tasks[1].ID)
}

func TestMonitor_StartStopLifecycle(t *testing.T) {
	m := New(testConfig("app:type=Pool,*"), poolRegistry(), &countingSink{})

	assert.ErrorIs(t, m.Stop(), ErrNotRunning)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)

	st := m.Status()
	assert.True(t, st.Running)
	assert.False(t, st.StartTime.IsZero())
	assert.True(t, st.StopTime.IsZero())

	require.NoError(t, m.Stop())
	m.Wait()

	st = m.Status()
	assert.False(t, st.Running)
	assert.False(t, st.StopTime.IsZero())
}

func TestMonitor_StopPreventsFurtherTicks(t *testing.T) {
	s := &countingSink{}
	m := New(testConfig("app:type=Pool,*"), poolRegistry(), s)

	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return s.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	m.Wait()
	after := s.count()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, after, s.count())
}

func TestMonitor_StopDoesNotInterruptInflightTick(t *testing.T) {
	reg := registry.NewMemory()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	reg.RegisterProvider(resource.MustParseIdentifier("app:type=Slow"), func() resource.Snapshot {
		once.Do(func() { close(started) })
		<-release
		return resource.Snapshot{"v": resource.Scalar(1)}
	})
	s := &countingSink{}
	m := New(testConfig("app:type=Slow"), reg, s)

	require.NoError(t, m.Start(context.Background()))
	<-started
	require.NoError(t, m.Stop())
	close(release)
	m.Wait()

	assert.Equal(t, 1, s.count())
}

func TestMonitor_WorkerPoolBoundsConcurrency(t *testing.T) {
	reg := registry.NewMemory()
	var inflight, peak atomic.Int32
	slow := func() resource.Snapshot {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		inflight.Add(-1)
		return resource.Snapshot{"v": resource.Scalar(1)}
	}
	reg.RegisterProvider(resource.MustParseIdentifier("a:type=One"), slow)
	reg.RegisterProvider(resource.MustParseIdentifier("b:type=Two"), slow)
	reg.RegisterProvider(resource.MustParseIdentifier("c:type=Three"), slow)

	s := &countingSink{}
	cfg := testConfig("a:type=One", "b:type=Two", "c:type=Three")
	cfg.Period = 5 * time.Millisecond
	cfg.Workers = 1
	m := New(cfg, reg, s)

	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return s.count() >= 6 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Stop())
	m.Wait()

	assert.Equal(t, int32(1), peak.Load())
}

func TestMonitor_Restart(t *testing.T) {
	s := &countingSink{}
	m := New(testConfig("app:type=Pool,*"), poolRegistry(), s)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Restart(context.Background()))
	assert.True(t, m.Running())

	st := m.Status()
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, "monitor-1-runnable-2", st.Tasks[0].ID)

	require.NoError(t, m.Stop())
}

func TestMonitor_TicksOutliveStartContext(t *testing.T) {
	s := &countingSink{}
	m := New(testConfig("app:type=Pool,*"), poolRegistry(), s)
	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop() }()

	reqCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Restart(reqCtx))
	cancel()

	require.Eventually(t, func() bool { return s.count() > 0 }, 2*time.Second, 5*time.Millisecond)
	before := s.count()
	assert.Eventually(t, func() bool { return s.count() > before }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.Running())
	assert.True(t, m.Status().Running)
}

func TestMonitor_RestartAbortedLeavesStopped(t *testing.T) {
	cfg := testConfig("app:type=Pool,*")
	cfg.RestartSettle = time.Hour
	m := New(cfg, poolRegistry(), &countingSink{})
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := m.Restart(ctx)
	assert.ErrorIs(t, err, ErrRestartAborted)
	assert.False(t, m.Running())
}

func TestMonitor_RunOnce(t *testing.T) {
	s := &countingSink{}
	m := New(testConfig("app:type=Pool,*", "app:type=Missing,*"), poolRegistry(), s)

	results, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].Emitted)
	assert.Equal(t, 0, results[1].Resources)
	assert.Equal(t, 2, s.count())
	assert.False(t, m.Running())
}

func TestMonitor_UnlimitedSuppressionEmitsOnce(t *testing.T) {
	s := &countingSink{}
	cfg := testConfig("app:type=Pool,name=db")
	cfg.MaxSuppressed = tracker.UnlimitedSuppression
	cfg.Period = 5 * time.Millisecond
	m := New(cfg, poolRegistry(), s)

	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool {
		st := m.Status()
		return len(st.Tasks) == 1 && len(st.Tasks[0].Resources) == 1 &&
			st.Tasks[0].Resources[0].SuppressionCount >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
	m.Wait()

	assert.Equal(t, 1, s.count())
}
