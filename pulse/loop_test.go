package pulse

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/logger"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestFakeClockFiresTickers(t *testing.T) {
	clock := NewFakeClock(epoch)
	tk := clock.NewTicker(10 * time.Second)
	defer tk.Stop()

	clock.Advance(9 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case at := <-tk.C():
		assert.Equal(t, epoch.Add(10*time.Second), at)
	default:
		t.Fatal("ticker did not fire at its deadline")
	}
	assert.Equal(t, epoch.Add(10*time.Second), clock.Now())
}

func TestFakeClockDropsTicksForSlowReader(t *testing.T) {
	clock := NewFakeClock(epoch)
	tk := clock.NewTicker(time.Second)

	clock.Advance(5 * time.Second)
	<-tk.C()
	select {
	case <-tk.C():
		t.Fatal("buffered more than one tick")
	default:
	}

	tk.Stop()
	assert.Equal(t, 0, clock.TickerCount())
}

func TestLoopRunsOnVirtualTicks(t *testing.T) {
	clock := NewFakeClock(epoch)
	var runs atomic.Int64
	loop := NewLoop("engine", 2*time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, clock, zap.NewNop().Sugar())

	loop.Start(context.Background())
	defer loop.Stop()

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)

	stats := loop.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, "engine", stats.Name)
}

func TestLoopTriggerWithoutInterval(t *testing.T) {
	var runs atomic.Int64
	loop := NewLoop("admission", 0, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, NewFakeClock(epoch), zap.NewNop().Sugar())

	loop.Start(context.Background())
	defer loop.Stop()

	loop.Trigger()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoopTagsRunContextWithName(t *testing.T) {
	var fields []interface{}
	loop := NewLoop("engine", 0, func(ctx context.Context) error {
		fields = logger.FieldsFromContext(ctx)
		return nil
	}, NewFakeClock(epoch), zap.NewNop().Sugar())

	require.NoError(t, loop.RunOnce(context.Background()))
	assert.Equal(t, []interface{}{logger.FieldComponent, "engine"}, fields)
}

func TestLoopRecordsErrors(t *testing.T) {
	loop := NewLoop("sweep", 0, func(ctx context.Context) error {
		return errors.New("registry unavailable")
	}, NewFakeClock(epoch), zap.NewNop().Sugar())

	err := loop.RunOnce(context.Background())
	require.Error(t, err)

	stats := loop.Stats()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, "registry unavailable", stats.LastError)
	assert.Equal(t, epoch, stats.LastRunAt)
}

func TestLoopStopWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	loop := NewLoop("engine", 0, func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}, NewFakeClock(epoch), zap.NewNop().Sugar())

	loop.Start(context.Background())
	loop.Trigger()
	<-started

	stopped := make(chan struct{})
	go func() {
		loop.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.True(t, finished.Load())
	assert.False(t, loop.Stats().Running)
}

func TestLoopStopRemovesTicker(t *testing.T) {
	clock := NewFakeClock(epoch)
	loop := NewLoop("tracker", time.Minute, func(ctx context.Context) error { return nil }, clock, zap.NewNop().Sugar())

	loop.Start(context.Background())
	assert.Equal(t, 1, clock.TickerCount())
	loop.Stop()
	assert.Equal(t, 0, clock.TickerCount())

	// Stop is idempotent
	loop.Stop()
}
