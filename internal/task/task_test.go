package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

func TestSpawnRunsWork(t *testing.T) {
	m := NewManager(Config{Workers: 2}, zap.NewNop())
	defer m.Shutdown(time.Second)

	var ran atomic.Bool
	h, ok := m.Spawn(context.Background(), "write", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.True(t, ok)
	require.NoError(t, h.Wait(context.Background()))

	assert.True(t, ran.Load())
	assert.Equal(t, StatusDone, h.Status())
	assert.Len(t, h.ID, 26, "ulid")
	assert.Eventually(t, func() bool { return m.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, m.Active())
}

func TestFailuresAreCountedAndLogged(t *testing.T) {
	logger, logs := newObserved(zapcore.WarnLevel)
	m := NewManager(Config{Workers: 1}, logger)
	defer m.Shutdown(time.Second)

	h, ok := m.Spawn(context.Background(), "upsert", func(ctx context.Context) error {
		return errors.New("store unavailable")
	})
	require.True(t, ok)
	assert.EqualError(t, h.Wait(context.Background()), "store unavailable")
	assert.Equal(t, StatusFailed, h.Status())

	assert.EqualValues(t, 1, m.Stats().Failed)
	entries := logs.FilterMessage("background task failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, h.ID, fields["task"])
	assert.Equal(t, "upsert", fields["name"])
}

func TestPanicIsRecovered(t *testing.T) {
	m := NewManager(Config{Workers: 1}, zap.NewNop())
	defer m.Shutdown(time.Second)

	h, ok := m.Spawn(context.Background(), "boom", func(ctx context.Context) error {
		panic("nil map")
	})
	require.True(t, ok)
	err := h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")

	// The worker survives.
	h, ok = m.Spawn(context.Background(), "after", func(ctx context.Context) error { return nil })
	require.True(t, ok)
	assert.NoError(t, h.Wait(context.Background()))
}

func TestRejectWhenQueueFull(t *testing.T) {
	logger, logs := newObserved(zapcore.WarnLevel)
	m := NewManager(Config{Workers: 1, QueueSize: 1}, logger)
	defer m.Shutdown(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	_, ok := m.Spawn(context.Background(), "slow", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.True(t, ok)
	<-started

	_, ok = m.Spawn(context.Background(), "queued", func(ctx context.Context) error { return nil })
	require.True(t, ok)

	h, ok := m.Spawn(context.Background(), "overflow", func(ctx context.Context) error { return nil })
	assert.False(t, ok)
	assert.Nil(t, h)

	s := m.Stats()
	assert.EqualValues(t, 1, s.Rejected)
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 1, s.Queued)
	assert.Equal(t, 1, logs.FilterMessage("task rejected").Len())

	close(release)
}

func TestBlockWaitsForRoom(t *testing.T) {
	m := NewManager(Config{Workers: 1, QueueSize: 1, Backpressure: Block}, zap.NewNop())
	defer m.Shutdown(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	m.Spawn(context.Background(), "slow", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	m.Spawn(context.Background(), "queued", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := m.Spawn(ctx, "waits", func(ctx context.Context) error { return nil })
	assert.False(t, ok, "caller deadline expires while the queue is full")

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	h, ok := m.Spawn(context.Background(), "eventually", func(ctx context.Context) error { return nil })
	require.True(t, ok)
	assert.NoError(t, h.Wait(context.Background()))
}

func TestSpawnAfterShutdown(t *testing.T) {
	logger, logs := newObserved(zapcore.WarnLevel)
	m := NewManager(Config{Workers: 1}, logger)
	require.Zero(t, m.Shutdown(time.Second))

	h, ok := m.Spawn(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.False(t, ok)
	assert.Nil(t, h)
	assert.Equal(t, 1, logs.FilterMessage("task spawned after shutdown").Len())

	// Idempotent.
	assert.Zero(t, m.Shutdown(time.Second))
}

func TestShutdownCancelsCooperativeWork(t *testing.T) {
	m := NewManager(Config{Workers: 1, QueueSize: 10}, zap.NewNop())

	started := make(chan struct{})
	first, ok := m.Spawn(context.Background(), "waiter", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.True(t, ok)
	<-started

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		_, ok := m.Spawn(context.Background(), fmt.Sprintf("queued-%d", i), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.True(t, ok)
	}

	require.Zero(t, m.Shutdown(time.Second))
	assert.Equal(t, StatusCancelled, first.Status())
	assert.Zero(t, ran.Load(), "queued work never starts after shutdown")

	s := m.Stats()
	assert.EqualValues(t, 4, s.Cancelled)
	assert.Zero(t, s.Active)
}

func TestShutdownAbandonsStuckTasks(t *testing.T) {
	logger, logs := newObserved(zapcore.WarnLevel)
	m := NewManager(Config{Workers: 5}, logger)

	started := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		_, ok := m.Spawn(context.Background(), fmt.Sprintf("stuck-%d", i), func(ctx context.Context) error {
			started <- struct{}{}
			time.Sleep(5 * time.Second)
			return nil
		})
		require.True(t, ok)
	}
	for i := 0; i < 5; i++ {
		<-started
	}

	begin := time.Now()
	abandoned := m.Shutdown(time.Second)
	elapsed := time.Since(begin)

	assert.Equal(t, 5, abandoned)
	assert.Less(t, elapsed, 3*time.Second)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Zero(t, m.Active())

	entries := logs.FilterMessage("task manager shutdown timed out, abandoning tasks").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 5, entries[0].ContextMap()["abandoned"])
}

func TestTaskTimeout(t *testing.T) {
	m := NewManager(Config{Workers: 1, TaskTimeout: 20 * time.Millisecond}, zap.NewNop())
	defer m.Shutdown(time.Second)

	h, ok := m.Spawn(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.True(t, ok)
	assert.ErrorIs(t, h.Wait(context.Background()), context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, h.Status())
}
