package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUserSerialises(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := c.LockUser(ctx, "u1")
			require.NoError(t, err)
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLockUserIsPerUser(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	unlock1, err := c.LockUser(ctx, "u1")
	require.NoError(t, err)
	defer unlock1()

	unlock2, err := c.LockUser(ctx, "u2")
	require.NoError(t, err)
	unlock2()
}

func TestLockUserHonoursContext(t *testing.T) {
	c := NewCoordinator()

	unlock, err := c.LockUser(context.Background(), "u1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.LockUser(ctx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnlockIsIdempotent(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	unlock, err := c.LockUser(ctx, "u1")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock, err = c.LockUser(ctx, "u1")
	require.NoError(t, err)
	unlock()
}

func TestUserLocksAreDroppedWhenReleased(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()
	lockCount := func() int {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.userLocks)
	}

	for i := 0; i < 50; i++ {
		unlock, err := c.LockUser(ctx, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		unlock()
	}
	assert.Equal(t, 0, lockCount())

	unlock, err := c.LockUser(ctx, "u1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = c.LockUser(waitCtx, "u1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, lockCount(), "the held lock stays registered")

	unlock()
	assert.Equal(t, 0, lockCount())
}

func TestProcessLifecycle(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	p, pctx, err := c.StartProcess(ctx, "rotate:u1", 4)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, p.Status)
	assert.NoError(t, pctx.Err())

	_, _, err = c.StartProcess(ctx, "rotate:u1", 4)
	assert.ErrorIs(t, err, ErrProcessExists)

	c.UpdateProgress("rotate:u1", 2, 0)
	status := c.GetProcessStatus("rotate:u1")
	require.NotNil(t, status)
	assert.InDelta(t, 0.5, status.Progress(), 1e-9)
	assert.Len(t, c.ListProcesses(), 1)

	c.FinishProcess("rotate:u1", nil)
	assert.Error(t, pctx.Err(), "process context is cancelled on finish")
	status = c.GetProcessStatus("rotate:u1")
	require.NotNil(t, status)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, 1.0, status.Progress())
	assert.Empty(t, c.ListProcesses())

	// a finished process can be started again
	_, _, err = c.StartProcess(ctx, "rotate:u1", 0)
	require.NoError(t, err)
	c.FinishProcess("rotate:u1", errors.New("boom"))
	status = c.GetProcessStatus("rotate:u1")
	assert.Equal(t, StatusFailed, status.Status)
	assert.EqualError(t, status.Error, "boom")

	assert.Nil(t, c.GetProcessStatus("unknown"))
}

func TestShutdown(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	_, pctx, err := c.StartProcess(ctx, "p1", 1)
	require.NoError(t, err)

	go func() {
		<-pctx.Done()
		c.FinishProcess("p1", pctx.Err())
	}()

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(sctx))
	assert.True(t, c.IsShuttingDown())

	_, err = c.LockUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, _, err = c.StartProcess(ctx, "p2", 1)
	assert.ErrorIs(t, err, ErrShuttingDown)

	// calling twice is safe
	require.NoError(t, c.Shutdown(sctx))
}
