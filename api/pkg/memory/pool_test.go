package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAvailableAppliesMarginAndReservation(t *testing.T) {
	// 16 GB total, 10% margin, nothing reserved: 14.4 GB schedulable.
	pool := NewPool(0, 16, 0, 0.10)
	assert.InDelta(t, 14.4, pool.Available(), 0.001)

	pool = NewPool(0, 16, 2, 0.10)
	assert.InDelta(t, 12.4, pool.Available(), 0.001)
}

func TestPoolAllocateAndRelease(t *testing.T) {
	pool := NewPool(0, 16, 0, 0.10)

	require.NoError(t, pool.Allocate("task-a", 10))
	assert.InDelta(t, 4.4, pool.Available(), 0.001)
	assert.Equal(t, 1, pool.ActiveTasks())

	// 5 GB no longer fits.
	err := pool.Allocate("task-b", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available")

	pool.Release("task-a", 10)
	assert.InDelta(t, 14.4, pool.Available(), 0.001)
	assert.Equal(t, 0, pool.ActiveTasks())

	require.NoError(t, pool.Allocate("task-b", 5))
}

func TestPoolAvailableNeverNegative(t *testing.T) {
	pool := NewPool(0, 8, 0, 0.10)
	pool.SyncFromHardware(9)
	assert.Equal(t, 0.0, pool.Available())
}

func TestPoolRejectsNonPositiveAllocation(t *testing.T) {
	pool := NewPool(0, 8, 0, 0)
	require.Error(t, pool.Allocate("task-a", 0))
	require.Error(t, pool.Allocate("task-a", -1))
}

func TestPoolDoubleReleaseClamps(t *testing.T) {
	pool := NewPool(0, 8, 0, 0)
	require.NoError(t, pool.Allocate("task-a", 4))
	pool.Release("task-a", 4)
	pool.Release("task-a", 4)
	assert.Equal(t, 0.0, pool.Allocated())
	assert.InDelta(t, 8.0, pool.Available(), 0.001)
}

func TestPoolSyncFromHardware(t *testing.T) {
	pool := NewPool(0, 16, 0, 0.10)
	require.NoError(t, pool.Allocate("task-a", 5))

	// Driver sees more in use than the ledger (external process).
	pool.SyncFromHardware(8)
	assert.InDelta(t, 8.0, pool.Allocated(), 0.001)
	assert.InDelta(t, 6.4, pool.Available(), 0.001)
}

func TestPoolConcurrentAllocationsNeverOversubscribe(t *testing.T) {
	pool := NewPool(0, 16, 0, 0.10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pool.Allocate("task", 5) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 14.4 GB headroom fits exactly two 5 GB tasks.
	assert.Equal(t, 2, granted)
	assert.InDelta(t, 10.0, pool.Allocated(), 0.001)
}
