package memory

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// lockTimeout bounds every pool lock acquire. A pool that cannot be
// locked in this window is treated as unavailable rather than blocking
// a scheduling cycle forever.
const lockTimeout = 5 * time.Second

// Pool is the allocation ledger for a single GPU. It tracks
// reservations made on behalf of tasks; hardware truth is pushed in
// periodically via SyncFromHardware.
type Pool struct {
	gpuID        int
	totalGB      float64
	reservedGB   float64
	safetyMargin float64

	// Buffered channel as a lock so acquisition can be bounded.
	sem chan struct{}

	// Sum of live task reservations.
	allocatedGB float64
	// Driver-reported usage from the last hardware sync. Covers
	// external processes the ledger knows nothing about.
	hardwareUsedGB float64
	activeTasks    int
}

func NewPool(gpuID int, totalGB, reservedGB, safetyMargin float64) *Pool {
	p := &Pool{
		gpuID:        gpuID,
		totalGB:      totalGB,
		reservedGB:   reservedGB,
		safetyMargin: safetyMargin,
		sem:          make(chan struct{}, 1),
	}
	p.sem <- struct{}{}
	return p
}

func (p *Pool) lock() bool {
	select {
	case <-p.sem:
		return true
	case <-time.After(lockTimeout):
		log.Warn().Int("gpu_id", p.gpuID).Msg("timed out acquiring memory pool lock")
		return false
	}
}

func (p *Pool) unlock() {
	p.sem <- struct{}{}
}

func (p *Pool) GPUID() int { return p.gpuID }

func (p *Pool) TotalGB() float64 { return p.totalGB }

// effectiveAllocatedLocked is what scheduling must treat as taken:
// either the reservation ledger or driver-observed usage, whichever
// is larger. A freshly reserved task has not loaded its model yet, so
// driver usage alone would let the same memory be promised twice;
// driver usage alone also covers external processes the ledger never
// saw.
func (p *Pool) effectiveAllocatedLocked() float64 {
	if p.hardwareUsedGB > p.allocatedGB {
		return p.hardwareUsedGB
	}
	return p.allocatedGB
}

// availableLocked computes schedulable headroom. Never negative.
func (p *Pool) availableLocked() float64 {
	available := p.totalGB - p.effectiveAllocatedLocked() - p.reservedGB - p.totalGB*p.safetyMargin
	if available < 0 {
		return 0
	}
	return available
}

// Available returns memory that new work may claim, after allocations,
// the flat reservation and the proportional safety margin.
func (p *Pool) Available() float64 {
	if !p.lock() {
		return 0
	}
	defer p.unlock()
	return p.availableLocked()
}

// Allocated returns the memory scheduling currently treats as taken.
func (p *Pool) Allocated() float64 {
	if !p.lock() {
		return 0
	}
	defer p.unlock()
	return p.effectiveAllocatedLocked()
}

// ActiveTasks returns the number of reservations currently held.
func (p *Pool) ActiveTasks() int {
	if !p.lock() {
		return 0
	}
	defer p.unlock()
	return p.activeTasks
}

// CanAllocate reports whether amountGB fits right now. Advisory only,
// Allocate re-checks under the lock.
func (p *Pool) CanAllocate(amountGB float64) bool {
	if !p.lock() {
		return false
	}
	defer p.unlock()
	return amountGB <= p.availableLocked()
}

// Allocate reserves amountGB for a task. Check and mutation happen
// atomically so concurrent allocations cannot oversubscribe.
func (p *Pool) Allocate(taskID string, amountGB float64) error {
	if amountGB <= 0 {
		return fmt.Errorf("allocation must be positive, got %.2f GB", amountGB)
	}
	if !p.lock() {
		return fmt.Errorf("gpu %d: pool busy, allocation refused", p.gpuID)
	}
	defer p.unlock()

	available := p.availableLocked()
	if amountGB > available {
		return fmt.Errorf("gpu %d: need %.2f GB but only %.2f GB available", p.gpuID, amountGB, available)
	}
	p.allocatedGB += amountGB
	p.activeTasks++
	log.Debug().
		Int("gpu_id", p.gpuID).
		Str("task_id", taskID).
		Float64("amount_gb", amountGB).
		Float64("allocated_gb", p.allocatedGB).
		Msg("memory allocated")
	return nil
}

// Release returns a task's reservation to the pool. The ledger is
// clamped at zero so a double release cannot corrupt accounting.
func (p *Pool) Release(taskID string, amountGB float64) {
	if !p.lock() {
		// The lock is only held for short critical sections, so this
		// indicates a stuck pool. Log loudly rather than leak quietly.
		log.Error().Int("gpu_id", p.gpuID).Str("task_id", taskID).Msg("could not lock pool to release memory")
		return
	}
	defer p.unlock()

	p.allocatedGB -= amountGB
	if p.allocatedGB < 0 {
		log.Warn().Int("gpu_id", p.gpuID).Str("task_id", taskID).Msg("memory ledger went negative, clamping")
		p.allocatedGB = 0
	}
	if p.activeTasks > 0 {
		p.activeTasks--
	}
	log.Debug().
		Int("gpu_id", p.gpuID).
		Str("task_id", taskID).
		Float64("amount_gb", amountGB).
		Float64("allocated_gb", p.allocatedGB).
		Msg("memory released")
}

// SyncFromHardware records driver-reported used memory so external
// processes and fragmentation show up in availability between cycles.
func (p *Pool) SyncFromHardware(usedGB float64) {
	if !p.lock() {
		return
	}
	defer p.unlock()

	if usedGB < 0 {
		usedGB = 0
	}
	if usedGB > p.allocatedGB {
		log.Debug().
			Int("gpu_id", p.gpuID).
			Float64("ledger_gb", p.allocatedGB).
			Float64("driver_gb", usedGB).
			Msg("driver usage exceeds reservation ledger")
	}
	p.hardwareUsedGB = usedGB
}
