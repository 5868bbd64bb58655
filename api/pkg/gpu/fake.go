package gpu

import (
	"context"
	"sync"
)

// FakeInventory is an in-memory Inventory for tests and GPU-less
// development machines.
type FakeInventory struct {
	mu      sync.Mutex
	devices map[int]Device
	err     error
}

var _ Inventory = &FakeInventory{}

func NewFakeInventory(devices ...Device) *FakeInventory {
	m := map[int]Device{}
	for _, d := range devices {
		m[d.ID] = d
	}
	return &FakeInventory{devices: m}
}

func (f *FakeInventory) Snapshot(_ context.Context) (map[int]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int]Device, len(f.devices))
	for id, d := range f.devices {
		out[id] = d
	}
	return out, nil
}

// SetDevice replaces one device's state, simulating load changes
// between snapshots.
func (f *FakeInventory) SetDevice(d Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.ID] = d
}

// SetError makes subsequent snapshots fail.
func (f *FakeInventory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}
