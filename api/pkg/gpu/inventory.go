package gpu

import "context"

// Device is driver-level truth for one GPU. Memory values are in GB.
type Device struct {
	ID                int
	Name              string
	TotalMemoryGB     float64
	UsedMemoryGB      float64
	TemperatureC      int
	UtilizationGPU    int
	UtilizationMemory int
}

// FreeMemoryGB is raw driver free memory, before any pool accounting.
func (d Device) FreeMemoryGB() float64 {
	free := d.TotalMemoryGB - d.UsedMemoryGB
	if free < 0 {
		return 0
	}
	return free
}

// Inventory answers point-in-time questions about installed GPUs.
// Implementations must not create device contexts in the calling
// process; all truth comes from driver-level query tools.
type Inventory interface {
	// Snapshot returns the current state of every queryable device,
	// keyed by device index. Devices that fail to parse are omitted.
	Snapshot(ctx context.Context) (map[int]Device, error)
}
