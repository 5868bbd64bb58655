package scheduler

import (
	"sort"

	"github.com/scribehq/scribe/api/pkg/types"
)

// SystemStatus is the operator view: devices, queue depth and the
// device a new task would most likely land on.
type SystemStatus struct {
	GPUs    []types.GPUStatus `json:"gpus"`
	Queue   types.QueueStats  `json:"queue"`
	BestGPU *int              `json:"best_gpu,omitempty"`
}

// Status assembles the current system view from the last hardware
// snapshot and the live pool ledgers.
func (s *Scheduler) Status() SystemStatus {
	status := SystemStatus{
		GPUs:  s.gpuStatuses(),
		Queue: s.params.Queue.Stats(),
	}
	var best *int
	bestAvailable := 0.0
	for i := range status.GPUs {
		g := status.GPUs[i]
		if g.AvailableMemoryGB > bestAvailable {
			bestAvailable = g.AvailableMemoryGB
			id := g.ID
			best = &id
		}
	}
	status.BestGPU = best
	return status
}

func (s *Scheduler) gpuStatuses() []types.GPUStatus {
	s.poolMu.RLock()
	defer s.poolMu.RUnlock()

	statuses := make([]types.GPUStatus, 0, len(s.pools))
	for id, pool := range s.pools {
		device := s.devices[id]
		statuses = append(statuses, types.GPUStatus{
			ID:                id,
			Name:              device.Name,
			TotalMemoryGB:     pool.TotalGB(),
			UsedMemoryGB:      device.UsedMemoryGB,
			AllocatedMemoryGB: pool.Allocated(),
			ReservedMemoryGB:  s.cfg.Memory.ReservedGB,
			FreeMemoryGB:      device.FreeMemoryGB(),
			AvailableMemoryGB: pool.Available(),
			ActiveTasks:       pool.ActiveTasks(),
			TemperatureC:      device.TemperatureC,
			UtilizationGPU:    device.UtilizationGPU,
			UtilizationMemory: device.UtilizationMemory,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// GPUSelector returns the trimmed device list UI pickers show.
func (s *Scheduler) GPUSelector() []types.GPUSelectorEntry {
	statuses := s.gpuStatuses()
	entries := make([]types.GPUSelectorEntry, 0, len(statuses))
	for _, g := range statuses {
		entries = append(entries, types.GPUSelectorEntry{
			ID:                g.ID,
			Name:              g.Name,
			AvailableMemoryGB: g.AvailableMemoryGB,
			TemperatureC:      g.TemperatureC,
		})
	}
	return entries
}
