package types

// GPUStatus combines driver-level truth with the pool ledger for one
// device. Memory quantities are in GB.
type GPUStatus struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	TotalMemoryGB     float64 `json:"total_memory_gb"`
	UsedMemoryGB      float64 `json:"used_memory_gb"`
	AllocatedMemoryGB float64 `json:"allocated_memory_gb"`
	ReservedMemoryGB  float64 `json:"reserved_memory_gb"`
	FreeMemoryGB      float64 `json:"free_memory_gb"`
	AvailableMemoryGB float64 `json:"available_memory_gb"`
	ActiveTasks       int     `json:"active_tasks"`
	TemperatureC      int     `json:"temperature_c,omitempty"`
	UtilizationGPU    int     `json:"utilization_gpu,omitempty"`
	UtilizationMemory int     `json:"utilization_memory,omitempty"`
}

// GPUSelectorEntry is the trimmed per-device view used by UI pickers.
type GPUSelectorEntry struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	AvailableMemoryGB float64 `json:"available_memory_gb"`
	TemperatureC      int     `json:"temperature_c,omitempty"`
}
