package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

type vendor string

const (
	vendorNone   vendor = ""
	vendorNVIDIA vendor = "nvidia"
	vendorAMD    vendor = "amd"
)

const nvidiaQueryFields = "index,name,memory.total,memory.used,temperature.gpu,utilization.gpu,utilization.memory"

// SMIInventory discovers GPUs by shelling out to the vendor query
// tools. Query tools read driver state only, so snapshots never
// initialise a compute context in this process.
type SMIInventory struct {
	vendor vendor
}

var _ Inventory = &SMIInventory{}

func NewSMIInventory() *SMIInventory {
	inv := &SMIInventory{vendor: detectVendor()}
	if inv.vendor == vendorNone {
		log.Warn().Msg("no GPU query tool found, inventory will be empty")
	} else {
		log.Info().Str("vendor", string(inv.vendor)).Msg("detected GPU query tool")
	}
	return inv
}

func detectVendor() vendor {
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return vendorNVIDIA
	}
	if _, err := exec.LookPath("rocm-smi"); err == nil {
		return vendorAMD
	}
	return vendorNone
}

func (s *SMIInventory) Snapshot(ctx context.Context) (map[int]Device, error) {
	switch s.vendor {
	case vendorNVIDIA:
		cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu="+nvidiaQueryFields, "--format=csv,noheader,nounits")
		output, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi query failed: %w", err)
		}
		return parseNvidiaSMI(string(output)), nil
	case vendorAMD:
		cmd := exec.CommandContext(ctx, "rocm-smi", "--showmeminfo", "vram", "--csv")
		output, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("rocm-smi query failed: %w", err)
		}
		return parseRocmSMI(string(output)), nil
	default:
		return map[int]Device{}, nil
	}
}

// parseNvidiaSMI parses one CSV row per device:
//
//	0, NVIDIA GeForce RTX 4090, 24564, 1536, 45, 12, 3
//
// Memory columns are MiB. Rows that fail to parse are skipped with a
// warning so one broken device cannot hide the rest.
func parseNvidiaSMI(output string) map[int]Device {
	devices := map[int]Device{}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ", ")
		if len(parts) < 7 {
			log.Warn().Str("line", line).Msg("unexpected nvidia-smi output, skipping row")
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			log.Warn().Str("line", line).Msg("bad device index in nvidia-smi output")
			continue
		}
		totalMiB, err1 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		usedMiB, err2 := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err1 != nil || err2 != nil {
			log.Warn().Str("line", line).Msg("bad memory values in nvidia-smi output")
			continue
		}
		dev := Device{
			ID:            id,
			Name:          strings.TrimSpace(parts[1]),
			TotalMemoryGB: mibToGB(totalMiB),
			UsedMemoryGB:  mibToGB(usedMiB),
		}
		// Thermal and utilization columns can read "[N/A]" on some
		// boards, treat them as best effort.
		if v, err := strconv.Atoi(strings.TrimSpace(parts[4])); err == nil {
			dev.TemperatureC = v
		}
		if v, err := strconv.Atoi(strings.TrimSpace(parts[5])); err == nil {
			dev.UtilizationGPU = v
		}
		if v, err := strconv.Atoi(strings.TrimSpace(parts[6])); err == nil {
			dev.UtilizationMemory = v
		}
		devices[id] = dev
	}
	return devices
}

// parseRocmSMI parses `rocm-smi --showmeminfo vram --csv`, which
// reports bytes:
//
//	device,VRAM Total Memory (B),VRAM Total Used Memory (B)
//	card0,25753026560,1268776960
func parseRocmSMI(output string) map[int]Device {
	devices := map[int]Device{}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(strings.ToLower(line), "device") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			log.Warn().Str("line", line).Msg("unexpected rocm-smi output, skipping row")
			continue
		}
		idStr := strings.TrimPrefix(strings.TrimSpace(parts[0]), "card")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			log.Warn().Str("line", line).Msg("bad device id in rocm-smi output")
			continue
		}
		totalB, err1 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		usedB, err2 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err1 != nil || err2 != nil {
			log.Warn().Str("line", line).Msg("bad memory values in rocm-smi output")
			continue
		}
		devices[id] = Device{
			ID:            id,
			Name:          strings.TrimSpace(parts[0]),
			TotalMemoryGB: totalB / (1024 * 1024 * 1024),
			UsedMemoryGB:  usedB / (1024 * 1024 * 1024),
		}
	}
	return devices
}

func mibToGB(mib float64) float64 {
	return mib / 1024
}

// QueryUsedMemoryGB returns current driver-reported used memory for
// one device. Worker children use it to report observed peak usage.
func QueryUsedMemoryGB(ctx context.Context, deviceID int) (float64, error) {
	inv := NewSMIInventory()
	devices, err := inv.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	dev, ok := devices[deviceID]
	if !ok {
		return 0, fmt.Errorf("device %d not found", deviceID)
	}
	return dev.UsedMemoryGB, nil
}
