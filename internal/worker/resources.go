package worker

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// HostSampler reads host resource pressure via gopsutil. DiskPath is the
// mount the render output lands on; disk pressure there is what throttles
// the worker first.
type HostSampler struct {
	DiskPath string
}

// Sample implements ResourceSampler.
func (s HostSampler) Sample(ctx domain.Context) (domain.ResourceUsage, error) {
	var usage domain.ResourceUsage

	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return domain.ResourceUsage{}, fmt.Errorf("op=worker.sample: cpu: %w", err)
	}
	if len(cpuPcts) > 0 {
		usage.CPUPercent = cpuPcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.ResourceUsage{}, fmt.Errorf("op=worker.sample: mem: %w", err)
	}
	usage.MemPercent = vm.UsedPercent

	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return domain.ResourceUsage{}, fmt.Errorf("op=worker.sample: disk: %w", err)
	}
	usage.DiskPercent = du.UsedPercent

	return usage, nil
}
