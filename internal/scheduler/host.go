// Copyright 2025 James Ross
package scheduler

import (
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// sampleHostMetrics reports instantaneous CPU/RAM utilization for the
// snapshot loop. A sampling failure is logged and reported as 0 rather than
// skipping the snapshot row entirely.
func sampleHostMetrics(log *zap.Logger) (cpuPercent, ramPercent float64) {
	if pcts, err := cpu.Percent(200*time.Millisecond, false); err != nil {
		log.Warn("cpu sample failed", zap.Error(err))
	} else if len(pcts) > 0 {
		cpuPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		log.Warn("memory sample failed", zap.Error(err))
	} else {
		ramPercent = vm.UsedPercent
	}

	return cpuPercent, ramPercent
}
