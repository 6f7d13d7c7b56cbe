package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically measures the dispatcher's own CPU and memory
// usage and exports both as Prometheus gauges. One sampler per process.
type SystemSampler struct {
	proc     *process.Process
	interval time.Duration
	logger   zerolog.Logger
}

func NewSystemSampler(interval time.Duration, logger zerolog.Logger) (*SystemSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemSampler{
		proc:     proc,
		interval: interval,
		logger:   logger.With().Str("component", "system_sampler").Logger(),
	}, nil
}

// Run samples until the context is cancelled. Call in its own goroutine.
func (s *SystemSampler) Run(ctx context.Context) {
	defer RecoverPanic(s.logger, "system_sampler", nil)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemSampler) sample() {
	if cpu, err := s.proc.CPUPercent(); err == nil {
		ProcessCPUPercent.Set(cpu)
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		ProcessMemoryBytes.Set(float64(mem.RSS))
	}
}
