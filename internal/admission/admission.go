// Package admission gates job acquisition on host CPU and memory load.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/metrics"
)

// Usage is a point-in-time utilization sample, each value in [0, 1].
type Usage struct {
	CPU    float64
	Memory float64
}

// Sampler reads current utilization.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// Config sets thresholds and the sample cache.
type Config struct {
	MaxCPU         float64
	MaxRAM         float64
	SampleInterval time.Duration
}

const defaultMax = 0.95

// Controller answers AcceptConnection from cached samples.
type Controller struct {
	cfg     Config
	sampler Sampler
	logger  *zap.Logger
	nowFn   func() time.Time

	mu      sync.Mutex
	last    Usage
	sampled time.Time
}

// New builds a Controller. A nil sampler uses the host sampler.
func New(cfg Config, sampler Sampler, logger *zap.Logger) *Controller {
	if cfg.MaxCPU <= 0 {
		cfg.MaxCPU = defaultMax
	}
	if cfg.MaxRAM <= 0 {
		cfg.MaxRAM = defaultMax
	}
	if sampler == nil {
		sampler = HostSampler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, sampler: sampler, logger: logger, nowFn: time.Now}
}

// AcceptConnection reports whether the process may take another job. It
// fails open when the sampler errors.
func (c *Controller) AcceptConnection(ctx context.Context) bool {
	usage, err := c.usage(ctx)
	if err != nil {
		c.logger.Warn("resource sample failed", zap.Error(err))
		return true
	}
	if usage.CPU >= c.cfg.MaxCPU || usage.Memory >= c.cfg.MaxRAM {
		metrics.ObserveAdmissionDenied()
		c.logger.Debug("admission denied",
			zap.Float64("cpu", usage.CPU),
			zap.Float64("memory", usage.Memory),
		)
		return false
	}
	return true
}

func (c *Controller) usage(ctx context.Context) (Usage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn()
	if c.cfg.SampleInterval > 0 && !c.sampled.IsZero() && now.Sub(c.sampled) < c.cfg.SampleInterval {
		return c.last, nil
	}
	u, err := c.sampler.Sample(ctx)
	if err != nil {
		return Usage{}, err
	}
	c.last = u
	c.sampled = now
	metrics.SetResourceUsage(u.CPU, u.Memory)
	return u, nil
}

// HostSampler reads the machine's utilization through gopsutil.
type HostSampler struct{}

// Sample returns CPU load since the previous call and used memory.
func (HostSampler) Sample(ctx context.Context) (Usage, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}
	u := Usage{Memory: vm.UsedPercent / 100}
	if len(cpuPct) > 0 {
		u.CPU = cpuPct[0] / 100
	}
	return u, nil
}
