// Package dispatcher runs a pool of workers over the job queue together with
// the queue's housekeeping loops.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// Runner is a worker loop that returns once ctx is done and its current job
// has drained.
type Runner interface {
	Run(ctx context.Context)
}

// Queue is the queue surface the housekeeping loops use.
type Queue interface {
	crawler.StalledRecoverer
	Counts(ctx context.Context) (crawler.QueueCounts, error)
}

// Settler finishes the crawl bookkeeping of a job that recovery failed for
// stalling too often. No worker owns such a job any more.
type Settler interface {
	SettleStalled(ctx context.Context, job crawler.Job)
}

// Config sets the housekeeping cadence. Zero values select 5s for both.
type Config struct {
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	DepthInterval    time.Duration `mapstructure:"depth_interval"`
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	settler Settler
	workers []Runner
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher. A nil queue disables housekeeping; a nil settler
// leaves stalled failures to the queue record alone.
func New(queue Queue, settler Settler, workers []Runner, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 5 * time.Second
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, settler: settler, workers: workers, cfg: cfg, logger: logger}
}

// Run starts all workers and housekeeping, then blocks until ctx is done and
// every worker has drained its in-flight job.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	if d.queue != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.every(ctx, d.cfg.RecoveryInterval, d.recover)
		}()
		go func() {
			defer wg.Done()
			d.every(ctx, d.cfg.DepthInterval, d.publishDepth)
		}()
	}
	d.logger.Info("Dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("Dispatcher drained")
}

func (d *Dispatcher) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (d *Dispatcher) recover(ctx context.Context) {
	rec, err := d.queue.RecoverStalled(ctx)
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("Stalled job recovery failed", zap.Error(err))
	}
	for _, job := range rec.Failed {
		d.logger.Warn("Stalled job failed",
			zap.String("job_id", job.ID),
			zap.String("crawl_id", job.Data.CrawlID),
			zap.Int("stalls", job.Stalls))
		if d.settler != nil {
			d.settler.SettleStalled(context.WithoutCancel(ctx), job)
		}
	}
	if n := rec.Requeued + len(rec.Failed); n > 0 {
		metrics.ObserveStalledRecovered(n)
		d.logger.Info("Recovered stalled jobs",
			zap.Int("requeued", rec.Requeued),
			zap.Int("failed", len(rec.Failed)))
	}
}

func (d *Dispatcher) publishDepth(ctx context.Context) {
	counts, err := d.queue.Counts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Debug("Queue counts failed", zap.Error(err))
		}
		return
	}
	metrics.SetQueueDepth(counts.Waiting, counts.Active)
}
