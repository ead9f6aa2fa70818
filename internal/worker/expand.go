package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawl"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// expand turns a page's links into child jobs. Each spawn intent goes through
// the atomic claim on its own, so racing workers enqueue a URL once. It stops
// as soon as the crawl is cancelled or the job lock is lost.
func (w *Worker) expand(ctx context.Context, job *crawler.Job, record crawler.CrawlRecord, links []string, logger *zap.Logger) int {
	cancelled, err := w.deps.Frontier.IsCancelled(ctx, record.ID)
	if err != nil {
		logger.Warn("Cancelled check failed; skipping expansion", zap.Error(err))
		return 0
	}
	if cancelled {
		logger.Debug("Crawl cancelled; skipping expansion")
		return 0
	}
	filter, err := crawl.NewLinkFilter(record, w.cfg.UserAgent)
	if err != nil {
		logger.Error("Build link filter failed", zap.Error(err))
		return 0
	}

	spawned := 0
	for _, target := range filter.Intents(links, job.Data.Depth) {
		if errors.Is(context.Cause(ctx), errLockLost) {
			return spawned
		}
		won, err := w.deps.Frontier.ClaimURL(ctx, record.ID, target)
		if err != nil {
			logger.Warn("Claim failed", zap.String("target", target), zap.Error(err))
			continue
		}
		metrics.ObserveClaim(won)
		if !won {
			continue
		}
		childID, err := w.deps.IDs.NewID()
		if err != nil {
			logger.Error("Child id generation failed", zap.String("target", target), zap.Error(err))
			continue
		}
		child := crawler.JobData{
			URL:         target,
			Mode:        crawler.JobModeCrawl,
			CrawlID:     record.ID,
			TenantID:    job.Data.TenantID,
			Plan:        job.Data.Plan,
			Depth:       job.Data.Depth + 1,
			PageOptions: record.PageOptions,
			Origin:      record.OriginURL,
			Webhook:     record.Webhook,
		}
		if err := crawl.Enqueue(ctx, w.deps.Frontier, w.deps.Queue, w.deps.Priority, child, crawler.PriorityChild, childID); err != nil {
			// The URL stays claimed, so no other worker will enqueue it.
			logger.Error("Enqueue child failed after winning its claim",
				zap.String("target", target), zap.String("child_id", childID), zap.Error(err))
			continue
		}
		metrics.ObserveSpawn()
		spawned++
	}
	if spawned > 0 {
		logger.Debug("Expanded links", zap.Int("spawned", spawned))
	}
	return spawned
}
