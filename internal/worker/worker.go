// Package worker implements the queue worker loop: admission-gated polling,
// per-job lock renewal, scraping, link expansion and terminal transitions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/frontier"
	"github.com/JakeFAU/crawlq/internal/joblog"
	"github.com/JakeFAU/crawlq/internal/metrics"
	"github.com/JakeFAU/crawlq/internal/notify"
	"github.com/JakeFAU/crawlq/internal/queue"
)

// User-visible failure reasons. Details go to the log.
const (
	ScrapeFailedMessage  = "Failed to scrape the URL."
	InternalErrorMessage = "An unexpected error occurred while processing the job."
	OrphanedMessage      = "The crawl this job belongs to no longer exists."
)

var errLockLost = errors.New("job lock lost")

var tracer = otel.Tracer("github.com/JakeFAU/crawlq/internal/worker")

// Archiver persists page markup and returns its URI and content hash.
type Archiver interface {
	Archive(ctx context.Context, data crawler.JobData, content string) (string, string, error)
}

// Finalizer finishes a drained crawl. Exactly one caller gets true.
type Finalizer interface {
	Finalize(ctx context.Context, crawlID string) (bool, error)
}

// Config controls polling cadence, lock renewal and per-job budgets.
type Config struct {
	// LockTTL must match the queue's lock TTL.
	LockTTL          time.Duration   `mapstructure:"lock_ttl"`
	RenewInterval    time.Duration   `mapstructure:"renew_interval"`
	MaxRenewFailures int             `mapstructure:"max_renew_failures"`
	AdmissionBackoff time.Duration   `mapstructure:"admission_backoff"`
	IdleBackoff      time.Duration   `mapstructure:"idle_backoff"`
	ErrorBackoff     crawler.Backoff `mapstructure:"error_backoff"`
	ScrapeTimeout    time.Duration   `mapstructure:"scrape_timeout"`
	TerminalTimeout  time.Duration   `mapstructure:"terminal_timeout"`
	UserAgent        string          `mapstructure:"user_agent"`
}

// Defaults fills zero values.
func (c Config) Defaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = c.LockTTL / 2
	}
	if c.MaxRenewFailures <= 0 {
		c.MaxRenewFailures = 3
	}
	if c.AdmissionBackoff <= 0 {
		c.AdmissionBackoff = time.Second
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 500 * time.Millisecond
	}
	if c.ErrorBackoff.Base <= 0 {
		c.ErrorBackoff = crawler.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = 60 * time.Second
	}
	if c.TerminalTimeout <= 0 {
		c.TerminalTimeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "crawlq"
	}
	return c
}

// Deps are the worker's collaborators. Metadata, Blocklist, Archiver, JobLog
// and Notifier are optional.
type Deps struct {
	Queue     crawler.Queue
	Frontier  crawler.Frontier
	Priority  crawler.PriorityManager
	Admission crawler.Admission
	Scraper   crawler.Scraper
	Links     crawler.LinkExtractor
	Text      crawler.TextExtractor
	Metadata  crawler.MetadataExtractor
	Blocklist crawler.Blocklist
	Archiver  Archiver
	JobLog    joblog.Repository
	Finalizer Finalizer
	Notifier  notify.Emitter
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Logger    *zap.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Queue == nil:
		return errors.New("queue is required")
	case d.Frontier == nil:
		return errors.New("frontier is required")
	case d.Priority == nil:
		return errors.New("priority manager is required")
	case d.Admission == nil:
		return errors.New("admission controller is required")
	case d.Scraper == nil:
		return errors.New("scraper is required")
	case d.Links == nil || d.Text == nil:
		return errors.New("link and text extractors are required")
	case d.Finalizer == nil:
		return errors.New("finalizer is required")
	case d.IDs == nil || d.Clock == nil:
		return errors.New("id generator and clock are required")
	}
	return nil
}

// Worker is one logical polling loop. Run it in its own goroutine; several
// workers may share every collaborator.
type Worker struct {
	name   string
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and builds a Worker.
func New(name string, deps Deps, cfg Config) (*Worker, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("worker %s: %w", name, err)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		name:   name,
		deps:   deps,
		cfg:    cfg.Defaults(),
		logger: logger.With(zap.String("worker", name)),
	}, nil
}

// Run polls until ctx is cancelled. A job already pulled finishes on a
// context detached from ctx before Run returns.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	w.logger.Info("Worker started")
	defer w.logger.Info("Worker stopped")

	failures := 0
	for ctx.Err() == nil {
		delay := w.tick(ctx, &failures)
		if delay > 0 {
			_ = crawler.Sleep(ctx, delay)
		}
	}
}

// tick runs one polling step and returns how long to wait before the next.
func (w *Worker) tick(ctx context.Context, failures *int) time.Duration {
	if !w.deps.Admission.AcceptConnection(ctx) {
		return w.cfg.AdmissionBackoff
	}
	token := uuid.NewString()
	job, err := w.deps.Queue.Pull(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		delay := w.cfg.ErrorBackoff.Delay(*failures)
		*failures++
		w.logger.Warn("Queue pull failed", zap.Int("consecutive_failures", *failures), zap.Duration("backoff", delay), zap.Error(err))
		return delay
	}
	if job == nil {
		*failures = 0
		return w.cfg.IdleBackoff
	}
	if job.Token == "" {
		job.Token = token
	}
	w.touch(ctx, job)
	if w.handle(context.WithoutCancel(ctx), job) {
		delay := w.cfg.ErrorBackoff.Delay(*failures)
		*failures++
		return delay
	}
	*failures = 0
	return 0
}

// touch keeps the job counted against its tenant while a worker holds it.
func (w *Worker) touch(ctx context.Context, job *crawler.Job) {
	if err := w.deps.Priority.TouchPriority(ctx, job.Data.TenantID, job.ID); err != nil && ctx.Err() == nil {
		w.logger.Debug("Touch priority failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// outcome is the result of processing, before the terminal transition.
type outcome struct {
	doc    crawler.Document
	failed string
	detail error
	hash   string
	// retry gives the job back to the queue untouched.
	retry bool
}

// handle runs processing alongside the renewal task and applies the
// terminal transition unless the lock was lost. It reports whether the job
// was handed back for a transient failure.
func (w *Worker) handle(ctx context.Context, job *crawler.Job) bool {
	start := w.deps.Clock.Now()
	ctx, span := tracer.Start(ctx, "worker.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.url", job.Data.URL),
		attribute.String("job.mode", string(job.Data.Mode)),
		attribute.String("crawl.id", job.Data.CrawlID),
	)
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("url", job.Data.URL),
		zap.String("crawl_id", job.Data.CrawlID),
	)

	jobCtx, cancel := context.WithCancelCause(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renew(jobCtx, cancel, job, logger)
	}()

	out := w.safeProcess(jobCtx, job, logger)
	lost := errors.Is(context.Cause(jobCtx), errLockLost)
	cancel(nil)
	<-renewDone

	if lost {
		w.abandon(span, logger)
		return false
	}
	if out.retry {
		w.requeue(ctx, job, out, span, logger)
		return true
	}

	if err := w.finish(ctx, job, out); err != nil {
		if errors.Is(err, queue.ErrLockMismatch) {
			w.abandon(span, logger)
			return false
		}
		// The job stays active until stalled recovery requeues it.
		logger.Error("Terminal transition failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminal transition failed")
		return false
	}

	status := crawler.JobStatusCompleted
	if out.failed != "" {
		status = crawler.JobStatusFailed
		span.SetStatus(codes.Error, out.failed)
		logger.Warn("Job failed", zap.String("reason", out.failed), zap.Error(out.detail))
	} else {
		logger.Debug("Job completed", zap.Int("status_code", out.doc.StatusCode), zap.String("engine", out.doc.Engine))
	}
	duration := w.deps.Clock.Now().Sub(start)
	metrics.ObserveJob(string(status), string(job.Data.Mode), duration)
	if out.doc.StatusCode > 0 {
		metrics.ObservePage(job.Data.URL, out.doc.StatusCode)
	}

	w.afterTerminal(ctx, job, out, status, duration, logger)
	return false
}

// requeue hands the job back after a transient failure. If that fails too
// the job stays active until stalled recovery picks it up.
func (w *Worker) requeue(ctx context.Context, job *crawler.Job, out outcome, span trace.Span, logger *zap.Logger) {
	logger.Warn("Job deferred after transient failure", zap.Error(out.detail))
	span.RecordError(out.detail)
	tctx, cancel := context.WithTimeout(ctx, w.cfg.TerminalTimeout)
	defer cancel()
	err := w.deps.Queue.Requeue(tctx, job.ID, job.Token)
	switch {
	case err == nil:
		metrics.ObserveJobStatus("requeued")
	case errors.Is(err, queue.ErrLockMismatch):
		w.abandon(span, logger)
	default:
		logger.Error("Requeue failed", zap.Error(err))
	}
}

// SettleStalled finishes the bookkeeping of a job that stalled recovery
// failed: its in-flight slot, job log row, event and crawl membership.
func (w *Worker) SettleStalled(ctx context.Context, job crawler.Job) {
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("url", job.Data.URL),
		zap.String("crawl_id", job.Data.CrawlID),
	)
	out := outcome{failed: queue.StalledReason, detail: fmt.Errorf("stalled %d times", job.Stalls)}
	metrics.ObserveJobStatus(string(crawler.JobStatusFailed))
	w.afterTerminal(ctx, &job, out, crawler.JobStatusFailed, 0, logger)
}

func (w *Worker) abandon(span trace.Span, logger *zap.Logger) {
	metrics.ObserveLockLost()
	span.SetStatus(codes.Error, "lock lost")
	logger.Warn("Job lock lost; abandoning without terminal transition")
}

// renew extends the job lock every RenewInterval until ctx ends. A lock held
// by someone else cancels processing at once; transient failures do so after
// MaxRenewFailures in a row.
func (w *Worker) renew(ctx context.Context, cancel context.CancelCauseFunc, job *crawler.Job, logger *zap.Logger) {
	ticker := time.NewTicker(w.cfg.RenewInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := w.deps.Queue.ExtendLock(ctx, job.ID, job.Token, w.cfg.LockTTL)
		switch {
		case err == nil:
			failures = 0
			w.touch(ctx, job)
		case errors.Is(err, queue.ErrLockMismatch):
			cancel(errLockLost)
			return
		case ctx.Err() != nil:
			return
		default:
			failures++
			logger.Warn("Lock renewal failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if failures >= w.cfg.MaxRenewFailures {
				cancel(errLockLost)
				return
			}
		}
	}
}

func (w *Worker) safeProcess(ctx context.Context, job *crawler.Job, logger *zap.Logger) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Job handler panicked", zap.Any("panic", rec), zap.Stack("stack"))
			out = outcome{failed: InternalErrorMessage, detail: fmt.Errorf("panic: %v", rec)}
		}
	}()
	return w.process(ctx, job, logger)
}

func (w *Worker) process(ctx context.Context, job *crawler.Job, logger *zap.Logger) outcome {
	data := job.Data
	if w.deps.Blocklist != nil && w.deps.Blocklist.IsBlocked(data.URL) {
		return outcome{failed: crawler.BlockedMessage}
	}

	var record *crawler.CrawlRecord
	if data.CrawlID != "" {
		rec, err := w.deps.Frontier.GetCrawl(ctx, data.CrawlID)
		if errors.Is(err, frontier.ErrCrawlNotFound) {
			return outcome{failed: OrphanedMessage, detail: err}
		}
		if err != nil {
			return outcome{retry: true, detail: fmt.Errorf("load crawl: %w", err)}
		}
		record = &rec
	}

	resp, err := w.scrape(ctx, data)
	if errors.Is(context.Cause(ctx), errLockLost) {
		return outcome{failed: InternalErrorMessage, detail: errLockLost}
	}
	if err != nil || resp.Content == "" {
		if err == nil {
			err = fmt.Errorf("empty content: %s", resp.Error)
		}
		return outcome{
			doc:    crawler.Document{URL: data.URL, StatusCode: resp.StatusCode, Engine: resp.Engine, Error: resp.Error},
			failed: ScrapeFailedMessage,
			detail: err,
		}
	}

	doc := w.buildDocument(data, resp)
	out := outcome{doc: doc}
	if w.deps.Archiver != nil {
		uri, hash, err := w.deps.Archiver.Archive(ctx, data, resp.Content)
		if err != nil {
			logger.Warn("Archive failed", zap.Error(err))
		} else {
			out.doc.BlobURI = uri
			out.hash = hash
		}
	}

	if record != nil && record.Options.Expand {
		links := w.deps.Links.ExtractLinks(resp.Content, pageBase(data.URL, resp.URL))
		out.doc.Links = links
		w.expand(ctx, job, *record, links, logger)
	}
	return out
}

func (w *Worker) scrape(ctx context.Context, data crawler.JobData) (crawler.ScrapeResponse, error) {
	wait := time.Duration(data.PageOptions.WaitFor) * time.Millisecond
	scrapeCtx, cancel := context.WithTimeout(ctx, w.cfg.ScrapeTimeout+wait)
	defer cancel()
	resp, err := w.deps.Scraper.Scrape(scrapeCtx, crawler.ScrapeRequest{
		URL:     data.URL,
		WaitFor: wait,
		Headers: data.PageOptions.Headers,
		Engine:  data.PageOptions.Engine,
	})
	if err != nil {
		return resp, fmt.Errorf("scrape %s: %w", data.URL, err)
	}
	return resp, nil
}

func (w *Worker) buildDocument(data crawler.JobData, resp crawler.ScrapeResponse) crawler.Document {
	doc := crawler.Document{
		URL:        data.URL,
		StatusCode: resp.StatusCode,
		Engine:     resp.Engine,
		Error:      resp.Error,
	}
	if data.PageOptions.OnlyMainContent {
		doc.Content = w.deps.Text.ToCleanText(resp.Content)
	} else {
		doc.Content = w.deps.Text.ToFullText(resp.Content)
	}
	if data.PageOptions.IncludeHTML {
		doc.HTML = resp.Content
	}
	if w.deps.Metadata != nil {
		doc.Metadata = w.deps.Metadata.ExtractMetadata(resp.Content)
	}
	return doc
}

func pageBase(requested, final string) string {
	if final != "" {
		return final
	}
	return requested
}

// afterTerminal releases the in-flight slot, records the outcome and marks
// crawl jobs done, then attempts to finalize the crawl.
func (w *Worker) afterTerminal(
	ctx context.Context,
	job *crawler.Job,
	out outcome,
	status crawler.JobStatus,
	duration time.Duration,
	logger *zap.Logger,
) {
	tctx, cancel := context.WithTimeout(ctx, w.cfg.TerminalTimeout)
	defer cancel()
	data := job.Data

	if err := w.deps.Priority.ReleasePriority(tctx, data.TenantID, job.ID); err != nil {
		logger.Warn("Release priority failed", zap.Error(err))
	}

	if w.deps.JobLog != nil {
		entry := joblog.Entry{
			JobID:      job.ID,
			CrawlID:    data.CrawlID,
			TenantID:   data.TenantID,
			URL:        data.URL,
			Mode:       string(data.Mode),
			Status:     string(status),
			StatusCode: out.doc.StatusCode,
			Engine:     out.doc.Engine,
			BlobURI:    out.doc.BlobURI,
			Hash:       out.hash,
			Attempts:   job.Attempts,
			Duration:   duration,
			FinishedAt: w.deps.Clock.Now(),
			Metadata:   out.doc.Metadata,
		}
		if out.detail != nil {
			entry.Error = out.detail.Error()
		}
		if err := w.deps.JobLog.Record(tctx, entry); err != nil {
			logger.Warn("Job log write failed", zap.Error(err))
		}
	}

	w.emit(job, out, status)

	if data.CrawlID == "" {
		return
	}
	if err := w.deps.Frontier.RecordJobDone(tctx, data.CrawlID, job.ID); err != nil {
		logger.Error("Record job done failed", zap.Error(err))
		return
	}
	if _, err := w.deps.Finalizer.Finalize(tctx, data.CrawlID); err != nil {
		logger.Warn("Crawl finalize failed", zap.Error(err))
	}
}

func (w *Worker) emit(job *crawler.Job, out outcome, status crawler.JobStatus) {
	data := job.Data
	evt := notify.Event{
		CrawlID:  data.CrawlID,
		JobID:    job.ID,
		TenantID: data.TenantID,
		URL:      data.URL,
		TS:       w.deps.Clock.Now(),
		Webhook:  data.Webhook,
	}
	switch {
	case data.CrawlID != "" && status == crawler.JobStatusCompleted:
		doc := out.doc
		evt.Type = notify.TypeCrawlPage
		evt.Document = &doc
	case data.CrawlID != "":
		evt.Type = notify.TypeCrawlFailed
		evt.Error = out.failed
	case status == crawler.JobStatusFailed:
		evt.Type = notify.TypeScrapeFailed
		evt.Error = out.failed
	default:
		return
	}
	w.deps.Notifier.Emit(evt)
}

func (w *Worker) finish(ctx context.Context, job *crawler.Job, out outcome) error {
	tctx, cancel := context.WithTimeout(ctx, w.cfg.TerminalTimeout)
	defer cancel()
	if out.failed != "" {
		if err := w.deps.Queue.MoveToFailed(tctx, job.ID, job.Token, out.failed); err != nil {
			return fmt.Errorf("move to failed: %w", err)
		}
		return nil
	}
	if err := w.deps.Queue.MoveToCompleted(tctx, job.ID, job.Token, out.doc); err != nil {
		return fmt.Errorf("move to completed: %w", err)
	}
	return nil
}
