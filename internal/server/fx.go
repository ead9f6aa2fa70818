// Package server builds the application graph from configuration and runs the
// HTTP API and worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/admission"
	"github.com/JakeFAU/crawlq/internal/api"
	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/config"
	"github.com/JakeFAU/crawlq/internal/crawl"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/dispatcher"
	"github.com/JakeFAU/crawlq/internal/extract"
	"github.com/JakeFAU/crawlq/internal/frontier"
	frontiermem "github.com/JakeFAU/crawlq/internal/frontier/memory"
	frontierredis "github.com/JakeFAU/crawlq/internal/frontier/redis"
	"github.com/JakeFAU/crawlq/internal/hash/sha256"
	"github.com/JakeFAU/crawlq/internal/id/uuid"
	pgjoblog "github.com/JakeFAU/crawlq/internal/joblog/postgres"
	"github.com/JakeFAU/crawlq/internal/lock"
	lockmem "github.com/JakeFAU/crawlq/internal/lock/memory"
	lockredis "github.com/JakeFAU/crawlq/internal/lock/redis"
	"github.com/JakeFAU/crawlq/internal/metrics"
	"github.com/JakeFAU/crawlq/internal/notify"
	"github.com/JakeFAU/crawlq/internal/notify/sinks"
	"github.com/JakeFAU/crawlq/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlq/internal/priority"
	"github.com/JakeFAU/crawlq/internal/queue"
	queuemem "github.com/JakeFAU/crawlq/internal/queue/memory"
	queueredis "github.com/JakeFAU/crawlq/internal/queue/redis"
	"github.com/JakeFAU/crawlq/internal/scraper"
	"github.com/JakeFAU/crawlq/internal/scraper/chrome"
	"github.com/JakeFAU/crawlq/internal/scraper/fetch"
	"github.com/JakeFAU/crawlq/internal/scraper/render"
	blobstore "github.com/JakeFAU/crawlq/internal/storage"
	gcsstorage "github.com/JakeFAU/crawlq/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlq/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlq/internal/storage/memory"
	"github.com/JakeFAU/crawlq/internal/telemetry"
	"github.com/JakeFAU/crawlq/internal/worker"
)

// Mode selects which halves of the process run.
type Mode struct {
	API     bool
	Workers bool
}

// jobQueue is the queue surface the app needs from either backend.
type jobQueue interface {
	crawler.Queue
	crawler.StalledRecoverer
}

// frontierStore is the frontier surface the app needs from either backend.
type frontierStore interface {
	crawl.Store
	crawler.InFlightTracker
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	redis    goredis.UniversalClient
	frontier frontierStore
	queue    jobQueue
	service  *crawl.Service
	scraper  crawler.Scraper
	extract  *extract.Extractor
	archiver *blobstore.Archiver
	jobLog   *pgjoblog.Store
	hub      *notify.Hub

	admission *admission.Controller
	priority  *priority.Manager
	blocklist *crawler.DomainBlocklist

	chrome         *chrome.Renderer
	storage        *storage.Client
	pubsubClient   *pubsub.Client
	closeQueue     func()
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("Building application",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.String("queue", cfg.Queue.Name),
		zap.String("storage", cfg.Storage.Backend),
	)
	metrics.Init()

	steps := []func(context.Context) error{
		a.setupTelemetry,
		a.setupStores,
		a.setupScraper,
		a.setupStorage,
		a.setupJobLog,
		a.setupNotify,
		a.setupService,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.closeInfrastructure(ctx)
			return nil, err
		}
	}
	return a, nil
}

// Service exposes the crawl service for in-process callers such as the CLI.
func (a *App) Service() *crawl.Service {
	return a.service
}

func (a *App) setupTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.TracingEnabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	lockCfg := lock.Config{
		RetryCount:  a.cfg.Lock.RetryCount,
		RetryDelay:  a.cfg.Lock.RetryDelay,
		RetryJitter: a.cfg.Lock.RetryJitter,
	}
	queueCfg := queue.Config{
		Name:      a.cfg.Queue.Name,
		LockTTL:   a.cfg.Lock.TTL,
		Retention: a.cfg.Queue.Retention,
		MaxStalls: a.cfg.Queue.MaxStalls,
	}
	frontierCfg := frontier.Config{Retention: a.cfg.Crawl.Retention}

	if a.cfg.Redis.Addr == "" {
		a.logger.Warn("No Redis address configured, using in-process stores; state is not shared across processes")
		store := frontiermem.New(frontierCfg)
		q := queuemem.NewQueue(lockmem.New(lockCfg), queueCfg)
		a.frontier, a.queue, a.closeQueue = store, q, q.Close
		return nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.redis = client
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	store, err := frontierredis.New(client, frontierCfg)
	if err != nil {
		return fmt.Errorf("frontier init failed: %w", err)
	}
	locker, err := lockredis.New(client, lockCfg, "lock:")
	if err != nil {
		return fmt.Errorf("locker init failed: %w", err)
	}
	q, err := queueredis.New(client, locker, queueCfg)
	if err != nil {
		return fmt.Errorf("queue init failed: %w", err)
	}
	a.frontier, a.queue = store, q
	a.logger.Info("Using Redis stores", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupScraper(context.Context) error {
	sc := a.cfg.Scraper
	userAgent := a.cfg.Crawl.UserAgent
	var engines []scraper.Engine

	if sc.Render.Endpoint != "" {
		client, err := render.New(render.Config{Endpoint: sc.Render.Endpoint, Timeout: sc.Render.Timeout})
		if err != nil {
			return fmt.Errorf("render engine init failed: %w", err)
		}
		engines = append(engines, scraper.Engine{Name: scraper.EngineRender, Scraper: client})
		a.logger.Info("Render engine enabled", zap.String("endpoint", sc.Render.Endpoint))
	}
	if sc.Fetch.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			DefaultRPS:   sc.Fetch.DefaultRPS,
			DefaultBurst: sc.Fetch.DefaultBurst,
		})
		engines = append(engines, scraper.Engine{
			Name:    scraper.EngineFetch,
			Scraper: fetch.New(fetch.Config{UserAgent: userAgent, Timeout: sc.Fetch.Timeout}, limiter),
		})
		a.logger.Info("Fetch engine enabled",
			zap.Float64("default_rps", sc.Fetch.DefaultRPS),
			zap.Int("default_burst", sc.Fetch.DefaultBurst))
	}
	opts := []scraper.Option{
		scraper.WithTimeout(sc.Timeout),
		scraper.WithLogger(a.logger.Named("scraper")),
	}
	if sc.Headless.Enabled {
		renderer, err := chrome.New(chrome.Config{
			MaxParallel:       sc.Headless.MaxParallel,
			UserAgent:         userAgent,
			NavigationTimeout: sc.Headless.NavTimeout,
		})
		if err != nil {
			return fmt.Errorf("chrome engine init failed: %w", err)
		}
		a.chrome = renderer
		engines = append(engines, scraper.Engine{Name: scraper.EngineChrome, Scraper: renderer})
		opts = append(opts, scraper.WithPromoter(scraper.NewHeuristic(sc.PromotionThreshold)))
		a.logger.Info("Chrome engine enabled", zap.Int("max_parallel", sc.Headless.MaxParallel))
	}
	chain, err := scraper.NewChain(engines, opts...)
	if err != nil {
		return fmt.Errorf("scraper init failed: %w", err)
	}
	a.scraper = chain
	a.extract = extract.New()
	a.blocklist = crawler.NewDomainBlocklist(a.cfg.Crawl.Blocklist)
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var blobs crawler.BlobStore
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("Using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = store
		a.logger.Info("Using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
	case config.StorageMemory:
		blobs = memorystorage.NewBlobStore()
		a.logger.Info("Using in-memory storage backend")
	default:
		a.logger.Info("Page archiving disabled")
		return nil
	}
	archiver, err := blobstore.NewArchiver(blobs, sha256.NewTruncated(a.cfg.Storage.HashLength), a.cfg.Storage.Prefix,
		blobstore.WithContentType(a.cfg.Storage.ContentType))
	if err != nil {
		return fmt.Errorf("archiver init failed: %w", err)
	}
	a.archiver = archiver
	return nil
}

func (a *App) setupJobLog(ctx context.Context) error {
	db := a.cfg.Database
	if db.DSN == "" {
		a.logger.Warn("No DSN specified for database, skipping job log")
		return nil
	}
	store, err := pgjoblog.New(ctx, pgjoblog.Config{
		DSN:             db.DSN,
		Table:           db.Table,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("job log init failed: %w", err)
	}
	a.jobLog = store
	a.logger.Info("Job log initialized", zap.String("table", db.Table))
	return nil
}

func (a *App) setupNotify(ctx context.Context) error {
	nc := a.cfg.Notify
	var sinkList []notify.Sink
	if nc.Log {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events")))
	}
	if nc.Prometheus {
		sink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if nc.Webhook.Enabled {
		sinkList = append(sinkList, sinks.NewWebhookSink(sinks.WebhookConfig{
			DefaultURL: nc.Webhook.DefaultURL,
			Timeout:    nc.Webhook.Timeout,
			Headers:    nc.Webhook.Headers,
			Logger:     a.logger.Named("webhook"),
		}))
	}
	if len(nc.Kafka.Brokers) > 0 {
		sink, err := sinks.NewKafkaSink(nc.Kafka.Brokers, nc.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("kafka sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("Kafka sink enabled", zap.String("topic", nc.Kafka.Topic))
	}
	if nc.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, nc.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		sink, err := sinks.NewPubSubSink(client.Topic(nc.PubSub.TopicName))
		if err != nil {
			return fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("Pub/Sub sink enabled",
			zap.String("project", nc.PubSub.ProjectID),
			zap.String("topic", nc.PubSub.TopicName))
	}
	a.hub = notify.NewHub(notify.Config{
		BufferSize:     nc.BufferSize,
		MaxBatchEvents: nc.MaxBatchEvents,
		MaxBatchWait:   nc.MaxBatchWait,
		SinkTimeout:    nc.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("notify_hub"),
	}, sinkList...)
	return nil
}

func (a *App) setupService(context.Context) error {
	buckets := make(map[string]priority.Bucket, len(a.cfg.Priority.Buckets))
	for plan, b := range a.cfg.Priority.Buckets {
		buckets[plan] = priority.Bucket{Limit: b.Limit, Modifier: b.Modifier}
	}
	a.priority = priority.New(a.frontier, priority.Config{
		Buckets:     buckets,
		Fallback:    priority.Bucket{Limit: a.cfg.Priority.Fallback.Limit, Modifier: a.cfg.Priority.Fallback.Modifier},
		InFlightTTL: a.cfg.Priority.InFlightTTL,
	})
	a.admission = admission.New(admission.Config{
		MaxCPU:         a.cfg.Admission.MaxCPU,
		MaxRAM:         a.cfg.Admission.MaxRAM,
		SampleInterval: a.cfg.Admission.SampleInterval,
	}, admission.HostSampler{}, a.logger.Named("admission"))

	svc, err := crawl.NewService(crawl.Deps{
		Frontier:  a.frontier,
		Queue:     a.queue,
		Priority:  a.priority,
		Robots:    fetch.NewRobotsFetcher(fetch.NewTransport(), a.cfg.Crawl.UserAgent, a.cfg.Crawl.RobotsTimeout),
		Blocklist: a.blocklist,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Notifier:  a.hub,
		Logger:    a.logger.Named("crawl"),
	}, crawl.Config{
		DefaultLimit:    a.cfg.Crawl.DefaultLimit,
		DefaultMaxDepth: a.cfg.Crawl.DefaultMaxDepth,
		ScrapeWait:      a.cfg.Crawl.ScrapeWait,
		PollInterval:    a.cfg.Crawl.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("crawl service init failed: %w", err)
	}
	a.service = svc
	return nil
}

// Workers builds the configured number of workers over the shared graph.
func (a *App) Workers() ([]*worker.Worker, error) {
	wc := a.cfg.Worker
	cfg := worker.Config{
		LockTTL:          a.cfg.Lock.TTL,
		RenewInterval:    wc.RenewInterval,
		MaxRenewFailures: wc.MaxRenewFailures,
		AdmissionBackoff: wc.AdmissionBackoff,
		IdleBackoff:      wc.IdleBackoff,
		ErrorBackoff:     crawler.Backoff{Base: wc.ErrorBackoffBase, Max: wc.ErrorBackoffMax},
		ScrapeTimeout:    wc.ScrapeTimeout,
		TerminalTimeout:  wc.TerminalTimeout,
		UserAgent:        a.cfg.Crawl.UserAgent,
	}
	deps := worker.Deps{
		Queue:     a.queue,
		Frontier:  a.frontier,
		Priority:  a.priority,
		Admission: a.admission,
		Scraper:   a.scraper,
		Links:     a.extract,
		Text:      a.extract,
		Metadata:  a.extract,
		Blocklist: a.blocklist,
		Finalizer: a.service,
		Notifier:  a.hub,
		IDs:       uuid.New(),
		Clock:     system.New(),
	}
	// Typed nil pointers must not reach the optional interface fields.
	if a.archiver != nil {
		deps.Archiver = a.archiver
	}
	if a.jobLog != nil {
		deps.JobLog = a.jobLog
	}
	workers := make([]*worker.Worker, 0, wc.Count)
	for i := 0; i < wc.Count; i++ {
		name := fmt.Sprintf("worker-%d", i)
		deps.Logger = a.logger.Named("worker").With(zap.String("worker", name))
		w, err := worker.New(name, deps, cfg)
		if err != nil {
			return nil, fmt.Errorf("worker init failed: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// Ready checks the shared dependencies.
func (a *App) Ready(ctx context.Context) error {
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.jobLog != nil {
		if err := a.jobLog.Ping(ctx); err != nil {
			return fmt.Errorf("job log: %w", err)
		}
	}
	return nil
}

// Handler builds the HTTP API handler.
func (a *App) Handler() http.Handler {
	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	return api.NewServer(a.service, api.Config{
		APIKey:         apiKey,
		RequestTimeout: a.cfg.Server.WriteTimeout,
		Ready:          a.Ready,
	}, a.logger.Named("api")).Handler()
}

// Run starts the selected halves and blocks until ctx is canceled, then
// drains in-flight jobs and shuts the HTTP server down.
func (a *App) Run(ctx context.Context, mode Mode) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	if mode.Workers {
		workers, err := a.Workers()
		if err != nil {
			return err
		}
		runners := make([]dispatcher.Runner, 0, len(workers))
		for _, w := range workers {
			runners = append(runners, w)
		}
		var settler dispatcher.Settler
		if len(workers) > 0 {
			settler = workers[0]
		}
		d := dispatcher.New(a.queue, settler, runners, dispatcher.Config{
			RecoveryInterval: a.cfg.Queue.RecoveryInterval,
			DepthInterval:    a.cfg.Queue.DepthInterval,
		}, a.logger.Named("dispatcher"))
		go func() {
			defer close(done)
			d.Run(ctx)
		}()
	} else {
		close(done)
	}

	var srv *http.Server
	if mode.API {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       a.cfg.Server.ReadTimeout,
			WriteTimeout:      a.cfg.Server.WriteTimeout,
		}
		go func() {
			a.logger.Info("HTTP server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("HTTP server error", zap.Error(err))
				cancel(err)
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("Shutdown initiated")

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer stop()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Server shutdown error", zap.Error(err))
		}
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("Workers did not drain before the shutdown timeout")
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("Notify hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("Pub/Sub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("GCS client close failed", zap.Error(err))
		}
	}
	if a.jobLog != nil {
		a.jobLog.Close()
	}
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.closeQueue != nil {
		a.closeQueue()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Redis client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("Shutdown complete")
	_ = a.logger.Sync()
}
