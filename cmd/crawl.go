package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawl"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/server"
)

type crawlFlags struct {
	tenant     string
	plan       string
	limit      int
	maxDepth   int
	includes   []string
	excludes   []string
	external   bool
	backward   bool
	noRobots   bool
	noExpand   bool
	submitOnly bool
	timeout    time.Duration
	poll       time.Duration
}

// newCrawlCmd submits a crawl and, unless --submit-only, runs workers in
// process and waits for the crawl to finish.
func newCrawlCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a site and print the result",
		Long: `Starts a crawl rooted at <url>. By default the command runs workers in this
process and blocks until the crawl finishes, then prints its status as JSON.
With --submit-only it only enqueues the root job and prints the crawl ID,
leaving the work to workers attached to the same Redis.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, args[0], f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.tenant, "tenant", "", "tenant ID used for priority accounting")
	flags.StringVar(&f.plan, "plan", "", "tenant plan")
	flags.IntVar(&f.limit, "limit", 0, "maximum pages (default crawl.default_limit)")
	flags.IntVar(&f.maxDepth, "max-depth", 0, "maximum link depth, 0 for unlimited")
	flags.StringSliceVar(&f.includes, "include", nil, "path regex a link must match")
	flags.StringSliceVar(&f.excludes, "exclude", nil, "path regex that drops a link")
	flags.BoolVar(&f.external, "allow-external", false, "follow links to other hosts")
	flags.BoolVar(&f.backward, "allow-backward", false, "follow links outside the start path")
	flags.BoolVar(&f.noRobots, "ignore-robots", false, "ignore robots.txt")
	flags.BoolVar(&f.noExpand, "no-expand", false, "scrape only the start URL")
	flags.BoolVar(&f.submitOnly, "submit-only", false, "enqueue and exit")
	flags.DurationVar(&f.timeout, "timeout", 10*time.Minute, "how long to wait for the crawl")
	flags.DurationVar(&f.poll, "poll", time.Second, "status poll interval")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, target string, f crawlFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	app, err := buildApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
		defer stop()
		if cerr := app.Close(closeCtx); cerr != nil {
			rt.logger.Warn("Close failed", zap.Error(cerr))
		}
	}()

	crawlID, err := app.Service().StartCrawl(ctx, crawl.CrawlRequest{
		URL:      target,
		TenantID: f.tenant,
		Plan:     f.plan,
		Options: crawler.CrawlOptions{
			Includes:           f.includes,
			Excludes:           f.excludes,
			MaxDepth:           f.maxDepth,
			Limit:              f.limit,
			AllowExternalLinks: f.external,
			AllowBackwardLinks: f.backward,
			IgnoreRobots:       f.noRobots,
			Expand:             !f.noExpand,
		},
	})
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}
	rt.logger.Info("Crawl submitted", zap.String("crawl_id", crawlID), zap.String("url", target))
	if f.submitOnly {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), crawlID)
		return err
	}

	runDone := make(chan error, 1)
	go func() { runDone <- app.Run(ctx, server.Mode{Workers: true}) }()

	status, waitErr := waitForCrawl(ctx, app.Service(), crawlID, f.timeout, f.poll)
	cancel()
	if err := <-runDone; err != nil {
		rt.logger.Warn("Workers stopped with error", zap.Error(err))
	}
	if waitErr != nil {
		return waitErr
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

// statusReader is the part of the crawl service waitForCrawl polls.
type statusReader interface {
	Status(ctx context.Context, crawlID string) (crawl.Status, error)
}

func waitForCrawl(ctx context.Context, svc statusReader, crawlID string, timeout, poll time.Duration) (crawl.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		status, err := svc.Status(ctx, crawlID)
		if err != nil && ctx.Err() == nil {
			return crawl.Status{}, fmt.Errorf("crawl status: %w", err)
		}
		if err == nil && status.Status != crawl.StatusScraping && status.Completed >= status.Total {
			return status, nil
		}
		if err := crawler.Sleep(ctx, poll); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return status, fmt.Errorf("crawl %s did not finish within %s", crawlID, timeout)
			}
			return status, err
		}
	}
}
