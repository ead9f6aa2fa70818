package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/config"
	"github.com/JakeFAU/crawlq/internal/logging"
	"github.com/JakeFAU/crawlq/internal/server"
)

// runtimeKeyType is the key for storing the runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what every subcommand needs.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// buildApp is the application factory. It's a variable so tests can swap it.
var buildApp = server.Build

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawlq",
		Short: "A distributed crawl orchestrator backed by Redis.",
		Long: `crawlq accepts scrape and crawl requests, queues one job per page in a
shared priority queue and runs workers that scrape, expand links and report
progress. Any number of crawlq processes can share one Redis.`,
		SilenceUsage: true,

		// Load config and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./crawlq.yaml, /etc/crawlq/, $HOME/.crawlq/)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// loadConfig reads an explicit file, or searches the default locations and
// tolerates finding nothing.
func loadConfig(path string) (config.Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		return config.FromViper(v, true)
	}
	v.SetConfigName("crawlq")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crawlq/")
	v.AddConfigPath("$HOME/.crawlq")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return config.FromViper(v, false)
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// runApp builds the graph, runs mode until ctx ends and closes everything.
func runApp(ctx context.Context, rt *runtime, mode server.Mode) error {
	app, err := buildApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	runErr := app.Run(ctx, mode)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.Close(closeCtx); err != nil {
		rt.logger.Warn("Close failed", zap.Error(err))
	}
	return runErr
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
