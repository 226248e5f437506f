package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anstrom/portscope/internal/api"
	"github.com/anstrom/portscope/internal/config"
	"github.com/anstrom/portscope/internal/profiles"
	"github.com/anstrom/portscope/internal/scheduler"
)

const systemMetricsInterval = 15 * time.Second

var (
	serveHost    string
	servePort    int
	serveNoWatch bool
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "daemon"},
	Short:   "Run the API server and scheduled watches",
	Long: `Serve the portscope REST API and run the watches configured in the
config file until interrupted.

The API exposes scan lifecycle, reports, live progress over WebSocket,
profiles, watches and Prometheus metrics at /metrics.`,
	Example: `  portscope serve
  portscope serve --host 0.0.0.0 --port 9090
  PORTSCOPE_API_PORT=9090 portscope serve --config /etc/portscope/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Address to listen on (overrides api.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides api.port)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watches", false, "Do not run configured watches")

	bindFlags(serveCmd.Flags(), map[string]string{
		"host": "api.host",
		"port": "api.port",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogging(cfg)

	rt, err := newApp(cfg, logger, nil, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, rt, !serveNoWatch)
}

// serve runs the API server and, when watches is set, the scheduler until
// ctx is done. The scan manager is closed on the way out.
func serve(ctx context.Context, rt *app, watches bool) error {
	logger := rt.logger.WithComponent("serve")
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("Failed to shut down scan manager", "error", err)
		}
	}()

	sched := scheduler.New(rt.manager, rt.profiles, rt.logger)
	if watches {
		if err := addWatches(sched, rt.cfg.Watches); err != nil {
			return err
		}
	}

	server, err := api.New(rt.cfg.API, api.Dependencies{
		Manager:   rt.manager,
		Profiles:  rt.profiles,
		Scheduler: sched,
		Metrics:   rt.metrics,
		Logger:    rt.logger,
		Version:   version,
	})
	if err != nil {
		return err
	}

	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.metrics.StartPeriodicUpdates(gctx, systemMetricsInterval)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	logger.Info("portscope serving",
		"address", rt.cfg.GetAPIAddress(),
		"watches", len(sched.Watches()),
		"version", version)

	return g.Wait()
}

// addWatches registers the configured watches.
func addWatches(sched *scheduler.Scheduler, watches []config.WatchConfig) error {
	for i, w := range watches {
		_, err := sched.AddWatch(w.Schedule, profiles.Options{
			Host:    w.Host,
			Profile: w.Profile,
		})
		if err != nil {
			return fmt.Errorf("watch %d (%s): %w", i, w.Host, err)
		}
	}
	return nil
}
