package cli

import (
	"fmt"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/config"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/orchestrator"
	"github.com/anstrom/portscope/internal/plugin"
	"github.com/anstrom/portscope/internal/profiles"
	"github.com/anstrom/portscope/internal/security"
	"github.com/anstrom/portscope/internal/vulndb"
)

// app holds the services a command needs, built once from the config.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
	profiles *profiles.Manager
	manager  *orchestrator.Manager
}

// newApp wires the scan manager and its collaborators. A nil prober
// factory uses the real network probers.
func newApp(cfg *config.Config, logger *logging.Logger, m *metrics.PrometheusMetrics,
	newProber orchestrator.ProberFactory) (*app, error) {
	if m == nil {
		m = metrics.GetGlobalMetrics()
	}

	var source vulndb.Source
	if cfg.Security.VulnDB.Enabled {
		source = vulndb.NewCache(vulndb.NewNVDClient(cfg.Security.VulnDB), logger, m)
	}
	assessor, err := security.NewAssessor(source, cfg.Security.MinimumVersions, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to build security assessor: %w", err)
	}

	plugins := plugin.DefaultRegistry(logger, m)
	if err := plugins.Initialize(cfg.Plugins); err != nil {
		return nil, fmt.Errorf("failed to initialize plugins: %w", err)
	}

	manager := orchestrator.New(orchestratorConfig(cfg), orchestrator.Dependencies{
		Engine:    adaptive.NewEngine(cfg.Adaptive),
		Assessor:  assessor,
		Plugins:   plugins,
		Metrics:   m,
		Logger:    logger,
		NewProber: newProber,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		profiles: profiles.NewManager(cfg.Profiles, cfg.ProfileDefaults()),
		manager:  manager,
	}, nil
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		BatchSize:          cfg.Scanning.BatchSize,
		BannerTimeout:      cfg.Scanning.BannerTimeout,
		UDPReadSize:        cfg.Scanning.UDPReadSize,
		SubscriberBuffer:   cfg.Scanning.SubscriberBuffer,
		MaxConcurrentScans: cfg.Scanning.MaxConcurrentScans,
		RetryDelay:         cfg.Scanning.RetryDelay,
		RateLimit:          cfg.Scanning.RateLimit,
		Anomaly:            cfg.Anomaly,
	}
}

// Close stops every scan the app started.
func (a *app) Close() error {
	return a.manager.Close()
}
