package plugin

import (
	"strconv"
	"sync"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/scanning"
)

// OpenPortLogger logs every open port as it is found and a summary when the
// scan ends. With "identified_only" set it skips ports whose service is
// unknown.
type OpenPortLogger struct {
	logger *logging.Logger

	mu             sync.RWMutex
	identifiedOnly bool
}

// NewOpenPortLogger creates the open port logger plugin.
func NewOpenPortLogger(logger *logging.Logger) *OpenPortLogger {
	if logger == nil {
		logger = logging.Default()
	}
	return &OpenPortLogger{logger: logger.WithComponent("plugin.open_ports")}
}

func (p *OpenPortLogger) Name() string        { return "open-port-logger" }
func (p *OpenPortLogger) Version() string     { return "1.0.0" }
func (p *OpenPortLogger) Description() string { return "Logs open ports and identified services" }

// Initialize reads the "identified_only" boolean.
func (p *OpenPortLogger) Initialize(config map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.identifiedOnly = false
	if v, ok := config["identified_only"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		p.identifiedOnly = b
	}
	return nil
}

func (p *OpenPortLogger) BeforeScan(string, int) {}

func (p *OpenPortLogger) AfterScan(host string, port int, info scanning.ServiceInfo) {
	if !info.IsOpen() {
		return
	}
	p.mu.RLock()
	identifiedOnly := p.identifiedOnly
	p.mu.RUnlock()
	if identifiedOnly && info.ServiceName == scanning.UnknownService {
		return
	}

	p.logger.Info("Open port",
		"target", host,
		"port", port,
		"protocol", info.Protocol,
		"service", info.ServiceName,
		"version", info.Version)
}

func (p *OpenPortLogger) OnComplete(host string, results map[int]scanning.ServiceInfo) {
	open := 0
	for _, info := range results {
		if info.IsOpen() {
			open++
		}
	}
	p.logger.Info("Scan finished", "target", host, "ports", len(results), "open", open)
}

// PortStateRecorder counts classified ports into the Prometheus collectors.
type PortStateRecorder struct {
	metrics *metrics.PrometheusMetrics
}

// NewPortStateRecorder creates the port state metrics plugin.
func NewPortStateRecorder(m *metrics.PrometheusMetrics) *PortStateRecorder {
	if m == nil {
		m = metrics.GetGlobalMetrics()
	}
	return &PortStateRecorder{metrics: m}
}

func (p *PortStateRecorder) Name() string        { return "port-state-metrics" }
func (p *PortStateRecorder) Version() string     { return "1.0.0" }
func (p *PortStateRecorder) Description() string { return "Counts ports by protocol and state" }

func (p *PortStateRecorder) Initialize(map[string]string) error { return nil }
func (p *PortStateRecorder) BeforeScan(string, int)             {}

func (p *PortStateRecorder) AfterScan(_ string, _ int, info scanning.ServiceInfo) {
	p.metrics.IncrementPortsScanned(string(info.Protocol), string(info.State))
}

func (p *PortStateRecorder) OnComplete(string, map[int]scanning.ServiceInfo) {}

// DefaultRegistry returns a registry holding the built-in plugins.
func DefaultRegistry(logger *logging.Logger, m *metrics.PrometheusMetrics) *Registry {
	r := NewRegistry(logger)
	_ = r.Register(NewOpenPortLogger(logger))
	_ = r.Register(NewPortStateRecorder(m))
	return r
}
