// Package plugin defines the scan extension point. Plugins are registered
// statically at startup; there is no runtime loading.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/scanning"
)

// Plugin observes a scan. Hooks are called from worker goroutines and must
// be safe for concurrent use. They must not block for long.
type Plugin interface {
	Name() string
	Version() string
	Description() string

	// Initialize configures the plugin before its first scan.
	Initialize(config map[string]string) error

	// BeforeScan is called before a port is probed.
	BeforeScan(host string, port int)

	// AfterScan is called with each port's final classification.
	AfterScan(host string, port int, info scanning.ServiceInfo)

	// OnComplete is called once per scan with every result collected.
	OnComplete(host string, results map[int]scanning.ServiceInfo)
}

// Registry holds the registered plugins and fans hooks out to them. A
// panicking plugin is logged and skipped; it never fails the scan.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	logger  *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		plugins: make(map[string]Plugin),
		logger:  logger.WithComponent("plugin"),
	}
}

// Register adds p. Names must be unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[p.Name()]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name())
	}
	r.plugins[p.Name()] = p
	return nil
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// List returns the registered plugins sorted by name.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Initialize passes each plugin its entry from configs, or an empty map.
func (r *Registry) Initialize(configs map[string]map[string]string) error {
	for _, p := range r.List() {
		cfg := configs[p.Name()]
		if cfg == nil {
			cfg = map[string]string{}
		}
		if err := p.Initialize(cfg); err != nil {
			return fmt.Errorf("failed to initialize plugin %s: %w", p.Name(), err)
		}
		r.logger.Debug("Plugin initialized", "plugin", p.Name(), "version", p.Version())
	}
	return nil
}

// BeforeScan calls every plugin's BeforeScan hook.
func (r *Registry) BeforeScan(host string, port int) {
	r.each("before_scan", func(p Plugin) { p.BeforeScan(host, port) })
}

// AfterScan calls every plugin's AfterScan hook.
func (r *Registry) AfterScan(host string, port int, info scanning.ServiceInfo) {
	r.each("after_scan", func(p Plugin) { p.AfterScan(host, port, info) })
}

// OnComplete calls every plugin's OnComplete hook.
func (r *Registry) OnComplete(host string, results map[int]scanning.ServiceInfo) {
	r.each("on_complete", func(p Plugin) { p.OnComplete(host, results) })
}

func (r *Registry) each(hook string, call func(Plugin)) {
	for _, p := range r.List() {
		r.safeCall(hook, p, call)
	}
}

func (r *Registry) safeCall(hook string, p Plugin, call func(Plugin)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Plugin hook panicked", "plugin", p.Name(), "hook", hook, "panic", rec)
		}
	}()
	call(p)
}
