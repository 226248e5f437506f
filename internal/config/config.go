// Package config loads and validates the portscope configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/anomaly"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/profiles"
	"github.com/anstrom/portscope/internal/vulndb"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete portscope configuration
type Config struct {
	// Scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Adaptive strategy policy constants
	Adaptive adaptive.Policy `yaml:"adaptive" json:"adaptive"`

	// Anomaly detection settings
	Anomaly anomaly.Config `yaml:"anomaly" json:"anomaly"`

	// Security assessment settings
	Security SecurityConfig `yaml:"security" json:"security"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Named scan profiles, merged over the built-in ones
	Profiles map[string]profiles.Profile `yaml:"profiles" json:"profiles"`

	// Profile used when a request names none
	DefaultProfile string `yaml:"default_profile" json:"default_profile"`

	// Recurring single-target watches
	Watches []WatchConfig `yaml:"watches" json:"watches"`

	// Per-plugin settings keyed by plugin name
	Plugins map[string]map[string]string `yaml:"plugins" json:"plugins"`
}

// ScanningConfig holds scanning-related settings
type ScanningConfig struct {
	// Connection timeout used when neither request nor profile sets one
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// Worker count used when neither request nor profile sets one
	DefaultWorkers int `yaml:"default_workers" json:"default_workers"`

	// Upper bound on re-probes of an ERROR or FILTERED port
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Pause before each re-probe
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// Read timeout for banner capture on open TCP ports
	BannerTimeout time.Duration `yaml:"banner_timeout" json:"banner_timeout"`

	// Number of ports dispatched between adaptive strategy refreshes
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// Maximum number of scans running at once
	MaxConcurrentScans int `yaml:"max_concurrent_scans" json:"max_concurrent_scans"`

	// Ports removed from every resolved request
	ExcludedPorts []int `yaml:"excluded_ports" json:"excluded_ports"`

	// Receive buffer for UDP replies
	UDPReadSize int `yaml:"udp_read_size" json:"udp_read_size"`

	// Per-subscriber progress event buffer
	SubscriberBuffer int `yaml:"subscriber_buffer" json:"subscriber_buffer"`

	// Enable banner capture and service identification
	ServiceDetection bool `yaml:"service_detection" json:"service_detection"`

	// Probes per second per scan, 0 disables limiting
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
}

// SecurityConfig holds assessment settings
type SecurityConfig struct {
	// Vulnerability database client
	VulnDB vulndb.Config `yaml:"vulndb" json:"vulndb"`

	// Minimum acceptable version per lower-cased service name
	MinimumVersions map[string]string `yaml:"minimum_versions" json:"minimum_versions"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	Host string `yaml:"host" json:"host"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// Server timeouts
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Require an API key on every route except health and metrics
	AuthEnabled bool `yaml:"auth_enabled" json:"auth_enabled"`

	// bcrypt hashes of accepted API keys
	APIKeyHashes []string `yaml:"api_key_hashes" json:"api_key_hashes"`

	// Allowed CORS origins
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	// Requests per second allowed per client IP, 0 disables limiting
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// Burst allowed above the per-client rate
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
}

// WatchConfig describes a recurring scan of one target
type WatchConfig struct {
	// Cron expression (standard five fields or descriptors like @hourly)
	Schedule string `yaml:"schedule" json:"schedule"`

	// Target host
	Host string `yaml:"host" json:"host"`

	// Profile to resolve the request from
	Profile string `yaml:"profile" json:"profile"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			DefaultTimeout:     time.Second,
			DefaultWorkers:     100,
			MaxRetries:         3,
			RetryDelay:         0,
			BannerTimeout:      2 * time.Second,
			BatchSize:          256,
			MaxConcurrentScans: 4,
			ExcludedPorts:      []int{},
			UDPReadSize:        4096,
			SubscriberBuffer:   256,
			ServiceDetection:   true,
		},
		Adaptive: adaptive.DefaultPolicy(),
		Anomaly:  anomaly.DefaultConfig(),
		Security: SecurityConfig{
			VulnDB: vulndb.DefaultConfig(),
			MinimumVersions: map[string]string{
				"mysql": "5.7.0",
				"ftp":   "3.0.0",
			},
		},
		API: APIConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			AllowedOrigins: []string{"*"},
			RateLimit:      20,
			RateBurst:      40,
		},
		Logging:        logging.DefaultConfig(),
		Profiles:       map[string]profiles.Profile{},
		DefaultProfile: profiles.ProfileQuick,
		Plugins:        map[string]map[string]string{},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateScanning(); err != nil {
		return err
	}
	if err := c.Adaptive.Validate(); err != nil {
		return fmt.Errorf("adaptive: %w", err)
	}
	if c.Anomaly.Window <= 0 || c.Anomaly.MinSamples <= 0 {
		return fmt.Errorf("anomaly window and min samples must be positive")
	}
	if c.Anomaly.MinSamples > c.Anomaly.Window {
		return fmt.Errorf("anomaly min samples (%d) exceeds window (%d)", c.Anomaly.MinSamples, c.Anomaly.Window)
	}
	if c.Security.VulnDB.Enabled && c.Security.VulnDB.BaseURL == "" {
		return fmt.Errorf("vulndb base url is required when lookups are enabled")
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("API port must be between 1 and 65535")
		}
		if c.API.AuthEnabled && len(c.API.APIKeyHashes) == 0 {
			return fmt.Errorf("api_key_hashes are required when API auth is enabled")
		}
	}

	for name, profile := range c.Profiles {
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}

	for i, watch := range c.Watches {
		if watch.Schedule == "" || watch.Host == "" {
			return fmt.Errorf("watch %d: schedule and host are required", i)
		}
		if _, err := cron.ParseStandard(watch.Schedule); err != nil {
			return fmt.Errorf("watch %d: invalid schedule %q: %w", i, watch.Schedule, err)
		}
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != logging.FormatText && c.Logging.Format != logging.FormatJSON {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateScanning() error {
	s := c.Scanning
	if s.DefaultTimeout < time.Millisecond {
		return fmt.Errorf("default timeout must be at least 1ms")
	}
	if s.DefaultWorkers <= 0 {
		return fmt.Errorf("default workers must be positive")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if s.MaxConcurrentScans <= 0 {
		return fmt.Errorf("max concurrent scans must be positive")
	}
	if s.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber buffer must be positive")
	}
	if s.UDPReadSize <= 0 {
		return fmt.Errorf("udp read size must be positive")
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	for _, port := range s.ExcludedPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("excluded port %d out of range", port)
		}
	}
	return nil
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// ProfileDefaults returns the request defaults profile resolution falls
// back to.
func (c *Config) ProfileDefaults() profiles.Defaults {
	return profiles.Defaults{
		Timeout:          c.Scanning.DefaultTimeout,
		Workers:          c.Scanning.DefaultWorkers,
		MaxRetries:       c.Scanning.MaxRetries,
		ServiceDetection: c.Scanning.ServiceDetection,
		ExcludedPorts:    c.Scanning.ExcludedPorts,
		DefaultProfile:   c.DefaultProfile,
	}
}
