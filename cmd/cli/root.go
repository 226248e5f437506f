// Package cli provides the command-line interface for the portscope port
// scanner. It implements the Cobra command tree for one-shot scans, the API
// server with scheduled watches, profile listing and API key hashing.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/portscope/internal/config"
	"github.com/anstrom/portscope/internal/logging"
)

const (
	defaultConfigFile = "config.yaml"
	envPrefix         = "PORTSCOPE"
)

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "portscope",
	Short: "Adaptive TCP/UDP port scanner",
	Long: `portscope is a concurrent TCP and UDP port scanner. It identifies services
from their banners, tunes timeouts and concurrency per host from observed
response times, flags unusual port behavior and produces a security
assessment of what it finds.

Run a one-shot scan with "portscope scan", or serve the REST API and
scheduled watches with "portscope serve".`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig locates the config file and wires environment overrides. The
// file itself is parsed by config.Load so validation stays in one place.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// PORTSCOPE_LOGGING_LEVEL overrides logging.level and so on.
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// configFilePath returns the config file viper settled on, or the default.
func configFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return defaultConfigFile
}

// loadConfig reads the config file and applies flag and environment
// overrides on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFilePath())
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies the keys viper can see from flags and the
// environment onto cfg.
func applyOverrides(cfg *config.Config) {
	if viper.IsSet("logging.level") {
		cfg.Logging.Level = logging.LogLevel(viper.GetString("logging.level"))
	}
	if viper.IsSet("logging.format") {
		cfg.Logging.Format = logging.LogFormat(viper.GetString("logging.format"))
	}
	if viper.IsSet("logging.output") {
		cfg.Logging.Output = viper.GetString("logging.output")
	}
	if viper.IsSet("api.host") {
		cfg.API.Host = viper.GetString("api.host")
	}
	if viper.IsSet("api.port") {
		cfg.API.Port = viper.GetInt("api.port")
	}
	if viper.IsSet("security.vulndb.enabled") {
		cfg.Security.VulnDB.Enabled = viper.GetBool("security.vulndb.enabled")
	}
	if viper.IsSet("security.vulndb.api_key") {
		cfg.Security.VulnDB.APIKey = viper.GetString("security.vulndb.api_key")
	}
	if viper.GetBool("verbose") {
		cfg.Logging.Level = logging.LevelDebug
	}
}

// bindFlags binds command flags to config keys so they win over the file.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag, err)
		}
	}
}

// initLogging builds the process logger from cfg and installs it as the
// default.
func initLogging(cfg *config.Config) *logging.Logger {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
		logger = logging.NewDefault()
	}
	logging.SetDefault(logger)

	if verbose {
		logger.Debug("Structured logging initialized",
			"level", cfg.Logging.Level,
			"format", cfg.Logging.Format,
			"config", configFilePath())
	}
	return logger
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
