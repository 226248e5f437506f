package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscope/internal/auth"
	"github.com/anstrom/portscope/internal/config"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/orchestrator"
	"github.com/anstrom/portscope/internal/profiles"
	"github.com/anstrom/portscope/internal/scanning"
)

// stubProber reports port 22 as SSH and everything else as closed. When
// release is set every probe waits for it.
type stubProber struct {
	release chan struct{}
}

func (p *stubProber) Probe(_ context.Context, _ string, port int, _ time.Duration) scanning.ServiceInfo {
	if p.release != nil {
		<-p.release
	}
	info := scanning.NewServiceInfo(port, scanning.ProtocolTCP)
	info.State = scanning.StateClosed
	if port == 22 {
		info.State = scanning.StateOpen
		info.Banner = "SSH-2.0-OpenSSH_8.9p1"
		info.ServiceName = "SSH"
		info.Version = "8.9p1"
	}
	return info
}

func newTestApp(t *testing.T, prober scanning.Prober) *app {
	t.Helper()
	cfg := config.Default()
	factory := func(scanning.Protocol, scanning.ProbeOptions) scanning.Prober { return prober }
	a, err := newApp(cfg, logging.NewNop(), metrics.NewPrometheusMetrics(), factory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func resetFlags(t *testing.T, flags *pflag.FlagSet) {
	t.Helper()
	reset := func() {
		flags.VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	reset()
	t.Cleanup(reset)
}

func TestExecuteScan(t *testing.T) {
	t.Run("summary text", func(t *testing.T) {
		a := newTestApp(t, &stubProber{})
		var out, errOut bytes.Buffer

		err := executeScan(context.Background(), a, scanOptions{
			request: profiles.Options{Host: "192.0.2.10", Ports: "22,80"},
			report:  "summary",
			output:  outputText,
		}, &out, &errOut)
		require.NoError(t, err)

		assert.Contains(t, out.String(), "192.0.2.10")
		assert.Contains(t, out.String(), "COMPLETED, 2/2 ports")
		assert.Contains(t, out.String(), "22")
		assert.Contains(t, out.String(), "OPEN")
	})

	t.Run("detailed json", func(t *testing.T) {
		a := newTestApp(t, &stubProber{})
		var out, errOut bytes.Buffer

		err := executeScan(context.Background(), a, scanOptions{
			request: profiles.Options{Host: "192.0.2.10", Ports: "22,23,80"},
			report:  "detailed",
			output:  outputJSON,
		}, &out, &errOut)
		require.NoError(t, err)

		var report orchestrator.Report
		require.NoError(t, json.Unmarshal(out.Bytes(), &report))
		require.NotNil(t, report.Detailed)
		assert.Equal(t, orchestrator.StatusCompleted, report.Detailed.Status)
		assert.Len(t, report.Detailed.Results, 3)
		assert.Equal(t, 1, report.Detailed.Statistics.OpenPorts)
		require.NotNil(t, report.Detailed.Security)
	})

	t.Run("detailed text with progress", func(t *testing.T) {
		a := newTestApp(t, &stubProber{})
		var out, errOut bytes.Buffer

		err := executeScan(context.Background(), a, scanOptions{
			request:  profiles.Options{Host: "192.0.2.10", Ports: "20-25"},
			report:   "detailed",
			output:   outputText,
			progress: true,
		}, &out, &errOut)
		require.NoError(t, err)

		assert.Contains(t, out.String(), "Open: 1 of 6")
		assert.Contains(t, out.String(), "SSH")
		assert.Contains(t, out.String(), "Security Assessment")
		assert.Contains(t, errOut.String(), "COMPLETED: 6/6 ports")
	})

	t.Run("no open ports", func(t *testing.T) {
		a := newTestApp(t, &stubProber{})
		var out bytes.Buffer

		err := executeScan(context.Background(), a, scanOptions{
			request: profiles.Options{Host: "192.0.2.10", Ports: "80"},
			output:  outputText,
		}, &out, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Contains(t, out.String(), "No open ports found")
	})

	t.Run("interrupted scan is stopped and reported", func(t *testing.T) {
		prober := &stubProber{release: make(chan struct{})}
		a := newTestApp(t, prober)
		var out bytes.Buffer

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		time.AfterFunc(50*time.Millisecond, func() { close(prober.release) })

		err := executeScan(ctx, a, scanOptions{
			request: profiles.Options{Host: "192.0.2.10", StartPort: 1, EndPort: 100},
			output:  outputText,
		}, &out, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Contains(t, out.String(), string(orchestrator.StatusStopped))
	})
}

func TestExecuteScanRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		opts scanOptions
	}{
		{
			name: "unknown report type",
			opts: scanOptions{request: profiles.Options{Host: "192.0.2.10", Ports: "22"}, report: "verbose"},
		},
		{
			name: "unknown profile",
			opts: scanOptions{request: profiles.Options{Host: "192.0.2.10", Profile: "nope"}},
		},
		{
			name: "missing host",
			opts: scanOptions{request: profiles.Options{Ports: "22"}},
		},
		{
			name: "bad protocol",
			opts: scanOptions{request: profiles.Options{Host: "192.0.2.10", Ports: "22", Protocol: "sctp"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApp(t, &stubProber{})
			err := executeScan(context.Background(), a, tt.opts, &bytes.Buffer{}, &bytes.Buffer{})
			assert.Error(t, err)
			assert.Empty(t, a.manager.List())
		})
	}
}

func TestScanOptionsFromFlags(t *testing.T) {
	t.Run("unset optional flags stay nil", func(t *testing.T) {
		resetFlags(t, scanCmd.Flags())
		require.NoError(t, scanCmd.Flags().Set("ports", "22,80"))

		opts, err := scanOptionsFromFlags(scanCmd, "example.com")
		require.NoError(t, err)
		assert.Equal(t, "example.com", opts.request.Host)
		assert.Equal(t, "22,80", opts.request.Ports)
		assert.Nil(t, opts.request.MaxRetries)
		assert.Nil(t, opts.request.ServiceDetection)
	})

	t.Run("explicit flags are carried", func(t *testing.T) {
		resetFlags(t, scanCmd.Flags())
		flags := scanCmd.Flags()
		require.NoError(t, flags.Set("retries", "0"))
		require.NoError(t, flags.Set("detect", "false"))
		require.NoError(t, flags.Set("exclude", "25,110-111"))
		require.NoError(t, flags.Set("timeout", "250ms"))
		require.NoError(t, flags.Set("output", "json"))

		opts, err := scanOptionsFromFlags(scanCmd, "example.com")
		require.NoError(t, err)
		require.NotNil(t, opts.request.MaxRetries)
		assert.Equal(t, 0, *opts.request.MaxRetries)
		require.NotNil(t, opts.request.ServiceDetection)
		assert.False(t, *opts.request.ServiceDetection)
		assert.Equal(t, []int{25, 110, 111}, opts.request.ExcludedPorts)
		assert.Equal(t, 250*time.Millisecond, opts.request.Timeout)
		assert.Equal(t, outputJSON, opts.output)
	})

	t.Run("bad exclude", func(t *testing.T) {
		resetFlags(t, scanCmd.Flags())
		require.NoError(t, scanCmd.Flags().Set("exclude", "x"))
		_, err := scanOptionsFromFlags(scanCmd, "example.com")
		assert.Error(t, err)
	})

	t.Run("bad output", func(t *testing.T) {
		resetFlags(t, scanCmd.Flags())
		require.NoError(t, scanCmd.Flags().Set("output", "xml"))
		_, err := scanOptionsFromFlags(scanCmd, "example.com")
		assert.Error(t, err)
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("file values", func(t *testing.T) {
		resetViper(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
scanning:
  default_workers: 12
api:
  port: 9191
`), 0600))
		viper.SetConfigFile(path)

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, 12, cfg.Scanning.DefaultWorkers)
		assert.Equal(t, 9191, cfg.API.Port)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		resetViper(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("api:\n  port: 9191\n"), 0600))
		viper.SetConfigFile(path)
		viper.SetEnvPrefix(envPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		t.Setenv("PORTSCOPE_API_PORT", "7070")
		t.Setenv("PORTSCOPE_LOGGING_FORMAT", "json")

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.API.Port)
		assert.Equal(t, logging.FormatJSON, cfg.Logging.Format)
	})

	t.Run("invalid override is rejected", func(t *testing.T) {
		resetViper(t)
		viper.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
		viper.Set("logging.level", "loud")

		_, err := loadConfig()
		assert.Error(t, err)
	})

	t.Run("missing file uses defaults", func(t *testing.T) {
		resetViper(t)
		viper.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, config.Default().Scanning.DefaultWorkers, cfg.Scanning.DefaultWorkers)
	})
}

func TestConfigFilePath(t *testing.T) {
	resetViper(t)
	assert.Equal(t, defaultConfigFile, configFilePath())

	viper.SetConfigFile("/etc/portscope/config.yaml")
	assert.Equal(t, "/etc/portscope/config.yaml", configFilePath())
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "SSH-2.0", n: 10, want: "SSH-2.0"},
		{name: "ascii cut", in: "SSH-2.0-OpenSSH_8.9p1", n: 10, want: "SSH-2.0..."},
		{name: "exact length", in: "héllo", n: 5, want: "héllo"},
		{name: "multibyte cut", in: "220 Добро пожаловать", n: 8, want: "220 Д..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestWriteProfiles(t *testing.T) {
	manager := profiles.NewManager(map[string]profiles.Profile{
		"web": {Description: "Web ports", Ports: "80,443,8080", Timeout: 300 * time.Millisecond},
	}, config.Default().ProfileDefaults())

	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeProfiles(&out, manager.List(), outputText))
		for _, want := range []string{"quick", "full", "web", "80,443,8080", "300ms", "1-1024"} {
			assert.Contains(t, out.String(), want)
		}
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeProfiles(&out, manager.List(), outputJSON))

		var decoded []profiles.Profile
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
		assert.Len(t, decoded, 3)
	})
}

func TestRunAPIKeyHash(t *testing.T) {
	hashFrom := func(t *testing.T, out string) string {
		t.Helper()
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "hash: ") {
				return strings.TrimPrefix(line, "hash: ")
			}
		}
		t.Fatalf("no hash in output:\n%s", out)
		return ""
	}

	t.Run("argument", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runAPIKeyHash(strings.NewReader(""), &out, []string{"secret-key"}, false))
		hash := hashFrom(t, out.String())
		assert.True(t, auth.ValidateAPIKey("secret-key", hash))
		assert.Contains(t, out.String(), "api_key_hashes")
	})

	t.Run("stdin", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runAPIKeyHash(strings.NewReader("from-stdin\n"), &out, nil, false))
		hash := hashFrom(t, out.String())
		assert.True(t, auth.ValidateAPIKey("from-stdin", hash))
	})

	t.Run("generate", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runAPIKeyHash(strings.NewReader(""), &out, nil, true))

		var key string
		for _, line := range strings.Split(out.String(), "\n") {
			if strings.HasPrefix(line, "key:  ") {
				key = strings.TrimPrefix(line, "key:  ")
			}
		}
		assert.True(t, auth.IsValidAPIKeyFormat(key), key)
		assert.True(t, auth.ValidateAPIKey(key, hashFrom(t, out.String())))
	})

	t.Run("empty", func(t *testing.T) {
		err := runAPIKeyHash(strings.NewReader("\n"), &bytes.Buffer{}, nil, false)
		assert.Error(t, err)
	})
}

func TestServe(t *testing.T) {
	t.Run("shuts down on cancel", func(t *testing.T) {
		a := newTestApp(t, &stubProber{})
		a.cfg.API.Host = "127.0.0.1"
		a.cfg.API.Port = 0
		a.cfg.Watches = []config.WatchConfig{
			{Schedule: "@every 1h", Host: "192.0.2.10", Profile: profiles.ProfileQuick},
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- serve(ctx, a, true) }()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("serve did not return after cancel")
		}
	})

	t.Run("broken watch fails startup", func(t *testing.T) {
		a := newTestApp(t, &stubProber{})
		a.cfg.API.Port = 0
		a.cfg.Watches = []config.WatchConfig{
			{Schedule: "@every 1h", Host: "192.0.2.10", Profile: "missing"},
		}

		err := serve(context.Background(), a, true)
		assert.Error(t, err)
	})
}

func TestRootCommand(t *testing.T) {
	t.Run("version", func(t *testing.T) {
		resetViper(t)
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs([]string{"version"})
		t.Cleanup(func() {
			rootCmd.SetOut(nil)
			rootCmd.SetArgs(nil)
		})

		require.NoError(t, rootCmd.Execute())
		assert.Contains(t, out.String(), "portscope "+getVersion())
	})

	t.Run("set version", func(t *testing.T) {
		old := []string{version, commit, buildTime}
		t.Cleanup(func() { SetVersion(old[0], old[1], old[2]) })

		SetVersion("1.2.3", "abc123", "2026-01-01")
		assert.Equal(t, "1.2.3 (commit: abc123, built: 2026-01-01)", rootCmd.Version)
	})

	t.Run("subcommands registered", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range rootCmd.Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"scan", "serve", "profiles", "apikeys", "version"} {
			assert.True(t, names[want], "missing %s command", want)
		}
	})
}
