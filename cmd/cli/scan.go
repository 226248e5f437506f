package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/orchestrator"
	"github.com/anstrom/portscope/internal/profiles"
	"github.com/anstrom/portscope/internal/scanning"
)

const (
	outputText = "text"
	outputJSON = "json"
)

var (
	scanPorts     string
	scanExclude   string
	scanStartPort int
	scanEndPort   int
	scanProfile   string
	scanProtocol  string
	scanTimeout   time.Duration
	scanWorkers   int
	scanRetries   int
	scanDetect    bool
	scanReport    string
	scanOutput    string
	scanProgress  bool
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <host>",
	Short: "Scan one host for open ports and services",
	Long: `Scan a single host over TCP or UDP. Ports come from --ports, from
--start/--end, or from a profile. Open TCP ports have their banners read
and their services identified unless --detect=false is given.

A detailed report adds statistics, flagged anomalies and a security
assessment of the open services.`,
	Example: `  portscope scan 192.168.1.10
  portscope scan example.com --ports 22,80,443 --report detailed
  portscope scan 10.0.0.5 --start 1 --end 65535 --workers 500
  portscope scan 10.0.0.5 --protocol udp --ports 53,123,161
  portscope scan 10.0.0.5 --profile full --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	flags := scanCmd.Flags()
	flags.StringVarP(&scanPorts, "ports", "p", "", "Ports to scan, e.g. '22,80,8000-8100'")
	flags.StringVar(&scanExclude, "exclude", "", "Ports to skip, same syntax as --ports")
	flags.IntVar(&scanStartPort, "start", 0, "First port of a range")
	flags.IntVar(&scanEndPort, "end", 0, "Last port of a range")
	flags.StringVar(&scanProfile, "profile", "", "Scan profile (see 'portscope profiles list')")
	flags.StringVar(&scanProtocol, "protocol", "", "Transport: tcp (default) or udp")
	flags.DurationVar(&scanTimeout, "timeout", 0, "Per-port connect timeout, e.g. 500ms")
	flags.IntVar(&scanWorkers, "workers", 0, "Concurrent probes")
	flags.IntVar(&scanRetries, "retries", 0, "Maximum re-probes of filtered or failed ports")
	flags.BoolVar(&scanDetect, "detect", true, "Read banners and identify services on open ports")
	flags.StringVar(&scanReport, "report", string(orchestrator.ReportSummary), "Report type: summary or detailed")
	flags.StringVarP(&scanOutput, "output", "o", outputText, "Output format: text or json")
	flags.BoolVar(&scanProgress, "progress", false, "Print progress to stderr while scanning")

	scanCmd.MarkFlagsMutuallyExclusive("ports", "start")
	scanCmd.MarkFlagsMutuallyExclusive("ports", "end")
}

// scanOptions is everything the scan command needs besides the app.
type scanOptions struct {
	request  profiles.Options
	report   string
	output   string
	progress bool
}

func runScan(cmd *cobra.Command, args []string) error {
	opts, err := scanOptionsFromFlags(cmd, args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogging(cfg)

	rt, err := newApp(cfg, logger, nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("Failed to shut down scan manager", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return executeScan(ctx, rt, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func scanOptionsFromFlags(cmd *cobra.Command, host string) (scanOptions, error) {
	opts := scanOptions{
		request: profiles.Options{
			Host:      host,
			Profile:   scanProfile,
			Ports:     scanPorts,
			StartPort: scanStartPort,
			EndPort:   scanEndPort,
			Protocol:  scanProtocol,
			Timeout:   scanTimeout,
			Workers:   scanWorkers,
		},
		report:   scanReport,
		output:   scanOutput,
		progress: scanProgress,
	}

	flags := cmd.Flags()
	if flags.Changed("retries") {
		retries := scanRetries
		opts.request.MaxRetries = &retries
	}
	if flags.Changed("detect") {
		detect := scanDetect
		opts.request.ServiceDetection = &detect
	}
	if scanExclude != "" {
		excluded, err := scanning.ParsePorts(scanExclude)
		if err != nil {
			return opts, fmt.Errorf("invalid --exclude: %w", err)
		}
		opts.request.ExcludedPorts = excluded
	}
	if opts.output != outputText && opts.output != outputJSON {
		return opts, fmt.Errorf("invalid --output %q (want %s or %s)", opts.output, outputText, outputJSON)
	}
	return opts, nil
}

// executeScan runs one scan to completion and writes its report to out. An
// interrupted scan is stopped and still reported.
func executeScan(ctx context.Context, rt *app, opts scanOptions, out, errOut io.Writer) error {
	reportType, err := orchestrator.ParseReportType(opts.report)
	if err != nil {
		return err
	}
	req, err := rt.profiles.Resolve(opts.request)
	if err != nil {
		return err
	}

	id, err := rt.manager.Start(ctx, req)
	if err != nil {
		return err
	}
	log := rt.logger.WithScanID(id)

	var progressDone chan struct{}
	if opts.progress {
		sub, err := rt.manager.Subscribe(id)
		if err != nil {
			return err
		}
		defer rt.manager.Unsubscribe(sub)
		progressDone = make(chan struct{})
		go func() {
			defer close(progressDone)
			printProgress(errOut, sub)
		}()
	}

	snap, err := rt.manager.Wait(ctx, id)
	if err != nil {
		log.Warn("Scan interrupted, stopping", "completed", snap.Completed, "total", snap.Total)
		if stopErr := rt.manager.Stop(id); stopErr != nil {
			return stopErr
		}
		snap, _ = rt.manager.Wait(context.Background(), id)
	}
	if progressDone != nil {
		<-progressDone
	}

	if snap.Status == orchestrator.StatusFailed {
		return errors.Orchestrator("scan failed: "+snap.Error, nil)
	}

	report, err := rt.manager.Report(context.WithoutCancel(ctx), id, reportType)
	if err != nil {
		return err
	}

	if opts.output == outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return writeReport(out, snap, report)
}

func printProgress(w io.Writer, sub *orchestrator.Subscription) {
	for ev := range sub.Events {
		if ev.Type == orchestrator.EventComplete {
			fmt.Fprintf(w, "\r%s: %d/%d ports\n", ev.Status, ev.Completed, ev.Total)
			continue
		}
		fmt.Fprintf(w, "\r%3d%% (%d/%d)", ev.Progress, ev.Completed, ev.Total)
	}
}

func writeReport(w io.Writer, snap orchestrator.StatusSnapshot, report *orchestrator.Report) error {
	fmt.Fprintf(w, "Scan %s of %s (%s): %s, %d/%d ports\n",
		snap.ID, snap.Host, snap.Protocol, snap.Status, snap.Completed, snap.Total)

	if report.Summary != nil {
		return writeSummary(w, report.Summary)
	}
	return writeDetailed(w, report.Detailed)
}

func writeSummary(w io.Writer, summary *orchestrator.SummaryReport) error {
	if len(summary.OpenPorts) == 0 {
		_, err := fmt.Fprintln(w, "No open ports found")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Port", "Protocol", "State")
	for _, port := range summary.OpenPorts {
		_ = table.Append([]string{strconv.Itoa(port), string(summary.Protocol), string(scanning.StateOpen)})
	}
	return table.Render()
}

func writeDetailed(w io.Writer, detailed *orchestrator.DetailedReport) error {
	stats := detailed.Statistics
	fmt.Fprintf(w, "Open: %d of %d, avg response %.1fms, retries %d, duration %s\n\n",
		stats.OpenPorts, stats.TotalPorts, stats.AvgResponseTimeMS, stats.Retries, stats.Duration.Round(time.Millisecond))

	var open []scanning.ServiceInfo
	for _, info := range detailed.Results {
		if info.IsOpen() {
			open = append(open, info)
		}
	}
	if len(open) > 0 {
		table := tablewriter.NewWriter(w)
		table.Header("Port", "Service", "Version", "Response", "Vulnerable", "Banner")
		for _, info := range open {
			_ = table.Append([]string{
				fmt.Sprintf("%d/%s", info.Port, info.Protocol),
				info.ServiceName,
				info.Version,
				fmt.Sprintf("%dms", info.ResponseTimeMillis),
				strconv.FormatBool(info.Vulnerable),
				truncate(info.Banner, 40),
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, "No open ports found")
	}

	if len(stats.Anomalies) > 0 {
		fmt.Fprintf(w, "\nAnomalies (%d)\n", len(stats.Anomalies))
		table := tablewriter.NewWriter(w)
		table.Header("Port", "Kinds", "Response", "Mean", "StdDev")
		for _, a := range stats.Anomalies {
			kinds := make([]string, 0, len(a.Kinds))
			for _, k := range a.Kinds {
				kinds = append(kinds, string(k))
			}
			_ = table.Append([]string{strconv.Itoa(a.Port), strings.Join(kinds, ","),
				a.ResponseTime.String(), a.Mean.String(), a.StdDev.String()})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if detailed.Security == nil {
		return nil
	}
	fmt.Fprintln(w)
	return detailed.Security.WriteText(w)
}

// truncate shortens s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
