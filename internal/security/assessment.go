// Package security turns a finished scan's results into a security report:
// compliance rule checks, vulnerability lookups and a weighted risk score.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/scanning"
	"github.com/anstrom/portscope/internal/vulndb"
)

const (
	ftpPort    = 21
	telnetPort = 23
)

// Known-bad entries added for cleartext services regardless of what the
// vulnerability source returns.
var (
	ftpUnsafe = vulndb.Vulnerability{
		CVEID:       "FTP-UNSAFE",
		Description: "FTP sends credentials and data in cleartext and is considered unsafe",
		Severity:    vulndb.SeverityHigh,
		CVSSScore:   7.5,
	}
	telnetUnsafe = vulndb.Vulnerability{
		CVEID:       "TELNET-UNSAFE",
		Description: "Telnet sends data in cleartext and is considered unsafe",
		Severity:    vulndb.SeverityHigh,
		CVSSScore:   8.0,
	}
)

// Assessor runs the compliance table and vulnerability lookups over scan
// results. It is safe for concurrent use when its source is.
type Assessor struct {
	source       vulndb.Source
	generalRules []Rule
	serviceRules map[string][]Rule
	logger       *logging.Logger
	metrics      *metrics.PrometheusMetrics
}

// NewAssessor creates an assessor backed by source. minimumVersions maps
// service names to the oldest acceptable version; an unparsable entry is an
// error. A nil metrics collector disables risk score recording.
func NewAssessor(source vulndb.Source, minimumVersions map[string]string,
	logger *logging.Logger, m *metrics.PrometheusMetrics) (*Assessor, error) {
	if source == nil {
		source = vulndb.NoopSource{}
	}
	if logger == nil {
		logger = logging.Default()
	}

	serviceRules := ServiceRules()
	outdated, err := OutdatedVersionRules(minimumVersions)
	if err != nil {
		return nil, err
	}
	for name, rules := range outdated {
		serviceRules[name] = append(serviceRules[name], rules...)
	}

	return &Assessor{
		source:       source,
		generalRules: GeneralRules(),
		serviceRules: serviceRules,
		logger:       logger.WithComponent("security"),
		metrics:      m,
	}, nil
}

// Assess builds a report from results. Only open ports are assessed. A
// failure while assessing one service is logged and skipped.
func (a *Assessor) Assess(ctx context.Context, results []scanning.ServiceInfo) *Report {
	report := NewReport()

	for _, svc := range results {
		if !svc.IsOpen() {
			continue
		}
		if err := a.assessService(ctx, svc, report); err != nil {
			a.logger.Error("Failed to assess service", "service", svc.Key(), "error", err)
		}
	}

	report.GeneratedAt = time.Now()
	report.Recalculate()
	if a.metrics != nil {
		a.metrics.ObserveRiskScore(report.RiskScore)
	}
	return report
}

func (a *Assessor) assessService(ctx context.Context, svc scanning.ServiceInfo, report *Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	key := svc.Key()
	report.AddVulnerabilities(key, a.Vulnerabilities(ctx, svc)...)
	report.AddComplianceIssues(key, a.CheckCompliance(svc)...)
	return nil
}

// CheckCompliance evaluates the general rules and the rules for svc's
// service name.
func (a *Assessor) CheckCompliance(svc scanning.ServiceInfo) []ComplianceIssue {
	var issues []ComplianceIssue
	for _, rule := range a.generalRules {
		if rule.Violated(svc) {
			issues = append(issues, rule.issue(svc))
		}
	}
	for _, rule := range a.serviceRules[strings.ToLower(svc.ServiceName)] {
		if rule.Violated(svc) {
			issues = append(issues, rule.issue(svc))
		}
	}
	return issues
}

// Vulnerabilities looks up svc by the version found in its banner and adds
// the fixed cleartext entries for FTP and Telnet. Lookup failures yield no
// entries.
func (a *Assessor) Vulnerabilities(ctx context.Context, svc scanning.ServiceInfo) []vulndb.Vulnerability {
	var vulns []vulndb.Vulnerability

	if svc.Banner != "" && svc.ServiceName != scanning.UnknownService {
		if version := ExtractVersion(svc.Banner); version != "" {
			found, err := a.source.Lookup(ctx, svc.ServiceName, version)
			if err != nil {
				a.logger.Warn("Vulnerability lookup failed",
					"service", svc.ServiceName, "version", version, "error", err)
			}
			vulns = append(vulns, found...)
		}
	}

	if svc.Port == ftpPort && strings.EqualFold(svc.ServiceName, "ftp") {
		vulns = append(vulns, ftpUnsafe)
	}
	if svc.Port == telnetPort {
		vulns = append(vulns, telnetUnsafe)
	}
	return vulns
}

// Annotate returns copies of results with Vulnerable and
// VulnerabilityDetails set from report. The inputs are not modified.
func Annotate(results []scanning.ServiceInfo, report *Report) []scanning.ServiceInfo {
	out := make([]scanning.ServiceInfo, len(results))
	for i, svc := range results {
		vulns := report.Vulnerabilities[svc.Key()]
		if len(vulns) > 0 {
			ids := make([]string, 0, len(vulns))
			for _, v := range vulns {
				ids = append(ids, v.CVEID)
			}
			svc.Vulnerable = true
			svc.VulnerabilityDetails = strings.Join(ids, ", ")
		}
		out[i] = svc
	}
	return out
}
