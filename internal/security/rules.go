package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/anstrom/portscope/internal/scanning"
	"github.com/anstrom/portscope/internal/vulndb"
)

// Severity re-exports the vulnerability severity scale so compliance issues
// and vulnerabilities rank the same way.
type Severity = vulndb.Severity

const (
	SeverityLow      = vulndb.SeverityLow
	SeverityMedium   = vulndb.SeverityMedium
	SeverityHigh     = vulndb.SeverityHigh
	SeverityCritical = vulndb.SeverityCritical
)

// ComplianceIssue is one rule a service violates.
type ComplianceIssue struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Service     string   `json:"service"`
}

// Rule is one row of the compliance table. Describe, when set, overrides the
// static description for services that violate the rule.
type Rule struct {
	Name        string
	Description string
	Severity    Severity
	Violated    func(scanning.ServiceInfo) bool
	Describe    func(scanning.ServiceInfo) string
}

func (r Rule) issue(svc scanning.ServiceInfo) ComplianceIssue {
	desc := r.Description
	if r.Describe != nil {
		desc = r.Describe(svc)
	}
	return ComplianceIssue{
		Name:        r.Name,
		Description: desc,
		Severity:    r.Severity,
		Service:     svc.ServiceName,
	}
}

var vulnerablePorts = []struct {
	port        int
	description string
}{
	{23, "Telnet - Insecure cleartext protocol"},
	{25, "SMTP without TLS"},
	{69, "TFTP - Insecure file transfer"},
	{135, "MSRPC - Potential security risk"},
	{137, "NetBIOS - Legacy protocol security risk"},
	{445, "SMB - Ensure latest version and proper configuration"},
}

var unnecessaryServices = map[string]bool{
	"telnet": true,
	"ftp":    true,
	"rsh":    true,
	"rlogin": true,
}

func serviceIs(name string) func(scanning.ServiceInfo) bool {
	return func(svc scanning.ServiceInfo) bool {
		return strings.EqualFold(svc.ServiceName, name)
	}
}

// GeneralRules apply to every service regardless of its name.
func GeneralRules() []Rule {
	rules := []Rule{{
		Name:        "Insecure Protocol",
		Description: "HTTP is being used instead of HTTPS",
		Severity:    SeverityHigh,
		Violated:    serviceIs("http"),
	}}

	for _, vp := range vulnerablePorts {
		port := vp.port
		rules = append(rules, Rule{
			Name:        "Vulnerable Port",
			Description: vp.description,
			Severity:    SeverityHigh,
			Violated:    func(svc scanning.ServiceInfo) bool { return svc.Port == port },
		})
	}

	rules = append(rules, Rule{
		Name:     "Unnecessary Service",
		Severity: SeverityMedium,
		Violated: func(svc scanning.ServiceInfo) bool {
			return unnecessaryServices[strings.ToLower(svc.ServiceName)]
		},
		Describe: func(svc scanning.ServiceInfo) string {
			return "Running potentially unnecessary and insecure service: " + svc.ServiceName
		},
	})
	return rules
}

// ServiceRules are keyed by lower-cased service name.
func ServiceRules() map[string][]Rule {
	return map[string][]Rule{
		"ssh": {{
			Name:        "SSH Version",
			Description: "SSH version should be >= 2.0",
			Severity:    SeverityCritical,
			Violated: func(svc scanning.ServiceInfo) bool {
				return !strings.Contains(svc.Banner, "SSH-2.0")
			},
		}},
		"http": {{
			Name:        "TLS Version",
			Description: "Should use HTTPS instead of HTTP",
			Severity:    SeverityHigh,
			Violated:    func(scanning.ServiceInfo) bool { return true },
		}},
		"https": {{
			Name:        "TLS Version",
			Description: "Should use TLS 1.2 or higher",
			Severity:    SeverityHigh,
			Violated: func(svc scanning.ServiceInfo) bool {
				return !strings.Contains(svc.Banner, "TLSv1.2") && !strings.Contains(svc.Banner, "TLSv1.3")
			},
		}},
	}
}

var semverPrefix = regexp.MustCompile(`^\d+(\.\d+){0,2}`)

// parseVersion coerces banner versions such as "7.4p1" or "5.5.62-log" to
// semver by keeping the numeric prefix.
func parseVersion(s string) (*semver.Version, error) {
	prefix := semverPrefix.FindString(strings.TrimSpace(s))
	if prefix == "" {
		return nil, fmt.Errorf("no numeric version in %q", s)
	}
	return semver.NewVersion(prefix)
}

// OutdatedVersionRules builds one rule per service flagging versions below
// the configured minimum. Services whose version cannot be parsed pass.
func OutdatedVersionRules(minimums map[string]string) (map[string][]Rule, error) {
	rules := make(map[string][]Rule, len(minimums))
	for service, minVersion := range minimums {
		constraint, err := semver.NewConstraint("< " + minVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum version %q for %s: %w", minVersion, service, err)
		}

		minimum := minVersion
		key := strings.ToLower(service)
		rules[key] = append(rules[key], Rule{
			Name:     "Outdated Version",
			Severity: SeverityMedium,
			Violated: func(svc scanning.ServiceInfo) bool {
				v, err := parseVersion(serviceVersion(svc))
				return err == nil && constraint.Check(v)
			},
			Describe: func(svc scanning.ServiceInfo) string {
				return fmt.Sprintf("%s %s is older than the minimum supported version %s",
					svc.ServiceName, serviceVersion(svc), minimum)
			},
		})
	}
	return rules, nil
}

// serviceVersion prefers the fingerprinted version and falls back to the
// version pattern search over the banner.
func serviceVersion(svc scanning.ServiceInfo) string {
	if svc.Version != "" && svc.Version != scanning.UnknownService {
		return svc.Version
	}
	return ExtractVersion(svc.Banner)
}

// Ordered from most to least specific; the first match wins.
var versionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d+\.\d+\.\d+\b`),
	regexp.MustCompile(`\b\d+\.\d+\b`),
	regexp.MustCompile(`version\s+(\d[\d.]+)`),
	regexp.MustCompile(`\b(\d+\.\d+[\d.]*[a-z]?)\b`),
}

// ExtractVersion returns the first version-looking token in banner, or ""
// when there is none. Matching is case-insensitive.
func ExtractVersion(banner string) string {
	lower := strings.ToLower(banner)
	for _, re := range versionPatterns {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		if len(m) > 1 && m[1] != "" {
			return m[1]
		}
		return m[0]
	}
	return ""
}
