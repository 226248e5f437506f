// Package vulndb looks up known vulnerabilities for a service and version.
// Lookups go to the NVD 2.0 REST API and are cached for the lifetime of the
// process, including failed lookups, which are cached as empty.
package vulndb

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks github.com/anstrom/portscope/internal/vulndb Source

import (
	"context"
	"strings"
	"time"
)

// Severity ranks vulnerabilities and compliance issues.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity maps a severity name case-insensitively. Unknown names map
// to LOW.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SeverityForScore returns the CVSS v3 qualitative rating of score.
func SeverityForScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Vulnerability is one known CVE affecting a service.
type Vulnerability struct {
	CVEID        string    `json:"cve_id"`
	Description  string    `json:"description"`
	Severity     Severity  `json:"severity"`
	CVSSScore    float64   `json:"cvss_score"`
	CVSSVector   string    `json:"cvss_vector,omitempty"`
	Published    time.Time `json:"published"`
	LastModified time.Time `json:"last_modified"`
}

// Source returns the vulnerabilities known for service at version.
type Source interface {
	Lookup(ctx context.Context, service, version string) ([]Vulnerability, error)
}

// NoopSource never finds anything. It backs the pipeline when lookups are
// disabled.
type NoopSource struct{}

// Lookup returns no vulnerabilities.
func (NoopSource) Lookup(context.Context, string, string) ([]Vulnerability, error) {
	return nil, nil
}

// Config holds vulnerability database settings.
type Config struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	APIKey            string        `yaml:"api_key" json:"-"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	ResultsPerPage    int           `yaml:"results_per_page" json:"results_per_page"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
}

// DefaultConfig returns the public NVD endpoint with its anonymous rate
// limit of five requests per thirty seconds.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		BaseURL:           "https://services.nvd.nist.gov/rest/json/cves/2.0",
		Timeout:           15 * time.Second,
		RequestsPerSecond: 5.0 / 30.0,
		ResultsPerPage:    50,
		MaxRetries:        3,
	}
}
