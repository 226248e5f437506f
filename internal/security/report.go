package security

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/portscope/internal/vulndb"
)

const (
	vulnerabilityWeight = 0.7
	complianceWeight    = 0.3
	maxRiskScore        = 10.0
)

// Report aggregates the findings of one assessment. Both maps are keyed by
// service key (e.g. "SSH@22/tcp"). RiskScore is recomputed from the full
// contents of both maps on every change.
type Report struct {
	Vulnerabilities  map[string][]vulndb.Vulnerability `json:"vulnerabilities"`
	ComplianceIssues map[string][]ComplianceIssue      `json:"compliance_issues"`
	RiskScore        float64                           `json:"risk_score"`
	GeneratedAt      time.Time                         `json:"generated_at"`
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{
		Vulnerabilities:  make(map[string][]vulndb.Vulnerability),
		ComplianceIssues: make(map[string][]ComplianceIssue),
		GeneratedAt:      time.Now(),
	}
}

// AddVulnerabilities appends vulns under key. Empty slices are ignored.
func (r *Report) AddVulnerabilities(key string, vulns ...vulndb.Vulnerability) {
	if len(vulns) == 0 {
		return
	}
	r.Vulnerabilities[key] = append(r.Vulnerabilities[key], vulns...)
	r.Recalculate()
}

// AddComplianceIssues appends issues under key. Empty slices are ignored.
func (r *Report) AddComplianceIssues(key string, issues ...ComplianceIssue) {
	if len(issues) == 0 {
		return
	}
	r.ComplianceIssues[key] = append(r.ComplianceIssues[key], issues...)
	r.Recalculate()
}

// Recalculate recomputes RiskScore from the current findings.
func (r *Report) Recalculate() {
	r.RiskScore = RiskScore(r.Vulnerabilities, r.ComplianceIssues)
}

// RiskScore blends the mean CVSS score of all vulnerabilities (70%) with the
// share of critical compliance issues scaled to 10 (30%). An empty side
// contributes zero.
func RiskScore(vulns map[string][]vulndb.Vulnerability, issues map[string][]ComplianceIssue) float64 {
	var cvssTotal float64
	var vulnCount int
	for _, list := range vulns {
		for _, v := range list {
			cvssTotal += v.CVSSScore
			vulnCount++
		}
	}

	var critical, issueCount int
	for _, list := range issues {
		for _, issue := range list {
			if issue.Severity == SeverityCritical {
				critical++
			}
			issueCount++
		}
	}

	var vulnScore, complianceScore float64
	if vulnCount > 0 {
		vulnScore = cvssTotal / float64(vulnCount)
	}
	if issueCount > 0 {
		complianceScore = maxRiskScore * float64(critical) / float64(issueCount)
	}
	return vulnerabilityWeight*vulnScore + complianceWeight*complianceScore
}

// VulnerabilityCount returns the number of vulnerabilities across services.
func (r *Report) VulnerabilityCount() int {
	n := 0
	for _, list := range r.Vulnerabilities {
		n += len(list)
	}
	return n
}

// ComplianceIssueCount returns the number of issues across services.
func (r *Report) ComplianceIssueCount() int {
	n := 0
	for _, list := range r.ComplianceIssues {
		n += len(list)
	}
	return n
}

// WriteText renders a human readable summary of the report to w.
func (r *Report) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Security Assessment (%s)\nOverall Risk Score: %.2f/10\n\n",
		r.GeneratedAt.Format("2006-01-02 15:04:05"), r.RiskScore); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "Vulnerabilities (%d)\n", r.VulnerabilityCount()); err != nil {
		return err
	}
	if r.VulnerabilityCount() > 0 {
		table := tablewriter.NewWriter(w)
		table.Header("Service", "CVE", "Severity", "CVSS", "Description")
		for _, key := range sortedKeys(r.Vulnerabilities) {
			for _, v := range r.Vulnerabilities[key] {
				_ = table.Append([]string{key, v.CVEID, string(v.Severity),
					fmt.Sprintf("%.1f", v.CVSSScore), truncate(v.Description, 60)})
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "\nCompliance Issues (%d)\n", r.ComplianceIssueCount()); err != nil {
		return err
	}
	if r.ComplianceIssueCount() > 0 {
		table := tablewriter.NewWriter(w)
		table.Header("Service", "Rule", "Severity", "Description")
		for _, key := range sortedKeys(r.ComplianceIssues) {
			for _, issue := range r.ComplianceIssues[key] {
				_ = table.Append([]string{key, issue.Name, string(issue.Severity), issue.Description})
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncate shortens s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
