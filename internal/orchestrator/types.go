package orchestrator

import (
	"time"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/anomaly"
	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/scanning"
	"github.com/anstrom/portscope/internal/security"
)

// Status is the lifecycle state of a scan.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusStopped   Status = "STOPPED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// EventType distinguishes progress events from the final event of a stream.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
)

// ProgressEvent is published to subscribers after each port and once when
// the scan reaches a terminal status.
type ProgressEvent struct {
	ScanID    string                `json:"scan_id"`
	Type      EventType             `json:"type"`
	Status    Status                `json:"status"`
	Progress  int                   `json:"progress"`
	Completed int                   `json:"completed"`
	Total     int                   `json:"total"`
	Port      int                   `json:"port,omitempty"`
	Result    *scanning.ServiceInfo `json:"result,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// StatusSnapshot is a point-in-time view of a scan.
type StatusSnapshot struct {
	ID          string            `json:"id"`
	Host        string            `json:"host"`
	Protocol    scanning.Protocol `json:"protocol"`
	Profile     string            `json:"profile,omitempty"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"`
	Completed   int               `json:"completed"`
	Total       int               `json:"total"`
	ResultCount int               `json:"result_count"`
	CreatedAt   time.Time         `json:"created_at"`
	StartTime   *time.Time        `json:"start_time,omitempty"`
	EndTime     *time.Time        `json:"end_time,omitempty"`
	Error       string            `json:"error"`

	// Ports per second since the scan started running
	Rate float64 `json:"rate"`
	// Estimated time until the remaining ports finish at the current rate
	ETA time.Duration `json:"eta"`
}

// AnomalyRecord is one port observation the detector flagged.
type AnomalyRecord struct {
	Port         int            `json:"port"`
	Kinds        []anomaly.Kind `json:"kinds"`
	ResponseTime time.Duration  `json:"response_time"`
	Mean         time.Duration  `json:"mean"`
	StdDev       time.Duration  `json:"stddev"`
	IsOpen       bool           `json:"is_open"`
	Banner       string         `json:"banner,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ReportType selects how much a report contains.
type ReportType string

const (
	ReportSummary  ReportType = "summary"
	ReportDetailed ReportType = "detailed"
)

// ParseReportType maps a report type name, defaulting to summary.
func ParseReportType(s string) (ReportType, error) {
	switch ReportType(s) {
	case "", ReportSummary:
		return ReportSummary, nil
	case ReportDetailed:
		return ReportDetailed, nil
	default:
		return "", errors.Validation("unknown report type %q (want summary or detailed)", s)
	}
}

// Report is the answer to a report request. Exactly one of Summary and
// Detailed is set, matching Type.
type Report struct {
	Type     ReportType      `json:"type"`
	Summary  *SummaryReport  `json:"summary,omitempty"`
	Detailed *DetailedReport `json:"detailed,omitempty"`
}

// SummaryReport lists the open ports of a scan.
type SummaryReport struct {
	ScanID    string            `json:"scan_id"`
	Host      string            `json:"host"`
	Protocol  scanning.Protocol `json:"protocol"`
	Status    Status            `json:"status"`
	OpenPorts []int             `json:"open_ports"`
}

// DetailedReport holds every result, statistics and the security
// assessment of a scan.
type DetailedReport struct {
	ScanID     string                 `json:"scan_id"`
	Host       string                 `json:"host"`
	Protocol   scanning.Protocol      `json:"protocol"`
	Status     Status                 `json:"status"`
	StartTime  *time.Time             `json:"start_time,omitempty"`
	EndTime    *time.Time             `json:"end_time,omitempty"`
	Results    []scanning.ServiceInfo `json:"results"`
	Statistics Statistics             `json:"statistics"`
	Security   *security.Report       `json:"security"`
}

// Statistics summarizes a scan's result set.
type Statistics struct {
	TotalPorts        int                        `json:"total_ports"`
	OpenPorts         int                        `json:"open_ports"`
	StateCounts       map[scanning.PortState]int `json:"state_counts"`
	Duration          time.Duration              `json:"duration"`
	AvgResponseTimeMS float64                    `json:"avg_response_time_ms"`
	ServiceFrequency  map[string]int             `json:"service_frequency"`
	Anomalies         []AnomalyRecord            `json:"anomalies"`
	Retries           int64                      `json:"retries"`
	NetworkProfile    *adaptive.NetworkProfile   `json:"network_profile,omitempty"`
	FinalStrategy     *adaptive.Strategy         `json:"final_strategy,omitempty"`
}
