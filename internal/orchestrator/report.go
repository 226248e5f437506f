package orchestrator

import (
	"context"
	"time"

	"github.com/anstrom/portscope/internal/scanning"
	"github.com/anstrom/portscope/internal/security"
)

// Report builds a report of the scan's current results. A detailed report
// runs the security assessment, which may perform vulnerability lookups.
func (m *Manager) Report(ctx context.Context, id string, typ ReportType) (*Report, error) {
	sc, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if typ == "" {
		typ = ReportSummary
	}
	if _, err := ParseReportType(string(typ)); err != nil {
		return nil, err
	}

	snap := sc.snapshot()
	results := sc.resultList()

	if typ == ReportSummary {
		return &Report{Type: ReportSummary, Summary: &SummaryReport{
			ScanID:    sc.id,
			Host:      sc.req.Host,
			Protocol:  sc.req.Protocol,
			Status:    snap.Status,
			OpenPorts: openPorts(results),
		}}, nil
	}

	secReport := m.assessor.Assess(ctx, results)
	stats := m.statistics(sc, snap, results)

	return &Report{Type: ReportDetailed, Detailed: &DetailedReport{
		ScanID:     sc.id,
		Host:       sc.req.Host,
		Protocol:   sc.req.Protocol,
		Status:     snap.Status,
		StartTime:  snap.StartTime,
		EndTime:    snap.EndTime,
		Results:    security.Annotate(results, secReport),
		Statistics: stats,
		Security:   secReport,
	}}, nil
}

func openPorts(results []scanning.ServiceInfo) []int {
	ports := []int{}
	for _, info := range results {
		if info.IsOpen() {
			ports = append(ports, info.Port)
		}
	}
	return ports
}

func (m *Manager) statistics(sc *scanContext, snap StatusSnapshot, results []scanning.ServiceInfo) Statistics {
	stats := Statistics{
		TotalPorts:       len(sc.ports),
		StateCounts:      make(map[scanning.PortState]int),
		ServiceFrequency: make(map[string]int),
		Anomalies:        sc.anomalyList(),
		Retries:          sc.retries.Load(),
	}

	var totalMillis int64
	for _, info := range results {
		stats.StateCounts[info.State]++
		totalMillis += info.ResponseTimeMillis
		if info.IsOpen() {
			stats.OpenPorts++
			stats.ServiceFrequency[info.ServiceName]++
		}
	}
	if len(results) > 0 {
		stats.AvgResponseTimeMS = float64(totalMillis) / float64(len(results))
	}

	if snap.StartTime != nil {
		if snap.EndTime != nil {
			stats.Duration = snap.EndTime.Sub(*snap.StartTime)
		} else {
			stats.Duration = time.Since(*snap.StartTime)
		}
	}

	if profile, ok := m.engine.Profile(sc.req.Host); ok {
		stats.NetworkProfile = &profile
	}
	sc.mu.RLock()
	if sc.strategy != nil {
		strategy := *sc.strategy
		stats.FinalStrategy = &strategy
	}
	sc.mu.RUnlock()
	return stats
}
