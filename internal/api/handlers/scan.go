package handlers

import (
	"net/http"
	"time"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/orchestrator"
	"github.com/anstrom/portscope/internal/profiles"
)

// ScanHandler handles the scan lifecycle endpoints.
type ScanHandler struct {
	manager  *orchestrator.Manager
	profiles *profiles.Manager
	logger   *logging.Logger
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(manager *orchestrator.Manager, profileManager *profiles.Manager, logger *logging.Logger) *ScanHandler {
	return &ScanHandler{
		manager:  manager,
		profiles: profileManager,
		logger:   logger.WithFields("handler", "scan"),
	}
}

// ScanRequest is the body of POST /api/v1/scans. Unset fields come from
// the profile, then from the configured defaults.
type ScanRequest struct {
	Host             string `json:"host" validate:"required,max=253"`
	Profile          string `json:"profile,omitempty"`
	Ports            string `json:"ports,omitempty"`
	StartPort        int    `json:"start_port,omitempty" validate:"omitempty,min=1,max=65535"`
	EndPort          int    `json:"end_port,omitempty" validate:"omitempty,min=1,max=65535"`
	Protocol         string `json:"protocol,omitempty" validate:"omitempty,oneof=tcp udp TCP UDP"`
	TimeoutMS        int    `json:"timeout_ms,omitempty" validate:"omitempty,min=1"`
	Workers          int    `json:"workers,omitempty" validate:"omitempty,min=1,max=10000"`
	MaxRetries       *int   `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
	ServiceDetection *bool  `json:"service_detection,omitempty"`
	ExcludedPorts    []int  `json:"excluded_ports,omitempty" validate:"omitempty,dive,min=1,max=65535"`
}

// Options converts the request into profile resolution options.
func (req ScanRequest) Options() profiles.Options {
	return profiles.Options{
		Profile:          req.Profile,
		Host:             req.Host,
		Ports:            req.Ports,
		StartPort:        req.StartPort,
		EndPort:          req.EndPort,
		Protocol:         req.Protocol,
		Timeout:          time.Duration(req.TimeoutMS) * time.Millisecond,
		Workers:          req.Workers,
		MaxRetries:       req.MaxRetries,
		ServiceDetection: req.ServiceDetection,
		ExcludedPorts:    req.ExcludedPorts,
	}
}

// ScanListResponse wraps GET /api/v1/scans.
type ScanListResponse struct {
	Scans []orchestrator.StatusSnapshot `json:"scans"`
	Total int                           `json:"total"`
}

// CreateScan handles POST /api/v1/scans. The scan runs in the background;
// the response carries its initial status.
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var body ScanRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	req, err := h.profiles.Resolve(body.Options())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id, err := h.manager.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	snap, err := h.manager.Status(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("Scan created via API",
		"request_id", requestID(r),
		"scan_id", id,
		"target", req.Host,
		"profile", req.Profile)
	w.Header().Set("Location", "/api/v1/scans/"+id)
	writeJSON(w, r, h.logger, http.StatusAccepted, snap)
}

// ListScans handles GET /api/v1/scans.
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	scans := h.manager.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := scans[:0]
		for _, s := range scans {
			if string(s.Status) == status {
				filtered = append(filtered, s)
			}
		}
		scans = filtered
	}
	writeJSON(w, r, h.logger, http.StatusOK, ScanListResponse{Scans: scans, Total: len(scans)})
}

// GetScan handles GET /api/v1/scans/{id}.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	snap, err := h.manager.Status(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, snap)
}

// StopScan handles POST /api/v1/scans/{id}/stop. Stopping a finished scan
// returns its unchanged status.
func (h *ScanHandler) StopScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.manager.Stop(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	snap, err := h.manager.Status(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, snap)
}

// DeleteScan handles DELETE /api/v1/scans/{id}. Running scans are stopped
// first.
func (h *ScanHandler) DeleteScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.manager.Stop(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.manager.Wait(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.manager.Remove(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetReport handles GET /api/v1/scans/{id}/report?type=summary|detailed.
func (h *ScanHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	typ, err := orchestrator.ParseReportType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	report, err := h.manager.Report(r.Context(), id, typ)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, report)
}
