package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/scheduler"
)

// WatchHandler manages recurring scans.
type WatchHandler struct {
	scheduler *scheduler.Scheduler
	logger    *logging.Logger
}

// NewWatchHandler creates a new watch handler.
func NewWatchHandler(s *scheduler.Scheduler, logger *logging.Logger) *WatchHandler {
	return &WatchHandler{scheduler: s, logger: logger.WithFields("handler", "watch")}
}

// WatchRequest is the body of POST /api/v1/watches.
type WatchRequest struct {
	Schedule string `json:"schedule" validate:"required"`
	ScanRequest
}

// ListWatches handles GET /api/v1/watches.
func (h *WatchHandler) ListWatches(w http.ResponseWriter, r *http.Request) {
	watches := h.scheduler.Watches()
	writeJSON(w, r, h.logger, http.StatusOK, map[string]interface{}{
		"watches": watches,
		"total":   len(watches),
	})
}

// CreateWatch handles POST /api/v1/watches.
func (h *WatchHandler) CreateWatch(w http.ResponseWriter, r *http.Request) {
	var body WatchRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id, err := h.scheduler.AddWatch(body.Schedule, body.Options())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	watch, err := h.scheduler.Get(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusCreated, watch)
}

// DeleteWatch handles DELETE /api/v1/watches/{id}.
func (h *WatchHandler) DeleteWatch(w http.ResponseWriter, r *http.Request) {
	id, err := watchID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.scheduler.RemoveWatch(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func watchID(r *http.Request) (uuid.UUID, error) {
	raw, err := pathID(r)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Validation("invalid watch id %q", raw)
	}
	return id, nil
}
