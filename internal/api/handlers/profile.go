package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/profiles"
)

// ProfileHandler serves the configured scan profiles.
type ProfileHandler struct {
	profiles *profiles.Manager
	logger   *logging.Logger
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(profileManager *profiles.Manager, logger *logging.Logger) *ProfileHandler {
	return &ProfileHandler{profiles: profileManager, logger: logger.WithFields("handler", "profile")}
}

// ListProfiles handles GET /api/v1/profiles.
func (h *ProfileHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, h.logger, http.StatusOK, map[string]interface{}{
		"profiles": h.profiles.List(),
	})
}

// GetProfile handles GET /api/v1/profiles/{name}.
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Get(mux.Vars(r)["name"])
	if err != nil {
		writeJSON(w, r, h.logger, http.StatusNotFound, ErrorResponse{
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
			RequestID: requestID(r),
		})
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, p)
}
