// Package handlers provides the HTTP handlers of the portscope API. This
// file holds the helpers every handler shares.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/anstrom/portscope/internal/api/middleware"
	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
)

const maxRequestBodyBytes = 1 << 20

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Kind      string    `json:"kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

var validate = validator.New()

func requestID(r *http.Request) string {
	return middleware.GetRequestID(r)
}

// writeJSON writes data with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, logger *logging.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}

// writeError maps err onto a status code and writes it as an ErrorResponse.
func writeError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("API request failed",
			"request_id", requestID(r),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	} else {
		logger.Debug("API request rejected",
			"request_id", requestID(r),
			"path", r.URL.Path,
			"status", status,
			"error", err)
	}

	writeJSON(w, r, logger, status, ErrorResponse{
		Error:     err.Error(),
		Kind:      string(errors.KindOf(err)),
		Timestamp: time.Now().UTC(),
		RequestID: requestID(r),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrScanNotFound), errors.Is(err, errors.ErrWatchNotFound):
		return http.StatusNotFound
	case errors.IsKind(err, errors.KindValidation):
		return http.StatusBadRequest
	case errors.IsKind(err, errors.KindLookup):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON strictly decodes the body into v and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.Validation("empty request body")
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.Wrap(errors.KindValidation, "invalid JSON body", err)
	}
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Wrap(errors.KindValidation, "invalid request", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return errors.Validation("invalid request: %s", strings.Join(msgs, "; "))
}

func pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		return "", errors.Validation("id not provided")
	}
	return id, nil
}
