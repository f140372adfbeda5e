package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/repository"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps domain and repository sentinels onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicate),
		errors.Is(err, domain.ErrConfigConflict),
		errors.Is(err, domain.ErrAddressUnavailable):
		return http.StatusConflict
	case errors.Is(err, repository.ErrInvalidEntity),
		errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrACLDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNoAddressAvailable),
		errors.Is(err, domain.ErrUnreachable),
		errors.Is(err, domain.ErrNoMaster):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrPolicyMismatch):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNegotiationTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail logs server side failures and replies with the mapped status
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		}).WithError(err).Error("Request failed")
	}
	writeError(w, status, err.Error())
}

// idParam parses a numeric chi URL parameter, replying 400 when it is malformed
func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}
