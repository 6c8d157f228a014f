package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/core"
)

type errorResponse struct {
	Error     string                `json:"error"`
	Message   string                `json:"message,omitempty"`
	Conflicts []core.ConflictDetail `json:"conflicts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) (int, string) {
	var conflict *core.ConflictError
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict, "reservation_conflict"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core.ErrNotRecipient):
		return http.StatusForbidden, "not_recipient"
	case errors.Is(err, core.ErrStoreBusy):
		return http.StatusServiceUnavailable, "store_busy"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := errorResponse{Error: code, Message: err.Error()}
	var conflict *core.ConflictError
	if errors.As(err, &conflict) {
		resp.Conflicts = conflict.Conflicts
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Message = ""
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// scopeProject picks the project for a request. API keys are bound to one
// project: a missing project defaults to it and a different one is refused.
// Localhost callers must name the project.
func scopeProject(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey {
		if requested == "" {
			return info.Project, true
		}
		if core.ProjectSlug(requested) != core.ProjectSlug(info.Project) {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden", Message: "project not covered by api key"})
			return "", false
		}
		return requested, true
	}
	if requested == "" {
		badRequest(w, "project required")
		return "", false
	}
	return requested, true
}

func queryProject(w http.ResponseWriter, r *http.Request) (string, bool) {
	return scopeProject(w, r, r.URL.Query().Get("project"))
}

func queryInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
