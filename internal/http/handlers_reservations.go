package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mistakeknot/interlock/internal/core"
)

type reserveRequest struct {
	Project    string   `json:"project"`
	Agent      string   `json:"agent"`
	Patterns   []string `json:"patterns"`
	TTLSeconds int      `json:"ttl_seconds"`
	// Exclusive defaults to true when omitted.
	Exclusive *bool  `json:"exclusive"`
	Reason    string `json:"reason"`
}

type apiReservation struct {
	ID          string     `json:"id"`
	Project     string     `json:"project"`
	AgentID     string     `json:"agent_id"`
	Agent       string     `json:"agent"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	IsActive    bool       `json:"is_active"`
}

type reservationsResponse struct {
	Reservations []apiReservation `json:"reservations"`
}

func (s *Service) toAPIReservation(r core.Reservation) apiReservation {
	return apiReservation{
		ID:          r.ID,
		Project:     r.Project,
		AgentID:     r.AgentID,
		Agent:       r.AgentName,
		PathPattern: r.PathPattern,
		Exclusive:   r.Exclusive,
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		ReleasedAt:  r.ReleasedAt,
		IsActive:    r.ActiveAt(s.now()),
	}
}

func (s *Service) toAPIReservations(rs []core.Reservation) reservationsResponse {
	out := make([]apiReservation, 0, len(rs))
	for _, r := range rs {
		out = append(out, s.toAPIReservation(r))
	}
	return reservationsResponse{Reservations: out}
}

func (s *Service) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	if req.TTLSeconds < 0 {
		badRequest(w, "ttl_seconds must not be negative")
		return
	}
	exclusive := true
	if req.Exclusive != nil {
		exclusive = *req.Exclusive
	}
	created, err := s.store.Reserve(r.Context(), core.ReserveRequest{
		Project:   project,
		Agent:     req.Agent,
		Patterns:  req.Patterns,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		Exclusive: exclusive,
		Reason:    req.Reason,
	})
	if err != nil {
		var conflict *core.ConflictError
		if errors.As(err, &conflict) {
			s.metrics.ReservationConflicts.Add(r.Context(), 1)
		}
		s.writeError(w, r, err)
		return
	}
	s.metrics.ReservationsGranted.Add(r.Context(), int64(len(created)),
		metric.WithAttributes(attribute.Bool("exclusive", exclusive)))
	for _, res := range created {
		s.broadcast(res.Project, "", reservationEvent(core.EventReservationCreated, res))
	}
	writeJSON(w, http.StatusCreated, s.toAPIReservations(created))
}

func (s *Service) handleListReservations(w http.ResponseWriter, r *http.Request) {
	project, ok := queryProject(w, r)
	if !ok {
		return
	}
	active, err := s.store.ActiveReservations(r.Context(), core.ReservationFilter{
		Project: project,
		Agent:   r.URL.Query().Get("agent"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toAPIReservations(active))
}

type releaseRequest struct {
	Project  string   `json:"project"`
	Agent    string   `json:"agent"`
	Patterns []string `json:"patterns"`
	All      bool     `json:"all"`
	ID       string   `json:"id"`
}

func (s *Service) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	released, err := s.release(r.Context(), project, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, res := range released {
		s.broadcast(res.Project, "", reservationEvent(core.EventReservationReleased, res))
	}
	writeJSON(w, http.StatusOK, s.toAPIReservations(released))
}

func (s *Service) release(ctx context.Context, project string, req releaseRequest) ([]core.Reservation, error) {
	if req.ID != "" {
		res, err := s.store.ReleaseByID(ctx, project, req.Agent, req.ID)
		if err != nil {
			return nil, err
		}
		return []core.Reservation{res}, nil
	}
	return s.store.Release(ctx, core.ReleaseRequest{
		Project:  project,
		Agent:    req.Agent,
		Patterns: req.Patterns,
		All:      req.All,
	})
}

type checkPathsRequest struct {
	Project string   `json:"project"`
	Agent   string   `json:"agent"`
	Paths   []string `json:"paths"`
}

type apiPathConflict struct {
	Path        string         `json:"path"`
	Reservation apiReservation `json:"reservation"`
}

type checkPathsResponse struct {
	Conflicts []apiPathConflict `json:"conflicts"`
}

func (s *Service) handleCheckPaths(w http.ResponseWriter, r *http.Request) {
	var req checkPathsRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	conflicts, err := s.store.CheckPaths(r.Context(), project, req.Agent, req.Paths)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]apiPathConflict, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, apiPathConflict{Path: c.Path, Reservation: s.toAPIReservation(c.Reservation)})
	}
	writeJSON(w, http.StatusOK, checkPathsResponse{Conflicts: out})
}

func reservationEvent(t core.EventType, r core.Reservation) map[string]any {
	return map[string]any{
		"type":           string(t),
		"project":        r.Project,
		"reservation_id": r.ID,
		"agent":          r.AgentName,
		"path_pattern":   r.PathPattern,
		"exclusive":      r.Exclusive,
		"expires_at":     r.ExpiresAt,
	}
}
