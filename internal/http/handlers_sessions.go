package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/monitor"
	"github.com/mistakeknot/interlock/internal/picker"
	"github.com/mistakeknot/interlock/internal/session"
)

type closedTaskJSON struct {
	ID       string    `json:"id"`
	ClosedAt time.Time `json:"closed_at"`
}

// detectRequest either carries the output to classify or names a session
// whose output the supervisor fetches.
type detectRequest struct {
	SessionID   string          `json:"session_id"`
	Agent       string          `json:"agent"`
	Project     string          `json:"project"`
	Output      *string         `json:"output"`
	CurrentTask string          `json:"current_task"`
	LastClosed  *closedTaskJSON `json:"last_closed"`
}

func (s *Service) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	now := s.now()

	if req.Output != nil {
		in := session.Input{Output: *req.Output, CurrentTask: req.CurrentTask, Now: now}
		obs := monitor.Observation{
			SessionID:   req.SessionID,
			Agent:       req.Agent,
			Project:     req.Project,
			CurrentTask: req.CurrentTask,
			ObservedAt:  now,
		}
		if req.LastClosed != nil {
			in.LastClosed = &session.ClosedTask{ID: req.LastClosed.ID, ClosedAt: req.LastClosed.ClosedAt}
			obs.LastClosed = req.LastClosed.ID
		}
		obs.State = session.Detect(in)
		writeJSON(w, http.StatusOK, obs)
		return
	}

	if strings.TrimSpace(req.SessionID) == "" {
		badRequest(w, "session_id or output required")
		return
	}
	if s.sup == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "unavailable", Message: "no supervisor configured"})
		return
	}
	obs, _, err := monitor.Observe(r.Context(), s.sup, s.trk, monitor.Watch{
		SessionID: req.SessionID,
		Agent:     req.Agent,
		Project:   req.Project,
	}, now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

type nextRequest struct {
	CompletedID string `json:"completed_id"`
	Project     string `json:"project"`
	// PreferEpic defaults to true when omitted.
	PreferEpic *bool `json:"prefer_epic"`
}

type nextResponse struct {
	Next *picker.Pick `json:"next"`
}

func (s *Service) handleNext(w http.ResponseWriter, r *http.Request) {
	var req nextRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if s.trk == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "unavailable", Message: "no tracker configured"})
		return
	}
	prefer := true
	if req.PreferEpic != nil {
		prefer = *req.PreferEpic
	}
	pick, err := picker.New(s.trk).Next(r.Context(), picker.Request{
		CompletedID: req.CompletedID,
		Project:     req.Project,
		PreferEpic:  prefer,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pick != nil {
		s.metrics.TasksSuggested.Add(r.Context(), 1)
	}
	writeJSON(w, http.StatusOK, nextResponse{Next: pick})
}
