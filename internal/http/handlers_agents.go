package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

type registerAgentRequest struct {
	Project         string `json:"project"`
	Name            string `json:"name"`
	Program         string `json:"program"`
	Model           string `json:"model"`
	TaskDescription string `json:"task_description"`
}

type apiAgent struct {
	ID              string    `json:"id"`
	Project         string    `json:"project"`
	Name            string    `json:"name"`
	Program         string    `json:"program"`
	Model           string    `json:"model"`
	TaskDescription string    `json:"task_description,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActive      time.Time `json:"last_active"`
}

type agentsResponse struct {
	Agents []apiAgent `json:"agents"`
}

func toAPIAgent(a core.Agent) apiAgent {
	return apiAgent{
		ID:              a.ID,
		Project:         a.Project,
		Name:            a.Name,
		Program:         a.Program,
		Model:           a.Model,
		TaskDescription: a.TaskDescription,
		CreatedAt:       a.CreatedAt,
		LastActive:      a.LastActive,
	}
}

func (s *Service) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	agent, err := s.store.RegisterAgent(r.Context(), core.AgentRegistration{
		Project:         project,
		Name:            req.Name,
		Program:         req.Program,
		Model:           req.Model,
		TaskDescription: req.TaskDescription,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.broadcast(agent.Project, "", map[string]any{
		"type":    string(core.EventAgentRegistered),
		"project": agent.Project,
		"agent":   agent.Name,
	})
	writeJSON(w, http.StatusOK, toAPIAgent(agent))
}

func (s *Service) handleListAgents(w http.ResponseWriter, r *http.Request) {
	project, ok := queryProject(w, r)
	if !ok {
		return
	}
	agents, err := s.store.ListAgents(r.Context(), project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]apiAgent, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAPIAgent(a))
	}
	writeJSON(w, http.StatusOK, agentsResponse{Agents: out})
}

func (s *Service) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	project, ok := queryProject(w, r)
	if !ok {
		return
	}
	agent, err := s.store.GetAgent(r.Context(), project, r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIAgent(agent))
}

type heartbeatRequest struct {
	Project string `json:"project"`
}

func (s *Service) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	if req.Project == "" {
		req.Project = r.URL.Query().Get("project")
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	agent, err := s.store.Touch(r.Context(), project, r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.broadcast(agent.Project, "", map[string]any{
		"type":    string(core.EventAgentHeartbeat),
		"project": agent.Project,
		"agent":   agent.Name,
	})
	writeJSON(w, http.StatusOK, toAPIAgent(agent))
}
