package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

type sendMessageRequest struct {
	Project     string     `json:"project"`
	From        string     `json:"from"`
	To          []string   `json:"to"`
	CC          []string   `json:"cc,omitempty"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Importance  string     `json:"importance,omitempty"`
	AckRequired bool       `json:"ack_required,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type apiMessage struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Project     string     `json:"project"`
	From        string     `json:"from"`
	To          []string   `json:"to"`
	CC          []string   `json:"cc,omitempty"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Importance  string     `json:"importance"`
	AckRequired bool       `json:"ack_required,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type apiInboxItem struct {
	apiMessage
	Kind   string     `json:"kind"`
	ReadAt *time.Time `json:"read_at,omitempty"`
	AckAt  *time.Time `json:"ack_at,omitempty"`
}

type inboxResponse struct {
	Messages []apiInboxItem `json:"messages"`
}

type messagesResponse struct {
	Messages []apiMessage `json:"messages"`
}

func toAPIMessage(m core.Message) apiMessage {
	return apiMessage{
		ID:          m.ID,
		ThreadID:    m.ThreadID,
		Project:     m.Project,
		From:        m.From,
		To:          m.To,
		CC:          m.CC,
		Subject:     m.Subject,
		Body:        m.Body,
		Importance:  string(m.Importance),
		AckRequired: m.AckRequired,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
	}
}

func toAPIMessages(msgs []core.Message) messagesResponse {
	out := make([]apiMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toAPIMessage(m))
	}
	return messagesResponse{Messages: out}
}

func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	msg, err := s.store.SendMessage(r.Context(), core.Draft{
		Project:     project,
		From:        req.From,
		To:          req.To,
		CC:          req.CC,
		Subject:     req.Subject,
		Body:        req.Body,
		ThreadID:    req.ThreadID,
		Importance:  core.Importance(req.Importance),
		AckRequired: req.AckRequired,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.announce(r.Context(), msg)
	writeJSON(w, http.StatusOK, toAPIMessage(msg))
}

// announce tells every addressee about a new message.
func (s *Service) announce(ctx context.Context, msg core.Message) {
	s.metrics.MessagesSent.Add(ctx, 1)
	for _, agent := range append(append([]string{}, msg.To...), msg.CC...) {
		s.broadcast(msg.Project, agent, map[string]any{
			"type":       string(core.EventMessageCreated),
			"project":    msg.Project,
			"message_id": msg.ID,
			"thread_id":  msg.ThreadID,
			"from":       msg.From,
			"subject":    msg.Subject,
			"importance": string(msg.Importance),
			"agent":      agent,
		})
	}
}

func (s *Service) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	project, ok := queryProject(w, r)
	if !ok {
		return
	}
	msg, err := s.store.GetMessage(r.Context(), project, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIMessage(msg))
}

func (s *Service) handleInbox(w http.ResponseWriter, r *http.Request) {
	project, ok := queryProject(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	items, err := s.store.Inbox(r.Context(), project, r.PathValue("agent"), core.InboxOptions{
		UnreadOnly: queryBool(r, "unread"),
		ThreadID:   strings.TrimSpace(r.URL.Query().Get("thread")),
		MarkRead:   queryBool(r, "mark_read"),
		Limit:      limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInboxResponse(items))
}

func toInboxResponse(items []core.InboxItem) inboxResponse {
	out := make([]apiInboxItem, 0, len(items))
	for _, it := range items {
		out = append(out, apiInboxItem{
			apiMessage: toAPIMessage(it.Message),
			Kind:       string(it.Kind),
			ReadAt:     it.ReadAt,
			AckAt:      it.AckAt,
		})
	}
	return inboxResponse{Messages: out}
}

type messageActionRequest struct {
	Project string `json:"project"`
	Agent   string `json:"agent"`
	Body    string `json:"body,omitempty"`
}

func (s *Service) handleMessageAction(w http.ResponseWriter, r *http.Request) {
	msgID := r.PathValue("id")
	action := r.PathValue("action")
	var req messageActionRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}

	var evType core.EventType
	switch action {
	case "read":
		evType = core.EventMessageRead
		err := s.store.MarkRead(r.Context(), project, msgID, req.Agent)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	case "ack":
		evType = core.EventMessageAck
		err := s.store.Ack(r.Context(), project, msgID, req.Agent)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	case "reply":
		reply, err := s.store.Reply(r.Context(), project, msgID, req.Agent, req.Body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.announce(r.Context(), reply)
		writeJSON(w, http.StatusOK, toAPIMessage(reply))
		return
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "unknown action " + action})
		return
	}

	s.broadcast(core.ProjectSlug(project), "", map[string]any{
		"type":       string(evType),
		"project":    core.ProjectSlug(project),
		"message_id": msgID,
		"agent":      req.Agent,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	project, ok := queryProject(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	msgs, err := s.store.Search(r.Context(), project, core.SearchQuery{
		Text:     r.URL.Query().Get("q"),
		ThreadID: strings.TrimSpace(r.URL.Query().Get("thread")),
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIMessages(msgs))
}

type apiPendingAck struct {
	MessageID string     `json:"message_id"`
	ThreadID  string     `json:"thread_id,omitempty"`
	Subject   string     `json:"subject"`
	From      string     `json:"from"`
	Agent     string     `json:"agent"`
	Kind      string     `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

type pendingAcksResponse struct {
	Pending []apiPendingAck `json:"pending"`
}

func (s *Service) handlePendingAcks(w http.ResponseWriter, r *http.Request) {
	project, ok := queryProject(w, r)
	if !ok {
		return
	}
	pending, err := s.store.PendingAcks(r.Context(), project, r.URL.Query().Get("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]apiPendingAck, 0, len(pending))
	for _, p := range pending {
		out = append(out, apiPendingAck{
			MessageID: p.MessageID,
			ThreadID:  p.ThreadID,
			Subject:   p.Subject,
			From:      p.From,
			Agent:     p.Agent,
			Kind:      string(p.Kind),
			CreatedAt: p.CreatedAt,
			ReadAt:    p.ReadAt,
		})
	}
	writeJSON(w, http.StatusOK, pendingAcksResponse{Pending: out})
}
