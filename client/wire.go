package client

import (
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

type wireAgent struct {
	ID              string    `json:"id"`
	Project         string    `json:"project"`
	Name            string    `json:"name"`
	Program         string    `json:"program"`
	Model           string    `json:"model"`
	TaskDescription string    `json:"task_description"`
	CreatedAt       time.Time `json:"created_at"`
	LastActive      time.Time `json:"last_active"`
}

func (a wireAgent) core() core.Agent {
	return core.Agent{
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

type wireReservation struct {
	ID          string     `json:"id"`
	Project     string     `json:"project"`
	AgentID     string     `json:"agent_id"`
	Agent       string     `json:"agent"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ReleasedAt  *time.Time `json:"released_at"`
}

func (r wireReservation) core() core.Reservation {
	return core.Reservation{
		ID:          r.ID,
		Project:     r.Project,
		AgentID:     r.AgentID,
		AgentName:   r.Agent,
		PathPattern: r.PathPattern,
		Exclusive:   r.Exclusive,
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		ReleasedAt:  r.ReleasedAt,
	}
}

type reservationsBody struct {
	Reservations []wireReservation `json:"reservations"`
}

func (b reservationsBody) core() []core.Reservation {
	out := make([]core.Reservation, 0, len(b.Reservations))
	for _, r := range b.Reservations {
		out = append(out, r.core())
	}
	return out
}

type wireMessage struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Project     string     `json:"project"`
	From        string     `json:"from"`
	To          []string   `json:"to"`
	CC          []string   `json:"cc"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Importance  string     `json:"importance"`
	AckRequired bool       `json:"ack_required"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (m wireMessage) core() core.Message {
	return core.Message{
		ID:          m.ID,
		Project:     m.Project,
		ThreadID:    m.ThreadID,
		From:        m.From,
		To:          m.To,
		CC:          m.CC,
		Subject:     m.Subject,
		Body:        m.Body,
		Importance:  core.Importance(m.Importance),
		AckRequired: m.AckRequired,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
	}
}

type wireInboxItem struct {
	wireMessage
	Kind   string     `json:"kind"`
	ReadAt *time.Time `json:"read_at"`
	AckAt  *time.Time `json:"ack_at"`
}

type inboxBody struct {
	Messages []wireInboxItem `json:"messages"`
}

func (b inboxBody) core() []core.InboxItem {
	out := make([]core.InboxItem, 0, len(b.Messages))
	for _, it := range b.Messages {
		out = append(out, core.InboxItem{
			Message: it.wireMessage.core(),
			Kind:    core.RecipientKind(it.Kind),
			ReadAt:  it.ReadAt,
			AckAt:   it.AckAt,
		})
	}
	return out
}

type wirePendingAck struct {
	MessageID string     `json:"message_id"`
	ThreadID  string     `json:"thread_id"`
	Subject   string     `json:"subject"`
	From      string     `json:"from"`
	Agent     string     `json:"agent"`
	Kind      string     `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at"`
}

func (p wirePendingAck) core() core.PendingAck {
	return core.PendingAck{
		MessageID: p.MessageID,
		ThreadID:  p.ThreadID,
		Subject:   p.Subject,
		From:      p.From,
		Agent:     p.Agent,
		Kind:      core.RecipientKind(p.Kind),
		CreatedAt: p.CreatedAt,
		ReadAt:    p.ReadAt,
	}
}
