package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type EventType string

const (
	EventMessageCreated      EventType = "message.created"
	EventMessageAck          EventType = "message.ack"
	EventMessageRead         EventType = "message.read"
	EventAgentRegistered     EventType = "agent.registered"
	EventAgentHeartbeat      EventType = "agent.heartbeat"
	EventReservationCreated  EventType = "reservation.created"
	EventReservationReleased EventType = "reservation.released"
	EventReservationExpired  EventType = "reservation.expired"
	EventSessionState        EventType = "session.state"
	EventNextTask            EventType = "task.next"
)

// Project groups agents, messages and reservations. HumanKey is usually the
// absolute path of the workspace; Slug is derived from it and never changes.
type Project struct {
	ID        string
	Slug      string
	HumanKey  string
	CreatedAt time.Time
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// ProjectSlug derives the stable slug for a human project key.
func ProjectSlug(humanKey string) string {
	s := strings.ToLower(strings.TrimSpace(humanKey))
	s = slugUnsafe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "project"
	}
	if len(s) > 96 {
		s = strings.Trim(s[len(s)-96:], "-")
	}
	return s
}

type Agent struct {
	ID              string
	Project         string
	Name            string
	Program         string
	Model           string
	TaskDescription string
	CreatedAt       time.Time
	LastActive      time.Time
}

// AgentRegistration is the input to Register. An empty Name asks the store to
// generate one.
type AgentRegistration struct {
	Project         string
	Name            string
	Program         string
	Model           string
	TaskDescription string
}

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidateAgentName rejects names that cannot be used as a path segment or
// mail address.
func ValidateAgentName(name string) error {
	if !agentNamePattern.MatchString(name) {
		return fmt.Errorf("%w: agent name %q must be 1-64 letters, digits, '.', '_' or '-'", ErrInvalidInput, name)
	}
	return nil
}

// Reservation is an advisory lock over a path pattern.
type Reservation struct {
	ID          string
	Project     string
	AgentID     string
	AgentName   string
	PathPattern string
	Exclusive   bool
	Reason      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ReleasedAt  *time.Time
}

// ActiveAt reports whether the reservation holds at the given instant.
func (r Reservation) ActiveAt(now time.Time) bool {
	return r.ReleasedAt == nil && now.Before(r.ExpiresAt)
}

// IsActive reports whether the reservation holds right now.
func (r Reservation) IsActive() bool {
	return r.ActiveAt(time.Now())
}

type ReserveRequest struct {
	Project   string
	Agent     string
	Patterns  []string
	TTL       time.Duration
	Exclusive bool
	Reason    string
}

type ReleaseRequest struct {
	Project  string
	Agent    string
	Patterns []string
	All      bool
}

// ReservationFilter narrows ActiveReservations. Empty fields match everything.
type ReservationFilter struct {
	Project string
	Agent   string
}

const DefaultReservationTTL = time.Hour

type Importance string

const (
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// ParseImportance maps user input onto the closed set of importance levels.
// Empty input means normal.
func ParseImportance(s string) (Importance, error) {
	switch Importance(strings.ToLower(strings.TrimSpace(s))) {
	case "", ImportanceNormal:
		return ImportanceNormal, nil
	case ImportanceHigh:
		return ImportanceHigh, nil
	case ImportanceUrgent:
		return ImportanceUrgent, nil
	}
	return "", fmt.Errorf("%w: importance %q (want normal, high or urgent)", ErrInvalidInput, s)
}

type RecipientKind string

const (
	RecipientTo RecipientKind = "to"
	RecipientCC RecipientKind = "cc"
)

type Message struct {
	ID          string
	Project     string
	ThreadID    string
	From        string
	To          []string
	CC          []string
	Subject     string
	Body        string
	Importance  Importance
	AckRequired bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// ExpiredAt reports whether an ephemeral message has lapsed.
func (m Message) ExpiredAt(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Draft is the input to Send.
type Draft struct {
	Project     string
	From        string
	To          []string
	CC          []string
	Subject     string
	Body        string
	ThreadID    string
	Importance  Importance
	AckRequired bool
	ExpiresAt   *time.Time
}

type InboxOptions struct {
	UnreadOnly bool
	ThreadID   string
	MarkRead   bool
	Limit      int
}

// InboxItem is a message as seen by one recipient.
type InboxItem struct {
	Message Message
	Kind    RecipientKind
	ReadAt  *time.Time
	AckAt   *time.Time
}

// PendingAck is one recipient that still owes an acknowledgement.
type PendingAck struct {
	MessageID string
	ThreadID  string
	Subject   string
	From      string
	Agent     string
	Kind      RecipientKind
	CreatedAt time.Time
	ReadAt    *time.Time
}

// PathConflict pairs a concrete path with a reservation that covers it.
type PathConflict struct {
	Path        string
	Reservation Reservation
}

// SearchQuery is a full-text query over message subjects and bodies.
type SearchQuery struct {
	Text     string
	ThreadID string
	Limit    int
}
