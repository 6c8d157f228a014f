package storage

import (
	"context"

	"github.com/mistakeknot/interlock/internal/core"
)

// Store is the coordination store shared by every agent in a workspace.
//
// Project arguments accept either the human key (usually an absolute path) or
// its slug; both resolve to the same project. Mutating calls create the
// project on first reference, read calls treat an unknown project as empty.
type Store interface {
	RegisterAgent(ctx context.Context, reg core.AgentRegistration) (core.Agent, error)
	Touch(ctx context.Context, project, name string) (core.Agent, error)
	GetAgent(ctx context.Context, project, name string) (core.Agent, error)
	ListAgents(ctx context.Context, project string) ([]core.Agent, error)

	Reserve(ctx context.Context, req core.ReserveRequest) ([]core.Reservation, error)
	Release(ctx context.Context, req core.ReleaseRequest) ([]core.Reservation, error)
	ReleaseByID(ctx context.Context, project, agent, id string) (core.Reservation, error)
	ActiveReservations(ctx context.Context, filter core.ReservationFilter) ([]core.Reservation, error)
	// CheckPaths reports active reservations held by agents other than agent
	// whose pattern matches one of the concrete paths.
	CheckPaths(ctx context.Context, project, agent string, paths []string) ([]core.PathConflict, error)

	SendMessage(ctx context.Context, draft core.Draft) (core.Message, error)
	GetMessage(ctx context.Context, project, id string) (core.Message, error)
	Inbox(ctx context.Context, project, agent string, opts core.InboxOptions) ([]core.InboxItem, error)
	MarkRead(ctx context.Context, project, messageID, agent string) error
	Ack(ctx context.Context, project, messageID, agent string) error
	Reply(ctx context.Context, project, messageID, agent, body string) (core.Message, error)
	Search(ctx context.Context, project string, q core.SearchQuery) ([]core.Message, error)
	PendingAcks(ctx context.Context, project, agent string) ([]core.PendingAck, error)

	Close() error
}
