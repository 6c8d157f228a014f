package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/glob"
)

const reservationSelect = `SELECT r.id, p.slug, r.agent_id, a.name, r.path_pattern, r.exclusive, r.reason,
	r.created_ts, r.expires_ts, r.released_ts
	FROM file_reservations r
	JOIN agents a ON a.id = r.agent_id
	JOIN projects p ON p.id = r.project_id`

func scanReservation(row interface{ Scan(...any) error }) (core.Reservation, error) {
	var (
		r                core.Reservation
		exclusive        int
		created, expires int64
		released         sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Project, &r.AgentID, &r.AgentName, &r.PathPattern, &exclusive, &r.Reason,
		&created, &expires, &released); err != nil {
		return core.Reservation{}, err
	}
	r.Exclusive = exclusive != 0
	r.CreatedAt = fromTS(created)
	r.ExpiresAt = fromTS(expires)
	r.ReleasedAt = fromNullTS(released)
	return r, nil
}

func queryReservations(ctx context.Context, q queryer, query string, args ...any) ([]core.Reservation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()
	var out []core.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// activeInProject loads every active reservation in the project.
func activeInProject(ctx context.Context, q queryer, projectID string, now time.Time) ([]core.Reservation, error) {
	return queryReservations(ctx, q,
		reservationSelect+` WHERE r.project_id = ? AND r.released_ts IS NULL AND r.expires_ts > ?
		ORDER BY r.created_ts, r.id`,
		projectID, ts(now))
}

// normalizePatterns validates and canonicalizes requested patterns, dropping
// duplicates while keeping request order.
func normalizePatterns(patterns []string) ([]string, error) {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		if err := glob.Validate(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
		p := glob.Normalize(raw)
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// Reserve grants every requested pattern or none. The whole check and insert
// runs under one immediate write lock.
func (s *Store) Reserve(ctx context.Context, req core.ReserveRequest) ([]core.Reservation, error) {
	if len(req.Patterns) == 0 {
		return nil, fmt.Errorf("%w: at least one path pattern is required", core.ErrInvalidInput)
	}
	if req.TTL < 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", core.ErrInvalidInput)
	}
	patterns, err := normalizePatterns(req.Patterns)
	if err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = core.DefaultReservationTTL
	}

	var out []core.Reservation
	err = s.withTx(ctx, "reserve", func(tx *sql.Tx) error {
		now := s.now()
		if _, err := ensureProject(ctx, tx, req.Project, now); err != nil {
			return err
		}
		p, agent, err := actingAgent(ctx, tx, req.Project, req.Agent, now)
		if err != nil {
			return err
		}
		held, err := activeInProject(ctx, tx, p.id, now)
		if err != nil {
			return err
		}

		// A pattern the agent already holds verbatim is refreshed in place.
		// Any other overlap is checked like anyone else's, so an agent never
		// ends up with two overlapping rows where one is exclusive.
		refresh := make(map[string]core.Reservation)
		for _, h := range held {
			if h.AgentID == agent.ID {
				refresh[h.PathPattern] = h
			}
		}

		var conflicts []core.ConflictDetail
		for _, want := range patterns {
			for _, h := range held {
				if !h.Exclusive && !req.Exclusive {
					continue
				}
				if h.AgentID == agent.ID && h.PathPattern == want {
					continue
				}
				overlap, err := glob.PatternsOverlap(want, h.PathPattern)
				if err != nil {
					return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
				}
				if overlap {
					conflicts = append(conflicts, core.ConflictDetail{
						ReservationID: h.ID,
						HeldBy:        h.AgentName,
						Pattern:       h.PathPattern,
						Requested:     want,
						Exclusive:     h.Exclusive,
						ExpiresAt:     h.ExpiresAt,
					})
				}
			}
		}
		if len(conflicts) > 0 {
			return &core.ConflictError{Conflicts: conflicts}
		}

		expires := now.Add(ttl)
		for _, pattern := range patterns {
			if mine, ok := refresh[pattern]; ok {
				r, err := refreshReservation(ctx, tx, mine, req, expires)
				if err != nil {
					return err
				}
				out = append(out, r)
				continue
			}
			r := core.Reservation{
				ID:          uuid.NewString(),
				Project:     p.slug,
				AgentID:     agent.ID,
				AgentName:   agent.Name,
				PathPattern: pattern,
				Exclusive:   req.Exclusive,
				Reason:      req.Reason,
				CreatedAt:   now,
				ExpiresAt:   expires,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO file_reservations (id, project_id, agent_id, path_pattern, exclusive, reason, created_ts, expires_ts)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, p.id, r.AgentID, r.PathPattern, boolInt(r.Exclusive), r.Reason, ts(r.CreatedAt), ts(r.ExpiresAt),
			); err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// refreshReservation extends a held row. Expiry never moves earlier, the row
// only ever becomes more exclusive, and an empty reason keeps the old one.
func refreshReservation(ctx context.Context, tx *sql.Tx, r core.Reservation, req core.ReserveRequest, expires time.Time) (core.Reservation, error) {
	if expires.After(r.ExpiresAt) {
		r.ExpiresAt = expires
	}
	r.Exclusive = r.Exclusive || req.Exclusive
	if req.Reason != "" {
		r.Reason = req.Reason
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE file_reservations SET expires_ts = ?, exclusive = ?, reason = ? WHERE id = ?`,
		ts(r.ExpiresAt), boolInt(r.Exclusive), r.Reason, r.ID,
	); err != nil {
		return core.Reservation{}, fmt.Errorf("refresh reservation: %w", err)
	}
	return r, nil
}

// Release ends the agent's active reservations matching the given patterns,
// or all of them. Patterns with nothing active are silently skipped.
func (s *Store) Release(ctx context.Context, req core.ReleaseRequest) ([]core.Reservation, error) {
	if !req.All && len(req.Patterns) == 0 {
		return nil, fmt.Errorf("%w: patterns or all required", core.ErrInvalidInput)
	}
	wanted := make(map[string]bool, len(req.Patterns))
	for _, p := range req.Patterns {
		wanted[glob.Normalize(p)] = true
	}

	var out []core.Reservation
	err := s.withTx(ctx, "release", func(tx *sql.Tx) error {
		now := s.now()
		p, agent, err := actingAgent(ctx, tx, req.Project, req.Agent, now)
		if err != nil {
			return err
		}
		mine, err := queryReservations(ctx, tx,
			reservationSelect+` WHERE r.project_id = ? AND r.agent_id = ? AND r.released_ts IS NULL AND r.expires_ts > ?
			ORDER BY r.created_ts, r.id`,
			p.id, agent.ID, ts(now))
		if err != nil {
			return err
		}
		for _, r := range mine {
			if !req.All && !wanted[r.PathPattern] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE file_reservations SET released_ts = ? WHERE id = ? AND released_ts IS NULL`,
				ts(now), r.ID,
			); err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			released := now
			r.ReleasedAt = &released
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseByID ends one reservation owned by agent. Releasing a reservation
// that already ended returns it unchanged.
func (s *Store) ReleaseByID(ctx context.Context, project, agent, id string) (core.Reservation, error) {
	var out core.Reservation
	err := s.withTx(ctx, "release reservation", func(tx *sql.Tx) error {
		now := s.now()
		p, a, err := actingAgent(ctx, tx, project, agent, now)
		if err != nil {
			return err
		}
		r, err := scanReservation(tx.QueryRowContext(ctx,
			reservationSelect+` WHERE r.project_id = ? AND r.id = ?`, p.id, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: reservation %q", core.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("query reservation: %w", err)
		}
		if r.AgentID != a.ID {
			return fmt.Errorf("%w: reservation %q is held by %s", core.ErrInvalidInput, id, r.AgentName)
		}
		if r.ActiveAt(now) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE file_reservations SET released_ts = ? WHERE id = ?`, ts(now), r.ID,
			); err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			released := now
			r.ReleasedAt = &released
		}
		out = r
		return nil
	})
	return out, err
}

// ActiveReservations lists reservations active at read time. Expired rows are
// filtered out, never rewritten.
func (s *Store) ActiveReservations(ctx context.Context, filter core.ReservationFilter) ([]core.Reservation, error) {
	where := []string{"r.released_ts IS NULL", "r.expires_ts > ?"}
	args := []any{ts(s.now())}
	if filter.Project != "" {
		p, err := lookupProject(ctx, s.db, filter.Project)
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		where = append(where, "r.project_id = ?")
		args = append(args, p.id)
	}
	if filter.Agent != "" {
		where = append(where, "a.name = ?")
		args = append(args, filter.Agent)
	}
	return queryReservations(ctx, s.db,
		reservationSelect+" WHERE "+strings.Join(where, " AND ")+" ORDER BY p.slug, r.created_ts, r.id",
		args...)
}

// CheckPaths reports exclusive reservations held by other agents that cover
// any of the given concrete paths.
func (s *Store) CheckPaths(ctx context.Context, project, agent string, paths []string) ([]core.PathConflict, error) {
	p, err := lookupProject(ctx, s.db, project)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	agentID := ""
	if agent != "" {
		a, err := agentByName(ctx, s.db, p.id, agent)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		agentID = a.ID
	}
	held, err := activeInProject(ctx, s.db, p.id, s.now())
	if err != nil {
		return nil, err
	}

	var out []core.PathConflict
	for _, path := range paths {
		for _, h := range held {
			if !h.Exclusive || h.AgentID == agentID {
				continue
			}
			ok, err := glob.Match(h.PathPattern, path)
			if err != nil {
				s.logger.Warn("skip unmatchable reservation", "reservation", h.ID, "pattern", h.PathPattern, "error", err)
				continue
			}
			if ok {
				out = append(out, core.PathConflict{Path: glob.Normalize(path), Reservation: h})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ExpiredBetween returns reservations whose TTL lapsed in (after, before]
// without an explicit release. Rows are only read.
func (s *Store) ExpiredBetween(ctx context.Context, after, before time.Time) ([]core.Reservation, error) {
	var lo int64
	if !after.IsZero() {
		lo = ts(after)
	}
	return queryReservations(ctx, s.db,
		reservationSelect+` WHERE r.released_ts IS NULL AND r.expires_ts > ? AND r.expires_ts <= ?
		ORDER BY r.expires_ts, r.id`,
		lo, ts(before))
}
