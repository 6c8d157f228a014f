package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/names"
)

const nameAttempts = 32

const agentColumns = `a.id, p.slug, a.name, a.program, a.model, a.task_description, a.inception_ts, a.last_active_ts`

func scanAgent(row interface{ Scan(...any) error }) (core.Agent, error) {
	var (
		a                 core.Agent
		created, lastSeen int64
	)
	if err := row.Scan(&a.ID, &a.Project, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &created, &lastSeen); err != nil {
		return core.Agent{}, err
	}
	a.CreatedAt = fromTS(created)
	a.LastActive = fromTS(lastSeen)
	return a, nil
}

func agentByName(ctx context.Context, q queryer, projectID, name string) (core.Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents a JOIN projects p ON p.id = a.project_id
		 WHERE a.project_id = ? AND a.name = ?`, projectID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, fmt.Errorf("%w: agent %q", core.ErrNotFound, name)
	}
	if err != nil {
		return core.Agent{}, fmt.Errorf("query agent: %w", err)
	}
	return a, nil
}

func touchAgent(ctx context.Context, tx *sql.Tx, a *core.Agent, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_active_ts = ? WHERE id = ?`, ts(now), a.ID); err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	a.LastActive = now
	return nil
}

// actingAgent resolves the project and agent behind an agent operation and
// refreshes the agent's last-active stamp in the same transaction.
func actingAgent(ctx context.Context, tx *sql.Tx, project, name string, now time.Time) (projectRow, core.Agent, error) {
	if strings.TrimSpace(name) == "" {
		return projectRow{}, core.Agent{}, fmt.Errorf("%w: agent required", core.ErrInvalidInput)
	}
	p, err := lookupProject(ctx, tx, project)
	if err != nil {
		return projectRow{}, core.Agent{}, err
	}
	a, err := agentByName(ctx, tx, p.id, name)
	if err != nil {
		return projectRow{}, core.Agent{}, err
	}
	if err := touchAgent(ctx, tx, &a, now); err != nil {
		return projectRow{}, core.Agent{}, err
	}
	return p, a, nil
}

// RegisterAgent upserts an agent. With no name a fresh adjective+noun name is
// generated; an existing name has its program, model and task refreshed.
func (s *Store) RegisterAgent(ctx context.Context, reg core.AgentRegistration) (core.Agent, error) {
	reg.Program = strings.TrimSpace(reg.Program)
	reg.Model = strings.TrimSpace(reg.Model)
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Program == "" || reg.Model == "" {
		return core.Agent{}, fmt.Errorf("%w: program and model are required", core.ErrInvalidInput)
	}
	if reg.Name != "" {
		if err := core.ValidateAgentName(reg.Name); err != nil {
			return core.Agent{}, err
		}
	}

	var out core.Agent
	err := s.withTx(ctx, "register agent", func(tx *sql.Tx) error {
		now := s.now()
		p, err := ensureProject(ctx, tx, reg.Project, now)
		if err != nil {
			return err
		}

		name := reg.Name
		if name == "" {
			name, err = freeName(ctx, tx, p.id)
			if err != nil {
				return err
			}
		} else {
			existing, err := agentByName(ctx, tx, p.id, name)
			if err == nil {
				if _, err := tx.ExecContext(ctx,
					`UPDATE agents SET program = ?, model = ?, task_description = ?, last_active_ts = ? WHERE id = ?`,
					reg.Program, reg.Model, reg.TaskDescription, ts(now), existing.ID,
				); err != nil {
					return fmt.Errorf("update agent: %w", err)
				}
				existing.Program = reg.Program
				existing.Model = reg.Model
				existing.TaskDescription = reg.TaskDescription
				existing.LastActive = now
				out = existing
				return nil
			}
			if !errors.Is(err, core.ErrNotFound) {
				return err
			}
		}

		out = core.Agent{
			ID:              uuid.NewString(),
			Project:         p.slug,
			Name:            name,
			Program:         reg.Program,
			Model:           reg.Model,
			TaskDescription: reg.TaskDescription,
			CreatedAt:       now,
			LastActive:      now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, project_id, name, program, model, task_description, inception_ts, last_active_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			out.ID, p.id, out.Name, out.Program, out.Model, out.TaskDescription, ts(now), ts(now),
		); err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
	return out, err
}

// freeName draws generated names until one is unused in the project. After
// nameAttempts collisions it falls back to a numbered variant.
func freeName(ctx context.Context, tx *sql.Tx, projectID string) (string, error) {
	taken := func(name string) (bool, error) {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agents WHERE project_id = ? AND name = ?`, projectID, name,
		).Scan(&n); err != nil {
			return false, fmt.Errorf("check agent name: %w", err)
		}
		return n > 0, nil
	}
	var candidate string
	for i := 0; i < nameAttempts; i++ {
		candidate = names.Generate()
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	for i := 2; ; i++ {
		numbered := fmt.Sprintf("%s%d", candidate, i)
		used, err := taken(numbered)
		if err != nil {
			return "", err
		}
		if !used {
			return numbered, nil
		}
	}
}

// Touch refreshes an agent's last-active timestamp.
func (s *Store) Touch(ctx context.Context, project, name string) (core.Agent, error) {
	var out core.Agent
	err := s.withTx(ctx, "touch agent", func(tx *sql.Tx) error {
		_, a, err := actingAgent(ctx, tx, project, name, s.now())
		out = a
		return err
	})
	return out, err
}

func (s *Store) GetAgent(ctx context.Context, project, name string) (core.Agent, error) {
	p, err := lookupProject(ctx, s.db, project)
	if err != nil {
		return core.Agent{}, err
	}
	return agentByName(ctx, s.db, p.id, name)
}

func (s *Store) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	p, err := lookupProject(ctx, s.db, project)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents a JOIN projects p ON p.id = a.project_id
		 WHERE a.project_id = ? ORDER BY a.name`, p.id)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
