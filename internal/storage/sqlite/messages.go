package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mistakeknot/interlock/internal/core"
)

const (
	defaultInboxLimit  = 50
	defaultSearchLimit = 20
	maxListLimit       = 1000
)

const messageSelect = `SELECT m.id, p.slug, m.thread_id, s.name, m.subject, m.body, m.importance,
	m.ack_required, m.created_ts, m.expires_ts
	FROM messages m
	JOIN agents s ON s.id = m.sender_id
	JOIN projects p ON p.id = m.project_id`

func scanMessage(row interface{ Scan(...any) error }, extra ...any) (core.Message, error) {
	var (
		m          core.Message
		importance string
		ack        int
		thread     sql.NullString
		created    int64
		expires    sql.NullInt64
	)
	dest := append([]any{&m.ID, &m.Project, &thread, &m.From, &m.Subject, &m.Body, &importance,
		&ack, &created, &expires}, extra...)
	if err := row.Scan(dest...); err != nil {
		return core.Message{}, err
	}
	m.ThreadID = thread.String
	m.Importance = core.Importance(importance)
	m.AckRequired = ack != 0
	m.CreatedAt = fromTS(created)
	m.ExpiresAt = fromNullTS(expires)
	return m, nil
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// fillRecipients loads To and CC for the given messages in one query.
func fillRecipients(ctx context.Context, q queryer, msgs []core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	args := make([]any, 0, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		args = append(args, m.ID)
	}
	rows, err := q.QueryContext(ctx,
		`SELECT r.message_id, a.name, r.kind FROM message_recipients r
		 JOIN agents a ON a.id = r.agent_id
		 WHERE r.message_id IN (`+placeholders(len(args))+`)
		 ORDER BY r.rowid`, args...)
	if err != nil {
		return fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name, kind string
		if err := rows.Scan(&id, &name, &kind); err != nil {
			return fmt.Errorf("scan recipient: %w", err)
		}
		i := index[id]
		if core.RecipientKind(kind) == core.RecipientCC {
			msgs[i].CC = append(msgs[i].CC, name)
		} else {
			msgs[i].To = append(msgs[i].To, name)
		}
	}
	return rows.Err()
}

func loadMessage(ctx context.Context, q queryer, projectID, id string) (core.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, messageSelect+` WHERE m.project_id = ? AND m.id = ?`, projectID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, fmt.Errorf("%w: message %q", core.ErrNotFound, id)
	}
	if err != nil {
		return core.Message{}, fmt.Errorf("query message: %w", err)
	}
	msgs := []core.Message{m}
	if err := fillRecipients(ctx, q, msgs); err != nil {
		return core.Message{}, err
	}
	return msgs[0], nil
}

type recipient struct {
	agentID string
	name    string
	kind    core.RecipientKind
}

// resolveRecipients maps names to registered agents. A name listed in both
// to and cc is addressed as to.
func resolveRecipients(ctx context.Context, tx *sql.Tx, projectID string, to, cc []string) ([]recipient, error) {
	seen := make(map[string]bool)
	var out []recipient
	add := func(names []string, kind core.RecipientKind) error {
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			a, err := agentByName(ctx, tx, projectID, name)
			if err != nil {
				return fmt.Errorf("recipient: %w", err)
			}
			seen[name] = true
			out = append(out, recipient{agentID: a.ID, name: a.Name, kind: kind})
		}
		return nil
	}
	if err := add(to, core.RecipientTo); err != nil {
		return nil, err
	}
	if err := add(cc, core.RecipientCC); err != nil {
		return nil, err
	}
	return out, nil
}

// insertMessage writes the message and its recipient rows. The FTS index is
// kept current by triggers.
func insertMessage(ctx context.Context, tx *sql.Tx, projectID string, sender core.Agent, m *core.Message, rcpts []recipient) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, project_id, sender_id, thread_id, subject, body, importance, ack_required, created_ts, expires_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, projectID, sender.ID, nullString(m.ThreadID), m.Subject, m.Body, string(m.Importance), boolInt(m.AckRequired),
		ts(m.CreatedAt), nullTS(m.ExpiresAt),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.To, m.CC = nil, nil
	for _, r := range rcpts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_recipients (message_id, agent_id, kind) VALUES (?, ?, ?)`,
			m.ID, r.agentID, string(r.kind),
		); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
		if r.kind == core.RecipientCC {
			m.CC = append(m.CC, r.name)
		} else {
			m.To = append(m.To, r.name)
		}
	}
	return nil
}

// SendMessage stores a message and its recipient rows atomically.
func (s *Store) SendMessage(ctx context.Context, d core.Draft) (core.Message, error) {
	subject := strings.TrimSpace(d.Subject)
	if subject == "" {
		return core.Message{}, fmt.Errorf("%w: subject required", core.ErrInvalidInput)
	}
	if len(d.To) == 0 {
		return core.Message{}, fmt.Errorf("%w: at least one recipient required", core.ErrInvalidInput)
	}
	importance, err := core.ParseImportance(string(d.Importance))
	if err != nil {
		return core.Message{}, err
	}

	var out core.Message
	err = s.withTx(ctx, "send message", func(tx *sql.Tx) error {
		now := s.now()
		if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
			return fmt.Errorf("%w: expires_at must be in the future", core.ErrInvalidInput)
		}
		p, sender, err := actingAgent(ctx, tx, d.Project, d.From, now)
		if err != nil {
			return err
		}
		rcpts, err := resolveRecipients(ctx, tx, p.id, d.To, d.CC)
		if err != nil {
			return err
		}
		if len(rcpts) == 0 {
			return fmt.Errorf("%w: at least one recipient required", core.ErrInvalidInput)
		}
		out = core.Message{
			ID:          uuid.NewString(),
			Project:     p.slug,
			ThreadID:    strings.TrimSpace(d.ThreadID),
			From:        sender.Name,
			Subject:     subject,
			Body:        d.Body,
			Importance:  importance,
			AckRequired: d.AckRequired,
			CreatedAt:   now,
			ExpiresAt:   d.ExpiresAt,
		}
		return insertMessage(ctx, tx, p.id, sender, &out, rcpts)
	})
	return out, err
}

func (s *Store) GetMessage(ctx context.Context, project, id string) (core.Message, error) {
	p, err := lookupProject(ctx, s.db, project)
	if err != nil {
		return core.Message{}, err
	}
	return loadMessage(ctx, s.db, p.id, id)
}

// Inbox lists messages addressed to agent, newest first. Expired messages are
// never returned. With MarkRead the returned items are stamped read.
func (s *Store) Inbox(ctx context.Context, project, agent string, opts core.InboxOptions) ([]core.InboxItem, error) {
	var out []core.InboxItem
	err := s.withTx(ctx, "inbox", func(tx *sql.Tx) error {
		now := s.now()
		_, a, err := actingAgent(ctx, tx, project, agent, now)
		if err != nil {
			return err
		}

		where := []string{"r.agent_id = ?", "(m.expires_ts IS NULL OR m.expires_ts > ?)"}
		args := []any{a.ID, ts(now)}
		if opts.UnreadOnly {
			where = append(where, "r.read_ts IS NULL")
		}
		if opts.ThreadID != "" {
			where = append(where, "(m.thread_id = ? OR m.id = ?)")
			args = append(args, opts.ThreadID, opts.ThreadID)
		}
		args = append(args, clampLimit(opts.Limit, defaultInboxLimit))

		rows, err := tx.QueryContext(ctx,
			messageSelect+` JOIN message_recipients r ON r.message_id = m.id
			 WHERE `+strings.Join(where, " AND ")+`
			 ORDER BY m.created_ts DESC, m.seq DESC LIMIT ?`,
			args...)
		if err != nil {
			return fmt.Errorf("query inbox: %w", err)
		}
		var (
			msgs  []core.Message
			items []core.InboxItem
		)
		for rows.Next() {
			var (
				kind       string
				read, ackd sql.NullInt64
			)
			m, err := scanMessage(rows, &kind, &read, &ackd)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan inbox: %w", err)
			}
			msgs = append(msgs, m)
			items = append(items, core.InboxItem{
				Kind:   core.RecipientKind(kind),
				ReadAt: fromNullTS(read),
				AckAt:  fromNullTS(ackd),
			})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("read inbox: %w", err)
		}
		rows.Close()

		if err := fillRecipients(ctx, tx, msgs); err != nil {
			return err
		}
		for i := range items {
			items[i].Message = msgs[i]
			if opts.MarkRead && items[i].ReadAt == nil {
				if _, err := tx.ExecContext(ctx,
					`UPDATE message_recipients SET read_ts = ? WHERE message_id = ? AND agent_id = ? AND read_ts IS NULL`,
					ts(now), msgs[i].ID, a.ID,
				); err != nil {
					return fmt.Errorf("mark read: %w", err)
				}
				readAt := now
				items[i].ReadAt = &readAt
			}
		}
		out = items
		return nil
	})
	return out, err
}

// recipientRow resolves the caller's recipient row for a message.
func recipientRow(ctx context.Context, tx *sql.Tx, projectID, messageID string, a core.Agent) error {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE project_id = ? AND id = ?`, projectID, messageID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: message %q", core.ErrNotFound, messageID)
	}
	if err != nil {
		return fmt.Errorf("query message: %w", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM message_recipients WHERE message_id = ? AND agent_id = ?`, messageID, a.ID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s is not addressed by message %q", core.ErrNotRecipient, a.Name, messageID)
	}
	if err != nil {
		return fmt.Errorf("query recipient: %w", err)
	}
	return nil
}

// MarkRead stamps read_ts for the agent's copy of a message. Repeat calls keep
// the first stamp.
func (s *Store) MarkRead(ctx context.Context, project, messageID, agent string) error {
	return s.withTx(ctx, "mark read", func(tx *sql.Tx) error {
		now := s.now()
		p, a, err := actingAgent(ctx, tx, project, agent, now)
		if err != nil {
			return err
		}
		if err := recipientRow(ctx, tx, p.id, messageID, a); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE message_recipients SET read_ts = COALESCE(read_ts, ?) WHERE message_id = ? AND agent_id = ?`,
			ts(now), messageID, a.ID,
		); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		return nil
	})
}

// Ack stamps ack_ts, and read_ts when still unset. Acknowledging twice is a
// no-op.
func (s *Store) Ack(ctx context.Context, project, messageID, agent string) error {
	return s.withTx(ctx, "ack", func(tx *sql.Tx) error {
		now := s.now()
		p, a, err := actingAgent(ctx, tx, project, agent, now)
		if err != nil {
			return err
		}
		if err := recipientRow(ctx, tx, p.id, messageID, a); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE message_recipients SET ack_ts = COALESCE(ack_ts, ?), read_ts = COALESCE(read_ts, ?)
			 WHERE message_id = ? AND agent_id = ?`,
			ts(now), ts(now), messageID, a.ID,
		); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		return nil
	})
}

// ReplySubject prefixes "Re: " unless the subject already carries it.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// Reply answers a message in its thread. The original message's ID becomes
// the thread when it had none. The original sender is addressed directly and
// the other participants are copied.
func (s *Store) Reply(ctx context.Context, project, messageID, agent, body string) (core.Message, error) {
	var out core.Message
	err := s.withTx(ctx, "reply", func(tx *sql.Tx) error {
		now := s.now()
		p, replier, err := actingAgent(ctx, tx, project, agent, now)
		if err != nil {
			return err
		}
		orig, err := loadMessage(ctx, tx, p.id, messageID)
		if err != nil {
			return err
		}
		if !participates(orig, replier.Name) {
			return fmt.Errorf("%w: %s did not take part in message %q", core.ErrNotRecipient, replier.Name, messageID)
		}

		var to, cc []string
		if orig.From == replier.Name {
			to = without(orig.To, replier.Name)
			cc = without(orig.CC, replier.Name)
		} else {
			to = []string{orig.From}
			cc = without(without(append(append([]string{}, orig.To...), orig.CC...), replier.Name), orig.From)
		}
		if len(to) == 0 {
			to = []string{replier.Name}
		}
		rcpts, err := resolveRecipients(ctx, tx, p.id, to, cc)
		if err != nil {
			return err
		}

		thread := orig.ThreadID
		if thread == "" {
			thread = orig.ID
		}
		out = core.Message{
			ID:         uuid.NewString(),
			Project:    p.slug,
			ThreadID:   thread,
			From:       replier.Name,
			Subject:    ReplySubject(orig.Subject),
			Body:       body,
			Importance: orig.Importance,
			CreatedAt:  now,
		}
		return insertMessage(ctx, tx, p.id, replier, &out, rcpts)
	})
	return out, err
}

func participates(m core.Message, name string) bool {
	if m.From == name {
		return true
	}
	for _, n := range m.To {
		if n == name {
			return true
		}
	}
	for _, n := range m.CC {
		if n == name {
			return true
		}
	}
	return false
}

func without(list []string, name string) []string {
	out := make([]string, 0, len(list))
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// ftsQuery turns free text into an FTS5 expression in which every term is a
// quoted string, so user input cannot inject operators. A trailing '*' keeps
// prefix matching.
func ftsQuery(text string) string {
	var terms []string
	for _, f := range strings.Fields(text) {
		prefix := strings.HasSuffix(f, "*")
		f = strings.TrimRight(f, "*")
		if f == "" {
			continue
		}
		term := `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
		if prefix {
			term += "*"
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " ")
}

// Search runs a full-text match over subject and body, best match first.
func (s *Store) Search(ctx context.Context, project string, q core.SearchQuery) ([]core.Message, error) {
	match := ftsQuery(q.Text)
	if match == "" {
		return nil, fmt.Errorf("%w: search query required", core.ErrInvalidInput)
	}
	p, err := lookupProject(ctx, s.db, project)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	where := []string{"messages_fts MATCH ?", "m.project_id = ?", "(m.expires_ts IS NULL OR m.expires_ts > ?)"}
	args := []any{match, p.id, ts(s.now())}
	if q.ThreadID != "" {
		where = append(where, "(m.thread_id = ? OR m.id = ?)")
		args = append(args, q.ThreadID, q.ThreadID)
	}
	args = append(args, clampLimit(q.Limit, defaultSearchLimit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, p.slug, m.thread_id, s.name, m.subject, m.body, m.importance,
		 m.ack_required, m.created_ts, m.expires_ts
		 FROM messages_fts
		 JOIN messages m ON m.seq = messages_fts.rowid
		 JOIN agents s ON s.id = m.sender_id
		 JOIN projects p ON p.id = m.project_id
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY bm25(messages_fts), m.created_ts DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	var out []core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("search messages: %w", err)
	}
	rows.Close()
	if err := fillRecipients(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PendingAcks lists recipients that still owe an acknowledgement, oldest
// first. An empty agent covers the whole project.
func (s *Store) PendingAcks(ctx context.Context, project, agent string) ([]core.PendingAck, error) {
	p, err := lookupProject(ctx, s.db, project)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	where := []string{"m.project_id = ?", "m.ack_required = 1", "r.ack_ts IS NULL", "(m.expires_ts IS NULL OR m.expires_ts > ?)"}
	args := []any{p.id, ts(s.now())}
	if agent != "" {
		where = append(where, "a.name = ?")
		args = append(args, agent)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.thread_id, m.subject, s.name, a.name, r.kind, m.created_ts, r.read_ts
		 FROM message_recipients r
		 JOIN messages m ON m.id = r.message_id
		 JOIN agents s ON s.id = m.sender_id
		 JOIN agents a ON a.id = r.agent_id
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY m.created_ts, m.seq, a.name`, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending acks: %w", err)
	}
	defer rows.Close()
	var out []core.PendingAck
	for rows.Next() {
		var (
			pa      core.PendingAck
			thread  sql.NullString
			kind    string
			created int64
			read    sql.NullInt64
		)
		if err := rows.Scan(&pa.MessageID, &thread, &pa.Subject, &pa.From, &pa.Agent, &kind, &created, &read); err != nil {
			return nil, fmt.Errorf("scan pending ack: %w", err)
		}
		pa.ThreadID = thread.String
		pa.Kind = core.RecipientKind(kind)
		pa.CreatedAt = fromTS(created)
		pa.ReadAt = fromNullTS(read)
		out = append(out, pa)
	}
	return out, rows.Err()
}
