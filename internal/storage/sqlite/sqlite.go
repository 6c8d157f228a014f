package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

// dsnParams makes every BEGIN take the write lock up front. Together with a
// single pooled connection this closes the check-then-insert window in Reserve.
const dsnParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// Store is the SQLite-backed coordination store.
type Store struct {
	db      dbHandle
	logger  *slog.Logger
	nowFunc func() time.Time // for testing
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for slow query and transaction reports.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the wall clock used to stamp and evaluate rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// DSN returns the driver connection string for a database file.
func DSN(path string) string {
	return path + "?" + dsnParams
}

// New opens (creating if needed) the database at path and applies the schema.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(DSN(path), opts...)
}

// NewInMemory opens a private in-memory database. It lives as long as the
// Store's single connection.
func NewInMemory(opts ...Option) (*Store, error) {
	return open(":memory:?_txlock=immediate&_pragma=foreign_keys(1)", opts...)
}

func open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection serializes in-process writers
	// and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{
		logger:  slog.Default().With("component", "store"),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.db = &queryLogger{inner: db, logger: s.logger}
	return s, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.nowFunc().UTC()
}

// queryer is satisfied by *sql.Tx and dbHandle.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside one immediate transaction. Errors from fn are returned
// unchanged so domain errors keep their identity.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	if d := time.Since(start); d >= slowQueryThreshold {
		s.logger.Warn("slow transaction", "op", op, "duration", d.Round(time.Millisecond))
	}
	return nil
}

type projectRow struct {
	id   string
	slug string
}

// ensureProject returns the project for key, creating it on first reference.
func ensureProject(ctx context.Context, tx *sql.Tx, key string, now time.Time) (projectRow, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return projectRow{}, fmt.Errorf("%w: project required", core.ErrInvalidInput)
	}
	p, err := lookupProject(ctx, tx, key)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return projectRow{}, err
	}
	slug, err := freeSlug(ctx, tx, key)
	if err != nil {
		return projectRow{}, err
	}
	p = projectRow{id: uuid.NewString(), slug: slug}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (id, slug, human_key, created_at) VALUES (?, ?, ?, ?)`,
		p.id, p.slug, key, ts(now),
	); err != nil {
		return projectRow{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// lookupProject resolves an exact human key, or else an exact slug, without
// creating anything. Keys that merely derive the same slug stay distinct.
func lookupProject(ctx context.Context, q queryer, key string) (projectRow, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return projectRow{}, fmt.Errorf("%w: project required", core.ErrInvalidInput)
	}
	var p projectRow
	err := q.QueryRowContext(ctx,
		`SELECT id, slug FROM projects WHERE human_key = ? OR slug = ?
		 ORDER BY human_key = ? DESC LIMIT 1`, key, key, key,
	).Scan(&p.id, &p.slug)
	if errors.Is(err, sql.ErrNoRows) {
		return projectRow{}, fmt.Errorf("%w: project %q", core.ErrNotFound, key)
	}
	if err != nil {
		return projectRow{}, fmt.Errorf("query project: %w", err)
	}
	return p, nil
}

// freeSlug derives the slug for a new project. When another human key already
// owns that slug a short hash of key is appended.
func freeSlug(ctx context.Context, q queryer, key string) (string, error) {
	slug := core.ProjectSlug(key)
	var taken int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE slug = ?`, slug).Scan(&taken); err != nil {
		return "", fmt.Errorf("query slug: %w", err)
	}
	if taken == 0 {
		return slug, nil
	}
	sum := sha256.Sum256([]byte(key))
	return slug + "-" + hex.EncodeToString(sum[:4]), nil
}

// ListProjects returns every known project ordered by slug.
func (s *Store) ListProjects(ctx context.Context) ([]core.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, slug, human_key, created_at FROM projects ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()
	var out []core.Project
	for rows.Next() {
		var (
			p       core.Project
			created int64
		)
		if err := rows.Scan(&p.ID, &p.Slug, &p.HumanKey, &created); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt = fromTS(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func ts(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromTS(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts(*t), Valid: true}
}

func fromNullTS(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromTS(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
