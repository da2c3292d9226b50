package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/faults"
)

// Session is the durable record binding a browser identity to its
// session key. The key is what every other component addresses the
// session by; the record outlives pool handles and process restarts.
type Session struct {
	Key       string
	UserHash  string
	CreatedAt time.Time
	LastSeen  time.Time
}

// Registry persists session records in SQLite. When a cap is set, the
// records least recently seen are pruned as new sessions register.
type Registry struct {
	db          *sql.DB
	maxSessions int
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	user_hash   TEXT NOT NULL UNIQUE,
	created_at  TIMESTAMP NOT NULL,
	last_seen   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen);
`

// Open opens (or creates) the registry database at path. maxSessions
// caps the number of durable records; zero or negative means no cap.
func Open(path string, maxSessions int) (*Registry, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Int("maxSessions", maxSessions).Msg("Session registry opened")
	return &Registry{db: db, maxSessions: maxSessions}, nil
}

// EnsureSession returns the session bound to userHash, creating one
// with a fresh key if none exists. The second return reports whether a
// new session was created.
func (r *Registry) EnsureSession(ctx context.Context, userHash string) (Session, bool, error) {
	if userHash == "" {
		return Session{}, false, faults.New(faults.CodeInvalidInput, "user hash cannot be empty")
	}

	if s, ok, err := r.byUserHash(ctx, userHash); err != nil {
		return Session{}, false, err
	} else if ok {
		return s, false, nil
	}

	now := time.Now().UTC()
	s := Session{
		Key:       uuid.NewString(),
		UserHash:  userHash,
		CreatedAt: now,
		LastSeen:  now,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, user_hash, created_at, last_seen) VALUES (?, ?, ?, ?)`,
		s.Key, s.UserHash, s.CreatedAt, s.LastSeen)
	if err != nil {
		// Another request for the same user may have won the insert.
		if existing, ok, lookupErr := r.byUserHash(ctx, userHash); lookupErr == nil && ok {
			return existing, false, nil
		}
		return Session{}, false, err
	}

	if err := r.prune(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to prune session registry")
	}

	log.Info().Str("sessionKey", s.Key).Msg("Session registered")
	return s, true, nil
}

// prune drops the records least recently seen once the cap is passed.
func (r *Registry) prune(ctx context.Context) error {
	if r.maxSessions <= 0 {
		return nil
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_key IN (
			SELECT session_key FROM sessions ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)`, r.maxSessions)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Info().Int64("pruned", n).Msg("Stale sessions pruned from registry")
	}
	return nil
}

// Get looks a session up by key.
func (r *Registry) Get(ctx context.Context, sessionKey string) (Session, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT session_key, user_hash, created_at, last_seen FROM sessions WHERE session_key = ?`,
		sessionKey)
	return scanSession(row)
}

// Touch records activity on a session.
func (r *Registry) Touch(ctx context.Context, sessionKey string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen = ? WHERE session_key = ?`,
		time.Now().UTC(), sessionKey)
	return err
}

// Delete removes a session record, e.g. on logout.
func (r *Registry) Delete(ctx context.Context, sessionKey string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_key = ?`, sessionKey)
	return err
}

// Count returns the number of registered sessions.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) byUserHash(ctx context.Context, userHash string) (Session, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT session_key, user_hash, created_at, last_seen FROM sessions WHERE user_hash = ?`,
		userHash)
	return scanSession(row)
}

func scanSession(row *sql.Row) (Session, bool, error) {
	var s Session
	err := row.Scan(&s.Key, &s.UserHash, &s.CreatedAt, &s.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return s, true, nil
}
