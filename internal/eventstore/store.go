package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-wake/internal/config"
	_ "modernc.org/sqlite"
)

// Event types recorded on a listening session's timeline.
const (
	TypeWake       = "wake"
	TypeTranscript = "transcript"
	TypeFailure    = "failure"
	TypeRestart    = "restart"
)

// Session is one Start..Stop span of the listener.
type Session struct {
	ID        string
	NodeID    string
	Keyword   string
	StartedAt time.Time
	EndedAt   time.Time
	EndState  string
	Error     string
}

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	Type      string
	Keyword   string
	Sequence  uint64
	Text      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed voice activity timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS listening_sessions (
    session_id TEXT PRIMARY KEY,
    node_id TEXT,
    keyword TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    end_state TEXT,
    error TEXT
);
CREATE TABLE IF NOT EXISTS voice_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    keyword TEXT,
    sequence INTEGER,
    text TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES listening_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_voice_events_session_created ON voice_events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records the start of a listening session.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	if s.disabled() {
		return nil
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listening_sessions(session_id, node_id, keyword, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET node_id=excluded.node_id, keyword=excluded.keyword`,
		sess.ID, sess.NodeID, sess.Keyword, sess.StartedAt.UnixNano())
	return err
}

// EndSession marks a session finished with its final listener state.
func (s *Store) EndSession(ctx context.Context, sessionID, endState string, cause error) error {
	if s.disabled() {
		return nil
	}
	var errText string
	if cause != nil {
		errText = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE listening_sessions SET ended_at = ?, end_state = ?, error = ? WHERE session_id = ?`,
		s.clock().UnixNano(), endState, errText, sessionID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_events(session_id, trace_id, event_type, keyword, sequence, text, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.Type, evt.Keyword, int64(evt.Sequence), evt.Text, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, event_type, keyword, sequence, text, payload, created_at
		 FROM voice_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                      Event
			traceID, keyword, text sql.NullString
			seq                    sql.NullInt64
			created                int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &traceID, &e.Type, &keyword, &seq, &text, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID = traceID.String
		e.Keyword = keyword.String
		e.Sequence = uint64(seq.Int64)
		e.Text = text.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, node_id, keyword, started_at, ended_at, end_state, error
		 FROM listening_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess                          Session
			nodeID, keyword, state, cause sql.NullString
			started                       int64
			ended                         sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &nodeID, &keyword, &started, &ended, &state, &cause); err != nil {
			return nil, err
		}
		sess.NodeID = nodeID.String
		sess.Keyword = keyword.String
		sess.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			sess.EndedAt = time.Unix(0, ended.Int64).UTC()
		}
		sess.EndState = state.String
		sess.Error = cause.String
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM voice_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM listening_sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM listening_sessions WHERE session_id IN (
			SELECT session_id FROM listening_sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
