// Package journal keeps a local SQLite history of sessions and the turns
// exchanged in them.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/redact"
	_ "modernc.org/sqlite"
)

// Turn is one question and whatever the server answered.
type Turn struct {
	ID         int64
	SessionID  string
	Kind       string
	Question   string
	Transcript string
	Response   string
	Outcome    string
	SentAt     time.Time
	FinishedAt time.Time
}

// Session is one connection lifetime.
type Session struct {
	ID             string
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	Reason         string
}

// Journal is a metrics.Observer that persists turns as they happen.
type Journal struct {
	db      *sql.DB
	log     *slog.Logger
	timeout time.Duration
	clock   func() time.Time

	mu   sync.Mutex
	open map[string]int64
}

// Open creates or opens the journal database at path.
func Open(ctx context.Context, path string, log *slog.Logger) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errorsx.New(errorsx.ReasonConfig, "journal path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("create journal dir: %w", err), errorsx.ReasonStorage)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("open sqlite: %w", err), errorsx.ReasonStorage)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errorsx.Wrap(fmt.Errorf("ping sqlite: %w", err), errorsx.ReasonStorage)
	}
	j := &Journal{
		db:      db,
		log:     log,
		timeout: 2 * time.Second,
		clock:   time.Now,
		open:    make(map[string]int64),
	}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, errorsx.Wrap(fmt.Errorf("init journal schema: %w", err), errorsx.ReasonStorage)
	}
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    connected_at INTEGER NOT NULL,
    disconnected_at INTEGER,
    reason TEXT
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    question TEXT,
    transcript TEXT,
    response TEXT,
    outcome TEXT,
    sent_at INTEGER NOT NULL,
    finished_at INTEGER,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session_sent ON turns(session_id, sent_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordEvent implements metrics.Observer. Storage failures are logged and
// never reach the session.
func (j *Journal) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags[metrics.TagSessionID]
	if sessionID == "" {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = j.clock()
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	var err error
	switch ev.Name {
	case metrics.EventConnected:
		err = j.sessionStarted(ctx, sessionID, at)
	case metrics.EventDisconnected:
		if err = j.finishTurn(ctx, sessionID, "disconnected", at); err == nil {
			err = j.sessionEnded(ctx, sessionID, ev.Tags[metrics.TagReason], at)
		}
	case metrics.EventQuestionSent:
		if err = j.finishTurn(ctx, sessionID, "superseded", at); err == nil {
			err = j.startTurn(ctx, sessionID, ev.Tags[metrics.TagKind], stringField(ev, "text"), at)
		}
	case metrics.EventTranscriptReady:
		err = j.updateTurn(ctx, sessionID, "transcript", stringField(ev, "text"))
	case metrics.EventResponseText, metrics.EventLegacyReply:
		err = j.updateTurn(ctx, sessionID, "response", stringField(ev, "text"))
	case metrics.EventPlaybackEnded:
		err = j.finishTurn(ctx, sessionID, "played", at)
	case metrics.EventPlaybackFailed:
		err = j.finishTurn(ctx, sessionID, "playback_failed", at)
	case metrics.EventServerError:
		err = j.finishTurn(ctx, sessionID, "server_error", at)
	case metrics.EventIdleTimeout:
		err = j.finishTurn(ctx, sessionID, "timeout", at)
	default:
		return
	}
	if err != nil {
		j.log.Warn("journal_write_failed", "event", ev.Name, "session_id", sessionID, "error", err)
	}
}

func (j *Journal) sessionStarted(ctx context.Context, sessionID string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, connected_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET connected_at=excluded.connected_at, disconnected_at=NULL, reason=NULL`,
		sessionID, at.UnixMilli())
	return err
}

func (j *Journal) sessionEnded(ctx context.Context, sessionID, reason string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET disconnected_at = ?, reason = ? WHERE session_id = ?`,
		at.UnixMilli(), reason, sessionID)
	return err
}

func (j *Journal) startTurn(ctx context.Context, sessionID, kind, question string, at time.Time) error {
	// A turn may arrive before the connect row when events are replayed.
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, connected_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		sessionID, at.UnixMilli()); err != nil {
		return err
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO turns(session_id, kind, question, sent_at) VALUES(?, ?, ?, ?)`,
		sessionID, kind, redact.Text(question), at.UnixMilli())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.open[sessionID] = id
	j.mu.Unlock()
	return nil
}

func (j *Journal) updateTurn(ctx context.Context, sessionID, column, text string) error {
	id, ok := j.openTurn(sessionID)
	if !ok || text == "" {
		return nil
	}
	var query string
	switch column {
	case "transcript":
		query = `UPDATE turns SET transcript = ? WHERE id = ?`
	case "response":
		query = `UPDATE turns SET response = COALESCE(response, ?) WHERE id = ?`
	default:
		return fmt.Errorf("unknown turn column %q", column)
	}
	_, err := j.db.ExecContext(ctx, query, redact.Text(text), id)
	return err
}

func (j *Journal) finishTurn(ctx context.Context, sessionID, outcome string, at time.Time) error {
	j.mu.Lock()
	id, ok := j.open[sessionID]
	delete(j.open, sessionID)
	j.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE turns SET outcome = ?, finished_at = ? WHERE id = ?`,
		outcome, at.UnixMilli(), id)
	return err
}

func (j *Journal) openTurn(sessionID string) (int64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id, ok := j.open[sessionID]
	return id, ok
}

// RecentTurns returns up to limit turns, newest first. An empty sessionID
// spans every session.
func (j *Journal) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, session_id, kind, question, transcript, response, outcome, sent_at, finished_at
		FROM turns`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY sent_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStorage)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t                                       Turn
			question, transcript, response, outcome sql.NullString
			sent                                    int64
			finished                                sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Kind, &question, &transcript, &response, &outcome, &sent, &finished); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonStorage)
		}
		t.Question, t.Transcript, t.Response, t.Outcome = question.String, transcript.String, response.String, outcome.String
		t.SentAt = time.UnixMilli(sent)
		if finished.Valid {
			t.FinishedAt = time.UnixMilli(finished.Int64)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LookupSession returns the stored row for one session.
func (j *Journal) LookupSession(ctx context.Context, sessionID string) (Session, error) {
	var (
		s        Session
		conn     int64
		disc     sql.NullInt64
		reasonNS sql.NullString
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT session_id, connected_at, disconnected_at, reason FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&s.ID, &conn, &disc, &reasonNS)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, errorsx.New(errorsx.ReasonStorage, "session %s not found", sessionID)
	}
	if err != nil {
		return Session{}, errorsx.Wrap(err, errorsx.ReasonStorage)
	}
	s.ConnectedAt = time.UnixMilli(conn)
	if disc.Valid {
		s.DisconnectedAt = time.UnixMilli(disc.Int64)
	}
	s.Reason = reasonNS.String
	return s, nil
}

// Prune deletes sessions that connected before the cutoff, with their turns.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := j.clock().Add(-olderThan).UnixMilli()
	res, err := j.db.ExecContext(ctx, `DELETE FROM sessions WHERE connected_at < ?`, cutoff)
	if err != nil {
		return 0, errorsx.Wrap(err, errorsx.ReasonStorage)
	}
	return res.RowsAffected()
}

func stringField(ev metrics.MetricsEvent, key string) string {
	if ev.Fields == nil {
		return ""
	}
	s, _ := ev.Fields[key].(string)
	return s
}

var _ metrics.Observer = (*Journal)(nil)
