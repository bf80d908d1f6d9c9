package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"codexwatch/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors when the rescan pipeline and
	// the outbox loop overlap.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// formatTime stores timestamps as RFC3339Nano in UTC; zero times as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func scanTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, session_id, source_path, source_mod_time, source_file_size, last_parsed_offset,
		 started_at, last_activity_at, title, cwd, preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SessionID, sess.SourcePath, formatTime(sess.SourceModTime),
		sess.SourceFileSize, sess.LastParsedOffset, formatTime(sess.StartedAt),
		formatTime(sess.LastActivityAt), sess.Title, sess.Cwd, sess.Preview,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, session_id, source_path, source_mod_time, source_file_size,
	last_parsed_offset, started_at, last_activity_at, title, cwd, preview, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var sess models.Session
	var modTime, startedAt, lastActivity, createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.SessionID, &sess.SourcePath, &modTime,
		&sess.SourceFileSize, &sess.LastParsedOffset, &startedAt, &lastActivity,
		&sess.Title, &sess.Cwd, &sess.Preview, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.SourceModTime = scanTime(modTime)
	sess.StartedAt = scanTime(startedAt)
	sess.LastActivityAt = scanTime(lastActivity)
	sess.CreatedAt = scanTime(createdAt)
	sess.UpdatedAt = scanTime(updatedAt)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY last_activity_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET
		session_id = ?, source_path = ?, source_mod_time = ?, source_file_size = ?,
		last_parsed_offset = ?, started_at = ?, last_activity_at = ?, title = ?,
		cwd = ?, preview = ?, updated_at = ?
		WHERE id = ?`,
		sess.SessionID, sess.SourcePath, formatTime(sess.SourceModTime),
		sess.SourceFileSize, sess.LastParsedOffset, formatTime(sess.StartedAt),
		formatTime(sess.LastActivityAt), sess.Title, sess.Cwd, sess.Preview,
		formatTime(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	// Outbox rows reference sessions logically, so they are removed here;
	// ON DELETE CASCADE covers the owned messages.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM outgoing_messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete session outbox: %w", err)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAllSessions(ctx context.Context) (int64, error) {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM outgoing_messages"); err != nil {
		return 0, fmt.Errorf("delete outbox: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions")
	if err != nil {
		return 0, fmt.Errorf("delete all sessions: %w", err)
	}
	return res.RowsAffected()
}

// --- Messages ---

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, role, content, ord FROM messages WHERE session_id = ? ORDER BY ord",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Ord); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) CreateMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO messages (id, session_id, role, content, ord) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.ID == "" {
			m.ID = newULID()
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.SessionID, m.Role, m.Content, m.Ord); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

// --- Outgoing messages ---

func (s *SQLiteStore) CreateOutgoing(ctx context.Context, m *models.OutgoingMessage) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	if m.Status == "" {
		m.Status = models.OutgoingStatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO outgoing_messages
		(id, session_id, text, cwd, status, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Text, m.Cwd, m.Status, m.LastError, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert outgoing message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanOutgoing(ctx context.Context, query string, args ...any) ([]*models.OutgoingMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outgoing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.OutgoingMessage
	for rows.Next() {
		var m models.OutgoingMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Text, &m.Cwd, &m.Status, &m.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan outgoing message: %w", err)
		}
		m.CreatedAt = scanTime(createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

const outgoingColumns = "id, session_id, text, cwd, status, last_error, created_at"

func (s *SQLiteStore) ListOutgoing(ctx context.Context) ([]*models.OutgoingMessage, error) {
	return s.scanOutgoing(ctx,
		"SELECT "+outgoingColumns+" FROM outgoing_messages ORDER BY created_at")
}

func (s *SQLiteStore) ListOutgoingByStatus(ctx context.Context, statuses []models.OutgoingStatus) ([]*models.OutgoingMessage, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.scanOutgoing(ctx,
		"SELECT "+outgoingColumns+" FROM outgoing_messages WHERE status IN ("+placeholders+") ORDER BY created_at",
		args...)
}

func (s *SQLiteStore) ListOutgoingBySession(ctx context.Context, sessionID string) ([]*models.OutgoingMessage, error) {
	return s.scanOutgoing(ctx,
		"SELECT "+outgoingColumns+" FROM outgoing_messages WHERE session_id = ? ORDER BY created_at",
		sessionID)
}

func (s *SQLiteStore) UpdateOutgoing(ctx context.Context, m *models.OutgoingMessage) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outgoing_messages SET
		session_id = ?, text = ?, cwd = ?, status = ?, last_error = ?
		WHERE id = ?`,
		m.SessionID, m.Text, m.Cwd, m.Status, m.LastError, m.ID)
	if err != nil {
		return fmt.Errorf("update outgoing message: %w", err)
	}
	return nil
}

// DeleteOutgoing removes an outgoing message. Deleting an ID that no
// longer exists is not an error, so a merge racing the outbox loop stays
// idempotent.
func (s *SQLiteStore) DeleteOutgoing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM outgoing_messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete outgoing message: %w", err)
	}
	return nil
}
