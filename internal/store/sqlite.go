package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joescharf/agentd/internal/models"

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
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes every read-modify-write of the message log,
	// which is what keeps same-role merging atomic across run goroutines.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
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

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
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

const sessionColumns = `id, workspace, environment, repo, branch, status, title, run_message_offset, created_at, last_active_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("create session: id is required")
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.LastActiveAt = now
	if session.Status == "" {
		session.Status = models.SessionStatusIdle
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Workspace, session.Environment, session.Repo, session.Branch,
		string(session.Status), session.Title, offsetValue(session.RunMessageOffset),
		session.CreatedAt, session.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		// Unreadable rows are left over from a crash mid-write; treat as absent.
		slog.Warn("unreadable session record", "session_id", id, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY last_active_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			slog.Warn("skipping unreadable session record", "error", err)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and, through the foreign key, its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update session status: invalid status %q", status)
	}
	return s.updateSession(ctx, id, "status = ?", string(status))
}

func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	return s.updateSession(ctx, id, "title = ?", title)
}

func (s *SQLiteStore) UpdateRunMessageOffset(ctx context.Context, id string, offset *int) error {
	return s.updateSession(ctx, id, "run_message_offset = ?", offsetValue(offset))
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	return s.updateSession(ctx, id, "last_active_at = ?", time.Now().UTC())
}

// updateSession sets one column on a session row and reports ErrNotFound
// when no row matched.
func (s *SQLiteStore) updateSession(ctx context.Context, id, assignment string, value any) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+assignment+` WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecoverSessions resets every session left in running state to idle. No
// agent process survives a restart of this one, so a running status on disk
// can only be a leftover from a crash.
func (s *SQLiteStore) RecoverSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE status = ?`, string(models.SessionStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("scan running sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan running session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, run_message_offset = NULL WHERE status = ?`,
		string(models.SessionStatusIdle), string(models.SessionStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("recover sessions: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var status string
	var offset sql.NullInt64

	if err := row.Scan(&session.ID, &session.Workspace, &session.Environment,
		&session.Repo, &session.Branch, &status, &session.Title, &offset,
		&session.CreatedAt, &session.LastActiveAt); err != nil {
		return nil, err
	}

	session.Status = models.SessionStatus(status)
	if !session.Status.Valid() {
		return nil, fmt.Errorf("session %s has invalid status %q", session.ID, status)
	}
	if offset.Valid {
		v := int(offset.Int64)
		session.RunMessageOffset = &v
	}
	return session, nil
}

func offsetValue(offset *int) any {
	if offset == nil {
		return nil
	}
	return *offset
}

// --- Messages ---

// StartMessage appends a new message regardless of the role of the last one.
// User prompts use this so that each turn opens its own message.
func (s *SQLiteStore) StartMessage(ctx context.Context, sessionID string, role models.Role, blocks ...models.ContentBlock) error {
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("start message: %w", err)
		}
	}
	if blocks == nil {
		blocks = []models.ContentBlock{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	last, err := lastMessage(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	next := 0
	if last != nil {
		next = last.Seq + 1
	}
	if err := insertMessage(ctx, tx, sessionID, next, role, blocks); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendContentBlock adds a block to the log. The block joins the last
// message when that message has the same role, otherwise it opens a new one.
func (s *SQLiteStore) AppendContentBlock(ctx context.Context, sessionID string, role models.Role, block models.ContentBlock) error {
	if err := block.Validate(); err != nil {
		return fmt.Errorf("append content block: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if block.Type == models.BlockToolResult {
		if err := checkToolResult(ctx, tx, sessionID, block.ToolUseID); err != nil {
			return err
		}
	}

	last, err := lastMessage(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	switch {
	case last != nil && last.Role == role:
		blocks := append(last.Blocks, block)
		data, err := json.Marshal(blocks)
		if err != nil {
			return fmt.Errorf("encode blocks: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET blocks = ? WHERE session_id = ? AND seq = ?`,
			string(data), sessionID, last.Seq); err != nil {
			return fmt.Errorf("append content block: %w", err)
		}
	default:
		next := 0
		if last != nil {
			next = last.Seq + 1
		}
		if err := insertMessage(ctx, tx, sessionID, next, role, []models.ContentBlock{block}); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, blocks, created_at FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			slog.Warn("skipping unreadable message", "session_id", sessionID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var role, blocks string
	if err := row.Scan(&msg.Seq, &role, &blocks, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
		return nil, fmt.Errorf("message %d has invalid role %q", msg.Seq, role)
	}
	if err := json.Unmarshal([]byte(blocks), &msg.Blocks); err != nil {
		return nil, fmt.Errorf("message %d blocks: %w", msg.Seq, err)
	}
	for _, b := range msg.Blocks {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", msg.Seq, err)
		}
	}
	return msg, nil
}

// lastMessage returns the highest-seq message, or nil for an empty log. A
// corrupt last message is reported with its seq but no role so that new
// blocks never merge into it.
func lastMessage(ctx context.Context, tx *sql.Tx, sessionID string) (*models.Message, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT seq, role, blocks, created_at FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		var seq int
		if scanErr := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); scanErr != nil {
			return nil, fmt.Errorf("read last message: %w", scanErr)
		}
		return &models.Message{Seq: seq}, nil
	}
	return msg, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, sessionID string, seq int, role models.Role, blocks []models.ContentBlock) error {
	data, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("encode blocks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, role, blocks, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, string(role), string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// checkToolResult enforces that toolUseID names an earlier tool_use block
// that has not been answered yet.
func checkToolResult(ctx context.Context, tx *sql.Tx, sessionID, toolUseID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT seq, role, blocks, created_at FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return fmt.Errorf("scan tool uses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen, answered := false, false
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			continue
		}
		for _, b := range msg.Blocks {
			switch {
			case b.Type == models.BlockToolUse && b.ID == toolUseID:
				seen = true
			case b.Type == models.BlockToolResult && b.ToolUseID == toolUseID:
				answered = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan tool uses: %w", err)
	}

	if !seen {
		return fmt.Errorf("%w: %s", ErrUnknownToolUse, toolUseID)
	}
	if answered {
		return fmt.Errorf("%w: %s", ErrDuplicateToolResult, toolUseID)
	}
	return nil
}
