package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentd/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func createTestSession(t *testing.T, s *SQLiteStore, id string) *models.Session {
	t.Helper()
	sess := &models.Session{
		ID:          id,
		Workspace:   "/tmp/ws-" + id,
		Environment: "default",
		Status:      models.SessionStatusIdle,
		Title:       "test",
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Sessions ---

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	offset := 1
	sess := &models.Session{
		ID:               "sess-1",
		Workspace:        "/tmp/ws",
		Environment:      "default",
		Repo:             "https://example.com/repo.git",
		Branch:           "main",
		Status:           models.SessionStatusRunning,
		Title:            "Fix the build",
		RunMessageOffset: &offset,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.False(t, sess.CreatedAt.IsZero())

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.Workspace, got.Workspace)
	assert.Equal(t, sess.Environment, got.Environment)
	assert.Equal(t, sess.Repo, got.Repo)
	assert.Equal(t, sess.Branch, got.Branch)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
	assert.Equal(t, "Fix the build", got.Title)
	require.NotNil(t, got.RunMessageOffset)
	assert.Equal(t, 1, *got.RunMessageOffset)
}

func TestCreateSession_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateSession(context.Background(), &models.Session{Workspace: "/tmp"})
	assert.Error(t, err)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSessionFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "sess-1")

	require.NoError(t, s.UpdateSessionStatus(ctx, "sess-1", models.SessionStatusCancelled))
	require.NoError(t, s.UpdateSessionTitle(ctx, "sess-1", "New title"))
	offset := 3
	require.NoError(t, s.UpdateRunMessageOffset(ctx, "sess-1", &offset))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, got.Status)
	assert.Equal(t, "New title", got.Title)
	require.NotNil(t, got.RunMessageOffset)
	assert.Equal(t, 3, *got.RunMessageOffset)

	require.NoError(t, s.UpdateRunMessageOffset(ctx, "sess-1", nil))
	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got.RunMessageOffset)
}

func TestUpdateSessionStatus_Invalid(t *testing.T) {
	s := newTestStore(t)
	createTestSession(t, s, "sess-1")
	err := s.UpdateSessionStatus(context.Background(), "sess-1", models.SessionStatus("bogus"))
	assert.Error(t, err)
}

func TestUpdateSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSessionTitle(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions_OrderedByActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestSession(t, s, "a")
	createTestSession(t, s, "b")
	createTestSession(t, s, "c")

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.TouchSession(ctx, "a"))

	sessions, err := s.ListSessions(ctx, SessionListFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "a", sessions[0].ID)

	limited, err := s.ListSessions(ctx, SessionListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListSessions_StatusFilterBeforeLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestSession(t, s, "run-1")
	createTestSession(t, s, "run-2")
	require.NoError(t, s.UpdateSessionStatus(ctx, "run-1", models.SessionStatusRunning))
	require.NoError(t, s.UpdateSessionStatus(ctx, "run-2", models.SessionStatusRunning))
	time.Sleep(10 * time.Millisecond)
	// Newer idle sessions would crowd the running ones out of a post-filter.
	createTestSession(t, s, "idle-1")
	createTestSession(t, s, "idle-2")
	require.NoError(t, s.TouchSession(ctx, "idle-1"))
	require.NoError(t, s.TouchSession(ctx, "idle-2"))

	running, err := s.ListSessions(ctx, SessionListFilter{Status: models.SessionStatusRunning, Limit: 2})
	require.NoError(t, err)
	require.Len(t, running, 2)
	for _, sess := range running {
		assert.Equal(t, models.SessionStatusRunning, sess.Status)
	}

	idle, err := s.ListSessions(ctx, SessionListFilter{Status: models.SessionStatusIdle})
	require.NoError(t, err)
	assert.Len(t, idle, 2)
}

func TestListSessions_SkipsUnreadableRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "good")

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace, environment, status, created_at, last_active_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"broken", "/tmp", "default", "exploded", time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx, SessionListFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "good", sessions[0].ID)

	_, err = s.GetSession(ctx, "broken")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "gone")
	require.NoError(t, s.StartMessage(ctx, "gone", models.RoleUser, models.TextBlock("hello")))

	require.NoError(t, s.DeleteSession(ctx, "gone"))

	_, err := s.GetSession(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := s.CountMessages(ctx, "gone")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, s.DeleteSession(ctx, "gone"), ErrNotFound)
}

func TestRecoverSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestSession(t, s, "idle")
	createTestSession(t, s, "running")
	createTestSession(t, s, "cancelled")
	offset := 1
	require.NoError(t, s.UpdateSessionStatus(ctx, "running", models.SessionStatusRunning))
	require.NoError(t, s.UpdateRunMessageOffset(ctx, "running", &offset))
	require.NoError(t, s.UpdateSessionStatus(ctx, "cancelled", models.SessionStatusCancelled))

	ids, err := s.RecoverSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"running"}, ids)

	got, err := s.GetSession(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusIdle, got.Status)
	assert.Nil(t, got.RunMessageOffset)

	got, err = s.GetSession(ctx, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, got.Status)

	// Nothing left to recover
	ids, err = s.RecoverSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// --- Messages ---

func TestAppendContentBlock_MergesSameRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "sess-1")

	require.NoError(t, s.StartMessage(ctx, "sess-1", models.RoleUser, models.TextBlock("list files")))
	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleAssistant, models.TextBlock("Sure.")))
	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleAssistant,
		models.ToolUseBlock("tu_1", "Bash", map[string]any{"command": "ls"})))

	messages, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, 0, messages[0].Seq)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, 1, messages[1].Seq)
	require.Len(t, messages[1].Blocks, 2)
	assert.Equal(t, "Sure.", messages[1].Blocks[0].Text)
	assert.Equal(t, "tu_1", messages[1].Blocks[1].ID)
	assert.Equal(t, "ls", messages[1].Blocks[1].Input["command"])
}

func TestAppendContentBlock_RoleChangeStartsMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "sess-1")

	require.NoError(t, s.StartMessage(ctx, "sess-1", models.RoleUser, models.TextBlock("go")))
	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleAssistant, models.ToolUseBlock("a", "Read", nil)))
	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleAssistant, models.ToolUseBlock("b", "Read", nil)))
	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleUser, models.ToolResultBlock("a", "one", false)))
	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleUser, models.ToolResultBlock("b", "two", true)))
	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleAssistant, models.TextBlock("done")))

	messages, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 4)

	roles := make([]models.Role, len(messages))
	for i, m := range messages {
		roles[i] = m.Role
	}
	assert.Equal(t, []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant}, roles)
	assert.Len(t, messages[1].Blocks, 2)
	require.Len(t, messages[2].Blocks, 2)
	assert.True(t, messages[2].Blocks[1].IsError)

	count, err := s.CountMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestStartMessage_NeverMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "sess-1")

	require.NoError(t, s.StartMessage(ctx, "sess-1", models.RoleUser, models.TextBlock("first")))
	require.NoError(t, s.StartMessage(ctx, "sess-1", models.RoleUser, models.TextBlock("second")))

	messages, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "second", messages[1].Blocks[0].Text)
}

func TestAppendContentBlock_ToolResultValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "sess-1")

	require.NoError(t, s.StartMessage(ctx, "sess-1", models.RoleUser, models.TextBlock("go")))

	err := s.AppendContentBlock(ctx, "sess-1", models.RoleUser, models.ToolResultBlock("nope", "x", false))
	assert.ErrorIs(t, err, ErrUnknownToolUse)

	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleAssistant, models.ToolUseBlock("tu_1", "Bash", nil)))
	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleUser, models.ToolResultBlock("tu_1", "ok", false)))

	err = s.AppendContentBlock(ctx, "sess-1", models.RoleUser, models.ToolResultBlock("tu_1", "again", false))
	assert.ErrorIs(t, err, ErrDuplicateToolResult)

	messages, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, messages, 3)
}

func TestAppendContentBlock_InvalidBlock(t *testing.T) {
	s := newTestStore(t)
	createTestSession(t, s, "sess-1")

	err := s.AppendContentBlock(context.Background(), "sess-1", models.RoleAssistant, models.ContentBlock{Type: "image"})
	assert.Error(t, err)
}

func TestListMessages_SkipsCorruptRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "sess-1")

	require.NoError(t, s.StartMessage(ctx, "sess-1", models.RoleUser, models.TextBlock("hi")))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, role, blocks, created_at) VALUES (?, ?, ?, ?, ?)`,
		"sess-1", 1, "assistant", "{not json", time.Now().UTC())
	require.NoError(t, err)

	messages, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)

	// New blocks land after the corrupt row instead of merging into it.
	require.NoError(t, s.AppendContentBlock(ctx, "sess-1", models.RoleAssistant, models.TextBlock("hello")))
	messages, err = s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, 2, messages[1].Seq)
}
