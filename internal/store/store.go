package store

import (
	"context"
	"errors"

	"github.com/joescharf/agentd/internal/models"
)

var (
	// ErrNotFound is returned when a session does not exist or its persisted
	// record cannot be read.
	ErrNotFound = errors.New("session not found")

	// ErrUnknownToolUse is returned when a tool_result references a tool_use
	// id that does not precede it in the log.
	ErrUnknownToolUse = errors.New("tool_result references unknown tool_use")

	// ErrDuplicateToolResult is returned when a tool_use already has a result.
	ErrDuplicateToolResult = errors.New("tool_use already has a result")
)

// SessionListFilter specifies filters for listing sessions. A zero Limit
// means no limit.
type SessionListFilter struct {
	Status models.SessionStatus
	Limit  int
}

// Store defines the persistence interface for sessions and their message logs.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error
	UpdateSessionTitle(ctx context.Context, id, title string) error
	UpdateRunMessageOffset(ctx context.Context, id string, offset *int) error
	TouchSession(ctx context.Context, id string) error

	// Messages
	StartMessage(ctx context.Context, sessionID string, role models.Role, blocks ...models.ContentBlock) error
	AppendContentBlock(ctx context.Context, sessionID string, role models.Role, block models.ContentBlock) error
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// Lifecycle
	RecoverSessions(ctx context.Context) ([]string, error)
	Migrate(ctx context.Context) error
	Close() error
}
