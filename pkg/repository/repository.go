package repository

import (
	"context"

	"github.com/m-mizutani/rapport/pkg/model"
)

// SessionRepository persists collaboration sessions, one record per session id
type SessionRepository interface {
	// CreateSession stores a new session. It fails if the id already exists
	CreateSession(ctx context.Context, session *model.Session) error

	// GetSession retrieves a session by ID. Unknown ids return model.ErrNotFound
	GetSession(ctx context.Context, id model.SessionID) (*model.Session, error)

	// UpdateSession runs fn on the stored session while holding the session lock
	// and persists the result when fn returns nil
	UpdateSession(ctx context.Context, id model.SessionID, fn func(session *model.Session) error) error

	// ListSessions retrieves all stored sessions, newest first
	ListSessions(ctx context.Context) ([]*model.Session, error)
}

// ArchiveIndex stores metadata of archived sessions
type ArchiveIndex interface {
	// PutSessionSummary saves the summary of a closed session
	PutSessionSummary(ctx context.Context, summary *model.SessionSummary) error

	// GetSessionSummary retrieves an archived summary by session ID
	GetSessionSummary(ctx context.Context, id model.SessionID) (*model.SessionSummary, error)

	// ListSessionSummaries retrieves archived summaries, most recently closed first
	ListSessionSummaries(ctx context.Context, limit int) ([]*model.SessionSummary, error)
}
