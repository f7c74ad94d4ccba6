package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// FileSessions stores every session as "<dir>/<id>.json". Mutations of one
// session are serialized by that session's file lock; different sessions do
// not contend.
type FileSessions struct {
	dir  string
	opts []Option
}

var _ SessionRepository = (*FileSessions)(nil)

// NewFileSessions creates a session repository rooted at dir
func NewFileSessions(dir string, opts ...Option) *FileSessions {
	return &FileSessions{
		dir:  filepath.Clean(dir),
		opts: opts,
	}
}

// document returns the file of a session. ok is false for ids that cannot
// name a session file, such as ones containing path separators.
func (r *FileSessions) document(id model.SessionID) (*Document[model.Session], bool) {
	if !sessionIDPattern.MatchString(string(id)) {
		return nil, false
	}
	return NewDocument[model.Session](filepath.Join(r.dir, string(id)+".json"), r.opts...), true
}

func (r *FileSessions) CreateSession(ctx context.Context, session *model.Session) error {
	doc, ok := r.document(session.ID)
	if !ok {
		return goerr.Wrap(model.ErrInvalidInput, "invalid session id", goerr.V("session_id", session.ID))
	}

	return doc.Update(ctx, func(stored *model.Session, exists bool) error {
		if exists {
			return goerr.Wrap(model.ErrInvalidInput, "session already exists", goerr.V("session_id", session.ID))
		}
		*stored = *session.Clone()
		return nil
	})
}

func (r *FileSessions) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	doc, ok := r.document(id)
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "session not found", goerr.V("session_id", id))
	}

	var result *model.Session
	if err := doc.View(ctx, func(stored *model.Session, exists bool) error {
		if !exists {
			return goerr.Wrap(model.ErrNotFound, "session not found", goerr.V("session_id", id))
		}
		result = stored.Clone()
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *FileSessions) UpdateSession(ctx context.Context, id model.SessionID, fn func(session *model.Session) error) error {
	doc, ok := r.document(id)
	if !ok {
		return goerr.Wrap(model.ErrNotFound, "session not found", goerr.V("session_id", id))
	}

	return doc.Update(ctx, func(stored *model.Session, exists bool) error {
		if !exists {
			return goerr.Wrap(model.ErrNotFound, "session not found", goerr.V("session_id", id))
		}
		return fn(stored)
	})
}

// ListSessions reads session files without taking locks. Files are only ever
// replaced by rename, so each read sees a complete record.
func (r *FileSessions) ListSessions(ctx context.Context) ([]*model.Session, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to read session directory", goerr.V("dir", r.dir))
	}

	var sessions []*model.Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") ||
			strings.HasPrefix(name, ".") || strings.Contains(name, ".backup-") {
			continue
		}

		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logging.From(ctx).Warn("skip unreadable session file", "path", path, logging.ErrAttr(err))
			continue
		}

		var session model.Session
		if err := json.Unmarshal(data, &session); err != nil {
			logging.From(ctx).Warn("skip corrupt session file", "path", path, logging.ErrAttr(err))
			continue
		}
		sessions = append(sessions, &session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})

	return sessions, nil
}
