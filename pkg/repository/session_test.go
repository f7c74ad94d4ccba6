package repository_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/repository"
)

func newSession(createdAt time.Time) *model.Session {
	return &model.Session{
		ID:        model.NewSessionID(),
		Task:      "design a cache",
		Status:    model.SessionActive,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestFileSessionsCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewFileSessions(t.TempDir())

	session := newSession(time.Now())
	gt.NoError(t, repo.CreateSession(ctx, session))

	got, err := repo.GetSession(ctx, session.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.ID, session.ID)
	gt.Equal(t, got.Task, session.Task)
	gt.Equal(t, got.Status, model.SessionActive)

	err = repo.CreateSession(ctx, session)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestFileSessionsNotFound(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewFileSessions(t.TempDir())

	_, err := repo.GetSession(ctx, model.SessionID("sess_missing"))
	gt.True(t, errors.Is(err, model.ErrNotFound))

	err = repo.UpdateSession(ctx, model.SessionID("sess_missing"), func(s *model.Session) error {
		return nil
	})
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestFileSessionsMalformedID(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo := repository.NewFileSessions(filepath.Join(dir, "sessions"))

	// A file next to the sessions directory must not be reachable by id
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "learnings.json"), []byte(`{"id":"x"}`), 0o600))

	for _, id := range []model.SessionID{"../learnings", "sess.missing", "no such session", ""} {
		t.Run(string(id), func(t *testing.T) {
			_, err := repo.GetSession(ctx, id)
			gt.True(t, errors.Is(err, model.ErrNotFound))

			err = repo.UpdateSession(ctx, id, func(s *model.Session) error {
				t.Error("update must not run for a malformed id")
				return nil
			})
			gt.True(t, errors.Is(err, model.ErrNotFound))
		})
	}

	session := newSession(time.Now())
	session.ID = "../escape"
	gt.True(t, errors.Is(repo.CreateSession(ctx, session), model.ErrInvalidInput))
	_, err := os.Stat(filepath.Join(dir, "escape.json"))
	gt.True(t, os.IsNotExist(err))
}

func TestFileSessionsUpdate(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewFileSessions(t.TempDir())

	session := newSession(time.Now())
	gt.NoError(t, repo.CreateSession(ctx, session))

	gt.NoError(t, repo.UpdateSession(ctx, session.ID, func(s *model.Session) error {
		s.Messages = append(s.Messages, model.Message{Speaker: model.SpeakerCaller, Text: "hello"})
		s.Rounds++
		return nil
	}))

	errAbort := errors.New("abort")
	err := repo.UpdateSession(ctx, session.ID, func(s *model.Session) error {
		s.Messages = append(s.Messages, model.Message{Speaker: model.SpeakerCaller, Text: "lost"})
		return errAbort
	})
	gt.True(t, errors.Is(err, errAbort))

	got, err := repo.GetSession(ctx, session.ID)
	gt.NoError(t, err)
	gt.A(t, got.Messages).Length(1)
	gt.Equal(t, got.Rounds, 1)
}

func TestFileSessionsGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewFileSessions(t.TempDir())

	session := newSession(time.Now())
	session.Messages = []model.Message{{Speaker: model.SpeakerCaller, Text: "original"}}
	gt.NoError(t, repo.CreateSession(ctx, session))

	got, err := repo.GetSession(ctx, session.ID)
	gt.NoError(t, err)
	got.Messages[0].Text = "changed"

	again, err := repo.GetSession(ctx, session.ID)
	gt.NoError(t, err)
	gt.Equal(t, again.Messages[0].Text, "original")
}

func TestFileSessionsList(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo := repository.NewFileSessions(dir)

	now := time.Now()
	older := newSession(now.Add(-time.Hour))
	newer := newSession(now)
	gt.NoError(t, repo.CreateSession(ctx, older))
	gt.NoError(t, repo.CreateSession(ctx, newer))

	gt.NoError(t, os.WriteFile(filepath.Join(dir, "sess_broken.json"), []byte("garbage"), 0o600))

	sessions, err := repo.ListSessions(ctx)
	gt.NoError(t, err)
	gt.A(t, sessions).Length(2)
	gt.Equal(t, sessions[0].ID, newer.ID)
	gt.Equal(t, sessions[1].ID, older.ID)
}

func TestFileSessionsListMissingDir(t *testing.T) {
	repo := repository.NewFileSessions(filepath.Join(t.TempDir(), "nothing"))
	sessions, err := repo.ListSessions(context.Background())
	gt.NoError(t, err)
	gt.A(t, sessions).Length(0)
}
