package repository_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/repository"
)

type counter struct {
	Values []string `json:"values"`
}

func TestDocumentUpdateAndView(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "counter.json")
	doc := repository.NewDocument[counter](path)

	gt.NoError(t, doc.View(ctx, func(c *counter, exists bool) error {
		gt.False(t, exists)
		gt.A(t, c.Values).Length(0)
		return nil
	}))

	gt.NoError(t, doc.Update(ctx, func(c *counter, exists bool) error {
		c.Values = append(c.Values, "a")
		return nil
	}))

	// a fresh instance must see the persisted value
	other := repository.NewDocument[counter](path)
	gt.NoError(t, other.View(ctx, func(c *counter, exists bool) error {
		gt.True(t, exists)
		gt.A(t, c.Values).Length(1)
		return nil
	}))

	info, err := os.Stat(path)
	gt.NoError(t, err)
	gt.Equal(t, info.Mode().Perm(), os.FileMode(0o600))
}

func TestDocumentUpdateFailureKeepsFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "counter.json")
	doc := repository.NewDocument[counter](path)

	gt.NoError(t, doc.Update(ctx, func(c *counter, exists bool) error {
		c.Values = []string{"kept"}
		return nil
	}))

	errAbort := errors.New("abort")
	err := doc.Update(ctx, func(c *counter, exists bool) error {
		c.Values = append(c.Values, "dropped")
		return errAbort
	})
	gt.True(t, errors.Is(err, errAbort))

	gt.NoError(t, doc.View(ctx, func(c *counter, exists bool) error {
		gt.Equal(t, c.Values, []string{"kept"})
		return nil
	}))
}

func TestDocumentSeesExternalReplacement(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "counter.json")
	doc := repository.NewDocument[counter](path)

	gt.NoError(t, doc.Update(ctx, func(c *counter, exists bool) error {
		c.Values = []string{"first"}
		return nil
	}))

	other := repository.NewDocument[counter](path)
	gt.NoError(t, other.Update(ctx, func(c *counter, exists bool) error {
		c.Values = append(c.Values, "second")
		return nil
	}))

	gt.NoError(t, doc.View(ctx, func(c *counter, exists bool) error {
		gt.Equal(t, c.Values, []string{"first", "second"})
		return nil
	}))
}

func TestDocumentCorruptFileIsBackedUp(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "learnings.json")
	gt.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	doc := repository.NewDocument[counter](path)
	gt.NoError(t, doc.View(ctx, func(c *counter, exists bool) error {
		gt.False(t, exists)
		return nil
	}))

	_, err := os.Stat(path)
	gt.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	gt.NoError(t, err)

	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "learnings.backup-") && strings.HasSuffix(e.Name(), ".json") {
			backups = append(backups, e.Name())
		}
	}
	gt.A(t, backups).Length(1)

	data, err := os.ReadFile(filepath.Join(dir, backups[0]))
	gt.NoError(t, err)
	gt.Equal(t, string(data), "{not json")

	// writing after recovery creates a fresh document next to the backup
	gt.NoError(t, doc.Update(ctx, func(c *counter, exists bool) error {
		c.Values = []string{"fresh"}
		return nil
	}))
	_, err = os.Stat(path)
	gt.NoError(t, err)
}

func TestDocumentLockTimeout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "counter.json")

	holder := repository.NewDocument[counter](path)
	waiter := repository.NewDocument[counter](path,
		repository.WithLockTimeout(100*time.Millisecond),
		repository.WithRetryDelay(10*time.Millisecond),
	)

	gt.NoError(t, holder.Update(ctx, func(c *counter, exists bool) error {
		err := waiter.View(ctx, func(c *counter, exists bool) error {
			return nil
		})
		gt.True(t, errors.Is(err, model.ErrWriteConflict))
		return nil
	}))
}

func TestBackupPath(t *testing.T) {
	at := time.Unix(0, 1700000000123456789)
	gt.Equal(t,
		repository.BackupPath("/data/learnings.json", at),
		"/data/learnings.backup-1700000000123456789.json")
}
