package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
)

// Document is a JSON file guarded by an exclusive flock on "<path>.lock".
// Every access runs under the lock; writes go to a temp file in the same
// directory which is then renamed over the target. A file that cannot be read
// or decoded is moved aside to a backup name and treated as absent.
//
// The decoded value is kept in memory and reused while the file on disk is
// the same inode with the same mod time and size.
type Document[T any] struct {
	path string
	lock lockConfig

	mu     sync.Mutex
	cached *T
	info   os.FileInfo
}

// NewDocument creates a Document backed by path
func NewDocument[T any](path string, opts ...Option) *Document[T] {
	cfg := defaultLockConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Document[T]{
		path: filepath.Clean(path),
		lock: cfg,
	}
}

// Path returns the file path of the document
func (d *Document[T]) Path() string {
	return d.path
}

// View runs fn with the current document. exists is false when there is no
// readable file. fn must not keep references to doc after returning.
func (d *Document[T]) View(ctx context.Context, fn func(doc *T, exists bool) error) error {
	unlock, err := acquireLock(ctx, d.path+".lock", d.lock)
	if err != nil {
		return err
	}
	defer unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	doc, exists, err := d.load(ctx)
	if err != nil {
		return err
	}

	return fn(doc, exists)
}

// Update runs fn with the current document and writes the result back when
// fn returns nil. The lock is held for the whole read-modify-write.
func (d *Document[T]) Update(ctx context.Context, fn func(doc *T, exists bool) error) error {
	unlock, err := acquireLock(ctx, d.path+".lock", d.lock)
	if err != nil {
		return err
	}
	defer unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	doc, exists, err := d.load(ctx)
	if err != nil {
		return err
	}

	if err := fn(doc, exists); err != nil {
		d.cached = nil
		return err
	}

	if err := d.write(doc); err != nil {
		d.cached = nil
		return err
	}

	return nil
}

func (d *Document[T]) load(ctx context.Context) (*T, bool, error) {
	info, err := os.Stat(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.cached = nil
			return new(T), false, nil
		}
		return nil, false, goerr.Wrap(err, "failed to stat document", goerr.V("path", d.path))
	}

	if d.cached != nil && d.info != nil && os.SameFile(info, d.info) &&
		info.ModTime().Equal(d.info.ModTime()) && info.Size() == d.info.Size() {
		return d.cached, true, nil
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return d.recover(ctx, goerr.Wrap(model.ErrCorruptStore, "failed to read document",
			goerr.V("path", d.path),
			goerr.V("cause", err.Error())))
	}

	doc := new(T)
	if err := json.Unmarshal(data, doc); err != nil {
		return d.recover(ctx, goerr.Wrap(model.ErrCorruptStore, "failed to decode document",
			goerr.V("path", d.path),
			goerr.V("cause", err.Error())))
	}

	d.cached = doc
	d.info = info
	return doc, true, nil
}

// recover moves the unusable file to a unique backup name so it is never
// overwritten, then reports the document as absent.
func (d *Document[T]) recover(ctx context.Context, cause error) (*T, bool, error) {
	backup := BackupPath(d.path, time.Now())
	if err := os.Rename(d.path, backup); err != nil {
		return nil, false, goerr.Wrap(err, "failed to preserve corrupt document",
			goerr.V("path", d.path),
			goerr.V("backup", backup))
	}

	logging.From(ctx).Warn("corrupt document moved aside, starting empty",
		"path", d.path,
		"backup", backup,
		logging.ErrAttr(cause))

	d.cached = nil
	return new(T), false, nil
}

func (d *Document[T]) write(doc *T) error {
	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return goerr.Wrap(err, "failed to create document directory", goerr.V("dir", dir))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to encode document", goerr.V("path", d.path))
	}

	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(d.path)+"-*.tmp")
	if err != nil {
		return goerr.Wrap(err, "failed to create temp document", goerr.V("dir", dir))
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return goerr.Wrap(err, "failed to write temp document", goerr.V("path", tempName))
	}

	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return goerr.Wrap(err, "failed to chmod temp document", goerr.V("path", tempName))
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return goerr.Wrap(err, "failed to sync temp document", goerr.V("path", tempName))
	}

	if err := tempFile.Close(); err != nil {
		return goerr.Wrap(err, "failed to close temp document", goerr.V("path", tempName))
	}

	if err := os.Rename(tempName, d.path); err != nil {
		return goerr.Wrap(err, "failed to replace document", goerr.V("path", d.path))
	}
	cleanup = false

	info, err := os.Stat(d.path)
	if err != nil {
		d.cached = nil
		return nil
	}
	d.cached = doc
	d.info = info

	return nil
}

// BackupPath returns the name a corrupt document at path is moved to:
// "learnings.json" becomes "learnings.backup-<unix-nano>.json".
func BackupPath(path string, at time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.backup-%d%s", base, at.UnixNano(), ext)
}
