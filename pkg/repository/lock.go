package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
)

const (
	DefaultLockTimeout = 10 * time.Second
	DefaultRetryDelay  = 50 * time.Millisecond

	dirMode  = 0o700
	fileMode = 0o600
)

type lockConfig struct {
	timeout    time.Duration
	retryDelay time.Duration
}

func defaultLockConfig() lockConfig {
	return lockConfig{
		timeout:    DefaultLockTimeout,
		retryDelay: DefaultRetryDelay,
	}
}

// Option configures file locking of file backed documents
type Option func(*lockConfig)

// WithLockTimeout sets how long to keep retrying a contended lock before
// giving up with model.ErrWriteConflict
func WithLockTimeout(d time.Duration) Option {
	return func(c *lockConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryDelay sets the backoff between lock attempts
func WithRetryDelay(d time.Duration) Option {
	return func(c *lockConfig) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// acquireLock takes an exclusive flock on path. The returned function releases it.
func acquireLock(ctx context.Context, path string, cfg lockConfig) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, goerr.Wrap(err, "failed to create lock directory", goerr.V("path", path))
	}

	lockCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	fl := flock.New(path)
	locked, err := fl.TryLockContext(lockCtx, cfg.retryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, goerr.Wrap(model.ErrWriteConflict, "lock retries exhausted",
				goerr.V("path", path),
				goerr.V("timeout", cfg.timeout))
		}
		return nil, goerr.Wrap(err, "failed to acquire lock", goerr.V("path", path))
	}
	if !locked {
		return nil, goerr.Wrap(model.ErrWriteConflict, "lock not acquired", goerr.V("path", path))
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			logging.From(ctx).Warn("failed to release lock", "path", path, logging.ErrAttr(err))
		}
	}, nil
}
