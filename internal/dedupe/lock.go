package dedupe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const defaultLockRetryDelay = 100 * time.Millisecond

// FileLock is an exclusive advisory lock guarding one persisted seen-set
// across processes. A lock with an empty path is a no-op, used for
// in-memory stores.
type FileLock struct {
	path       string
	retryDelay time.Duration
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, retryDelay: defaultLockRetryDelay}
}

// Lock blocks until the lock is held or ctx is done. The returned function
// releases it.
func (l *FileLock) Lock(ctx context.Context) (func(), error) {
	if l == nil || l.path == "" {
		return func() {}, nil
	}
	if dir := filepath.Dir(l.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
	}
	fl := flock.New(l.path)
	locked, err := fl.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire seen-set lock %s: %w", l.path, err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire seen-set lock %s: not acquired", l.path)
	}
	return func() { _ = fl.Unlock() }, nil
}
