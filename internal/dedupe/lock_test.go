package dedupe

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.db.lock")
	first := NewFileLock(path)
	unlock, err := first.Lock(context.Background())
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if _, err := NewFileLock(path).Lock(ctx); err == nil {
		t.Fatalf("expected second lock to time out while the first is held")
	}

	unlock()
	unlockAgain, err := NewFileLock(path).Lock(context.Background())
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	unlockAgain()
}

func TestFileLockWithoutPathIsNoop(t *testing.T) {
	unlock, err := NewFileLock("").Lock(context.Background())
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	unlock()
}
