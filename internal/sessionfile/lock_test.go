package sessionfile_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ardenmoss/bdg/internal/sessionfile"
)

func TestLock_AcquireAndRelease(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "session.lock")

	l := sessionfile.NewLock(path)
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing after Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file still exists after Release")
	}
}

func TestLock_ConflictWithLiveProcess(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "session.lock")

	// Write this test process's own PID as the lock owner: a live PID.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	l := sessionfile.NewLock(path)
	if err := l.Acquire(); err != sessionfile.ErrHeldByLiveProcess {
		t.Fatalf("Acquire = %v, want ErrHeldByLiveProcess", err)
	}
}

func TestLock_StaleLockIsReclaimed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "session.lock")

	// PID 999999 is extremely unlikely to be a live process in any test
	// environment; treat it as a dead-owner stand-in.
	if err := os.WriteFile(path, []byte("999999"), 0o600); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	l := sessionfile.NewLock(path)
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
}
