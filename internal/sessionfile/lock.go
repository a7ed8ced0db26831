package sessionfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is a filesystem lock file holding the owner's PID, created with
// exclusive-create semantics so at most one process can hold it at a time
// without relying on advisory fcntl locks.
type Lock struct {
	path string
}

// NewLock returns a Lock bound to path. It does not acquire anything yet.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// ErrHeldByLiveProcess is returned by Acquire when another live process
// already owns the lock.
var ErrHeldByLiveProcess = fmt.Errorf("sessionfile: lock held by a live process")

// Acquire attempts exclusive creation of the lock file containing this
// process's PID. On conflict, it checks whether the recorded owner is
// still alive: if dead, the stale lock is removed and acquisition is
// retried once; if alive, ErrHeldByLiveProcess is returned.
func (l *Lock) Acquire() error {
	if err := l.tryCreate(); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("sessionfile: create lock %s: %w", l.path, err)
	}

	pid, readErr := l.readPID()
	if readErr == nil && pid > 0 && processAlive(pid) {
		return ErrHeldByLiveProcess
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessionfile: remove stale lock %s: %w", l.path, err)
	}

	if err := l.tryCreate(); err != nil {
		return fmt.Errorf("sessionfile: re-create lock %s: %w", l.path, err)
	}
	return nil
}

// Release removes the lock file. It is not an error to release an
// already-absent lock.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessionfile: remove lock %s: %w", l.path, err)
	}
	return nil
}

func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

func (l *Lock) readPID() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether pid names a currently running process.
// Signal(0) performs the existence/permission check without delivering an
// actual signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
