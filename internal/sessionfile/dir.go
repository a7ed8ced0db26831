// Package sessionfile manages the per-user session directory: PID, lock,
// metadata, and socket files that coordinate the CLI, daemon, worker, and
// Chrome process lifecycles across process boundaries.
package sessionfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultDirName = ".bdg"
	envSessionDir  = "BDG_SESSION_DIR"
)

// Dir resolves and exposes the well-known file paths of a session
// directory, defaulting to ~/.bdg, overridable via BDG_SESSION_DIR.
type Dir struct {
	Root string
}

// Resolve returns the effective session directory, per the environment
// variable override described in the external interfaces contract.
func Resolve() (Dir, error) {
	if v := os.Getenv(envSessionDir); v != "" {
		return Dir{Root: v}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Dir{}, fmt.Errorf("sessionfile: resolve home directory: %w", err)
	}
	return Dir{Root: filepath.Join(home, defaultDirName)}, nil
}

// Ensure creates the session directory if it does not already exist.
func (d Dir) Ensure() error {
	return os.MkdirAll(d.Root, 0o700)
}

func (d Dir) path(name string) string { return filepath.Join(d.Root, name) }

func (d Dir) SessionPID() string     { return d.path("session.pid") }
func (d Dir) SessionLock() string    { return d.path("session.lock") }
func (d Dir) SessionMeta() string    { return d.path("session.meta.json") }
func (d Dir) DaemonPID() string      { return d.path("daemon.pid") }
func (d Dir) DaemonSock() string     { return d.path("daemon.sock") }
func (d Dir) DaemonLock() string     { return d.path("daemon.lock") }
func (d Dir) ChromePID() string      { return d.path("chrome.pid") }
func (d Dir) SessionOutput() string  { return d.path("session.json") }
func (d Dir) ChromeProfile() string  { return d.path("chrome-profile") }

// Meta is the on-disk session.meta.json document, written once after
// collectors start. The bdg CLI does not read it: `bdg status` asks the
// daemon over its socket and, when the socket is unreachable, reports no
// active session without consulting this file.
type Meta struct {
	BdgPID               int      `json:"bdgPid"`
	ChromePID            int      `json:"chromePid,omitempty"`
	StartTime            string   `json:"startTime"`
	Port                 int      `json:"port"`
	TargetID             string   `json:"targetId,omitempty"`
	WebSocketDebuggerURL string   `json:"webSocketDebuggerUrl,omitempty"`
	ActiveTelemetry      []string `json:"activeTelemetry,omitempty"`
}

// WriteMeta atomically writes the session metadata file.
func (d Dir) WriteMeta(m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionfile: marshal meta: %w", err)
	}
	return atomicWriteFile(d.SessionMeta(), data, 0o600)
}

// ReadMeta reads and decodes the session metadata file.
func (d Dir) ReadMeta() (Meta, error) {
	data, err := os.ReadFile(d.SessionMeta())
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("sessionfile: decode meta: %w", err)
	}
	return m, nil
}

// WritePIDFile atomically writes pid as decimal text to path.
func (d Dir) WritePIDFile(path string, pid int) error {
	return atomicWriteFile(path, []byte(strconv.Itoa(pid)), 0o600)
}

// ReadPIDFile reads and parses a PID file, returning 0 and no error if the
// file does not exist.
func (d Dir) ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("sessionfile: parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// WriteOutput atomically writes the final session.json output. During
// shutdown it is written before any session-PID file is removed, so
// readers never observe session.json
// pointing at an already-torn-down session.
func (d Dir) WriteOutput(data []byte) error {
	return atomicWriteFile(d.SessionOutput(), data, 0o644)
}

// Cleanup removes the session-control files left behind after a shutdown,
// preserving session.json, chrome.pid, and the Chrome profile directory.
func (d Dir) Cleanup() error {
	for _, p := range []string{
		d.SessionPID(), d.SessionLock(), d.SessionMeta(),
		d.DaemonPID(), d.DaemonSock(), d.DaemonLock(),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sessionfile: remove %s: %w", p, err)
		}
	}
	return nil
}

// StaleSessionCheck reports which of the session/daemon PID files point at
// a live process. Used by `bdg cleanup` to decide what to tear down.
type StaleSessionCheck struct {
	SessionAlive bool
	DaemonAlive  bool
	SessionPID   int
	DaemonPID    int
}

// CheckStale inspects session.pid and daemon.pid for liveness.
func (d Dir) CheckStale() (StaleSessionCheck, error) {
	var check StaleSessionCheck

	sp, err := d.ReadPIDFile(d.SessionPID())
	if err != nil {
		return check, err
	}
	check.SessionPID = sp
	check.SessionAlive = sp > 0 && processAlive(sp)

	dp, err := d.ReadPIDFile(d.DaemonPID())
	if err != nil {
		return check, err
	}
	check.DaemonPID = dp
	check.DaemonAlive = dp > 0 && processAlive(dp)

	return check, nil
}
