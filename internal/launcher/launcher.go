// Package launcher defines the contract for starting and stopping a
// Chrome process exposing a CDP debugging port, plus a concrete os/exec
// implementation.
package launcher

import "context"

// Options configures how Chrome is started.
type Options struct {
	Port          int
	UserDataDir   string
	Headless      bool
	ExtraFlags    []string
	ChromeBinPath string
}

// Handle identifies a launched Chrome process.
type Handle struct {
	PID  int
	Port int
}

// Launcher starts a Chrome instance and can later kill it. Implementations
// must be safe to call Kill on a Handle they returned, exactly once.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (*Handle, error)
	Kill(h *Handle) error
}
