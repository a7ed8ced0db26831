package daemon

import (
	"github.com/ardenmoss/bdg/internal/telemetry/network"
)

// Config carries the bootstrap parameters for one session, gathered from
// CLI flags by cmd/bdgd before Run is called.
type Config struct {
	// TargetURL is the page bdg should end up looking at.
	TargetURL string
	// ReuseTab controls whether the tab resolver may reuse an existing tab
	// that scores well enough, versus always opening a fresh one.
	ReuseTab bool

	// ChromeWSURL, if set, is an already-running Chrome's browser
	// WebSocket endpoint; bootstrap skips launching Chrome entirely.
	ChromeWSURL string
	// ChromePort is the debugging port to launch Chrome on when
	// ChromeWSURL is empty.
	ChromePort int
	// Headless controls the launched Chrome's --headless flag.
	Headless bool
	// KillChromeOnExit requests Chrome be killed during shutdown rather
	// than left running with its profile intact.
	KillChromeOnExit bool

	// EnableNetwork, EnableConsole start the respective collectors.
	EnableNetwork bool
	EnableConsole bool
	NetworkFilter network.Filters

	// HTTPAddr, if non-empty, starts the optional read-only HTTP bridge on
	// this address (e.g. "127.0.0.1:9222"). Off by default.
	HTTPAddr string

	// ShutdownTimeoutSeconds bounds, in seconds, how long graceful shutdown waits for
	// best-effort steps (DOM snapshot, history record) before moving on.
	ShutdownTimeoutSeconds int
}

// DefaultConfig returns a Config with the daemon's documented defaults.
func DefaultConfig() Config {
	return Config{
		ReuseTab:               true,
		ChromePort:             9222,
		Headless:               true,
		EnableNetwork:          true,
		EnableConsole:          true,
		NetworkFilter:          network.Filters{},
		ShutdownTimeoutSeconds: 10,
	}
}
