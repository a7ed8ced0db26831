// Command bdgd is the session daemon: it owns Chrome, the CDP connection,
// the telemetry collectors, and the local IPC socket for exactly one
// browsing session. The bdg CLI talks to it; it is not meant to be used
// directly by humans except for debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ardenmoss/bdg/internal/daemon"
	"github.com/ardenmoss/bdg/internal/launcher"
	"github.com/ardenmoss/bdg/internal/logging"
	"github.com/ardenmoss/bdg/internal/sessionfile"
	"github.com/ardenmoss/bdg/internal/telemetry/network"
)

func main() {
	fs := flag.NewFlagSet("bdgd", flag.ExitOnError)
	var (
		targetURL     = fs.String("url", "", "URL to navigate to or reuse a tab for (required)")
		reuseTab      = fs.Bool("reuse-tab", true, "reuse an existing tab scoring well enough before opening a new one")
		chromeWSURL   = fs.String("chrome-ws-url", "", "attach to an already-running Chrome instead of launching one")
		chromePort    = fs.Int("chrome-port", 9222, "debugging port to launch Chrome on")
		headless      = fs.Bool("headless", true, "launch Chrome headless")
		killChrome    = fs.Bool("kill-chrome", false, "kill Chrome on shutdown instead of leaving it running")
		enableNetwork = fs.Bool("network", true, "enable the network collector")
		enableConsole = fs.Bool("console", true, "enable the console collector")
		includeAll    = fs.Bool("include-all", false, "disable built-in tracking-domain exclusion")
		includeGlobs  = fs.String("include", "", "comma-separated wildcard URL patterns always fetched")
		excludeGlobs  = fs.String("exclude", "", "comma-separated wildcard URL patterns never fetched")
		fetchAllBody  = fs.Bool("fetch-all-bodies", false, "fetch response bodies regardless of MIME type")
		httpAddr      = fs.String("http-addr", "", "address for the optional read-only HTTP bridge, e.g. 127.0.0.1:9223 (off by default)")
		shutdownSecs  = fs.Int("shutdown-timeout", 10, "seconds allotted to graceful shutdown's best-effort steps")
	)
	fs.Parse(os.Args[1:])
	if *httpAddr == "" {
		*httpAddr = os.Getenv("BDG_HTTP_ADDR")
	}

	if strings.TrimSpace(*targetURL) == "" {
		fmt.Fprintln(os.Stderr, "bdgd: -url is required")
		os.Exit(1)
	}

	dir, err := sessionfile.Resolve()
	if err != nil {
		log.Fatalf("bdgd: resolve session directory: %v", err)
	}

	logger := logging.NewStdoutLogger("bdgd")

	cfg := daemon.DefaultConfig()
	cfg.TargetURL = *targetURL
	cfg.ReuseTab = *reuseTab
	cfg.ChromeWSURL = *chromeWSURL
	cfg.ChromePort = *chromePort
	cfg.Headless = *headless
	cfg.KillChromeOnExit = *killChrome
	cfg.EnableNetwork = *enableNetwork
	cfg.EnableConsole = *enableConsole
	cfg.HTTPAddr = *httpAddr
	cfg.ShutdownTimeoutSeconds = *shutdownSecs
	cfg.NetworkFilter = network.Filters{
		IncludeAll:      *includeAll,
		IncludePatterns: splitCSV(*includeGlobs),
		ExcludePatterns: splitCSV(*excludeGlobs),
		FetchAllBodies:  *fetchAllBody,
	}

	d := daemon.New(cfg, dir, launcher.NewExecLauncher(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", logging.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}

	logger.Info("session started", logging.Field{Key: "url", Value: *targetURL})
	if err := d.Run(ctx); err != nil {
		logger.Error("session ended with error", logging.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
