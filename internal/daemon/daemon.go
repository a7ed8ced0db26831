// Package daemon implements the session daemon's bootstrap sequence,
// runtime supervisor, and ordered shutdown: the process that owns Chrome,
// the CDP connection, the telemetry collectors, and the IPC server for
// exactly one browsing session.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ardenmoss/bdg/internal/cdp"
	"github.com/ardenmoss/bdg/internal/commands"
	"github.com/ardenmoss/bdg/internal/historydb"
	"github.com/ardenmoss/bdg/internal/httpbridge"
	"github.com/ardenmoss/bdg/internal/ipc"
	"github.com/ardenmoss/bdg/internal/launcher"
	"github.com/ardenmoss/bdg/internal/logging"
	"github.com/ardenmoss/bdg/internal/protocolschema"
	"github.com/ardenmoss/bdg/internal/sessionfile"
	"github.com/ardenmoss/bdg/internal/tabresolver"
	"github.com/ardenmoss/bdg/internal/telemetry/console"
	"github.com/ardenmoss/bdg/internal/telemetry/dom"
	"github.com/ardenmoss/bdg/internal/telemetry/network"
	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

// ErrAlreadyRunning is returned by Bootstrap when the daemon or session
// lock is held by a live process.
var ErrAlreadyRunning = fmt.Errorf("daemon: session already running")

// snapshotInterval is how often the daemon captures the DOM while a
// session is live, so dom_diff and dom_query/dom_get/dom_highlight have
// something current to work against instead of only the one snapshot
// taken during shutdown. It is a var, not a const, so tests can shrink
// it rather than waiting out the production cadence.
var snapshotInterval = 15 * time.Second

// Daemon owns one session's Chrome process, CDP connection, collectors,
// and IPC server from bootstrap through shutdown.
type Daemon struct {
	cfg    Config
	dir    sessionfile.Dir
	logger logging.Logger

	daemonLock  *sessionfile.Lock
	sessionLock *sessionfile.Lock

	launcher     launcher.Launcher
	chromeHandle *launcher.Handle

	client   *cdp.Client
	resolver *tabresolver.Resolver
	schema   *protocolschema.Schema

	store    *store.Store
	differ   *dom.Differ
	queryIdx *dom.QueryIndex
	netColl  *network.Collector
	consColl *console.Collector

	registry   *commands.Registry
	ipcServer  *ipc.Server
	bridge     *httpbridge.Bridge
	httpServer *http.Server
	history    *historydb.DB

	startTime time.Time

	stopSnapshots chan struct{}
	snapshotsDone chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
	targetLost   chan struct{}
}

// New constructs a Daemon. launch is the Chrome launcher to use; pass
// launcher.NewExecLauncher() in production or a launcher.FakeLauncher in
// tests.
func New(cfg Config, dir sessionfile.Dir, launch launcher.Launcher, logger logging.Logger) *Daemon {
	if logger == nil {
		logger = logging.NewStdoutLogger("daemon")
	}
	return &Daemon{
		cfg:        cfg,
		dir:        dir,
		logger:     logger,
		launcher:   launch,
		done:       make(chan struct{}),
		targetLost: make(chan struct{}),
	}
}

// Bootstrap runs the eight-step startup sequence described in the
// component design: acquire locks, launch or attach to Chrome, connect,
// resolve the tab, start collectors, write control files, bind the IPC
// server. On any failure it unwinds what it already acquired.
func (d *Daemon) Bootstrap(ctx context.Context) (err error) {
	d.startTime = time.Now().UTC()

	if err := d.dir.Ensure(); err != nil {
		return fmt.Errorf("daemon: ensure session dir: %w", err)
	}

	d.daemonLock = sessionfile.NewLock(d.dir.DaemonLock())
	if err := d.daemonLock.Acquire(); err != nil {
		return fmt.Errorf("%w: daemon lock: %v", ErrAlreadyRunning, err)
	}
	defer func() {
		if err != nil {
			d.daemonLock.Release()
		}
	}()

	d.sessionLock = sessionfile.NewLock(d.dir.SessionLock())
	if err := d.sessionLock.Acquire(); err != nil {
		return fmt.Errorf("%w: session lock: %v", ErrAlreadyRunning, err)
	}
	defer func() {
		if err != nil {
			d.sessionLock.Release()
		}
	}()

	browserWS := d.cfg.ChromeWSURL
	if browserWS == "" {
		handle, launchErr := d.launcher.Launch(ctx, launcher.Options{
			Port:        d.cfg.ChromePort,
			UserDataDir: d.dir.ChromeProfile(),
			Headless:    d.cfg.Headless,
		})
		if launchErr != nil {
			return fmt.Errorf("daemon: launch chrome: %w", launchErr)
		}
		d.chromeHandle = handle
		ver, verErr := fetchBrowserVersion(ctx, handle.Port)
		if verErr != nil {
			return fmt.Errorf("daemon: fetch /json/version: %w", verErr)
		}
		browserWS = ver.WebSocketDebuggerURL
	}

	browserClient := cdp.New(d.logger)
	if err := browserClient.Connect(ctx, browserWS, cdp.Options{AutoReconnect: false}); err != nil {
		return fmt.Errorf("daemon: connect to browser endpoint: %w", err)
	}

	schema, err := protocolschema.Default()
	if err != nil {
		browserClient.Close(1000, "bootstrap failed")
		return fmt.Errorf("daemon: load protocol schema: %w", err)
	}
	d.schema = schema

	d.resolver = tabresolver.New(d.logger)
	target, err := d.resolver.Resolve(ctx, browserClient, d.cfg.TargetURL, d.cfg.ReuseTab)
	browserClient.Close(1000, "resolved target")
	if err != nil {
		return fmt.Errorf("daemon: resolve target tab: %w", err)
	}

	d.client = cdp.New(d.logger)
	if err := d.client.Connect(ctx, target.WebSocketDebuggerURL, cdp.Options{AutoReconnect: true}); err != nil {
		return fmt.Errorf("daemon: connect to target tab: %w", err)
	}

	d.store = store.New()
	d.store.SetTarget(target)
	d.differ = dom.NewDiffer()
	d.queryIdx = dom.NewQueryIndex()

	d.client.On("Target.targetDestroyed", d.onTargetDestroyed(target.ID))

	if d.cfg.EnableNetwork {
		d.netColl = network.New(d.client, d.store, d.cfg.NetworkFilter, d.logger)
		if err := d.netColl.Start(ctx); err != nil {
			return fmt.Errorf("daemon: start network collector: %w", err)
		}
	}
	if d.cfg.EnableConsole {
		d.consColl = console.New(d.client, d.store, console.Filters{}, d.logger)
		if err := d.consColl.Start(ctx); err != nil {
			return fmt.Errorf("daemon: start console collector: %w", err)
		}
	}

	d.startSnapshotLoop()

	if err := d.writeControlFiles(target); err != nil {
		return fmt.Errorf("daemon: write control files: %w", err)
	}

	history, err := historydb.Open(d.dir.Root, d.logger)
	if err != nil {
		d.logger.Warn("failed to open session history log", logging.Field{Key: "error", Value: err.Error()})
	} else {
		d.history = history
	}

	d.registry = commands.New(d.store, d.client, d.schema, d.differ, d.queryIdx)
	d.ipcServer = ipc.New(d.registry, d, d.logger)
	if err := d.ipcServer.Listen(d.dir.DaemonSock()); err != nil {
		return fmt.Errorf("daemon: bind ipc socket: %w", err)
	}

	if d.cfg.HTTPAddr != "" {
		d.bridge = httpbridge.New(d.store, d.registry, d.logger.With(logging.Field{Key: "component", Value: "httpbridge"}))
		d.httpServer = d.bridge.HTTPServer(d.cfg.HTTPAddr)
		go func() {
			if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error("http bridge stopped unexpectedly", logging.Field{Key: "error", Value: err.Error()})
			}
		}()
	}

	return nil
}

func (d *Daemon) writeControlFiles(target store.Target) error {
	if err := d.dir.WritePIDFile(d.dir.SessionPID(), os.Getpid()); err != nil {
		return err
	}
	if err := d.dir.WritePIDFile(d.dir.DaemonPID(), os.Getpid()); err != nil {
		return err
	}
	if d.chromeHandle != nil {
		if err := d.dir.WritePIDFile(d.dir.ChromePID(), d.chromeHandle.PID); err != nil {
			return err
		}
	}

	meta := sessionfile.Meta{
		BdgPID:               os.Getpid(),
		StartTime:            d.startTime.Format(time.RFC3339Nano),
		TargetID:             target.ID,
		WebSocketDebuggerURL: target.WebSocketDebuggerURL,
	}
	if d.chromeHandle != nil {
		meta.ChromePID = d.chromeHandle.PID
		meta.Port = d.chromeHandle.Port
	}
	for _, kind := range d.store.ActiveTelemetry() {
		meta.ActiveTelemetry = append(meta.ActiveTelemetry, string(kind))
	}
	return d.dir.WriteMeta(meta)
}

// startSnapshotLoop periodically captures the DOM and feeds it to the
// differ and query index while the session is live, so dom_diff and
// match-based dom_get/dom_highlight have something to work with before
// shutdown ever runs.
func (d *Daemon) startSnapshotLoop() {
	d.stopSnapshots = make(chan struct{})
	d.snapshotsDone = make(chan struct{})
	go d.snapshotLoop()
}

func (d *Daemon) snapshotLoop() {
	defer close(d.snapshotsDone)
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopSnapshots:
			return
		case <-ticker.C:
			d.captureSnapshot()
		}
	}
}

// snapshotCaptureTimeout bounds one live capture independently of
// snapshotInterval, which tests shrink well below a realistic CDP
// round-trip budget.
const snapshotCaptureTimeout = 5 * time.Second

func (d *Daemon) captureSnapshot() {
	if d.client == nil || !d.client.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotCaptureTimeout)
	defer cancel()
	snap := dom.Capture(ctx, d.client)
	d.differ.Record(snap)
	if err := d.queryIdx.SetSnapshot(snap.OuterHTML); err != nil {
		d.logger.Warn("failed to index dom snapshot", logging.Field{Key: "error", Value: err.Error()})
	}
}

func (d *Daemon) stopSnapshotLoop() {
	if d.stopSnapshots == nil {
		return
	}
	close(d.stopSnapshots)
	<-d.snapshotsDone
}

func (d *Daemon) onTargetDestroyed(targetID string) func(json.RawMessage, string) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	return func(raw json.RawMessage, _ string) {
		if err := json.Unmarshal(raw, &params); err != nil {
			return
		}
		if params.TargetID != targetID {
			return
		}
		select {
		case <-d.targetLost:
		default:
			close(d.targetLost)
		}
	}
}

// Run blocks until shutdown is triggered by the target tab closing, the
// supplied context being cancelled, or Shutdown being called directly
// (e.g. from a SIGINT handler or a stop_session_request).
func (d *Daemon) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.ipcServer.Serve()
	}()

	select {
	case <-ctx.Done():
		return d.Shutdown(context.Background(), historydb.OutcomeKilled, ctx.Err())
	case <-d.targetLost:
		return d.Shutdown(context.Background(), historydb.OutcomeClean, nil)
	case err := <-errCh:
		if err != nil {
			return d.Shutdown(context.Background(), historydb.OutcomeError, err)
		}
		<-d.done
		return d.shutdownErr
	}
}

// Handshake implements ipc.SessionController.
func (d *Daemon) Handshake(context.Context) (any, error) {
	return map[string]any{
		"pid":       os.Getpid(),
		"startTime": d.startTime,
		"target":    d.store.Target(),
	}, nil
}

// StopSession implements ipc.SessionController, triggering the same
// ordered shutdown as a signal or target-destroyed event.
func (d *Daemon) StopSession(ctx context.Context) (any, error) {
	go d.Shutdown(context.Background(), historydb.OutcomeClean, nil)
	return map[string]any{"stopping": true}, nil
}

// Shutdown runs the ordered, idempotent teardown sequence. Concurrent
// callers (signal handler, IPC stop_session, target-destroyed) all
// observe the result of the first call that actually runs it.
func (d *Daemon) Shutdown(ctx context.Context, outcome historydb.Outcome, cause error) error {
	d.shutdownOnce.Do(func() {
		d.shutdownErr = d.runShutdown(ctx, outcome, cause)
		close(d.done)
	})
	<-d.done
	return d.shutdownErr
}

func (d *Daemon) runShutdown(ctx context.Context, outcome historydb.Outcome, cause error) error {
	timeout := time.Duration(d.cfg.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d.ipcServer != nil {
		d.ipcServer.Close()
	}
	if d.httpServer != nil {
		d.httpServer.Close()
	}

	if d.netColl != nil {
		d.netColl.Stop()
	}
	if d.consColl != nil {
		d.consColl.Stop()
	}
	d.stopSnapshotLoop()

	var snapshot dom.Snapshot
	if d.client != nil && d.client.IsConnected() {
		snapshot = dom.Capture(shutdownCtx, d.client)
		d.differ.Record(snapshot)
		if err := d.queryIdx.SetSnapshot(snapshot.OuterHTML); err != nil {
			d.logger.Warn("failed to index final dom snapshot", logging.Field{Key: "error", Value: err.Error()})
		}
	}

	target := d.store.Target()
	output := map[string]any{
		"target":       target,
		"snapshot":     snapshot,
		"startTime":    d.startTime,
		"endTime":      time.Now().UTC(),
		"networkCount": d.store.Network.Len(),
		"consoleCount": d.store.Console.Len(),
		"outcome":      outcome,
	}
	if cause != nil {
		output["error"] = cause.Error()
	}
	data, err := json.MarshalIndent(output, "", "  ")
	var firstErr error
	if err != nil {
		firstErr = fmt.Errorf("daemon: marshal session output: %w", err)
	} else if err := d.dir.WriteOutput(data); err != nil {
		firstErr = fmt.Errorf("daemon: write session.json: %w", err)
	}

	if d.history != nil {
		endTime := time.Now().UTC()
		row := historydb.Row{
			TargetURL:    target.URL,
			TargetTitle:  target.Title,
			StartedAt:    d.startTime,
			EndedAt:      endTime,
			DurationMS:   endTime.Sub(d.startTime).Milliseconds(),
			NetworkCount: d.store.Network.Len(),
			ConsoleCount: d.store.Console.Len(),
			Outcome:      outcome,
		}
		if cause != nil {
			row.Error = cause.Error()
		}
		if err := d.history.Record(shutdownCtx, row); err != nil {
			d.logger.Warn("failed to record session history", logging.Field{Key: "error", Value: err.Error()})
		}
		d.history.Close()
	}

	if d.client != nil {
		d.client.Close(1000, "session shutdown")
	}

	if d.chromeHandle != nil && d.cfg.KillChromeOnExit {
		if err := d.launcher.Kill(d.chromeHandle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("daemon: kill chrome: %w", err)
		}
	}

	if err := d.dir.Cleanup(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("daemon: cleanup control files: %w", err)
	}
	if d.sessionLock != nil {
		d.sessionLock.Release()
	}
	if d.daemonLock != nil {
		d.daemonLock.Release()
	}

	return firstErr
}

type browserVersion struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func fetchBrowserVersion(ctx context.Context, port int) (browserVersion, error) {
	var ver browserVersion
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ver, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ver, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&ver); err != nil {
		return ver, fmt.Errorf("daemon: decode /json/version: %w", err)
	}
	return ver, nil
}
