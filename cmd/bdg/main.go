// Command bdg is the CLI front-end: a thin shell over the daemon's IPC
// client that dials the Unix socket, issues one request, and renders the
// response. It never talks CDP itself; the one exception is `cleanup`,
// which kills a Chrome process left behind by a crashed daemon directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ardenmoss/bdg/internal/historydb"
	"github.com/ardenmoss/bdg/internal/ipc"
	"github.com/ardenmoss/bdg/internal/launcher"
	"github.com/ardenmoss/bdg/internal/sessionfile"
)

// exitCode mirrors the stable mapping referenced by spec.md §6's CLI
// surface description.
const (
	exitOK                  = 0
	exitResourceNotFound    = 2
	exitInvalidArguments    = 3
	exitResourceBusy        = 4
	exitDaemonAlreadyRunning = 5
	exitUnhandled           = 1
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitInvalidArguments)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = runStatus(args)
	case "peek":
		err = runPeek(args)
	case "details":
		err = runDetails(args)
	case "stop":
		err = runStop(args)
	case "cleanup":
		err = runCleanup(args)
	case "history":
		err = runHistory(args)
	case "cdp":
		err = runCDP(args)
	case "dom":
		err = runDOM(args)
	default:
		fmt.Fprintf(os.Stderr, "bdg: unknown command %q\n", cmd)
		usage()
		os.Exit(exitInvalidArguments)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "bdg: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: bdg <command> [flags]

commands:
  status               show the active session's status
  peek [-lastN N] [-offset N]   show recent network/console telemetry
  details -type T -id ID        show one network or console record
  stop                 stop the active session
  cleanup              remove stale session files left by a crashed daemon
  history [-limit N] [-json]    list past sessions from the history log
  cdp -method M [-params JSON]  issue a raw CDP call through the daemon
  dom query -selector S         resolve a CSS selector against the last snapshot
  dom get|highlight -nodeId N | -match K   act on a node by id or by dom query match key
  dom screenshot                 capture the current page
  dom diff                      diff the two most recent DOM snapshots`)
}

func socketPath() (string, error) {
	dir, err := sessionfile.Resolve()
	if err != nil {
		return "", err
	}
	return dir.DaemonSock(), nil
}

func call(requestType string, payload map[string]any) (ipc.Response, error) {
	sock, err := socketPath()
	if err != nil {
		return ipc.Response{}, err
	}
	resp, err := ipc.NewClient(sock).Call(requestType, payload)
	if err != nil {
		return ipc.Response{}, fmt.Errorf("no active session: %w", err)
	}
	if resp.Status == "error" {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func exitCodeFor(err error) int {
	if strings.Contains(err.Error(), "no active session") {
		return exitResourceNotFound
	}
	return exitUnhandled
}

func runStatus(args []string) error {
	resp, err := call("status_request", nil)
	if err != nil {
		return err
	}
	printJSON(resp.Data)
	return nil
}

func runPeek(args []string) error {
	fs := flag.NewFlagSet("peek", flag.ContinueOnError)
	lastN := fs.Int("lastN", 100, "max items per kind")
	offset := fs.Int("offset", 0, "offset from the end")
	if err := fs.Parse(args); err != nil {
		return err
	}
	resp, err := call("peek_request", map[string]any{"lastN": *lastN, "offset": *offset})
	if err != nil {
		return err
	}
	printJSON(resp.Data)
	return nil
}

func runDetails(args []string) error {
	fs := flag.NewFlagSet("details", flag.ContinueOnError)
	itemType := fs.String("type", "", "network or console")
	id := fs.String("id", "", "requestId (network) or index (console)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *itemType == "" || *id == "" {
		return fmt.Errorf("details requires -type and -id")
	}
	resp, err := call("details_request", map[string]any{"itemType": *itemType, "id": *id})
	if err != nil {
		return err
	}
	printJSON(resp.Data)
	return nil
}

func runStop(args []string) error {
	resp, err := call("stop_session_request", nil)
	if err != nil {
		return err
	}
	printJSON(resp.Data)
	return nil
}

func runCleanup(args []string) error {
	dir, err := sessionfile.Resolve()
	if err != nil {
		return err
	}
	check, err := dir.CheckStale()
	if err != nil {
		return err
	}
	if !check.SessionAlive && !check.DaemonAlive {
		if err := killCachedChrome(dir); err != nil {
			return err
		}
		if err := dir.Cleanup(); err != nil {
			return err
		}
		fmt.Println("removed stale session files")
		return nil
	}
	if check.SessionAlive && !check.DaemonAlive {
		return fmt.Errorf("worker %d is orphaned but still alive; force-kill it manually", check.SessionPID)
	}
	fmt.Println("session is still active, nothing to clean up")
	return nil
}

// killCachedChrome terminates and forgets the Chrome process recorded in
// chrome.pid, if any. It is only called once the session and daemon PIDs
// are both confirmed dead, since a live daemon still owns that Chrome.
func killCachedChrome(dir sessionfile.Dir) error {
	pid, err := dir.ReadPIDFile(dir.ChromePID())
	if err != nil || pid == 0 {
		return err
	}
	if err := launcher.NewExecLauncher().Kill(&launcher.Handle{PID: pid}); err != nil {
		return err
	}
	if err := os.Remove(dir.ChromePID()); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Printf("killed cached chrome process %d\n", pid)
	return nil
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max rows to show")
	asJSON := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir, err := sessionfile.Resolve()
	if err != nil {
		return err
	}
	db, err := historydb.Open(dir.Root, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.List(context.Background(), *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		printJSON(rows)
		return nil
	}
	for _, r := range rows {
		fmt.Printf("%s  %-8s  %5d net  %5d console  %s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Outcome, r.NetworkCount, r.ConsoleCount, r.TargetURL)
	}
	return nil
}

func runCDP(args []string) error {
	fs := flag.NewFlagSet("cdp", flag.ContinueOnError)
	method := fs.String("method", "", "CDP method, e.g. Page.navigate")
	params := fs.String("params", "{}", "JSON-encoded params object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *method == "" {
		return fmt.Errorf("cdp requires -method")
	}
	var rawParams json.RawMessage = json.RawMessage(*params)
	resp, err := call("cdp_call_request", map[string]any{"method": *method, "params": rawParams})
	if err != nil {
		return err
	}
	printJSON(resp.Data)
	return nil
}

func runDOM(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("dom requires a subcommand: query|get|highlight|screenshot|diff")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "query":
		fs := flag.NewFlagSet("dom query", flag.ContinueOnError)
		selector := fs.String("selector", "", "CSS selector")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		resp, err := call("dom_query_request", map[string]any{"selector": *selector})
		if err != nil {
			return err
		}
		printJSON(resp.Data)
	case "get", "highlight":
		fs := flag.NewFlagSet("dom "+sub, flag.ContinueOnError)
		nodeID := fs.Int("nodeId", 0, "CDP node id")
		match := fs.String("match", "", "match key returned by 'dom query', e.g. match:0:li")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *nodeID == 0 && *match == "" {
			return fmt.Errorf("dom %s requires -nodeId or -match", sub)
		}
		resp, err := call("dom_"+sub+"_request", map[string]any{"nodeId": *nodeID, "match": *match})
		if err != nil {
			return err
		}
		printJSON(resp.Data)
	case "screenshot":
		resp, err := call("dom_screenshot_request", nil)
		if err != nil {
			return err
		}
		printJSON(resp.Data)
	case "diff":
		resp, err := call("dom_diff_request", nil)
		if err != nil {
			return err
		}
		printJSON(resp.Data)
	default:
		return fmt.Errorf("dom: unknown subcommand %q", sub)
	}
	return nil
}
