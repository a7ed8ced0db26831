package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ardenmoss/bdg/internal/commands"
	"github.com/ardenmoss/bdg/internal/logging"
)

const idleReadDeadline = 5 * time.Second

// requestTypeToCommand maps the wire request type to a command-registry
// name. handshake_request and stop_session_request are handled by the
// server itself through its SessionController, not the command registry,
// since they touch daemon lifecycle rather than the telemetry store.
// start_session_request has no handler and is answered with "unknown
// command".
var requestTypeToCommand = map[string]string{
	"status_request":         "worker_status",
	"peek_request":           "worker_peek",
	"details_request":        "worker_details",
	"cdp_call_request":       "cdp_call",
	"dom_query_request":      "dom_query",
	"dom_get_request":        "dom_get",
	"dom_highlight_request":  "dom_highlight",
	"dom_screenshot_request": "dom_screenshot",
	"dom_diff_request":       "dom_diff",
}

// SessionController handles the two request types the command registry
// does not own: handshake and stop_session. The daemon supplies an
// implementation bound to its own shutdown machinery.
type SessionController interface {
	Handshake(ctx context.Context) (any, error)
	StopSession(ctx context.Context) (any, error)
}

// Server accepts connections on a Unix domain socket and dispatches
// JSONL-framed requests to the command registry.
type Server struct {
	logger     logging.Logger
	registry   *commands.Registry
	controller SessionController

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// New returns a Server bound to registry and controller. A nil logger
// falls back to a stdout logger scoped to this package.
func New(registry *commands.Registry, controller SessionController, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewStdoutLogger("ipc")
	}
	return &Server{registry: registry, controller: controller, logger: logger}
}

// Listen removes any stale socket file, binds path, and restricts it to
// owner-only permissions.
func (s *Server) Listen(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: chmod socket %s: %w", path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Close is called. It returns nil on a
// clean shutdown (Close called) and a non-nil error for any other accept
// failure.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections. In-flight connections are
// allowed to finish their current request.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for {
		conn.SetReadDeadline(time.Now().Add(idleReadDeadline))
		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		resp := s.dispatch(line)
		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to marshal ipc response", logging.Field{Key: "error", Value: err.Error()})
			return
		}
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line []byte) Response {
	var req rawRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return errResponse("unknown", "unknown", "malformed request: "+err.Error(), "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch req.Type {
	case "handshake_request":
		return s.respondController(ctx, req, s.controller.Handshake)
	case "stop_session_request":
		return s.respondController(ctx, req, s.controller.StopSession)
	}

	cmdName, ok := requestTypeToCommand[req.Type]
	if !ok {
		return errResponse(req.Type, req.SessionID, "unknown command", "")
	}
	handler, ok := s.registry.Lookup(cmdName)
	if !ok {
		return errResponse(req.Type, req.SessionID, "unknown command", "")
	}

	data, err := handler(ctx, json.RawMessage(line))
	if err != nil {
		if errors.Is(err, commands.ErrNotFound) {
			return errResponse(req.Type, req.SessionID, err.Error(), "")
		}
		return errResponse(req.Type, req.SessionID, err.Error(), CodeDaemonError)
	}
	return okResponse(req.Type, req.SessionID, data)
}

func (s *Server) respondController(ctx context.Context, req rawRequest, fn func(context.Context) (any, error)) Response {
	data, err := fn(ctx)
	if err != nil {
		return errResponse(req.Type, req.SessionID, err.Error(), CodeDaemonError)
	}
	return okResponse(req.Type, req.SessionID, data)
}
