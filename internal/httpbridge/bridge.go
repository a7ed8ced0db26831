// Package httpbridge implements the optional, read-only HTTP mirror of a
// session's status and telemetry, for humans pointing a browser at the
// daemon instead of the CLI.
//
//go:generate swag init -g internal/httpbridge/bridge.go -o docs/swagger

// @title bdg HTTP bridge
// @version 0.1
// @description Read-only observability surface over a running bdg session.
// @BasePath /
package httpbridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/ardenmoss/bdg/internal/commands"
	"github.com/ardenmoss/bdg/internal/logging"
	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

// Bridge is the read-only HTTP + WebSocket surface over a session's
// telemetry store. It cannot start sessions, issue cdp_calls, or stop the
// daemon; its handlers only read from the store and the command
// registry's read-only handlers.
type Bridge struct {
	store    *store.Store
	registry *commands.Registry
	logger   logging.Logger
	router   chi.Router
	upgrader websocket.Upgrader
}

// New builds a Bridge over st, using registry only for its read-only
// worker_peek/worker_status handlers.
func New(st *store.Store, registry *commands.Registry, logger logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewStdoutLogger("httpbridge")
	}
	b := &Bridge{
		store:    st,
		registry: registry,
		logger:   logger,
		router:   chi.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	b.routes()
	return b
}

func (b *Bridge) routes() {
	b.router.Get("/status", b.handleStatus)
	b.router.Get("/peek", b.handlePeek)
	b.router.Get("/ws/tail", b.handleTail)
	b.router.Get("/swagger/*", httpSwagger.WrapHandler)
}

// ServeHTTP implements http.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// HTTPServer returns an *http.Server ready to ListenAndServe at addr. The
// host part of addr is replaced with 127.0.0.1, so the bridge listens on
// the loopback interface only.
func (b *Bridge) HTTPServer(addr string) *http.Server {
	if _, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return &http.Server{
		Addr:         addr,
		Handler:      b,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /ws/tail streams
	}
}

// handleStatus godoc
// @Summary      Session status
// @Produce      json
// @Success      200 {object} store.Status
// @Router       /status [get]
func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.store.Status())
}

// handlePeek godoc
// @Summary      Recent network/console telemetry
// @Produce      json
// @Param        lastN  query int false "max items per kind"
// @Param        offset query int false "offset from the end"
// @Success      200 {object} map[string]any
// @Router       /peek [get]
func (b *Bridge) handlePeek(w http.ResponseWriter, r *http.Request) {
	handler, ok := b.registry.Lookup("worker_peek")
	if !ok {
		writeError(w, http.StatusInternalServerError, "worker_peek handler unavailable")
		return
	}

	q := r.URL.Query()
	params, _ := json.Marshal(map[string]any{
		"lastN":  atoiDefault(q.Get("lastN"), 100),
		"offset": atoiDefault(q.Get("offset"), 0),
	})

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	result, err := handler(ctx, params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleTail upgrades to a WebSocket and streams newly appended
// network/console records as they arrive — a push-based complement to
// the pull-based peek/tail IPC commands.
func (b *Bridge) handleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastNetwork := b.store.Network.Len()
	lastConsole := b.store.Console.Len()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			netLen := b.store.Network.Len()
			consLen := b.store.Console.Len()
			if netLen == lastNetwork && consLen == lastConsole {
				continue
			}

			netNew := []store.NetworkRecord{}
			if netLen > lastNetwork {
				netNew, _ = b.store.Network.Tail(netLen-lastNetwork, 0)
			}
			consNew := []store.ConsoleMessage{}
			if consLen > lastConsole {
				consNew, _ = b.store.Console.Tail(consLen-lastConsole, 0)
			}
			lastNetwork, lastConsole = netLen, consLen

			msg := map[string]any{"network": netNew, "console": consNew}
			data, _ := json.Marshal(msg)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
