// Package commands implements the command registry: the mapping from IPC
// request names to handlers that consult the telemetry store and/or
// forward to the CDP client.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ardenmoss/bdg/internal/cdp"
	"github.com/ardenmoss/bdg/internal/protocolschema"
	"github.com/ardenmoss/bdg/internal/telemetry/dom"
	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

// ErrNotFound is returned by handlers when a requested item does not
// exist (session, item index, requestId, CDP method).
var ErrNotFound = errors.New("commands: not found")

// Handler executes one command given raw JSON params, returning a value
// that the IPC server will serialize as the response's data field.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Registry holds the daemon's command handlers, bound to one session's
// telemetry store, CDP client, and supplemental DOM helpers.
type Registry struct {
	store    *store.Store
	client   *cdp.Client
	schema   *protocolschema.Schema
	differ   *dom.Differ
	queryIdx *dom.QueryIndex

	handlers map[string]Handler
}

// New builds the fixed set of core command handlers described in the
// component design.
func New(st *store.Store, client *cdp.Client, schema *protocolschema.Schema, differ *dom.Differ, queryIdx *dom.QueryIndex) *Registry {
	r := &Registry{
		store:    st,
		client:   client,
		schema:   schema,
		differ:   differ,
		queryIdx: queryIdx,
	}
	r.handlers = map[string]Handler{
		"worker_peek":     r.workerPeek,
		"worker_details":  r.workerDetails,
		"worker_status":   r.workerStatus,
		"cdp_call":        r.cdpCall,
		"dom_query":       r.domQuery,
		"dom_get":         r.domGet,
		"dom_highlight":   r.domHighlight,
		"dom_screenshot":  r.domScreenshot,
		"dom_diff":        r.domDiff,
	}
	return r
}

// Lookup returns the handler registered for name, if any.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered command names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("commands: decode params: %w", err)
	}
	return nil
}
