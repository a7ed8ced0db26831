package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ardenmoss/bdg/internal/telemetry/dom"
	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

type peekParams struct {
	LastN  int `json:"lastN"`
	Offset int `json:"offset"`
}

type peekResult struct {
	Network      []store.NetworkRecord  `json:"network"`
	Console      []store.ConsoleMessage `json:"console"`
	NetworkTotal int                    `json:"networkTotal"`
	ConsoleTotal int                    `json:"consoleTotal"`
	HasMore      bool                   `json:"hasMore"`
}

func (r *Registry) workerPeek(_ context.Context, params json.RawMessage) (any, error) {
	var p peekParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.LastN <= 0 || p.LastN > 100 {
		p.LastN = 100
	}

	network, netMore := r.store.Network.Tail(p.LastN, p.Offset)
	console, consMore := r.store.Console.Tail(p.LastN, p.Offset)

	return peekResult{
		Network:      network,
		Console:      console,
		NetworkTotal: r.store.Network.Len(),
		ConsoleTotal: r.store.Console.Len(),
		HasMore:      netMore || consMore,
	}, nil
}

type detailsParams struct {
	ItemType string `json:"itemType"`
	ID       string `json:"id"`
}

func (r *Registry) workerDetails(_ context.Context, params json.RawMessage) (any, error) {
	var p detailsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	switch p.ItemType {
	case "network":
		for _, rec := range r.store.Network.Slice() {
			if rec.RequestID == p.ID {
				return rec, nil
			}
		}
		return nil, fmt.Errorf("%w: network request %q", ErrNotFound, p.ID)
	case "console":
		var idx int
		if _, err := fmt.Sscanf(p.ID, "%d", &idx); err != nil {
			return nil, fmt.Errorf("%w: console index %q is not an integer", ErrNotFound, p.ID)
		}
		msg, ok := r.store.Console.At(idx)
		if !ok {
			return nil, fmt.Errorf("%w: console index %d", ErrNotFound, idx)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: unknown item type %q", ErrNotFound, p.ItemType)
	}
}

func (r *Registry) workerStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return r.store.Status(), nil
}

type cdpCallParams struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (r *Registry) cdpCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p cdpCallParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	canonical, ok := r.schema.Normalize(p.Method)
	if !ok {
		return nil, fmt.Errorf("%w: cdp method %q", ErrNotFound, p.Method)
	}

	var args any
	if len(p.Params) > 0 {
		if err := json.Unmarshal(p.Params, &args); err != nil {
			return nil, fmt.Errorf("commands: decode cdp_call params: %w", err)
		}
	}

	raw, err := r.client.Send(ctx, canonical, args, "")
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		result = json.RawMessage(raw)
	}
	return map[string]any{"result": result}, nil
}

type selectorParams struct {
	Selector string `json:"selector"`
}

func (r *Registry) domQuery(_ context.Context, params json.RawMessage) (any, error) {
	var p selectorParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	idxs, err := r.queryIdx.Resolve(p.Selector)
	if err != nil {
		return nil, err
	}
	matches := make([]string, len(idxs))
	for i, idx := range idxs {
		matches[i] = dom.MatchKey(p.Selector, idx)
	}
	return map[string]any{"matches": matches}, nil
}

// nodeParams identifies a CDP node either directly, by nodeId, or
// indirectly, by the "match:N:selector" reference dom_query handed back.
// Exactly one of the two should be set; NodeID wins if both are.
type nodeParams struct {
	NodeID int    `json:"nodeId"`
	Match  string `json:"match"`
}

// resolveNodeID turns nodeParams into a concrete CDP nodeId, querying the
// live document for Match when NodeID is unset.
func (r *Registry) resolveNodeID(ctx context.Context, p nodeParams) (int, error) {
	if p.NodeID != 0 {
		return p.NodeID, nil
	}
	if p.Match == "" {
		return 0, fmt.Errorf("%w: nodeId or match is required", ErrNotFound)
	}
	selector, index, err := dom.ParseMatchKey(p.Match)
	if err != nil {
		return 0, err
	}

	docRaw, err := r.client.Send(ctx, "DOM.getDocument", map[string]any{"depth": -1}, "")
	if err != nil {
		return 0, fmt.Errorf("commands: resolve match, get document: %w", err)
	}
	var doc struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(docRaw, &doc); err != nil {
		return 0, fmt.Errorf("commands: resolve match, decode document: %w", err)
	}

	allRaw, err := r.client.Send(ctx, "DOM.querySelectorAll", map[string]any{
		"nodeId":   doc.Root.NodeID,
		"selector": selector,
	}, "")
	if err != nil {
		return 0, fmt.Errorf("commands: resolve match, query selector: %w", err)
	}
	var matched struct {
		NodeIDs []int `json:"nodeIds"`
	}
	if err := json.Unmarshal(allRaw, &matched); err != nil {
		return 0, fmt.Errorf("commands: resolve match, decode query result: %w", err)
	}
	if index < 0 || index >= len(matched.NodeIDs) {
		return 0, fmt.Errorf("%w: match %q no longer matches any node", ErrNotFound, p.Match)
	}
	return matched.NodeIDs[index], nil
}

func (r *Registry) domGet(ctx context.Context, params json.RawMessage) (any, error) {
	var p nodeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	nodeID, err := r.resolveNodeID(ctx, p)
	if err != nil {
		return nil, err
	}
	raw, err := r.client.Send(ctx, "DOM.getOuterHTML", map[string]any{"nodeId": nodeID}, "")
	if err != nil {
		return nil, err
	}
	var result any
	json.Unmarshal(raw, &result)
	return result, nil
}

func (r *Registry) domHighlight(ctx context.Context, params json.RawMessage) (any, error) {
	var p nodeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	nodeID, err := r.resolveNodeID(ctx, p)
	if err != nil {
		return nil, err
	}
	_, err = r.client.Send(ctx, "Overlay.highlightNode", map[string]any{
		"nodeId":          nodeID,
		"highlightConfig": map[string]any{"showInfo": true},
	}, "")
	return map[string]any{"ok": err == nil}, err
}

func (r *Registry) domScreenshot(ctx context.Context, _ json.RawMessage) (any, error) {
	raw, err := r.client.Send(ctx, "Page.captureScreenshot", nil, "")
	if err != nil {
		return nil, err
	}
	var result any
	json.Unmarshal(raw, &result)
	return result, nil
}

func (r *Registry) domDiff(_ context.Context, _ json.RawMessage) (any, error) {
	diff, err := r.differ.Diff()
	if err != nil {
		return nil, err
	}
	return map[string]any{"diff": diff}, nil
}
