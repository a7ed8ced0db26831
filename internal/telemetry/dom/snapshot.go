// Package dom implements the one-shot DOM snapshot operation and the
// supplemental diff/query helpers built on top of it.
package dom

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ardenmoss/bdg/internal/cdp"
)

const callTimeout = 5 * time.Second

// Snapshot is the result of capturing the current document state.
type Snapshot struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	OuterHTML string `json:"outerHtml"`
}

// Capture runs the fixed CDP call sequence documented for DOM snapshots:
// Page.enable, DOM.enable, DOM.getDocument, DOM.getOuterHTML,
// Page.getFrameTree, and an optional document.title evaluation. Any
// individual call failing degrades that field to empty rather than
// failing the whole snapshot.
func Capture(ctx context.Context, client *cdp.Client) Snapshot {
	call(ctx, client, "Page.enable", nil)
	call(ctx, client, "DOM.enable", nil)

	var snap Snapshot

	docRaw, err := call(ctx, client, "DOM.getDocument", map[string]any{"depth": -1})
	var rootNodeID int
	if err == nil {
		var doc struct {
			Root struct {
				NodeID int `json:"nodeId"`
			} `json:"root"`
		}
		if jerr := json.Unmarshal(docRaw, &doc); jerr == nil {
			rootNodeID = doc.Root.NodeID
		}
	}

	if rootNodeID != 0 {
		if htmlRaw, err := call(ctx, client, "DOM.getOuterHTML", map[string]any{"nodeId": rootNodeID}); err == nil {
			var html struct {
				OuterHTML string `json:"outerHTML"`
			}
			if jerr := json.Unmarshal(htmlRaw, &html); jerr == nil {
				snap.OuterHTML = html.OuterHTML
			}
		}
	}

	if frameRaw, err := call(ctx, client, "Page.getFrameTree", nil); err == nil {
		var tree struct {
			FrameTree struct {
				Frame struct {
					URL string `json:"url"`
				} `json:"frame"`
			} `json:"frameTree"`
		}
		if jerr := json.Unmarshal(frameRaw, &tree); jerr == nil {
			snap.URL = tree.FrameTree.Frame.URL
		}
	}

	if titleRaw, err := call(ctx, client, "Runtime.evaluate", map[string]any{
		"expression":    "document.title",
		"returnByValue": true,
	}); err == nil {
		var res struct {
			Result struct {
				Value string `json:"value"`
			} `json:"result"`
		}
		if jerr := json.Unmarshal(titleRaw, &res); jerr == nil {
			snap.Title = res.Result.Value
		}
	}

	return snap
}

func call(ctx context.Context, client *cdp.Client, method string, params any) (json.RawMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return client.Send(cctx, method, params, "")
}
