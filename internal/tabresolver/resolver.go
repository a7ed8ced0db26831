// Package tabresolver implements the algorithm that turns a requested URL
// into a live Chrome tab: reuse an existing one when it scores well enough,
// otherwise create a fresh one, then wait for it to finish navigating.
package tabresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ardenmoss/bdg/internal/cdp"
	"github.com/ardenmoss/bdg/internal/logging"
	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

// readyPollInterval and readyTimeout are vars, not consts, so internal
// tests can shrink them instead of waiting out the real 15s.
var (
	readyPollInterval = 200 * time.Millisecond
	readyTimeout      = 15 * time.Second
)

var (
	// ErrReadyTimeout is returned when a tab never reaches the expected URL
	// within readyTimeout.
	ErrReadyTimeout = fmt.Errorf("tabresolver: timed out waiting for tab to become ready")
)

// Resolver resolves a requested URL to a usable Chrome target.
type Resolver struct {
	logger     logging.Logger
	httpClient *http.Client
}

// New returns a Resolver. A nil logger falls back to a stdout logger scoped
// to this package.
func New(logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewStdoutLogger("tabresolver")
	}
	return &Resolver{
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type targetInfo struct {
	TargetID             string `json:"targetId"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func (t targetInfo) toTarget() store.Target {
	return store.Target{
		ID:                   t.TargetID,
		Type:                 t.Type,
		URL:                  t.URL,
		Title:                t.Title,
		WebSocketDebuggerURL: t.WebSocketDebuggerURL,
	}
}

// Resolve returns a Target for requestedURL, reusing an existing tab when
// reuseTab is true and a sufficiently good match exists, or creating a new
// one otherwise. client must already be connected to Chrome's browser
// endpoint (not a tab endpoint).
func (r *Resolver) Resolve(ctx context.Context, client *cdp.Client, requestedURL string, reuseTab bool) (store.Target, error) {
	target, err := normalize(requestedURL)
	if err != nil {
		return store.Target{}, err
	}

	baseURL, err := r.httpBase(client)
	if err != nil {
		return store.Target{}, err
	}

	if reuseTab {
		winner, ok, err := r.pickReusableTarget(ctx, client, target)
		if err != nil {
			return store.Target{}, err
		}
		if ok {
			if winner.URL != target.raw {
				if err := r.navigate(ctx, client, winner.ID, target.raw); err != nil {
					return store.Target{}, err
				}
			}
			return r.waitForReady(ctx, baseURL, winner.ID, target)
		}
	}

	id, err := r.createTarget(ctx, client, baseURL, target.raw)
	if err != nil {
		return store.Target{}, err
	}
	return r.waitForReady(ctx, baseURL, id, target)
}

// pickReusableTarget scores every page-type target against requestedURL and
// returns the best match, per the algorithm in the resolver's responsibility
// doc: exact > host+path > path prefix > host > substring > none.
func (r *Resolver) pickReusableTarget(ctx context.Context, client *cdp.Client, target normalizedURL) (targetInfo, bool, error) {
	raw, err := client.Send(ctx, "Target.getTargets", nil, "")
	if err != nil {
		return targetInfo{}, false, fmt.Errorf("tabresolver: Target.getTargets: %w", err)
	}

	var resp struct {
		TargetInfos []targetInfo `json:"targetInfos"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return targetInfo{}, false, fmt.Errorf("tabresolver: decode Target.getTargets: %w", err)
	}

	bestScore := 0
	var best targetInfo
	tieCount := 0
	for _, ti := range resp.TargetInfos {
		if ti.Type != "page" {
			continue
		}
		s := score(ti.URL, target)
		if s == 0 {
			continue
		}
		switch {
		case s > bestScore:
			bestScore = s
			best = ti
			tieCount = 1
		case s == bestScore:
			tieCount++
		}
	}

	if bestScore == 0 {
		return targetInfo{}, false, nil
	}
	if tieCount > 1 && bestScore < 100 {
		r.logger.Warn("multiple tabs tied for reuse, picking first",
			logging.Field{Key: "score", Value: bestScore},
			logging.Field{Key: "target_id", Value: best.TargetID})
	}
	return best, true, nil
}

func (r *Resolver) navigate(ctx context.Context, client *cdp.Client, targetID, navURL string) error {
	raw, err := client.Send(ctx, "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	}, "")
	if err != nil {
		return fmt.Errorf("tabresolver: Target.attachToTarget: %w", err)
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &attached); err != nil {
		return fmt.Errorf("tabresolver: decode Target.attachToTarget: %w", err)
	}

	if _, err := client.Send(ctx, "Page.navigate", map[string]any{"url": navURL}, attached.SessionID); err != nil {
		return fmt.Errorf("tabresolver: Page.navigate: %w", err)
	}
	return nil
}

func (r *Resolver) createTarget(ctx context.Context, client *cdp.Client, baseURL, navURL string) (string, error) {
	raw, err := client.Send(ctx, "Target.createTarget", map[string]any{
		"url":       navURL,
		"newWindow": false,
	}, "")
	if err == nil {
		var resp struct {
			TargetID string `json:"targetId"`
		}
		if jerr := json.Unmarshal(raw, &resp); jerr == nil && resp.TargetID != "" {
			return resp.TargetID, nil
		}
	}
	r.logger.Warn("Target.createTarget failed, falling back to /json/new", logging.Field{Key: "error", Value: fmt.Sprint(err)})

	id, err := r.createTargetViaHTTP(ctx, baseURL, navURL)
	if err != nil {
		return "", fmt.Errorf("tabresolver: create target: %w", err)
	}
	return id, nil
}

func (r *Resolver) createTargetViaHTTP(ctx context.Context, baseURL, navURL string) (string, error) {
	endpoint := baseURL + "/json/new?" + navURL
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpClient.Do(req)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		err = fmt.Errorf("PUT /json/new: %s", resp.Status)
	}
	if err != nil {
		// Older Chrome versions only accept POST for this endpoint.
		req.Method = http.MethodPost
		resp, err = r.httpClient.Do(req)
		if err != nil {
			return "", err
		}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var ti targetInfo
	if err := json.Unmarshal(body, &ti); err != nil {
		return "", fmt.Errorf("decode /json/new response: %w", err)
	}
	return ti.TargetID, nil
}

// waitForReady polls /json/list until the target's URL starts with the
// requested URL and is not about:blank, or readyTimeout elapses.
func (r *Resolver) waitForReady(ctx context.Context, baseURL, targetID string, target normalizedURL) (store.Target, error) {
	deadline := time.Now().Add(readyTimeout)
	for {
		list, err := r.listTargets(ctx, baseURL)
		if err == nil {
			for _, ti := range list {
				if ti.TargetID != targetID {
					continue
				}
				if ti.URL != "about:blank" && strings.HasPrefix(ti.URL, target.raw) {
					return ti.toTarget(), nil
				}
			}
		}

		if time.Now().After(deadline) {
			return store.Target{}, ErrReadyTimeout
		}
		select {
		case <-ctx.Done():
			return store.Target{}, ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

func (r *Resolver) listTargets(ctx context.Context, baseURL string) ([]targetInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var list []targetInfo
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode /json/list: %w", err)
	}
	return list, nil
}

func (r *Resolver) httpBase(client *cdp.Client) (string, error) {
	port, err := client.GetPort()
	if err != nil {
		return "", fmt.Errorf("tabresolver: determine debugger port: %w", err)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}
