package tabresolver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ardenmoss/bdg/internal/cdp"
	"github.com/ardenmoss/bdg/internal/tabresolver"
)

// wireRequest mirrors the cdp package's wire frame enough to parse requests
// sent by the client under test.
type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// fakeChrome serves both the CDP WebSocket endpoint and the /json/list,
// /json/new HTTP endpoints the resolver talks to, all on one httptest
// server so the resolver's derived http://127.0.0.1:<port> base matches.
type fakeChrome struct {
	mu      sync.Mutex
	targets []map[string]any
	srv     *httptest.Server

	onCDPRequest func(req wireRequest, conn *websocket.Conn)
}

func newFakeChrome(t *testing.T, initialTargets []map[string]any) *fakeChrome {
	t.Helper()
	fc := &fakeChrome{targets: initialTargets}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		json.NewEncoder(w).Encode(fc.targets)
	})
	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		rawURL := r.URL.RawQuery
		ti := map[string]any{
			"targetId":             "created-1",
			"type":                 "page",
			"url":                  "about:blank",
			"title":                "",
			"webSocketDebuggerUrl": "",
		}
		fc.mu.Lock()
		fc.targets = append(fc.targets, ti)
		fc.mu.Unlock()
		json.NewEncoder(w).Encode(ti)

		// simulate navigation completing shortly after tab creation.
		go func() {
			time.Sleep(30 * time.Millisecond)
			fc.mu.Lock()
			defer fc.mu.Unlock()
			for i := range fc.targets {
				if fc.targets[i]["targetId"] == "created-1" {
					fc.targets[i]["url"] = rawURL
				}
			}
		}()
	})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/devtools/browser", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wireRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			if fc.onCDPRequest != nil {
				fc.onCDPRequest(req, conn)
			}
		}
	})

	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeChrome) wsURL() string {
	return "ws" + strings.TrimPrefix(fc.srv.URL, "http") + "/devtools/browser"
}

func connect(t *testing.T, wsURL string) *cdp.Client {
	t.Helper()
	c := cdp.New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx, wsURL, cdp.Options{KeepaliveInterval: -1}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close(1000, "test done") })
	return c
}

func respond(t *testing.T, conn *websocket.Conn, id int64, result any) {
	t.Helper()
	resultBytes, _ := json.Marshal(result)
	frame := map[string]any{"id": id, "result": json.RawMessage(resultBytes)}
	data, _ := json.Marshal(frame)
	conn.WriteMessage(websocket.TextMessage, data)
}

func TestResolver_ReuseExactMatchSkipsNavigation(t *testing.T) {
	t.Parallel()

	requestedURL := "https://example.com/dashboard"
	fc := newFakeChrome(t, []map[string]any{
		{
			"targetId":             "existing-1",
			"type":                 "page",
			"url":                  requestedURL,
			"title":                "Dashboard",
			"webSocketDebuggerUrl": "",
		},
	})

	navigateCalled := false
	fc.onCDPRequest = func(req wireRequest, conn *websocket.Conn) {
		switch req.Method {
		case "Target.getTargets":
			respond(t, conn, req.ID, map[string]any{"targetInfos": fc.targets})
		case "Page.navigate", "Target.attachToTarget":
			navigateCalled = true
			respond(t, conn, req.ID, map[string]any{"sessionId": "s1"})
		}
	}

	client := connect(t, fc.wsURL())
	r := tabresolver.New(nil)

	target, err := r.Resolve(context.Background(), client, requestedURL, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.ID != "existing-1" {
		t.Fatalf("target.ID = %q, want existing-1", target.ID)
	}
	if navigateCalled {
		t.Fatal("navigation should be skipped for an exact-match reuse")
	}
}

func TestResolver_CreatesNewTabWhenNoMatch(t *testing.T) {
	t.Parallel()

	requestedURL := "https://example.com/new-page"
	fc := newFakeChrome(t, []map[string]any{
		{
			"targetId":             "unrelated-1",
			"type":                 "page",
			"url":                  "https://other.org/page",
			"title":                "Other",
			"webSocketDebuggerUrl": "",
		},
	})
	fc.onCDPRequest = func(req wireRequest, conn *websocket.Conn) {
		switch req.Method {
		case "Target.getTargets":
			respond(t, conn, req.ID, map[string]any{"targetInfos": fc.targets})
		case "Target.createTarget":
			// force the HTTP /json/new fallback path.
			respond(t, conn, req.ID, map[string]any{"error": "not supported"})
		}
	}

	client := connect(t, fc.wsURL())
	r := tabresolver.New(nil)

	target, err := r.Resolve(context.Background(), client, requestedURL, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.ID != "created-1" {
		t.Fatalf("target.ID = %q, want created-1", target.ID)
	}
	if !strings.HasPrefix(target.URL, requestedURL) {
		t.Fatalf("target.URL = %q, want prefix %q", target.URL, requestedURL)
	}
}
