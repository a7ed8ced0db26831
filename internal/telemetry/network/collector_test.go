package network_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ardenmoss/bdg/internal/cdp"
	"github.com/ardenmoss/bdg/internal/telemetry/network"
	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func newMockServer(t *testing.T, handle func(t *testing.T, conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(t, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendEvent(t *testing.T, conn *websocket.Conn, method string, params any) {
	t.Helper()
	p, _ := json.Marshal(params)
	frame := map[string]any{"method": method, "params": json.RawMessage(p)}
	data, _ := json.Marshal(frame)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// TestCollector_FinishedRequestAppearsInRing drives one request through
// requestWillBeSent -> responseReceived -> loadingFinished and asserts it
// lands in the store's network ring with the response fields populated,
// without triggering a body fetch for a filtered-out mime type.
func TestCollector_FinishedRequestAppearsInRing(t *testing.T) {
	t.Parallel()

	enabled := make(chan struct{})
	wsURL := newMockServer(t, func(t *testing.T, conn *websocket.Conn) {
		var req wireRequest
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		if req.Method != "Network.enable" {
			t.Errorf("first request = %q, want Network.enable", req.Method)
		}
		respBytes, _ := json.Marshal(map[string]any{})
		frame := map[string]any{"id": req.ID, "result": json.RawMessage(respBytes)}
		fd, _ := json.Marshal(frame)
		conn.WriteMessage(websocket.TextMessage, fd)
		close(enabled)

		sendEvent(t, conn, "Network.requestWillBeSent", map[string]any{
			"requestId": "r1",
			"request":   map[string]any{"url": "https://example.com/api", "method": "GET"},
		})
		sendEvent(t, conn, "Network.responseReceived", map[string]any{
			"requestId": "r1",
			"response":  map[string]any{"status": 200, "mimeType": "image/png"},
		})
		sendEvent(t, conn, "Network.loadingFinished", map[string]any{
			"requestId":         "r1",
			"encodedDataLength": 10,
		})

		// keep the connection open until the test is done with it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := cdp.New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx, wsURL, cdp.Options{KeepaliveInterval: -1}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close(1000, "done") })

	st := store.New()
	c := network.New(client, st, network.Filters{}, nil)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)

	<-enabled
	deadline := time.Now().Add(time.Second)
	for st.Network.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	recs := st.Network.Slice()
	if len(recs) != 1 {
		t.Fatalf("network ring has %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.RequestID != "r1" || rec.Status != 200 || rec.URL != "https://example.com/api" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Failed {
		t.Fatal("record should not be marked failed")
	}
}
