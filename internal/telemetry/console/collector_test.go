package console_test

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
	"github.com/ardenmoss/bdg/internal/telemetry/console"
	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

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

func TestCollector_ConsoleAPICallJoinsArgsAndFiltersNoise(t *testing.T) {
	t.Parallel()

	wsURL := newMockServer(t, func(t *testing.T, conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID int64 `json:"id"`
			}
			json.Unmarshal(data, &req)
			frame := map[string]any{"id": req.ID, "result": map[string]any{}}
			fd, _ := json.Marshal(frame)
			conn.WriteMessage(websocket.TextMessage, fd)
		}

		send := func(method string, params any) {
			p, _ := json.Marshal(params)
			frame := map[string]any{"method": method, "params": json.RawMessage(p)}
			data, _ := json.Marshal(frame)
			conn.WriteMessage(websocket.TextMessage, data)
		}

		send("Runtime.consoleAPICalled", map[string]any{
			"type": "log",
			"args": []map[string]any{
				{"type": "string", "value": "hello"},
				{"type": "number", "value": 42},
			},
		})
		send("Runtime.consoleAPICalled", map[string]any{
			"type": "log",
			"args": []map[string]any{{"type": "string", "value": "[webpack-dev-server] noise"}},
		})

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
	c := console.New(client, st, console.Filters{}, nil)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)

	deadline := time.Now().Add(time.Second)
	for st.Console.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	msgs := st.Console.Slice()
	if len(msgs) != 1 {
		t.Fatalf("console ring has %d messages, want 1 (noise filtered): %+v", len(msgs), msgs)
	}
	if msgs[0].Text != "hello 42" {
		t.Fatalf("text = %q, want %q", msgs[0].Text, "hello 42")
	}
}
