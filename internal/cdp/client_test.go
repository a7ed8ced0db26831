package cdp_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ardenmoss/bdg/internal/cdp"
)

type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func readRequest(t *testing.T, conn *websocket.Conn) wireRequest {
	t.Helper()
	var req wireRequest
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("Unmarshal request: %v", err)
	}
	return req
}

func writeResponse(t *testing.T, conn *websocket.Conn, id int64, result any) {
	t.Helper()
	resultBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	frame := map[string]any{"id": id, "result": json.RawMessage(resultBytes)}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func connectTestClient(t *testing.T, wsURL string, opts cdp.Options) *cdp.Client {
	t.Helper()
	c := cdp.New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx, wsURL, opts); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close(1000, "test done") })
	return c
}

func TestClient_SendEchoesParams(t *testing.T) {
	t.Parallel()

	wsURL := newMockServer(t, func(t *testing.T, conn *websocket.Conn) {
		req := readRequest(t, conn)
		writeResponse(t, conn, req.ID, json.RawMessage(req.Params))
	})

	c := connectTestClient(t, wsURL, cdp.Options{KeepaliveInterval: -1})

	params := map[string]string{"url": "http://example.com"}
	result, err := c.Send(context.Background(), "Page.navigate", params, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if got["url"] != params["url"] {
		t.Fatalf("got %v, want %v", got, params)
	}
}

// TestClient_OutOfOrderReplies sends three commands concurrently and has
// the mock server reply in a different order (C, A, B). Each caller must
// receive only the response correlated with its own request id.
func TestClient_OutOfOrderReplies(t *testing.T) {
	t.Parallel()

	wsURL := newMockServer(t, func(t *testing.T, conn *websocket.Conn) {
		byMethod := make(map[string]int64)
		for i := 0; i < 3; i++ {
			req := readRequest(t, conn)
			byMethod[req.Method] = req.ID
		}
		order := []string{"Page.navigate", "Target.getTargets", "Browser.getVersion"}
		for _, method := range order {
			writeResponse(t, conn, byMethod[method], map[string]string{"for": method})
		}
	})

	c := connectTestClient(t, wsURL, cdp.Options{KeepaliveInterval: -1})

	type call struct {
		method string
		result map[string]string
		err    error
	}
	calls := []string{"Target.getTargets", "Browser.getVersion", "Page.navigate"}
	results := make([]call, len(calls))

	var wg sync.WaitGroup
	for i, method := range calls {
		wg.Add(1)
		go func(i int, method string) {
			defer wg.Done()
			raw, err := c.Send(context.Background(), method, nil, "")
			results[i] = call{method: method, err: err}
			if err == nil {
				_ = json.Unmarshal(raw, &results[i].result)
			}
		}(i, method)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			t.Fatalf("Send(%s) error: %v", r.method, r.err)
		}
		if r.result["for"] != r.method {
			t.Fatalf("Send(%s) result = %v, cross-contaminated with another request", r.method, r.result)
		}
	}
}

func TestClient_OnOffDeliveryOrder(t *testing.T) {
	t.Parallel()

	sync1 := make(chan struct{})
	afterOff := make(chan struct{})
	wsURL := newMockServer(t, func(t *testing.T, conn *websocket.Conn) {
		<-sync1
		frame := map[string]any{"method": "Network.requestWillBeSent", "params": map[string]string{"requestId": "1"}}
		data, _ := json.Marshal(frame)
		conn.WriteMessage(websocket.TextMessage, data)
		// second event, after Off: must not be delivered to the removed handler.
		<-afterOff
		conn.WriteMessage(websocket.TextMessage, data)
		<-sync1
	})

	c := connectTestClient(t, wsURL, cdp.Options{KeepaliveInterval: -1})

	var mu sync.Mutex
	var order []string
	h1 := c.On("Network.requestWillBeSent", func(json.RawMessage, string) {
		mu.Lock()
		order = append(order, "h1")
		mu.Unlock()
	})
	c.On("Network.requestWillBeSent", func(json.RawMessage, string) {
		mu.Lock()
		order = append(order, "h2")
		mu.Unlock()
	})

	close(sync1)
	time.Sleep(100 * time.Millisecond)
	c.Off("Network.requestWillBeSent", h1)
	close(afterOff)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "h1" || order[1] != "h2" || order[2] != "h2" {
		t.Fatalf("order = %v, want [h1 h2] for the first event and [h2] for the second", order)
	}
}

func TestClient_CloseCancelsPendingAndIsIdempotent(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	wsURL := newMockServer(t, func(t *testing.T, conn *websocket.Conn) {
		readRequest(t, conn)
		<-block // never respond
	})
	defer close(block)

	c := cdp.New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx, wsURL, cdp.Options{KeepaliveInterval: -1}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "Target.getTargets", nil, "")
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if err := c.Close(1000, "bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(1000, "bye again"); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pending Send to fail after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("pending Send never resolved after Close")
	}

	if c.IsConnected() {
		t.Fatal("IsConnected() = true after Close")
	}
	if _, err := c.Send(context.Background(), "Target.getTargets", nil, ""); err != cdp.ErrNotConnected {
		t.Fatalf("Send after Close = %v, want ErrNotConnected", err)
	}
}
