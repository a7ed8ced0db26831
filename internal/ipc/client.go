package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Client is a thin library used by CLI commands to dial the daemon socket
// and perform a single request/response round trip per call.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a Client bound to the daemon socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 10 * time.Second}
}

// Call dials the socket, writes a request of type requestType carrying
// payload, and returns the decoded response.
func (c *Client) Call(requestType string, payload map[string]any) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if payload == nil {
		payload = map[string]any{}
	}
	payload["type"] = requestType
	sessionID := uuid.New().String()
	payload["sessionId"] = sessionID

	data, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: encode request: %w", err)
	}
	data = append(data, '\n')

	conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(data); err != nil {
		return Response{}, fmt.Errorf("ipc: write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("ipc: read response: %w", err)
		}
		return Response{}, fmt.Errorf("ipc: connection closed before response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("ipc: decode response: %w", err)
	}
	if resp.SessionID != sessionID {
		return Response{}, fmt.Errorf("ipc: response sessionId %q does not match request %q", resp.SessionID, sessionID)
	}
	return resp, nil
}
