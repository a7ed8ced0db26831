// Package store holds the daemon's process-wide telemetry state: the
// current target, the bounded network/console rings, and the activity
// counters the command registry reads from. It is created once at daemon
// start and destroyed at daemon exit; spec.md explicitly does not persist
// it across restarts.
package store

import (
	"sync"
	"time"
)

const (
	// MaxRecords bounds both the network and console rings.
	MaxRecords = 10_000
)

// Target identifies the Chrome tab the session is attached to.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// NetworkRecord is one network request. Only completed or failed requests
// are appended to the ring; once appended a record is never mutated again.
type NetworkRecord struct {
	RequestID       string            `json:"requestId"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Timestamp       time.Time         `json:"timestamp"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	Status          int               `json:"status"`
	MimeType        string            `json:"mimeType,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	Failed          bool              `json:"failed,omitempty"`
	ErrorText       string            `json:"errorText,omitempty"`
}

// ConsoleMessage is one console API call or uncaught exception. Timestamp
// is the UTC wall-clock time at which the collector received the event;
// it encodes in JSON as an RFC 3339 string.
type ConsoleMessage struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Args      []string  `json:"args,omitempty"`
}

// TelemetryKind names one of the subscribable telemetry streams.
type TelemetryKind string

const (
	KindNetwork TelemetryKind = "network"
	KindConsole TelemetryKind = "console"
	KindDOM     TelemetryKind = "dom"
)

// Store is the daemon's shared mutable telemetry state. Collector
// callbacks append to the rings on the CDP client's dispatch goroutine;
// command handlers read from it on IPC-server goroutines. A single mutex
// protects the target/active-set fields; the rings are independently
// synchronized (see Ring).
type Store struct {
	mu sync.RWMutex

	sessionStartTime time.Time
	target           Target
	activeTelemetry  map[TelemetryKind]bool

	Network *Ring[NetworkRecord]
	Console *Ring[ConsoleMessage]
}

// New creates an empty Store with the default ring capacities.
func New() *Store {
	return &Store{
		sessionStartTime: time.Now().UTC(),
		activeTelemetry:  make(map[TelemetryKind]bool),
		Network:          NewRing[NetworkRecord](MaxRecords),
		Console:          NewRing[ConsoleMessage](MaxRecords),
	}
}

// SetTarget records the resolved tab's identity.
func (s *Store) SetTarget(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = t
}

// Target returns the current target.
func (s *Store) Target() Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// Activate marks a telemetry kind as enabled for this session.
func (s *Store) Activate(kind TelemetryKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTelemetry[kind] = true
}

// ActiveTelemetry returns the set of enabled telemetry kinds.
func (s *Store) ActiveTelemetry() []TelemetryKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TelemetryKind, 0, len(s.activeTelemetry))
	for k, on := range s.activeTelemetry {
		if on {
			out = append(out, k)
		}
	}
	return out
}

// StartTime returns the session's start time.
func (s *Store) StartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionStartTime
}

// Status is the payload for worker_status.
type Status struct {
	StartTime       time.Time       `json:"startTime"`
	Elapsed         int64           `json:"elapsedMs"`
	TargetURL       string          `json:"targetUrl"`
	TargetTitle     string          `json:"targetTitle"`
	ActiveTelemetry []TelemetryKind `json:"activeTelemetry"`
	NetworkCount    int             `json:"networkCount"`
	ConsoleCount    int             `json:"consoleCount"`
	LastNetworkAt   *time.Time      `json:"lastNetworkAt,omitempty"`
	LastConsoleAt   *time.Time      `json:"lastConsoleAt,omitempty"`
}

// Status builds the worker_status payload from current store state.
func (s *Store) Status() Status {
	target := s.Target()
	st := Status{
		StartTime:       s.StartTime(),
		Elapsed:         time.Since(s.StartTime()).Milliseconds(),
		TargetURL:       target.URL,
		TargetTitle:     target.Title,
		ActiveTelemetry: s.ActiveTelemetry(),
		NetworkCount:    s.Network.Len(),
		ConsoleCount:    s.Console.Len(),
	}

	netItems := s.Network.Slice()
	if len(netItems) > 0 {
		t := netItems[len(netItems)-1].Timestamp
		st.LastNetworkAt = &t
	}
	consItems := s.Console.Slice()
	if len(consItems) > 0 {
		t := consItems[len(consItems)-1].Timestamp
		st.LastConsoleAt = &t
	}
	return st
}
