// Package console implements the console-message telemetry collector:
// Runtime.consoleAPICalled and Runtime.exceptionThrown, coerced into text
// records and appended to the telemetry store's bounded ring.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ardenmoss/bdg/internal/cdp"
	"github.com/ardenmoss/bdg/internal/logging"
	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

// noisePatterns filters out well-known dev-server chatter.
var noisePatterns = []string{
	"webpack-dev-server",
	"[HMR]",
	"[WDS]",
	"Download the React DevTools",
}

// Filters controls which console messages are dropped before appending.
type Filters struct {
	IncludePatterns []string
	ExcludePatterns []string
}

func (f Filters) shouldDrop(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range noisePatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}

	if matchesAny(f.IncludePatterns, lower) {
		return false
	}
	if len(f.IncludePatterns) > 0 {
		return true
	}
	return matchesAny(f.ExcludePatterns, lower)
}

func matchesAny(patterns []string, lower string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(strings.Trim(p, "*"))) {
			return true
		}
	}
	return false
}

// Collector drives the Runtime/Log domains' console event handlers.
type Collector struct {
	client  *cdp.Client
	store   *store.Store
	filters Filters
	logger  logging.Logger

	handlerIDs map[string]int64
}

// New constructs a Collector. A nil logger falls back to a stdout logger
// scoped to this package.
func New(client *cdp.Client, st *store.Store, filters Filters, logger logging.Logger) *Collector {
	if logger == nil {
		logger = logging.NewStdoutLogger("telemetry.console")
	}
	return &Collector{
		client:     client,
		store:      st,
		filters:    filters,
		logger:     logger,
		handlerIDs: make(map[string]int64),
	}
}

// Start enables the Runtime and Log domains and subscribes to their events.
func (c *Collector) Start(ctx context.Context) error {
	if _, err := c.client.Send(ctx, "Runtime.enable", nil, ""); err != nil {
		return err
	}
	if _, err := c.client.Send(ctx, "Log.enable", nil, ""); err != nil {
		return err
	}

	c.handlerIDs["Runtime.consoleAPICalled"] = c.client.On("Runtime.consoleAPICalled", c.onConsoleAPICalled)
	c.handlerIDs["Runtime.exceptionThrown"] = c.client.On("Runtime.exceptionThrown", c.onExceptionThrown)

	c.store.Activate(store.KindConsole)
	return nil
}

// Stop deregisters every handler this collector installed.
func (c *Collector) Stop() {
	for event, id := range c.handlerIDs {
		c.client.Off(event, id)
	}
}

type remoteObject struct {
	Type        string          `json:"type"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description"`
}

func coerceArg(arg remoteObject) string {
	if len(arg.Value) > 0 && string(arg.Value) != "null" {
		var v any
		if err := json.Unmarshal(arg.Value, &v); err == nil {
			switch vv := v.(type) {
			case string:
				return vv
			default:
				return fmt.Sprint(vv)
			}
		}
	}
	if arg.Description != "" {
		return arg.Description
	}
	return "[object]"
}

type consoleAPICalledParams struct {
	Type      string         `json:"type"`
	Args      []remoteObject `json:"args"`
	Timestamp float64        `json:"timestamp"`
}

func (c *Collector) onConsoleAPICalled(params json.RawMessage, _ string) {
	var p consoleAPICalledParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("discarding unparsable consoleAPICalled", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	args := make([]string, len(p.Args))
	for i, a := range p.Args {
		args[i] = coerceArg(a)
	}
	text := strings.Join(args, " ")

	if c.filters.shouldDrop(text) {
		return
	}

	c.append(store.ConsoleMessage{
		Type:      p.Type,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Args:      args,
	})
}

type exceptionThrownParams struct {
	ExceptionDetails struct {
		Text      string `json:"text"`
		Exception struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

func (c *Collector) onExceptionThrown(params json.RawMessage, _ string) {
	var p exceptionThrownParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("discarding unparsable exceptionThrown", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	text := p.ExceptionDetails.Exception.Description
	if text == "" {
		text = p.ExceptionDetails.Text
	}

	if c.filters.shouldDrop(text) {
		return
	}

	c.append(store.ConsoleMessage{
		Type:      "error",
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Collector) append(msg store.ConsoleMessage) {
	ok, warnFirst := c.store.Console.Append(msg)
	if !ok && warnFirst {
		c.logger.Warn("console ring full, dropping further messages")
	}
}
