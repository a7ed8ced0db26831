// Package network implements the Network.* telemetry collector: it
// subscribes to Chrome's network events, assembles per-request records in
// an in-flight map, applies filtering and body-fetch decisions, and
// appends finished records to the telemetry store's bounded ring.
package network

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ardenmoss/bdg/internal/cdp"
	"github.com/ardenmoss/bdg/internal/logging"
	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

const (
	maxInFlight     = 10_000
	staleAfter      = 60 * time.Second
	sweepInterval   = 30 * time.Second
	bodyFetchDomain = "Network.getResponseBody"
)

// Collector drives the Network domain's event handlers and owns the
// in-flight request map described in the telemetry store's data model.
type Collector struct {
	client  *cdp.Client
	store   *store.Store
	filters Filters
	logger  logging.Logger

	mu       sync.Mutex
	inFlight map[string]*store.NetworkRecord

	handlerIDs map[string]int64
	stopSweep  chan struct{}
	sweepDone  chan struct{}
}

// New constructs a Collector. A nil logger falls back to a stdout logger
// scoped to this package.
func New(client *cdp.Client, st *store.Store, filters Filters, logger logging.Logger) *Collector {
	if logger == nil {
		logger = logging.NewStdoutLogger("telemetry.network")
	}
	return &Collector{
		client:     client,
		store:      st,
		filters:    filters,
		logger:     logger,
		inFlight:   make(map[string]*store.NetworkRecord),
		handlerIDs: make(map[string]int64),
	}
}

// Start enables the Network domain and subscribes to its events. It
// returns once Network.enable has been acknowledged.
func (c *Collector) Start(ctx context.Context) error {
	if _, err := c.client.Send(ctx, "Network.enable", nil, ""); err != nil {
		return err
	}

	c.handlerIDs["Network.requestWillBeSent"] = c.client.On("Network.requestWillBeSent", c.onRequestWillBeSent)
	c.handlerIDs["Network.responseReceived"] = c.client.On("Network.responseReceived", c.onResponseReceived)
	c.handlerIDs["Network.loadingFinished"] = c.client.On("Network.loadingFinished", c.onLoadingFinished)
	c.handlerIDs["Network.loadingFailed"] = c.client.On("Network.loadingFailed", c.onLoadingFailed)

	c.stopSweep = make(chan struct{})
	c.sweepDone = make(chan struct{})
	go c.sweepLoop()

	c.store.Activate(store.KindNetwork)
	return nil
}

// Stop deregisters every handler and halts the stale-request sweep. It is
// safe to call once after Start; the collector must not be reused.
func (c *Collector) Stop() {
	for event, id := range c.handlerIDs {
		c.client.Off(event, id)
	}
	if c.stopSweep != nil {
		close(c.stopSweep)
		<-c.sweepDone
	}
}

type requestWillBeSentParams struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		PostData string           `json:"postData"`
	} `json:"request"`
}

func (c *Collector) onRequestWillBeSent(params json.RawMessage, _ string) {
	var p requestWillBeSentParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("discarding unparsable requestWillBeSent", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inFlight) >= maxInFlight {
		c.logger.Warn("in-flight network map full, dropping request", logging.Field{Key: "request_id", Value: p.RequestID})
		return
	}

	c.inFlight[p.RequestID] = &store.NetworkRecord{
		RequestID:      p.RequestID,
		URL:            p.Request.URL,
		Method:         p.Request.Method,
		Timestamp:      time.Now().UTC(),
		RequestHeaders: p.Request.Headers,
		RequestBody:    p.Request.PostData,
	}
}

type responseReceivedParams struct {
	RequestID string `json:"requestId"`
	Response  struct {
		Status  int               `json:"status"`
		MimeType string           `json:"mimeType"`
		Headers map[string]string `json:"headers"`
	} `json:"response"`
}

func (c *Collector) onResponseReceived(params json.RawMessage, _ string) {
	var p responseReceivedParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("discarding unparsable responseReceived", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.inFlight[p.RequestID]
	if !ok {
		return
	}
	rec.Status = p.Response.Status
	rec.MimeType = p.Response.MimeType
	rec.ResponseHeaders = p.Response.Headers
}

type loadingFinishedParams struct {
	RequestID string `json:"requestId"`
	EncodedDataLength float64 `json:"encodedDataLength"`
}

func (c *Collector) onLoadingFinished(params json.RawMessage, _ string) {
	var p loadingFinishedParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("discarding unparsable loadingFinished", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	c.mu.Lock()
	rec, ok := c.inFlight[p.RequestID]
	if ok {
		delete(c.inFlight, p.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if c.filters.ShouldDrop(rec.URL) {
		return
	}

	if c.filters.ShouldFetchBody(rec.URL, rec.MimeType, int64(p.EncodedDataLength)) {
		c.fetchBody(rec, p.RequestID)
	}

	c.appendRecord(*rec)
}

type loadingFailedParams struct {
	RequestID string `json:"requestId"`
	ErrorText string `json:"errorText"`
}

func (c *Collector) onLoadingFailed(params json.RawMessage, _ string) {
	var p loadingFailedParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("discarding unparsable loadingFailed", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	c.mu.Lock()
	rec, ok := c.inFlight[p.RequestID]
	if ok {
		delete(c.inFlight, p.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if c.filters.ShouldDrop(rec.URL) {
		return
	}

	rec.Status = 0
	rec.Failed = true
	rec.ErrorText = p.ErrorText
	c.appendRecord(*rec)
}

func (c *Collector) fetchBody(rec *store.NetworkRecord, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := c.client.Send(ctx, bodyFetchDomain, map[string]any{"requestId": requestID}, "")
	if err != nil {
		return
	}
	var resp struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}
	rec.ResponseBody = resp.Body
}

func (c *Collector) appendRecord(rec store.NetworkRecord) {
	ok, warnFirst := c.store.Network.Append(rec)
	if !ok && warnFirst {
		c.logger.Warn("network ring full, dropping further records")
	}
}

func (c *Collector) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepStale()
		}
	}
}

func (c *Collector) sweepStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	removed := 0
	for id, rec := range c.inFlight {
		if rec.Timestamp.Before(cutoff) {
			delete(c.inFlight, id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("removed stale in-flight network requests", logging.Field{Key: "count", Value: removed})
	}
}
