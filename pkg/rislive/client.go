// Package rislive provides a WebSocket route record source for the RIPE RIS Live BGP stream.
package rislive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hervehildenbrand/bgp-features/pkg/models"
	"github.com/hervehildenbrand/bgp-features/pkg/source"
)

const (
	// RISLiveURL is the WebSocket endpoint for RIS Live.
	RISLiveURL = "wss://ris-live.ripe.net/v1/ws/?client=bgp-features"

	// Connection settings
	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
	reconnectBackoff      = 2.0
	pingInterval          = 30 * time.Second
	connectionTimeout     = 60 * time.Second
	writeTimeout          = 10 * time.Second
)

// Options configures a RIS Live source.
type Options struct {
	URL        string
	Collectors []string
	Filter     source.Filter
	// From drops records stamped before it, normally the start of the UTC day.
	// Zero means no bound.
	From time.Time
	// Until ends the stream, normally at the end of the UTC day. Zero means no bound.
	Until time.Time
	// MaxReconnects is the number of consecutive failed connections after
	// which the source gives up. Zero retries forever.
	MaxReconnects  int
	ReconnectDelay time.Duration
	BufferSize     int
}

// Client is a WebSocket client for one RIS Live collector with automatic reconnection.
type Client struct {
	url            string
	collector      string
	records        chan<- *models.RouteRecord
	maxReconnects  int
	reconnectDelay time.Duration

	// Stats
	messagesReceived uint64
	recordsParsed    uint64
	errors           uint64
	reconnects       uint64

	connected atomic.Bool
}

// NewClient creates a new RIS Live client for a specific collector.
func NewClient(url, collector string, records chan<- *models.RouteRecord) *Client {
	return &Client{
		url:            url,
		collector:      collector,
		records:        records,
		reconnectDelay: initialReconnectDelay,
	}
}

// Stats returns current statistics.
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"collector":         c.collector,
		"connected":         c.connected.Load(),
		"messages_received": atomic.LoadUint64(&c.messagesReceived),
		"records_parsed":    atomic.LoadUint64(&c.recordsParsed),
		"errors":            atomic.LoadUint64(&c.errors),
		"reconnects":        atomic.LoadUint64(&c.reconnects),
	}
}

// Run streams until ctx is cancelled. It returns an error only when the
// reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	reconnectDelay := c.reconnectDelay
	failures := 0

	for ctx.Err() == nil {
		received, err := c.connectAndStream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// Only a connection that delivered data resets the failure budget
		if received {
			failures = 0
			reconnectDelay = c.reconnectDelay
		} else if err == nil {
			err = errors.New("connection closed before any message")
		}
		if err != nil {
			failures++
			atomic.AddUint64(&c.errors, 1)
			if c.maxReconnects > 0 && failures > c.maxReconnects {
				return fmt.Errorf("%w: collector %s: %d consecutive failures, last: %v",
					source.ErrSourceFailed, c.collector, failures, err)
			}
			log.Printf("[%s] Connection error: %v, reconnecting in %v", c.collector, err, reconnectDelay)
		}
		atomic.AddUint64(&c.reconnects, 1)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
			// Exponential backoff
			reconnectDelay = time.Duration(float64(reconnectDelay) * reconnectBackoff)
			if reconnectDelay > maxReconnectDelay {
				reconnectDelay = maxReconnectDelay
			}
		}
	}
	return nil
}

// connectAndStream reports whether at least one message was received before the connection ended.
func (c *Client) connectAndStream(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: connectionTimeout,
	}

	log.Printf("[%s] Connecting to RIS Live...", c.collector)
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	subscribeMsg := map[string]interface{}{
		"type": "ris_subscribe",
		"data": map[string]interface{}{
			"type": "UPDATE",
			"host": c.collector,
		},
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscribeMsg); err != nil {
		return false, fmt.Errorf("subscribe failed: %w", err)
	}

	c.connected.Store(true)
	defer c.connected.Store(false)
	log.Printf("[%s] Connected and subscribed", c.collector)

	// Ping and close on cancellation to unblock ReadMessage
	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()
	defer close(pingDone)

	received := false
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return received, nil
			}
			return received, fmt.Errorf("read failed: %w", err)
		}

		if messageType != websocket.TextMessage {
			continue
		}
		received = true
		atomic.AddUint64(&c.messagesReceived, 1)

		records, err := ParseMessage(message, c.collector)
		if err != nil {
			// Not all messages are updates, this is fine
			if atomic.LoadUint64(&c.messagesReceived) <= 10 {
				log.Printf("[%s] Parse error: %v", c.collector, err)
			}
			continue
		}
		for _, rec := range records {
			atomic.AddUint64(&c.recordsParsed, 1)
			select {
			case c.records <- rec:
			case <-ctx.Done():
				return true, nil
			}
		}
	}
}

// Source streams announcements from several RIS Live collectors.
// It implements source.Source.
type Source struct {
	opts    Options
	clients []*Client
	records chan *models.RouteRecord

	delivered uint64
	early     uint64
}

// NewSource creates a RIS Live source for the given collectors.
func NewSource(opts Options) *Source {
	if opts.URL == "" {
		opts.URL = RISLiveURL
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = initialReconnectDelay
	}

	records := make(chan *models.RouteRecord, opts.BufferSize)
	clients := make([]*Client, len(opts.Collectors))
	for i, collector := range opts.Collectors {
		clients[i] = NewClient(opts.URL, collector, records)
		clients[i].maxReconnects = opts.MaxReconnects
		clients[i].reconnectDelay = opts.ReconnectDelay
	}

	return &Source{opts: opts, clients: clients, records: records}
}

// Run delivers records to fn one at a time until Until is reached or ctx is cancelled.
func (s *Source) Run(ctx context.Context, fn func(*models.RouteRecord) error) error {
	if len(s.clients) == 0 {
		return fmt.Errorf("%w: no collectors configured", source.ErrSourceFailed)
	}

	runCtx, cancel := context.WithCancel(ctx)

	// Records stamped at or after Until also end the stream, so a bound
	// already in the past stops at the first record.
	var deadline <-chan time.Time
	if d := time.Until(s.opts.Until); !s.opts.Until.IsZero() && d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	failed := make(chan error, len(s.clients))
	var wg sync.WaitGroup
	for _, client := range s.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Run(runCtx); err != nil {
				failed <- err
			}
		}(client)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()
	log.Printf("RIS Live source started with %d collectors", len(s.clients))

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-deadline:
			log.Printf("RIS Live source reached end of day %s", s.opts.Until.Format(time.RFC3339))
			return nil
		case err := <-failed:
			return err
		case rec := <-s.records:
			if !s.opts.Until.IsZero() && !rec.Timestamp.Before(s.opts.Until) {
				return nil
			}
			if rec.Timestamp.Before(s.opts.From) {
				atomic.AddUint64(&s.early, 1)
				continue
			}
			if !s.opts.Filter.Match(rec) {
				continue
			}
			atomic.AddUint64(&s.delivered, 1)
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
}

// Stats returns aggregated statistics from all clients.
func (s *Source) Stats() map[string]interface{} {
	var totalMessages, totalRecords, totalErrors, totalReconnects uint64
	clientStats := make([]map[string]interface{}, len(s.clients))

	for i, client := range s.clients {
		stats := client.Stats()
		clientStats[i] = stats
		totalMessages += stats["messages_received"].(uint64)
		totalRecords += stats["records_parsed"].(uint64)
		totalErrors += stats["errors"].(uint64)
		totalReconnects += stats["reconnects"].(uint64)
	}

	return map[string]interface{}{
		"collectors":       clientStats,
		"total_messages":   totalMessages,
		"total_records":    totalRecords,
		"total_errors":     totalErrors,
		"total_reconnects": totalReconnects,
		"delivered":        atomic.LoadUint64(&s.delivered),
		"before_day":       atomic.LoadUint64(&s.early),
		"channel_len":      len(s.records),
		"channel_cap":      cap(s.records),
	}
}
