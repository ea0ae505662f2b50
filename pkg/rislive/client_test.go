package rislive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hervehildenbrand/bgp-features/pkg/models"
	"github.com/hervehildenbrand/bgp-features/pkg/source"
)

const (
	announcement = `{"type":"ris_message","data":{"timestamp":1705320000.5,"peer":"192.0.2.1","peer_asn":6939,"host":"rrc00","path":[6939,13335],"announcements":[{"prefixes":["1.1.1.0/24"]}]}}`
	otherPeer    = `{"type":"ris_message","data":{"timestamp":1705320001.0,"peer":"192.0.2.9","peer_asn":174,"host":"rrc00","path":[174,15169],"announcements":[{"prefixes":["8.8.8.0/24"]}]}}`
	withdrawal   = `{"type":"ris_message","data":{"timestamp":1705320002.0,"peer":"192.0.2.1","peer_asn":6939,"host":"rrc00","withdrawals":["1.1.1.0/24"]}}`
	lateMessage  = `{"type":"ris_message","data":{"timestamp":1705406400.0,"peer":"192.0.2.1","peer_asn":6939,"host":"rrc00","path":[6939,2914],"announcements":[{"prefixes":["9.9.9.0/24"]}]}}`
)

// newRISServer serves the given messages after a subscription and then holds the connection open.
func newRISServer(t *testing.T, messages []string, subscriptions chan<- map[string]interface{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]interface{}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if subscriptions != nil {
			subscriptions <- sub
		}

		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Block until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSource_DeliversAnnouncements(t *testing.T) {
	subs := make(chan map[string]interface{}, 1)
	srv := newRISServer(t, []string{withdrawal, announcement, otherPeer}, subs)

	src := NewSource(Options{
		URL:        wsURL(srv),
		Collectors: []string{"rrc00"},
		BufferSize: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var records []*models.RouteRecord
	err := src.Run(ctx, func(r *models.RouteRecord) error {
		records = append(records, r)
		if len(records) == 2 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Prefix != "1.1.1.0/24" || records[1].Prefix != "8.8.8.0/24" {
		t.Errorf("Unexpected prefixes %s, %s", records[0].Prefix, records[1].Prefix)
	}
	if records[0].SessionID() != "rrc00-6939-192.0.2.1" {
		t.Errorf("Unexpected session %s", records[0].SessionID())
	}

	select {
	case sub := <-subs:
		data, _ := sub["data"].(map[string]interface{})
		if sub["type"] != "ris_subscribe" || data["host"] != "rrc00" || data["type"] != "UPDATE" {
			t.Errorf("Unexpected subscription %v", sub)
		}
	default:
		t.Error("Expected a subscription message")
	}
}

func TestSource_PeerFilter(t *testing.T) {
	srv := newRISServer(t, []string{announcement, otherPeer}, nil)

	src := NewSource(Options{
		URL:        wsURL(srv),
		Collectors: []string{"rrc00"},
		Filter:     source.Filter{PeerASN: 174},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var records []*models.RouteRecord
	err := src.Run(ctx, func(r *models.RouteRecord) error {
		records = append(records, r)
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(records) != 1 || records[0].PeerASN != 174 {
		t.Errorf("Expected only the AS174 record, got %+v", records)
	}
}

func TestSource_StopsAtEndOfDay(t *testing.T) {
	srv := newRISServer(t, []string{announcement, lateMessage, otherPeer}, nil)

	src := NewSource(Options{
		URL:        wsURL(srv),
		Collectors: []string{"rrc00"},
		Until:      time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var records []*models.RouteRecord
	err := src.Run(ctx, func(r *models.RouteRecord) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run() returned only after the test timeout")
	}
	if len(records) != 1 || records[0].Prefix != "1.1.1.0/24" {
		t.Errorf("Expected only the in-day record, got %d records", len(records))
	}
}

func TestSource_SkipsRecordsBeforeDay(t *testing.T) {
	// announcement and otherPeer are stamped 2024-01-15, lateMessage 2024-01-16 00:00
	srv := newRISServer(t, []string{announcement, otherPeer, lateMessage}, nil)

	src := NewSource(Options{
		URL:        wsURL(srv),
		Collectors: []string{"rrc00"},
		From:       time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
		Until:      time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var records []*models.RouteRecord
	err := src.Run(ctx, func(r *models.RouteRecord) error {
		records = append(records, r)
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(records) != 1 || records[0].Prefix != "9.9.9.0/24" {
		t.Fatalf("Expected only the record of 2024-01-16, got %d records", len(records))
	}
	if got := src.Stats()["before_day"]; got != uint64(2) {
		t.Errorf("before_day = %v, want 2", got)
	}
}

// newDroppingServer accepts the subscription and then closes the socket without sending anything.
func newDroppingServer(t *testing.T, connections *atomic.Int64) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connections.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var sub map[string]interface{}
		conn.ReadJSON(&sub)
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSource_SilentDisconnectsAreFatal(t *testing.T) {
	var connections atomic.Int64
	srv := newDroppingServer(t, &connections)

	src := NewSource(Options{
		URL:            wsURL(srv),
		Collectors:     []string{"rrc00"},
		MaxReconnects:  2,
		ReconnectDelay: time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := src.Run(ctx, func(*models.RouteRecord) error { return nil })
	if !errors.Is(err, source.ErrSourceFailed) {
		t.Fatalf("Run() error = %v, want ErrSourceFailed", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run() returned only after the test timeout")
	}
	if got := connections.Load(); got != 3 {
		t.Errorf("Expected 3 connections (1 + 2 retries), got %d", got)
	}
}

func TestClient_MessageResetsFailureBudget(t *testing.T) {
	var connections atomic.Int64
	upgrader := websocket.Upgrader{}

	// Every second connection delivers one message before closing
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub map[string]interface{}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if n%2 == 0 {
			conn.WriteMessage(websocket.TextMessage, []byte(announcement))
		}
	}))
	t.Cleanup(srv.Close)

	records := make(chan *models.RouteRecord, 100)
	client := NewClient(wsURL(srv), "rrc00", records)
	client.maxReconnects = 2
	client.reconnectDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// Never more than two failures in a row, so the client keeps reconnecting
	for connections.Load() < 6 {
		select {
		case err := <-done:
			t.Fatalf("Run() returned early after %d connections: %v", connections.Load(), err)
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v, want nil after cancellation", err)
	}
	if len(records) == 0 {
		t.Error("Expected records from the delivering connections")
	}
}

func TestSource_CallbackError(t *testing.T) {
	srv := newRISServer(t, []string{announcement}, nil)
	src := NewSource(Options{URL: wsURL(srv), Collectors: []string{"rrc00"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := errors.New("stop")
	err := src.Run(ctx, func(*models.RouteRecord) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("Run() error = %v, want %v", err, stop)
	}
}

func TestSource_UnreachableIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	src := NewSource(Options{
		URL:            url,
		Collectors:     []string{"rrc00"},
		MaxReconnects:  1,
		ReconnectDelay: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := src.Run(ctx, func(*models.RouteRecord) error { return nil })
	if !errors.Is(err, source.ErrSourceFailed) {
		t.Errorf("Run() error = %v, want ErrSourceFailed", err)
	}
}

func TestSource_NoCollectors(t *testing.T) {
	src := NewSource(Options{})
	err := src.Run(context.Background(), func(*models.RouteRecord) error { return nil })
	if !errors.Is(err, source.ErrSourceFailed) {
		t.Errorf("Run() error = %v, want ErrSourceFailed", err)
	}
}
