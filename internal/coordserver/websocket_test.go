package coordserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mnohosten/txcommit/internal/coordinator"
	"github.com/mnohosten/txcommit/pkg/txn"
)

func testRecord() coordinator.Record {
	return coordinator.Record{
		TxID:     "tx1",
		Protocol: txn.TwoPC,
		Decision: txn.Commit,
		Votes:    map[string]txn.Vote{"p1": txn.Yes},
	}
}

func TestDecisionFeedSendsConnectedEvent(t *testing.T) {
	feed := newDecisionFeed()
	srv := httptest.NewServer(http.HandlerFunc(feed.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var event decisionEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if event.Type != "connected" {
		t.Errorf("expected first event type=connected, got %q", event.Type)
	}
}

func TestDecisionFeedPublishBroadcasts(t *testing.T) {
	feed := newDecisionFeed()
	srv := httptest.NewServer(http.HandlerFunc(feed.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connected decisionEvent
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("ReadJSON (connected): %v", err)
	}

	// Give the server a moment to register the connection before publishing.
	time.Sleep(50 * time.Millisecond)
	feed.publish(testRecord())

	var event decisionEvent
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON (decision): %v", err)
	}
	if event.Type != "decision" || event.TxID != "tx1" || event.Decision != "COMMIT" {
		t.Errorf("unexpected decision event: %+v", event)
	}
}
