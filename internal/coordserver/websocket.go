package coordserver

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mnohosten/txcommit/internal/coordinator"
)

// decisionFeed fans out every computed decision to connected websocket
// clients. It is purely observational: nothing about the protocol's
// correctness depends on a client watching. Modeled on the teacher's
// change-stream connection manager (pkg/server/handlers/websocket.go),
// narrowed from document events to decision events.
type decisionFeed struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func newDecisionFeed() *decisionFeed {
	return &decisionFeed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*websocket.Conn),
	}
}

type decisionEvent struct {
	Type     string            `json:"type"`
	TxID     string            `json:"txid,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Decision string            `json:"decision,omitempty"`
	Votes    map[string]string `json:"votes,omitempty"`
	Message  string            `json:"message,omitempty"`
}

func (f *decisionFeed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("decision feed: upgrade failed: %v", err)
		return
	}

	id := fmt.Sprintf("watch-%d", time.Now().UnixNano())
	f.mu.Lock()
	f.conns[id] = conn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.conns, id)
		f.mu.Unlock()
		conn.Close()
	}()

	_ = conn.WriteJSON(decisionEvent{Type: "connected", Message: "watching decisions"})

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	// The client doesn't send anything meaningful back; read until it
	// disconnects so the heartbeat loop knows to stop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-heartbeat.C:
			if err := conn.WriteJSON(decisionEvent{Type: "heartbeat"}); err != nil {
				return
			}
		}
	}
}

// publish is the coordinator's OnDecision hook: it broadcasts the decision
// to every connected watcher, best-effort.
func (f *decisionFeed) publish(rec coordinator.Record) {
	votes := make(map[string]string, len(rec.Votes))
	for k, v := range rec.Votes {
		votes[k] = string(v)
	}
	event := decisionEvent{
		Type:     "decision",
		TxID:     string(rec.TxID),
		Protocol: string(rec.Protocol),
		Decision: string(rec.Decision),
		Votes:    votes,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		_ = conn.WriteJSON(event)
	}
}

func (f *decisionFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		conn.Close()
	}
	f.conns = make(map[string]*websocket.Conn)
}
