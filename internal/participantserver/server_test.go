package participantserver

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/mnohosten/txcommit/internal/participant"
	"github.com/mnohosten/txcommit/pkg/txn"
	"github.com/mnohosten/txcommit/pkg/walcodec"
)

func newTestServer() (*Server, *participant.Participant) {
	p := participant.New("P1", participant.DefaultConfig(), &walcodec.WAL{})
	cfg := DefaultConfig()
	cfg.EnableLogging = false
	return New(cfg, p), p
}

func TestHandlePrepareReturnsVote(t *testing.T) {
	srv, _ := newTestServer()

	body, _ := json.Marshal(map[string]interface{}{
		"txid": "tx1",
		"op":   map[string]string{"type": "SET", "key": "a", "value": "1"},
	})
	req := httptest.NewRequest("POST", "/prepare", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["vote"] != "YES" {
		t.Errorf("expected vote=YES, got %v", resp["vote"])
	}
}

func TestHandleCommitUnknownTransactionReturns400(t *testing.T) {
	srv, _ := newTestServer()

	body, _ := json.Marshal(map[string]interface{}{"txid": "never-prepared"})
	req := httptest.NewRequest("POST", "/commit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Errorf("expected 400 for unknown transaction, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAbortAfterCommitStillReturns200(t *testing.T) {
	srv, p := newTestServer()
	if _, err := p.Prepare("tx1", mustOp()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := p.Commit("tx1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	body, _ := json.Marshal(map[string]interface{}{"txid": "tx1"})
	req := httptest.NewRequest("POST", "/abort", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	// Spec §9: abort-after-commit is a logged anomaly, acknowledged 200 so
	// a stray coordinator retry doesn't loop forever.
	if rec.Code != 200 {
		t.Errorf("expected 200 for abort-after-commit anomaly, got %d", rec.Code)
	}

	rec2, ok := p.Snapshot("tx1")
	if !ok || rec2.State != participant.StateCommitted {
		t.Errorf("abort-after-commit must leave state untouched, got %+v", rec2)
	}
}

func TestHandleStatusReportsKVAndTx(t *testing.T) {
	srv, p := newTestServer()
	if _, err := p.Prepare("tx1", mustOp()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := p.Commit("tx1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	kv, ok := resp["kv"].(map[string]interface{})
	if !ok || kv["a"] != "1" {
		t.Errorf("expected status kv[a]=1, got %v", resp["kv"])
	}
}

func mustOp() txn.Operation {
	return txn.Operation{Type: "SET", Key: "a", Value: "1"}
}
