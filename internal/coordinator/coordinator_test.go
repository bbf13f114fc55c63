package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mnohosten/txcommit/pkg/txn"
	"github.com/mnohosten/txcommit/pkg/walcodec"
)

// mockParticipant is a hand-rolled test double mirroring the teacher's
// MockParticipant in pkg/distributed/two_phase_commit_test.go: per-call
// delays, canned errors/votes, and call counters guarded by a mutex.
type mockParticipant struct {
	mu sync.Mutex

	vote    txn.Vote
	delay   time.Duration
	voteErr error

	commitErr error
	abortErr  error

	prepareCalls   int
	canCommitCalls int
	precommitCalls int
	commitCalls    int
	abortCalls     int
}

func newMockParticipant() *mockParticipant {
	return &mockParticipant{vote: txn.Yes}
}

func (m *mockParticipant) wait(ctx context.Context) error {
	if m.delay == 0 {
		return nil
	}
	select {
	case <-time.After(m.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockParticipant) Prepare(ctx context.Context, txid txn.ID, op txn.Operation) (txn.Vote, error) {
	m.mu.Lock()
	m.prepareCalls++
	vote, err := m.vote, m.voteErr
	m.mu.Unlock()
	if werr := m.wait(ctx); werr != nil {
		return "", werr
	}
	return vote, err
}

func (m *mockParticipant) CanCommit(ctx context.Context, txid txn.ID, op txn.Operation) (txn.Vote, error) {
	m.mu.Lock()
	m.canCommitCalls++
	vote, err := m.vote, m.voteErr
	m.mu.Unlock()
	if werr := m.wait(ctx); werr != nil {
		return "", werr
	}
	return vote, err
}

func (m *mockParticipant) Precommit(ctx context.Context, txid txn.ID) error {
	m.mu.Lock()
	m.precommitCalls++
	m.mu.Unlock()
	return m.wait(ctx)
}

func (m *mockParticipant) Commit(ctx context.Context, txid txn.ID) error {
	m.mu.Lock()
	m.commitCalls++
	err := m.commitErr
	m.mu.Unlock()
	if werr := m.wait(ctx); werr != nil {
		return werr
	}
	return err
}

func (m *mockParticipant) Abort(ctx context.Context, txid txn.ID) error {
	m.mu.Lock()
	m.abortCalls++
	err := m.abortErr
	m.mu.Unlock()
	if werr := m.wait(ctx); werr != nil {
		return werr
	}
	return err
}

func (m *mockParticipant) calls() (prepare, commit, abort int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepareCalls, m.commitCalls, m.abortCalls
}

func newTestCoordinator(t *testing.T, participants map[string]Participant, order []string) *Coordinator {
	t.Helper()
	return New(DefaultConfig(), &walcodec.WAL{}, participants, order)
}

func TestStartAllYesCommits(t *testing.T) {
	p1, p2 := newMockParticipant(), newMockParticipant()
	coord := newTestCoordinator(t, map[string]Participant{"p1": p1, "p2": p2}, []string{"p1", "p2"})

	rec, err := coord.Start(context.Background(), "tx1", txn.Operation{Type: "SET", Key: "a", Value: "1"}, txn.TwoPC)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.Decision != txn.Commit {
		t.Errorf("expected COMMIT decision, got %v", rec.Decision)
	}

	for name, p := range map[string]*mockParticipant{"p1": p1, "p2": p2} {
		prep, commit, abort := p.calls()
		if prep != 1 {
			t.Errorf("%s: expected 1 prepare call, got %d", name, prep)
		}
		if commit != 1 {
			t.Errorf("%s: expected 1 commit call, got %d", name, commit)
		}
		if abort != 0 {
			t.Errorf("%s: expected 0 abort calls, got %d", name, abort)
		}
	}
}

func TestStartAnyNoAborts(t *testing.T) {
	p1, p2 := newMockParticipant(), newMockParticipant()
	p2.vote = txn.No
	coord := newTestCoordinator(t, map[string]Participant{"p1": p1, "p2": p2}, []string{"p1", "p2"})

	rec, err := coord.Start(context.Background(), "tx1", txn.Operation{Type: "SET", Key: "a", Value: "1"}, txn.TwoPC)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.Decision != txn.Abort {
		t.Errorf("expected ABORT decision, got %v", rec.Decision)
	}

	for name, p := range map[string]*mockParticipant{"p1": p1, "p2": p2} {
		_, commit, abort := p.calls()
		if commit != 0 {
			t.Errorf("%s: expected 0 commit calls, got %d", name, commit)
		}
		if abort != 1 {
			t.Errorf("%s: expected 1 abort call, got %d", name, abort)
		}
	}
}

func TestStartUnreachableParticipantAborts(t *testing.T) {
	p1 := newMockParticipant()
	coord := newTestCoordinator(t, map[string]Participant{"p1": p1}, []string{"p1", "ghost"})

	rec, err := coord.Start(context.Background(), "tx1", txn.Operation{Type: "SET", Key: "a", Value: "1"}, txn.TwoPC)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.Decision != txn.Abort {
		t.Errorf("expected ABORT when a configured participant is unreachable, got %v", rec.Decision)
	}
	if rec.Votes["ghost"] != txn.NoTimeout {
		t.Errorf("expected ghost's vote to be NO_TIMEOUT, got %v", rec.Votes["ghost"])
	}
}

func TestStartRejectsEmptyTxID(t *testing.T) {
	coord := newTestCoordinator(t, map[string]Participant{}, nil)
	if _, err := coord.Start(context.Background(), "", txn.Operation{Type: "SET"}, txn.TwoPC); err == nil {
		t.Error("expected error for empty txid")
	}
}

func TestThreePCSendsPrecommitOnAllYes(t *testing.T) {
	p1, p2 := newMockParticipant(), newMockParticipant()
	coord := newTestCoordinator(t, map[string]Participant{"p1": p1, "p2": p2}, []string{"p1", "p2"})

	rec, err := coord.Start(context.Background(), "tx1", txn.Operation{Type: "SET", Key: "a", Value: "1"}, txn.ThreePC)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.Decision != txn.Commit {
		t.Errorf("expected COMMIT, got %v", rec.Decision)
	}
	if rec.Protocol != txn.ThreePC {
		t.Errorf("expected protocol recorded as 3PC, got %v", rec.Protocol)
	}
	p1.mu.Lock()
	precommit := p1.precommitCalls
	p1.mu.Unlock()
	if precommit != 1 {
		t.Errorf("expected 1 precommit call under 3PC, got %d", precommit)
	}
}

func TestRetryLoopRedeliversDecision(t *testing.T) {
	p1 := newMockParticipant()
	p1.commitErr = errors.New("transient failure")

	cfg := DefaultConfig()
	cfg.RetryInterval = 20 * time.Millisecond
	coord := New(cfg, &walcodec.WAL{}, map[string]Participant{"p1": p1}, []string{"p1"})

	if _, err := coord.Start(context.Background(), "tx1", txn.Operation{Type: "SET", Key: "a", Value: "1"}, txn.TwoPC); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p1.mu.Lock()
	p1.commitErr = nil
	p1.mu.Unlock()

	coord.StartRetryLoop()
	defer coord.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, commitCalls, _ := p1.calls()
		if commitCalls >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("retry loop never redelivered the decision after the transient commit failure")
}

func TestRecoverRehydratesDecisions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.wal")
	wal, err := walcodec.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := wal.Append(walcodec.Record{TxID: "tx1", Cmd: "DECISION", Rest: "COMMIT"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	wal2, err := walcodec.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	p1 := newMockParticipant()
	coord := New(DefaultConfig(), wal2, map[string]Participant{"p1": p1}, []string{"p1"})

	if err := coord.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	rec, ok := coord.Snapshot("tx1")
	if !ok {
		t.Fatal("expected a recovered record for tx1")
	}
	if rec.Decision != txn.Commit {
		t.Errorf("expected recovered decision COMMIT, got %v", rec.Decision)
	}
	if rec.State != StateRecovered {
		t.Errorf("expected state RECOVERED, got %v", rec.State)
	}
}
