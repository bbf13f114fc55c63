// Package participant implements the participant side of the commitment
// protocol: vote evaluation, local pre-commit staging, and application of
// committed operations to a local key-value store (spec §4.2).
package participant

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mnohosten/txcommit/pkg/txn"
	"github.com/mnohosten/txcommit/pkg/walcodec"
)

// State is a participant's per-transaction state (spec §3, §4.2).
type State string

const (
	StateReady     State = "READY"
	StatePrecommit State = "PRECOMMIT"
	StateCommitted State = "COMMITTED"
	StateAborted   State = "ABORTED"
)

// Record is the participant's transaction record.
type Record struct {
	State State
	Op    txn.Operation
	TS    time.Time
}

func (s State) terminal() bool {
	return s == StateCommitted || s == StateAborted
}

var (
	// ErrUnknownTransaction is returned by Commit when no prior
	// prepare/can_commit record exists for txid (spec §9, "Commit-on-
	// unknown-txid": this implementation rejects with 4xx rather than
	// staging a synthetic record).
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrTerminalStateViolation is returned when an endpoint would move a
	// transaction out of a terminal state (spec §9, "Abort-after-commit":
	// logged as an anomaly, state is left untouched).
	ErrTerminalStateViolation = errors.New("transaction already in a terminal state")
)

// Config bounds the participant's blocking-detection timeout.
type Config struct {
	ReadyTimeout   time.Duration // how long a READY transaction may block before a diagnostic fires
	MonitorTick    time.Duration // timeout monitor scan interval
}

// DefaultConfig matches spec §4.2: 15s READY timeout, 2s monitor tick.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout: 15 * time.Second,
		MonitorTick:  2 * time.Second,
	}
}

// Participant holds one node's transaction table and key-value store,
// both guarded by a single mutex (spec §5). WAL appends happen outside
// the mutex; the transition + ts update (and apply on commit) happen
// inside it.
type Participant struct {
	id  string
	cfg Config
	wal *walcodec.WAL

	mu sync.Mutex
	tx map[txn.ID]*Record
	kv map[string]string

	onBlocked func(txid txn.ID, blockedFor time.Duration)

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Participant identified by id.
func New(id string, cfg Config, wal *walcodec.WAL) *Participant {
	return &Participant{
		id:   id,
		cfg:  cfg,
		wal:  wal,
		tx:   make(map[txn.ID]*Record),
		kv:   make(map[string]string),
		stop: make(chan struct{}),
	}
}

// ID returns the participant's node identifier.
func (p *Participant) ID() string { return p.id }

// OnBlocked registers the timeout monitor's diagnostic callback (e.g. a
// log line); nil by default, in which case the monitor is silent.
func (p *Participant) OnBlocked(fn func(txid txn.ID, blockedFor time.Duration)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onBlocked = fn
}

// Recover replays the WAL in order, rebuilding TX and kv deterministically
// (spec §4.2 Recovery). A COMMIT record during replay re-invokes Apply;
// last write wins on a repeated key, exactly as live traffic would.
func (p *Participant) Recover() error {
	if p.wal == nil || !p.wal.Enabled() {
		return nil
	}

	records, err := p.wal.Replay()
	if err != nil {
		return fmt.Errorf("participant WAL replay: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rec := range records {
		id := txn.ID(rec.TxID)
		switch rec.Cmd {
		case "PREPARE", "CAN_COMMIT":
			vote, opJSON, ok := strings.Cut(rec.Rest, " ")
			if !ok {
				continue
			}
			op, err := txn.ParseOperation(opJSON)
			if err != nil {
				continue
			}
			state := StateReady
			if vote != string(txn.Yes) && rec.Cmd == "PREPARE" {
				state = StateAborted
			}
			p.tx[id] = &Record{State: state, Op: op, TS: time.Now()}

		case "PRECOMMIT":
			if r, ok := p.tx[id]; ok {
				r.State = StatePrecommit
			}

		case "COMMIT":
			r, ok := p.tx[id]
			if !ok {
				r = &Record{}
				p.tx[id] = r
			}
			r.State = StateCommitted
			r.Op.Apply(p.kv)

		case "ABORT":
			p.tx[id] = &Record{State: StateAborted}
		}
	}

	return nil
}

// Prepare implements the 2PC prepare endpoint (spec §4.2 transition table).
// A NO vote here moves the transaction straight to ABORTED.
func (p *Participant) Prepare(txid txn.ID, op txn.Operation) (txn.Vote, error) {
	return p.vote(txid, op, "PREPARE", true)
}

// CanCommit implements the 3PC can_commit endpoint. Unlike Prepare, a NO
// vote leaves the transaction in READY rather than ABORTED, matching the
// original can_commit handler: can_commit only polls, abort is still the
// coordinator's call to make.
func (p *Participant) CanCommit(txid txn.ID, op txn.Operation) (txn.Vote, error) {
	return p.vote(txid, op, "CAN_COMMIT", false)
}

func (p *Participant) vote(txid txn.ID, op txn.Operation, cmd string, abortOnNo bool) (txn.Vote, error) {
	vote := txn.No
	if op.Valid() {
		vote = txn.Yes
	}
	state := StateReady
	if vote == txn.No && abortOnNo {
		state = StateAborted
	}

	opJSON, err := op.MarshalCanonical()
	if err != nil {
		return "", fmt.Errorf("marshal operation: %w", err)
	}

	if err := p.wal.Append(walcodec.Record{
		TxID: string(txid),
		Cmd:  cmd,
		Rest: string(vote) + " " + opJSON,
	}); err != nil {
		return "", fmt.Errorf("durability failure: %w", err)
	}

	p.mu.Lock()
	p.tx[txid] = &Record{State: state, Op: op, TS: time.Now()}
	p.mu.Unlock()

	return vote, nil
}

// Precommit implements the 3PC precommit endpoint. Precondition: state
// READY (spec §4.2 transition table); applied idempotently for replays.
func (p *Participant) Precommit(txid txn.ID) error {
	p.mu.Lock()
	rec, exists := p.tx[txid]
	if !exists {
		p.mu.Unlock()
		return ErrUnknownTransaction
	}
	if rec.State.terminal() {
		p.mu.Unlock()
		return ErrTerminalStateViolation
	}
	p.mu.Unlock()

	if err := p.wal.Append(walcodec.Record{TxID: string(txid), Cmd: "PRECOMMIT"}); err != nil {
		return fmt.Errorf("durability failure: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rec, exists = p.tx[txid]
	if !exists {
		return ErrUnknownTransaction
	}
	if !rec.State.terminal() {
		rec.State = StatePrecommit
	}
	return nil
}

// Commit applies op to the key-value store and moves the transaction to
// COMMITTED. Valid from READY or PRECOMMIT, or as a replay of an already
// COMMITTED transaction (idempotent). An unknown txid is rejected (spec
// §9, "Commit-on-unknown-txid").
func (p *Participant) Commit(txid txn.ID) error {
	p.mu.Lock()
	rec, exists := p.tx[txid]
	if !exists {
		p.mu.Unlock()
		return ErrUnknownTransaction
	}
	if rec.State == StateAborted {
		p.mu.Unlock()
		return ErrTerminalStateViolation
	}
	p.mu.Unlock()

	if err := p.wal.Append(walcodec.Record{TxID: string(txid), Cmd: "COMMIT"}); err != nil {
		return fmt.Errorf("durability failure: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rec, exists = p.tx[txid]
	if !exists {
		return ErrUnknownTransaction
	}
	if rec.State != StateAborted {
		rec.Op.Apply(p.kv)
		rec.State = StateCommitted
		rec.TS = time.Now()
	}
	return nil
}

// Abort moves the transaction to ABORTED. Any state may transition here
// except an already-COMMITTED one (spec §9, "Abort-after-commit": treated
// as a logged anomaly, state is left untouched and the WAL is not
// appended for the rejected transition).
func (p *Participant) Abort(txid txn.ID) error {
	p.mu.Lock()
	rec, exists := p.tx[txid]
	if exists && rec.State == StateCommitted {
		p.mu.Unlock()
		return ErrTerminalStateViolation
	}
	p.mu.Unlock()

	if err := p.wal.Append(walcodec.Record{TxID: string(txid), Cmd: "ABORT"}); err != nil {
		return fmt.Errorf("durability failure: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.tx[txid]; ok && r.State == StateCommitted {
		// Lost the race against a concurrent commit; leave it alone.
		return nil
	}
	p.tx[txid] = &Record{State: StateAborted}
	return nil
}

// Snapshot returns a point-in-time copy of a transaction's record.
func (p *Participant) Snapshot(txid txn.ID) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.tx[txid]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SnapshotTx returns a point-in-time copy of the whole transaction table.
func (p *Participant) SnapshotTx() map[txn.ID]Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[txn.ID]Record, len(p.tx))
	for id, rec := range p.tx {
		out[id] = *rec
	}
	return out
}

// SnapshotKV returns a point-in-time copy of the key-value store.
func (p *Participant) SnapshotKV() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.kv))
	for k, v := range p.kv {
		out[k] = v
	}
	return out
}

// StartTimeoutMonitor launches the background worker that, every
// cfg.MonitorTick, scans TX for READY records older than cfg.ReadyTimeout
// and reports them as blocked. It never unilaterally aborts: this is the
// advertised 2PC blocking property (spec §4.2, §7).
func (p *Participant) StartTimeoutMonitor() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.MonitorTick)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.scanBlocked()
			}
		}
	}()
}

func (p *Participant) scanBlocked() {
	now := time.Now()

	p.mu.Lock()
	type blocked struct {
		txid txn.ID
		age  time.Duration
	}
	var stuck []blocked
	for id, rec := range p.tx {
		if rec.State == StateReady {
			if age := now.Sub(rec.TS); age > p.cfg.ReadyTimeout {
				stuck = append(stuck, blocked{id, age})
			}
		}
	}
	hook := p.onBlocked
	p.mu.Unlock()

	if hook == nil {
		return
	}
	for _, b := range stuck {
		hook(b.txid, b.age)
	}
}

// Stop halts the timeout monitor and waits for it to exit.
func (p *Participant) Stop() {
	close(p.stop)
	p.wg.Wait()
}
