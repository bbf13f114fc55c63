// Package coordinator implements the coordinator side of the commitment
// protocol: vote collection, decision computation, decision persistence
// and decision delivery (spec §4.1). It lacks participant-set
// reconfiguration and coordinator failover by design (spec §1 Non-goals);
// a crashed coordinator recovers by restart and WAL replay only.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mnohosten/txcommit/pkg/txn"
	"github.com/mnohosten/txcommit/pkg/walcodec"
)

// Participant is the transport-agnostic view of a remote participant the
// coordinator drives through the protocol. An HTTP-backed implementation
// lives in internal/rpcclient; tests use an in-process fake.
type Participant interface {
	Prepare(ctx context.Context, txid txn.ID, op txn.Operation) (txn.Vote, error)
	CanCommit(ctx context.Context, txid txn.ID, op txn.Operation) (txn.Vote, error)
	Precommit(ctx context.Context, txid txn.ID) error
	Commit(ctx context.Context, txid txn.ID) error
	Abort(ctx context.Context, txid txn.ID) error
}

// State is the coordinator's record of a transaction's progress.
type State string

const (
	StateActive    State = "ACTIVE"
	StateDone      State = "DONE"
	StateRecovered State = "RECOVERED"
)

// Record is the coordinator's transaction record (spec §3).
type Record struct {
	TxID         txn.ID
	Protocol     txn.Protocol
	Decision     txn.Decision // "" until computed
	Votes        map[string]txn.Vote
	State        State
	Participants []string
}

// Config bounds the coordinator's timeouts and retry cadence.
type Config struct {
	CallTimeout   time.Duration // per-RPC timeout for every participant call (vote, precommit, commit/abort delivery)
	RetryInterval time.Duration // cadence of the decision-redelivery loop
}

// DefaultConfig matches spec §4: 2s per-call timeout, 3s retry interval.
func DefaultConfig() Config {
	return Config{
		CallTimeout:   2 * time.Second,
		RetryInterval: 3 * time.Second,
	}
}

// Coordinator drives the commitment protocol against a fixed set of named
// participants and keeps retrying decision delivery until the process is
// stopped. The participant set is fixed at construction; there is no
// runtime reconfiguration. 3PC here has no participant-driven termination
// protocol: like 2PC, a participant waits on the coordinator's decision if
// the coordinator crashes.
type Coordinator struct {
	cfg          Config
	wal          *walcodec.WAL
	participants map[string]Participant
	order        []string // configured dispatch order

	mu sync.Mutex
	tx map[txn.ID]*Record

	onDecision func(Record) // optional hook, e.g. a websocket broadcaster

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Coordinator. participants maps a participant name to its
// transport adapter; order fixes the dispatch order used during fan-out
// (the coordinator's "configured order", spec §4.1.1).
func New(cfg Config, wal *walcodec.WAL, participants map[string]Participant, order []string) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		wal:          wal,
		participants: participants,
		order:        order,
		tx:           make(map[txn.ID]*Record),
		stop:         make(chan struct{}),
	}
}

// OnDecision registers a callback invoked every time a decision is
// computed (not merely redelivered). Used by the HTTP layer to fan out a
// live feed; nil by default.
func (c *Coordinator) OnDecision(fn func(Record)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDecision = fn
}

// Recover replays the coordinator's WAL, rehydrating a RECOVERED record
// for every DECISION line so the retry loop redelivers it (spec §4.1.4).
// A transaction for which no DECISION was logged leaves no record at
// all: it is implicitly aborted, and any participant left in READY must
// time out locally.
func (c *Coordinator) Recover() error {
	if c.wal == nil || !c.wal.Enabled() {
		return nil
	}

	records, err := c.wal.Replay()
	if err != nil {
		return fmt.Errorf("coordinator WAL replay: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range records {
		if rec.Cmd != "DECISION" {
			continue
		}
		c.tx[txn.ID(rec.TxID)] = &Record{
			TxID:         txn.ID(rec.TxID),
			Decision:     txn.Decision(rec.Rest),
			State:        StateRecovered,
			Participants: append([]string(nil), c.order...),
		}
	}

	return nil
}

// Start drives a transaction to a global decision: PREPARE/CAN_COMMIT,
// then DECIDE (persisted before any commit/abort is dispatched), then an
// initial DELIVER attempt. The retry loop covers any participant missed
// here. It returns once every participant has been asked, not
// necessarily acknowledged.
func (c *Coordinator) Start(ctx context.Context, txid txn.ID, op txn.Operation, protocol txn.Protocol) (Record, error) {
	if txid == "" {
		return Record{}, fmt.Errorf("txid must not be empty")
	}

	var (
		votes    map[string]txn.Vote
		decision txn.Decision
	)

	switch protocol {
	case txn.ThreePC:
		var err error
		votes, decision, err = c.runThreePC(ctx, txid, op)
		if err != nil {
			return Record{}, err
		}
	default:
		protocol = txn.TwoPC
		var err error
		votes, decision, err = c.runTwoPC(ctx, txid, op)
		if err != nil {
			return Record{}, err
		}
	}

	if err := c.persistDecision(txid, decision); err != nil {
		return Record{}, fmt.Errorf("persist decision: %w", err)
	}

	rec := Record{
		TxID:         txid,
		Protocol:     protocol,
		Decision:     decision,
		Votes:        votes,
		State:        StateDone,
		Participants: append([]string(nil), c.order...),
	}

	c.mu.Lock()
	c.tx[txid] = &rec
	hook := c.onDecision
	c.mu.Unlock()

	c.deliver(context.Background(), txid, decision)

	if hook != nil {
		hook(rec)
	}

	return rec, nil
}

func (c *Coordinator) runTwoPC(ctx context.Context, txid txn.ID, op txn.Operation) (map[string]txn.Vote, txn.Decision, error) {
	votes := c.collectVotes(ctx, txid, op, func(ctx context.Context, p Participant, id txn.ID, op txn.Operation) (txn.Vote, error) {
		return p.Prepare(ctx, id, op)
	})
	return votes, decideFromVotes(votes), nil
}

func (c *Coordinator) runThreePC(ctx context.Context, txid txn.ID, op txn.Operation) (map[string]txn.Vote, txn.Decision, error) {
	votes := c.collectVotes(ctx, txid, op, func(ctx context.Context, p Participant, id txn.ID, op txn.Operation) (txn.Vote, error) {
		return p.CanCommit(ctx, id, op)
	})

	decision := decideFromVotes(votes)
	if decision != txn.Commit {
		return votes, decision, nil
	}

	// PRECOMMIT: advisory only, transport errors are ignored here (spec §4.1.2).
	var wg sync.WaitGroup
	for _, name := range c.order {
		p, ok := c.participants[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			_ = p.Precommit(callCtx, txid)
		}(p)
	}
	wg.Wait()

	return votes, txn.Commit, nil
}

type voteCaller func(ctx context.Context, p Participant, id txn.ID, op txn.Operation) (txn.Vote, error)

// collectVotes fans a vote request out to every configured participant in
// parallel, without holding c.mu, since the network dominates (spec §5).
func (c *Coordinator) collectVotes(ctx context.Context, txid txn.ID, op txn.Operation, call voteCaller) map[string]txn.Vote {
	votes := make(map[string]txn.Vote, len(c.order))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range c.order {
		p, ok := c.participants[name]
		if !ok {
			mu.Lock()
			votes[name] = txn.NoTimeout
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(name string, p Participant) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()

			vote, err := call(callCtx, p, txid, op)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				votes[name] = txn.NoTimeout
				return
			}
			votes[name] = vote
		}(name, p)
	}

	wg.Wait()
	return votes
}

func decideFromVotes(votes map[string]txn.Vote) txn.Decision {
	for _, v := range votes {
		if v != txn.Yes {
			return txn.Abort
		}
	}
	return txn.Commit
}

// persistDecision fsyncs "<txid> DECISION <decision>" before any
// commit/abort is dispatched (spec invariant 4, §4.1.1 step 2).
func (c *Coordinator) persistDecision(txid txn.ID, decision txn.Decision) error {
	if c.wal == nil {
		return nil
	}
	return c.wal.Append(walcodec.Record{
		TxID: string(txid),
		Cmd:  "DECISION",
		Rest: string(decision),
	})
}

// deliver sends the decision to every participant once; transport
// failures are swallowed here, as the retry loop is responsible for
// eventual delivery (spec §4.1.1 step 3).
func (c *Coordinator) deliver(ctx context.Context, txid txn.ID, decision txn.Decision) {
	var wg sync.WaitGroup
	for _, name := range c.order {
		p, ok := c.participants[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			if decision == txn.Commit {
				_ = p.Commit(callCtx, txid)
			} else {
				_ = p.Abort(callCtx, txid)
			}
		}(p)
	}
	wg.Wait()
}

// Snapshot returns a point-in-time copy of a transaction's record, for the
// /status endpoint.
func (c *Coordinator) Snapshot(txid txn.ID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.tx[txid]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SnapshotAll returns a point-in-time copy of the whole transaction table.
func (c *Coordinator) SnapshotAll() map[txn.ID]Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[txn.ID]Record, len(c.tx))
	for id, rec := range c.tx {
		out[id] = *rec
	}
	return out
}

// StartRetryLoop launches the background worker that, at cfg.RetryInterval,
// walks the transaction table and re-sends any computed decision to every
// participant (spec §4.1.3). There is no per-participant acknowledgement
// tracking: resends are idempotent by construction on the participant
// side. Call Stop to shut it down.
func (c *Coordinator) StartRetryLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.RetryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.retryOnce()
			}
		}
	}()
}

func (c *Coordinator) retryOnce() {
	c.mu.Lock()
	snapshot := make([]Record, 0, len(c.tx))
	for _, rec := range c.tx {
		snapshot = append(snapshot, *rec)
	}
	c.mu.Unlock()

	for _, rec := range snapshot {
		if rec.Decision != txn.Commit && rec.Decision != txn.Abort {
			continue
		}
		c.deliver(context.Background(), rec.TxID, rec.Decision)
	}
}

// Stop halts the retry loop and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}
