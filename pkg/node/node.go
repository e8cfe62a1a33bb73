// Package node binds the lending engine to its runtime: a serialized
// apply path over durable storage plus a checkpoint loop that seals
// committed transitions into height-stamped checkpoints. It supplies
// the single total order of transitions the engine itself assumes.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	metric "github.com/luxfi/metric"

	"github.com/luxfi/lend/pkg/lend"
	"github.com/luxfi/lend/pkg/store"
)

// Config configures a Node.
type Config struct {
	// Engine to execute transitions on. Required.
	Engine *lend.LendingEngine

	// Store persists transitions and checkpoints. Nil keeps the node
	// memory-only.
	Store *store.Store

	// BlockTime is the checkpoint interval.
	BlockTime time.Duration

	Logger log.Logger
}

// Metrics tracks node counters.
type Metrics struct {
	TransitionsApplied  metric.Counter
	TransitionsRejected metric.Counter
	CheckpointsSealed   metric.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		TransitionsApplied:  metric.NewCounter("transitions_applied"),
		TransitionsRejected: metric.NewCounter("transitions_rejected"),
		CheckpointsSealed:   metric.NewCounter("checkpoints_sealed"),
	}
}

// Result is one applied transition: the committed event and the
// account snapshot taken immediately after commit.
type Result struct {
	Event   lend.Event
	Account lend.AccountSnapshot
}

// Info is the node status served to clients.
type Info struct {
	Height          uint64 `json:"height"`
	Checkpoint      string `json:"checkpoint"`
	LastSequence    uint64 `json:"last_sequence"`
	Accounts        int    `json:"accounts"`
	TotalCollateral string `json:"total_collateral"`
	TotalDebt       string `json:"total_debt"`
	CollateralRatio uint64 `json:"collateral_ratio"`
	TransferMode    string `json:"transfer_mode"`
}

// Node serializes every transition and read: one mutex is the stand-in
// for the replicated executor's single global order. The engine is
// never touched without it.
type Node struct {
	mu      sync.Mutex
	engine  *lend.LendingEngine
	db      *store.Store
	logger  log.Logger
	metrics *Metrics

	blockTime time.Duration

	height       uint64
	checkpointID ids.ID
	sealedSeq    uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node and, when a store is configured, replays the
// persisted ledger into the engine.
func New(cfg Config) (*Node, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("node requires an engine")
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		engine:    cfg.Engine,
		db:        cfg.Store,
		logger:    cfg.Logger,
		metrics:   newMetrics(),
		blockTime: cfg.BlockTime,
		ctx:       ctx,
		cancel:    cancel,
	}
	if n.db != nil {
		if err := n.replay(); err != nil {
			cancel()
			return nil, err
		}
	}
	return n, nil
}

// replay restores accounts, pending credits, and the event log from
// the store.
func (n *Node) replay() error {
	records, err := n.db.LoadAccounts()
	if err != nil {
		return fmt.Errorf("failed to replay accounts: %w", err)
	}
	for _, rec := range records {
		n.engine.RestoreAccount(rec.Address, rec.Collateral, rec.Debt)
		if !rec.Pending.IsZero() {
			n.engine.RestorePending(rec.Address, rec.Pending)
		}
	}
	events, err := n.db.LoadEvents()
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}
	n.engine.RestoreEvents(events)

	height, err := n.db.Height()
	if err != nil {
		return err
	}
	n.height = height
	n.sealedSeq = n.engine.Events().LastSequence()

	if n.logger != nil && (len(records) > 0 || len(events) > 0) {
		n.logger.Info("Replayed ledger state",
			"accounts", len(records),
			"events", len(events),
			"height", height)
	}
	return nil
}

// Start launches the checkpoint loop.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.runSealer()
}

// Stop halts the checkpoint loop and waits for it.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()
}

func (n *Node) runSealer() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sealCheckpoint()
		}
	}
}

// sealCheckpoint stamps the transitions committed since the last seal
// with a new height. Empty intervals seal nothing.
func (n *Node) sealCheckpoint() {
	n.mu.Lock()
	defer n.mu.Unlock()

	lastSeq := n.engine.Events().LastSequence()
	if lastSeq == n.sealedSeq {
		return
	}

	n.height++
	summary, _ := json.Marshal(struct {
		Parent   ids.ID `json:"parent"`
		Height   uint64 `json:"height"`
		FirstSeq uint64 `json:"first_seq"`
		LastSeq  uint64 `json:"last_seq"`
	}{
		Parent:   n.checkpointID,
		Height:   n.height,
		FirstSeq: n.sealedSeq + 1,
		LastSeq:  lastSeq,
	})
	n.checkpointID = ids.Checksum256(summary)
	n.sealedSeq = lastSeq

	if n.db != nil {
		if err := n.db.PutHeight(n.height); err != nil && n.logger != nil {
			n.logger.Error("Failed to store checkpoint height", "error", err)
		}
	}
	n.metrics.CheckpointsSealed.Inc()

	if n.logger != nil {
		n.logger.Debug("Checkpoint sealed",
			"height", n.height,
			"checkpoint", n.checkpointID.String(),
			"lastSeq", lastSeq)
	}
}

// apply runs one transition under the node lock and persists it.
func (n *Node) apply(id ids.ShortID, op func() error) (Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := op(); err != nil {
		n.metrics.TransitionsRejected.Inc()
		return Result{}, err
	}

	events := n.engine.Events()
	all := events.Since(events.LastSequence() - 1)
	res := Result{
		Event:   all[0],
		Account: n.engine.Account(id),
	}
	if n.db != nil {
		if err := n.db.CommitTransition(res.Event, res.Account); err != nil {
			// The in-memory transition already committed; surface the
			// persistence failure loudly rather than unwind it.
			if n.logger != nil {
				n.logger.Error("Failed to persist transition",
					"seq", res.Event.Sequence, "error", err)
			}
			return res, fmt.Errorf("transition %d committed but not persisted: %w", res.Event.Sequence, err)
		}
	}
	n.metrics.TransitionsApplied.Inc()
	return res, nil
}

// Deposit applies a deposit transition.
func (n *Node) Deposit(id ids.ShortID, amount *uint256.Int) (Result, error) {
	return n.apply(id, func() error { return n.engine.Deposit(id, amount) })
}

// Borrow applies a borrow transition.
func (n *Node) Borrow(id ids.ShortID, amount *uint256.Int) (Result, error) {
	return n.apply(id, func() error { return n.engine.Borrow(id, amount) })
}

// Repay applies a repay transition.
func (n *Node) Repay(id ids.ShortID, amount *uint256.Int) (Result, error) {
	return n.apply(id, func() error { return n.engine.Repay(id, amount) })
}

// Withdraw applies a withdraw transition.
func (n *Node) Withdraw(id ids.ShortID, amount *uint256.Int) (Result, error) {
	return n.apply(id, func() error { return n.engine.Withdraw(id, amount) })
}

// Claim settles the identity's pending credit.
func (n *Node) Claim(id ids.ShortID) (Result, error) {
	return n.apply(id, func() error {
		_, err := n.engine.Claim(id)
		return err
	})
}

// AvailableToBorrow returns the identity's remaining borrowing
// capacity as a consistent snapshot.
func (n *Node) AvailableToBorrow(id ids.ShortID) (*uint256.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.AvailableToBorrow(id)
}

// Account returns a consistent account snapshot.
func (n *Node) Account(id ids.ShortID) lend.AccountSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Account(id)
}

// Stats returns the derived account view.
func (n *Node) Stats(id ids.ShortID) lend.AccountStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Stats(id)
}

// Events returns up to limit committed events after since.
func (n *Node) Events(since uint64, limit int) []lend.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	events := n.engine.Events().Since(since)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// Notify exposes the committed-event feed for publishers.
func (n *Node) Notify() <-chan lend.Event {
	return n.engine.Events().Notify()
}

// Info reports node status.
func (n *Node) Info() Info {
	n.mu.Lock()
	defer n.mu.Unlock()

	return Info{
		Height:          n.height,
		Checkpoint:      n.checkpointID.String(),
		LastSequence:    n.engine.Events().LastSequence(),
		Accounts:        n.engine.AccountCount(),
		TotalCollateral: n.engine.TotalCollateral().String(),
		TotalDebt:       n.engine.TotalDebt().String(),
		CollateralRatio: n.engine.Policy().Ratio(),
		TransferMode:    n.engine.Mode().String(),
	}
}

// Metrics exposes the node counters.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}
