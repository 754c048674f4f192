// Package evmqueue implements the EVM Batching Queue (BQ): per-chain queues
// that coalesce outbound EVM payouts by size threshold or time window.
package evmqueue

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/envelop-relayer/settlement-core/pkg/logging"
)

// ReadyReason records why a Batch was sealed.
type ReadyReason string

const (
	ReadySize  ReadyReason = "size"
	ReadyTimer ReadyReason = "timer"
	// ReadyFlush is used only for shutdown's flush_all, which seals
	// non-empty queues outside the normal size/age triggers (spec §4.5).
	ReadyFlush ReadyReason = "flush"
)

// BatchItem is one EVM payout request awaiting dispatch (spec §3).
type BatchItem struct {
	RequestID        string
	ChainID          string
	RecipientAddress string
	AmountWei        *big.Int
	EnqueuedAt       time.Time
}

// Batch is an immutable, sealed group of BatchItems (spec §3).
type Batch struct {
	BatchID     string
	ChainID     string
	Items       []BatchItem
	ReadyReason ReadyReason
	ReadyAt     time.Time
}

// Stats exposes queue introspection backing WPS's stability gauge (spec §4.6).
type Stats struct {
	Depth     int
	OldestAge time.Duration
}

type chainQueue struct {
	mu    sync.Mutex
	items []BatchItem
	timer *time.Timer
}

// Queue is BQ: one logical queue per chain_id, each independently sealed.
type Queue struct {
	maxSize int
	maxWait time.Duration

	mu     sync.Mutex
	chains map[string]*chainQueue

	out chan Batch
	log *logging.Logger
}

// NewQueue constructs BQ with the given size threshold B and time window Δt.
func NewQueue(maxSize int, maxWait time.Duration) *Queue {
	if maxSize <= 0 {
		maxSize = 5
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}
	return &Queue{
		maxSize: maxSize,
		maxWait: maxWait,
		chains:  make(map[string]*chainQueue),
		out:     make(chan Batch, 64),
		log:     logging.GetDefault().Component("bq"),
	}
}

// Batches returns the channel Batches are emitted on. Emission is FIFO by
// first-item enqueue time within one chain (spec §5); across chains, order
// is whichever seals first.
func (q *Queue) Batches() <-chan Batch {
	return q.out
}

// Enqueue implements spec §4.5's enqueue(BatchItem) operation. Non-blocking:
// it returns immediately, sealing and emitting synchronously if the size
// threshold is hit on this call, or scheduling a timer otherwise.
func (q *Queue) Enqueue(item BatchItem) {
	cq := q.chainQueueFor(item.ChainID)

	cq.mu.Lock()
	cq.items = append(cq.items, item)
	first := len(cq.items) == 1
	sealSize := len(cq.items) >= q.maxSize
	var toSeal []BatchItem

	if sealSize {
		toSeal = cq.items
		cq.items = nil
		if cq.timer != nil {
			cq.timer.Stop()
			cq.timer = nil
		}
	} else if first {
		cq.timer = time.AfterFunc(q.maxWait, func() { q.sealOnTimer(item.ChainID) })
	}
	cq.mu.Unlock()

	if toSeal != nil {
		q.emit(item.ChainID, toSeal, ReadySize)
	}
}

func (q *Queue) sealOnTimer(chainID string) {
	cq := q.chainQueueFor(chainID)

	cq.mu.Lock()
	toSeal := cq.items
	cq.items = nil
	cq.timer = nil
	cq.mu.Unlock()

	if len(toSeal) > 0 {
		q.emit(chainID, toSeal, ReadyTimer)
	}
}

// FlushAll seals every non-empty queue regardless of size or age (spec §4.5
// shutdown behavior).
func (q *Queue) FlushAll() {
	q.mu.Lock()
	chainIDs := make([]string, 0, len(q.chains))
	for id := range q.chains {
		chainIDs = append(chainIDs, id)
	}
	q.mu.Unlock()

	for _, chainID := range chainIDs {
		cq := q.chainQueueFor(chainID)
		cq.mu.Lock()
		toSeal := cq.items
		cq.items = nil
		if cq.timer != nil {
			cq.timer.Stop()
			cq.timer = nil
		}
		cq.mu.Unlock()

		if len(toSeal) > 0 {
			q.emit(chainID, toSeal, ReadyFlush)
		}
	}
}

// Stats reports the current depth and oldest-item age for a chain's queue.
func (q *Queue) Stats(chainID string) Stats {
	cq := q.chainQueueFor(chainID)
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if len(cq.items) == 0 {
		return Stats{}
	}
	return Stats{Depth: len(cq.items), OldestAge: time.Since(cq.items[0].EnqueuedAt)}
}

func (q *Queue) chainQueueFor(chainID string) *chainQueue {
	q.mu.Lock()
	defer q.mu.Unlock()

	cq, ok := q.chains[chainID]
	if !ok {
		cq = &chainQueue{}
		q.chains[chainID] = cq
	}
	return cq
}

func (q *Queue) emit(chainID string, items []BatchItem, reason ReadyReason) {
	batch := Batch{
		BatchID:     uuid.NewString(),
		ChainID:     chainID,
		Items:       items,
		ReadyReason: reason,
		ReadyAt:     time.Now(),
	}
	q.log.Debug("batch sealed", "chain_id", chainID, "size", len(items), "reason", reason)
	q.out <- batch
}

func (q *Queue) String() string {
	return fmt.Sprintf("evmqueue.Queue{maxSize=%d, maxWait=%s}", q.maxSize, q.maxWait)
}
