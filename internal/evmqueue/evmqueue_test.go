package evmqueue

import (
	"math/big"
	"testing"
	"time"
)

func TestEnqueueSealsOnSize(t *testing.T) {
	q := NewQueue(5, time.Hour)

	for i := 0; i < 5; i++ {
		q.Enqueue(BatchItem{ChainID: "11155111", RecipientAddress: "0xabc", AmountWei: big.NewInt(1), EnqueuedAt: time.Now()})
	}

	select {
	case batch := <-q.Batches():
		if batch.ReadyReason != ReadySize {
			t.Errorf("ReadyReason = %s, want size", batch.ReadyReason)
		}
		if len(batch.Items) != 5 {
			t.Errorf("len(Items) = %d, want 5", len(batch.Items))
		}
	case <-time.After(time.Second):
		t.Fatal("expected a batch to be sealed on size")
	}
}

func TestBatchSizeOneSealsImmediately(t *testing.T) {
	q := NewQueue(1, time.Hour)
	q.Enqueue(BatchItem{ChainID: "1", AmountWei: big.NewInt(1), EnqueuedAt: time.Now()})

	select {
	case batch := <-q.Batches():
		if len(batch.Items) != 1 || batch.ReadyReason != ReadySize {
			t.Errorf("unexpected batch: %+v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate seal with B=1")
	}
}

func TestEnqueueSealsOnTimer(t *testing.T) {
	q := NewQueue(100, 50*time.Millisecond)
	q.Enqueue(BatchItem{ChainID: "1", AmountWei: big.NewInt(1), EnqueuedAt: time.Now()})

	select {
	case batch := <-q.Batches():
		if batch.ReadyReason != ReadyTimer {
			t.Errorf("ReadyReason = %s, want timer", batch.ReadyReason)
		}
		if len(batch.Items) != 1 {
			t.Errorf("len(Items) = %d, want 1", len(batch.Items))
		}
	case <-time.After(time.Second):
		t.Fatal("expected a batch to be sealed on timer")
	}
}

func TestFlushAllSealsPartialQueue(t *testing.T) {
	q := NewQueue(100, time.Hour)
	q.Enqueue(BatchItem{ChainID: "1", AmountWei: big.NewInt(1), EnqueuedAt: time.Now()})
	q.Enqueue(BatchItem{ChainID: "2", AmountWei: big.NewInt(1), EnqueuedAt: time.Now()})

	q.FlushAll()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case batch := <-q.Batches():
			if batch.ReadyReason != ReadyFlush {
				t.Errorf("ReadyReason = %s, want flush", batch.ReadyReason)
			}
			seen[batch.ChainID] = true
		case <-time.After(time.Second):
			t.Fatal("expected both chain queues to flush")
		}
	}
	if !seen["1"] || !seen["2"] {
		t.Errorf("expected flush batches for both chains, got %v", seen)
	}
}

func TestChainsAreIndependent(t *testing.T) {
	q := NewQueue(2, time.Hour)
	q.Enqueue(BatchItem{ChainID: "1", AmountWei: big.NewInt(1), EnqueuedAt: time.Now()})
	q.Enqueue(BatchItem{ChainID: "2", AmountWei: big.NewInt(1), EnqueuedAt: time.Now()})

	stats1 := q.Stats("1")
	stats2 := q.Stats("2")
	if stats1.Depth != 1 || stats2.Depth != 1 {
		t.Errorf("expected independent depths of 1 each, got %d and %d", stats1.Depth, stats2.Depth)
	}
}
