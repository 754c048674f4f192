package evmwallet

import (
	"math/big"
	"testing"
	"time"

	"github.com/envelop-relayer/settlement-core/internal/relayconfig"
)

func TestGasManagerSuggestAppliesMultipliers(t *testing.T) {
	g := newGasManager(relayconfig.EVMChainConfig{TipMultiplier: 1.5, FeeCapMultiplier: 2.0})

	tipCap, feeCap := g.suggest(big.NewInt(1_000_000_000), big.NewInt(10_000_000_000))

	if tipCap.Cmp(big.NewInt(1_500_000_000)) != 0 {
		t.Errorf("tipCap = %s, want 1500000000", tipCap)
	}
	wantFeeCap := big.NewInt(23_000_000_000) // (base + tip) * 2.0
	if feeCap.Cmp(wantFeeCap) != 0 {
		t.Errorf("feeCap = %s, want %s", feeCap, wantFeeCap)
	}
}

func TestGasManagerDefaultsWhenUnconfigured(t *testing.T) {
	g := newGasManager(relayconfig.EVMChainConfig{})
	if g.tipMultiplier != 1.2 || g.feeCapMultiplier != 2.0 {
		t.Errorf("unexpected defaults: tip=%v feeCap=%v", g.tipMultiplier, g.feeCapMultiplier)
	}
}

func TestIsNonceOrFeeError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"nonce too low", true},
		{"replacement transaction underpriced", true},
		{"already known", true},
		{"insufficient funds for gas * price + value", false},
		{"connection refused", false},
	}
	for _, c := range cases {
		got := isNonceOrFeeError(errString(c.msg))
		if got != c.want {
			t.Errorf("isNonceOrFeeError(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestLeastLoadedWalletPicksLowestInFlight(t *testing.T) {
	w1 := &wallet{}
	w2 := &wallet{inFlight: 3}
	pool := &chainPool{wallets: []*wallet{w1, w2}}

	chosen := pool.leastLoadedWallet()
	if chosen != w1 {
		t.Fatalf("expected w1 (lower load) to be chosen")
	}
	if w1.inFlight != 1 {
		t.Errorf("inFlight = %d, want 1 after selection", w1.inFlight)
	}
}

func TestObservedRateAndStable(t *testing.T) {
	pool := &chainPool{wallets: []*wallet{{}, {}}}
	s := &Scheduler{pools: map[string]*chainPool{"1": pool}}

	if !s.Stable("1", 0) {
		t.Errorf("expected stable with zero depth and no observed rate")
	}

	for i := 0; i < 10; i++ {
		pool.recordArrival()
	}
	rate := pool.observedRate()
	if rate <= 0 {
		t.Errorf("observedRate() = %v, want > 0 after arrivals", rate)
	}

	if s.Stable("unknown-chain", 5) {
		t.Errorf("Stable() for unconfigured chain should report false, not true")
	}
}

func TestRecordArrivalPrunesOldEntries(t *testing.T) {
	pool := &chainPool{}
	pool.arrivals = append(pool.arrivals, time.Now().Add(-2*time.Minute))
	pool.recordArrival()

	if len(pool.arrivals) != 1 {
		t.Errorf("expected stale arrival to be pruned, got %d entries", len(pool.arrivals))
	}
}
