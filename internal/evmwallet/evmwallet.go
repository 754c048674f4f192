// Package evmwallet implements the Wallet Pool + Scheduler (WPS): a bounded
// pool of signing wallets per EVM chain_id, each with a serialized nonce
// counter, dispatching sealed evmqueue.Batches over a real EVM RPC endpoint.
package evmwallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/envelop-relayer/settlement-core/internal/evmqueue"
	"github.com/envelop-relayer/settlement-core/internal/relayconfig"
	"github.com/envelop-relayer/settlement-core/internal/retry"
	"github.com/envelop-relayer/settlement-core/pkg/logging"
)

// DispatchResult records the outcome of sending one BatchItem.
type DispatchResult struct {
	Item   evmqueue.BatchItem
	TxHash string
	Err    error
}

// wallet is one signing key in a chain's pool, with its own nonce counter
// serialized by mu so concurrent dispatches on the same wallet can't race.
type wallet struct {
	mu         sync.Mutex
	address    common.Address
	privateKey *ecdsa.PrivateKey
	nonce      uint64
	inFlight   int
}

// gasManager computes EIP-1559 fee fields from a chain's multiplier config.
type gasManager struct {
	tipMultiplier    float64
	feeCapMultiplier float64
}

func newGasManager(cfg relayconfig.EVMChainConfig) *gasManager {
	tip := cfg.TipMultiplier
	if tip <= 0 {
		tip = 1.2
	}
	cap := cfg.FeeCapMultiplier
	if cap <= 0 {
		cap = 2.0
	}
	return &gasManager{tipMultiplier: tip, feeCapMultiplier: cap}
}

// suggest derives {maxPriorityFeePerGas, maxFeePerGas} from the chain's
// suggested tip and current base fee, scaled by the configured multipliers.
func (g *gasManager) suggest(suggestedTip, baseFee *big.Int) (tipCap, feeCap *big.Int) {
	tipCap = mulFloat(suggestedTip, g.tipMultiplier)
	headroom := new(big.Int).Add(baseFee, tipCap)
	feeCap = mulFloat(headroom, g.feeCapMultiplier)
	return tipCap, feeCap
}

func mulFloat(v *big.Int, f float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(v), big.NewFloat(f))
	result, _ := scaled.Int(nil)
	return result
}

// chainPool is one EVM chain's wallet pool plus the ethclient it dispatches
// over.
type chainPool struct {
	chainID    string
	client     *ethclient.Client
	bigChainID *big.Int
	gas        *gasManager
	wallets    []*wallet

	mu         sync.Mutex
	observedMu sync.Mutex
	arrivals   []time.Time // sliding window for mu (observed arrival rate)
}

// Scheduler is WPS: it owns one chainPool per configured EVM chain and
// dispatches evmqueue.Batch items across each chain's wallet pool.
type Scheduler struct {
	pools map[string]*chainPool
	retry retry.Policy
	seen  *lru.Cache[string, struct{}]
	log   *logging.Logger
}

// NewScheduler dials every configured EVM chain's RPC endpoint and derives
// walletsPerChain signing wallets from its configured private keys.
func NewScheduler(ctx context.Context, chains map[string]relayconfig.EVMChainConfig, walletsPerChain int, retryPolicy retry.Policy) (*Scheduler, error) {
	if walletsPerChain <= 0 {
		walletsPerChain = 2
	}
	seen, err := lru.New[string, struct{}](4096)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate recent-tx cache: %w", err)
	}

	s := &Scheduler{
		pools: make(map[string]*chainPool, len(chains)),
		retry: retryPolicy,
		seen:  seen,
		log:   logging.GetDefault().Component("wps"),
	}

	for chainID, cfg := range chains {
		pool, err := s.newChainPool(ctx, chainID, cfg, walletsPerChain)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize chain %s: %w", chainID, err)
		}
		s.pools[chainID] = pool
	}
	return s, nil
}

func (s *Scheduler) newChainPool(ctx context.Context, chainID string, cfg relayconfig.EVMChainConfig, walletsPerChain int) (*chainPool, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC: %w", err)
	}

	bigChainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	keys := cfg.PrivateKeys
	if len(keys) > walletsPerChain {
		keys = keys[:walletsPerChain]
	}

	wallets := make([]*wallet, 0, len(keys))
	for _, hexKey := range keys {
		pk, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		addr := crypto.PubkeyToAddress(pk.PublicKey)

		nonce, err := client.PendingNonceAt(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch initial nonce for %s: %w", addr, err)
		}
		wallets = append(wallets, &wallet{address: addr, privateKey: pk, nonce: nonce})
	}

	return &chainPool{
		chainID:    chainID,
		client:     client,
		bigChainID: bigChainID,
		gas:        newGasManager(cfg),
		wallets:    wallets,
	}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Dispatch sends every item in batch in parallel, one goroutine per item,
// choosing the least-loaded wallet in the pool for each (spec §4.6).
func (s *Scheduler) Dispatch(ctx context.Context, batch evmqueue.Batch) []DispatchResult {
	pool, ok := s.pools[batch.ChainID]
	if !ok {
		results := make([]DispatchResult, len(batch.Items))
		for i, item := range batch.Items {
			results[i] = DispatchResult{Item: item, Err: fmt.Errorf("no wallet pool configured for chain %s", batch.ChainID)}
		}
		return results
	}

	pool.recordArrival()

	results := make([]DispatchResult, len(batch.Items))
	var wg sync.WaitGroup
	for i, item := range batch.Items {
		wg.Add(1)
		go func(i int, item evmqueue.BatchItem) {
			defer wg.Done()
			results[i] = s.dispatchOne(ctx, pool, item)
		}(i, item)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) dispatchOne(ctx context.Context, pool *chainPool, item evmqueue.BatchItem) DispatchResult {
	w := pool.leastLoadedWallet()

	var txHash string
	retryable := func(err error) bool { return isNonceOrFeeError(err) }
	err := retry.Do(ctx, s.retry, retryable, func(attempt int) error {
		hash, sendErr := s.sendOnce(ctx, pool, w, item)
		if sendErr != nil {
			if isNonceOrFeeError(sendErr) {
				w.mu.Lock()
				nonce, nerr := pool.client.PendingNonceAt(ctx, w.address)
				if nerr == nil {
					w.nonce = nonce
				}
				w.mu.Unlock()
			}
			return sendErr
		}
		txHash = hash
		return nil
	})

	w.mu.Lock()
	w.inFlight--
	w.mu.Unlock()

	if err == nil {
		s.seen.Add(txHash, struct{}{})
	}
	return DispatchResult{Item: item, TxHash: txHash, Err: err}
}

// reserveNonce atomically hands out the wallet's next nonce and advances the
// counter, so two goroutines racing on the same wallet never see the same
// value (spec §4.6: the wallet reserves the next nonce atomically).
func (w *wallet) reserveNonce() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	nonce := w.nonce
	w.nonce++
	return nonce
}

func (s *Scheduler) sendOnce(ctx context.Context, pool *chainPool, w *wallet, item evmqueue.BatchItem) (string, error) {
	nonce := w.reserveNonce()

	suggestedTip, err := pool.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest tip cap: %w", err)
	}
	header, err := pool.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch latest header: %w", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	tipCap, feeCap := pool.gas.suggest(suggestedTip, baseFee)

	to := common.HexToAddress(item.RecipientAddress)
	gasLimit, err := pool.client.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &to, Value: item.AmountWei})
	if err != nil {
		gasLimit = 21000
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   pool.bigChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     item.AmountWei,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(pool.bigChainID), w.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := pool.client.SendTransaction(ctx, signedTx); err != nil {
		return "", err
	}

	return signedTx.Hash().Hex(), nil
}

// Stable reports WPS's stability gauge (spec §4.6): queue depth for the
// chain is below k times the observed dispatch rate, meaning the pool is
// keeping up with inbound batches rather than falling behind.
func (s *Scheduler) Stable(chainID string, queueDepth int) bool {
	pool, ok := s.pools[chainID]
	if !ok {
		return false
	}
	rate := pool.observedRate()
	if rate <= 0 {
		return queueDepth == 0
	}
	return float64(queueDepth) < float64(len(pool.wallets))*rate
}

func (p *chainPool) leastLoadedWallet() *wallet {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.wallets[0]
	bestLoad := best.loadSnapshot()
	candidates := []*wallet{best}
	for _, w := range p.wallets[1:] {
		load := w.loadSnapshot()
		if load < bestLoad {
			best, bestLoad = w, load
			candidates = []*wallet{w}
		} else if load == bestLoad {
			candidates = append(candidates, w)
		}
	}
	chosen := candidates[rand.Intn(len(candidates))]

	chosen.mu.Lock()
	chosen.inFlight++
	chosen.mu.Unlock()
	return chosen
}

func (w *wallet) loadSnapshot() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

func (p *chainPool) recordArrival() {
	p.observedMu.Lock()
	defer p.observedMu.Unlock()
	now := time.Now()
	p.arrivals = append(p.arrivals, now)
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(p.arrivals) && p.arrivals[i].Before(cutoff) {
		i++
	}
	p.arrivals = p.arrivals[i:]
}

// observedRate returns batches/second over the trailing minute.
func (p *chainPool) observedRate() float64 {
	p.observedMu.Lock()
	defer p.observedMu.Unlock()
	if len(p.arrivals) == 0 {
		return 0
	}
	span := time.Since(p.arrivals[0]).Seconds()
	if span <= 0 {
		span = 1
	}
	return float64(len(p.arrivals)) / span
}

var retryableSubstrings = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"fee too low",
	"max fee per gas less than block base fee",
}

func isNonceOrFeeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range retryableSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
