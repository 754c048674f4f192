// Package chainstatus implements the Chain Status Oracle (CSO): it queries
// an external explorer/RPC for a transaction id and returns a normalized
// state, caching results for a configurable TTL.
package chainstatus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/envelop-relayer/settlement-core/internal/policy"
	"github.com/envelop-relayer/settlement-core/pkg/logging"
)

// State is CSO's normalized transaction state (spec §4.1).
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

var (
	failedSubstrings    = []string{"fail", "reject", "invalid", "drop", "revert", "abort", "error"}
	confirmedSubstrings = []string{"confirm", "final", "success", "complete", "accept", "execut", "includ", "commit"}
	pendingSubstrings   = []string{"pending", "queue", "process", "broadcast", "submit", "mempool", "not_found", "unknown"}
)

// Normalize implements spec §4.1's case-insensitive substring classification.
func Normalize(raw string) State {
	lower := strings.ToLower(raw)
	if containsAny(lower, failedSubstrings) {
		return StateFailed
	}
	if containsAny(lower, confirmedSubstrings) {
		return StateConfirmed
	}
	// Both the explicit pending bucket and the catch-all default to pending.
	return StatePending
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// LookupResult is CSO's output for one lookup.
type LookupResult struct {
	State     State
	Raw       string
	Decoded   policy.DecodedTx
	Source    string
	FetchedAt time.Time
}

// EndpointClient is a single explorer/RPC backend CSO can query. Concrete
// variants are {http-backed primary/fallback, in-memory mock}, per spec §9's
// "no monkey-patching of chain clients" design note.
type EndpointClient interface {
	Name() string
	FetchStatus(ctx context.Context, txID string) (rawState string, decoded policy.DecodedTx, err error)
}

// cacheEntry is a single TxStatusSnapshot kept in memory.
type cacheEntry struct {
	result LookupResult
}

// Oracle is the CSO: a primary endpoint plus an ordered list of fallbacks,
// with a TTL cache keyed by tx id.
type Oracle struct {
	primary   EndpointClient
	fallbacks []EndpointClient
	cacheTTL  time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	limiter  *fallbackLimiter
	log      *logging.Logger
}

// NewOracle constructs a CSO. cacheTTL defaults to 2000ms (T_cache_ms) when zero.
func NewOracle(primary EndpointClient, fallbacks []EndpointClient, cacheTTL time.Duration) *Oracle {
	if cacheTTL <= 0 {
		cacheTTL = 2000 * time.Millisecond
	}
	return &Oracle{
		primary:   primary,
		fallbacks: fallbacks,
		cacheTTL:  cacheTTL,
		cache:     make(map[string]cacheEntry),
		limiter:   newFallbackLimiter(),
		log:       logging.GetDefault().Component("cso"),
	}
}

// Lookup implements spec §4.1's lookup(tx_id) operation.
func (o *Oracle) Lookup(ctx context.Context, txID string) LookupResult {
	if cached, ok := o.readCache(txID); ok {
		return cached
	}

	endpoints := make([]EndpointClient, 0, 1+len(o.fallbacks))
	if o.primary != nil {
		endpoints = append(endpoints, o.primary)
	}
	endpoints = append(endpoints, o.fallbacks...)

	var lastErr error
	for _, ep := range endpoints {
		if ep != o.primary {
			// Only fallback endpoints are rate-limited; the user's configured
			// primary is trusted not to need throttling.
			if err := o.limiter.Wait(ctx, ep.Name()); err != nil {
				lastErr = err
				continue
			}
		}

		raw, decoded, err := ep.FetchStatus(ctx, txID)
		if err != nil {
			lastErr = err
			o.log.Debug("endpoint lookup failed", "endpoint", ep.Name(), "tx_id", txID, "error", err)
			continue
		}

		result := LookupResult{
			State:     Normalize(raw),
			Raw:       raw,
			Decoded:   decoded,
			Source:    ep.Name(),
			FetchedAt: time.Now(),
		}
		o.writeCache(txID, result)
		return result
	}

	// All endpoints failed: surface unknown, never confirmed, per spec §4.1.
	result := LookupResult{
		State:     StateUnknown,
		Raw:       errString(lastErr),
		Source:    "none",
		FetchedAt: time.Now(),
	}
	o.writeCache(txID, result)
	return result
}

// Invalidate drops any cached result for txID, forcing the next Lookup to
// hit the endpoints again. Used by the status-polling HTTP route's
// ?refresh=true option.
func (o *Oracle) Invalidate(txID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cache, txID)
}

func (o *Oracle) readCache(txID string) (LookupResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pruneLocked()

	entry, ok := o.cache[txID]
	if !ok {
		return LookupResult{}, false
	}
	if time.Since(entry.result.FetchedAt) > o.cacheTTL {
		return LookupResult{}, false
	}
	return entry.result, true
}

func (o *Oracle) writeCache(txID string, result LookupResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// Last-writer-wins by fetched_at (spec §5 shared-resource policy).
	if existing, ok := o.cache[txID]; ok && existing.result.FetchedAt.After(result.FetchedAt) {
		return
	}
	o.cache[txID] = cacheEntry{result: result}
}

// pruneLocked evicts entries older than 10x the cache TTL to bound memory.
// Must be called with o.mu held.
func (o *Oracle) pruneLocked() {
	cutoff := 10 * o.cacheTTL
	for id, entry := range o.cache {
		if time.Since(entry.result.FetchedAt) > cutoff {
			delete(o.cache, id)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
