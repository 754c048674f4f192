// Package core wires every settlement component into one explicit context,
// replacing the teacher's package-level singletons (spec §9 design note:
// "no global state; every component is constructed and injected explicitly").
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/envelop-relayer/settlement-core/internal/apperr"
	"github.com/envelop-relayer/settlement-core/internal/chainstatus"
	"github.com/envelop-relayer/settlement-core/internal/evmqueue"
	"github.com/envelop-relayer/settlement-core/internal/evmwallet"
	"github.com/envelop-relayer/settlement-core/internal/ledger"
	"github.com/envelop-relayer/settlement-core/internal/policy"
	"github.com/envelop-relayer/settlement-core/internal/relay"
	"github.com/envelop-relayer/settlement-core/internal/relayconfig"
	"github.com/envelop-relayer/settlement-core/internal/retry"
	"github.com/envelop-relayer/settlement-core/internal/settlement"
	"github.com/envelop-relayer/settlement-core/internal/storage"
	"github.com/envelop-relayer/settlement-core/pkg/logging"
)

// Context holds every wired component a daemon or API handler needs. It
// deliberately has no package-level instance; callers construct exactly one
// per process and pass it down.
type Context struct {
	Config  *relayconfig.Config
	Storage *storage.Storage
	CSO     *chainstatus.Oracle
	TPV     map[policy.FeatureKind]policy.FeaturePolicy
	RS      *relay.Submitter
	SG      *settlement.Gate
	BQ      *evmqueue.Queue
	WPS     *evmwallet.Scheduler
	Ledger  *ledger.Ledger

	log *logging.Logger

	cancelDispatch context.CancelFunc
}

// New constructs every component from cfg and wires them together. The
// returned Context owns its own background dispatch goroutine (BQ batches
// into WPS); call Shutdown to seal queued items and stop it.
func New(ctx context.Context, cfg *relayconfig.Config) (*Context, error) {
	log := logging.GetDefault()

	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	cso := buildOracle(cfg)
	policies := buildPolicies(cfg)
	led := ledger.New(store)

	rs := relay.NewSubmitter(store, relay.Config{
		SubmitURL:    cfg.RelaySubmitURL,
		PayloadMode:  relay.PayloadMode(cfg.RelaySubmitPayloadMode),
		RetryEnabled: cfg.RelaySubmitRetry,
	})

	sg := settlement.NewGate(store, cso, led, policies, settlement.Config{
		PollInterval:                     time.Duration(cfg.PollMS) * time.Millisecond,
		Timeout:                          time.Duration(cfg.TimeoutMS) * time.Millisecond,
		OnchainLedger:                    cfg.OnchainLedger,
		IdentityRequireOnchainRecipient:  cfg.IdentityRequireOnchainRecipient,
	})

	bq := evmqueue.NewQueue(cfg.BatchMaxSize, time.Duration(cfg.BatchMaxWaitMS)*time.Millisecond)

	retryPolicy := retry.Policy{
		Base:        time.Duration(cfg.RetryBaseMS) * time.Millisecond,
		Max:         30 * time.Second,
		Factor:      2,
		MaxAttempts: cfg.RetryMax,
	}
	wps, err := evmwallet.NewScheduler(ctx, cfg.EVMChains, cfg.WalletsPerChainMax, retryPolicy)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to start wallet scheduler: %w", err)
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	c := &Context{
		Config:         cfg,
		Storage:        store,
		CSO:            cso,
		TPV:            policies,
		RS:             rs,
		SG:             sg,
		BQ:             bq,
		WPS:            wps,
		Ledger:         led,
		log:            log.Component("core"),
		cancelDispatch: cancel,
	}
	go c.runDispatchLoop(dispatchCtx)

	return c, nil
}

// runDispatchLoop drains BQ's sealed batches into WPS for signing and
// broadcast (spec §4.5/§4.6's boundary between BQ and WPS).
func (c *Context) runDispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-c.BQ.Batches():
			if !ok {
				return
			}
			results := c.WPS.Dispatch(ctx, batch)
			for _, r := range results {
				if r.Err != nil {
					c.log.Error("batch item dispatch failed", "request_id", r.Item.RequestID,
						"chain_id", r.Item.ChainID, "error", r.Err)
					continue
				}
				c.log.Info("batch item dispatched", "request_id", r.Item.RequestID,
					"chain_id", r.Item.ChainID, "tx_hash", r.TxHash)
			}
		}
	}
}

// Shutdown seals every non-empty BQ queue via FlushAll, stops the dispatch
// loop, and closes storage. It does not wait for the sealed batches to be
// dispatched through WPS.
func (c *Context) Shutdown(ctx context.Context) error {
	c.BQ.FlushAll()
	c.cancelDispatch()
	return c.Storage.Close()
}

func buildOracle(cfg *relayconfig.Config) *chainstatus.Oracle {
	var primary chainstatus.EndpointClient
	if cfg.RelayStatusURL != "" {
		primary = chainstatus.NewHTTPEndpointClient("primary", cfg.RelayStatusURL)
	}

	fallbacks := make([]chainstatus.EndpointClient, 0, len(cfg.RelayStatusFallback))
	for i, url := range cfg.RelayStatusFallback {
		fallbacks = append(fallbacks, chainstatus.NewHTTPEndpointClient(fmt.Sprintf("fallback-%d", i), url))
	}

	return chainstatus.NewOracle(primary, fallbacks, time.Duration(cfg.CacheMS)*time.Millisecond)
}

func buildPolicies(cfg *relayconfig.Config) map[policy.FeatureKind]policy.FeaturePolicy {
	out := make(map[policy.FeatureKind]policy.FeaturePolicy, len(cfg.Policies))
	for kind, row := range cfg.Policies {
		out[policy.FeatureKind(kind)] = policy.NewFeaturePolicy(
			policy.FeatureKind(kind), row.AllowedProgramID, row.AllowedFunctionNames, cfg.TxEnforceFeePayerMatch)
	}
	return out
}

// PolicyFor returns the configured FeaturePolicy for kind, or a
// policy_mismatch error if none was configured.
func (c *Context) PolicyFor(kind policy.FeatureKind) (policy.FeaturePolicy, *apperr.Error) {
	pol, ok := c.TPV[kind]
	if !ok {
		return policy.FeaturePolicy{}, apperr.New(apperr.PolicyMismatch, "no policy configured for feature %s", kind)
	}
	return pol, nil
}
