// Package handler implements the orchestrator that ties every other
// component together per inbound request: management routing, validation,
// channel acquisition, simulation, assembly, co-signing, submission, and
// the outcome-driven sequence-cache/lock lifecycle.
package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/channelgate/gateway/api"
	"github.com/channelgate/gateway/internal/chainrpc"
	"github.com/channelgate/gateway/internal/channelpool"
	"github.com/channelgate/gateway/internal/clock"
	"github.com/channelgate/gateway/internal/config"
	"github.com/channelgate/gateway/internal/feecalc"
	"github.com/channelgate/gateway/internal/feetracker"
	"github.com/channelgate/gateway/internal/gwerr"
	"github.com/channelgate/gateway/internal/kv"
	"github.com/channelgate/gateway/internal/metrics"
	"github.com/channelgate/gateway/internal/relayer"
	"github.com/channelgate/gateway/internal/seqcache"
	"github.com/channelgate/gateway/internal/simulate"
	"github.com/channelgate/gateway/internal/submit"
	"github.com/channelgate/gateway/internal/validate"
	"github.com/channelgate/gateway/internal/management"
	"github.com/stellar/go/xdr"
	"pkt.systems/pslog"
)

// Chain is the RPC surface the handler needs from a chain client: enough
// for both simulation and sequence-cache fallback. *chainrpc.Client
// satisfies it; tests substitute a fake.
type Chain interface {
	SimulateTransaction(ctx context.Context, txXDR, authMode string) (*chainrpc.SimulateTransactionResult, error)
	GetLedgerEntries(ctx context.Context, keysXDR []string) (*chainrpc.GetLedgerEntriesResult, error)
}

// Deps bundles the handler's process-lifetime collaborators. Request-scoped
// state (config, pool, fee tracker) is constructed fresh per request.
type Deps struct {
	Store   kv.Store
	Chain   Chain
	Runtime relayer.Runtime
	Clock   clock.Clock
	Logger  pslog.Logger
	Metrics *metrics.Gateway
}

// Handler is the request orchestrator.
type Handler struct {
	deps Deps
}

// New constructs a Handler.
func New(deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Handler{deps: deps}
}

// Handle processes one inbound request and always returns a well-formed
// api.Response, never an error: failures are folded into the envelope.
func (h *Handler) Handle(ctx context.Context, env api.InboundEnvelope) api.Response {
	data, err := h.route(ctx, env)
	if err != nil {
		return failureResponse(err)
	}
	return api.Response{Success: true, Data: data}
}

func failureResponse(err error) api.Response {
	fail, ok := err.(gwerr.Failure)
	if !ok {
		return api.Response{Success: false, Error: err.Error(), Data: api.FailureData{Code: "INTERNAL_ERROR", HTTPStatus: 500}}
	}
	return api.Response{
		Success: false,
		Error:   fail.Error(),
		Data:    api.FailureData{Code: fail.Code, HTTPStatus: fail.HTTPStatus, Details: fail.Details},
	}
}

func (h *Handler) route(ctx context.Context, env api.InboundEnvelope) (any, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(env.Params, &generic); err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidPayload, Detail: "params must be a JSON object", HTTPStatus: 400}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	pool := channelpool.New(h.deps.Store, string(cfg.Network), cfg.LockTTL, h.deps.Clock, h.deps.Logger)

	if mgmtRaw, isManagement := generic["management"]; isManagement {
		if len(generic) != 1 {
			return nil, gwerr.Failure{Code: gwerr.CodeInvalidPayload, Detail: "management must be the only top-level key", HTTPStatus: 400}
		}
		var mgmtReq management.Request
		if err := json.Unmarshal(mgmtRaw, &mgmtReq); err != nil {
			return nil, gwerr.Failure{Code: gwerr.CodeInvalidPayload, Detail: "malformed management request", HTTPStatus: 400}
		}
		return management.Handle(ctx, management.Deps{
			Config:  cfg,
			Store:   h.deps.Store,
			Network: string(cfg.Network),
			Pool:    pool,
			Logger:  h.deps.Logger,
		}, mgmtReq)
	}

	fees, err := h.buildFeeTracker(cfg, env)
	if err != nil {
		return nil, err
	}

	req, err := validate.Parse(env.Params)
	if err != nil {
		return nil, err
	}

	fund, err := h.deps.Runtime.UseRelayer(ctx, cfg.FundRelayer)
	if err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeRelayerUnavailable, Detail: err.Error(), HTTPStatus: 502}
	}
	fundInfo, err := fund.Info(ctx)
	if err != nil || fundInfo.NetworkType != "stellar" {
		return nil, gwerr.Failure{Code: gwerr.CodeRelayerUnavailable, Detail: "fund relayer unavailable", HTTPStatus: 502}
	}

	if req.SubmitOnly {
		return h.handleSubmitOnly(ctx, cfg, fund, fundInfo, fees, req)
	}
	return h.handleBuildAndSubmit(ctx, cfg, pool, fund, fundInfo, fees, req)
}

// buildFeeTracker requires an API key only when a default fee limit is
// configured; otherwise a tracker is still built (to honor per-key
// overrides) when the caller supplied one.
func (h *Handler) buildFeeTracker(cfg *config.Config, env api.InboundEnvelope) (*feetracker.Tracker, error) {
	apiKey := strings.TrimSpace(env.HeaderValue(cfg.APIKeyHeader))
	if apiKey == "" {
		if cfg.FeeLimit != nil {
			return nil, gwerr.Failure{Code: gwerr.CodeAPIKeyRequired, Detail: "API key required when a default fee limit is configured", HTTPStatus: 400}
		}
		return nil, nil
	}
	return feetracker.New(h.deps.Store, string(cfg.Network), apiKey, cfg.FeeLimit, cfg.FeeResetPeriod, h.deps.Clock, h.deps.Logger), nil
}

func (h *Handler) handleSubmitOnly(ctx context.Context, cfg *config.Config, fund relayer.Handle, fundInfo relayer.Info, fees *feetracker.Tracker, req *validate.Request) (any, error) {
	var envelope xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshalBase64(req.XDR, &envelope); err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidXDR, Detail: err.Error(), HTTPStatus: 400}
	}

	if isUnsigned(envelope) {
		hostFunction, auth, ok := singleInvokeHostFunctionOp(envelope)
		if !ok {
			return nil, gwerr.Failure{Code: gwerr.CodeInvalidUnsignedXDR, Detail: "unsigned envelope must carry exactly one invoke-host-function operation", HTTPStatus: 400}
		}
		return h.handleBuildAndSubmit(ctx, cfg, channelpool.New(h.deps.Store, string(cfg.Network), cfg.LockTTL, h.deps.Clock, h.deps.Logger), fund, fundInfo, fees, &validate.Request{Func: hostFunction, Auth: auth, ReturnTxHash: req.ReturnTxHash})
	}

	if err := validateSignedEnvelope(envelope, h.deps.Clock.Now(), cfg.InclusionFeeLimited); err != nil {
		return nil, err
	}

	maxFee := feecalc.Calculate(envelope, feecalc.Params{
		InclusionFeeDefault: cfg.InclusionFeeDefault,
		InclusionFeeLimited: cfg.InclusionFeeLimited,
		LimitedContracts:    cfg.LimitedContracts,
	})
	if fees != nil {
		if err := fees.CheckBudget(ctx, maxFee); err != nil {
			h.deps.Metrics.RecordFeeRejection(ctx)
			return nil, err
		}
	}

	signedXDR, err := xdr.MarshalBase64(envelope)
	if err != nil {
		return nil, gwerr.Failure{Code: gwerr.CodeAssemblyFailed, Detail: err.Error(), HTTPStatus: 500}
	}

	waitStart := h.deps.Clock.Now()
	outcome, err := submit.SubmitAndWait(ctx, fund, string(cfg.Network), signedXDR, maxFee, asFeeRecorder(fees))
	h.deps.Metrics.RecordSubmitOutcome(ctx, outcomeStatus(outcome, err), h.deps.Clock.Now().Sub(waitStart))
	return submitOutcomeToResponse(outcome, err, req.ReturnTxHash)
}

func (h *Handler) handleBuildAndSubmit(ctx context.Context, cfg *config.Config, pool *channelpool.Pool, fund relayer.Handle, fundInfo relayer.Info, fees *feetracker.Tracker, req *validate.Request) (any, error) {
	now := h.deps.Clock.Now()
	simResult, err := simulate.Simulate(ctx, h.deps.Chain, now, simulate.Request{
		FundAddress:  fundInfo.Address,
		HostFunction: req.Func,
		Auth:         req.Auth,
	})
	if err != nil {
		return nil, err
	}

	if simulate.IsReadOnly(simResult.Raw) {
		return api.ReadOnlyResult{
			Status:       "readonly",
			ReturnValue:  simResult.Raw.Results[0].XDR,
			LatestLedger: simResult.Raw.LatestLedger,
		}, nil
	}

	contractID, hasContractID := contractIDFromHostFunction(req.Func)
	acquireParams := channelpool.AcquireParams{LimitedContracts: cfg.LimitedContracts, CapacityRatio: cfg.ContractCapacityRatio}
	if hasContractID {
		acquireParams.ContractID = contractID
	}
	acquireStart := h.deps.Clock.Now()
	acquired, err := pool.Acquire(ctx, acquireParams)
	h.deps.Metrics.RecordPoolAcquire(ctx, string(cfg.Network), err == nil, h.deps.Clock.Now().Sub(acquireStart))
	if err != nil {
		if fail, ok := err.(gwerr.Failure); ok && fail.Code == gwerr.CodePoolCapacity {
			h.deps.Metrics.RecordPoolCapacityExhausted(ctx, string(cfg.Network))
		}
		return nil, err
	}

	channel, err := h.deps.Runtime.UseRelayer(ctx, acquired.RelayerID)
	if err != nil {
		pool.Release(ctx, acquired.RelayerID, acquired.Token)
		return nil, gwerr.Failure{Code: gwerr.CodeRelayerUnavailable, Detail: err.Error(), HTTPStatus: 502}
	}
	channelInfo, err := channel.Info(ctx)
	if err != nil || channelInfo.NetworkType != "stellar" {
		pool.Release(ctx, acquired.RelayerID, acquired.Token)
		return nil, gwerr.Failure{Code: gwerr.CodeRelayerUnavailable, Detail: "channel relayer unavailable", HTTPStatus: 502}
	}

	seqCache := seqcache.New(h.deps.Store, string(cfg.Network), h.deps.Chain, cfg.SequenceCacheMaxAge, h.deps.Clock, h.deps.Logger)
	sequence, err := seqCache.GetSequence(ctx, channelInfo.Address)
	if err != nil {
		pool.Release(ctx, acquired.RelayerID, acquired.Token)
		return nil, err
	}

	envelope, err := simulate.Assemble(simulate.AssembleRequest{
		ChannelAddress:  channelInfo.Address,
		ChannelSequence: sequence,
		HostFunction:    req.Func,
		Auth:            req.Auth,
		SimResult:       simResult.Raw,
		Now:             now,
	})
	if err != nil {
		pool.Release(ctx, acquired.RelayerID, acquired.Token)
		return nil, err
	}

	innerTxXDR, err := marshalInnerTransaction(envelope)
	if err != nil {
		pool.Release(ctx, acquired.RelayerID, acquired.Token)
		return nil, gwerr.Failure{Code: gwerr.CodeAssemblyFailed, Detail: err.Error(), HTTPStatus: 500}
	}
	sig, err := channel.SignTransaction(ctx, innerTxXDR)
	if err != nil {
		pool.Release(ctx, acquired.RelayerID, acquired.Token)
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidSignature, Detail: err.Error(), HTTPStatus: 400}
	}
	if err := appendSignature(&envelope, sig.Signature); err != nil {
		pool.Release(ctx, acquired.RelayerID, acquired.Token)
		return nil, gwerr.Failure{Code: gwerr.CodeInvalidSignature, Detail: err.Error(), HTTPStatus: 400}
	}

	signedXDR, err := xdr.MarshalBase64(envelope)
	if err != nil {
		pool.Release(ctx, acquired.RelayerID, acquired.Token)
		return nil, gwerr.Failure{Code: gwerr.CodeAssemblyFailed, Detail: err.Error(), HTTPStatus: 500}
	}

	maxFee := feecalc.Calculate(envelope, feecalc.Params{
		InclusionFeeDefault: cfg.InclusionFeeDefault,
		InclusionFeeLimited: cfg.InclusionFeeLimited,
		LimitedContracts:    cfg.LimitedContracts,
	})
	if fees != nil {
		if err := fees.CheckBudget(ctx, maxFee); err != nil {
			h.deps.Metrics.RecordFeeRejection(ctx)
			pool.Release(ctx, acquired.RelayerID, acquired.Token)
			return nil, err
		}
	}

	usedSequence := usedSequenceOf(envelope)
	waitStart := h.deps.Clock.Now()
	outcome, submitErr := submit.SubmitAndWait(ctx, fund, string(cfg.Network), signedXDR, maxFee, asFeeRecorder(fees))
	h.deps.Metrics.RecordSubmitOutcome(ctx, outcomeStatus(outcome, submitErr), h.deps.Clock.Now().Sub(waitStart))
	applyOutcomeLifecycle(ctx, pool, seqCache, acquired, channelInfo.Address, usedSequence, outcome, submitErr)
	return submitOutcomeToResponse(outcome, submitErr, req.ReturnTxHash)
}

// outcomeStatus derives a metrics label from a submit outcome/error pair.
func outcomeStatus(outcome *submit.Outcome, err error) string {
	if err == nil {
		if outcome != nil {
			return outcome.Status
		}
		return "unknown"
	}
	if fail, ok := err.(gwerr.Failure); ok {
		return strings.ToLower(fail.Code)
	}
	return "error"
}

// asFeeRecorder converts a possibly-nil *feetracker.Tracker into a
// FeeRecorder interface value that is truly nil when t is nil. Passing t
// directly would wrap a nil pointer in a non-nil interface, and submit's
// nil check would never trigger.
func asFeeRecorder(t *feetracker.Tracker) submit.FeeRecorder {
	if t == nil {
		return nil
	}
	return t
}

// applyOutcomeLifecycle implements the outcome-driven sequence-cache and
// lock lifecycle: confirmed commits the used sequence and releases the
// lock; a timeout extends the lock (the open transaction may still settle)
// and clears the cache; everything else releases and clears.
func applyOutcomeLifecycle(ctx context.Context, pool *channelpool.Pool, seqCache *seqcache.Cache, acquired *channelpool.AcquireResult, channelAddress, usedSequence string, outcome *submit.Outcome, err error) {
	if fail, ok := err.(gwerr.Failure); ok && fail.Code == gwerr.CodeWaitTimeout {
		seqCache.ClearSequence(ctx, channelAddress)
		pool.Extend(ctx, acquired.RelayerID, acquired.Token)
		return
	}
	if err != nil {
		seqCache.ClearSequence(ctx, channelAddress)
		pool.Release(ctx, acquired.RelayerID, acquired.Token)
		return
	}
	if outcome != nil && outcome.Status == "confirmed" {
		seqCache.CommitSequence(ctx, channelAddress, usedSequence)
	} else {
		seqCache.ClearSequence(ctx, channelAddress)
	}
	pool.Release(ctx, acquired.RelayerID, acquired.Token)
}

func submitOutcomeToResponse(outcome *submit.Outcome, err error, returnTxHash bool) (any, error) {
	if err == nil {
		return api.SubmissionResult{Status: outcome.Status, TransactionID: outcome.TransactionID, Hash: outcome.Hash}, nil
	}
	fail, ok := err.(gwerr.Failure)
	if !ok || !returnTxHash {
		return nil, err
	}
	switch fail.Code {
	case gwerr.CodeWaitTimeout:
		hash, _ := fail.Details["hash"].(string)
		return api.SubmissionResult{Status: "pending", Hash: hash}, nil
	case gwerr.CodeOnchainFailed:
		hash, _ := fail.Details["hash"].(string)
		return api.SubmissionResult{Status: "failed", Hash: hash, Error: fail.Detail}, nil
	default:
		return nil, err
	}
}
