// Package gateway binds the channel pool, sequence cache, simulation
// pipeline, fee accounting and management plane into the request
// handler.
package gateway

import (
	"context"
	"net/http"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/stellar/go/xdr"

	"github.com/channelgate/channelgate/chain"
	"github.com/channelgate/channelgate/config"
	"github.com/channelgate/channelgate/errs"
	"github.com/channelgate/channelgate/fees"
	"github.com/channelgate/channelgate/kv"
	"github.com/channelgate/channelgate/pool"
	"github.com/channelgate/channelgate/seqcache"
	"github.com/channelgate/channelgate/txbuild"
)

// submitTimeBoundsWindow bounds how far in the future a submit-only
// envelope's maxTime may lie.
const submitTimeBoundsWindow = 120 * time.Second

// Handler serves gateway requests. Dependencies are constructed per
// request from config; the only cross-request state lives in KV.
type Handler struct {
	KV      kv.Store
	Runtime chain.Runtime
}

// New builds a Handler.
func New(store kv.Store, runtime chain.Runtime) *Handler {
	return &Handler{KV: store, Runtime: runtime}
}

// Handle serves one request and returns the response envelope plus the
// HTTP status to respond with.
func (h *Handler) Handle(ctx context.Context, req *Request) (*Response, int) {
	defer handleTimer.UpdateSince(time.Now())

	data, err := h.handle(ctx, req)
	if err != nil {
		coded, ok := errs.AsCoded(err)
		if !ok {
			coded = errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "internal error: %v", err)
		}
		failureMeter.Mark(1)
		log.Debug("request failed", "code", coded.Code, "status", coded.Status, "err", coded.Message)
		return &Response{
			Success: false,
			Error:   coded.Message,
			Data:    errorData{Code: coded.Code, Details: coded.Details},
		}, coded.Status
	}
	successMeter.Mark(1)
	return &Response{Success: true, Data: data}, http.StatusOK
}

func (h *Handler) handle(ctx context.Context, req *Request) (any, error) {
	mgmt, err := parseManagement(req.Params)
	if err != nil {
		return nil, err
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	if mgmt != nil {
		return h.management(ctx, cfg, mgmt)
	}

	apiKey := apiKeyFromHeaders(req.Headers, cfg.APIKeyHeader)
	if apiKey == "" && cfg.FeeLimit != nil {
		return nil, errs.Newf(errs.CodeAPIKeyRequired, http.StatusBadRequest,
			"header %s is required when a fee limit is configured", cfg.APIKeyHeader)
	}
	var tracker *fees.Tracker
	if apiKey != "" {
		tracker = fees.NewTracker(h.KV, cfg.Network, apiKey, cfg.FeeLimit, cfg.FeeResetPeriod)
	}

	sreq, breq, err := parseRequest(req.Params)
	if err != nil {
		return nil, err
	}

	fund, fundInfo, err := h.resolveRelayer(ctx, cfg.FundRelayer)
	if err != nil {
		return nil, err
	}

	if sreq != nil {
		return h.handleSubmitOnly(ctx, cfg, fund, fundInfo, tracker, sreq)
	}
	return h.handleBuildAndSubmit(ctx, cfg, fund, fundInfo, tracker, breq)
}

// resolveRelayer fetches a relayer handle and checks it serves the
// stellar network family.
func (h *Handler) resolveRelayer(ctx context.Context, id string) (chain.RelayerHandle, *chain.RelayerInfo, error) {
	handle, err := h.Runtime.Relayer(id)
	if err != nil {
		return nil, nil, errs.Newf(errs.CodeRelayerUnavailable, http.StatusServiceUnavailable, "relayer %s unavailable: %v", id, err)
	}
	info, err := handle.Info(ctx)
	if err != nil {
		return nil, nil, errs.Newf(errs.CodeRelayerUnavailable, http.StatusServiceUnavailable, "relayer %s unavailable: %v", id, err)
	}
	if info.NetworkType != chain.NetworkTypeStellar {
		return nil, nil, errs.Newf(errs.CodeRelayerUnavailable, http.StatusServiceUnavailable,
			"relayer %s serves network type %q, expected %q", id, info.NetworkType, chain.NetworkTypeStellar)
	}
	return handle, info, nil
}

// handleSubmitOnly validates a caller-signed envelope and submits it
// via fee-bump. Unsigned single-invoke envelopes are decomposed and
// funneled into the build pipeline instead.
func (h *Handler) handleSubmitOnly(ctx context.Context, cfg *config.Config, fund chain.RelayerHandle, fundInfo *chain.RelayerInfo, tracker *fees.Tracker, sreq *submitRequest) (any, error) {
	var envelope xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshalBase64(sreq.XDR, &envelope); err != nil {
		return nil, errs.Newf(errs.CodeInvalidXDR, http.StatusBadRequest, "invalid transaction envelope: %v", err)
	}

	if envelope.Type != xdr.EnvelopeTypeEnvelopeTypeTx || envelope.V1 == nil {
		return nil, errs.New(errs.CodeInvalidEnvelope, http.StatusBadRequest,
			"only regular transaction envelopes are accepted")
	}
	tx := &envelope.V1.Tx

	if len(envelope.V1.Signatures) == 0 {
		breq, err := decomposeUnsigned(tx)
		if err != nil {
			return nil, err
		}
		return h.handleBuildAndSubmit(ctx, cfg, fund, fundInfo, tracker, breq)
	}

	if err := validateTimeBounds(tx); err != nil {
		return nil, err
	}
	if err := validateSorobanFee(tx, cfg.InclusionFeeLimited); err != nil {
		return nil, err
	}

	maxFee := fees.MaxFee(&envelope, cfg.LimitedContracts, cfg.InclusionFeeDefault, cfg.InclusionFeeLimited)
	if tracker != nil {
		if err := tracker.CheckBudget(ctx, maxFee); err != nil {
			return nil, err
		}
	}

	contractID := fees.ContractID(&envelope)
	return h.submitAndWait(ctx, fund, cfg, sreq.XDR, maxFee, tracker, submitContext{
		ContractID: contractID,
		IsLimited:  cfg.IsLimited(contractID),
	})
}

// decomposeUnsigned turns an unsigned single-invoke envelope into a
// build request so the gateway can channel-sign it.
func decomposeUnsigned(tx *xdr.Transaction) (*buildRequest, error) {
	if len(tx.Operations) != 1 {
		return nil, errs.New(errs.CodeInvalidUnsignedXDR, http.StatusBadRequest,
			"unsigned envelopes must carry exactly one invoke-host-function operation")
	}
	op := tx.Operations[0]
	if op.Body.Type != xdr.OperationTypeInvokeHostFunction || op.Body.InvokeHostFunctionOp == nil {
		return nil, errs.New(errs.CodeInvalidUnsignedXDR, http.StatusBadRequest,
			"unsigned envelopes must carry exactly one invoke-host-function operation")
	}
	for i, entry := range op.Body.InvokeHostFunctionOp.Auth {
		if entry.Credentials.Type == xdr.SorobanCredentialsTypeSorobanCredentialsSourceAccount {
			return nil, errs.Newf(errs.CodeInvalidUnsignedXDR, http.StatusBadRequest,
				"auth entry %d uses source-account credentials, incompatible with channel accounts", i)
		}
	}
	return &buildRequest{
		Func: op.Body.InvokeHostFunctionOp.HostFunction,
		Auth: op.Body.InvokeHostFunctionOp.Auth,
	}, nil
}

func validateTimeBounds(tx *xdr.Transaction) error {
	tb := tx.Cond.TimeBounds
	if tb == nil || tb.MaxTime == 0 {
		return errs.New(errs.CodeInvalidTimeBounds, http.StatusBadRequest, "time bounds with a max time are required")
	}
	now := time.Now().Unix()
	maxTime := int64(tb.MaxTime)
	if maxTime < now {
		return errs.New(errs.CodeInvalidTimeBounds, http.StatusBadRequest, "transaction time bounds have expired")
	}
	if maxTime > now+int64(submitTimeBoundsWindow/time.Second) {
		return errs.Newf(errs.CodeTimeboundsTooFar, http.StatusBadRequest,
			"max time must be within %s from now", submitTimeBoundsWindow)
	}
	return nil
}

// validateSorobanFee rejects envelopes whose declared fee exceeds the
// resource fee plus the reduced inclusion tier; anything above that is
// either a mistake or an attempt to spend the fund account's balance.
func validateSorobanFee(tx *xdr.Transaction, inclusionFeeLimited int64) error {
	if tx.Ext.SorobanData == nil {
		return nil
	}
	fee := int64(tx.Fee)
	resourceFee := int64(tx.Ext.SorobanData.ResourceFee)
	if fee > resourceFee+inclusionFeeLimited {
		return errs.Newf(errs.CodeFeeMismatch, http.StatusBadRequest,
			"declared fee %d exceeds resource fee %d plus inclusion %d", fee, resourceFee, inclusionFeeLimited)
	}
	return nil
}

// handleBuildAndSubmit runs the simulate/acquire/assemble/sign/submit
// pipeline.
func (h *Handler) handleBuildAndSubmit(ctx context.Context, cfg *config.Config, fund chain.RelayerHandle, fundInfo *chain.RelayerInfo, tracker *fees.Tracker, breq *buildRequest) (any, error) {
	rpc := fund.RPC()

	sim, err := txbuild.Simulate(ctx, rpc, fundInfo.Address, breq.Func, breq.Auth)
	if err != nil {
		return nil, err
	}

	if txbuild.IsReadOnly(sim) {
		readonlyMeter.Mark(1)
		returnValue := ""
		if len(sim.Results) > 0 {
			returnValue = sim.Results[0].XDR
		}
		return &Result{Status: StatusReadOnly, ReturnValue: returnValue, LatestLedger: sim.LatestLedger}, nil
	}

	contractID := fees.HostFunctionContractID(breq.Func)
	channels := pool.New(h.KV, cfg.Network, cfg.LockTTL)
	lease, err := channels.Acquire(ctx, pool.AcquireOptions{
		ContractID:       contractID,
		LimitedContracts: cfg.LimitedContracts,
		CapacityRatio:    cfg.CapacityRatio,
	})
	if err != nil {
		return nil, err
	}

	channel, channelInfo, err := h.resolveRelayer(ctx, lease.RelayerID)
	if err != nil {
		channels.Release(ctx, lease)
		return nil, err
	}

	sequences := seqcache.New(h.KV, cfg.Network, rpc, cfg.SequenceMaxAge)
	seq, err := sequences.Sequence(ctx, channelInfo.Address)
	if err != nil {
		channels.Release(ctx, lease)
		return nil, err
	}

	tx, err := txbuild.Assemble(channelInfo.Address, seq, breq.Func, breq.Auth, sim)
	if err != nil {
		channels.Release(ctx, lease)
		return nil, err
	}

	signedXDR, err := h.coSign(ctx, channel, tx)
	if err != nil {
		channels.Release(ctx, lease)
		return nil, err
	}

	feeEnvelope := xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1:   &xdr.TransactionV1Envelope{Tx: *tx},
	}
	maxFee := fees.MaxFee(&feeEnvelope, cfg.LimitedContracts, cfg.InclusionFeeDefault, cfg.InclusionFeeLimited)
	if tracker != nil {
		if err := tracker.CheckBudget(ctx, maxFee); err != nil {
			channels.Release(ctx, lease)
			return nil, err
		}
	}

	result, err := h.submitAndWait(ctx, fund, cfg, signedXDR, maxFee, tracker, submitContext{
		ContractID: contractID,
		IsLimited:  cfg.IsLimited(contractID),
	})

	return h.settleOutcome(ctx, channels, sequences, lease, channelInfo.Address, seq, breq.ReturnTxHash, result, err)
}

// settleOutcome applies the per-outcome lock and sequence lifecycle:
// confirmed commits the consumed sequence and releases the channel;
// every other outcome clears the cached sequence. A wait timeout keeps
// the channel locked (extended) until the open transaction settles or
// the TTL lapses; the remaining outcomes release.
func (h *Handler) settleOutcome(ctx context.Context, channels *pool.Pool, sequences *seqcache.Cache, lease *pool.Lease, address string, seq int64, returnTxHash bool, result *Result, err error) (any, error) {
	if err == nil {
		// submitAndWait surfaces every non-confirmed outcome as a
		// coded error, so a plain result means confirmed.
		sequences.Commit(ctx, address, seq)
		channels.Release(ctx, lease)
		return result, nil
	}

	sequences.Clear(ctx, address)

	coded, _ := errs.AsCoded(err)
	switch {
	case coded != nil && coded.Code == errs.CodeWaitTimeout:
		channels.Extend(ctx, lease)
		if returnTxHash {
			return &Result{
				TransactionID: detailString(coded, "id"),
				Hash:          detailString(coded, "hash"),
				Status:        StatusPending,
				Error:         coded.Message,
			}, nil
		}
	case coded != nil && coded.Code == errs.CodeOnchainFailed:
		channels.Release(ctx, lease)
		if returnTxHash {
			return &Result{
				TransactionID: detailString(coded, "id"),
				Hash:          detailString(coded, "hash"),
				Status:        StatusFailed,
				Error:         coded.Message,
			}, nil
		}
	default:
		channels.Release(ctx, lease)
	}
	return nil, err
}

func detailString(e *errs.Error, key string) string {
	if e.Details == nil {
		return ""
	}
	if v, ok := e.Details[key].(string); ok {
		return v
	}
	return ""
}

// coSign asks the channel relayer for a detached signature over the
// inner transaction and appends it to the envelope. The fund signature
// is not added here; the runtime signs the fee-bump wrapper at send
// time.
func (h *Handler) coSign(ctx context.Context, channel chain.RelayerHandle, tx *xdr.Transaction) (string, error) {
	unsignedXDR, err := txbuild.EnvelopeXDR(tx, nil)
	if err != nil {
		return "", errs.Newf(errs.CodeAssemblyFailed, http.StatusInternalServerError, "failed to encode inner transaction: %v", err)
	}
	sigB64, err := channel.SignTransaction(ctx, unsignedXDR)
	if err != nil {
		return "", errs.Newf(errs.CodeRelayerUnavailable, http.StatusBadGateway, "channel signing failed: %v", err)
	}
	var signature xdr.DecoratedSignature
	if err := xdr.SafeUnmarshalBase64(sigB64, &signature); err != nil {
		return "", errs.Newf(errs.CodeInvalidSignature, http.StatusBadGateway, "channel returned an undecodable signature: %v", err)
	}
	return txbuild.EnvelopeXDR(tx, []xdr.DecoratedSignature{signature})
}
