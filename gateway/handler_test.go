package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/channelgate/channelgate/chain"
	"github.com/channelgate/channelgate/config"
	"github.com/channelgate/channelgate/errs"
	"github.com/channelgate/channelgate/kv"
	"github.com/channelgate/channelgate/pool"
	"github.com/channelgate/channelgate/seqcache"
)

var (
	fundAddress    = strkey.MustEncode(strkey.VersionByteAccountID, make([]byte, 32))
	channelAddress = mustAddress(1)
)

func mustAddress(first byte) string {
	raw := make([]byte, 32)
	raw[0] = first
	return strkey.MustEncode(strkey.VersionByteAccountID, raw)
}

// fakeRPC answers simulation and ledger reads with canned data.
type fakeRPC struct {
	sim         *chain.SimulateResponse
	simErr      error
	accountSeq  int64
	ledgerCalls int
}

func (f *fakeRPC) SimulateTransaction(context.Context, string, string) (*chain.SimulateResponse, error) {
	return f.sim, f.simErr
}

func (f *fakeRPC) GetLedgerEntries(context.Context, []string) (*chain.LedgerEntriesResponse, error) {
	f.ledgerCalls++
	data := xdr.LedgerEntryData{
		Type: xdr.LedgerEntryTypeAccount,
		Account: &xdr.AccountEntry{
			AccountId: xdr.AccountId{Type: xdr.PublicKeyTypePublicKeyTypeEd25519, Ed25519: &xdr.Uint256{}},
			SeqNum:    xdr.SequenceNumber(f.accountSeq),
		},
	}
	b64, err := xdr.MarshalBase64(data)
	if err != nil {
		return nil, err
	}
	return &chain.LedgerEntriesResponse{Entries: []chain.LedgerEntry{{XDR: b64}}}, nil
}

type fakeRelayer struct {
	info    *chain.RelayerInfo
	infoErr error
	rpc     chain.Client
	signErr error
	sendErr error
	sent    []*chain.SendRequest
}

func (f *fakeRelayer) Info(context.Context) (*chain.RelayerInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeRelayer) SignTransaction(context.Context, string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	sig := xdr.DecoratedSignature{Signature: xdr.Signature("fake-signature")}
	return xdr.MarshalBase64(sig)
}

func (f *fakeRelayer) SendTransaction(_ context.Context, req *chain.SendRequest) (*chain.Submission, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	return &chain.Submission{ID: "tx-1", Hash: "deadbeef"}, nil
}

func (f *fakeRelayer) RPC() chain.Client { return f.rpc }

type fakeRuntime struct {
	relayers map[string]*fakeRelayer
	status   *chain.TxStatus
	waitErr  error
}

func (f *fakeRuntime) Relayer(id string) (chain.RelayerHandle, error) {
	r, ok := f.relayers[id]
	if !ok {
		return nil, chain.ErrRelayerNotFound
	}
	return r, nil
}

func (f *fakeRuntime) TransactionWait(context.Context, *chain.Submission, time.Duration, time.Duration) (*chain.TxStatus, error) {
	return f.status, f.waitErr
}

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvNetwork, "testnet")
	t.Setenv(config.EnvFundRelayer, "fund-1")
	t.Setenv(config.EnvAdminSecret, "")
	t.Setenv(config.EnvFeeLimit, "")
}

func newTestHandler(t *testing.T, runtime chain.Runtime) (*Handler, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	return New(store, runtime), store
}

func simulationOK() *chain.SimulateResponse {
	data, err := xdr.MarshalBase64(xdr.SorobanTransactionData{ResourceFee: 5000})
	if err != nil {
		panic(err)
	}
	return &chain.SimulateResponse{
		TransactionData: data,
		Results:         []chain.SimulateHostResult{{Auth: []string{"AAAA"}, XDR: "AAAA"}},
		LatestLedger:    777,
	}
}

func readOnlySimulation() *chain.SimulateResponse {
	data, err := xdr.MarshalBase64(xdr.SorobanTransactionData{})
	if err != nil {
		panic(err)
	}
	return &chain.SimulateResponse{
		TransactionData: data,
		Results:         []chain.SimulateHostResult{{XDR: "AAAAreturn"}},
		LatestLedger:    777,
	}
}

func newWorkingRuntime(rpc *fakeRPC) *fakeRuntime {
	return &fakeRuntime{
		relayers: map[string]*fakeRelayer{
			"fund-1": {
				info: &chain.RelayerInfo{ID: "fund-1", Address: fundAddress, NetworkType: chain.NetworkTypeStellar},
				rpc:  rpc,
			},
			"ch-1": {
				info: &chain.RelayerInfo{ID: "ch-1", Address: channelAddress, NetworkType: chain.NetworkTypeStellar},
				rpc:  rpc,
			},
		},
		status: &chain.TxStatus{ID: "tx-1", Hash: "deadbeef", Status: chain.StatusConfirmed},
	}
}

func configureChannels(t *testing.T, store kv.Store, ids ...string) {
	t.Helper()
	p := pool.New(store, "testnet", 5*time.Second)
	require.NoError(t, p.SetMembers(context.Background(), ids))
}

func buildParams(t *testing.T, returnTxHash bool) json.RawMessage {
	t.Helper()
	raw := fmt.Sprintf(`{"func":%q,"auth":[],"returnTxHash":%v}`, hostFunctionB64(t), returnTxHash)
	return json.RawMessage(raw)
}

func requireCode(t *testing.T, resp *Response, status int, wantStatus int, wantCode string) {
	t.Helper()
	assert.False(t, resp.Success)
	assert.Equal(t, wantStatus, status)
	data, ok := resp.Data.(errorData)
	require.True(t, ok, "data is %T", resp.Data)
	assert.Equal(t, wantCode, data.Code)
}

func TestHandleMissingConfig(t *testing.T) {
	setBaseEnv(t)
	t.Setenv(config.EnvNetwork, "")
	h, _ := newTestHandler(t, &fakeRuntime{})

	resp, status := h.Handle(context.Background(), &Request{Params: json.RawMessage(`{"xdr":"AAAA"}`)})
	requireCode(t, resp, status, http.StatusInternalServerError, errs.CodeConfigMissing)
}

func TestHandleAPIKeyRequired(t *testing.T) {
	setBaseEnv(t)
	t.Setenv(config.EnvFeeLimit, "1000")
	h, _ := newTestHandler(t, &fakeRuntime{})

	resp, status := h.Handle(context.Background(), &Request{Params: json.RawMessage(`{"xdr":"AAAA"}`)})
	requireCode(t, resp, status, http.StatusBadRequest, errs.CodeAPIKeyRequired)
}

func TestHandleUnknownRelayer(t *testing.T) {
	setBaseEnv(t)
	h, _ := newTestHandler(t, &fakeRuntime{relayers: map[string]*fakeRelayer{}})

	resp, status := h.Handle(context.Background(), &Request{Params: json.RawMessage(`{"xdr":"AAAA"}`)})
	requireCode(t, resp, status, http.StatusServiceUnavailable, errs.CodeRelayerUnavailable)
}

func TestHandleWrongNetworkTypeRelayer(t *testing.T) {
	setBaseEnv(t)
	runtime := &fakeRuntime{relayers: map[string]*fakeRelayer{
		"fund-1": {info: &chain.RelayerInfo{ID: "fund-1", Address: fundAddress, NetworkType: "evm"}},
	}}
	h, _ := newTestHandler(t, runtime)

	resp, status := h.Handle(context.Background(), &Request{Params: json.RawMessage(`{"xdr":"AAAA"}`)})
	requireCode(t, resp, status, http.StatusServiceUnavailable, errs.CodeRelayerUnavailable)
}

func TestHandleSubmitOnlyInvalidXDR(t *testing.T) {
	setBaseEnv(t)
	h, _ := newTestHandler(t, newWorkingRuntime(&fakeRPC{}))

	resp, status := h.Handle(context.Background(), &Request{Params: json.RawMessage(`{"xdr":"!!garbage!!"}`)})
	requireCode(t, resp, status, http.StatusBadRequest, errs.CodeInvalidXDR)
}

func signedEnvelope(t *testing.T, mutate func(tx *xdr.Transaction)) string {
	t.Helper()
	source, err := xdr.AddressToMuxedAccount(fundAddress)
	require.NoError(t, err)
	var contractID xdr.Hash
	tx := xdr.Transaction{
		SourceAccount: source,
		Fee:           5100,
		SeqNum:        1,
		Cond: xdr.Preconditions{
			Type: xdr.PreconditionTypePrecondTime,
			TimeBounds: &xdr.TimeBounds{
				MaxTime: xdr.TimePoint(time.Now().Add(60 * time.Second).Unix()),
			},
		},
		Operations: []xdr.Operation{{
			Body: xdr.OperationBody{
				Type: xdr.OperationTypeInvokeHostFunction,
				InvokeHostFunctionOp: &xdr.InvokeHostFunctionOp{
					HostFunction: xdr.HostFunction{
						Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
						InvokeContract: &xdr.InvokeContractArgs{
							ContractAddress: xdr.ScAddress{
								Type:       xdr.ScAddressTypeScAddressTypeContract,
								ContractId: &contractID,
							},
							FunctionName: "transfer",
						},
					},
				},
			},
		}},
		Ext: xdr.TransactionExt{
			V:           1,
			SorobanData: &xdr.SorobanTransactionData{ResourceFee: 5000},
		},
	}
	if mutate != nil {
		mutate(&tx)
	}
	envelope := xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{
			Tx:         tx,
			Signatures: []xdr.DecoratedSignature{{Signature: xdr.Signature("sig")}},
		},
	}
	b64, err := xdr.MarshalBase64(envelope)
	require.NoError(t, err)
	return b64
}

func submitParams(t *testing.T, envelopeB64 string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"xdr": envelopeB64})
	require.NoError(t, err)
	return raw
}

func TestHandleSubmitOnlyValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tx *xdr.Transaction)
		code   string
	}{
		{
			name: "missing time bounds",
			mutate: func(tx *xdr.Transaction) {
				tx.Cond = xdr.Preconditions{Type: xdr.PreconditionTypePrecondNone}
			},
			code: errs.CodeInvalidTimeBounds,
		},
		{
			name: "expired time bounds",
			mutate: func(tx *xdr.Transaction) {
				tx.Cond.TimeBounds.MaxTime = xdr.TimePoint(time.Now().Add(-time.Minute).Unix())
			},
			code: errs.CodeInvalidTimeBounds,
		},
		{
			name: "time bounds too far",
			mutate: func(tx *xdr.Transaction) {
				tx.Cond.TimeBounds.MaxTime = xdr.TimePoint(time.Now().Add(time.Hour).Unix())
			},
			code: errs.CodeTimeboundsTooFar,
		},
		{
			name: "declared fee above cap",
			mutate: func(tx *xdr.Transaction) {
				tx.Fee = 100_000
			},
			code: errs.CodeFeeMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			h, _ := newTestHandler(t, newWorkingRuntime(&fakeRPC{}))

			resp, status := h.Handle(context.Background(), &Request{Params: submitParams(t, signedEnvelope(t, tt.mutate))})
			requireCode(t, resp, status, http.StatusBadRequest, tt.code)
		})
	}
}

func TestHandleSubmitOnlyConfirmed(t *testing.T) {
	setBaseEnv(t)
	runtime := newWorkingRuntime(&fakeRPC{})
	h, _ := newTestHandler(t, runtime)

	resp, status := h.Handle(context.Background(), &Request{Params: submitParams(t, signedEnvelope(t, nil))})
	require.True(t, resp.Success, "got %+v", resp)
	assert.Equal(t, http.StatusOK, status)

	result, ok := resp.Data.(*Result)
	require.True(t, ok)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, "deadbeef", result.Hash)

	// The envelope is fee-bumped by the fund relayer at the computed cap.
	sent := runtime.relayers["fund-1"].sent
	require.Len(t, sent, 1)
	assert.True(t, sent[0].FeeBump)
	assert.Equal(t, int64(5000+config.DefaultInclusionFee), sent[0].MaxFee)
}

func TestHandleReadOnlyShortCircuit(t *testing.T) {
	setBaseEnv(t)
	rpc := &fakeRPC{sim: readOnlySimulation()}
	runtime := newWorkingRuntime(rpc)
	h, store := newTestHandler(t, runtime)
	configureChannels(t, store, "ch-1")

	resp, status := h.Handle(context.Background(), &Request{Params: buildParams(t, false)})
	require.True(t, resp.Success, "got %+v", resp)
	assert.Equal(t, http.StatusOK, status)

	result, ok := resp.Data.(*Result)
	require.True(t, ok)
	assert.Equal(t, StatusReadOnly, result.Status)
	assert.Equal(t, "AAAAreturn", result.ReturnValue)
	assert.Equal(t, int64(777), result.LatestLedger)

	// No channel was claimed and nothing was submitted.
	p := pool.New(store, "testnet", 5*time.Second)
	locked, err := p.IsLocked(context.Background(), "ch-1")
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Empty(t, runtime.relayers["fund-1"].sent)
}

func TestHandleBuildAndSubmitConfirmed(t *testing.T) {
	setBaseEnv(t)
	rpc := &fakeRPC{sim: simulationOK(), accountSeq: 41}
	runtime := newWorkingRuntime(rpc)
	h, store := newTestHandler(t, runtime)
	configureChannels(t, store, "ch-1")

	resp, status := h.Handle(context.Background(), &Request{Params: buildParams(t, false)})
	require.True(t, resp.Success, "got %+v", resp)
	assert.Equal(t, http.StatusOK, status)

	result, ok := resp.Data.(*Result)
	require.True(t, ok)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, "tx-1", result.TransactionID)

	// The channel was released after confirmation.
	p := pool.New(store, "testnet", 5*time.Second)
	locked, err := p.IsLocked(context.Background(), "ch-1")
	require.NoError(t, err)
	assert.False(t, locked)

	// The consumed sequence was committed: the next read serves 43
	// without another chain call.
	sequences := seqcache.New(store, "testnet", rpc, time.Minute)
	next, err := sequences.Sequence(context.Background(), channelAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(43), next)
	assert.Equal(t, 1, rpc.ledgerCalls)

	// The submitted envelope carries the channel signature.
	sent := runtime.relayers["fund-1"].sent
	require.Len(t, sent, 1)
	var envelope xdr.TransactionEnvelope
	require.NoError(t, xdr.SafeUnmarshalBase64(sent[0].TransactionXDR, &envelope))
	require.NotNil(t, envelope.V1)
	require.Len(t, envelope.V1.Signatures, 1)
	assert.Equal(t, xdr.SequenceNumber(42), envelope.V1.Tx.SeqNum)
}

func TestHandleBuildPoolCapacity(t *testing.T) {
	setBaseEnv(t)
	rpc := &fakeRPC{sim: simulationOK(), accountSeq: 41}
	runtime := newWorkingRuntime(rpc)
	h, store := newTestHandler(t, runtime)
	configureChannels(t, store, "ch-1")

	// Claim the only channel out from under the handler.
	p := pool.New(store, "testnet", 5*time.Second)
	_, err := p.Acquire(context.Background(), pool.AcquireOptions{})
	require.NoError(t, err)

	resp, status := h.Handle(context.Background(), &Request{Params: buildParams(t, false)})
	requireCode(t, resp, status, http.StatusServiceUnavailable, errs.CodePoolCapacity)
}

func TestHandleWaitTimeoutKeepsChannelHeld(t *testing.T) {
	setBaseEnv(t)
	rpc := &fakeRPC{sim: simulationOK(), accountSeq: 41}
	runtime := newWorkingRuntime(rpc)
	runtime.waitErr = chain.ErrWaitTimeout
	h, store := newTestHandler(t, runtime)
	configureChannels(t, store, "ch-1")

	resp, status := h.Handle(context.Background(), &Request{Params: buildParams(t, false)})
	requireCode(t, resp, status, http.StatusGatewayTimeout, errs.CodeWaitTimeout)

	// The channel stays locked while the transaction may still land, and
	// the cached sequence is dropped.
	p := pool.New(store, "testnet", 5*time.Second)
	locked, err := p.IsLocked(context.Background(), "ch-1")
	require.NoError(t, err)
	assert.True(t, locked)

	sequences := seqcache.New(store, "testnet", rpc, time.Minute)
	next, err := sequences.Sequence(context.Background(), channelAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(42), next, "the sequence must come from the chain again")
}

func TestHandleWaitTimeoutReturnTxHash(t *testing.T) {
	setBaseEnv(t)
	rpc := &fakeRPC{sim: simulationOK(), accountSeq: 41}
	runtime := newWorkingRuntime(rpc)
	runtime.waitErr = chain.ErrWaitTimeout
	h, store := newTestHandler(t, runtime)
	configureChannels(t, store, "ch-1")

	resp, status := h.Handle(context.Background(), &Request{Params: buildParams(t, true)})
	require.True(t, resp.Success, "got %+v", resp)
	assert.Equal(t, http.StatusOK, status)

	result, ok := resp.Data.(*Result)
	require.True(t, ok)
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, "tx-1", result.TransactionID)
	assert.Equal(t, "deadbeef", result.Hash)
	assert.NotEmpty(t, result.Error)
}

func TestHandleOnchainFailure(t *testing.T) {
	setBaseEnv(t)
	rpc := &fakeRPC{sim: simulationOK(), accountSeq: 41}
	runtime := newWorkingRuntime(rpc)
	runtime.status = &chain.TxStatus{ID: "tx-1", Hash: "deadbeef", Status: chain.StatusFailed, Reason: "submission failed: tx_bad_seq"}
	h, store := newTestHandler(t, runtime)
	configureChannels(t, store, "ch-1")

	resp, status := h.Handle(context.Background(), &Request{Params: buildParams(t, false)})
	requireCode(t, resp, status, http.StatusBadRequest, errs.CodeOnchainFailed)

	data := resp.Data.(errorData)
	assert.Equal(t, "tx_bad_seq", data.Details["reason"])
	assert.Equal(t, chain.StatusFailed, data.Details["status"])
	assert.Contains(t, data.Details["labUrl"], "deadbeef")

	// Failure releases the channel and drops the cached sequence.
	p := pool.New(store, "testnet", 5*time.Second)
	locked, err := p.IsLocked(context.Background(), "ch-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestHandleOnchainFailureReturnTxHash(t *testing.T) {
	setBaseEnv(t)
	rpc := &fakeRPC{sim: simulationOK(), accountSeq: 41}
	runtime := newWorkingRuntime(rpc)
	runtime.status = &chain.TxStatus{ID: "tx-1", Hash: "deadbeef", Status: chain.StatusFailed, Reason: "boom"}
	h, store := newTestHandler(t, runtime)
	configureChannels(t, store, "ch-1")

	resp, status := h.Handle(context.Background(), &Request{Params: buildParams(t, true)})
	require.True(t, resp.Success, "got %+v", resp)
	assert.Equal(t, http.StatusOK, status)

	result, ok := resp.Data.(*Result)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "tx-1", result.TransactionID)
	assert.NotEmpty(t, result.Error)
}

func TestHandleSimulationFailureReleasesNothing(t *testing.T) {
	setBaseEnv(t)
	rpc := &fakeRPC{sim: &chain.SimulateResponse{Error: "HostError: Error(Contract, #13)\ninsufficient balance"}}
	runtime := newWorkingRuntime(rpc)
	h, store := newTestHandler(t, runtime)
	configureChannels(t, store, "ch-1")

	resp, status := h.Handle(context.Background(), &Request{Params: buildParams(t, false)})
	requireCode(t, resp, status, http.StatusBadRequest, errs.CodeSimFailed)

	p := pool.New(store, "testnet", 5*time.Second)
	locked, err := p.IsLocked(context.Background(), "ch-1")
	require.NoError(t, err)
	assert.False(t, locked, "simulation failures happen before any channel is claimed")
}

func TestHandleUnsignedEnvelopeDecomposed(t *testing.T) {
	setBaseEnv(t)
	rpc := &fakeRPC{sim: readOnlySimulation()}
	runtime := newWorkingRuntime(rpc)
	h, store := newTestHandler(t, runtime)
	configureChannels(t, store, "ch-1")

	// Strip the signatures: the envelope is decomposed and re-enters the
	// build pipeline, which answers it read-only here.
	source, err := xdr.AddressToMuxedAccount(fundAddress)
	require.NoError(t, err)
	var contractID xdr.Hash
	envelope := xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{Tx: xdr.Transaction{
			SourceAccount: source,
			Fee:           100,
			Operations: []xdr.Operation{{
				Body: xdr.OperationBody{
					Type: xdr.OperationTypeInvokeHostFunction,
					InvokeHostFunctionOp: &xdr.InvokeHostFunctionOp{
						HostFunction: xdr.HostFunction{
							Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
							InvokeContract: &xdr.InvokeContractArgs{
								ContractAddress: xdr.ScAddress{
									Type:       xdr.ScAddressTypeScAddressTypeContract,
									ContractId: &contractID,
								},
								FunctionName: "balance",
							},
						},
					},
				},
			}},
		}},
	}
	b64, err := xdr.MarshalBase64(envelope)
	require.NoError(t, err)

	resp, status := h.Handle(context.Background(), &Request{Params: submitParams(t, b64)})
	require.True(t, resp.Success, "got %+v", resp)
	assert.Equal(t, http.StatusOK, status)
	result, ok := resp.Data.(*Result)
	require.True(t, ok)
	assert.Equal(t, StatusReadOnly, result.Status)
}

func TestHandleUnsignedEnvelopeMultiOpRejected(t *testing.T) {
	setBaseEnv(t)
	h, _ := newTestHandler(t, newWorkingRuntime(&fakeRPC{}))

	source, err := xdr.AddressToMuxedAccount(fundAddress)
	require.NoError(t, err)
	op := xdr.Operation{Body: xdr.OperationBody{
		Type: xdr.OperationTypePayment,
		PaymentOp: &xdr.PaymentOp{
			Destination: xdr.MuxedAccount{Type: xdr.CryptoKeyTypeKeyTypeEd25519, Ed25519: &xdr.Uint256{}},
			Asset:       xdr.Asset{Type: xdr.AssetTypeAssetTypeNative},
		},
	}}
	envelope := xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{Tx: xdr.Transaction{
			SourceAccount: source,
			Fee:           100,
			Operations:    []xdr.Operation{op, op},
		}},
	}
	b64, err := xdr.MarshalBase64(envelope)
	require.NoError(t, err)

	resp, status := h.Handle(context.Background(), &Request{Params: submitParams(t, b64)})
	requireCode(t, resp, status, http.StatusBadRequest, errs.CodeInvalidUnsignedXDR)
}
