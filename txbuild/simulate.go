// Package txbuild builds, simulates and assembles the inner Soroban
// transactions the gateway submits. One simulation is performed per
// request and its output is reused for read-only detection, assembly and
// resource fees.
package txbuild

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/stellar/go/xdr"

	"github.com/channelgate/channelgate/chain"
	"github.com/channelgate/channelgate/errs"
)

const (
	// BaseFee is the placeholder inclusion fee on inner transactions;
	// the fee-bump wrapper pays the real fee.
	BaseFee = 100

	// TimeBoundsWindow is the validity window stamped on built
	// transactions.
	TimeBoundsWindow = 120 * time.Second

	// AuthModeEnforce makes the RPC validate auth entry signatures
	// during simulation, so expired or invalid entries fail before
	// anything is submitted.
	AuthModeEnforce = "enforce"
)

// Markers of enforce-mode signed-auth validation failures in simulation
// error text.
var authFailureMarkers = []string{
	"error(auth",
	"require_auth",
	"invalid signature",
	"signature has expired",
	"signature verification failed",
	"bad_signature",
	"tx_bad_auth",
}

var (
	dataArrayPattern = regexp.MustCompile(`data:\s*\[\s*"((?:[^"\\]|\\.)*)"`)
	dataQuotePattern = regexp.MustCompile(`data:\s*"((?:[^"\\]|\\.)*)"`)
	errorTagPattern  = regexp.MustCompile(`Error\(([A-Za-z0-9]+),\s*([#A-Za-z0-9]+)\)`)
)

// BuildTransaction builds an inner transaction carrying one
// invoke-host-function operation, sourced from source at seq.
func BuildTransaction(source string, seq int64, fn xdr.HostFunction, auth []xdr.SorobanAuthorizationEntry) (*xdr.Transaction, error) {
	sourceAccount, err := xdr.AddressToMuxedAccount(source)
	if err != nil {
		return nil, err
	}
	tx := &xdr.Transaction{
		SourceAccount: sourceAccount,
		Fee:           BaseFee,
		SeqNum:        xdr.SequenceNumber(seq),
		Cond: xdr.Preconditions{
			Type: xdr.PreconditionTypePrecondTime,
			TimeBounds: &xdr.TimeBounds{
				MinTime: 0,
				MaxTime: xdr.TimePoint(time.Now().Add(TimeBoundsWindow).Unix()),
			},
		},
		Memo: xdr.Memo{Type: xdr.MemoTypeMemoNone},
		Operations: []xdr.Operation{{
			Body: xdr.OperationBody{
				Type: xdr.OperationTypeInvokeHostFunction,
				InvokeHostFunctionOp: &xdr.InvokeHostFunctionOp{
					HostFunction: fn,
					Auth:         auth,
				},
			},
		}},
	}
	return tx, nil
}

// EnvelopeXDR wraps tx in a V1 envelope and returns its base64 XDR.
func EnvelopeXDR(tx *xdr.Transaction, signatures []xdr.DecoratedSignature) (string, error) {
	envelope := xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{
			Tx:         *tx,
			Signatures: signatures,
		},
	}
	return xdr.MarshalBase64(envelope)
}

// Simulate runs one simulateTransaction call in enforce mode against a
// throwaway fund-sourced transaction and classifies the outcome.
func Simulate(ctx context.Context, rpc chain.Client, fundAddress string, fn xdr.HostFunction, auth []xdr.SorobanAuthorizationEntry) (*chain.SimulateResponse, error) {
	defer simulateTimer.UpdateSince(time.Now())

	tx, err := BuildTransaction(fundAddress, 0, fn, auth)
	if err != nil {
		return nil, errs.Newf(errs.CodeSimFailed, http.StatusBadRequest, "failed to build simulation transaction: %v", err)
	}
	txXDR, err := EnvelopeXDR(tx, nil)
	if err != nil {
		return nil, errs.Newf(errs.CodeSimFailed, http.StatusBadRequest, "failed to encode simulation transaction: %v", err)
	}

	resp, err := rpc.SimulateTransaction(ctx, txXDR, AuthModeEnforce)
	if err != nil {
		var rpcErr *chain.RPCError
		if errors.As(err, &rpcErr) {
			return nil, errs.Newf(errs.CodeSimRPCFailure, http.StatusBadGateway, "simulation rpc failure: %s", rpcErr.Message)
		}
		return nil, errs.Newf(errs.CodeSimNetworkError, http.StatusBadGateway, "simulation request failed: %v", err)
	}

	if resp.Error != "" {
		simulateFailMeter.Mark(1)
		message := ParseSimulationError(resp.Error)
		raw := resp.Error + "\n" + strings.Join(resp.Events, "\n")
		if isSignedAuthFailure(raw) {
			return nil, errs.New(errs.CodeSimSignedAuth, http.StatusBadRequest, message)
		}
		return nil, errs.New(errs.CodeSimFailed, http.StatusBadRequest, message)
	}

	simulateOKMeter.Mark(1)
	return resp, nil
}

func isSignedAuthFailure(raw string) bool {
	lowered := strings.ToLower(raw)
	for _, marker := range authFailureMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// ParseSimulationError extracts a readable message from the raw
// simulation error text: a bracketed data array first, then a quoted
// data string, then the first line. The Error(X, Y) type tag is appended
// in parentheses when present; captures of three characters or fewer are
// ignored.
func ParseSimulationError(raw string) string {
	message := ""
	if m := dataArrayPattern.FindStringSubmatch(raw); m != nil && len(m[1]) > 3 {
		message = m[1]
	} else if m := dataQuotePattern.FindStringSubmatch(raw); m != nil && len(m[1]) > 3 {
		message = m[1]
	} else {
		for _, line := range strings.Split(raw, "\n") {
			line = strings.TrimSpace(line)
			if len(line) > 3 {
				message = line
				break
			}
		}
	}
	if message == "" {
		message = strings.TrimSpace(raw)
	}

	if tag := errorTagPattern.FindStringSubmatch(raw); tag != nil {
		suffix := "(" + tag[1] + ", " + tag[2] + ")"
		if !strings.Contains(message, suffix) {
			message += " " + suffix
		}
	}
	return message
}

// IsReadOnly reports whether the simulated call can be answered without
// a submission: no auth entries in the first result and an empty
// read-write footprint. A footprint that fails to decode counts as
// writable.
func IsReadOnly(sim *chain.SimulateResponse) bool {
	if len(sim.Results) == 0 || len(sim.Results[0].Auth) > 0 {
		return false
	}
	var data xdr.SorobanTransactionData
	if err := xdr.SafeUnmarshalBase64(sim.TransactionData, &data); err != nil {
		return false
	}
	return len(data.Resources.Footprint.ReadWrite) == 0
}
