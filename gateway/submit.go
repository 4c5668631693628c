package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/stellar/go/xdr"

	"github.com/channelgate/channelgate/chain"
	"github.com/channelgate/channelgate/config"
	"github.com/channelgate/channelgate/errs"
	"github.com/channelgate/channelgate/fees"
)

const (
	waitInterval = 500 * time.Millisecond
	waitTimeout  = 25 * time.Second

	maxReasonLength = 100
)

// submitContext carries the fee-relevant facts about a submission for
// logging and usage accounting.
type submitContext struct {
	ContractID string
	IsLimited  bool
}

// submitAndWait sends the signed inner envelope through the relayer
// (fee-bumped, capped at maxFee) and waits for a terminal status. Fee
// usage is recorded for every outcome that consumed the fee: confirmed
// and failed, but not timed out (the outcome is unknown).
func (h *Handler) submitAndWait(ctx context.Context, relayer chain.RelayerHandle, cfg *config.Config, txXDR string, maxFee int64, tracker *fees.Tracker, sctx submitContext) (*Result, error) {
	defer submitTimer.UpdateSince(time.Now())

	sub, err := relayer.SendTransaction(ctx, &chain.SendRequest{
		Network:        cfg.Network,
		TransactionXDR: txXDR,
		FeeBump:        true,
		MaxFee:         maxFee,
	})
	if err != nil {
		return nil, errs.Newf(errs.CodeRelayerUnavailable, http.StatusBadGateway, "transaction send failed: %v", err)
	}
	log.Debug("transaction sent", "id", sub.ID, "hash", sub.Hash, "maxFee", maxFee, "contract", sctx.ContractID, "limited", sctx.IsLimited)

	status, err := h.Runtime.TransactionWait(ctx, sub, waitInterval, waitTimeout)
	if err != nil {
		if errors.Is(err, chain.ErrWaitTimeout) || errors.Is(err, context.DeadlineExceeded) {
			waitTimeoutMeter.Mark(1)
			return nil, errs.New(errs.CodeWaitTimeout, http.StatusGatewayTimeout,
				"timed out waiting for transaction confirmation").WithDetails(map[string]any{
				"id":   sub.ID,
				"hash": sub.Hash,
			})
		}
		return nil, errs.Newf(errs.CodeRelayerUnavailable, http.StatusBadGateway, "transaction wait failed: %v", err)
	}

	hash := status.Hash
	if hash == "" {
		hash = sub.Hash
	}

	switch status.Status {
	case chain.StatusConfirmed:
		if tracker != nil {
			tracker.RecordUsage(ctx, maxFee)
		}
		submitConfirmedMeter.Mark(1)
		return &Result{TransactionID: sub.ID, Status: StatusConfirmed, Hash: hash}, nil

	default:
		// failed, canceled or expired: the network consumed the fee.
		if tracker != nil {
			tracker.RecordUsage(ctx, maxFee)
		}
		submitFailedMeter.Mark(1)
		resultCode := decodeResultCode(status.Reason)
		return nil, errs.New(errs.CodeOnchainFailed, http.StatusBadRequest,
			"transaction failed on chain").WithDetails(map[string]any{
			"status":     status.Status,
			"reason":     sanitizeReason(status.Reason),
			"id":         sub.ID,
			"hash":       hash,
			"resultCode": resultCode,
			"labUrl":     labURL(cfg.Network, hash),
		})
	}
}

// sanitizeReason reduces a provider failure reason to something safe to
// return: the last colon-separated segment when it is meaningful and
// free of provider internals, otherwise the raw text truncated to 100
// characters with the sentinel token stripped.
func sanitizeReason(raw string) string {
	segments := strings.Split(raw, ":")
	last := strings.TrimSpace(segments[len(segments)-1])
	if len(last) >= 3 && !strings.Contains(strings.ToLower(last), "provider") {
		return last
	}

	out := raw
	if len(out) > maxReasonLength {
		out = out[:maxReasonLength]
	}
	// Only a short single-segment reason passes through verbatim;
	// everything else loses the sentinel token.
	if len(raw) > maxReasonLength || len(segments) > 1 {
		out = strings.ReplaceAll(out, "provider", "")
		out = strings.ReplaceAll(out, "Provider", "")
	}
	return out
}

// decodeResultCode scans the failure reason for a base64
// transaction-result XDR and renders its code. Fee-bump results unwrap
// to "<outerCode>:<innerCode>". Returns "" when no result decodes.
func decodeResultCode(reason string) string {
	for _, token := range strings.Fields(reason) {
		token = strings.Trim(token, `",;`)
		if len(token) < 16 {
			continue
		}
		var result xdr.TransactionResult
		if err := xdr.SafeUnmarshalBase64(token, &result); err != nil {
			continue
		}
		return resultCodeString(&result)
	}
	return ""
}

func resultCodeString(result *xdr.TransactionResult) string {
	outer := txCodeName(result.Result.Code)
	if result.Result.InnerResultPair != nil {
		inner := txCodeName(result.Result.InnerResultPair.Result.Result.Code)
		return outer + ":" + inner
	}
	return outer
}

func txCodeName(code xdr.TransactionResultCode) string {
	switch code {
	case xdr.TransactionResultCodeTxSuccess:
		return "tx_success"
	case xdr.TransactionResultCodeTxFailed:
		return "tx_failed"
	case xdr.TransactionResultCodeTxTooEarly:
		return "tx_too_early"
	case xdr.TransactionResultCodeTxTooLate:
		return "tx_too_late"
	case xdr.TransactionResultCodeTxMissingOperation:
		return "tx_missing_operation"
	case xdr.TransactionResultCodeTxBadSeq:
		return "tx_bad_seq"
	case xdr.TransactionResultCodeTxBadAuth:
		return "tx_bad_auth"
	case xdr.TransactionResultCodeTxInsufficientBalance:
		return "tx_insufficient_balance"
	case xdr.TransactionResultCodeTxNoAccount:
		return "tx_no_source_account"
	case xdr.TransactionResultCodeTxInsufficientFee:
		return "tx_insufficient_fee"
	case xdr.TransactionResultCodeTxBadAuthExtra:
		return "tx_bad_auth_extra"
	case xdr.TransactionResultCodeTxInternalError:
		return "tx_internal_error"
	case xdr.TransactionResultCodeTxNotSupported:
		return "tx_not_supported"
	case xdr.TransactionResultCodeTxFeeBumpInnerSuccess:
		return "tx_fee_bump_inner_success"
	case xdr.TransactionResultCodeTxFeeBumpInnerFailed:
		return "tx_fee_bump_inner_failed"
	case xdr.TransactionResultCodeTxBadSponsorship:
		return "tx_bad_sponsorship"
	case xdr.TransactionResultCodeTxBadMinSeqAgeOrGap:
		return "tx_bad_min_seq_age_or_gap"
	case xdr.TransactionResultCodeTxMalformed:
		return "tx_malformed"
	case xdr.TransactionResultCodeTxSorobanInvalid:
		return "tx_soroban_invalid"
	default:
		return strings.ToLower(code.String())
	}
}

// labURL points at a transaction inspector for the given network.
func labURL(network, hash string) string {
	return fmt.Sprintf("https://lab.stellar.org/transaction?network=%s&hash=%s", network, hash)
}
