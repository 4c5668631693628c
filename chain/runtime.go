package chain

import (
	"context"
	"errors"
	"time"
)

// Relayer network types.
const (
	NetworkTypeStellar = "stellar"
)

// Transaction statuses reported by the runtime.
const (
	StatusSubmitted = "submitted"
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
	StatusExpired   = "expired"
)

// ErrWaitTimeout is returned by TransactionWait when the transaction did
// not reach a terminal status within the timeout.
var ErrWaitTimeout = errors.New("chain: transaction wait timed out")

// ErrRelayerNotFound is returned by Runtime.Relayer for unknown ids.
var ErrRelayerNotFound = errors.New("chain: relayer not found")

// RelayerInfo describes a relayer account held by the hosting runtime.
type RelayerInfo struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	NetworkType string `json:"network_type"`
}

// SendRequest asks the runtime to submit a transaction. With FeeBump set
// the runtime wraps the inner envelope in a fee-bump paid by the
// relayer, capped at MaxFee stroops.
type SendRequest struct {
	Network        string `json:"network"`
	TransactionXDR string `json:"transaction_xdr"`
	FeeBump        bool   `json:"fee_bump"`
	MaxFee         int64  `json:"max_fee"`
}

// Submission identifies an in-flight transaction.
type Submission struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// TxStatus is the status record of a submitted transaction. Reason
// carries the provider's failure detail, which for on-chain failures
// embeds the base64 transaction-result XDR.
type TxStatus struct {
	ID     string `json:"id"`
	Hash   string `json:"hash"`
	Status string `json:"status"`
	Reason string `json:"status_reason,omitempty"`
}

// Terminal reports whether the status will not change anymore.
func (s *TxStatus) Terminal() bool {
	switch s.Status {
	case StatusConfirmed, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// RelayerHandle is the per-relayer capability set the runtime exposes:
// account metadata, detached transaction signing, the chain RPC bound to
// the relayer's network, and submission.
type RelayerHandle interface {
	Info(ctx context.Context) (*RelayerInfo, error)
	SignTransaction(ctx context.Context, txXDR string) (string, error)
	SendTransaction(ctx context.Context, req *SendRequest) (*Submission, error)
	RPC() Client
}

// Runtime is the hosting runtime the gateway runs inside.
type Runtime interface {
	Relayer(id string) (RelayerHandle, error)
	TransactionWait(ctx context.Context, sub *Submission, interval, timeout time.Duration) (*TxStatus, error)
}
