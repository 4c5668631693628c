// Package chain holds the gateway's external collaborators: the Soroban
// JSON-RPC client used for simulation and ledger reads, and the hosting
// runtime that owns relayer keys, fee-bump signing and submission.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client is the subset of the Soroban RPC surface the gateway needs.
type Client interface {
	SimulateTransaction(ctx context.Context, txXDR, authMode string) (*SimulateResponse, error)
	GetLedgerEntries(ctx context.Context, keys []string) (*LedgerEntriesResponse, error)
}

// SimulateResponse is the result object of simulateTransaction. Error is
// the simulation-level error text; an RPC-level error surfaces as
// *RPCError from the client instead.
type SimulateResponse struct {
	Error           string               `json:"error,omitempty"`
	Events          []string             `json:"events,omitempty"`
	TransactionData string               `json:"transactionData,omitempty"`
	MinResourceFee  string               `json:"minResourceFee,omitempty"`
	Results         []SimulateHostResult `json:"results,omitempty"`
	LatestLedger    int64                `json:"latestLedger"`
}

// SimulateHostResult is one host-function result within a simulation.
type SimulateHostResult struct {
	Auth []string `json:"auth,omitempty"`
	XDR  string   `json:"xdr"`
}

// LedgerEntriesResponse is the result object of getLedgerEntries.
type LedgerEntriesResponse struct {
	Entries      []LedgerEntry `json:"entries"`
	LatestLedger int64         `json:"latestLedger"`
}

// LedgerEntry is one entry returned by getLedgerEntries.
type LedgerEntry struct {
	Key                   string `json:"key"`
	XDR                   string `json:"xdr"`
	LastModifiedLedgerSeq int64  `json:"lastModifiedLedgerSeq"`
}

// RPCError is a JSON-RPC protocol-level failure.
type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Error  *RPCError       `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// HTTPClient is a Client over HTTP JSON-RPC.
type HTTPClient struct {
	url    string
	client *http.Client
	nextID atomic.Uint64
}

// NewHTTPClient builds a client for the Soroban RPC endpoint at url.
func NewHTTPClient(url string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{url: url, client: client}
}

func (c *HTTPClient) call(ctx context.Context, method string, params, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

type simulateParams struct {
	Transaction string `json:"transaction"`
	AuthMode    string `json:"authMode,omitempty"`
}

func (c *HTTPClient) SimulateTransaction(ctx context.Context, txXDR, authMode string) (*SimulateResponse, error) {
	var result SimulateResponse
	if err := c.call(ctx, "simulateTransaction", simulateParams{Transaction: txXDR, AuthMode: authMode}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type ledgerEntriesParams struct {
	Keys []string `json:"keys"`
}

func (c *HTTPClient) GetLedgerEntries(ctx context.Context, keys []string) (*LedgerEntriesResponse, error) {
	var result LedgerEntriesResponse
	if err := c.call(ctx, "getLedgerEntries", ledgerEntriesParams{Keys: keys}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
