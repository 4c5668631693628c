package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/inconshreveable/log15"
)

// HTTPRuntime talks to a relayer platform over its REST API and to the
// Soroban RPC endpoint for chain reads.
type HTTPRuntime struct {
	baseURL string
	apiKey  string
	client  *http.Client
	rpc     Client
}

// NewHTTPRuntime builds a runtime client. baseURL is the relayer
// platform root, rpcURL the Soroban RPC endpoint for the configured
// network.
func NewHTTPRuntime(baseURL, apiKey, rpcURL string, client *http.Client) *HTTPRuntime {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRuntime{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		rpc:     NewHTTPClient(rpcURL, client),
	}
}

type restEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (r *HTTPRuntime) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response for %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrRelayerNotFound
	}

	var envelope restEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal response for %s: %w", path, err)
	}
	if !envelope.Success {
		return fmt.Errorf("runtime call %s failed: %s", path, envelope.Error)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("failed to unmarshal data for %s: %w", path, err)
		}
	}
	return nil
}

func (r *HTTPRuntime) Relayer(id string) (RelayerHandle, error) {
	if id == "" {
		return nil, ErrRelayerNotFound
	}
	return &httpRelayer{runtime: r, id: id}, nil
}

func (r *HTTPRuntime) TransactionWait(ctx context.Context, sub *Submission, interval, timeout time.Duration) (*TxStatus, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := r.transactionStatus(ctx, sub.ID)
		if err != nil {
			log.Debug("transaction status poll failed", "id", sub.ID, "err", err)
		} else if status.Terminal() {
			return status, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *HTTPRuntime) transactionStatus(ctx context.Context, id string) (*TxStatus, error) {
	var status TxStatus
	if err := r.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

type httpRelayer struct {
	runtime *HTTPRuntime
	id      string
}

func (h *httpRelayer) Info(ctx context.Context) (*RelayerInfo, error) {
	var info RelayerInfo
	if err := h.runtime.do(ctx, http.MethodGet, "/api/v1/relayers/"+url.PathEscape(h.id), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type signRequest struct {
	TransactionXDR string `json:"transaction_xdr"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

func (h *httpRelayer) SignTransaction(ctx context.Context, txXDR string) (string, error) {
	var resp signResponse
	err := h.runtime.do(ctx, http.MethodPost, "/api/v1/relayers/"+url.PathEscape(h.id)+"/sign", signRequest{TransactionXDR: txXDR}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Signature, nil
}

func (h *httpRelayer) SendTransaction(ctx context.Context, req *SendRequest) (*Submission, error) {
	var sub Submission
	err := h.runtime.do(ctx, http.MethodPost, "/api/v1/relayers/"+url.PathEscape(h.id)+"/transactions", req, &sub)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (h *httpRelayer) RPC() Client { return h.runtime.rpc }
