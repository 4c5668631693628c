package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/stellar/go/xdr"

	"github.com/channelgate/channelgate/errs"
)

// Request is the inbound invocation envelope: the caller's parameters
// plus transport headers (API key lookup).
type Request struct {
	Params  json.RawMessage `json:"params"`
	Headers http.Header     `json:"-"`
}

// Response is the outbound envelope. Failures carry a human-readable
// Error plus the machine code and details under Data.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result statuses.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
	StatusReadOnly  = "readonly"
)

// Result summarizes one transaction submission (or read-only call).
type Result struct {
	TransactionID string `json:"transactionId,omitempty"`
	Hash          string `json:"hash,omitempty"`
	Status        string `json:"status"`
	ReturnValue   string `json:"returnValue,omitempty"`
	LatestLedger  int64  `json:"latestLedger,omitempty"`
	Error         string `json:"error,omitempty"`
}

// errorData is the Data payload of a failure response.
type errorData struct {
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// submitRequest is the submit-only variant: a fully signed envelope.
type submitRequest struct {
	XDR string
}

// buildRequest is the build-and-submit variant: a host function call
// plus its signed authorization entries.
type buildRequest struct {
	Func         xdr.HostFunction
	Auth         []xdr.SorobanAuthorizationEntry
	ReturnTxHash bool
}

// managementParams is the management-plane variant.
type managementParams struct {
	AdminSecret string   `json:"adminSecret"`
	Action      string   `json:"action"`
	RelayerIDs  []string `json:"relayerIds,omitempty"`
	APIKey      string   `json:"apiKey,omitempty"`
	Limit       *int64   `json:"limit,omitempty"`
}

type rawParams struct {
	XDR          *string         `json:"xdr,omitempty"`
	Func         *string         `json:"func,omitempty"`
	Auth         []string        `json:"auth,omitempty"`
	ReturnTxHash *bool           `json:"returnTxHash,omitempty"`
	Management   json.RawMessage `json:"management,omitempty"`
}

var knownParamKeys = map[string]struct{}{
	"xdr": {}, "func": {}, "auth": {}, "returnTxHash": {}, "management": {},
}

// parseManagement extracts the management variant, or nil when the
// request is not management-shaped. Management routing happens before
// any other validation.
func parseManagement(raw json.RawMessage) (*managementParams, error) {
	var probe struct {
		Management json.RawMessage `json:"management,omitempty"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errs.Newf(errs.CodeInvalidPayload, http.StatusBadRequest, "malformed request payload: %v", err)
	}
	if probe.Management == nil {
		return nil, nil
	}
	var m managementParams
	if err := json.Unmarshal(probe.Management, &m); err != nil {
		return nil, errs.Newf(errs.CodeInvalidPayload, http.StatusBadRequest, "malformed management payload: %v", err)
	}
	return &m, nil
}

// parseRequest validates and decodes the transaction request. Exactly
// one of the submit-only or build-and-submit shapes is accepted;
// anything else, including unknown keys, is INVALID_PARAMS.
func parseRequest(raw json.RawMessage) (*submitRequest, *buildRequest, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, nil, errs.Newf(errs.CodeInvalidPayload, http.StatusBadRequest, "malformed request payload: %v", err)
	}
	for key := range keys {
		if _, ok := knownParamKeys[key]; !ok {
			return nil, nil, errs.Newf(errs.CodeInvalidParams, http.StatusBadRequest, "unknown parameter %q", key)
		}
	}

	var params rawParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, nil, errs.Newf(errs.CodeInvalidParams, http.StatusBadRequest, "malformed request parameters: %v", err)
	}

	hasXDR := params.XDR != nil
	hasFunc := params.Func != nil || params.Auth != nil

	switch {
	case hasXDR && hasFunc:
		return nil, nil, errs.New(errs.CodeInvalidParams, http.StatusBadRequest, "provide either xdr or func+auth, not both")
	case hasXDR:
		if params.ReturnTxHash != nil {
			return nil, nil, errs.New(errs.CodeInvalidParams, http.StatusBadRequest, "returnTxHash is only valid with func+auth")
		}
		if strings.TrimSpace(*params.XDR) == "" {
			return nil, nil, errs.New(errs.CodeInvalidParams, http.StatusBadRequest, "xdr must not be empty")
		}
		return &submitRequest{XDR: *params.XDR}, nil, nil
	case hasFunc:
		if params.Func == nil || params.Auth == nil {
			return nil, nil, errs.New(errs.CodeInvalidParams, http.StatusBadRequest, "func and auth are both required")
		}
		breq, err := decodeBuildRequest(*params.Func, params.Auth, params.ReturnTxHash != nil && *params.ReturnTxHash)
		if err != nil {
			return nil, nil, err
		}
		return nil, breq, nil
	default:
		return nil, nil, errs.New(errs.CodeInvalidParams, http.StatusBadRequest, "provide either xdr or func+auth")
	}
}

func decodeBuildRequest(fnB64 string, authB64 []string, returnTxHash bool) (*buildRequest, error) {
	var fn xdr.HostFunction
	if err := xdr.SafeUnmarshalBase64(fnB64, &fn); err != nil {
		return nil, errs.Newf(errs.CodeInvalidParams, http.StatusBadRequest, "invalid host function: %v", err)
	}

	auth := make([]xdr.SorobanAuthorizationEntry, 0, len(authB64))
	for i, entryB64 := range authB64 {
		var entry xdr.SorobanAuthorizationEntry
		if err := xdr.SafeUnmarshalBase64(entryB64, &entry); err != nil {
			return nil, errs.Newf(errs.CodeInvalidParams, http.StatusBadRequest, "invalid auth entry %d: %v", i, err)
		}
		// Source-account credentials bind the auth to the transaction
		// source, which is a pooled channel account here, never the
		// caller.
		if entry.Credentials.Type == xdr.SorobanCredentialsTypeSorobanCredentialsSourceAccount {
			return nil, errs.Newf(errs.CodeInvalidParams, http.StatusBadRequest,
				"auth entry %d uses source-account credentials, incompatible with channel accounts", i)
		}
		auth = append(auth, entry)
	}

	return &buildRequest{Func: fn, Auth: auth, ReturnTxHash: returnTxHash}, nil
}

// apiKeyFromHeaders extracts the budget identifier: the first value of
// the configured header, trimmed; empty means no key.
func apiKeyFromHeaders(headers http.Header, headerName string) string {
	if headers == nil {
		return ""
	}
	values := headers.Values(headerName)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
