// Package validator implements the node validator (spec.md §4.2): given an
// endpoint, decide whether it is a full RPC node by probing with
// getTokenAccountsByOwner rather than getHealth, because a light node will
// refuse the method family entirely while a full node processes it (even
// if it rejects the specific parameters).
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/x1cluster/x1-rpc-proxy/internal/rpctypes"
)

// probeOwner and probeProgramID are arbitrary but well-formed SPL values;
// the validator never interprets the result, only classifies it.
const (
	probeOwner     = "A1TMhSGzQxMr1TboBKtgixKz1sS6REASMxPo1qsyTSJd"
	probeProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

// Validator probes candidate endpoints over HTTP.
type Validator struct {
	httpClient *http.Client
}

// New builds a Validator. The caller supplies the http.Client so the
// discovery loop and tests can share transport settings (connection
// pooling, TLS config) instead of each probe paying for a fresh one.
func New(httpClient *http.Client) *Validator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Validator{httpClient: httpClient}
}

// Validate probes endpoint with a bounded timeout and returns nil if it
// classifies as a full RPC node, or a descriptive error otherwise. The
// caller (the discovery loop) is responsible for timing the call to obtain
// response_time; Validate itself has no side effects beyond the HTTP call.
func (v *Validator) Validate(ctx context.Context, endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := rpctypes.Request{
		Jsonrpc: "2.0",
		ID:      json.RawMessage("1"),
		Method:  "getTokenAccountsByOwner",
		Params:  mustMarshalParams(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("validator: marshal probe request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("validator: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("validator: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("validator: non-2xx status %d", resp.StatusCode)
	}

	var rpcResp rpctypes.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("validator: malformed response body: %w", err)
	}

	switch {
	case len(rpcResp.Result) > 0:
		return nil
	case rpcResp.Error != nil && rpcResp.Error.Code == rpctypes.MethodNotFound:
		return fmt.Errorf("validator: method not found (light node)")
	case rpcResp.Error != nil:
		// Any other error code means the node accepted and processed the
		// request family; that is enough to call it a full node.
		return nil
	default:
		return fmt.Errorf("validator: response has neither result nor error")
	}
}

func mustMarshalParams() json.RawMessage {
	params := []any{
		probeOwner,
		map[string]string{"programId": probeProgramID},
		map[string]string{"encoding": "jsonParsed"},
	}
	raw, err := json.Marshal(params)
	if err != nil {
		// params is a fixed literal; marshal cannot fail.
		panic(err)
	}
	return raw
}
