// Package chain provides base chain interaction for settlement submission.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ConfirmationStatus is the base chain's view of a submitted batch.
type ConfirmationStatus string

const (
	// StatusPending means the transaction is known but not yet final.
	StatusPending ConfirmationStatus = "pending"
	// StatusConfirmed means the batch is final on the base chain.
	StatusConfirmed ConfirmationStatus = "confirmed"
	// StatusRejected means the base chain definitively refused the batch.
	StatusRejected ConfirmationStatus = "rejected"
	// StatusUnknown means the chain has no record of the transaction.
	StatusUnknown ConfirmationStatus = "unknown"
)

// Submission is one settlement batch handed to the base chain. BatchID doubles
// as the idempotency key: resubmitting the same id is safe.
type Submission struct {
	BatchID       string            `json:"batch_id"`
	RollupID      string            `json:"rollup_id"`
	FromSeq       uint64            `json:"from_seq"`
	ToSeq         uint64            `json:"to_seq"`
	WriteSet      map[string][]byte `json:"write_set"`
	Undelegations []string          `json:"undelegations"`
}

// Submitter sends settlement batches to the base chain and reports their fate.
type Submitter interface {
	SubmitBatch(ctx context.Context, sub Submission) (txRef string, err error)
	BatchStatus(ctx context.Context, txRef string) (ConfirmationStatus, error)
}

// RejectionError is a definitive base chain refusal. The batch will never
// confirm and must not be retried as-is.
type RejectionError struct {
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("base chain rejected submission: %s (code %d)", e.Message, e.Code)
}

// AmbiguousError covers timeouts and transport failures where the submission
// may or may not have landed. Safe to retry with the same batch id.
type AmbiguousError struct {
	Err error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("submission outcome unknown: %v", e.Err)
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a definitive base chain rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// IsAmbiguous reports whether err leaves the submission outcome unknown.
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}

// Client is a JSON-RPC client for the base chain settlement endpoint.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

var _ Submitter = (*Client)(nil)

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a base chain client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call makes a JSON-RPC call to the base chain node. Transport and decode
// failures come back as AmbiguousError; an explicit RPC error object comes
// back as RejectionError since the node received and refused the request.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &AmbiguousError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AmbiguousError{Err: err}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, &AmbiguousError{Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	if rpcResp.Error != nil {
		return nil, &RejectionError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	return rpcResp.Result, nil
}

// SubmitBatch submits a settlement batch and returns the chain's transaction
// reference.
func (c *Client) SubmitBatch(ctx context.Context, sub Submission) (string, error) {
	result, err := c.Call(ctx, "rollup_submitBatch", []interface{}{sub})
	if err != nil {
		return "", err
	}

	var out struct {
		TxRef string `json:"tx_ref"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", &AmbiguousError{Err: fmt.Errorf("decode submit result: %w", err)}
	}
	if out.TxRef == "" {
		return "", &AmbiguousError{Err: errors.New("submit result missing tx_ref")}
	}
	return out.TxRef, nil
}

// BatchStatus returns the confirmation status of a previously submitted batch.
func (c *Client) BatchStatus(ctx context.Context, txRef string) (ConfirmationStatus, error) {
	result, err := c.Call(ctx, "rollup_getBatchStatus", []interface{}{txRef})
	if err != nil {
		return StatusUnknown, err
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return StatusUnknown, fmt.Errorf("decode status result: %w", err)
	}

	switch ConfirmationStatus(out.Status) {
	case StatusPending, StatusConfirmed, StatusRejected:
		return ConfirmationStatus(out.Status), nil
	default:
		return StatusUnknown, nil
	}
}
