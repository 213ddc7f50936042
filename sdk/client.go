// Package sdk provides a typed JSON-RPC client for a payfwd gateway node.
// It is the client half of the rpc package: wrappers mirror the server's
// method set and wire shapes, and server-side errors surface as *Error
// values carrying the JSON-RPC code.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// JSON-RPC error codes reported by the gateway node. Callers branch on
// these via errors.As to tell policy rejections from transient failures.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
	CodeUnauthorized   = -32021
	CodeValidation     = -32022
	CodeTransfer       = -32023
	CodeForwarding     = -32024
	CodeRateLimited    = -32029
)

// Error is a JSON-RPC error returned by the gateway node.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a lightweight JSON-RPC client for the gateway RPC endpoint.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithAuthToken attaches a bearer token to every request.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// WithTimeout overrides the default request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// New constructs a client pointed at the supplied base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("base url required")
	}
	client := &Client{
		baseURL: trimmed,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.http == nil {
		client.http = &http.Client{Timeout: 10 * time.Second}
	}
	return client, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Do performs a JSON-RPC call against the gateway. A nil params sends an
// empty parameter list; a nil out discards the result. Server-side failures
// are returned as *Error.
func (c *Client) Do(ctx context.Context, method string, params interface{}, out interface{}) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	paramList := []interface{}{}
	if params != nil {
		paramList = append(paramList, params)
	}
	body := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  paramList,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc request: %w", err)
	}
	defer resp.Body.Close()

	// Error responses carry non-2xx statuses together with a JSON-RPC
	// error body, so decode before judging the status.
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("rpc %s failed: status=%d", method, resp.StatusCode)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s failed: status=%d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("rpc %s returned empty result", method)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
