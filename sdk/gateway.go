package sdk

import (
	"context"
	"fmt"
)

type processedParams struct {
	TransactionID string `json:"transactionId"`
}

type feeInfoParams struct {
	ClientID string `json:"clientId"`
}

type balanceParams struct {
	Token   string `json:"token,omitempty"`
	Address string `json:"address"`
}

type allowanceParams struct {
	Token   string `json:"token,omitempty"`
	Owner   string `json:"owner"`
	Spender string `json:"spender,omitempty"`
}

type pauseParams struct {
	Caller string `json:"caller"`
	Paused bool   `json:"paused"`
}

type restrictParams struct {
	Caller     string `json:"caller"`
	Address    string `json:"address"`
	Restricted bool   `json:"restricted"`
}

type setFeeInfoParams struct {
	Caller    string `json:"caller"`
	ClientID  string `json:"clientId,omitempty"`
	Recipient string `json:"recipient"`
	FeeBps    uint32 `json:"feeBps"`
}

type withdrawParams struct {
	Caller   string `json:"caller"`
	Token    string `json:"token,omitempty"`
	Amount   string `json:"amount"`
	Receiver string `json:"receiver,omitempty"`
}

type setCapabilityParams struct {
	Caller     string `json:"caller"`
	Address    string `json:"address"`
	Capability string `json:"capability"`
	Granted    bool   `json:"granted"`
}

type getTransactionParams struct {
	TransactionID string `json:"transactionId"`
}

// InitiateTransaction submits a signed forwarding request.
func (c *Client) InitiateTransaction(ctx context.Context, params InitiateParams) (*InitiateResult, error) {
	if params.Request == nil {
		return nil, fmt.Errorf("request required")
	}
	var out InitiateResult
	if err := c.Do(ctx, "gateway_initiateTransaction", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteTransfer settles a previously quoted transfer to its receiver.
func (c *Client) CompleteTransfer(ctx context.Context, params CompleteParams) (*CompleteResult, error) {
	var out CompleteResult
	if err := c.Do(ctx, "gateway_completeTransfer", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve grants spender an allowance out of the caller's balance. An empty
// spender targets the gateway, which is the grant token completions need.
func (c *Client) Approve(ctx context.Context, params ApproveParams) (*AllowanceResult, error) {
	var out AllowanceResult
	if err := c.Do(ctx, "gateway_approve", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Allowance reports how much spender may still pull from owner. An empty
// token targets the native coin; an empty spender targets the gateway.
func (c *Client) Allowance(ctx context.Context, token, owner, spender string) (*AllowanceResult, error) {
	var out AllowanceResult
	params := allowanceParams{Token: token, Owner: owner, Spender: spender}
	if err := c.Do(ctx, "gateway_getAllowance", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsProcessed reports whether the transaction ID has been consumed by the
// replay guard.
func (c *Client) IsProcessed(ctx context.Context, txnID string) (bool, error) {
	var out ProcessedResult
	if err := c.Do(ctx, "gateway_isProcessed", processedParams{TransactionID: txnID}, &out); err != nil {
		return false, err
	}
	return out.Processed, nil
}

// ProtocolFeeInfo fetches the protocol fee route.
func (c *Client) ProtocolFeeInfo(ctx context.Context) (*FeeInfoResult, error) {
	var out FeeInfoResult
	if err := c.Do(ctx, "gateway_getProtocolFeeInfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FeeInfo fetches the stored fee route for a client scope.
func (c *Client) FeeInfo(ctx context.Context, clientID string) (*FeeInfoResult, error) {
	var out FeeInfoResult
	if err := c.Do(ctx, "gateway_getFeeInfo", feeInfoParams{ClientID: clientID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance fetches the ledger balance for a token/address pair. An empty
// token targets the native coin.
func (c *Client) Balance(ctx context.Context, token, address string) (*BalanceResult, error) {
	var out BalanceResult
	if err := c.Do(ctx, "gateway_getBalance", balanceParams{Token: token, Address: address}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pause toggles the gateway-wide pause switch.
func (c *Client) Pause(ctx context.Context, caller string, paused bool) error {
	return c.Do(ctx, "gateway_pause", pauseParams{Caller: caller, Paused: paused}, nil)
}

// RestrictAddress toggles the restriction flag for one address.
func (c *Client) RestrictAddress(ctx context.Context, caller, address string, restricted bool) error {
	params := restrictParams{Caller: caller, Address: address, Restricted: restricted}
	return c.Do(ctx, "gateway_restrictAddress", params, nil)
}

// SetProtocolFeeInfo stores the protocol fee route.
func (c *Client) SetProtocolFeeInfo(ctx context.Context, caller, recipient string, feeBps uint32) error {
	params := setFeeInfoParams{Caller: caller, Recipient: recipient, FeeBps: feeBps}
	return c.Do(ctx, "gateway_setProtocolFeeInfo", params, nil)
}

// SetFeeInfo stores the fee route for a client scope.
func (c *Client) SetFeeInfo(ctx context.Context, caller, clientID, recipient string, feeBps uint32) error {
	params := setFeeInfoParams{Caller: caller, ClientID: clientID, Recipient: recipient, FeeBps: feeBps}
	return c.Do(ctx, "gateway_setFeeInfo", params, nil)
}

// Withdraw moves collected fees out of the gateway balance. An empty
// receiver pays the caller; an empty token targets the native coin.
func (c *Client) Withdraw(ctx context.Context, caller, token, amount, receiver string) error {
	params := withdrawParams{Caller: caller, Token: token, Amount: amount, Receiver: receiver}
	method := "gateway_withdraw"
	if receiver != "" {
		method = "gateway_withdrawTo"
	}
	return c.Do(ctx, method, params, nil)
}

// SetCapability grants or revokes a named capability for an address.
func (c *Client) SetCapability(ctx context.Context, caller, address, capability string, granted bool) error {
	params := setCapabilityParams{Caller: caller, Address: address, Capability: capability, Granted: granted}
	return c.Do(ctx, "gateway_setCapability", params, nil)
}

// ListTransactions pages indexed initiations. Requires the server to run
// with an index attached.
func (c *Client) ListTransactions(ctx context.Context, params ListTransactionsParams) (*TransactionListResult, error) {
	var out TransactionListResult
	if err := c.Do(ctx, "gateway_listTransactions", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transaction fetches the indexed detail view for one transaction ID.
func (c *Client) Transaction(ctx context.Context, txnID string) (*TransactionDetailResult, error) {
	var out TransactionDetailResult
	if err := c.Do(ctx, "gateway_getTransaction", getTransactionParams{TransactionID: txnID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
