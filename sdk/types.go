package sdk

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"payfwd/gateway"
)

// FeePayout is one developer fee leg on the wire. Exactly one of FeeBps and
// FlatAmount should be set; amounts travel as decimal strings.
type FeePayout struct {
	Recipient  string `json:"recipient"`
	FeeBps     uint32 `json:"feeBps,omitempty"`
	FlatAmount string `json:"flatAmount,omitempty"`
}

// TransactionRequest mirrors gateway.TransactionRequest on the wire. An
// empty Token targets the native coin.
type TransactionRequest struct {
	TransactionID  string      `json:"transactionId"`
	Token          string      `json:"token,omitempty"`
	Amount         string      `json:"amount"`
	ForwardAddress string      `json:"forwardAddress"`
	SpenderAddress string      `json:"spenderAddress,omitempty"`
	Expiry         int64       `json:"expiry"`
	ClientID       string      `json:"clientId,omitempty"`
	FeePayouts     []FeePayout `json:"feePayouts,omitempty"`
	ProtocolFeeBps uint32      `json:"protocolFeeBps,omitempty"`
	CallData       string      `json:"callData,omitempty"`
	ExtraData      string      `json:"extraData,omitempty"`
}

// Canonical converts the wire form into the canonical request the gateway
// signs and verifies. Conversion applies the same parsing rules as the
// server, so a request that converts cleanly here is well-formed on arrival.
func (r TransactionRequest) Canonical() (*gateway.TransactionRequest, error) {
	txnID, err := parseHash(r.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("transactionId: %w", err)
	}
	token := gateway.NativeToken
	if strings.TrimSpace(r.Token) != "" {
		if token, err = parseAddress(r.Token); err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
	}
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	forward, err := parseAddress(r.ForwardAddress)
	if err != nil {
		return nil, fmt.Errorf("forwardAddress: %w", err)
	}
	req := &gateway.TransactionRequest{
		TransactionID:  txnID,
		Token:          token,
		Amount:         amount,
		ForwardAddress: forward,
		Expiry:         r.Expiry,
		ClientID:       strings.TrimSpace(r.ClientID),
		ProtocolFeeBps: r.ProtocolFeeBps,
	}
	if strings.TrimSpace(r.SpenderAddress) != "" {
		if req.SpenderAddress, err = parseAddress(r.SpenderAddress); err != nil {
			return nil, fmt.Errorf("spenderAddress: %w", err)
		}
	}
	for i, payout := range r.FeePayouts {
		recipient, err := parseAddress(payout.Recipient)
		if err != nil {
			return nil, fmt.Errorf("feePayouts[%d].recipient: %w", i, err)
		}
		entry := gateway.FeePayout{Recipient: recipient, FeeBps: payout.FeeBps}
		if strings.TrimSpace(payout.FlatAmount) != "" {
			if entry.FlatAmount, err = parseAmount(payout.FlatAmount); err != nil {
				return nil, fmt.Errorf("feePayouts[%d].flatAmount: %w", i, err)
			}
		}
		req.FeePayouts = append(req.FeePayouts, entry)
	}
	if req.CallData, err = parseHexData(r.CallData); err != nil {
		return nil, fmt.Errorf("callData: %w", err)
	}
	if req.ExtraData, err = parseHexData(r.ExtraData); err != nil {
		return nil, fmt.Errorf("extraData: %w", err)
	}
	return req, nil
}

// WireRequest renders a canonical request back into its wire form.
func WireRequest(req *gateway.TransactionRequest) TransactionRequest {
	if req == nil {
		return TransactionRequest{}
	}
	out := TransactionRequest{
		TransactionID:  req.TransactionID.Hex(),
		Amount:         "0",
		ForwardAddress: req.ForwardAddress.Hex(),
		Expiry:         req.Expiry,
		ClientID:       req.ClientID,
		ProtocolFeeBps: req.ProtocolFeeBps,
	}
	if req.Amount != nil {
		out.Amount = req.Amount.String()
	}
	if req.Token != gateway.NativeToken {
		out.Token = req.Token.Hex()
	}
	if req.SpenderAddress != (common.Address{}) {
		out.SpenderAddress = req.SpenderAddress.Hex()
	}
	for _, leg := range req.FeePayouts {
		entry := FeePayout{Recipient: leg.Recipient.Hex(), FeeBps: leg.FeeBps}
		if leg.FlatAmount != nil {
			entry.FlatAmount = leg.FlatAmount.String()
		}
		out.FeePayouts = append(out.FeePayouts, entry)
	}
	if len(req.CallData) > 0 {
		out.CallData = hexutil.Encode(req.CallData)
	}
	if len(req.ExtraData) > 0 {
		out.ExtraData = hexutil.Encode(req.ExtraData)
	}
	return out
}

// SignRequest signs the wire request for the given deployment domain and
// returns the hex-encoded 65-byte signature expected by
// gateway_initiateTransaction.
func SignRequest(d gateway.Domain, r TransactionRequest, key *ecdsa.PrivateKey) (string, error) {
	req, err := r.Canonical()
	if err != nil {
		return "", err
	}
	sig, err := gateway.SignRequest(d, req, key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// SignCompletion signs completion parameters for the given deployment domain
// and returns the hex-encoded signature expected by gateway_completeTransfer
// under the signature completion policy.
func SignCompletion(d gateway.Domain, p CompleteParams, key *ecdsa.PrivateKey) (string, error) {
	txnID, err := parseHash(p.TransactionID)
	if err != nil {
		return "", fmt.Errorf("transactionId: %w", err)
	}
	token := gateway.NativeToken
	if strings.TrimSpace(p.Token) != "" {
		if token, err = parseAddress(p.Token); err != nil {
			return "", fmt.Errorf("token: %w", err)
		}
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return "", fmt.Errorf("amount: %w", err)
	}
	receiver, err := parseAddress(p.Receiver)
	if err != nil {
		return "", fmt.Errorf("receiver: %w", err)
	}
	sig, err := gateway.SignCompletion(d, strings.TrimSpace(p.ClientID), txnID, token, amount, receiver, key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// InitiateParams carries a signed request into gateway_initiateTransaction.
// Value is the attached native amount in wei as a decimal string.
type InitiateParams struct {
	Caller    string              `json:"caller"`
	Value     string              `json:"value,omitempty"`
	Request   *TransactionRequest `json:"request"`
	Signature string              `json:"signature"`
}

// CompleteParams carries a completion into gateway_completeTransfer.
// Signature is only consulted under the signature completion policy.
type CompleteParams struct {
	Caller        string `json:"caller"`
	Value         string `json:"value,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
	TransactionID string `json:"transactionId"`
	Token         string `json:"token,omitempty"`
	Amount        string `json:"amount"`
	Receiver      string `json:"receiver"`
	Signature     string `json:"signature,omitempty"`
}

// ApproveParams grants spender an allowance out of the caller's balance. An
// empty Spender targets the gateway itself.
type ApproveParams struct {
	Caller  string `json:"caller"`
	Token   string `json:"token,omitempty"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

// ListTransactionsParams filters and pages gateway_listTransactions.
type ListTransactionsParams struct {
	ClientID string `json:"clientId,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Token    string `json:"token,omitempty"`
	Cursor   uint64 `json:"cursor,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// InitiateResult is the receipt for gateway_initiateTransaction.
type InitiateResult struct {
	TransactionID string `json:"txnId"`
	Operator      string `json:"operator"`
	NetValue      string `json:"netValue"`
	TotalFee      string `json:"totalFee"`
	Output        string `json:"output,omitempty"`
	TokenRefund   string `json:"tokenRefundWei,omitempty"`
	NativeRefund  string `json:"nativeRefundWei,omitempty"`
}

// CompleteResult is the receipt for gateway_completeTransfer.
type CompleteResult struct {
	TransactionID string `json:"txnId"`
	Receiver      string `json:"receiver"`
	Amount        string `json:"amountWei"`
}

// ProcessedResult reports replay-guard state for one transaction ID.
type ProcessedResult struct {
	TransactionID string `json:"transactionId"`
	Processed     bool   `json:"processed"`
}

// FeeInfoResult reports a fee route. Set is false when no route is
// configured for the queried scope.
type FeeInfoResult struct {
	Recipient string `json:"recipient,omitempty"`
	FeeBps    uint32 `json:"feeBps,omitempty"`
	Set       bool   `json:"set"`
}

// BalanceResult reports a ledger balance for one token/address pair.
type BalanceResult struct {
	Token     string `json:"token"`
	Address   string `json:"address"`
	AmountWei string `json:"amountWei"`
}

// AllowanceResult reports how much spender may still pull from owner.
type AllowanceResult struct {
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	AmountWei string `json:"amountWei"`
}

// TransactionEntry is one indexed initiation row.
type TransactionEntry struct {
	Sequence        uint64 `json:"sequence"`
	TransactionID   string `json:"txnId"`
	Sender          string `json:"sender"`
	Token           string `json:"token"`
	AmountWei       string `json:"amountWei"`
	NetValueWei     string `json:"netValueWei"`
	ProtocolFeeWei  string `json:"protocolFeeWei"`
	ProtocolFeeBps  uint32 `json:"protocolFeeBps"`
	DeveloperFeeWei string `json:"developerFeeWei"`
	ClientID        string `json:"clientId,omitempty"`
	ForwardAddress  string `json:"forwardAddress"`
	SpenderAddress  string `json:"spenderAddress,omitempty"`
	Mode            string `json:"mode"`
	CreatedAt       string `json:"createdAt"`
}

// TransactionListResult pages indexed initiations.
type TransactionListResult struct {
	Transactions []TransactionEntry `json:"transactions"`
	NextCursor   uint64             `json:"nextCursor,omitempty"`
}

// FeePayoutEntry is one indexed fee payout row.
type FeePayoutEntry struct {
	Sequence  uint64 `json:"sequence"`
	Scope     string `json:"scope"`
	Payer     string `json:"payer"`
	Recipient string `json:"recipient"`
	Token     string `json:"token"`
	AmountWei string `json:"amountWei"`
	FeeBps    uint32 `json:"feeBps,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
}

// CompletionEntry is one indexed completion row.
type CompletionEntry struct {
	Sequence  uint64 `json:"sequence"`
	Caller    string `json:"caller"`
	Token     string `json:"token"`
	AmountWei string `json:"amountWei"`
	Receiver  string `json:"receiver"`
	ClientID  string `json:"clientId,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// TransactionDetailResult joins an initiation with its fee payouts and,
// when present, the matching completion.
type TransactionDetailResult struct {
	Transaction *TransactionEntry `json:"transaction"`
	FeePayouts  []FeePayoutEntry  `json:"feePayouts,omitempty"`
	Completion  *CompletionEntry  `json:"completion,omitempty"`
}

func parseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("address required")
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", trimmed)
	}
	return common.HexToAddress(trimmed), nil
}

func parseHash(value string) (common.Hash, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Hash{}, fmt.Errorf("hash required")
	}
	raw, err := hexutil.Decode(trimmed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hash %q", trimmed)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("hash must be %d bytes", common.HashLength)
	}
	return common.BytesToHash(raw), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", trimmed)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseHexData(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	raw, err := hexutil.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data")
	}
	return raw, nil
}
