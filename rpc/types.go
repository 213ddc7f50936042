package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"payfwd/gateway"
	"payfwd/indexer"
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// feePayoutParam mirrors gateway.FeePayout on the wire. Exactly one of
// feeBps and flatAmount should be set; amounts travel as decimal strings.
type feePayoutParam struct {
	Recipient  string `json:"recipient"`
	FeeBps     uint32 `json:"feeBps,omitempty"`
	FlatAmount string `json:"flatAmount,omitempty"`
}

// transactionRequestParam mirrors gateway.TransactionRequest on the wire.
type transactionRequestParam struct {
	TransactionID  string           `json:"transactionId"`
	Token          string           `json:"token,omitempty"`
	Amount         string           `json:"amount"`
	ForwardAddress string           `json:"forwardAddress"`
	SpenderAddress string           `json:"spenderAddress,omitempty"`
	Expiry         int64            `json:"expiry"`
	ClientID       string           `json:"clientId,omitempty"`
	FeePayouts     []feePayoutParam `json:"feePayouts,omitempty"`
	ProtocolFeeBps uint32           `json:"protocolFeeBps,omitempty"`
	CallData       string           `json:"callData,omitempty"`
	ExtraData      string           `json:"extraData,omitempty"`
}

func (p *transactionRequestParam) toRequest() (*gateway.TransactionRequest, error) {
	if p == nil {
		return nil, fmt.Errorf("request required")
	}
	txnID, err := parseHash(p.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("transactionId: %w", err)
	}
	token := gateway.NativeToken
	if strings.TrimSpace(p.Token) != "" {
		if token, err = parseAddress(p.Token); err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	forward, err := parseAddress(p.ForwardAddress)
	if err != nil {
		return nil, fmt.Errorf("forwardAddress: %w", err)
	}
	req := &gateway.TransactionRequest{
		TransactionID:  txnID,
		Token:          token,
		Amount:         amount,
		ForwardAddress: forward,
		Expiry:         p.Expiry,
		ClientID:       strings.TrimSpace(p.ClientID),
		ProtocolFeeBps: p.ProtocolFeeBps,
	}
	if strings.TrimSpace(p.SpenderAddress) != "" {
		if req.SpenderAddress, err = parseAddress(p.SpenderAddress); err != nil {
			return nil, fmt.Errorf("spenderAddress: %w", err)
		}
	}
	for i, payout := range p.FeePayouts {
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
	if req.CallData, err = parseHexData(p.CallData); err != nil {
		return nil, fmt.Errorf("callData: %w", err)
	}
	if req.ExtraData, err = parseHexData(p.ExtraData); err != nil {
		return nil, fmt.Errorf("extraData: %w", err)
	}
	return req, nil
}

type initiateParams struct {
	Caller    string                   `json:"caller"`
	Value     string                   `json:"value,omitempty"`
	Request   *transactionRequestParam `json:"request"`
	Signature string                   `json:"signature"`
}

type completeParams struct {
	Caller        string `json:"caller"`
	Value         string `json:"value,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
	TransactionID string `json:"transactionId"`
	Token         string `json:"token,omitempty"`
	Amount        string `json:"amount"`
	Receiver      string `json:"receiver"`
	Signature     string `json:"signature,omitempty"`
}

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

type approveParams struct {
	Caller  string `json:"caller"`
	Token   string `json:"token,omitempty"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
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

type listTransactionsParams struct {
	ClientID string `json:"clientId,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Token    string `json:"token,omitempty"`
	Cursor   uint64 `json:"cursor,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type getTransactionParams struct {
	TransactionID string `json:"transactionId"`
}

// InitiateResult is the wire receipt for gateway_initiateTransaction.
type InitiateResult struct {
	TransactionID string `json:"txnId"`
	Operator      string `json:"operator"`
	NetValue      string `json:"netValue"`
	TotalFee      string `json:"totalFee"`
	Output        string `json:"output,omitempty"`
	TokenRefund   string `json:"tokenRefundWei,omitempty"`
	NativeRefund  string `json:"nativeRefundWei,omitempty"`
}

func initiateResultFrom(res *gateway.InitiateResult) *InitiateResult {
	if res == nil {
		return nil
	}
	out := &InitiateResult{
		TransactionID: res.TransactionID.Hex(),
		Operator:      res.Operator.Hex(),
		NetValue:      bigString(res.NetValue),
		TotalFee:      bigString(res.TotalFee),
	}
	if len(res.Output) > 0 {
		out.Output = hexutil.Encode(res.Output)
	}
	if res.TokenRefund != nil && res.TokenRefund.Sign() > 0 {
		out.TokenRefund = res.TokenRefund.String()
	}
	if res.NativeRefund != nil && res.NativeRefund.Sign() > 0 {
		out.NativeRefund = res.NativeRefund.String()
	}
	return out
}

// CompleteResult is the wire receipt for gateway_completeTransfer.
type CompleteResult struct {
	TransactionID string `json:"txnId"`
	Receiver      string `json:"receiver"`
	Amount        string `json:"amountWei"`
}

func completeResultFrom(res *gateway.CompleteResult) *CompleteResult {
	if res == nil {
		return nil
	}
	return &CompleteResult{
		TransactionID: res.TransactionID.Hex(),
		Receiver:      res.Receiver.Hex(),
		Amount:        bigString(res.Amount),
	}
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

func feeInfoResultFrom(info gateway.FeeInfo, ok bool) *FeeInfoResult {
	if !ok {
		return &FeeInfoResult{}
	}
	return &FeeInfoResult{Recipient: info.Recipient.Hex(), FeeBps: info.FeeBps, Set: true}
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

func transactionEntryFrom(row indexer.Transaction) TransactionEntry {
	return TransactionEntry{
		Sequence:        row.Sequence,
		TransactionID:   row.TxnID,
		Sender:          row.Sender,
		Token:           row.Token,
		AmountWei:       row.AmountWei,
		NetValueWei:     row.NetValueWei,
		ProtocolFeeWei:  row.ProtocolFeeWei,
		ProtocolFeeBps:  row.ProtocolFeeBps,
		DeveloperFeeWei: row.DeveloperFeeWei,
		ClientID:        row.ClientID,
		ForwardAddress:  row.ForwardAddress,
		SpenderAddress:  row.SpenderAddress,
		Mode:            row.Mode,
		CreatedAt:       row.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// TransactionListResult pages indexed initiations. NextCursor feeds the next
// call's cursor parameter; zero means the page was not full.
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

// TransactionDetailResult joins the initiation row with its fee payouts and,
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

// parseOptionalAmount treats an absent value as zero.
func parseOptionalAmount(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return big.NewInt(0), nil
	}
	return parseAmount(value)
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

func parseSignature(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("signature required")
	}
	raw, err := hexutil.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding")
	}
	return raw, nil
}

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
