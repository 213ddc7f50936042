package gateway

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"payfwd/core/types"
)

// Event type identifiers. These strings and the attribute names below are the
// durable wire format consumed by indexers, webhooks, and stream clients.
const (
	EventTypeTransactionInitiated = "gateway.transaction.initiated"
	EventTypeFeePayout            = "gateway.fee.payout"
	EventTypeTransferCompleted    = "gateway.transfer.completed"
	EventTypeRefund               = "gateway.refund"
	EventTypePauseUpdated         = "gateway.pause.updated"
	EventTypeRestrictionUpdated   = "gateway.restriction.updated"
	EventTypeFeeInfoUpdated       = "gateway.fee_info.updated"
	EventTypeRoleUpdated          = "gateway.role.updated"
	EventTypeWithdrawal           = "gateway.withdrawal"
)

// Fee scopes used in payout events.
const (
	FeeScopeProtocol  = "protocol"
	FeeScopeDeveloper = "developer"
)

func attrAddress(a common.Address) string { return strings.ToLower(a.Hex()) }

func attrAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// TransactionInitiatedEvent is emitted once per successful forward, after the
// per-leg fee payouts.
type TransactionInitiatedEvent struct {
	TransactionID  common.Hash
	Sender         common.Address
	Token          common.Address
	Amount         *big.Int
	NetValue       *big.Int
	ProtocolFee    *big.Int
	ProtocolFeeBps uint32
	DeveloperFee   *big.Int
	PayoutCount    int
	ClientID       string
	ForwardAddress common.Address
	SpenderAddress common.Address
	ExtraData      []byte
	Direct         bool
}

// EventType satisfies the events.Event interface.
func (TransactionInitiatedEvent) EventType() string { return EventTypeTransactionInitiated }

// Event converts the payload into the broadcastable wire form.
func (e TransactionInitiatedEvent) Event() *types.Event {
	mode := "call"
	if e.Direct {
		mode = "direct"
	}
	attrs := map[string]string{
		"txnId":           e.TransactionID.Hex(),
		"sender":          attrAddress(e.Sender),
		"token":           attrAddress(e.Token),
		"amount":          attrAmount(e.Amount),
		"netValue":        attrAmount(e.NetValue),
		"protocolFeeWei":  attrAmount(e.ProtocolFee),
		"protocolFeeBps":  strconv.FormatUint(uint64(e.ProtocolFeeBps), 10),
		"developerFeeWei": attrAmount(e.DeveloperFee),
		"feePayoutCount":  strconv.Itoa(e.PayoutCount),
		"forwardAddress":  attrAddress(e.ForwardAddress),
		"spenderAddress":  attrAddress(e.SpenderAddress),
		"mode":            mode,
	}
	if e.ClientID != "" {
		attrs["clientId"] = e.ClientID
	}
	if len(e.ExtraData) > 0 {
		attrs["extraData"] = hexutil.Encode(e.ExtraData)
	}
	return &types.Event{Type: EventTypeTransactionInitiated, Attributes: attrs}
}

// FeePayoutEvent is emitted for every nonzero fee leg.
type FeePayoutEvent struct {
	TransactionID common.Hash
	Scope         string
	Payer         common.Address
	Recipient     common.Address
	Token         common.Address
	Amount        *big.Int
	FeeBps        uint32
	ClientID      string
}

// EventType satisfies the events.Event interface.
func (FeePayoutEvent) EventType() string { return EventTypeFeePayout }

// Event converts the payload into the broadcastable wire form.
func (e FeePayoutEvent) Event() *types.Event {
	attrs := map[string]string{
		"txnId":     e.TransactionID.Hex(),
		"scope":     e.Scope,
		"payer":     attrAddress(e.Payer),
		"recipient": attrAddress(e.Recipient),
		"token":     attrAddress(e.Token),
		"amountWei": attrAmount(e.Amount),
	}
	if e.FeeBps > 0 {
		attrs["feeBps"] = strconv.FormatUint(uint64(e.FeeBps), 10)
	}
	if e.ClientID != "" {
		attrs["clientId"] = e.ClientID
	}
	return &types.Event{Type: EventTypeFeePayout, Attributes: attrs}
}

// TransferCompletedEvent is emitted by the completion entrypoint.
type TransferCompletedEvent struct {
	TransactionID common.Hash
	ClientID      string
	Caller        common.Address
	Token         common.Address
	Amount        *big.Int
	Receiver      common.Address
}

// EventType satisfies the events.Event interface.
func (TransferCompletedEvent) EventType() string { return EventTypeTransferCompleted }

// Event converts the payload into the broadcastable wire form.
func (e TransferCompletedEvent) Event() *types.Event {
	attrs := map[string]string{
		"txnId":    e.TransactionID.Hex(),
		"caller":   attrAddress(e.Caller),
		"token":    attrAddress(e.Token),
		"amount":   attrAmount(e.Amount),
		"receiver": attrAddress(e.Receiver),
	}
	if e.ClientID != "" {
		attrs["clientId"] = e.ClientID
	}
	return &types.Event{Type: EventTypeTransferCompleted, Attributes: attrs}
}

// RefundEvent records a surplus returned to the caller after the destination
// call.
type RefundEvent struct {
	TransactionID common.Hash
	Token         common.Address
	Recipient     common.Address
	Amount        *big.Int
}

// EventType satisfies the events.Event interface.
func (RefundEvent) EventType() string { return EventTypeRefund }

// Event converts the payload into the broadcastable wire form.
func (e RefundEvent) Event() *types.Event {
	return &types.Event{Type: EventTypeRefund, Attributes: map[string]string{
		"txnId":     e.TransactionID.Hex(),
		"token":     attrAddress(e.Token),
		"recipient": attrAddress(e.Recipient),
		"amountWei": attrAmount(e.Amount),
	}}
}

// PauseUpdatedEvent records a kill-switch flip.
type PauseUpdatedEvent struct {
	Paused bool
	By     common.Address
}

// EventType satisfies the events.Event interface.
func (PauseUpdatedEvent) EventType() string { return EventTypePauseUpdated }

// Event converts the payload into the broadcastable wire form.
func (e PauseUpdatedEvent) Event() *types.Event {
	return &types.Event{Type: EventTypePauseUpdated, Attributes: map[string]string{
		"paused": strconv.FormatBool(e.Paused),
		"by":     attrAddress(e.By),
	}}
}

// RestrictionUpdatedEvent records a restriction toggle.
type RestrictionUpdatedEvent struct {
	Address    common.Address
	Restricted bool
	By         common.Address
}

// EventType satisfies the events.Event interface.
func (RestrictionUpdatedEvent) EventType() string { return EventTypeRestrictionUpdated }

// Event converts the payload into the broadcastable wire form.
func (e RestrictionUpdatedEvent) Event() *types.Event {
	return &types.Event{Type: EventTypeRestrictionUpdated, Attributes: map[string]string{
		"address":    attrAddress(e.Address),
		"restricted": strconv.FormatBool(e.Restricted),
		"by":         attrAddress(e.By),
	}}
}

// FeeInfoUpdatedEvent records a fee ledger write.
type FeeInfoUpdatedEvent struct {
	Scope     string
	ClientID  string
	Recipient common.Address
	FeeBps    uint32
	By        common.Address
}

// EventType satisfies the events.Event interface.
func (FeeInfoUpdatedEvent) EventType() string { return EventTypeFeeInfoUpdated }

// Event converts the payload into the broadcastable wire form.
func (e FeeInfoUpdatedEvent) Event() *types.Event {
	attrs := map[string]string{
		"scope":     e.Scope,
		"recipient": attrAddress(e.Recipient),
		"feeBps":    strconv.FormatUint(uint64(e.FeeBps), 10),
		"by":        attrAddress(e.By),
	}
	if e.ClientID != "" {
		attrs["clientId"] = e.ClientID
	}
	return &types.Event{Type: EventTypeFeeInfoUpdated, Attributes: attrs}
}

// RoleUpdatedEvent records a capability grant or revocation.
type RoleUpdatedEvent struct {
	Address    common.Address
	Capability Capability
	Granted    bool
	By         common.Address
}

// EventType satisfies the events.Event interface.
func (RoleUpdatedEvent) EventType() string { return EventTypeRoleUpdated }

// Event converts the payload into the broadcastable wire form.
func (e RoleUpdatedEvent) Event() *types.Event {
	return &types.Event{Type: EventTypeRoleUpdated, Attributes: map[string]string{
		"address":    attrAddress(e.Address),
		"capability": string(e.Capability),
		"granted":    strconv.FormatBool(e.Granted),
		"by":         attrAddress(e.By),
	}}
}

// WithdrawalEvent records an admin extraction of stranded custody balance.
type WithdrawalEvent struct {
	Token    common.Address
	Amount   *big.Int
	Receiver common.Address
	By       common.Address
}

// EventType satisfies the events.Event interface.
func (WithdrawalEvent) EventType() string { return EventTypeWithdrawal }

// Event converts the payload into the broadcastable wire form.
func (e WithdrawalEvent) Event() *types.Event {
	return &types.Event{Type: EventTypeWithdrawal, Attributes: map[string]string{
		"token":     attrAddress(e.Token),
		"amountWei": attrAmount(e.Amount),
		"receiver":  attrAddress(e.Receiver),
		"by":        attrAddress(e.By),
	}}
}
