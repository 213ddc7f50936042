package gateway

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// NativeToken is the sentinel address denoting the native settlement asset.
// It is deliberately distinct from the zero address so an uninitialised token
// field never reads as "native".
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

const (
	// BpsDenominator converts basis points to a fraction: 10_000 bps = 100%.
	BpsDenominator = 10_000
	// MaxProtocolFeeBps caps the platform fee at 3%.
	MaxProtocolFeeBps = 300
	// MaxDeveloperFeeBps caps each developer fee leg at 10%.
	MaxDeveloperFeeBps = 1_000
)

// Capability names an authorization set a principal can belong to.
type Capability string

const (
	// CapabilityOperator marks keys allowed to sign transaction requests.
	CapabilityOperator Capability = "operator"
	// CapabilityAdmin marks principals allowed to call the admin surface.
	CapabilityAdmin Capability = "admin"
	// CapabilityRelayer marks principals allowed to call the completion
	// entrypoint under the relayer policy.
	CapabilityRelayer Capability = "relayer"
)

// Valid reports whether the capability is one of the known sets.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityOperator, CapabilityAdmin, CapabilityRelayer:
		return true
	default:
		return false
	}
}

// FeePayout is one developer fee leg carried inside a signed request. Exactly
// one of FeeBps and FlatAmount is set: rate-based legs compute
// floor(amount*bps/10000), flat legs take FlatAmount regardless of the
// transaction amount.
type FeePayout struct {
	Recipient  common.Address
	FeeBps     uint32
	FlatAmount *big.Int
}

// Valid checks structural soundness of the leg.
func (p FeePayout) Valid() error {
	if p.Recipient == (common.Address{}) {
		return fmt.Errorf("%w: fee payout recipient", ErrZeroRecipient)
	}
	hasRate := p.FeeBps > 0
	hasFlat := p.FlatAmount != nil && p.FlatAmount.Sign() > 0
	if hasRate && hasFlat {
		return fmt.Errorf("%w: fee payout sets both rate and flat amount", ErrInvalidRequest)
	}
	if !hasRate && !hasFlat {
		return fmt.Errorf("%w: fee payout sets neither rate nor flat amount", ErrInvalidRequest)
	}
	if p.FlatAmount != nil && p.FlatAmount.Sign() < 0 {
		return fmt.Errorf("%w: negative flat fee", ErrInvalidRequest)
	}
	if p.FeeBps > MaxDeveloperFeeBps {
		return fmt.Errorf("%w: developer leg %d bps", ErrFeeRateTooHigh, p.FeeBps)
	}
	return nil
}

// Clone deep-copies the leg.
func (p FeePayout) Clone() FeePayout {
	out := FeePayout{Recipient: p.Recipient, FeeBps: p.FeeBps}
	if p.FlatAmount != nil {
		out.FlatAmount = new(big.Int).Set(p.FlatAmount)
	}
	return out
}

// FeeInfo is a stored fee ledger entry: who gets paid and at what rate.
type FeeInfo struct {
	Recipient common.Address
	FeeBps    uint32
}

// TransactionRequest is the signed, caller-supplied forwarding instruction.
// Every field participates in the signing digest; nothing here can change
// after the operator signs without invalidating the signature.
type TransactionRequest struct {
	// TransactionID is caller-chosen, globally unique, and consumed
	// write-once by the replay guard.
	TransactionID common.Hash
	// Token is the asset to move; NativeToken selects the native coin.
	Token common.Address
	// Amount is the value delivered to the destination net of fees.
	Amount *big.Int
	// ForwardAddress receives the call and the net value.
	ForwardAddress common.Address
	// SpenderAddress, when set, is granted the gateway's token allowance
	// during a contract call; it defaults to ForwardAddress. Destinations
	// whose pulling contract differs from the invoked contract need this.
	SpenderAddress common.Address
	// Expiry is the unix-seconds validity deadline.
	Expiry int64
	// ClientID attributes the transaction and keys the developer fee ledger.
	ClientID string
	// FeePayouts are the developer fee legs; empty defers to the stored
	// entry for ClientID.
	FeePayouts []FeePayout
	// ProtocolFeeBps overrides the stored protocol rate when nonzero.
	ProtocolFeeBps uint32
	// CallData is forwarded verbatim to the destination handler; empty
	// selects direct-transfer mode.
	CallData []byte
	// ExtraData is carried untouched for off-chain attribution.
	ExtraData []byte
}

// NewTransactionID derives a fresh 32-byte identifier from a random UUID.
func NewTransactionID() common.Hash {
	u := uuid.New()
	return common.BytesToHash(ethcrypto.Keccak256(u[:]))
}

// Spender resolves the effective allowance target.
func (r *TransactionRequest) Spender() common.Address {
	if r.SpenderAddress != (common.Address{}) {
		return r.SpenderAddress
	}
	return r.ForwardAddress
}

// IsNative reports whether the request moves the native coin.
func (r *TransactionRequest) IsNative() bool {
	return r.Token == NativeToken
}

// DirectTransfer reports whether the request is a plain value move with no
// destination payload.
func (r *TransactionRequest) DirectTransfer() bool {
	return len(r.CallData) == 0
}

// ValidateBasic checks everything that does not require gateway state.
func (r *TransactionRequest) ValidateBasic() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if r.TransactionID == (common.Hash{}) {
		return fmt.Errorf("%w: zero transaction id", ErrInvalidRequest)
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if r.Token == (common.Address{}) {
		return fmt.Errorf("%w: zero token address", ErrInvalidRequest)
	}
	if r.ForwardAddress == (common.Address{}) {
		return fmt.Errorf("%w: zero forward address", ErrInvalidRequest)
	}
	if r.Expiry <= 0 {
		return fmt.Errorf("%w: missing expiry", ErrInvalidRequest)
	}
	if r.ProtocolFeeBps > MaxProtocolFeeBps {
		return fmt.Errorf("%w: protocol %d bps", ErrFeeRateTooHigh, r.ProtocolFeeBps)
	}
	if err := ValidateClientID(r.ClientID); err != nil {
		return err
	}
	for i, leg := range r.FeePayouts {
		if err := leg.Valid(); err != nil {
			return fmt.Errorf("fee payout %d: %w", i, err)
		}
	}
	return nil
}

// maxClientIDLength bounds the attribution scope key.
const maxClientIDLength = 64

// ValidateClientID restricts scope keys to an unambiguous charset so the
// canonical signing payload stays injective. Empty is allowed and means
// "no client scope".
func ValidateClientID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > maxClientIDLength {
		return fmt.Errorf("%w: client id longer than %d bytes", ErrInvalidRequest, maxClientIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return fmt.Errorf("%w: client id contains %q", ErrInvalidRequest, r)
		}
	}
	return nil
}

// Clone deep-copies the request so engine internals never alias caller
// buffers.
func (r *TransactionRequest) Clone() *TransactionRequest {
	if r == nil {
		return nil
	}
	out := &TransactionRequest{
		TransactionID:  r.TransactionID,
		Token:          r.Token,
		ForwardAddress: r.ForwardAddress,
		SpenderAddress: r.SpenderAddress,
		Expiry:         r.Expiry,
		ClientID:       r.ClientID,
		ProtocolFeeBps: r.ProtocolFeeBps,
	}
	if r.Amount != nil {
		out.Amount = new(big.Int).Set(r.Amount)
	}
	if len(r.FeePayouts) > 0 {
		out.FeePayouts = make([]FeePayout, len(r.FeePayouts))
		for i, leg := range r.FeePayouts {
			out.FeePayouts[i] = leg.Clone()
		}
	}
	out.CallData = append([]byte(nil), r.CallData...)
	out.ExtraData = append([]byte(nil), r.ExtraData...)
	return out
}
