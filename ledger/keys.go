package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"payfwd/gateway"
)

// Key prefixes. Fixed-width segments (addresses, hashes) concatenate without
// separators; the variable-length client scope is always the final segment.
var (
	prefixNative     = []byte("acct/")
	prefixToken      = []byte("tok/")
	prefixAllowance  = []byte("alw/")
	prefixProcessed  = []byte("txn/")
	prefixClientFee  = []byte("fee/client/")
	prefixRestricted = []byte("rst/")
	prefixCapability = []byte("cap/")
	keyProtocolFee   = []byte("fee/protocol")
	keyPausedFlag    = []byte("meta/paused")
)

func keyNative(addr common.Address) []byte {
	return append(append([]byte{}, prefixNative...), addr.Bytes()...)
}

func keyToken(key tokenKey) []byte {
	out := append([]byte{}, prefixToken...)
	out = append(out, key.token.Bytes()...)
	return append(out, key.holder.Bytes()...)
}

func keyAllowance(key allowanceKey) []byte {
	out := append([]byte{}, prefixAllowance...)
	out = append(out, key.token.Bytes()...)
	out = append(out, key.owner.Bytes()...)
	return append(out, key.spender.Bytes()...)
}

func keyProcessed(txn common.Hash) []byte {
	return append(append([]byte{}, prefixProcessed...), txn.Bytes()...)
}

func keyClientFee(client string) []byte {
	return append(append([]byte{}, prefixClientFee...), client...)
}

func keyRestricted(addr common.Address) []byte {
	return append(append([]byte{}, prefixRestricted...), addr.Bytes()...)
}

func keyCapability(cap gateway.Capability, addr common.Address) []byte {
	out := append([]byte{}, prefixCapability...)
	out = append(out, cap...)
	out = append(out, '/')
	return append(out, addr.Bytes()...)
}

func keyPaused() []byte { return keyPausedFlag }

// storedAmount is the at-rest balance form: big-endian uint256 bytes inside
// an RLP envelope. Encoding rejects anything outside the unsigned 256-bit
// range so the persisted state always round-trips.
type storedAmount struct {
	Amount []byte
}

func encodeAmount(v *big.Int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 {
		return nil, ErrAmountInvalid
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return rlp.EncodeToBytes(&storedAmount{Amount: u.Bytes()})
}

func decodeAmount(raw []byte) (*big.Int, error) {
	var stored storedAmount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	return new(uint256.Int).SetBytes(stored.Amount).ToBig(), nil
}

// storedFeeInfo is the at-rest fee ledger entry.
type storedFeeInfo struct {
	Recipient []byte
	FeeBps    uint32
}

func encodeFeeInfo(info gateway.FeeInfo) ([]byte, error) {
	return rlp.EncodeToBytes(&storedFeeInfo{
		Recipient: info.Recipient.Bytes(),
		FeeBps:    info.FeeBps,
	})
}

func decodeFeeInfo(raw []byte) (gateway.FeeInfo, error) {
	var stored storedFeeInfo
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return gateway.FeeInfo{}, fmt.Errorf("decode fee info: %w", err)
	}
	return gateway.FeeInfo{
		Recipient: common.BytesToAddress(stored.Recipient),
		FeeBps:    stored.FeeBps,
	}, nil
}
