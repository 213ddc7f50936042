package gateway

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Versioned domain tags. Bumping a tag invalidates every outstanding
// signature of that kind, so they only change with the encoding itself.
const (
	requestDomainTag    = "payfwd-txn-v1"
	completionDomainTag = "payfwd-complete-v1"
	feePayoutFoldTag    = "payfwd-feepayout-v1"
)

// SignatureLength is the expected r||s||v signature size.
const SignatureLength = 65

// Domain binds signatures to a single gateway deployment: the same request
// signed for another chain or another gateway instance produces a different
// digest and cannot be replayed here.
type Domain struct {
	ChainID uint64
	Gateway common.Address
}

// hashFeePayouts folds the payout legs into one hash with a running
// accumulator: acc_0 = keccak(tag), acc_i = keccak(acc_{i-1} || keccak(leg_i)).
// Reordering, editing, adding, or removing any leg changes the result.
func hashFeePayouts(legs []FeePayout) common.Hash {
	acc := ethcrypto.Keccak256([]byte(feePayoutFoldTag))
	for _, leg := range legs {
		flat := "0"
		if leg.FlatAmount != nil {
			flat = leg.FlatAmount.String()
		}
		element := fmt.Sprintf("recipient=%s|bps=%d|flat=%s",
			strings.ToLower(leg.Recipient.Hex()), leg.FeeBps, flat)
		acc = ethcrypto.Keccak256(acc, ethcrypto.Keccak256([]byte(element)))
	}
	return common.BytesToHash(acc)
}

// RequestPayload renders the canonical, order-preserving pre-image for a
// transaction request. The string form is the cross-implementation contract:
// any signer producing the same payload bytes produces the same digest.
// Variable-length byte fields enter as keccak sub-hashes and the client scope
// is restricted to an unambiguous charset, keeping the encoding injective.
func (d Domain) RequestPayload(req *TransactionRequest) string {
	amount := "0"
	if req.Amount != nil {
		amount = req.Amount.String()
	}
	return fmt.Sprintf("%s|chain=%d|gateway=%s|txn=%s|token=%s|amount=%s|forward=%s|spender=%s|expiry=%d|client=%s|protocolBps=%d|payouts=%s|call=%s|extra=%s",
		requestDomainTag,
		d.ChainID,
		strings.ToLower(d.Gateway.Hex()),
		req.TransactionID.Hex(),
		strings.ToLower(req.Token.Hex()),
		amount,
		strings.ToLower(req.ForwardAddress.Hex()),
		strings.ToLower(req.Spender().Hex()),
		req.Expiry,
		req.ClientID,
		req.ProtocolFeeBps,
		hashFeePayouts(req.FeePayouts).Hex(),
		common.BytesToHash(ethcrypto.Keccak256(req.CallData)).Hex(),
		common.BytesToHash(ethcrypto.Keccak256(req.ExtraData)).Hex(),
	)
}

// RequestDigest hashes the canonical payload.
func (d Domain) RequestDigest(req *TransactionRequest) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256([]byte(d.RequestPayload(req))))
}

// CompletionPayload renders the canonical pre-image for a signed completion.
func (d Domain) CompletionPayload(clientID string, txnID common.Hash, token common.Address, amount *big.Int, receiver common.Address) string {
	amt := "0"
	if amount != nil {
		amt = amount.String()
	}
	return fmt.Sprintf("%s|chain=%d|gateway=%s|client=%s|txn=%s|token=%s|amount=%s|receiver=%s",
		completionDomainTag,
		d.ChainID,
		strings.ToLower(d.Gateway.Hex()),
		clientID,
		txnID.Hex(),
		strings.ToLower(token.Hex()),
		amt,
		strings.ToLower(receiver.Hex()),
	)
}

// CompletionDigest hashes the canonical completion payload.
func (d Domain) CompletionDigest(clientID string, txnID common.Hash, token common.Address, amount *big.Int, receiver common.Address) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256([]byte(d.CompletionPayload(clientID, txnID, token, amount, receiver))))
}

// SignRequest produces the 65-byte operator signature over the request
// digest.
func SignRequest(d Domain, req *TransactionRequest, key *ecdsa.PrivateKey) ([]byte, error) {
	if req == nil {
		return nil, errors.New("gateway: nil request")
	}
	if key == nil {
		return nil, errors.New("gateway: nil signing key")
	}
	digest := d.RequestDigest(req)
	return ethcrypto.Sign(digest[:], key)
}

// SignCompletion produces the 65-byte operator signature over a completion
// digest.
func SignCompletion(d Domain, clientID string, txnID common.Hash, token common.Address, amount *big.Int, receiver common.Address, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("gateway: nil signing key")
	}
	digest := d.CompletionDigest(clientID, txnID, token, amount, receiver)
	return ethcrypto.Sign(digest[:], key)
}

// recoverSigner recovers the signing address from a 65-byte signature over
// digest. Malformed signatures fail closed.
func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrVerificationFailed
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, ErrVerificationFailed
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if recovered == (common.Address{}) {
		return common.Address{}, ErrVerificationFailed
	}
	return recovered, nil
}

// RecoverRequestSigner returns the address whose key produced sig over the
// request digest.
func RecoverRequestSigner(d Domain, req *TransactionRequest, sig []byte) (common.Address, error) {
	return recoverSigner(d.RequestDigest(req), sig)
}
