package gateway

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Verify checks a request and its operator signature without mutating state.
// It returns the recovered operator address when every condition holds:
// the request has not expired, its transaction ID is unconsumed, and the
// signature recovers to a principal holding the operator capability.
//
// The checks run in spec order so callers see the most actionable error:
// expiry, then replay, then signature.
func (e *Engine) Verify(req *TransactionRequest, sig []byte) (common.Address, error) {
	if e.state == nil {
		return common.Address{}, errNilState
	}
	if err := req.ValidateBasic(); err != nil {
		return common.Address{}, err
	}
	if req.Expiry < e.now() {
		return common.Address{}, fmt.Errorf("%w: expired at %d", ErrRequestExpired, req.Expiry)
	}
	processed, err := e.state.IsProcessed(req.TransactionID)
	if err != nil {
		return common.Address{}, fmt.Errorf("replay guard: %w", err)
	}
	if processed {
		return common.Address{}, ErrAlreadyProcessed
	}
	operator, err := RecoverRequestSigner(e.domain, req, sig)
	if err != nil {
		return common.Address{}, err
	}
	if err := e.requireCapability(operator, CapabilityOperator); err != nil {
		// An unknown signer and a forged signature are indistinguishable
		// to callers; both fail closed the same way.
		return common.Address{}, ErrVerificationFailed
	}
	return operator, nil
}

// verifyCompletion authorizes a completion call under the configured policy.
func (e *Engine) verifyCompletion(caller common.Address, clientID string, txnID common.Hash, token common.Address, amount *big.Int, receiver common.Address, sig []byte) error {
	switch e.policy {
	case CompletionPolicyOpen:
		return nil
	case CompletionPolicySignature:
		digest := e.domain.CompletionDigest(clientID, txnID, token, amount, receiver)
		signer, err := recoverSigner(digest, sig)
		if err != nil {
			return err
		}
		ok, err := e.state.HasCapability(signer, CapabilityOperator)
		if err != nil {
			return fmt.Errorf("capability lookup: %w", err)
		}
		if !ok {
			return ErrVerificationFailed
		}
		return nil
	default: // CompletionPolicyRelayer
		return e.requireCapability(caller, CapabilityRelayer)
	}
}

// requireCapability fails with ErrUnauthorized unless the principal belongs
// to the capability set.
func (e *Engine) requireCapability(principal common.Address, cap Capability) error {
	if e.state == nil {
		return errNilState
	}
	ok, err := e.state.HasCapability(principal, cap)
	if err != nil {
		return fmt.Errorf("capability lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s needs %s", ErrUnauthorized, principal.Hex(), cap)
	}
	return nil
}
