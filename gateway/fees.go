package gateway

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// feeLeg is one resolved fee transfer: who gets how much, and why.
type feeLeg struct {
	scope     string
	clientID  string
	recipient common.Address
	feeBps    uint32
	amount    *big.Int
}

// FeeByBps computes floor(amount * bps / 10_000). Floor division is load
// bearing: off-chain accounting assumes truncation, so the sum of
// independently floored legs may undershoot the nominal combined rate and
// must never be "corrected" upward.
func FeeByBps(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return fee.Div(fee, big.NewInt(BpsDenominator))
}

// resolveFees turns the request plus the stored fee ledger into concrete
// legs. The protocol leg's rate comes from the request when nonzero (it is
// signed), else from the stored entry; its recipient is always the stored
// entry. Developer legs come from the request, falling back to the stored
// per-client entry when the request carries none. Zero-amount legs drop out.
func (e *Engine) resolveFees(req *TransactionRequest) ([]feeLeg, *big.Int, error) {
	var legs []feeLeg

	protocol, hasProtocol, err := e.state.ProtocolFee()
	if err != nil {
		return nil, nil, fmt.Errorf("protocol fee lookup: %w", err)
	}
	protocolBps := req.ProtocolFeeBps
	if protocolBps == 0 && hasProtocol {
		protocolBps = protocol.FeeBps
	}
	if protocolBps > MaxProtocolFeeBps {
		return nil, nil, fmt.Errorf("%w: protocol %d bps", ErrFeeRateTooHigh, protocolBps)
	}
	if hasProtocol && protocol.Recipient != (common.Address{}) && protocolBps > 0 {
		if amount := FeeByBps(req.Amount, protocolBps); amount.Sign() > 0 {
			legs = append(legs, feeLeg{
				scope:     FeeScopeProtocol,
				recipient: protocol.Recipient,
				feeBps:    protocolBps,
				amount:    amount,
			})
		}
	}

	payouts := req.FeePayouts
	if len(payouts) == 0 && req.ClientID != "" {
		stored, ok, err := e.state.ClientFee(req.ClientID)
		if err != nil {
			return nil, nil, fmt.Errorf("client fee lookup: %w", err)
		}
		if ok && stored.Recipient != (common.Address{}) && stored.FeeBps > 0 {
			payouts = []FeePayout{{Recipient: stored.Recipient, FeeBps: stored.FeeBps}}
		}
	}
	for i, payout := range payouts {
		if payout.FeeBps > MaxDeveloperFeeBps {
			return nil, nil, fmt.Errorf("%w: developer leg %d at %d bps", ErrFeeRateTooHigh, i, payout.FeeBps)
		}
		var amount *big.Int
		if payout.FeeBps > 0 {
			amount = FeeByBps(req.Amount, payout.FeeBps)
		} else {
			amount = new(big.Int)
			if payout.FlatAmount != nil {
				amount.Set(payout.FlatAmount)
			}
		}
		if amount.Sign() <= 0 {
			continue
		}
		legs = append(legs, feeLeg{
			scope:     FeeScopeDeveloper,
			clientID:  req.ClientID,
			recipient: payout.Recipient,
			feeBps:    payout.FeeBps,
			amount:    amount,
		})
	}

	total := new(big.Int)
	for _, leg := range legs {
		total.Add(total, leg.amount)
	}
	if total.Cmp(req.Amount) > 0 {
		return nil, nil, fmt.Errorf("%w: fees %s exceed amount %s", ErrMismatchedValue, total, req.Amount)
	}
	return legs, total, nil
}

// distributeFees pays every resolved leg immediately and queues its payout
// event. Native legs draw from gateway custody (the attached value has
// already arrived there); token legs pull from the caller's allowance on top
// of the forwarded amount. Any leg failing aborts the whole transaction.
func (e *Engine) distributeFees(caller common.Address, req *TransactionRequest, legs []feeLeg) error {
	for _, leg := range legs {
		var err error
		if req.IsNative() {
			err = e.state.NativeTransfer(e.domain.Gateway, leg.recipient, leg.amount)
		} else {
			err = e.state.TokenTransferFrom(req.Token, caller, e.domain.Gateway, leg.recipient, leg.amount)
		}
		if err != nil {
			return fmt.Errorf("%s fee leg: %w", leg.scope, err)
		}
		e.queue(FeePayoutEvent{
			TransactionID: req.TransactionID,
			Scope:         leg.scope,
			Payer:         caller,
			Recipient:     leg.recipient,
			Token:         req.Token,
			Amount:        new(big.Int).Set(leg.amount),
			FeeBps:        leg.feeBps,
			ClientID:      leg.clientID,
		})
	}
	return nil
}
