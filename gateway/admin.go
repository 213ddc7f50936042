package gateway

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrLastAdmin guards against revoking the only admin and locking the
// instance out of its own admin surface.
var ErrLastAdmin = errors.New("gateway: cannot revoke the last admin")

// adminOp wraps an admin mutation in the capability check, the reentrancy
// guard, and snapshot/flush semantics shared by the whole surface.
func (e *Engine) adminOp(caller common.Address, fn func() error) error {
	if e.state == nil {
		return errNilState
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := e.requireCapability(caller, CapabilityAdmin); err != nil {
		return err
	}
	snapshot := e.state.Snapshot()
	if err := fn(); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	e.flush()
	return nil
}

// SetPaused flips the global kill switch.
func (e *Engine) SetPaused(caller common.Address, paused bool) error {
	return e.adminOp(caller, func() error {
		if err := e.state.SetPaused(paused); err != nil {
			return err
		}
		e.queue(PauseUpdatedEvent{Paused: paused, By: caller})
		return nil
	})
}

// RestrictAddress toggles blocklist membership for an address.
func (e *Engine) RestrictAddress(caller, addr common.Address, restricted bool) error {
	return e.adminOp(caller, func() error {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: cannot restrict the zero address", ErrInvalidRequest)
		}
		if err := e.state.SetRestricted(addr, restricted); err != nil {
			return err
		}
		e.queue(RestrictionUpdatedEvent{Address: addr, Restricted: restricted, By: caller})
		return nil
	})
}

// SetProtocolFeeInfo updates the global protocol fee entry.
func (e *Engine) SetProtocolFeeInfo(caller common.Address, info FeeInfo) error {
	return e.adminOp(caller, func() error {
		if info.Recipient == (common.Address{}) {
			return ErrZeroRecipient
		}
		if info.FeeBps > MaxProtocolFeeBps {
			return fmt.Errorf("%w: protocol %d bps", ErrFeeRateTooHigh, info.FeeBps)
		}
		if err := e.state.SetProtocolFee(info); err != nil {
			return err
		}
		e.queue(FeeInfoUpdatedEvent{
			Scope:     FeeScopeProtocol,
			Recipient: info.Recipient,
			FeeBps:    info.FeeBps,
			By:        caller,
		})
		return nil
	})
}

// SetFeeInfo updates the developer fee entry for a client scope.
func (e *Engine) SetFeeInfo(caller common.Address, clientID string, info FeeInfo) error {
	return e.adminOp(caller, func() error {
		if clientID == "" {
			return fmt.Errorf("%w: empty client id", ErrInvalidRequest)
		}
		if err := ValidateClientID(clientID); err != nil {
			return err
		}
		if info.Recipient == (common.Address{}) {
			return ErrZeroRecipient
		}
		if info.FeeBps > MaxDeveloperFeeBps {
			return fmt.Errorf("%w: developer %d bps", ErrFeeRateTooHigh, info.FeeBps)
		}
		if err := e.state.SetClientFee(clientID, info); err != nil {
			return err
		}
		e.queue(FeeInfoUpdatedEvent{
			Scope:     FeeScopeDeveloper,
			ClientID:  clientID,
			Recipient: info.Recipient,
			FeeBps:    info.FeeBps,
			By:        caller,
		})
		return nil
	})
}

// Withdraw extracts stranded custody balance to the admin caller.
func (e *Engine) Withdraw(caller common.Address, token common.Address, amount *big.Int) error {
	return e.WithdrawTo(caller, token, amount, caller)
}

// WithdrawTo extracts stranded custody balance to an explicit receiver.
// Assets end up stranded when a destination refunds asynchronously, after
// the original call already reconciled.
func (e *Engine) WithdrawTo(caller common.Address, token common.Address, amount *big.Int, receiver common.Address) error {
	return e.adminOp(caller, func() error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrZeroAmount
		}
		if receiver == (common.Address{}) {
			return ErrZeroRecipient
		}
		restricted, err := e.state.IsRestricted(receiver)
		if err != nil {
			return fmt.Errorf("restriction lookup: %w", err)
		}
		if restricted {
			return fmt.Errorf("%w: %s", ErrAddressRestricted, receiver.Hex())
		}
		if token == NativeToken {
			err = e.state.NativeTransfer(e.domain.Gateway, receiver, amount)
		} else {
			err = e.state.TokenTransfer(token, e.domain.Gateway, receiver, amount)
		}
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		e.queue(WithdrawalEvent{
			Token:    token,
			Amount:   new(big.Int).Set(amount),
			Receiver: receiver,
			By:       caller,
		})
		return nil
	})
}

// SetCapability grants or revokes a capability for a principal. Revoking the
// final admin is rejected so the surface cannot orphan itself.
func (e *Engine) SetCapability(caller, addr common.Address, cap Capability, granted bool) error {
	return e.adminOp(caller, func() error {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: zero principal", ErrInvalidRequest)
		}
		if !cap.Valid() {
			return fmt.Errorf("%w: unknown capability %q", ErrInvalidRequest, cap)
		}
		if cap == CapabilityAdmin && !granted {
			holds, err := e.state.HasCapability(addr, CapabilityAdmin)
			if err != nil {
				return fmt.Errorf("capability lookup: %w", err)
			}
			if holds {
				count, err := e.state.CapabilityCount(CapabilityAdmin)
				if err != nil {
					return fmt.Errorf("capability count: %w", err)
				}
				if count <= 1 {
					return ErrLastAdmin
				}
			}
		}
		if err := e.state.SetCapability(addr, cap, granted); err != nil {
			return err
		}
		e.queue(RoleUpdatedEvent{Address: addr, Capability: cap, Granted: granted, By: caller})
		return nil
	})
}
