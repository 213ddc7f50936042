package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrAmountInvalid
	}
	return nil
}

// --- native balances ---

func (l *Ledger) nativeBalance(addr common.Address) *big.Int {
	if bal, ok := l.native[addr]; ok {
		return bal
	}
	return nil
}

func (l *Ledger) setNativeBalance(addr common.Address, value *big.Int) {
	prev := l.nativeBalance(addr)
	var prevCopy *big.Int
	if prev != nil {
		prevCopy = new(big.Int).Set(prev)
	}
	l.record(func() {
		if prevCopy == nil {
			delete(l.native, addr)
			return
		}
		l.native[addr] = prevCopy
	})
	l.native[addr] = new(big.Int).Set(value)
	l.dirtyNative[addr] = struct{}{}
}

// NativeBalance returns a copy of the native balance for addr.
func (l *Ledger) NativeBalance(addr common.Address) (*big.Int, error) {
	if bal := l.nativeBalance(addr); bal != nil {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

// NativeTransfer moves native value between accounts. Zero-value transfers
// succeed without touching state.
func (l *Ledger) NativeTransfer(from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromBal := l.nativeBalance(from)
	if fromBal == nil || fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), bigOrZero(fromBal), amount)
	}
	toBal := l.nativeBalance(to)
	l.setNativeBalance(from, new(big.Int).Sub(fromBal, amount))
	l.setNativeBalance(to, new(big.Int).Add(bigOrZero(toBal), amount))
	return nil
}

// MintNative credits freshly issued native value to addr. Used by genesis
// seeding and tests; the gateway engine itself never mints.
func (l *Ledger) MintNative(addr common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal := bigOrZero(l.nativeBalance(addr))
	l.setNativeBalance(addr, new(big.Int).Add(bal, amount))
	return nil
}

// --- token balances ---

func (l *Ledger) tokenBalance(key tokenKey) *big.Int {
	if bal, ok := l.tokens[key]; ok {
		return bal
	}
	return nil
}

func (l *Ledger) setTokenBalance(key tokenKey, value *big.Int) {
	prev := l.tokenBalance(key)
	var prevCopy *big.Int
	if prev != nil {
		prevCopy = new(big.Int).Set(prev)
	}
	l.record(func() {
		if prevCopy == nil {
			delete(l.tokens, key)
			return
		}
		l.tokens[key] = prevCopy
	})
	l.tokens[key] = new(big.Int).Set(value)
	l.dirtyTokens[key] = struct{}{}
}

// TokenBalance returns a copy of addr's balance of token.
func (l *Ledger) TokenBalance(token, addr common.Address) (*big.Int, error) {
	if bal := l.tokenBalance(tokenKey{token: token, holder: addr}); bal != nil {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

// TokenTransfer moves tokens between holders without touching allowances.
func (l *Ledger) TokenTransfer(token, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromKey := tokenKey{token: token, holder: from}
	fromBal := l.tokenBalance(fromKey)
	if fromBal == nil || fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			ErrInsufficientBalance, from.Hex(), bigOrZero(fromBal), token.Hex(), amount)
	}
	toKey := tokenKey{token: token, holder: to}
	toBal := l.tokenBalance(toKey)
	l.setTokenBalance(fromKey, new(big.Int).Sub(fromBal, amount))
	l.setTokenBalance(toKey, new(big.Int).Add(bigOrZero(toBal), amount))
	return nil
}

// TokenTransferFrom moves owner's tokens to the destination on the
// spender's authority, consuming allowance unless the owner is acting for
// itself.
func (l *Ledger) TokenTransferFrom(token, owner, spender, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if owner != spender {
		key := allowanceKey{token: token, owner: owner, spender: spender}
		allowed := l.allowance(key)
		if allowed == nil || allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s allows %s %s of %s, needs %s",
				ErrInsufficientAllowance, owner.Hex(), spender.Hex(), bigOrZero(allowed), token.Hex(), amount)
		}
		l.setAllowance(key, new(big.Int).Sub(allowed, amount))
	}
	return l.TokenTransfer(token, owner, to, amount)
}

// MintToken credits freshly issued tokens to addr. Genesis and test helper.
func (l *Ledger) MintToken(token, addr common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	key := tokenKey{token: token, holder: addr}
	bal := bigOrZero(l.tokenBalance(key))
	l.setTokenBalance(key, new(big.Int).Add(bal, amount))
	return nil
}

// --- allowances ---

func (l *Ledger) allowance(key allowanceKey) *big.Int {
	if v, ok := l.allowances[key]; ok {
		return v
	}
	return nil
}

func (l *Ledger) setAllowance(key allowanceKey, value *big.Int) {
	prev := l.allowance(key)
	var prevCopy *big.Int
	if prev != nil {
		prevCopy = new(big.Int).Set(prev)
	}
	l.record(func() {
		if prevCopy == nil {
			delete(l.allowances, key)
			return
		}
		l.allowances[key] = prevCopy
	})
	l.allowances[key] = new(big.Int).Set(value)
	l.dirtyAllowances[key] = struct{}{}
}

// SetTokenAllowance sets (not adjusts) the amount spender may pull from
// owner.
func (l *Ledger) SetTokenAllowance(token, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.setAllowance(allowanceKey{token: token, owner: owner, spender: spender}, amount)
	return nil
}

// TokenAllowance returns a copy of the remaining allowance.
func (l *Ledger) TokenAllowance(token, owner, spender common.Address) (*big.Int, error) {
	if v := l.allowance(allowanceKey{token: token, owner: owner, spender: spender}); v != nil {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
