package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"payfwd/gateway"
	"payfwd/storage"
)

func (l *Ledger) persistNative(addr common.Address) error {
	raw, err := encodeAmount(bigOrZero(l.nativeBalance(addr)))
	if err != nil {
		return fmt.Errorf("persist balance %s: %w", addr.Hex(), err)
	}
	return l.db.Put(keyNative(addr), raw)
}

func (l *Ledger) persistToken(key tokenKey) error {
	raw, err := encodeAmount(bigOrZero(l.tokenBalance(key)))
	if err != nil {
		return fmt.Errorf("persist token balance %s/%s: %w", key.token.Hex(), key.holder.Hex(), err)
	}
	return l.db.Put(keyToken(key), raw)
}

func (l *Ledger) persistAllowance(key allowanceKey) error {
	raw, err := encodeAmount(bigOrZero(l.allowance(key)))
	if err != nil {
		return fmt.Errorf("persist allowance %s/%s/%s: %w",
			key.token.Hex(), key.owner.Hex(), key.spender.Hex(), err)
	}
	return l.db.Put(keyAllowance(key), raw)
}

func (l *Ledger) persistProtocolFee() error {
	info := gateway.FeeInfo{}
	if l.protocolFee != nil {
		info = *l.protocolFee
	}
	raw, err := encodeFeeInfo(info)
	if err != nil {
		return fmt.Errorf("persist protocol fee: %w", err)
	}
	return l.db.Put(keyProtocolFee, raw)
}

func (l *Ledger) persistClientFee(client string) error {
	raw, err := encodeFeeInfo(l.clientFees[client])
	if err != nil {
		return fmt.Errorf("persist client fee %q: %w", client, err)
	}
	return l.db.Put(keyClientFee(client), raw)
}

// load hydrates the in-memory maps from the database. Corrupted entries
// abort the load rather than being skipped.
func (l *Ledger) load() error {
	if err := l.loadAmounts(prefixNative, common.AddressLength, func(suffix []byte, v *big.Int) {
		l.native[common.BytesToAddress(suffix)] = v
	}); err != nil {
		return err
	}
	if err := l.loadAmounts(prefixToken, 2*common.AddressLength, func(suffix []byte, v *big.Int) {
		l.tokens[tokenKey{
			token:  common.BytesToAddress(suffix[:common.AddressLength]),
			holder: common.BytesToAddress(suffix[common.AddressLength:]),
		}] = v
	}); err != nil {
		return err
	}
	if err := l.loadAmounts(prefixAllowance, 3*common.AddressLength, func(suffix []byte, v *big.Int) {
		l.allowances[allowanceKey{
			token:   common.BytesToAddress(suffix[:common.AddressLength]),
			owner:   common.BytesToAddress(suffix[common.AddressLength : 2*common.AddressLength]),
			spender: common.BytesToAddress(suffix[2*common.AddressLength:]),
		}] = v
	}); err != nil {
		return err
	}

	var iterErr error
	err := l.db.Iterate(prefixProcessed, func(k, _ []byte) bool {
		suffix := k[len(prefixProcessed):]
		if len(suffix) != common.HashLength {
			iterErr = fmt.Errorf("malformed replay guard key %q", k)
			return false
		}
		l.processed[common.BytesToHash(suffix)] = struct{}{}
		return true
	})
	if err := firstErr(err, iterErr); err != nil {
		return err
	}

	err = l.db.Iterate(prefixClientFee, func(k, v []byte) bool {
		client := string(k[len(prefixClientFee):])
		info, decErr := decodeFeeInfo(v)
		if decErr != nil {
			iterErr = fmt.Errorf("client fee %q: %w", client, decErr)
			return false
		}
		l.clientFees[client] = info
		return true
	})
	if err := firstErr(err, iterErr); err != nil {
		return err
	}

	err = l.db.Iterate(prefixRestricted, func(k, v []byte) bool {
		suffix := k[len(prefixRestricted):]
		if len(suffix) != common.AddressLength {
			iterErr = fmt.Errorf("malformed restriction key %q", k)
			return false
		}
		l.restricted[common.BytesToAddress(suffix)] = len(v) == 1 && v[0] == 1
		return true
	})
	if err := firstErr(err, iterErr); err != nil {
		return err
	}

	err = l.db.Iterate(prefixCapability, func(k, v []byte) bool {
		suffix := k[len(prefixCapability):]
		sep := bytes.LastIndexByte(suffix, '/')
		if sep < 0 || len(suffix)-sep-1 != common.AddressLength {
			iterErr = fmt.Errorf("malformed capability key %q", k)
			return false
		}
		cap := gateway.Capability(suffix[:sep])
		addr := common.BytesToAddress(suffix[sep+1:])
		holders := l.caps[cap]
		if holders == nil {
			holders = make(map[common.Address]bool)
			l.caps[cap] = holders
		}
		holders[addr] = len(v) == 1 && v[0] == 1
		return true
	})
	if err := firstErr(err, iterErr); err != nil {
		return err
	}

	raw, err := l.db.Get(keyProtocolFee)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		info, decErr := decodeFeeInfo(raw)
		if decErr != nil {
			return fmt.Errorf("protocol fee: %w", decErr)
		}
		l.protocolFee = &info
	}

	raw, err = l.db.Get(keyPaused())
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		l.paused = len(raw) == 1 && raw[0] == 1
	}
	return nil
}

func (l *Ledger) loadAmounts(prefix []byte, suffixLen int, set func(suffix []byte, v *big.Int)) error {
	var iterErr error
	err := l.db.Iterate(prefix, func(k, v []byte) bool {
		suffix := k[len(prefix):]
		if len(suffix) != suffixLen {
			iterErr = fmt.Errorf("malformed key %q", k)
			return false
		}
		amount, decErr := decodeAmount(v)
		if decErr != nil {
			iterErr = fmt.Errorf("key %q: %w", k, decErr)
			return false
		}
		set(suffix, amount)
		return true
	})
	return firstErr(err, iterErr)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
