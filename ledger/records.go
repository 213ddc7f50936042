package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"payfwd/gateway"
)

// MarkProcessed records the transaction id in the replay guard. It reports
// false when the id was already present; the mark is never cleared once
// committed.
func (l *Ledger) MarkProcessed(txnID common.Hash) (bool, error) {
	if _, ok := l.processed[txnID]; ok {
		return false, nil
	}
	l.record(func() {
		delete(l.processed, txnID)
		delete(l.dirtyProcessed, txnID)
	})
	l.processed[txnID] = struct{}{}
	l.dirtyProcessed[txnID] = struct{}{}
	return true, nil
}

// IsProcessed reports whether the transaction id has been consumed.
func (l *Ledger) IsProcessed(txnID common.Hash) (bool, error) {
	_, ok := l.processed[txnID]
	return ok, nil
}

// SetProtocolFee replaces the stored protocol fee configuration.
func (l *Ledger) SetProtocolFee(info gateway.FeeInfo) error {
	prev := l.protocolFee
	l.record(func() {
		l.protocolFee = prev
	})
	stored := info
	l.protocolFee = &stored
	l.dirtyProtocol = true
	return nil
}

// ProtocolFee returns the stored protocol fee configuration and whether one
// has been set.
func (l *Ledger) ProtocolFee() (gateway.FeeInfo, bool, error) {
	if l.protocolFee == nil {
		return gateway.FeeInfo{}, false, nil
	}
	return *l.protocolFee, true, nil
}

// SetClientFee replaces the developer fee configuration for a client id.
func (l *Ledger) SetClientFee(clientID string, info gateway.FeeInfo) error {
	prev, had := l.clientFees[clientID]
	l.record(func() {
		if !had {
			delete(l.clientFees, clientID)
			return
		}
		l.clientFees[clientID] = prev
	})
	l.clientFees[clientID] = info
	l.dirtyClientFees[clientID] = struct{}{}
	return nil
}

// ClientFee returns the stored developer fee configuration for a client id
// and whether one has been set.
func (l *Ledger) ClientFee(clientID string) (gateway.FeeInfo, bool, error) {
	info, ok := l.clientFees[clientID]
	return info, ok, nil
}

// SetPaused toggles the global pause flag.
func (l *Ledger) SetPaused(paused bool) error {
	prev := l.paused
	l.record(func() {
		l.paused = prev
	})
	l.paused = paused
	l.dirtyPaused = true
	return nil
}

// Paused reports the global pause flag.
func (l *Ledger) Paused() (bool, error) {
	return l.paused, nil
}

// SetRestricted updates the per-address restriction flag.
func (l *Ledger) SetRestricted(addr common.Address, restricted bool) error {
	prev, had := l.restricted[addr]
	l.record(func() {
		if !had {
			delete(l.restricted, addr)
			return
		}
		l.restricted[addr] = prev
	})
	l.restricted[addr] = restricted
	l.dirtyRestricted[addr] = struct{}{}
	return nil
}

// IsRestricted reports whether addr is barred from participating in
// transfers.
func (l *Ledger) IsRestricted(addr common.Address) (bool, error) {
	return l.restricted[addr], nil
}

// SetCapability grants or revokes a capability for addr.
func (l *Ledger) SetCapability(addr common.Address, cap gateway.Capability, granted bool) error {
	holders := l.caps[cap]
	if holders == nil {
		holders = make(map[common.Address]bool)
		l.caps[cap] = holders
	}
	prev, had := holders[addr]
	l.record(func() {
		if !had {
			delete(holders, addr)
			return
		}
		holders[addr] = prev
	})
	holders[addr] = granted
	l.dirtyCaps[capKey{cap: cap, addr: addr}] = struct{}{}
	return nil
}

// HasCapability reports whether addr currently holds the capability.
func (l *Ledger) HasCapability(addr common.Address, cap gateway.Capability) (bool, error) {
	return l.caps[cap][addr], nil
}

// CapabilityCount returns the number of addresses currently holding the
// capability.
func (l *Ledger) CapabilityCount(cap gateway.Capability) (int, error) {
	count := 0
	for _, granted := range l.caps[cap] {
		if granted {
			count++
		}
	}
	return count, nil
}
