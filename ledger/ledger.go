package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"payfwd/gateway"
	"payfwd/storage"
)

var (
	// ErrInsufficientBalance reports a debit larger than the account holds.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInsufficientAllowance reports a pull larger than the owner
	// approved for the spender.
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	// ErrAmountInvalid reports a nil or negative amount.
	ErrAmountInvalid = errors.New("ledger: invalid amount")
	// ErrAmountOverflow reports a balance that left the unsigned 256-bit
	// range and can no longer be persisted.
	ErrAmountOverflow = errors.New("ledger: amount exceeds 256 bits")
)

type tokenKey struct {
	token  common.Address
	holder common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Ledger is the gateway's mutable state: account and token balances,
// allowances, the replay guard, the fee ledger, restrictions, capability
// sets, and the pause flag. Every mutation is journaled so an entrypoint can
// snapshot on entry and revert wholesale on failure; Commit persists the
// dirty subset through a storage.Database.
//
// The ledger is not internally synchronized. The node serializes access,
// matching the atomic-per-call execution model.
type Ledger struct {
	db storage.Database

	native     map[common.Address]*big.Int
	tokens     map[tokenKey]*big.Int
	allowances map[allowanceKey]*big.Int

	processed   map[common.Hash]struct{}
	protocolFee *gateway.FeeInfo
	clientFees  map[string]gateway.FeeInfo
	restricted  map[common.Address]bool
	caps        map[gateway.Capability]map[common.Address]bool
	paused      bool

	journal []func()

	dirtyNative     map[common.Address]struct{}
	dirtyTokens     map[tokenKey]struct{}
	dirtyAllowances map[allowanceKey]struct{}
	dirtyProcessed  map[common.Hash]struct{}
	dirtyClientFees map[string]struct{}
	dirtyRestricted map[common.Address]struct{}
	dirtyCaps       map[capKey]struct{}
	dirtyProtocol   bool
	dirtyPaused     bool
}

type capKey struct {
	cap  gateway.Capability
	addr common.Address
}

// New creates a ledger over db and hydrates any previously persisted state.
func New(db storage.Database) (*Ledger, error) {
	l := &Ledger{
		db:         db,
		native:     make(map[common.Address]*big.Int),
		tokens:     make(map[tokenKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		processed:  make(map[common.Hash]struct{}),
		clientFees: make(map[string]gateway.FeeInfo),
		restricted: make(map[common.Address]bool),
		caps:       make(map[gateway.Capability]map[common.Address]bool),
	}
	l.resetDirty()
	if db != nil {
		if err := l.load(); err != nil {
			return nil, fmt.Errorf("ledger: load: %w", err)
		}
	}
	return l, nil
}

func (l *Ledger) resetDirty() {
	l.dirtyNative = make(map[common.Address]struct{})
	l.dirtyTokens = make(map[tokenKey]struct{})
	l.dirtyAllowances = make(map[allowanceKey]struct{})
	l.dirtyProcessed = make(map[common.Hash]struct{})
	l.dirtyClientFees = make(map[string]struct{})
	l.dirtyRestricted = make(map[common.Address]struct{})
	l.dirtyCaps = make(map[capKey]struct{})
	l.dirtyProtocol = false
	l.dirtyPaused = false
}

// Snapshot returns a journal position to revert to.
func (l *Ledger) Snapshot() int { return len(l.journal) }

// RevertToSnapshot unwinds every mutation recorded after the snapshot, in
// reverse order.
func (l *Ledger) RevertToSnapshot(id int) {
	if id < 0 || id > len(l.journal) {
		return
	}
	for i := len(l.journal) - 1; i >= id; i-- {
		l.journal[i]()
	}
	l.journal = l.journal[:id]
}

func (l *Ledger) record(undo func()) {
	l.journal = append(l.journal, undo)
}

// Commit persists every dirty entry and resets the journal. Snapshots never
// span commits: the node commits only after an entrypoint fully succeeds.
func (l *Ledger) Commit() error {
	if l.db == nil {
		l.journal = l.journal[:0]
		l.resetDirty()
		return nil
	}
	for addr := range l.dirtyNative {
		if err := l.persistNative(addr); err != nil {
			return err
		}
	}
	for key := range l.dirtyTokens {
		if err := l.persistToken(key); err != nil {
			return err
		}
	}
	for key := range l.dirtyAllowances {
		if err := l.persistAllowance(key); err != nil {
			return err
		}
	}
	for txn := range l.dirtyProcessed {
		if err := l.db.Put(keyProcessed(txn), []byte{1}); err != nil {
			return err
		}
	}
	if l.dirtyProtocol {
		if err := l.persistProtocolFee(); err != nil {
			return err
		}
	}
	for client := range l.dirtyClientFees {
		if err := l.persistClientFee(client); err != nil {
			return err
		}
	}
	for addr := range l.dirtyRestricted {
		if err := l.db.Put(keyRestricted(addr), boolByte(l.restricted[addr])); err != nil {
			return err
		}
	}
	for key := range l.dirtyCaps {
		granted := l.caps[key.cap][key.addr]
		if err := l.db.Put(keyCapability(key.cap, key.addr), boolByte(granted)); err != nil {
			return err
		}
	}
	if l.dirtyPaused {
		if err := l.db.Put(keyPaused(), boolByte(l.paused)); err != nil {
			return err
		}
	}
	l.journal = l.journal[:0]
	l.resetDirty()
	return nil
}

func boolByte(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
