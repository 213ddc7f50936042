package core

import (
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"payfwd/config"
	"payfwd/core/events"
	"payfwd/gateway"
	"payfwd/ledger"
	"payfwd/observability"
	"payfwd/storage"

	"github.com/ethereum/go-ethereum/common"
)

// Node is the central controller, wiring the ledger, forwarding engine, and
// event bus into one serialized execution lane. Every entrypoint commits or
// reverts as a unit; events reach the bus only after the ledger write is
// durable.
type Node struct {
	db      storage.Database
	ledger  *ledger.Ledger
	engine  *gateway.Engine
	bus     *events.Bus
	relay   *busRelay
	log     *slog.Logger
	metrics *observability.GatewayMetrics

	mu sync.Mutex
}

// busRelay buffers engine events between entrypoint success and ledger commit
// so nothing reaches subscribers for work that failed to persist.
type busRelay struct {
	queued []events.Event
}

func (r *busRelay) Emit(evt events.Event) { r.queued = append(r.queued, evt) }

func (r *busRelay) reset() { r.queued = r.queued[:0] }

// NewNode opens the ledger against the supplied database and binds a fresh
// engine to the signing domain.
func NewNode(db storage.Database, domain gateway.Domain, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	led, err := ledger.New(db)
	if err != nil {
		return nil, err
	}

	relay := &busRelay{}
	engine := gateway.NewEngine(domain)
	engine.SetState(led)
	engine.SetEmitter(relay)

	return &Node{
		db:      db,
		ledger:  led,
		engine:  engine,
		bus:     events.NewBus(0),
		relay:   relay,
		log:     logger.With("component", "node"),
		metrics: observability.Gateway(),
	}, nil
}

// Bus exposes the event stream for websocket fan-out, indexing, and webhook
// delivery.
func (n *Node) Bus() *events.Bus { return n.bus }

// Forwarder exposes the handler registry so embedding applications can mount
// destination contracts.
func (n *Node) Forwarder() *gateway.Forwarder { return n.engine.Forwarder() }

// ChainID returns the signing domain's chain identifier.
func (n *Node) ChainID() uint64 { return n.engine.Domain().ChainID }

// GatewayAddress returns the custody address requests are signed against.
func (n *Node) GatewayAddress() common.Address { return n.engine.GatewayAddress() }

// SetCompletionPolicy switches how completions are authorized.
func (n *Node) SetCompletionPolicy(policy gateway.CompletionPolicy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.SetCompletionPolicy(policy)
}

// Close tears down the event bus. The database is owned by the caller.
func (n *Node) Close() {
	n.bus.Close()
}

// SeedPolicy applies the startup policy directly to the ledger: fee routing,
// restrictions, and capability grants. It runs before the RPC surface is up,
// which is what makes the unauthenticated writes safe.
func (n *Node) SeedPolicy(policy config.Policy) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	snapshot := n.ledger.Snapshot()
	if err := n.seedPolicy(policy); err != nil {
		n.ledger.RevertToSnapshot(snapshot)
		return err
	}
	if err := n.ledger.Commit(); err != nil {
		return err
	}

	n.log.Info("policy seeded",
		"fees", len(policy.ClientFees),
		"restrictions", len(policy.Restrictions),
		"roles", len(policy.Roles))
	return nil
}

func (n *Node) seedPolicy(policy config.Policy) error {
	if policy.ProtocolFee != nil {
		info := gateway.FeeInfo{Recipient: policy.ProtocolFee.Recipient, FeeBps: policy.ProtocolFee.FeeBps}
		if err := n.ledger.SetProtocolFee(info); err != nil {
			return err
		}
	}
	for _, entry := range policy.ClientFees {
		info := gateway.FeeInfo{Recipient: entry.Recipient, FeeBps: entry.FeeBps}
		if err := n.ledger.SetClientFee(entry.ClientID, info); err != nil {
			return err
		}
	}
	for _, addr := range policy.Restrictions {
		if err := n.ledger.SetRestricted(addr, true); err != nil {
			return err
		}
	}
	for _, role := range policy.Roles {
		if err := n.ledger.SetCapability(role.Address, role.Capability, true); err != nil {
			return err
		}
	}
	return nil
}

// InitiateTransaction verifies and executes a signed forwarding request.
func (n *Node) InitiateTransaction(caller common.Address, valueWei *big.Int, req *gateway.TransactionRequest, sig []byte) (*gateway.InitiateResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	started := time.Now()
	result, err := n.engine.InitiateTransaction(caller, valueWei, req, sig)
	if err := n.finish("initiate", started, err); err != nil {
		n.log.Warn("initiate rejected",
			"caller", hexAddr(caller),
			"reason", reasonForError(err),
			"error", err.Error())
		return nil, err
	}

	n.log.Info("transaction initiated",
		"txn_id", result.TransactionID.Hex(),
		"caller", hexAddr(caller),
		"token", hexAddr(req.Token),
		"amount_wei", req.Amount.String(),
		"client_id", req.ClientID)
	return result, nil
}

// CompleteTransfer settles a pending transfer on the destination side.
func (n *Node) CompleteTransfer(caller common.Address, valueWei *big.Int, clientID string, txnID common.Hash, token common.Address, amount *big.Int, receiver common.Address, sig []byte) (*gateway.CompleteResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	started := time.Now()
	result, err := n.engine.CompleteTransfer(caller, valueWei, clientID, txnID, token, amount, receiver, sig)
	if err := n.finish("complete", started, err); err != nil {
		n.log.Warn("completion rejected",
			"txn_id", txnID.Hex(),
			"caller", hexAddr(caller),
			"reason", reasonForError(err),
			"error", err.Error())
		return nil, err
	}

	n.log.Info("transfer completed",
		"txn_id", result.TransactionID.Hex(),
		"caller", hexAddr(caller),
		"receiver", hexAddr(receiver),
		"amount_wei", amount.String(),
		"client_id", clientID)
	return result, nil
}

// SetPaused toggles the gateway-wide pause guard.
func (n *Node) SetPaused(caller common.Address, paused bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	started := time.Now()
	err := n.engine.SetPaused(caller, paused)
	if err := n.finish("set_paused", started, err); err != nil {
		return err
	}
	n.metrics.SetPause(paused)
	n.log.Info("pause updated", "caller", hexAddr(caller), "reason", pauseReason(paused))
	return nil
}

// RestrictAddress adds or removes an address from the restriction list.
func (n *Node) RestrictAddress(caller, addr common.Address, restricted bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	started := time.Now()
	err := n.engine.RestrictAddress(caller, addr, restricted)
	if err := n.finish("restrict", started, err); err != nil {
		return err
	}
	n.log.Info("restriction updated", "caller", hexAddr(caller), "address", hexAddr(addr))
	return nil
}

// SetProtocolFeeInfo updates the platform fee routing.
func (n *Node) SetProtocolFeeInfo(caller common.Address, info gateway.FeeInfo) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	started := time.Now()
	err := n.engine.SetProtocolFeeInfo(caller, info)
	if err := n.finish("set_fee", started, err); err != nil {
		return err
	}
	n.log.Info("protocol fee updated", "caller", hexAddr(caller))
	return nil
}

// SetFeeInfo updates the stored developer fee for a client scope.
func (n *Node) SetFeeInfo(caller common.Address, clientID string, info gateway.FeeInfo) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	started := time.Now()
	err := n.engine.SetFeeInfo(caller, clientID, info)
	if err := n.finish("set_fee", started, err); err != nil {
		return err
	}
	n.log.Info("client fee updated", "caller", hexAddr(caller), "client_id", clientID)
	return nil
}

// Withdraw moves accumulated custody funds to the admin caller.
func (n *Node) Withdraw(caller common.Address, token common.Address, amount *big.Int) error {
	return n.WithdrawTo(caller, token, amount, caller)
}

// WithdrawTo moves accumulated custody funds to an explicit receiver.
func (n *Node) WithdrawTo(caller common.Address, token common.Address, amount *big.Int, receiver common.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	started := time.Now()
	err := n.engine.WithdrawTo(caller, token, amount, receiver)
	if err := n.finish("withdraw", started, err); err != nil {
		return err
	}
	n.log.Info("custody withdrawal",
		"caller", hexAddr(caller),
		"token", hexAddr(token),
		"receiver", hexAddr(receiver),
		"amount_wei", amount.String())
	return nil
}

// SetCapability grants or revokes a capability for a principal.
func (n *Node) SetCapability(caller, addr common.Address, capability gateway.Capability, granted bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	started := time.Now()
	err := n.engine.SetCapability(caller, addr, capability, granted)
	if err := n.finish("set_capability", started, err); err != nil {
		return err
	}
	n.log.Info("capability updated",
		"caller", hexAddr(caller),
		"address", hexAddr(addr),
		"capability", string(capability))
	return nil
}

// IsProcessed reports whether a transaction ID has been consumed.
func (n *Node) IsProcessed(txnID common.Hash) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.IsProcessed(txnID)
}

// ProtocolFeeInfo returns the stored platform fee entry.
func (n *Node) ProtocolFeeInfo() (gateway.FeeInfo, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ProtocolFeeInfo()
}

// FeeInfo returns the stored developer fee entry for a client scope.
func (n *Node) FeeInfo(clientID string) (gateway.FeeInfo, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.FeeInfo(clientID)
}

// Paused reports whether the pause guard is engaged.
func (n *Node) Paused() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Paused()
}

// IsRestricted reports whether an address is on the restriction list.
func (n *Node) IsRestricted(addr common.Address) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.IsRestricted(addr)
}

// HasCapability reports whether a principal holds a capability.
func (n *Node) HasCapability(addr common.Address, capability gateway.Capability) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.HasCapability(addr, capability)
}

// BalanceOf returns the native or token balance of an address.
func (n *Node) BalanceOf(token, addr common.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.BalanceOf(token, addr)
}

// Approve sets (not adjusts) the amount spender may pull from the caller's
// token balance. The gateway address is the usual spender: completions and
// token initiations pull funds through this allowance.
func (n *Node) Approve(caller, token, spender common.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ledger.SetTokenAllowance(token, caller, spender, amount); err != nil {
		return err
	}
	if err := n.ledger.Commit(); err != nil {
		return err
	}
	n.log.Info("allowance set",
		"owner", hexAddr(caller),
		"spender", hexAddr(spender),
		"token", hexAddr(token),
		"amount_wei", amount.String())
	return nil
}

// Allowance returns the amount spender may still pull from owner.
func (n *Node) Allowance(token, owner, spender common.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.TokenAllowance(token, owner, spender)
}

// MintNative credits a native balance. Genesis and test helper.
func (n *Node) MintNative(addr common.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ledger.MintNative(addr, amount); err != nil {
		return err
	}
	return n.ledger.Commit()
}

// MintToken credits a token balance. Genesis and test helper.
func (n *Node) MintToken(token, addr common.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ledger.MintToken(token, addr, amount); err != nil {
		return err
	}
	return n.ledger.Commit()
}

// finish turns an engine call into a durable one: commit the ledger, then
// publish the buffered events. The relay is always drained so a failed call
// leaves nothing behind for the next one.
func (n *Node) finish(operation string, started time.Time, callErr error) error {
	if callErr != nil {
		n.relay.reset()
		n.metrics.ObserveTransfer(operation, time.Since(started), reasonForError(callErr))
		return callErr
	}
	if err := n.ledger.Commit(); err != nil {
		n.relay.reset()
		n.metrics.ObserveTransfer(operation, time.Since(started), "commit_failed")
		n.log.Error("ledger commit failed", "error", err.Error())
		return err
	}
	n.publish()
	n.metrics.ObserveTransfer(operation, time.Since(started), "")
	return nil
}

func (n *Node) publish() {
	for _, evt := range n.relay.queued {
		if fee, ok := evt.(gateway.FeePayoutEvent); ok {
			n.metrics.RecordFee(fee.Scope, fee.Amount)
		}
		n.bus.Emit(evt)
		observability.Events().RecordEvent(evt.EventType())
	}
	n.relay.reset()
}

func hexAddr(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func pauseReason(paused bool) string {
	if paused {
		return "paused"
	}
	return "resumed"
}

// reasonForError maps engine failures onto the stable label set the error
// counters use. Wrapped sentinel order matters: a reverted forward carries
// both the forwarding sentinel and the root cause, and the root cause wins.
func reasonForError(err error) string {
	switch {
	case errors.Is(err, gateway.ErrRequestExpired):
		return "expired"
	case errors.Is(err, gateway.ErrAlreadyProcessed):
		return "replayed"
	case errors.Is(err, gateway.ErrVerificationFailed):
		return "bad_signature"
	case errors.Is(err, gateway.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, gateway.ErrLastAdmin):
		return "last_admin"
	case errors.Is(err, gateway.ErrPaused):
		return "paused"
	case errors.Is(err, gateway.ErrAddressRestricted):
		return "restricted"
	case errors.Is(err, gateway.ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, gateway.ErrMismatchedValue):
		return "mismatched_value"
	case errors.Is(err, gateway.ErrMsgValueNotZero):
		return "nonzero_value"
	case errors.Is(err, gateway.ErrUnknownForwardTarget):
		return "unknown_target"
	case errors.Is(err, gateway.ErrFailedToForward):
		return "forward_failed"
	case errors.Is(err, gateway.ErrFeeRateTooHigh):
		return "fee_too_high"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, gateway.ErrZeroAmount),
		errors.Is(err, gateway.ErrZeroRecipient),
		errors.Is(err, gateway.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal"
	}
}
