package gateway

import (
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"payfwd/core/events"
)

var errNilState = errors.New("gateway: state not configured")

// CompletionPolicy selects how the completion entrypoint authorizes callers.
type CompletionPolicy string

const (
	// CompletionPolicyRelayer requires the caller to hold the relayer
	// capability. Default.
	CompletionPolicyRelayer CompletionPolicy = "relayer"
	// CompletionPolicySignature requires an operator signature over the
	// completion digest.
	CompletionPolicySignature CompletionPolicy = "signature"
	// CompletionPolicyOpen trusts any caller. Compatibility mode.
	CompletionPolicyOpen CompletionPolicy = "open"
)

// Valid reports whether the policy is one of the known modes.
func (p CompletionPolicy) Valid() bool {
	switch p {
	case CompletionPolicyRelayer, CompletionPolicySignature, CompletionPolicyOpen:
		return true
	default:
		return false
	}
}

// State is the ledger surface the engine drives. Implementations provide
// snapshot/revert so every entrypoint is atomic: partial effects of a failed
// call are never observable.
type State interface {
	Snapshot() int
	RevertToSnapshot(id int)

	NativeBalance(addr common.Address) (*big.Int, error)
	NativeTransfer(from, to common.Address, amount *big.Int) error

	TokenBalance(token, addr common.Address) (*big.Int, error)
	TokenTransfer(token, from, to common.Address, amount *big.Int) error
	// TokenTransferFrom moves owner → to, consuming allowance(owner,
	// spender) unless owner and spender coincide.
	TokenTransferFrom(token, owner, spender, to common.Address, amount *big.Int) error
	SetTokenAllowance(token, owner, spender common.Address, amount *big.Int) error
	TokenAllowance(token, owner, spender common.Address) (*big.Int, error)

	// MarkProcessed inserts write-once; false means the ID was already
	// consumed.
	MarkProcessed(txnID common.Hash) (bool, error)
	IsProcessed(txnID common.Hash) (bool, error)

	SetProtocolFee(info FeeInfo) error
	ProtocolFee() (FeeInfo, bool, error)
	SetClientFee(clientID string, info FeeInfo) error
	ClientFee(clientID string) (FeeInfo, bool, error)

	SetPaused(paused bool) error
	Paused() (bool, error)
	SetRestricted(addr common.Address, restricted bool) error
	IsRestricted(addr common.Address) (bool, error)

	SetCapability(addr common.Address, cap Capability, granted bool) error
	HasCapability(addr common.Address, cap Capability) (bool, error)
	CapabilityCount(cap Capability) (int, error)
}

// Engine orchestrates verification, fee distribution, forwarding, and the
// admin surface over a State. All entrypoints are atomic (snapshot/revert)
// and reentrancy-guarded: a re-entered entrypoint fails with
// ErrReentrantCall instead of deadlocking, and events reach the emitter only
// after an entrypoint commits.
type Engine struct {
	state     State
	emitter   events.Emitter
	forwarder *Forwarder
	domain    Domain
	policy    CompletionPolicy
	nowFn     func() int64

	entered atomic.Bool
	pending []events.Event
}

// NewEngine creates an engine bound to a signing domain with a no-op emitter
// and an empty forward registry.
func NewEngine(domain Domain) *Engine {
	return &Engine{
		emitter:   events.NoopEmitter{},
		forwarder: NewForwarder(),
		domain:    domain,
		policy:    CompletionPolicyRelayer,
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the ledger backend.
func (e *Engine) SetState(state State) { e.state = state }

// SetEmitter configures the event sink. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, mainly for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetCompletionPolicy configures completion authorization. Invalid values
// keep the current policy.
func (e *Engine) SetCompletionPolicy(policy CompletionPolicy) {
	if policy.Valid() {
		e.policy = policy
	}
}

// Forwarder exposes the destination handler registry.
func (e *Engine) Forwarder() *Forwarder { return e.forwarder }

// Domain returns the signing domain the engine verifies against.
func (e *Engine) Domain() Domain { return e.domain }

// GatewayAddress returns the custody account.
func (e *Engine) GatewayAddress() common.Address { return e.domain.Gateway }

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// begin takes the reentrancy flag. Re-entry during a guarded window signals
// failure rather than blocking.
func (e *Engine) begin() error {
	if !e.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	e.pending = e.pending[:0]
	return nil
}

func (e *Engine) end() { e.entered.Store(false) }

// queue buffers an event until the surrounding entrypoint commits.
func (e *Engine) queue(evt events.Event) { e.pending = append(e.pending, evt) }

// flush hands buffered events to the emitter, in queue order.
func (e *Engine) flush() {
	for _, evt := range e.pending {
		e.emitter.Emit(evt)
	}
	e.pending = e.pending[:0]
}

// InitiateResult is the receipt for a successful forward.
type InitiateResult struct {
	TransactionID common.Hash
	Operator      common.Address
	NetValue      *big.Int
	TotalFee      *big.Int
	Output        []byte
	TokenRefund   *big.Int
	NativeRefund  *big.Int
}

// InitiateTransaction is the primary entrypoint: verify the operator
// signature, consume the transaction ID, distribute fees, and forward the
// net value to the destination, refunding any surplus the destination
// returned. valueWei is the native value the caller attaches; it moves into
// gateway custody up front and is fully accounted for by the time the call
// returns. The whole call commits or reverts as a unit.
func (e *Engine) InitiateTransaction(caller common.Address, valueWei *big.Int, req *TransactionRequest, sig []byte) (*InitiateResult, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if caller == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero caller", ErrInvalidRequest)
	}
	if valueWei == nil {
		valueWei = new(big.Int)
	}
	if valueWei.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative attached value", ErrInvalidRequest)
	}
	req = req.Clone()
	if err := req.ValidateBasic(); err != nil {
		return nil, err
	}

	snapshot := e.state.Snapshot()
	result, err := e.initiate(caller, new(big.Int).Set(valueWei), req, sig)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	e.flush()
	return result, nil
}

func (e *Engine) initiate(caller common.Address, valueWei *big.Int, req *TransactionRequest, sig []byte) (*InitiateResult, error) {
	operator, err := e.Verify(req, sig)
	if err != nil {
		return nil, err
	}

	// Consume the ID before any fund movement so a reentrant call with the
	// same transaction necessarily observes "already processed".
	inserted, err := e.state.MarkProcessed(req.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("replay guard: %w", err)
	}
	if !inserted {
		return nil, ErrAlreadyProcessed
	}

	if err := e.requireActive(); err != nil {
		return nil, err
	}
	if err := e.requireUnrestricted(caller, req.Token, req.ForwardAddress, req.Spender()); err != nil {
		return nil, err
	}

	legs, totalFee, err := e.resolveFees(req)
	if err != nil {
		return nil, err
	}

	// Attached value moves into custody first; fee legs and the forward
	// draw against it.
	if valueWei.Sign() > 0 {
		if err := e.state.NativeTransfer(caller, e.domain.Gateway, valueWei); err != nil {
			return nil, fmt.Errorf("attach value: %w", err)
		}
	}

	native := req.IsNative()
	var sendValue *big.Int
	if native {
		sendValue = new(big.Int).Sub(valueWei, totalFee)
		if sendValue.Cmp(req.Amount) < 0 {
			return nil, fmt.Errorf("%w: attached %s cannot cover amount %s plus fees %s",
				ErrMismatchedValue, valueWei, req.Amount, totalFee)
		}
	}

	if err := e.distributeFees(caller, req, legs); err != nil {
		return nil, err
	}

	result := &InitiateResult{
		TransactionID: req.TransactionID,
		Operator:      operator,
		TotalFee:      totalFee,
		TokenRefund:   new(big.Int),
		NativeRefund:  new(big.Int),
	}
	if native {
		result.NetValue = new(big.Int).Set(sendValue)
	} else {
		result.NetValue = new(big.Int).Set(req.Amount)
	}

	if req.DirectTransfer() {
		if err := e.directTransfer(caller, valueWei, sendValue, req); err != nil {
			return nil, err
		}
	} else {
		if err := e.forwardCall(caller, valueWei, sendValue, req, result); err != nil {
			return nil, err
		}
	}

	e.queue(TransactionInitiatedEvent{
		TransactionID:  req.TransactionID,
		Sender:         caller,
		Token:          req.Token,
		Amount:         new(big.Int).Set(req.Amount),
		NetValue:       new(big.Int).Set(result.NetValue),
		ProtocolFee:    sumLegs(legs, FeeScopeProtocol),
		ProtocolFeeBps: protocolBps(legs),
		DeveloperFee:   sumLegs(legs, FeeScopeDeveloper),
		PayoutCount:    len(legs),
		ClientID:       req.ClientID,
		ForwardAddress: req.ForwardAddress,
		SpenderAddress: req.Spender(),
		ExtraData:      req.ExtraData,
		Direct:         req.DirectTransfer(),
	})
	return result, nil
}

// directTransfer handles the no-payload mode: a plain value or token move
// with no intermediate custody.
func (e *Engine) directTransfer(caller common.Address, valueWei, sendValue *big.Int, req *TransactionRequest) error {
	if req.IsNative() {
		if err := e.state.NativeTransfer(e.domain.Gateway, req.ForwardAddress, sendValue); err != nil {
			return fmt.Errorf("forward value: %w", err)
		}
		return nil
	}
	if valueWei.Sign() != 0 {
		return ErrMsgValueNotZero
	}
	if err := e.state.TokenTransferFrom(req.Token, caller, e.domain.Gateway, req.ForwardAddress, req.Amount); err != nil {
		return fmt.Errorf("forward tokens: %w", err)
	}
	return nil
}

// forwardCall handles the contract-call mode: pull funds into custody, grant
// the spender allowance, invoke the destination handler, then reconcile by
// balance delta so any mid-call refund returns to the caller.
func (e *Engine) forwardCall(caller common.Address, valueWei, sendValue *big.Int, req *TransactionRequest, result *InitiateResult) error {
	handler, ok := e.forwarder.Resolve(req.ForwardAddress)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownForwardTarget, req.ForwardAddress.Hex())
	}

	native := req.IsNative()
	attach := valueWei
	if native {
		attach = sendValue
	}

	baselineNative, err := e.state.NativeBalance(e.domain.Gateway)
	if err != nil {
		return fmt.Errorf("custody balance: %w", err)
	}
	var baselineToken *big.Int
	if !native {
		if err := e.state.TokenTransferFrom(req.Token, caller, e.domain.Gateway, e.domain.Gateway, req.Amount); err != nil {
			return fmt.Errorf("pull tokens: %w", err)
		}
		baselineToken, err = e.state.TokenBalance(req.Token, e.domain.Gateway)
		if err != nil {
			return fmt.Errorf("custody balance: %w", err)
		}
		if err := e.state.SetTokenAllowance(req.Token, e.domain.Gateway, req.Spender(), req.Amount); err != nil {
			return fmt.Errorf("grant allowance: %w", err)
		}
	}

	// The destination receives the attached value with the call, exactly
	// like a value-bearing contract call.
	if attach.Sign() > 0 {
		if err := e.state.NativeTransfer(e.domain.Gateway, req.ForwardAddress, attach); err != nil {
			return fmt.Errorf("attach call value: %w", err)
		}
	}

	env := &CallEnv{
		state:   e.state,
		self:    req.ForwardAddress,
		gateway: e.domain.Gateway,
		token:   req.Token,
		spender: req.Spender(),
		value:   attach,
	}
	output, err := handler.HandleForward(env, req.CallData)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToForward, err)
	}
	result.Output = output

	if !native {
		// Allowance hygiene: nothing survives the call.
		if err := e.state.SetTokenAllowance(req.Token, e.domain.Gateway, req.Spender(), new(big.Int)); err != nil {
			return fmt.Errorf("reset allowance: %w", err)
		}
		currentToken, err := e.state.TokenBalance(req.Token, e.domain.Gateway)
		if err != nil {
			return fmt.Errorf("custody balance: %w", err)
		}
		expected := new(big.Int).Sub(baselineToken, req.Amount)
		if surplus := new(big.Int).Sub(currentToken, expected); surplus.Sign() > 0 {
			if err := e.state.TokenTransfer(req.Token, e.domain.Gateway, caller, surplus); err != nil {
				return fmt.Errorf("refund tokens: %w", err)
			}
			result.TokenRefund = surplus
			e.queue(RefundEvent{
				TransactionID: req.TransactionID,
				Token:         req.Token,
				Recipient:     caller,
				Amount:        new(big.Int).Set(surplus),
			})
		}
	}

	currentNative, err := e.state.NativeBalance(e.domain.Gateway)
	if err != nil {
		return fmt.Errorf("custody balance: %w", err)
	}
	expectedNative := new(big.Int).Sub(baselineNative, attach)
	if surplus := new(big.Int).Sub(currentNative, expectedNative); surplus.Sign() > 0 {
		if err := e.state.NativeTransfer(e.domain.Gateway, caller, surplus); err != nil {
			return fmt.Errorf("refund value: %w", err)
		}
		result.NativeRefund = surplus
		e.queue(RefundEvent{
			TransactionID: req.TransactionID,
			Token:         NativeToken,
			Recipient:     caller,
			Amount:        new(big.Int).Set(surplus),
		})
	}
	return nil
}

// CompleteResult is the receipt for a successful completion.
type CompleteResult struct {
	TransactionID common.Hash
	Receiver      common.Address
	Amount        *big.Int
}

// CompleteTransfer is the destination-side sibling of InitiateTransaction:
// pull the full amount from the caller and deliver it to the receiver, with
// the shared replay guard but no fee distribution. sig is only consulted
// under the signature completion policy.
func (e *Engine) CompleteTransfer(caller common.Address, valueWei *big.Int, clientID string, txnID common.Hash, token common.Address, amount *big.Int, receiver common.Address, sig []byte) (*CompleteResult, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if caller == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero caller", ErrInvalidRequest)
	}
	if txnID == (common.Hash{}) {
		return nil, fmt.Errorf("%w: zero transaction id", ErrInvalidRequest)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if token == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero token address", ErrInvalidRequest)
	}
	if receiver == (common.Address{}) {
		return nil, ErrZeroRecipient
	}
	if err := ValidateClientID(clientID); err != nil {
		return nil, err
	}
	if valueWei == nil {
		valueWei = new(big.Int)
	}
	if valueWei.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative attached value", ErrInvalidRequest)
	}

	snapshot := e.state.Snapshot()
	result, err := e.complete(caller, valueWei, clientID, txnID, token, amount, receiver, sig)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	e.flush()
	return result, nil
}

func (e *Engine) complete(caller common.Address, valueWei *big.Int, clientID string, txnID common.Hash, token common.Address, amount *big.Int, receiver common.Address, sig []byte) (*CompleteResult, error) {
	if err := e.verifyCompletion(caller, clientID, txnID, token, amount, receiver, sig); err != nil {
		return nil, err
	}
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	if err := e.requireUnrestricted(caller, token, receiver); err != nil {
		return nil, err
	}

	inserted, err := e.state.MarkProcessed(txnID)
	if err != nil {
		return nil, fmt.Errorf("replay guard: %w", err)
	}
	if !inserted {
		return nil, ErrAlreadyProcessed
	}

	if token == NativeToken {
		if valueWei.Cmp(amount) != 0 {
			return nil, fmt.Errorf("%w: attached %s, amount %s", ErrMismatchedValue, valueWei, amount)
		}
		if err := e.state.NativeTransfer(caller, receiver, amount); err != nil {
			return nil, fmt.Errorf("deliver value: %w", err)
		}
	} else {
		if valueWei.Sign() != 0 {
			return nil, ErrMsgValueNotZero
		}
		if err := e.state.TokenTransferFrom(token, caller, e.domain.Gateway, receiver, amount); err != nil {
			return nil, fmt.Errorf("deliver tokens: %w", err)
		}
	}

	e.queue(TransferCompletedEvent{
		TransactionID: txnID,
		ClientID:      clientID,
		Caller:        caller,
		Token:         token,
		Amount:        new(big.Int).Set(amount),
		Receiver:      receiver,
	})
	return &CompleteResult{
		TransactionID: txnID,
		Receiver:      receiver,
		Amount:        new(big.Int).Set(amount),
	}, nil
}

// requireActive fails while the kill switch is on.
func (e *Engine) requireActive() error {
	paused, err := e.state.Paused()
	if err != nil {
		return fmt.Errorf("pause lookup: %w", err)
	}
	if paused {
		return ErrPaused
	}
	return nil
}

// requireUnrestricted rejects if any of the addresses is blocklisted.
// Duplicates (e.g. spender == forward) are checked once.
func (e *Engine) requireUnrestricted(addrs ...common.Address) error {
	seen := make(map[common.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		if _, done := seen[addr]; done {
			continue
		}
		seen[addr] = struct{}{}
		restricted, err := e.state.IsRestricted(addr)
		if err != nil {
			return fmt.Errorf("restriction lookup: %w", err)
		}
		if restricted {
			return fmt.Errorf("%w: %s", ErrAddressRestricted, addr.Hex())
		}
	}
	return nil
}

func sumLegs(legs []feeLeg, scope string) *big.Int {
	total := new(big.Int)
	for _, leg := range legs {
		if leg.scope == scope {
			total.Add(total, leg.amount)
		}
	}
	return total
}

func protocolBps(legs []feeLeg) uint32 {
	for _, leg := range legs {
		if leg.scope == FeeScopeProtocol {
			return leg.feeBps
		}
	}
	return 0
}

// IsProcessed reports whether a transaction ID has been consumed.
func (e *Engine) IsProcessed(txnID common.Hash) (bool, error) {
	if e.state == nil {
		return false, errNilState
	}
	return e.state.IsProcessed(txnID)
}

// ProtocolFeeInfo returns the stored protocol fee entry.
func (e *Engine) ProtocolFeeInfo() (FeeInfo, bool, error) {
	if e.state == nil {
		return FeeInfo{}, false, errNilState
	}
	return e.state.ProtocolFee()
}

// FeeInfo returns the stored developer entry for a client scope.
func (e *Engine) FeeInfo(clientID string) (FeeInfo, bool, error) {
	if e.state == nil {
		return FeeInfo{}, false, errNilState
	}
	if err := ValidateClientID(clientID); err != nil {
		return FeeInfo{}, false, err
	}
	return e.state.ClientFee(clientID)
}

// Paused reports the kill-switch state.
func (e *Engine) Paused() (bool, error) {
	if e.state == nil {
		return false, errNilState
	}
	return e.state.Paused()
}

// IsRestricted reports blocklist membership.
func (e *Engine) IsRestricted(addr common.Address) (bool, error) {
	if e.state == nil {
		return false, errNilState
	}
	return e.state.IsRestricted(addr)
}

// HasCapability reports membership in a capability set.
func (e *Engine) HasCapability(addr common.Address, cap Capability) (bool, error) {
	if e.state == nil {
		return false, errNilState
	}
	return e.state.HasCapability(addr, cap)
}

// BalanceOf reads a balance for either asset model.
func (e *Engine) BalanceOf(token, addr common.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if token == NativeToken {
		return e.state.NativeBalance(addr)
	}
	return e.state.TokenBalance(token, addr)
}
