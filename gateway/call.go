package gateway

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Handler is destination-side code invoked for contract-call forwards. It
// runs inside the gateway's atomic scope: returning an error aborts and
// reverts the whole transaction. Returning a *CallError preserves the
// destination's revert payload for the caller.
type Handler interface {
	HandleForward(env *CallEnv, input []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(env *CallEnv, input []byte) ([]byte, error)

// HandleForward implements Handler.
func (f HandlerFunc) HandleForward(env *CallEnv, input []byte) ([]byte, error) {
	return f(env, input)
}

// Forwarder resolves forward addresses to registered handlers. Contract-call
// mode requires a registration; direct-transfer mode does not.
type Forwarder struct {
	mu       sync.RWMutex
	handlers map[common.Address]Handler
}

// NewForwarder constructs an empty registry.
func NewForwarder() *Forwarder {
	return &Forwarder{handlers: make(map[common.Address]Handler)}
}

// Register binds a handler to a destination address, replacing any previous
// registration.
func (f *Forwarder) Register(addr common.Address, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == nil {
		delete(f.handlers, addr)
		return
	}
	f.handlers[addr] = h
}

// Resolve looks up the handler for addr.
func (f *Forwarder) Resolve(addr common.Address) (Handler, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.handlers[addr]
	return h, ok
}

// CallEnv is the destination's window into ledger state for the duration of
// one forward call. All operations act with the destination's own authority
// and stay inside the transaction's snapshot scope.
type CallEnv struct {
	state   State
	self    common.Address
	gateway common.Address
	token   common.Address
	spender common.Address
	value   *big.Int
}

// Self returns the destination address the handler is registered under.
func (env *CallEnv) Self() common.Address { return env.self }

// GatewayAddress returns the custody address; transfers here surface to the
// original caller through the balance-delta refund.
func (env *CallEnv) GatewayAddress() common.Address { return env.gateway }

// Token returns the asset the transaction forwards (NativeToken when
// native).
func (env *CallEnv) Token() common.Address { return env.token }

// ValueWei returns the native value attached to the call. The amount is
// already credited to the destination when the handler runs.
func (env *CallEnv) ValueWei() *big.Int {
	if env.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(env.value)
}

// PullTokens draws from the allowance the gateway granted the spender for
// this call, delivering tokens from gateway custody to the given account.
func (env *CallEnv) PullTokens(to common.Address, amount *big.Int) error {
	return env.state.TokenTransferFrom(env.token, env.gateway, env.spender, to, amount)
}

// TransferToken moves tokens out of the destination's own balance.
func (env *CallEnv) TransferToken(token, to common.Address, amount *big.Int) error {
	return env.state.TokenTransfer(token, env.self, to, amount)
}

// TransferNative moves native value out of the destination's own balance.
func (env *CallEnv) TransferNative(to common.Address, amount *big.Int) error {
	return env.state.NativeTransfer(env.self, to, amount)
}

// TokenBalance reads a token balance.
func (env *CallEnv) TokenBalance(token, addr common.Address) (*big.Int, error) {
	return env.state.TokenBalance(token, addr)
}

// NativeBalance reads a native balance.
func (env *CallEnv) NativeBalance(addr common.Address) (*big.Int, error) {
	return env.state.NativeBalance(addr)
}
