package gateway

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrZeroAmount rejects requests whose token amount is zero or negative.
	ErrZeroAmount = errors.New("gateway: token amount must be positive")
	// ErrRequestExpired rejects requests past their expiration timestamp.
	ErrRequestExpired = errors.New("gateway: request expired")
	// ErrAlreadyProcessed rejects transaction identifiers that were consumed
	// by an earlier call.
	ErrAlreadyProcessed = errors.New("gateway: transaction already processed")
	// ErrVerificationFailed covers every signature defect: wrong length,
	// unrecoverable payload, or a signer without operator capability.
	ErrVerificationFailed = errors.New("gateway: signature verification failed")
	// ErrFeeRateTooHigh rejects fee rates above their hard cap.
	ErrFeeRateTooHigh = errors.New("gateway: fee rate exceeds cap")
	// ErrMismatchedValue reports attached value that cannot cover the
	// declared amount plus fees, or fees exceeding the amount.
	ErrMismatchedValue = errors.New("gateway: mismatched value")
	// ErrMsgValueNotZero rejects attached native value on a token
	// direct-transfer.
	ErrMsgValueNotZero = errors.New("gateway: attached value must be zero")
	// ErrAddressRestricted rejects restricted callers, tokens, forward
	// targets, or receivers.
	ErrAddressRestricted = errors.New("gateway: address restricted")
	// ErrPaused rejects every state-mutating entrypoint while the kill
	// switch is on.
	ErrPaused = errors.New("gateway: paused")
	// ErrZeroRecipient rejects fee or withdrawal recipients set to the zero
	// address.
	ErrZeroRecipient = errors.New("gateway: recipient must not be zero")
	// ErrReentrantCall reports re-entry into a guarded entrypoint during an
	// in-flight execution.
	ErrReentrantCall = errors.New("gateway: reentrant call")
	// ErrUnauthorized reports a caller without the required capability.
	ErrUnauthorized = errors.New("gateway: caller lacks capability")
	// ErrFailedToForward wraps destination-call failures; when the
	// destination supplied a revert payload it travels in a *CallError.
	ErrFailedToForward = errors.New("gateway: failed to forward")
	// ErrUnknownForwardTarget reports a contract call against an address
	// with no registered handler.
	ErrUnknownForwardTarget = errors.New("gateway: no handler for forward address")
	// ErrInvalidRequest covers structurally malformed requests (nil amount,
	// zero transaction id, malformed fee legs).
	ErrInvalidRequest = errors.New("gateway: invalid request")
)

// CallError carries a destination's failure payload verbatim so callers can
// distinguish "the gateway rejected this" from "the destination rejected
// this". Output is the raw revert payload and may be empty.
type CallError struct {
	Output []byte
	Reason string
}

// Error implements the error interface.
func (e *CallError) Error() string {
	switch {
	case e == nil:
		return "call error"
	case e.Reason != "" && len(e.Output) > 0:
		return fmt.Sprintf("destination reverted: %s (%s)", e.Reason, hexutil.Encode(e.Output))
	case e.Reason != "":
		return "destination reverted: " + e.Reason
	case len(e.Output) > 0:
		return "destination reverted: " + hexutil.Encode(e.Output)
	default:
		return "destination reverted"
	}
}

// RevertWith builds a CallError for handlers that want to abort the forward
// with a structured payload.
func RevertWith(reason string, output []byte) *CallError {
	return &CallError{Reason: reason, Output: append([]byte(nil), output...)}
}
