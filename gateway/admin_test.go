package gateway

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func newAdminEngine(t *testing.T) (*mockState, *Engine, common.Address) {
	t.Helper()
	state := newMockState()
	engine := newTestEngine(state)
	admin := newTestAddress(0x55)
	state.grant(admin, CapabilityAdmin)
	return state, engine, admin
}

func TestAdminSurfaceRequiresCapability(t *testing.T) {
	_, engine, _ := newAdminEngine(t)
	outsider := newTestAddress(0x99)

	ops := map[string]func() error{
		"pause":        func() error { return engine.SetPaused(outsider, true) },
		"restrict":     func() error { return engine.RestrictAddress(outsider, newTestAddress(0x11), true) },
		"protocol fee": func() error { return engine.SetProtocolFeeInfo(outsider, FeeInfo{Recipient: newTestAddress(0x33), FeeBps: 100}) },
		"client fee":   func() error { return engine.SetFeeInfo(outsider, "acme", FeeInfo{Recipient: newTestAddress(0x44), FeeBps: 100}) },
		"withdraw":     func() error { return engine.Withdraw(outsider, NativeToken, big.NewInt(1)) },
		"capability":   func() error { return engine.SetCapability(outsider, newTestAddress(0x11), CapabilityOperator, true) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: err = %v, want ErrUnauthorized", name, err)
		}
	}
}

func TestSetPausedRoundTrip(t *testing.T) {
	_, engine, admin := newAdminEngine(t)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	if err := engine.SetPaused(admin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused, _ := engine.Paused(); !paused {
		t.Fatal("expected paused")
	}
	if err := engine.SetPaused(admin, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if paused, _ := engine.Paused(); paused {
		t.Fatal("expected unpaused")
	}
	if got := len(emitter.ofType(EventTypePauseUpdated)); got != 2 {
		t.Fatalf("pause events = %d, want 2", got)
	}
}

func TestRestrictAddress(t *testing.T) {
	_, engine, admin := newAdminEngine(t)
	target := newTestAddress(0x11)

	if err := engine.RestrictAddress(admin, common.Address{}, true); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("zero address err = %v", err)
	}
	if err := engine.RestrictAddress(admin, target, true); err != nil {
		t.Fatalf("restrict: %v", err)
	}
	if restricted, _ := engine.IsRestricted(target); !restricted {
		t.Fatal("expected restricted")
	}
	if err := engine.RestrictAddress(admin, target, false); err != nil {
		t.Fatalf("unrestrict: %v", err)
	}
	if restricted, _ := engine.IsRestricted(target); restricted {
		t.Fatal("expected unrestricted")
	}
}

func TestSetProtocolFeeInfoValidation(t *testing.T) {
	_, engine, admin := newAdminEngine(t)
	recip := newTestAddress(0x33)

	if err := engine.SetProtocolFeeInfo(admin, FeeInfo{FeeBps: 100}); !errors.Is(err, ErrZeroRecipient) {
		t.Fatalf("zero recipient err = %v", err)
	}
	if err := engine.SetProtocolFeeInfo(admin, FeeInfo{Recipient: recip, FeeBps: 301}); !errors.Is(err, ErrFeeRateTooHigh) {
		t.Fatalf("cap err = %v", err)
	}
	if err := engine.SetProtocolFeeInfo(admin, FeeInfo{Recipient: recip, FeeBps: 300}); err != nil {
		t.Fatalf("set: %v", err)
	}
	info, set, err := engine.ProtocolFeeInfo()
	if err != nil || !set {
		t.Fatalf("lookup: set=%v err=%v", set, err)
	}
	if info.Recipient != recip || info.FeeBps != 300 {
		t.Fatalf("info = %+v", info)
	}
}

func TestSetFeeInfoValidation(t *testing.T) {
	_, engine, admin := newAdminEngine(t)
	recip := newTestAddress(0x44)

	if err := engine.SetFeeInfo(admin, "", FeeInfo{Recipient: recip, FeeBps: 100}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty client err = %v", err)
	}
	if err := engine.SetFeeInfo(admin, "bad client!", FeeInfo{Recipient: recip, FeeBps: 100}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("charset err = %v", err)
	}
	if err := engine.SetFeeInfo(admin, "acme", FeeInfo{FeeBps: 100}); !errors.Is(err, ErrZeroRecipient) {
		t.Fatalf("zero recipient err = %v", err)
	}
	if err := engine.SetFeeInfo(admin, "acme", FeeInfo{Recipient: recip, FeeBps: 1_001}); !errors.Is(err, ErrFeeRateTooHigh) {
		t.Fatalf("cap err = %v", err)
	}
	if err := engine.SetFeeInfo(admin, "acme", FeeInfo{Recipient: recip, FeeBps: 1_000}); err != nil {
		t.Fatalf("set: %v", err)
	}
	info, set, err := engine.FeeInfo("acme")
	if err != nil || !set {
		t.Fatalf("lookup: set=%v err=%v", set, err)
	}
	if info.Recipient != recip || info.FeeBps != 1_000 {
		t.Fatalf("info = %+v", info)
	}
}

func TestWithdrawMovesCustodyFunds(t *testing.T) {
	state, engine, admin := newAdminEngine(t)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	token := newTestAddress(0x70)

	state.fundNative(testDomain.Gateway, 500)
	state.fundToken(token, testDomain.Gateway, 200)

	if err := engine.Withdraw(admin, NativeToken, big.NewInt(300)); err != nil {
		t.Fatalf("withdraw native: %v", err)
	}
	requireBig(t, state.nativeOf(admin), 300, "admin native")
	requireBig(t, state.nativeOf(testDomain.Gateway), 200, "custody native")

	treasury := newTestAddress(0x88)
	if err := engine.WithdrawTo(admin, token, big.NewInt(200), treasury); err != nil {
		t.Fatalf("withdraw token: %v", err)
	}
	requireBig(t, state.tokenOf(token, treasury), 200, "treasury tokens")

	if err := engine.Withdraw(admin, NativeToken, big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("zero amount err = %v", err)
	}
	if err := engine.Withdraw(admin, NativeToken, big.NewInt(1_000)); err == nil {
		t.Fatal("over-withdraw should fail")
	}
	if got := len(emitter.ofType(EventTypeWithdrawal)); got != 2 {
		t.Fatalf("withdrawal events = %d, want 2", got)
	}
}

func TestWithdrawToRestrictedReceiverRejected(t *testing.T) {
	state, engine, admin := newAdminEngine(t)
	state.fundNative(testDomain.Gateway, 500)
	blocked := newTestAddress(0x99)
	state.restricted[blocked] = true

	err := engine.WithdrawTo(admin, NativeToken, big.NewInt(100), blocked)
	if !errors.Is(err, ErrAddressRestricted) {
		t.Fatalf("err = %v, want ErrAddressRestricted", err)
	}
	requireBig(t, state.nativeOf(testDomain.Gateway), 500, "custody unchanged")
}

func TestSetCapabilityLifecycle(t *testing.T) {
	_, engine, admin := newAdminEngine(t)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	operator := newTestAddress(0x11)

	if err := engine.SetCapability(admin, common.Address{}, CapabilityOperator, true); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("zero principal err = %v", err)
	}
	if err := engine.SetCapability(admin, operator, Capability("superuser"), true); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unknown capability err = %v", err)
	}
	if err := engine.SetCapability(admin, operator, CapabilityOperator, true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if has, _ := engine.HasCapability(operator, CapabilityOperator); !has {
		t.Fatal("expected grant")
	}
	if err := engine.SetCapability(admin, operator, CapabilityOperator, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if has, _ := engine.HasCapability(operator, CapabilityOperator); has {
		t.Fatal("expected revoked")
	}
	if got := len(emitter.ofType(EventTypeRoleUpdated)); got != 2 {
		t.Fatalf("role events = %d, want 2", got)
	}
}

func TestRevokingLastAdminRejected(t *testing.T) {
	_, engine, admin := newAdminEngine(t)

	err := engine.SetCapability(admin, admin, CapabilityAdmin, false)
	if !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("err = %v, want ErrLastAdmin", err)
	}
	if has, _ := engine.HasCapability(admin, CapabilityAdmin); !has {
		t.Fatal("sole admin lost its capability")
	}

	second := newTestAddress(0x56)
	if err := engine.SetCapability(admin, second, CapabilityAdmin, true); err != nil {
		t.Fatalf("grant second admin: %v", err)
	}
	if err := engine.SetCapability(admin, admin, CapabilityAdmin, false); err != nil {
		t.Fatalf("revoke with successor: %v", err)
	}
	if has, _ := engine.HasCapability(admin, CapabilityAdmin); has {
		t.Fatal("expected revocation")
	}
	// Revoking a non-admin is never a last-admin problem.
	if err := engine.SetCapability(second, newTestAddress(0x77), CapabilityAdmin, false); err != nil {
		t.Fatalf("revoke non-holder: %v", err)
	}
}

func TestFailedAdminOpEmitsNothing(t *testing.T) {
	_, engine, admin := newAdminEngine(t)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	if err := engine.SetProtocolFeeInfo(admin, FeeInfo{Recipient: newTestAddress(0x33), FeeBps: 9_999}); err == nil {
		t.Fatal("expected failure")
	}
	if len(emitter.events) != 0 {
		t.Fatalf("failed op emitted %d events", len(emitter.events))
	}
	if _, set, _ := engine.ProtocolFeeInfo(); set {
		t.Fatal("failed op left state behind")
	}
}
