package core

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"payfwd/config"
	"payfwd/core/events"
	"payfwd/gateway"
	"payfwd/storage"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const nodeTestNow = int64(1_700_000_000)

var nodeTestDomain = gateway.Domain{ChainID: 1337, Gateway: nodeAddr(0xAA)}

var nodeKeySeed byte = 0x51

func nodeAddr(fill byte) common.Address {
	var addr common.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, common.AddressLength))
	return addr
}

func nodeTestKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	seed := bytes.Repeat([]byte{nodeKeySeed}, 32)
	nodeKeySeed++
	key, err := ethcrypto.ToECDSA(seed)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	return key, ethcrypto.PubkeyToAddress(key.PublicKey)
}

func newTestNode(t *testing.T, db storage.Database) *Node {
	t.Helper()
	node, err := NewNode(db, nodeTestDomain, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.engine.SetNowFunc(func() int64 { return nodeTestNow })
	t.Cleanup(node.Close)
	return node
}

func seedOperator(t *testing.T, node *Node) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, addr := nodeTestKey(t)
	policy := config.Policy{Roles: []config.RoleEntry{{Address: addr, Capability: gateway.CapabilityOperator}}}
	if err := node.SeedPolicy(policy); err != nil {
		t.Fatalf("seed operator: %v", err)
	}
	return key, addr
}

func approveGateway(t *testing.T, node *Node, token, owner common.Address, amount int64) {
	t.Helper()
	if err := node.ledger.SetTokenAllowance(token, owner, node.GatewayAddress(), big.NewInt(amount)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	if err := node.ledger.Commit(); err != nil {
		t.Fatalf("commit allowance: %v", err)
	}
}

func drainEvents(t *testing.T, sub *events.Subscription, want int) []events.Envelope {
	t.Helper()
	out := make([]events.Envelope, 0, want)
	for len(out) < want {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events", len(out))
			}
			out = append(out, env)
		default:
			t.Fatalf("expected %d events, got %d", want, len(out))
		}
	}
	select {
	case env := <-sub.Events():
		t.Fatalf("unexpected extra event %s", env.Event.Type)
	default:
	}
	return out
}

func balanceOf(t *testing.T, node *Node, token, addr common.Address) *big.Int {
	t.Helper()
	balance, err := node.BalanceOf(token, addr)
	if err != nil {
		t.Fatalf("balance of %s: %v", addr.Hex(), err)
	}
	return balance
}

func TestNodeInitiatePersistsAndPublishes(t *testing.T) {
	db := storage.NewMemDB()
	node := newTestNode(t, db)

	caller := nodeAddr(0x11)
	token := nodeAddr(0x70)
	forward := nodeAddr(0x22)
	protocolRecipient := nodeAddr(0x33)
	devRecipient := nodeAddr(0x44)

	key, _ := seedOperator(t, node)
	if err := node.SeedPolicy(config.Policy{
		ProtocolFee: &config.FeeEntry{Recipient: protocolRecipient, FeeBps: 250},
		ClientFees:  []config.ClientFeeEntry{{ClientID: "acme", Recipient: devRecipient, FeeBps: 100}},
	}); err != nil {
		t.Fatalf("seed fees: %v", err)
	}

	if err := node.MintToken(token, caller, big.NewInt(20_000)); err != nil {
		t.Fatalf("mint token: %v", err)
	}
	approveGateway(t, node, token, caller, 10_350)

	sub, replay := node.Bus().Subscribe(0, 16)
	defer sub.Close()
	if len(replay) != 0 {
		t.Fatalf("expected empty backlog, got %d envelopes", len(replay))
	}

	req := &gateway.TransactionRequest{
		TransactionID:  common.HexToHash("0x01"),
		Token:          token,
		Amount:         big.NewInt(10_000),
		ForwardAddress: forward,
		Expiry:         nodeTestNow + 600,
		ClientID:       "acme",
	}
	sig, err := gateway.SignRequest(nodeTestDomain, req, key)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}

	result, err := node.InitiateTransaction(caller, nil, req, sig)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if result.TotalFee.Cmp(big.NewInt(350)) != 0 {
		t.Fatalf("total fee = %s, want 350", result.TotalFee)
	}

	if got := balanceOf(t, node, token, forward); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("forward balance = %s, want 10000", got)
	}
	if got := balanceOf(t, node, token, protocolRecipient); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("protocol recipient balance = %s, want 250", got)
	}
	if got := balanceOf(t, node, token, devRecipient); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("developer recipient balance = %s, want 100", got)
	}

	envelopes := drainEvents(t, sub, 3)
	if envelopes[0].Event.Type != gateway.EventTypeFeePayout {
		t.Fatalf("first event %s, want fee payout", envelopes[0].Event.Type)
	}
	if envelopes[2].Event.Type != gateway.EventTypeTransactionInitiated {
		t.Fatalf("last event %s, want initiated", envelopes[2].Event.Type)
	}
	for i, env := range envelopes {
		if env.Sequence != uint64(i+1) {
			t.Fatalf("envelope %d sequence = %d", i, env.Sequence)
		}
	}

	reopened := newTestNode(t, db)
	processed, err := reopened.IsProcessed(req.TransactionID)
	if err != nil {
		t.Fatalf("is processed after reload: %v", err)
	}
	if !processed {
		t.Fatalf("transaction mark not persisted")
	}
	if got := balanceOf(t, reopened, token, forward); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("forward balance after reload = %s, want 10000", got)
	}
}

func TestNodeRejectedInitiateLeavesNoTrace(t *testing.T) {
	db := storage.NewMemDB()
	node := newTestNode(t, db)

	caller := nodeAddr(0x11)
	token := nodeAddr(0x70)
	seedOperator(t, node)
	if err := node.MintToken(token, caller, big.NewInt(20_000)); err != nil {
		t.Fatalf("mint token: %v", err)
	}
	approveGateway(t, node, token, caller, 20_000)

	sub, _ := node.Bus().Subscribe(0, 16)
	defer sub.Close()

	req := &gateway.TransactionRequest{
		TransactionID:  common.HexToHash("0x02"),
		Token:          token,
		Amount:         big.NewInt(10_000),
		ForwardAddress: nodeAddr(0x22),
		Expiry:         nodeTestNow + 600,
	}
	strangerKey, _ := nodeTestKey(t)
	sig, err := gateway.SignRequest(nodeTestDomain, req, strangerKey)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}

	if _, err := node.InitiateTransaction(caller, nil, req, sig); !errors.Is(err, gateway.ErrVerificationFailed) {
		t.Fatalf("expected verification failure, got %v", err)
	}

	select {
	case env := <-sub.Events():
		t.Fatalf("unexpected event %s after rejected initiate", env.Event.Type)
	default:
	}
	if got := balanceOf(t, node, token, caller); got.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("caller balance mutated: %s", got)
	}
	processed, err := node.IsProcessed(req.TransactionID)
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if processed {
		t.Fatalf("rejected request consumed its transaction id")
	}
}

func TestNodeCompleteViaRelayer(t *testing.T) {
	db := storage.NewMemDB()
	node := newTestNode(t, db)

	relayer := nodeAddr(0x66)
	receiver := nodeAddr(0x77)
	token := nodeAddr(0x70)

	if err := node.SeedPolicy(config.Policy{
		Roles: []config.RoleEntry{{Address: relayer, Capability: gateway.CapabilityRelayer}},
	}); err != nil {
		t.Fatalf("seed relayer: %v", err)
	}
	if err := node.MintToken(token, relayer, big.NewInt(5_000)); err != nil {
		t.Fatalf("mint token: %v", err)
	}
	approveGateway(t, node, token, relayer, 5_000)

	sub, _ := node.Bus().Subscribe(0, 16)
	defer sub.Close()

	txn := common.HexToHash("0x03")
	result, err := node.CompleteTransfer(relayer, nil, "acme", txn, token, big.NewInt(5_000), receiver, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.Amount.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("completed amount = %s", result.Amount)
	}
	if got := balanceOf(t, node, token, receiver); got.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("receiver balance = %s, want 5000", got)
	}

	envelopes := drainEvents(t, sub, 1)
	if envelopes[0].Event.Type != gateway.EventTypeTransferCompleted {
		t.Fatalf("event type %s, want transfer completed", envelopes[0].Event.Type)
	}

	reopened := newTestNode(t, db)
	processed, err := reopened.IsProcessed(txn)
	if err != nil {
		t.Fatalf("is processed after reload: %v", err)
	}
	if !processed {
		t.Fatalf("completion mark not persisted")
	}
}

func TestNodeCompletionPolicyOpen(t *testing.T) {
	db := storage.NewMemDB()
	node := newTestNode(t, db)
	node.SetCompletionPolicy(gateway.CompletionPolicyOpen)

	anyone := nodeAddr(0x12)
	token := nodeAddr(0x70)
	if err := node.MintToken(token, anyone, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint token: %v", err)
	}
	approveGateway(t, node, token, anyone, 1_000)

	if _, err := node.CompleteTransfer(anyone, nil, "", common.HexToHash("0x04"), token, big.NewInt(1_000), nodeAddr(0x77), nil); err != nil {
		t.Fatalf("open completion: %v", err)
	}
}

func TestNodeSeedPolicyPersists(t *testing.T) {
	db := storage.NewMemDB()
	node := newTestNode(t, db)

	admin := nodeAddr(0x55)
	blocked := nodeAddr(0xBB)
	recipient := nodeAddr(0x33)

	policy := config.Policy{
		ProtocolFee:  &config.FeeEntry{Recipient: recipient, FeeBps: 30},
		ClientFees:   []config.ClientFeeEntry{{ClientID: "acme", Recipient: recipient, FeeBps: 75}},
		Restrictions: []common.Address{blocked},
		Roles:        []config.RoleEntry{{Address: admin, Capability: gateway.CapabilityAdmin}},
	}
	if err := node.SeedPolicy(policy); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	reopened := newTestNode(t, db)
	info, set, err := reopened.ProtocolFeeInfo()
	if err != nil || !set {
		t.Fatalf("protocol fee after reload: set=%v err=%v", set, err)
	}
	if info.FeeBps != 30 || info.Recipient != recipient {
		t.Fatalf("protocol fee = %+v", info)
	}
	if _, set, _ := reopened.FeeInfo("acme"); !set {
		t.Fatalf("client fee not persisted")
	}
	restricted, err := reopened.IsRestricted(blocked)
	if err != nil || !restricted {
		t.Fatalf("restriction not persisted: %v %v", restricted, err)
	}
	hasAdmin, err := reopened.HasCapability(admin, gateway.CapabilityAdmin)
	if err != nil || !hasAdmin {
		t.Fatalf("admin capability not persisted: %v %v", hasAdmin, err)
	}
}

func TestNodePauseGatesInitiate(t *testing.T) {
	db := storage.NewMemDB()
	node := newTestNode(t, db)

	admin := nodeAddr(0x55)
	caller := nodeAddr(0x11)
	token := nodeAddr(0x70)

	key, _ := seedOperator(t, node)
	if err := node.SeedPolicy(config.Policy{
		Roles: []config.RoleEntry{{Address: admin, Capability: gateway.CapabilityAdmin}},
	}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if err := node.MintToken(token, caller, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint token: %v", err)
	}
	approveGateway(t, node, token, caller, 1_000)

	if err := node.SetPaused(admin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}

	req := &gateway.TransactionRequest{
		TransactionID:  common.HexToHash("0x05"),
		Token:          token,
		Amount:         big.NewInt(1_000),
		ForwardAddress: nodeAddr(0x22),
		Expiry:         nodeTestNow + 600,
	}
	sig, err := gateway.SignRequest(nodeTestDomain, req, key)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	if _, err := node.InitiateTransaction(caller, nil, req, sig); !errors.Is(err, gateway.ErrPaused) {
		t.Fatalf("expected pause rejection, got %v", err)
	}

	if err := node.SetPaused(admin, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := node.InitiateTransaction(caller, nil, req, sig); err != nil {
		t.Fatalf("initiate after unpause: %v", err)
	}
}

func TestNodeWithdrawMovesCustodyFunds(t *testing.T) {
	db := storage.NewMemDB()
	node := newTestNode(t, db)

	admin := nodeAddr(0x55)
	treasury := nodeAddr(0x78)
	if err := node.SeedPolicy(config.Policy{
		Roles: []config.RoleEntry{{Address: admin, Capability: gateway.CapabilityAdmin}},
	}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if err := node.MintNative(node.GatewayAddress(), big.NewInt(9_000)); err != nil {
		t.Fatalf("mint native: %v", err)
	}

	sub, _ := node.Bus().Subscribe(0, 16)
	defer sub.Close()

	if err := node.WithdrawTo(admin, gateway.NativeToken, big.NewInt(4_000), treasury); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := balanceOf(t, node, gateway.NativeToken, treasury); got.Cmp(big.NewInt(4_000)) != 0 {
		t.Fatalf("treasury balance = %s, want 4000", got)
	}
	envelopes := drainEvents(t, sub, 1)
	if envelopes[0].Event.Type != gateway.EventTypeWithdrawal {
		t.Fatalf("event type %s, want withdrawal", envelopes[0].Event.Type)
	}
}
