package relayer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"payfwd/config"
	"payfwd/core"
	"payfwd/core/events"
	"payfwd/core/types"
	"payfwd/gateway"
	"payfwd/rpc"
	"payfwd/sdk"
	"payfwd/storage"
)

var relayTestDomain = gateway.Domain{ChainID: 4242, Gateway: relayAddr(0xCD)}

var relayKeySeed byte = 0x71

func relayAddr(fill byte) common.Address {
	var addr common.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, common.AddressLength))
	return addr
}

func relayTestKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	seed := bytes.Repeat([]byte{relayKeySeed}, 32)
	relayKeySeed++
	key, err := ethcrypto.ToECDSA(seed)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	return key, ethcrypto.PubkeyToAddress(key.PublicKey)
}

type stubCompleter struct {
	mu        sync.Mutex
	calls     []sdk.CompleteParams
	errs      []error
	processed bool
	probeErr  error
}

func (s *stubCompleter) CompleteTransfer(_ context.Context, params sdk.CompleteParams) (*sdk.CompleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, params)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &sdk.CompleteResult{TransactionID: params.TransactionID, Receiver: params.Receiver, Amount: params.Amount}, nil
}

func (s *stubCompleter) IsProcessed(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probeErr != nil {
		return false, s.probeErr
	}
	return s.processed, nil
}

func (s *stubCompleter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubCompleter) call(i int) sdk.CompleteParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func newTestRelayer(t *testing.T, cfg Config, dest Completer) (*Relayer, *Store) {
	t.Helper()
	store := newTestStore(t)
	if cfg.SourceWS == "" {
		cfg.SourceWS = "ws://unused.invalid/ws/events"
	}
	if cfg.Caller == "" {
		cfg.Caller = relayAddr(0x77).Hex()
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 2 * time.Millisecond
	}
	r, err := New(cfg, dest, store, nil)
	if err != nil {
		t.Fatalf("new relayer: %v", err)
	}
	return r, store
}

func initiatedEnvelope(seq uint64, attrs map[string]string) events.Envelope {
	return events.Envelope{Sequence: seq, Event: &types.Event{
		Type:       gateway.EventTypeTransactionInitiated,
		Attributes: attrs,
	}}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestCompletionBuildsDestinationCall(t *testing.T) {
	srcToken := relayAddr(0xA1)
	dstToken := relayAddr(0xB2)
	receiver := relayAddr(0xC3)
	sender := relayAddr(0xD4)

	r, _ := newTestRelayer(t, Config{
		TokenMap: map[string]string{srcToken.Hex(): dstToken.Hex()},
	}, &stubCompleter{})

	params := r.completion("0x55", map[string]string{
		"token":     strings.ToLower(srcToken.Hex()),
		"amount":    "5000",
		"sender":    strings.ToLower(sender.Hex()),
		"clientId":  "shop",
		"extraData": hexutil.Encode(receiver.Bytes()),
	})
	if params.Token != strings.ToLower(dstToken.Hex()) {
		t.Fatalf("token = %q, want mapped %q", params.Token, strings.ToLower(dstToken.Hex()))
	}
	if params.Value != "" {
		t.Fatalf("token completion must not carry native value, got %q", params.Value)
	}
	if params.Amount != "5000" || params.ClientID != "shop" || params.TransactionID != "0x55" {
		t.Fatalf("unexpected params: %+v", params)
	}
	if params.Receiver != receiver.Hex() {
		t.Fatalf("receiver = %q, want %q from extra data", params.Receiver, receiver.Hex())
	}

	// Native source funds with no receiver hint settle back to the sender.
	params = r.completion("0x56", map[string]string{
		"token":  strings.ToLower(gateway.NativeToken.Hex()),
		"amount": "700",
		"sender": strings.ToLower(sender.Hex()),
	})
	if params.Token != "" {
		t.Fatalf("native completion token = %q, want empty", params.Token)
	}
	if params.Value != "700" {
		t.Fatalf("native completion value = %q, want amount", params.Value)
	}
	if params.Receiver != strings.ToLower(sender.Hex()) {
		t.Fatalf("receiver = %q, want source sender", params.Receiver)
	}
}

func TestHandleSkipsForeignClients(t *testing.T) {
	stub := &stubCompleter{}
	r, store := newTestRelayer(t, Config{ClientID: "alpha"}, stub)

	env := initiatedEnvelope(4, map[string]string{
		"txnId":    "0x90",
		"token":    strings.ToLower(gateway.NativeToken.Hex()),
		"amount":   "100",
		"sender":   strings.ToLower(relayAddr(0x01).Hex()),
		"clientId": "beta",
	})
	if err := r.handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if stub.count() != 0 {
		t.Fatalf("expected no submission for a foreign client, got %d", stub.count())
	}
	cursor, err := store.Cursor()
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 4 {
		t.Fatalf("cursor = %d, want 4", cursor)
	}
}

func TestHandleSkipsJournalledTransactions(t *testing.T) {
	stub := &stubCompleter{}
	r, store := newTestRelayer(t, Config{}, stub)

	if _, err := store.MarkDelivery(DeliveryState{TxnID: "0x91", Status: DeliveryCompleted, Sequence: 2}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	env := initiatedEnvelope(5, map[string]string{
		"txnId":  "0x91",
		"token":  strings.ToLower(gateway.NativeToken.Hex()),
		"amount": "100",
		"sender": strings.ToLower(relayAddr(0x01).Hex()),
	})
	if err := r.handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if stub.count() != 0 {
		t.Fatalf("expected no resubmission, got %d", stub.count())
	}
}

func TestHandleAdvancesCursorPastOtherEvents(t *testing.T) {
	stub := &stubCompleter{}
	r, store := newTestRelayer(t, Config{}, stub)

	env := events.Envelope{Sequence: 6, Event: &types.Event{
		Type:       gateway.EventTypePauseUpdated,
		Attributes: map[string]string{"paused": "true"},
	}}
	if err := r.handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if stub.count() != 0 {
		t.Fatalf("pause event must not trigger a completion")
	}
	cursor, err := store.Cursor()
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 6 {
		t.Fatalf("cursor = %d, want 6", cursor)
	}
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	stub := &stubCompleter{errs: []error{errors.New("connection refused")}}
	r, store := newTestRelayer(t, Config{}, stub)

	env := initiatedEnvelope(1, map[string]string{
		"txnId":  "0x92",
		"token":  strings.ToLower(gateway.NativeToken.Hex()),
		"amount": "250",
		"sender": strings.ToLower(relayAddr(0x02).Hex()),
	})
	if err := r.handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if stub.count() != 2 {
		t.Fatalf("expected retry after transient failure, got %d calls", stub.count())
	}
	first := stub.call(0)
	if first.TransactionID != "0x92" || first.Value != "250" {
		t.Fatalf("submitted params = %+v", first)
	}
	state, ok, err := store.Delivery("0x92")
	if err != nil || !ok {
		t.Fatalf("delivery lookup: ok=%v err=%v", ok, err)
	}
	if state.Status != DeliveryCompleted || state.Sequence != 1 {
		t.Fatalf("state = %+v, want completion at sequence 1", state)
	}
}

func TestSubmitSkipsOnValidationReject(t *testing.T) {
	stub := &stubCompleter{errs: []error{&sdk.Error{Code: sdk.CodeValidation, Message: "request rejected"}}}
	r, store := newTestRelayer(t, Config{}, stub)

	env := initiatedEnvelope(2, map[string]string{
		"txnId":  "0x93",
		"token":  strings.ToLower(gateway.NativeToken.Hex()),
		"amount": "250",
		"sender": strings.ToLower(relayAddr(0x03).Hex()),
	})
	if err := r.handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if stub.count() != 1 {
		t.Fatalf("validation rejections must not retry, got %d calls", stub.count())
	}
	state, ok, err := store.Delivery("0x93")
	if err != nil || !ok {
		t.Fatalf("delivery lookup: ok=%v err=%v", ok, err)
	}
	if state.Status != DeliverySkipped {
		t.Fatalf("status = %q, want skipped", state.Status)
	}
	if !strings.Contains(state.Reason, "request rejected") {
		t.Fatalf("reason = %q, want the rejection message", state.Reason)
	}
}

func TestSubmitTreatsReplayAsSettled(t *testing.T) {
	stub := &stubCompleter{
		errs:      []error{&sdk.Error{Code: sdk.CodeValidation, Message: "request rejected"}},
		processed: true,
	}
	r, store := newTestRelayer(t, Config{}, stub)

	env := initiatedEnvelope(3, map[string]string{
		"txnId":  "0x94",
		"token":  strings.ToLower(gateway.NativeToken.Hex()),
		"amount": "250",
		"sender": strings.ToLower(relayAddr(0x04).Hex()),
	})
	if err := r.handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	state, ok, err := store.Delivery("0x94")
	if err != nil || !ok {
		t.Fatalf("delivery lookup: ok=%v err=%v", ok, err)
	}
	if state.Status != DeliveryCompleted {
		t.Fatalf("status = %q, want completed when the destination already settled", state.Status)
	}
	if state.Reason != "settled on destination" {
		t.Fatalf("reason = %q", state.Reason)
	}
}

func TestSubmitGivesUpAfterMaxAttempts(t *testing.T) {
	stub := &stubCompleter{errs: []error{
		errors.New("boom"),
		errors.New("boom"),
		errors.New("boom"),
	}}
	r, store := newTestRelayer(t, Config{MaxAttempts: 3}, stub)

	env := initiatedEnvelope(4, map[string]string{
		"txnId":  "0x95",
		"token":  strings.ToLower(gateway.NativeToken.Hex()),
		"amount": "250",
		"sender": strings.ToLower(relayAddr(0x05).Hex()),
	})
	if err := r.handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if stub.count() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", stub.count())
	}
	state, ok, err := store.Delivery("0x95")
	if err != nil || !ok {
		t.Fatalf("delivery lookup: ok=%v err=%v", ok, err)
	}
	if state.Status != DeliverySkipped || !strings.Contains(state.Reason, "boom") {
		t.Fatalf("state = %+v, want skip carrying the last error", state)
	}
	cursor, err := store.Cursor()
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 4 {
		t.Fatalf("cursor = %d, want 4: a poisoned transaction must not wedge the stream", cursor)
	}
}

type bridgeEnv struct {
	srcNode *core.Node
	dstNode *core.Node

	sourceWS  string
	dstClient *sdk.Client

	operatorKey *ecdsa.PrivateKey
	sender      common.Address
	forward     common.Address
	caller      common.Address
}

func newBridgeEnv(t *testing.T) *bridgeEnv {
	t.Helper()

	operatorKey, operator := relayTestKey(t)
	_, sender := relayTestKey(t)
	_, forward := relayTestKey(t)
	_, caller := relayTestKey(t)

	srcNode, err := core.NewNode(storage.NewMemDB(), relayTestDomain, nil)
	if err != nil {
		t.Fatalf("source node: %v", err)
	}
	t.Cleanup(srcNode.Close)
	if err := srcNode.SeedPolicy(config.Policy{Roles: []config.RoleEntry{
		{Address: operator, Capability: gateway.CapabilityOperator},
	}}); err != nil {
		t.Fatalf("seed source policy: %v", err)
	}
	srcServer := httptest.NewServer(rpc.NewServer(srcNode, nil, rpc.Config{}, nil).Handler())
	t.Cleanup(srcServer.Close)

	dstNode, err := core.NewNode(storage.NewMemDB(), relayTestDomain, nil)
	if err != nil {
		t.Fatalf("destination node: %v", err)
	}
	t.Cleanup(dstNode.Close)
	if err := dstNode.SeedPolicy(config.Policy{Roles: []config.RoleEntry{
		{Address: caller, Capability: gateway.CapabilityRelayer},
		{Address: operator, Capability: gateway.CapabilityOperator},
	}}); err != nil {
		t.Fatalf("seed destination policy: %v", err)
	}
	dstServer := httptest.NewServer(rpc.NewServer(dstNode, nil, rpc.Config{}, nil).Handler())
	t.Cleanup(dstServer.Close)

	dstClient, err := sdk.New(dstServer.URL, sdk.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("destination client: %v", err)
	}

	return &bridgeEnv{
		srcNode:     srcNode,
		dstNode:     dstNode,
		sourceWS:    "ws" + strings.TrimPrefix(srcServer.URL, "http") + "/ws/events",
		dstClient:   dstClient,
		operatorKey: operatorKey,
		sender:      sender,
		forward:     forward,
		caller:      caller,
	}
}

// initiatedBacklog returns the first initiated-transaction envelope retained
// by the source bus.
func (env *bridgeEnv) initiatedBacklog(t *testing.T) events.Envelope {
	t.Helper()
	sub, backlog := env.srcNode.Bus().Subscribe(0, 8)
	sub.Close()
	for i := range backlog {
		if backlog[i].Event != nil && backlog[i].Event.Type == gateway.EventTypeTransactionInitiated {
			return backlog[i]
		}
	}
	t.Fatalf("no initiated event in source backlog")
	return events.Envelope{}
}

func (env *bridgeEnv) initiateNative(t *testing.T, txnID common.Hash, amount int64, extraData []byte) {
	t.Helper()
	if err := env.srcNode.MintNative(env.sender, big.NewInt(amount)); err != nil {
		t.Fatalf("mint native: %v", err)
	}
	req := &gateway.TransactionRequest{
		TransactionID:  txnID,
		Token:          gateway.NativeToken,
		Amount:         big.NewInt(amount),
		ForwardAddress: env.forward,
		Expiry:         time.Now().Unix() + 600,
		ExtraData:      extraData,
	}
	sig, err := gateway.SignRequest(relayTestDomain, req, env.operatorKey)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	if _, err := env.srcNode.InitiateTransaction(env.sender, big.NewInt(amount), req, sig); err != nil {
		t.Fatalf("initiate: %v", err)
	}
}

func TestRunBridgesGateways(t *testing.T) {
	env := newBridgeEnv(t)

	_, receiver := relayTestKey(t)
	txnID := common.HexToHash("0x61")
	env.initiateNative(t, txnID, 4000, receiver.Bytes())

	if err := env.dstNode.MintNative(env.caller, big.NewInt(10_000)); err != nil {
		t.Fatalf("fund relayer caller: %v", err)
	}

	store := newTestStore(t)
	r, err := New(Config{
		SourceWS:    env.sourceWS,
		Caller:      env.caller.Hex(),
		MinBackoff:  5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
		DialBackoff: 10 * time.Millisecond,
	}, env.dstClient, store, nil)
	if err != nil {
		t.Fatalf("new relayer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		bal, err := env.dstNode.BalanceOf(gateway.NativeToken, receiver)
		return err == nil && bal.Cmp(big.NewInt(4000)) == 0
	})

	processed, err := env.dstNode.IsProcessed(txnID)
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if !processed {
		t.Fatalf("destination replay guard should record the transaction")
	}
	waitFor(t, 5*time.Second, func() bool {
		state, ok, err := store.Delivery(txnID.Hex())
		return err == nil && ok && state.Status == DeliveryCompleted
	})

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestReplayAfterJournalLossConsultsDestination(t *testing.T) {
	env := newBridgeEnv(t)

	_, receiver := relayTestKey(t)
	txnID := common.HexToHash("0x62")
	env.initiateNative(t, txnID, 1500, receiver.Bytes())

	if err := env.dstNode.MintNative(env.caller, big.NewInt(5_000)); err != nil {
		t.Fatalf("fund relayer caller: %v", err)
	}

	// Settle once through the destination directly, as a previous relayer
	// run would have before losing its journal.
	if _, err := env.dstClient.CompleteTransfer(context.Background(), sdk.CompleteParams{
		Caller:        env.caller.Hex(),
		Value:         "1500",
		TransactionID: txnID.Hex(),
		Amount:        "1500",
		Receiver:      receiver.Hex(),
	}); err != nil {
		t.Fatalf("pre-settle: %v", err)
	}

	initiated := env.initiatedBacklog(t)

	r, store := newTestRelayer(t, Config{
		SourceWS: env.sourceWS,
		Caller:   env.caller.Hex(),
	}, env.dstClient)
	if err := r.handle(context.Background(), initiated); err != nil {
		t.Fatalf("handle replay: %v", err)
	}

	state, ok, err := store.Delivery(txnID.Hex())
	if err != nil || !ok {
		t.Fatalf("delivery lookup: ok=%v err=%v", ok, err)
	}
	if state.Status != DeliveryCompleted || state.Reason != "settled on destination" {
		t.Fatalf("state = %+v, want settled-on-destination completion", state)
	}
	bal, err := env.dstNode.BalanceOf(gateway.NativeToken, receiver)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("receiver balance = %s, want 1500: replay must not double-pay", bal)
	}
}

func TestSignedCompletionsUnderSignaturePolicy(t *testing.T) {
	env := newBridgeEnv(t)
	env.dstNode.SetCompletionPolicy(gateway.CompletionPolicySignature)

	_, receiver := relayTestKey(t)
	txnID := common.HexToHash("0x63")
	env.initiateNative(t, txnID, 900, receiver.Bytes())
	if err := env.dstNode.MintNative(env.caller, big.NewInt(2_000)); err != nil {
		t.Fatalf("fund relayer caller: %v", err)
	}
	initiated := env.initiatedBacklog(t)

	// Without a signing key the destination rejects the completion and the
	// relayer journals a skip.
	unsigned, unsignedStore := newTestRelayer(t, Config{
		SourceWS: env.sourceWS,
		Caller:   env.caller.Hex(),
	}, env.dstClient)
	if err := unsigned.handle(context.Background(), initiated); err != nil {
		t.Fatalf("handle unsigned: %v", err)
	}
	state, ok, err := unsignedStore.Delivery(txnID.Hex())
	if err != nil || !ok {
		t.Fatalf("delivery lookup: ok=%v err=%v", ok, err)
	}
	if state.Status != DeliverySkipped {
		t.Fatalf("unsigned completion state = %+v, want skip", state)
	}

	// The same transaction settles once a signing key is configured.
	signed, signedStore := newTestRelayer(t, Config{
		SourceWS:   env.sourceWS,
		Caller:     env.caller.Hex(),
		SigningKey: env.operatorKey,
		DestDomain: relayTestDomain,
	}, env.dstClient)
	if err := signed.handle(context.Background(), initiated); err != nil {
		t.Fatalf("handle signed: %v", err)
	}
	state, ok, err = signedStore.Delivery(txnID.Hex())
	if err != nil || !ok {
		t.Fatalf("delivery lookup: ok=%v err=%v", ok, err)
	}
	if state.Status != DeliveryCompleted {
		t.Fatalf("signed completion state = %+v, want completion", state)
	}
	bal, err := env.dstNode.BalanceOf(gateway.NativeToken, receiver)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("receiver balance = %s, want 900", bal)
	}
}
