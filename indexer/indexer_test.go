package indexer

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"payfwd/core/events"
	"payfwd/gateway"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	ix, err := Open(dsn, nil)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() {
		if err := ix.Close(); err != nil {
			t.Errorf("close index: %v", err)
		}
	})
	return ix
}

func indexAddr(fill byte) common.Address {
	var addr common.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, common.AddressLength))
	return addr
}

func initiatedEvent(txn common.Hash, sender common.Address, clientID string) gateway.TransactionInitiatedEvent {
	return gateway.TransactionInitiatedEvent{
		TransactionID:  txn,
		Sender:         sender,
		Token:          indexAddr(0x70),
		Amount:         big.NewInt(10_000),
		NetValue:       big.NewInt(10_000),
		ProtocolFee:    big.NewInt(250),
		ProtocolFeeBps: 250,
		DeveloperFee:   big.NewInt(100),
		PayoutCount:    2,
		ClientID:       clientID,
		ForwardAddress: indexAddr(0x22),
		SpenderAddress: indexAddr(0x22),
		Direct:         true,
	}
}

func TestIndexAppliesInitiatedFlow(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	bus := events.NewBus(0)
	defer bus.Close()

	txn := common.HexToHash("0x01")
	sender := indexAddr(0x11)
	envelopes := []events.Envelope{
		bus.Publish(gateway.FeePayoutEvent{
			TransactionID: txn,
			Scope:         gateway.FeeScopeProtocol,
			Payer:         sender,
			Recipient:     indexAddr(0x33),
			Token:         indexAddr(0x70),
			Amount:        big.NewInt(250),
			FeeBps:        250,
		}),
		bus.Publish(gateway.FeePayoutEvent{
			TransactionID: txn,
			Scope:         gateway.FeeScopeDeveloper,
			Payer:         sender,
			Recipient:     indexAddr(0x44),
			Token:         indexAddr(0x70),
			Amount:        big.NewInt(100),
			FeeBps:        100,
			ClientID:      "acme",
		}),
		bus.Publish(initiatedEvent(txn, sender, "acme")),
	}
	for _, env := range envelopes {
		if err := ix.Apply(ctx, env); err != nil {
			t.Fatalf("apply sequence %d: %v", env.Sequence, err)
		}
	}

	rows, err := ix.Transactions(ctx, TransactionQuery{})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("transactions = %d, want 1", len(rows))
	}
	if rows[0].TxnID != txn.Hex() {
		t.Fatalf("txn id = %s, want %s", rows[0].TxnID, txn.Hex())
	}
	if rows[0].AmountWei != "10000" || rows[0].ProtocolFeeWei != "250" || rows[0].Mode != "direct" {
		t.Fatalf("unexpected row %+v", rows[0])
	}
	if rows[0].ProtocolFeeBps != 250 {
		t.Fatalf("protocol fee bps = %d", rows[0].ProtocolFeeBps)
	}

	row, payouts, err := ix.TransactionByID(ctx, txn.Hex())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row == nil {
		t.Fatalf("transaction not found")
	}
	if len(payouts) != 2 {
		t.Fatalf("payouts = %d, want 2", len(payouts))
	}
	if payouts[0].Scope != gateway.FeeScopeProtocol || payouts[1].Scope != gateway.FeeScopeDeveloper {
		t.Fatalf("payout order %s, %s", payouts[0].Scope, payouts[1].Scope)
	}
	if payouts[1].ClientID != "acme" {
		t.Fatalf("developer payout client = %q", payouts[1].ClientID)
	}

	applied, err := ix.LastApplied(ctx)
	if err != nil {
		t.Fatalf("last applied: %v", err)
	}
	if applied != 3 {
		t.Fatalf("cursor = %d, want 3", applied)
	}

	// Replaying an already-applied envelope must not duplicate rows.
	if err := ix.Apply(ctx, envelopes[0]); err != nil {
		t.Fatalf("replay apply: %v", err)
	}
	_, payouts, err = ix.TransactionByID(ctx, txn.Hex())
	if err != nil {
		t.Fatalf("lookup after replay: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("payouts after replay = %d, want 2", len(payouts))
	}
}

func TestIndexQueryFiltersAndCompletions(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	bus := events.NewBus(0)
	defer bus.Close()

	txnA := common.HexToHash("0x0a")
	txnB := common.HexToHash("0x0b")
	senderA := indexAddr(0x11)
	senderB := indexAddr(0x12)

	apply := func(env events.Envelope) {
		t.Helper()
		if err := ix.Apply(ctx, env); err != nil {
			t.Fatalf("apply sequence %d: %v", env.Sequence, err)
		}
	}
	apply(bus.Publish(initiatedEvent(txnA, senderA, "acme")))
	apply(bus.Publish(initiatedEvent(txnB, senderB, "beta")))
	apply(bus.Publish(gateway.TransferCompletedEvent{
		TransactionID: txnA,
		ClientID:      "acme",
		Caller:        indexAddr(0x66),
		Token:         indexAddr(0x70),
		Amount:        big.NewInt(10_000),
		Receiver:      indexAddr(0x77),
	}))

	byClient, err := ix.Transactions(ctx, TransactionQuery{ClientID: "beta"})
	if err != nil {
		t.Fatalf("filter by client: %v", err)
	}
	if len(byClient) != 1 || byClient[0].TxnID != txnB.Hex() {
		t.Fatalf("client filter rows = %+v", byClient)
	}

	bySender, err := ix.Transactions(ctx, TransactionQuery{Sender: strings.ToUpper(senderA.Hex())})
	if err != nil {
		t.Fatalf("filter by sender: %v", err)
	}
	if len(bySender) != 1 || bySender[0].TxnID != txnA.Hex() {
		t.Fatalf("sender filter rows = %+v", bySender)
	}

	paged, err := ix.Transactions(ctx, TransactionQuery{AfterSequence: 1})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(paged) != 1 || paged[0].TxnID != txnB.Hex() {
		t.Fatalf("paged rows = %+v", paged)
	}

	completion, err := ix.CompletionByID(ctx, txnA.Hex())
	if err != nil {
		t.Fatalf("completion lookup: %v", err)
	}
	if completion == nil || completion.Receiver != strings.ToLower(indexAddr(0x77).Hex()) {
		t.Fatalf("completion = %+v", completion)
	}
	missing, err := ix.CompletionByID(ctx, txnB.Hex())
	if err != nil {
		t.Fatalf("missing completion lookup: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected no completion for %s", txnB.Hex())
	}
}

func TestIndexRunDrainsClosedBus(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	bus := events.NewBus(0)

	bus.Publish(initiatedEvent(common.HexToHash("0x01"), indexAddr(0x11), "acme"))
	bus.Publish(initiatedEvent(common.HexToHash("0x02"), indexAddr(0x11), "acme"))
	bus.Close()

	if err := ix.Run(ctx, bus); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows, err := ix.Transactions(ctx, TransactionQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	applied, err := ix.LastApplied(ctx)
	if err != nil {
		t.Fatalf("last applied: %v", err)
	}
	if applied != 2 {
		t.Fatalf("cursor = %d, want 2", applied)
	}
}

func TestIndexExportWritesChecksummedArtefacts(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	bus := events.NewBus(0)
	defer bus.Close()

	txn := common.HexToHash("0x01")
	if err := ix.Apply(ctx, bus.Publish(initiatedEvent(txn, indexAddr(0x11), "acme"))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := ix.Apply(ctx, bus.Publish(initiatedEvent(common.HexToHash("0x02"), indexAddr(0x12), "beta"))); err != nil {
		t.Fatalf("apply: %v", err)
	}

	dir := t.TempDir()
	manifest, err := ix.ExportTransactions(ctx, dir, 0, 0)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if manifest.Rows != 2 {
		t.Fatalf("manifest rows = %d, want 2", manifest.Rows)
	}
	if len(manifest.Files) != 2 {
		t.Fatalf("manifest files = %d, want 2", len(manifest.Files))
	}
	for _, file := range manifest.Files {
		if file.Checksum == "" {
			t.Fatalf("file %s missing checksum", file.Name)
		}
		if _, err := os.Stat(filepath.Join(dir, file.Name)); err != nil {
			t.Fatalf("artefact %s: %v", file.Name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err != nil {
		t.Fatalf("manifest file: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "transactions.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !strings.Contains(string(data), txn.Hex()) {
		t.Fatalf("csv missing transaction id")
	}
}
