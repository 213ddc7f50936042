package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"payfwd/config"
	"payfwd/core"
	"payfwd/core/events"
	"payfwd/crypto"
	"payfwd/gateway"
	"payfwd/indexer"
	"payfwd/rpc"
	"payfwd/sdk"
	"payfwd/storage"
)

// cliEnv runs commands against a live in-process node so the full path from
// argv to ledger state is covered.
type cliEnv struct {
	node   *core.Node
	domain gateway.Domain
	server *httptest.Server
}

func newCLIEnv(t *testing.T, roles ...config.RoleEntry) *cliEnv {
	t.Helper()
	domain := gateway.Domain{ChainID: 4242, Gateway: cliAddr(0xDD)}
	node, err := core.NewNode(storage.NewMemDB(), domain, nil)
	if err != nil {
		t.Fatalf("build node: %v", err)
	}
	t.Cleanup(node.Close)
	if len(roles) > 0 {
		if err := node.SeedPolicy(config.Policy{Roles: roles}); err != nil {
			t.Fatalf("seed policy: %v", err)
		}
	}
	server := httptest.NewServer(rpc.NewServer(node, nil, rpc.Config{}, nil).Handler())
	t.Cleanup(server.Close)

	original := newGatewayClient
	newGatewayClient = func() (*sdk.Client, error) {
		return sdk.New(server.URL)
	}
	t.Cleanup(func() { newGatewayClient = original })

	return &cliEnv{node: node, domain: domain, server: server}
}

func TestInitiateFlowAgainstNode(t *testing.T) {
	t.Setenv(defaultPassEnv, "cli-test-pass")
	dir := t.TempDir()

	keystorePath := filepath.Join(dir, "op.keystore")
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if exit := runKeysCommand([]string{"new", "--keystore", keystorePath}, stdout, stderr); exit != 0 {
		t.Fatalf("keys new exit %d: %s", exit, stderr.String())
	}
	key, err := crypto.LoadFromKeystore(keystorePath, "cli-test-pass")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	operator := key.Address()

	env := newCLIEnv(t, config.RoleEntry{Address: operator, Capability: gateway.CapabilityOperator})
	if err := env.node.MintNative(operator, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("fund operator: %v", err)
	}

	forward := cliAddr(0x22)
	reqFile := filepath.Join(dir, "req.json")
	stdout.Reset()
	stderr.Reset()
	exit := runRequestCommand([]string{
		"new", "--amount", "40000", "--forward", forward.Hex(), "--out", reqFile,
	}, stdout, stderr)
	if exit != 0 {
		t.Fatalf("request new exit %d: %s", exit, stderr.String())
	}
	raw, err := os.ReadFile(reqFile)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req sdk.TransactionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("parse request: %v", err)
	}

	signedFile := filepath.Join(dir, "signed.json")
	stdout.Reset()
	stderr.Reset()
	exit = runRequestCommand([]string{
		"sign",
		"--file", reqFile,
		"--keystore", keystorePath,
		"--chain-id", "4242",
		"--gateway", env.domain.Gateway.Hex(),
		"--out", signedFile,
	}, stdout, stderr)
	if exit != 0 {
		t.Fatalf("request sign exit %d: %s", exit, stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	exit = runInitiate([]string{"--file", signedFile, "--caller", operator.Hex()}, stdout, stderr)
	if exit != 0 {
		t.Fatalf("initiate exit %d: %s", exit, stderr.String())
	}
	if !strings.Contains(stdout.String(), req.TransactionID) {
		t.Fatalf("receipt missing transaction id: %q", stdout.String())
	}

	balance, err := env.node.BalanceOf(gateway.NativeToken, forward)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(40000)) != 0 {
		t.Fatalf("forward balance = %s, want 40000", balance)
	}

	stdout.Reset()
	stderr.Reset()
	exit = runProcessed([]string{"--txn-id", req.TransactionID}, stdout, stderr)
	if exit != 0 {
		t.Fatalf("processed exit %d: %s", exit, stderr.String())
	}
	if !strings.Contains(stdout.String(), "processed: true") {
		t.Fatalf("unexpected processed output: %q", stdout.String())
	}

	// The replay guard rejects a second submission of the same envelope.
	stdout.Reset()
	stderr.Reset()
	if exit := runInitiate([]string{"--file", signedFile, "--caller", operator.Hex()}, stdout, stderr); exit != 1 {
		t.Fatalf("duplicate initiate exit = %d, want 1", exit)
	}
	if stderr.Len() == 0 {
		t.Fatal("duplicate initiate produced no error")
	}
}

func TestCompleteCommandSettlesNative(t *testing.T) {
	relayerAddr := cliAddr(0x55)
	receiver := cliAddr(0x66)
	env := newCLIEnv(t, config.RoleEntry{Address: relayerAddr, Capability: gateway.CapabilityRelayer})
	if err := env.node.MintNative(relayerAddr, big.NewInt(5_000)); err != nil {
		t.Fatalf("fund relayer: %v", err)
	}

	txnID := gateway.NewTransactionID().Hex()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exit := runComplete([]string{
		"--caller", relayerAddr.Hex(),
		"--txn-id", txnID,
		"--amount", "900",
		"--receiver", receiver.Hex(),
	}, stdout, stderr)
	if exit != 0 {
		t.Fatalf("complete exit %d: %s", exit, stderr.String())
	}

	balance, err := env.node.BalanceOf(gateway.NativeToken, receiver)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("receiver balance = %s, want 900", balance)
	}

	processed, err := env.node.IsProcessed(common.HexToHash(txnID))
	if err != nil {
		t.Fatalf("processed: %v", err)
	}
	if !processed {
		t.Fatal("completion did not mark the transaction processed")
	}
}

func TestAdminPauseRoundTrip(t *testing.T) {
	admin := cliAddr(0x77)
	env := newCLIEnv(t, config.RoleEntry{Address: admin, Capability: gateway.CapabilityAdmin})

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if exit := runAdminCommand([]string{"pause", "--caller", admin.Hex()}, stdout, stderr); exit != 0 {
		t.Fatalf("pause exit %d: %s", exit, stderr.String())
	}
	paused, err := env.node.Paused()
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if !paused {
		t.Fatal("gateway not paused")
	}

	stdout.Reset()
	stderr.Reset()
	if exit := runAdminCommand([]string{"pause", "--caller", admin.Hex(), "--paused=false"}, stdout, stderr); exit != 0 {
		t.Fatalf("resume exit %d: %s", exit, stderr.String())
	}
	paused, err = env.node.Paused()
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if paused {
		t.Fatal("gateway still paused")
	}

	// A caller without the admin capability is rejected.
	stdout.Reset()
	stderr.Reset()
	if exit := runAdminCommand([]string{"pause", "--caller", cliAddr(0x78).Hex()}, stdout, stderr); exit != 1 {
		t.Fatalf("unauthorized pause exit = %d, want 1", exit)
	}
	if stderr.Len() == 0 {
		t.Fatal("unauthorized pause produced no error")
	}
}

func TestAdminCommandsRequireFlags(t *testing.T) {
	for _, args := range [][]string{
		{"pause"},
		{"restrict", "--caller", cliAddr(0x01).Hex()},
		{"set-protocol-fee", "--recipient", cliAddr(0x02).Hex()},
		{"set-fee", "--caller", cliAddr(0x01).Hex()},
		{"set-capability", "--caller", cliAddr(0x01).Hex(), "--address", cliAddr(0x02).Hex()},
		{"withdraw", "--caller", cliAddr(0x01).Hex()},
	} {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		if exit := runAdminCommand(args, stdout, stderr); exit != 1 {
			t.Fatalf("admin %v exit = %d, want 1", args, exit)
		}
		if !strings.Contains(stderr.String(), "required") {
			t.Fatalf("admin %v stderr: %q", args, stderr.String())
		}
	}
}

func TestExportCommandWritesSelectedFormat(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "index.db")

	ix, err := indexer.Open(dsn, nil)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	bus := events.NewBus(0)
	defer bus.Close()
	ctx := context.Background()
	for i := byte(1); i <= 2; i++ {
		event := gateway.TransactionInitiatedEvent{
			TransactionID:  common.BytesToHash(bytes.Repeat([]byte{i}, common.HashLength)),
			Sender:         cliAddr(0x10 + i),
			Token:          cliAddr(0x70),
			Amount:         big.NewInt(10_000),
			NetValue:       big.NewInt(9_900),
			ProtocolFee:    big.NewInt(100),
			ProtocolFeeBps: 100,
			DeveloperFee:   big.NewInt(0),
			ClientID:       "acme",
			ForwardAddress: cliAddr(0x22),
			Direct:         true,
		}
		if err := ix.Apply(ctx, bus.Publish(event)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if err := ix.Close(); err != nil {
		t.Fatalf("close index: %v", err)
	}

	outDir := filepath.Join(dir, "export")
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exit := runExportCommand([]string{"csv", "--dsn", dsn, "--dir", outDir}, stdout, stderr)
	if exit != 0 {
		t.Fatalf("export exit %d: %s", exit, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Exported 2 rows") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	if _, err := os.Stat(filepath.Join(outDir, "transactions.csv")); err != nil {
		t.Fatalf("csv artefact: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "manifest.json")); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "transactions.parquet")); !os.IsNotExist(err) {
		t.Fatalf("parquet artefact should not exist, stat err = %v", err)
	}
}
