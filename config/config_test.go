package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"payfwd/gateway"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadParsesDaemonConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "payfwd.toml", `ListenAddress = "0.0.0.0:9000"
DataDir = "./data"
ChainID = 187001
GatewayAddress = "0x00000000000000000000000000000000000000aa"
CompletionPolicy = "signature"
PolicyFile = "policy.yaml"
Environment = "staging"

[auth]
Enabled = true
SecretEnv = "TEST_JWT_SECRET"
Issuer = "payfwd"

[ratelimit]
RequestsPerSecond = 25.0
Burst = 50

[index]
Enabled = true
DSN = "./index.db"

[telemetry]
Endpoint = "collector:4318"
Traces = true

[[webhooks]]
Name = "settlement"
URL = "https://hooks.example.com/payfwd"
SecretEnv = "HOOK_SECRET"
Events = ["gateway.transaction.initiated"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.ChainID != 187001 {
		t.Fatalf("unexpected chain id %d", cfg.ChainID)
	}
	if cfg.CompletionPolicy != CompletionPolicySignature {
		t.Fatalf("unexpected completion policy %q", cfg.CompletionPolicy)
	}
	if !cfg.Auth.Enabled || cfg.Auth.SecretEnv != "TEST_JWT_SECRET" {
		t.Fatalf("auth config not parsed: %+v", cfg.Auth)
	}
	if cfg.RateLimit.RequestsPerSecond != 25 || cfg.RateLimit.Burst != 50 {
		t.Fatalf("rate limit config not parsed: %+v", cfg.RateLimit)
	}
	if !cfg.Index.Enabled || cfg.Index.DSN != "./index.db" {
		t.Fatalf("index config not parsed: %+v", cfg.Index)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Name != "settlement" {
		t.Fatalf("webhook config not parsed: %+v", cfg.Webhooks)
	}
	if cfg.GatewayKeystorePath == "" {
		t.Fatalf("expected keystore path to be filled in")
	}
	if _, err := os.Stat(cfg.GatewayKeystorePath); err != nil {
		t.Fatalf("expected keystore to be created: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "payfwd.toml", `ListenAddress = ":8080"
CompletionPollicy = "relayer"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsInvalidCompletionPolicy(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "payfwd.toml", `CompletionPolicy = "trusted"`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "CompletionPolicy") {
		t.Fatalf("expected completion policy error, got %v", err)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payfwd.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("unexpected default listen address %q", cfg.ListenAddress)
	}
	if cfg.CompletionPolicy != CompletionPolicyRelayer {
		t.Fatalf("unexpected default completion policy %q", cfg.CompletionPolicy)
	}
	if cfg.GatewayAddress == "" {
		t.Fatalf("expected generated gateway address")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload default: %v", err)
	}
	if reloaded.GatewayAddress != cfg.GatewayAddress {
		t.Fatalf("gateway address changed across reload: %q vs %q", reloaded.GatewayAddress, cfg.GatewayAddress)
	}
}

func TestResolveSecretPrefersEnv(t *testing.T) {
	dir := t.TempDir()
	secretFile := writeFile(t, dir, "secret.txt", "file-secret\n")

	auth := Auth{Enabled: true, SecretEnv: "PAYFWD_TEST_SECRET", SecretFile: secretFile}
	t.Setenv("PAYFWD_TEST_SECRET", "env-secret")
	secret, err := auth.ResolveSecret()
	if err != nil {
		t.Fatalf("resolve secret: %v", err)
	}
	if secret != "env-secret" {
		t.Fatalf("expected env secret, got %q", secret)
	}

	t.Setenv("PAYFWD_TEST_SECRET", "")
	secret, err = auth.ResolveSecret()
	if err != nil {
		t.Fatalf("resolve secret from file: %v", err)
	}
	if secret != "file-secret" {
		t.Fatalf("expected file secret, got %q", secret)
	}
}

func TestResolveSecretFailsWhenEnabledAndMissing(t *testing.T) {
	auth := Auth{Enabled: true, SecretEnv: "PAYFWD_TEST_SECRET_MISSING"}
	if _, err := auth.ResolveSecret(); err == nil {
		t.Fatalf("expected error when auth enabled without secret")
	}

	auth.Enabled = false
	if secret, err := auth.ResolveSecret(); err != nil || secret != "" {
		t.Fatalf("disabled auth should resolve empty: %q %v", secret, err)
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", `protocol_fee:
  recipient: "0x0000000000000000000000000000000000000033"
  fee_bps: 250
client_fees:
  - client_id: acme
    recipient: "0x0000000000000000000000000000000000000044"
    fee_bps: 100
restrictions:
  - "0x00000000000000000000000000000000000000bb"
roles:
  - address: "0x0000000000000000000000000000000000000055"
    capability: admin
  - address: "0x0000000000000000000000000000000000000066"
    capability: operator
`)

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.ProtocolFee == nil || policy.ProtocolFee.FeeBps != 250 {
		t.Fatalf("protocol fee not parsed: %+v", policy.ProtocolFee)
	}
	if len(policy.ClientFees) != 1 || policy.ClientFees[0].ClientID != "acme" {
		t.Fatalf("client fees not parsed: %+v", policy.ClientFees)
	}
	if len(policy.Restrictions) != 1 {
		t.Fatalf("restrictions not parsed: %+v", policy.Restrictions)
	}
	if len(policy.Roles) != 2 || policy.Roles[0].Capability != gateway.CapabilityAdmin {
		t.Fatalf("roles not parsed: %+v", policy.Roles)
	}
}

func TestLoadPolicyRejectsInvalidEntries(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{
			name: "zero protocol recipient",
			contents: `protocol_fee:
  recipient: "0x0000000000000000000000000000000000000000"
  fee_bps: 10
`,
			wantErr: "zero address",
		},
		{
			name: "protocol rate over cap",
			contents: `protocol_fee:
  recipient: "0x0000000000000000000000000000000000000033"
  fee_bps: 301
`,
			wantErr: "exceeds cap",
		},
		{
			name: "duplicate client scope",
			contents: `client_fees:
  - client_id: acme
    recipient: "0x0000000000000000000000000000000000000044"
    fee_bps: 10
  - client_id: acme
    recipient: "0x0000000000000000000000000000000000000045"
    fee_bps: 20
`,
			wantErr: "duplicate",
		},
		{
			name: "developer rate over cap",
			contents: `client_fees:
  - client_id: acme
    recipient: "0x0000000000000000000000000000000000000044"
    fee_bps: 1001
`,
			wantErr: "exceeds cap",
		},
		{
			name: "malformed restriction address",
			contents: `restrictions:
  - "not-an-address"
`,
			wantErr: "restrictions",
		},
		{
			name: "unknown capability",
			contents: `roles:
  - address: "0x0000000000000000000000000000000000000055"
    capability: superuser
`,
			wantErr: "unknown capability",
		},
		{
			name: "unknown top level key",
			contents: `fees:
  - client_id: acme
`,
			wantErr: "decode policy",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "policy.yaml", tc.contents)
			_, err := LoadPolicy(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadRelayerConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relayer.toml", `SourceWS = "wss://source.example.com/ws/events"
TargetRPC = "https://target.example.com/"
TargetAuthTokenEnv = "RELAYER_TOKEN"
CallerAddress = "0x0000000000000000000000000000000000000066"

[tokens]
"0x0000000000000000000000000000000000000070" = "0x0000000000000000000000000000000000000080"
`)

	cfg, err := LoadRelayer(path)
	if err != nil {
		t.Fatalf("load relayer config: %v", err)
	}
	if cfg.StorePath != "./relayer.db" {
		t.Fatalf("expected default store path, got %q", cfg.StorePath)
	}
	if len(cfg.Tokens) != 1 {
		t.Fatalf("token map not parsed: %+v", cfg.Tokens)
	}
}

func TestLoadRelayerRejectsBadEndpoints(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relayer.toml", `SourceWS = "https://not-a-ws.example.com"
TargetRPC = "https://target.example.com/"
CallerAddress = "0x0000000000000000000000000000000000000066"
`)
	if _, err := LoadRelayer(path); err == nil || !strings.Contains(err.Error(), "SourceWS") {
		t.Fatalf("expected ws scheme error, got %v", err)
	}
}
