package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"payfwd/crypto"
	"payfwd/gateway"
	"payfwd/sdk"
)

// signedRequest is the envelope "request sign --out" writes and "initiate
// --file" consumes.
type signedRequest struct {
	Request   sdk.TransactionRequest `json:"request"`
	Signature string                 `json:"signature,omitempty"`
}

func runRequestCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, requestUsage())
		return 1
	}
	switch args[0] {
	case "new":
		return runRequestNew(args[1:], stdout, stderr)
	case "digest":
		return runRequestDigest(args[1:], stdout, stderr)
	case "sign":
		return runRequestSign(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown request subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, requestUsage())
		return 1
	}
}

func runRequestNew(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("request new", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var token, amount, forward, spender string
	var clientID, callData, extraData, outFile string
	var protocolFeeBps uint
	var ttl time.Duration
	var expiry int64
	var fees feeList
	fs.StringVar(&token, "token", "", "token contract address (empty for the native coin)")
	fs.StringVar(&amount, "amount", "", "transfer amount in wei")
	fs.StringVar(&forward, "forward", "", "forward address receiving the net amount")
	fs.StringVar(&spender, "spender", "", "spender address for token pulls (defaults to the caller)")
	fs.StringVar(&clientID, "client-id", "", "client identifier for fee routing and attribution")
	fs.UintVar(&protocolFeeBps, "protocol-fee-bps", 0, "protocol fee override in basis points")
	fs.Var(&fees, "fee", "developer fee leg as <recipient>:<n>bps or <recipient>:<n>wei (repeatable)")
	fs.StringVar(&callData, "call-data", "", "hex calldata invoked on the forward address")
	fs.StringVar(&extraData, "extra-data", "", "hex payload carried untouched for attribution")
	fs.DurationVar(&ttl, "ttl", time.Hour, "validity window from now")
	fs.Int64Var(&expiry, "expiry", 0, "exact expiry as a unix timestamp (overrides --ttl)")
	fs.StringVar(&outFile, "out", "", "write the request JSON to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if expiry == 0 {
		expiry = time.Now().Add(ttl).Unix()
	}
	req := sdk.TransactionRequest{
		TransactionID:  gateway.NewTransactionID().Hex(),
		Token:          strings.TrimSpace(token),
		Amount:         strings.TrimSpace(amount),
		ForwardAddress: strings.TrimSpace(forward),
		SpenderAddress: strings.TrimSpace(spender),
		Expiry:         expiry,
		ClientID:       strings.TrimSpace(clientID),
		FeePayouts:     fees.legs,
		ProtocolFeeBps: uint32(protocolFeeBps),
		CallData:       strings.TrimSpace(callData),
		ExtraData:      strings.TrimSpace(extraData),
	}
	// Validate locally with the same rules the node applies on arrival.
	if _, err := req.Canonical(); err != nil {
		return commandError(stderr, err)
	}
	if outFile != "" {
		data, err := json.MarshalIndent(req, "", "  ")
		if err != nil {
			return commandError(stderr, err)
		}
		if err := os.WriteFile(outFile, append(data, '\n'), 0o644); err != nil {
			return commandError(stderr, err)
		}
		fmt.Fprintf(stdout, "Request %s written to %s\n", req.TransactionID, outFile)
		return 0
	}
	writeJSON(stdout, req)
	return 0
}

func runRequestDigest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("request digest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var file string
	chainID, gatewayAddr := domainFlags(fs)
	fs.StringVar(&file, "file", "", "request JSON file (bare or signed)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	req, _, err := loadRequestFile(file)
	if err != nil {
		return commandError(stderr, err)
	}
	domain, err := domainFromFlags(*chainID, *gatewayAddr)
	if err != nil {
		return commandError(stderr, err)
	}
	canonical, err := req.Canonical()
	if err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Payload: %s\n", domain.RequestPayload(canonical))
	fmt.Fprintf(stdout, "Digest:  %s\n", domain.RequestDigest(canonical).Hex())
	return 0
}

func runRequestSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("request sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var file, keystorePath, passEnv, outFile string
	chainID, gatewayAddr := domainFlags(fs)
	fs.StringVar(&file, "file", "", "request JSON file (bare or signed)")
	fs.StringVar(&keystorePath, "keystore", "", "keystore holding the operator key")
	fs.StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the passphrase")
	fs.StringVar(&outFile, "out", "", "write a signed request envelope to this file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	req, _, err := loadRequestFile(file)
	if err != nil {
		return commandError(stderr, err)
	}
	domain, err := domainFromFlags(*chainID, *gatewayAddr)
	if err != nil {
		return commandError(stderr, err)
	}
	key, err := loadKeystoreKey(keystorePath, passEnv)
	if err != nil {
		return commandError(stderr, err)
	}
	sig, err := sdk.SignRequest(domain, req, key.PrivateKey)
	if err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Signer:    %s\n", key.Address().Hex())
	fmt.Fprintf(stdout, "Signature: %s\n", sig)
	if outFile != "" {
		data, err := json.MarshalIndent(signedRequest{Request: req, Signature: sig}, "", "  ")
		if err != nil {
			return commandError(stderr, err)
		}
		if err := os.WriteFile(outFile, append(data, '\n'), 0o644); err != nil {
			return commandError(stderr, err)
		}
		fmt.Fprintf(stdout, "Signed request written to %s\n", outFile)
	}
	return 0
}

// loadRequestFile reads either a bare wire request or a signed envelope and
// returns the request plus any signature found.
func loadRequestFile(path string) (sdk.TransactionRequest, string, error) {
	if strings.TrimSpace(path) == "" {
		return sdk.TransactionRequest{}, "", fmt.Errorf("--file is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return sdk.TransactionRequest{}, "", err
	}
	var envelope signedRequest
	if err := json.Unmarshal(raw, &envelope); err == nil && strings.TrimSpace(envelope.Request.TransactionID) != "" {
		return envelope.Request, envelope.Signature, nil
	}
	var req sdk.TransactionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return sdk.TransactionRequest{}, "", fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return sdk.TransactionRequest{}, "", fmt.Errorf("%s does not contain a transaction request", path)
	}
	return req, "", nil
}

func domainFlags(fs *flag.FlagSet) (*uint64, *string) {
	chainID := fs.Uint64("chain-id", 0, "chain id of the target deployment")
	gatewayAddr := fs.String("gateway", "", "gateway address of the target deployment")
	return chainID, gatewayAddr
}

func domainFromFlags(chainID uint64, gatewayAddr string) (gateway.Domain, error) {
	if chainID == 0 {
		return gateway.Domain{}, fmt.Errorf("--chain-id is required")
	}
	addr, err := crypto.ParseAddress(gatewayAddr)
	if err != nil {
		return gateway.Domain{}, fmt.Errorf("--gateway: %w", err)
	}
	return gateway.Domain{ChainID: chainID, Gateway: addr}, nil
}

// feeList collects repeated --fee flags. Each value names a recipient and
// either a rate in basis points or a flat amount in wei.
type feeList struct {
	legs []sdk.FeePayout
}

func (f *feeList) String() string {
	parts := make([]string, 0, len(f.legs))
	for _, leg := range f.legs {
		if leg.FeeBps > 0 {
			parts = append(parts, fmt.Sprintf("%s:%dbps", leg.Recipient, leg.FeeBps))
		} else {
			parts = append(parts, fmt.Sprintf("%s:%swei", leg.Recipient, leg.FlatAmount))
		}
	}
	return strings.Join(parts, ",")
}

func (f *feeList) Set(value string) error {
	leg, err := parseFeeSpec(value)
	if err != nil {
		return err
	}
	f.legs = append(f.legs, leg)
	return nil
}

func parseFeeSpec(value string) (sdk.FeePayout, error) {
	trimmed := strings.TrimSpace(value)
	idx := strings.LastIndex(trimmed, ":")
	if idx <= 0 || idx == len(trimmed)-1 {
		return sdk.FeePayout{}, fmt.Errorf("fee %q must be <recipient>:<n>bps or <recipient>:<n>wei", value)
	}
	recipient := strings.TrimSpace(trimmed[:idx])
	spec := strings.TrimSpace(trimmed[idx+1:])
	if _, err := crypto.ParseAddress(recipient); err != nil {
		return sdk.FeePayout{}, fmt.Errorf("fee recipient: %w", err)
	}
	switch {
	case strings.HasSuffix(spec, "bps"):
		bps, err := strconv.ParseUint(strings.TrimSuffix(spec, "bps"), 10, 32)
		if err != nil {
			return sdk.FeePayout{}, fmt.Errorf("fee rate in %q: %w", value, err)
		}
		return sdk.FeePayout{Recipient: recipient, FeeBps: uint32(bps)}, nil
	case strings.HasSuffix(spec, "wei"):
		flat := strings.TrimSuffix(spec, "wei")
		if _, ok := new(big.Int).SetString(flat, 10); !ok {
			return sdk.FeePayout{}, fmt.Errorf("fee amount in %q is not a decimal", value)
		}
		return sdk.FeePayout{Recipient: recipient, FlatAmount: flat}, nil
	default:
		return sdk.FeePayout{}, fmt.Errorf("fee %q needs a bps or wei suffix", value)
	}
}

func requestUsage() string {
	return strings.TrimSpace(`Usage:
  payfwd-cli request <command> [flags]

Commands:
  new     Build a forwarding request with a fresh transaction id
  digest  Print the signing pre-image and digest for a request
  sign    Sign a request with a keystore key

digest and sign bind the request to a deployment via --chain-id and
--gateway; the signature is only valid for that pair.
`)
}
