package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"payfwd/sdk"
)

func runInitiate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("initiate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var file, caller, value, signature string
	fs.StringVar(&file, "file", "", "signed request envelope from 'request sign --out'")
	fs.StringVar(&caller, "caller", "", "address submitting the request")
	fs.StringVar(&value, "value", "", "attached native amount in wei (defaults to the request amount for native transfers)")
	fs.StringVar(&signature, "signature", "", "operator signature (overrides the one in the envelope)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	req, fileSig, err := loadRequestFile(file)
	if err != nil {
		return commandError(stderr, err)
	}
	if strings.TrimSpace(signature) == "" {
		signature = fileSig
	}
	if strings.TrimSpace(signature) == "" {
		fmt.Fprintln(stderr, "Error: request is unsigned; run 'request sign' first or pass --signature")
		return 1
	}
	if strings.TrimSpace(caller) == "" {
		fmt.Fprintln(stderr, "Error: --caller is required")
		return 1
	}
	if strings.TrimSpace(value) == "" && strings.TrimSpace(req.Token) == "" {
		value = req.Amount
	}
	client, err := newGatewayClient()
	if err != nil {
		return commandError(stderr, err)
	}
	result, err := client.InitiateTransaction(context.Background(), sdk.InitiateParams{
		Caller:    strings.TrimSpace(caller),
		Value:     strings.TrimSpace(value),
		Request:   &req,
		Signature: strings.TrimSpace(signature),
	})
	if err != nil {
		return commandError(stderr, err)
	}
	writeJSON(stdout, result)
	return 0
}

func runComplete(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("complete", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var caller, txnID, token, amount, receiver string
	var value, clientID, keystorePath, passEnv string
	chainID, gatewayAddr := domainFlags(fs)
	fs.StringVar(&caller, "caller", "", "address submitting the completion")
	fs.StringVar(&txnID, "txn-id", "", "transaction id being settled")
	fs.StringVar(&token, "token", "", "token contract address (empty for the native coin)")
	fs.StringVar(&amount, "amount", "", "settlement amount in wei")
	fs.StringVar(&receiver, "receiver", "", "address credited with the settlement")
	fs.StringVar(&value, "value", "", "attached native amount in wei (defaults to --amount for native settlements)")
	fs.StringVar(&clientID, "client-id", "", "client identifier bound into the completion digest")
	fs.StringVar(&keystorePath, "keystore", "", "sign the completion with this keystore (needs --chain-id and --gateway)")
	fs.StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(caller) == "" {
		fmt.Fprintln(stderr, "Error: --caller is required")
		return 1
	}
	if strings.TrimSpace(value) == "" && strings.TrimSpace(token) == "" {
		value = amount
	}
	params := sdk.CompleteParams{
		Caller:        strings.TrimSpace(caller),
		Value:         strings.TrimSpace(value),
		ClientID:      strings.TrimSpace(clientID),
		TransactionID: strings.TrimSpace(txnID),
		Token:         strings.TrimSpace(token),
		Amount:        strings.TrimSpace(amount),
		Receiver:      strings.TrimSpace(receiver),
	}
	if strings.TrimSpace(keystorePath) != "" {
		domain, err := domainFromFlags(*chainID, *gatewayAddr)
		if err != nil {
			return commandError(stderr, err)
		}
		key, err := loadKeystoreKey(keystorePath, passEnv)
		if err != nil {
			return commandError(stderr, err)
		}
		sig, err := sdk.SignCompletion(domain, params, key.PrivateKey)
		if err != nil {
			return commandError(stderr, err)
		}
		params.Signature = sig
	}
	client, err := newGatewayClient()
	if err != nil {
		return commandError(stderr, err)
	}
	result, err := client.CompleteTransfer(context.Background(), params)
	if err != nil {
		return commandError(stderr, err)
	}
	writeJSON(stdout, result)
	return 0
}

func runProcessed(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("processed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var txnID string
	fs.StringVar(&txnID, "txn-id", "", "transaction id to query")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(txnID) == "" {
		fmt.Fprintln(stderr, "Error: --txn-id is required")
		return 1
	}
	client, err := newGatewayClient()
	if err != nil {
		return commandError(stderr, err)
	}
	processed, err := client.IsProcessed(context.Background(), strings.TrimSpace(txnID))
	if err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Transaction %s processed: %t\n", strings.TrimSpace(txnID), processed)
	return 0
}
