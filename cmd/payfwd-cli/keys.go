package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"payfwd/cmd/internal/passphrase"
	"payfwd/crypto"
)

const defaultPassEnv = "PAYFWD_KEYSTORE_PASS"

func runKeysCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}
	switch args[0] {
	case "new":
		return runKeysNew(args[1:], stdout, stderr)
	case "import":
		return runKeysImport(args[1:], stdout, stderr)
	case "show":
		return runKeysShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}
}

func runKeysNew(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keys new", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var path, passEnv string
	fs.StringVar(&path, "keystore", "payfwd.keystore", "path for the new keystore file")
	fs.StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(stderr, "Error: %s already exists, refusing to overwrite\n", path)
		return 1
	}
	pass, err := passphrase.NewSource(passEnv).GetNew()
	if err != nil {
		return commandError(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return commandError(stderr, err)
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Keystore written to %s\n", path)
	fmt.Fprintf(stdout, "Address: %s\n", key.Address().Hex())
	return 0
}

func runKeysImport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keys import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keyFile, path, passEnv string
	fs.StringVar(&keyFile, "key-file", "", "file containing the hex-encoded private key")
	fs.StringVar(&path, "keystore", "payfwd.keystore", "path for the new keystore file")
	fs.StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(keyFile) == "" {
		fmt.Fprintln(stderr, "Error: --key-file is required")
		return 1
	}
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return commandError(stderr, err)
	}
	key, err := crypto.PrivateKeyFromHex(strings.TrimSpace(string(raw)))
	if err != nil {
		return commandError(stderr, fmt.Errorf("parse %s: %w", keyFile, err))
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(stderr, "Error: %s already exists, refusing to overwrite\n", path)
		return 1
	}
	pass, err := passphrase.NewSource(passEnv).GetNew()
	if err != nil {
		return commandError(stderr, err)
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Keystore written to %s\n", path)
	fmt.Fprintf(stdout, "Address: %s\n", key.Address().Hex())
	return 0
}

func runKeysShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keys show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var path, passEnv string
	fs.StringVar(&path, "keystore", "payfwd.keystore", "keystore file to inspect")
	fs.StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	key, err := loadKeystoreKey(path, passEnv)
	if err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Address: %s\n", key.Address().Hex())
	return 0
}

// loadKeystoreKey unlocks a keystore with the shared passphrase resolution
// rules. Signing commands reuse it so --keystore/--pass-env behave the same
// everywhere.
func loadKeystoreKey(path, passEnv string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("--keystore is required")
	}
	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func keysUsage() string {
	return strings.TrimSpace(`Usage:
  payfwd-cli keys <command> [flags]

Commands:
  new     Generate a key and write an encrypted keystore file
  import  Wrap an existing hex-encoded private key in a keystore file
  show    Print the address held by a keystore file

The passphrase is read from the variable named by --pass-env (default
PAYFWD_KEYSTORE_PASS) or prompted on the terminal when unset.
`)
}
