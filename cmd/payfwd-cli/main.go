package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"payfwd/sdk"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("PAYFWD_RPC_TOKEN")

// newGatewayClient builds the RPC client commands talk through. Tests swap
// it for a client pointed at an in-process server.
var newGatewayClient = func() (*sdk.Client, error) {
	var opts []sdk.Option
	if token := strings.TrimSpace(rpcAuthToken); token != "" {
		opts = append(opts, sdk.WithAuthToken(token))
	}
	return sdk.New(rpcEndpoint, opts...)
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	var code int
	switch args[0] {
	case "keys":
		code = runKeysCommand(args[1:], os.Stdout, os.Stderr)
	case "request":
		code = runRequestCommand(args[1:], os.Stdout, os.Stderr)
	case "initiate":
		code = runInitiate(args[1:], os.Stdout, os.Stderr)
	case "complete":
		code = runComplete(args[1:], os.Stdout, os.Stderr)
	case "processed":
		code = runProcessed(args[1:], os.Stdout, os.Stderr)
	case "admin":
		code = runAdminCommand(args[1:], os.Stdout, os.Stderr)
	case "export":
		code = runExportCommand(args[1:], os.Stdout, os.Stderr)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("PAYFWD_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

// writeJSON pretty-prints a result value for operator consumption.
func writeJSON(w io.Writer, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintln(w, buf.String())
}

func commandError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printUsage() {
	fmt.Println("Usage: payfwd-cli [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("The RPC endpoint defaults to http://localhost:8080 and can be overridden")
	fmt.Println("with --rpc or PAYFWD_RPC_URL. Privileged calls read a bearer token from")
	fmt.Println("PAYFWD_RPC_TOKEN when the node enforces authentication.")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  keys       Keystore management (new, import, show)")
	fmt.Println("  request    Build, inspect, and sign forwarding requests")
	fmt.Println("  initiate   Submit a signed request to the gateway")
	fmt.Println("  complete   Settle a relayed transfer on this gateway")
	fmt.Println("  processed  Query the replay guard for a transaction id")
	fmt.Println("  admin      Administrative controls (pause, fees, capabilities)")
	fmt.Println("  export     Offline settlement exports from the index database")
}
