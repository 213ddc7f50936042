package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
)

func runAdminCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
	switch args[0] {
	case "pause":
		return runAdminPause(args[1:], stdout, stderr)
	case "restrict":
		return runAdminRestrict(args[1:], stdout, stderr)
	case "set-protocol-fee":
		return runAdminSetProtocolFee(args[1:], stdout, stderr)
	case "set-fee":
		return runAdminSetFee(args[1:], stdout, stderr)
	case "set-capability":
		return runAdminSetCapability(args[1:], stdout, stderr)
	case "withdraw":
		return runAdminWithdraw(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown admin subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
}

func runAdminPause(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin pause", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var caller string
	paused := fs.Bool("paused", true, "pause state to set (use --paused=false to resume)")
	fs.StringVar(&caller, "caller", "", "admin address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if code := requireFlags(stderr, fs, map[string]string{"--caller": caller}); code != 0 {
		return code
	}
	client, err := newGatewayClient()
	if err != nil {
		return commandError(stderr, err)
	}
	if err := client.Pause(context.Background(), strings.TrimSpace(caller), *paused); err != nil {
		return commandError(stderr, err)
	}
	if *paused {
		fmt.Fprintln(stdout, "Gateway paused.")
	} else {
		fmt.Fprintln(stdout, "Gateway resumed.")
	}
	return 0
}

func runAdminRestrict(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin restrict", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var caller, address string
	restricted := fs.Bool("restricted", true, "restriction state to set (use --restricted=false to lift)")
	fs.StringVar(&caller, "caller", "", "admin address")
	fs.StringVar(&address, "address", "", "address to restrict")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if code := requireFlags(stderr, fs, map[string]string{"--caller": caller, "--address": address}); code != 0 {
		return code
	}
	client, err := newGatewayClient()
	if err != nil {
		return commandError(stderr, err)
	}
	if err := client.RestrictAddress(context.Background(), strings.TrimSpace(caller), strings.TrimSpace(address), *restricted); err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Restriction for %s set to %t.\n", strings.TrimSpace(address), *restricted)
	return 0
}

func runAdminSetProtocolFee(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin set-protocol-fee", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var caller, recipient string
	bps := fs.Uint("bps", 0, "protocol fee in basis points")
	fs.StringVar(&caller, "caller", "", "admin address")
	fs.StringVar(&recipient, "recipient", "", "protocol fee recipient")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if code := requireFlags(stderr, fs, map[string]string{"--caller": caller, "--recipient": recipient}); code != 0 {
		return code
	}
	client, err := newGatewayClient()
	if err != nil {
		return commandError(stderr, err)
	}
	if err := client.SetProtocolFeeInfo(context.Background(), strings.TrimSpace(caller), strings.TrimSpace(recipient), uint32(*bps)); err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Protocol fee set to %d bps for %s.\n", *bps, strings.TrimSpace(recipient))
	return 0
}

func runAdminSetFee(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin set-fee", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var caller, clientID, recipient string
	bps := fs.Uint("bps", 0, "client fee in basis points")
	fs.StringVar(&caller, "caller", "", "admin address")
	fs.StringVar(&clientID, "client-id", "", "client the fee route applies to")
	fs.StringVar(&recipient, "recipient", "", "fee recipient for the client")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if code := requireFlags(stderr, fs, map[string]string{"--caller": caller, "--client-id": clientID, "--recipient": recipient}); code != 0 {
		return code
	}
	client, err := newGatewayClient()
	if err != nil {
		return commandError(stderr, err)
	}
	if err := client.SetFeeInfo(context.Background(), strings.TrimSpace(caller), strings.TrimSpace(clientID), strings.TrimSpace(recipient), uint32(*bps)); err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Fee route for client %s set to %d bps.\n", strings.TrimSpace(clientID), *bps)
	return 0
}

func runAdminSetCapability(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin set-capability", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var caller, address, capability string
	granted := fs.Bool("granted", true, "grant state to set (use --granted=false to revoke)")
	fs.StringVar(&caller, "caller", "", "admin address")
	fs.StringVar(&address, "address", "", "principal the capability applies to")
	fs.StringVar(&capability, "capability", "", "capability name: operator, relayer, or admin")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if code := requireFlags(stderr, fs, map[string]string{"--caller": caller, "--address": address, "--capability": capability}); code != 0 {
		return code
	}
	client, err := newGatewayClient()
	if err != nil {
		return commandError(stderr, err)
	}
	if err := client.SetCapability(context.Background(), strings.TrimSpace(caller), strings.TrimSpace(address), strings.TrimSpace(capability), *granted); err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Capability %s for %s set to %t.\n", strings.TrimSpace(capability), strings.TrimSpace(address), *granted)
	return 0
}

func runAdminWithdraw(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin withdraw", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var caller, token, amount, receiver string
	fs.StringVar(&caller, "caller", "", "admin address")
	fs.StringVar(&token, "token", "", "token to withdraw (empty for the native coin)")
	fs.StringVar(&amount, "amount", "", "amount in wei")
	fs.StringVar(&receiver, "receiver", "", "address receiving the withdrawal (defaults to the caller)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if code := requireFlags(stderr, fs, map[string]string{"--caller": caller, "--amount": amount}); code != 0 {
		return code
	}
	client, err := newGatewayClient()
	if err != nil {
		return commandError(stderr, err)
	}
	if err := client.Withdraw(context.Background(), strings.TrimSpace(caller), strings.TrimSpace(token), strings.TrimSpace(amount), strings.TrimSpace(receiver)); err != nil {
		return commandError(stderr, err)
	}
	fmt.Fprintf(stdout, "Withdrew %s wei.\n", strings.TrimSpace(amount))
	return 0
}

// requireFlags rejects the command when any named flag value is blank and
// reports every missing one at once.
func requireFlags(stderr io.Writer, fs *flag.FlagSet, values map[string]string) int {
	missing := make([]string, 0, len(values))
	for name, value := range values {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		fmt.Fprintf(stderr, "Error: %s required\n", strings.Join(missing, ", "))
		return 1
	}
	return 0
}

func adminUsage() string {
	return strings.TrimSpace(`Usage:
  payfwd-cli admin <command> [flags]

Commands:
  pause             Pause or resume initiations and completions
  restrict          Block or unblock an address
  set-protocol-fee  Configure the protocol fee route
  set-fee           Configure a per-client fee route
  set-capability    Grant or revoke operator, relayer, or admin capability
  withdraw          Move accumulated fees out of the gateway

All admin commands need PAYFWD_RPC_TOKEN when the node enforces auth.
`)
}
