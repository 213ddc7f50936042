package config

import (
	"fmt"
	"os"
	"strings"

	"payfwd/crypto"
	"payfwd/gateway"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Policy captures the ledger records seeded at startup: fee routing, address
// restrictions, and capability grants. A fresh deployment applies the policy
// before serving so the first request already sees operators and fee
// recipients in place.
type Policy struct {
	ProtocolFee  *FeeEntry
	ClientFees   []ClientFeeEntry
	Restrictions []common.Address
	Roles        []RoleEntry
}

// FeeEntry routes a fee scope to a recipient at a basis-point rate.
type FeeEntry struct {
	Recipient common.Address
	FeeBps    uint32
}

// ClientFeeEntry is the stored developer fee for a client scope.
type ClientFeeEntry struct {
	ClientID  string
	Recipient common.Address
	FeeBps    uint32
}

// RoleEntry grants a capability to a principal.
type RoleEntry struct {
	Address    common.Address
	Capability gateway.Capability
}

type policyFile struct {
	ProtocolFee  *feeEntryFile   `yaml:"protocol_fee"`
	ClientFees   []clientFeeFile `yaml:"client_fees"`
	Restrictions []string        `yaml:"restrictions"`
	Roles        []roleEntryFile `yaml:"roles"`
}

type feeEntryFile struct {
	Recipient string `yaml:"recipient"`
	FeeBps    uint32 `yaml:"fee_bps"`
}

type clientFeeFile struct {
	ClientID  string `yaml:"client_id"`
	Recipient string `yaml:"recipient"`
	FeeBps    uint32 `yaml:"fee_bps"`
}

type roleEntryFile struct {
	Address    string `yaml:"address"`
	Capability string `yaml:"capability"`
}

// LoadPolicy reads and validates the startup policy from the provided YAML
// file on disk.
func LoadPolicy(path string) (Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("open policy: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	var raw policyFile
	if err := dec.Decode(&raw); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	return buildPolicy(raw)
}

func buildPolicy(raw policyFile) (Policy, error) {
	policy := Policy{}

	if raw.ProtocolFee != nil {
		recipient, err := parseRecipient(raw.ProtocolFee.Recipient)
		if err != nil {
			return Policy{}, fmt.Errorf("protocol_fee: %w", err)
		}
		if raw.ProtocolFee.FeeBps > gateway.MaxProtocolFeeBps {
			return Policy{}, fmt.Errorf("protocol_fee: fee_bps %d exceeds cap %d", raw.ProtocolFee.FeeBps, gateway.MaxProtocolFeeBps)
		}
		policy.ProtocolFee = &FeeEntry{Recipient: recipient, FeeBps: raw.ProtocolFee.FeeBps}
	}

	seenClients := make(map[string]struct{})
	for _, entry := range raw.ClientFees {
		clientID := strings.TrimSpace(entry.ClientID)
		if err := gateway.ValidateClientID(clientID); err != nil {
			return Policy{}, fmt.Errorf("client_fees: %w", err)
		}
		if clientID == "" {
			return Policy{}, fmt.Errorf("client_fees: client_id required")
		}
		if _, exists := seenClients[clientID]; exists {
			return Policy{}, fmt.Errorf("client_fees: duplicate entry for %s", clientID)
		}
		recipient, err := parseRecipient(entry.Recipient)
		if err != nil {
			return Policy{}, fmt.Errorf("client_fees %s: %w", clientID, err)
		}
		if entry.FeeBps > gateway.MaxDeveloperFeeBps {
			return Policy{}, fmt.Errorf("client_fees %s: fee_bps %d exceeds cap %d", clientID, entry.FeeBps, gateway.MaxDeveloperFeeBps)
		}
		policy.ClientFees = append(policy.ClientFees, ClientFeeEntry{
			ClientID:  clientID,
			Recipient: recipient,
			FeeBps:    entry.FeeBps,
		})
		seenClients[clientID] = struct{}{}
	}

	seenRestricted := make(map[common.Address]struct{})
	for _, entry := range raw.Restrictions {
		addr, err := crypto.ParseAddress(entry)
		if err != nil {
			return Policy{}, fmt.Errorf("restrictions: %w", err)
		}
		if _, exists := seenRestricted[addr]; exists {
			return Policy{}, fmt.Errorf("restrictions: duplicate entry for %s", addr.Hex())
		}
		policy.Restrictions = append(policy.Restrictions, addr)
		seenRestricted[addr] = struct{}{}
	}

	type roleKey struct {
		addr common.Address
		cap  gateway.Capability
	}
	seenRoles := make(map[roleKey]struct{})
	for _, entry := range raw.Roles {
		addr, err := crypto.ParseAddress(entry.Address)
		if err != nil {
			return Policy{}, fmt.Errorf("roles: %w", err)
		}
		capability := gateway.Capability(strings.ToLower(strings.TrimSpace(entry.Capability)))
		if !capability.Valid() {
			return Policy{}, fmt.Errorf("roles: unknown capability %q for %s", entry.Capability, addr.Hex())
		}
		key := roleKey{addr: addr, cap: capability}
		if _, exists := seenRoles[key]; exists {
			return Policy{}, fmt.Errorf("roles: duplicate grant of %s to %s", capability, addr.Hex())
		}
		policy.Roles = append(policy.Roles, RoleEntry{Address: addr, Capability: capability})
		seenRoles[key] = struct{}{}
	}

	return policy, nil
}

func parseRecipient(raw string) (common.Address, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("recipient must not be the zero address")
	}
	return addr, nil
}
