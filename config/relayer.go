package config

import (
	"fmt"
	"os"
	"strings"

	"payfwd/crypto"

	"github.com/BurntSushi/toml"
)

// RelayerConfig drives relayerd: it consumes initiation events from a source
// gateway's websocket stream and submits the matching completions to a target
// gateway over JSON-RPC.
type RelayerConfig struct {
	SourceWS           string `toml:"SourceWS"`
	TargetRPC          string `toml:"TargetRPC"`
	TargetAuthTokenEnv string `toml:"TargetAuthTokenEnv"`
	CallerAddress      string `toml:"CallerAddress"`
	// ClientID, when set, restricts relaying to transactions carrying this
	// client identifier.
	ClientID string `toml:"ClientID"`
	// CallerKeystorePath holds the operator key used to sign completions
	// for targets running the signature completion policy. Leave empty
	// when the caller holds the relayer capability instead.
	CallerKeystorePath string `toml:"CallerKeystorePath"`
	PassphraseEnv      string `toml:"PassphraseEnv"`
	// TargetChainID and TargetGateway identify the destination deployment
	// that completion signatures are bound to. Required with
	// CallerKeystorePath.
	TargetChainID uint64 `toml:"TargetChainID"`
	TargetGateway string `toml:"TargetGateway"`
	StorePath     string `toml:"StorePath"`

	// Tokens maps source-side token addresses to their target-side
	// representation. The native sentinel passes through unmapped.
	Tokens map[string]string `toml:"tokens"`
}

// LoadRelayer reads the relayer configuration. Unlike the daemon config there
// is no default file: a relayer without explicit endpoints cannot do anything
// useful.
func LoadRelayer(path string) (*RelayerConfig, error) {
	cfg := &RelayerConfig{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("relayer config %s not found", path)
		}
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("relayer config %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if strings.TrimSpace(cfg.StorePath) == "" {
		cfg.StorePath = "./relayer.db"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects relayer configurations missing required endpoints or
// carrying malformed addresses.
func (c *RelayerConfig) Validate() error {
	if !strings.HasPrefix(c.SourceWS, "ws://") && !strings.HasPrefix(c.SourceWS, "wss://") {
		return fmt.Errorf("SourceWS must be a ws or wss URL")
	}
	if !strings.HasPrefix(c.TargetRPC, "http://") && !strings.HasPrefix(c.TargetRPC, "https://") {
		return fmt.Errorf("TargetRPC must be an http or https URL")
	}
	if strings.TrimSpace(c.CallerAddress) == "" {
		return fmt.Errorf("CallerAddress required")
	}
	if _, err := crypto.ParseAddress(c.CallerAddress); err != nil {
		return fmt.Errorf("invalid CallerAddress: %w", err)
	}
	if strings.TrimSpace(c.CallerKeystorePath) != "" {
		if strings.TrimSpace(c.PassphraseEnv) == "" {
			return fmt.Errorf("PassphraseEnv required with CallerKeystorePath")
		}
		if c.TargetChainID == 0 {
			return fmt.Errorf("TargetChainID required with CallerKeystorePath")
		}
		if _, err := crypto.ParseAddress(c.TargetGateway); err != nil {
			return fmt.Errorf("invalid TargetGateway: %w", err)
		}
	}
	for source, target := range c.Tokens {
		if _, err := crypto.ParseAddress(source); err != nil {
			return fmt.Errorf("tokens: invalid source address %q: %w", source, err)
		}
		if _, err := crypto.ParseAddress(target); err != nil {
			return fmt.Errorf("tokens: invalid target address %q: %w", target, err)
		}
	}
	return nil
}
