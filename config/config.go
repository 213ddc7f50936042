package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"payfwd/crypto"

	"github.com/BurntSushi/toml"
)

// Completion policies accepted by the daemon. They decide who may settle a
// pending transfer: a capability-holding relayer, anyone carrying an operator
// signature, or any caller at all.
const (
	CompletionPolicyRelayer   = "relayer"
	CompletionPolicySignature = "signature"
	CompletionPolicyOpen      = "open"
)

// Config is the daemon configuration loaded from payfwd.toml. Missing files
// are created with defaults and a fresh gateway keystore so a bare `payfwdd`
// invocation produces a working local node.
type Config struct {
	ListenAddress       string `toml:"ListenAddress"`
	DataDir             string `toml:"DataDir"`
	ChainID             uint64 `toml:"ChainID"`
	GatewayAddress      string `toml:"GatewayAddress"`
	GatewayKeystorePath string `toml:"GatewayKeystorePath"`
	CompletionPolicy    string `toml:"CompletionPolicy"`
	PolicyFile          string `toml:"PolicyFile"`
	Environment         string `toml:"Environment"`

	Auth      Auth      `toml:"auth"`
	RateLimit RateLimit `toml:"ratelimit"`
	Index     Index     `toml:"index"`
	Telemetry Telemetry `toml:"telemetry"`
	Webhooks  []Webhook `toml:"webhooks"`
}

// Auth controls bearer-token authentication on the RPC surface. The signing
// secret is never stored inline; it resolves from the environment first and a
// file second so config files stay safe to commit.
type Auth struct {
	Enabled    bool   `toml:"Enabled"`
	SecretEnv  string `toml:"SecretEnv"`
	SecretFile string `toml:"SecretFile"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

// RateLimit bounds request admission per remote client.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// Index configures the off-ledger transaction index. The DSN selects the
// backend: a postgres URL or a sqlite file path.
type Index struct {
	Enabled bool   `toml:"Enabled"`
	DSN     string `toml:"DSN"`
}

// Telemetry selects the OTLP exporter targets.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Webhook names a delivery destination for gateway events. Events lists the
// event types to deliver; empty means all.
type Webhook struct {
	Name      string   `toml:"Name"`
	URL       string   `toml:"URL"`
	SecretEnv string   `toml:"SecretEnv"`
	Events    []string `toml:"Events"`
}

// Load reads the configuration from the given path, creating a default file
// (plus gateway keystore) when none exists. Unknown keys are rejected so
// typos never silently disable a knob.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./payfwd-data"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1337
	}
	if strings.TrimSpace(cfg.CompletionPolicy) == "" {
		cfg.CompletionPolicy = CompletionPolicyRelayer
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if strings.TrimSpace(cfg.Auth.SecretEnv) == "" {
		cfg.Auth.SecretEnv = "PAYFWD_JWT_SECRET"
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 50
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 100
	}
}

// ensureKeystore guarantees a gateway keystore exists next to the config so
// the daemon always has a custody identity. A freshly generated key also
// fills in GatewayAddress when the operator left it blank.
func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.GatewayKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.GatewayAddress) == "" {
			cfg.GatewayAddress = key.Address().Hex()
		}
	} else if err != nil {
		return err
	}

	if cfg.GatewayKeystorePath != keystorePath {
		cfg.GatewayKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:    ":8080",
		DataDir:          "./payfwd-data",
		ChainID:          1337,
		GatewayAddress:   key.Address().Hex(),
		CompletionPolicy: CompletionPolicyRelayer,
		Environment:      "local",
		Auth: Auth{
			Enabled:   false,
			SecretEnv: "PAYFWD_JWT_SECRET",
		},
		RateLimit: RateLimit{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
	cfg.GatewayKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the daemon cannot serve with.
func (c *Config) Validate() error {
	switch c.CompletionPolicy {
	case CompletionPolicyRelayer, CompletionPolicySignature, CompletionPolicyOpen:
	default:
		return fmt.Errorf("invalid CompletionPolicy %q (want relayer, signature, or open)", c.CompletionPolicy)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("ChainID must be non-zero")
	}
	if strings.TrimSpace(c.GatewayAddress) != "" {
		if _, err := crypto.ParseAddress(c.GatewayAddress); err != nil {
			return fmt.Errorf("invalid GatewayAddress: %w", err)
		}
	}
	for i := range c.Webhooks {
		hook := &c.Webhooks[i]
		if strings.TrimSpace(hook.Name) == "" {
			return fmt.Errorf("webhook %d: Name required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("webhook %s: URL must be http or https", hook.Name)
		}
	}
	return nil
}

// ResolveSecret returns the bearer-token signing secret, preferring the
// configured environment variable over the secret file. An error is returned
// when auth is enabled but no secret can be found.
func (a Auth) ResolveSecret() (string, error) {
	if env := strings.TrimSpace(a.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value, nil
		}
	}
	if file := strings.TrimSpace(a.SecretFile); file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read auth secret file: %w", err)
		}
		if value := strings.TrimSpace(string(raw)); value != "" {
			return value, nil
		}
	}
	if a.Enabled {
		return "", fmt.Errorf("auth enabled but no secret found in env %q or file %q", a.SecretEnv, a.SecretFile)
	}
	return "", nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "gateway.keystore")
}
