package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"payfwd/config"
	"payfwd/core"
	"payfwd/crypto"
	"payfwd/gateway"
	"payfwd/indexer"
	"payfwd/observability/logging"
	telemetry "payfwd/observability/otel"
	"payfwd/rpc"
	"payfwd/storage"
	"payfwd/webhooks"
)

const (
	shutdownTimeout = 10 * time.Second
	gatewayPassEnv  = "PAYFWD_GATEWAY_PASS"
)

func main() {
	configFile := flag.String("config", "./payfwd.toml", "Path to the configuration file")
	flag.Parse()

	logger := logging.Setup("payfwdd", strings.TrimSpace(os.Getenv("PAYFWD_ENV")))

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "payfwdd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	gatewayAddr, err := resolveGatewayAddress(cfg)
	if err != nil {
		logger.Error("resolve gateway address", "error", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("open ledger database", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	domain := gateway.Domain{ChainID: cfg.ChainID, Gateway: gatewayAddr}
	node, err := core.NewNode(db, domain, logger)
	if err != nil {
		logger.Error("build node", "error", err)
		os.Exit(1)
	}
	defer node.Close()
	node.SetCompletionPolicy(gateway.CompletionPolicy(cfg.CompletionPolicy))

	if path := strings.TrimSpace(cfg.PolicyFile); path != "" {
		policy, err := config.LoadPolicy(path)
		if err != nil {
			logger.Error("load policy file", "path", path, "error", err)
			os.Exit(1)
		}
		if err := node.SeedPolicy(policy); err != nil {
			logger.Error("seed policy", "error", err)
			os.Exit(1)
		}
	}

	secret, err := cfg.Auth.ResolveSecret()
	if err != nil {
		logger.Error("resolve auth secret", "error", err)
		os.Exit(1)
	}
	rpcCfg := rpc.Config{
		Auth: rpc.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimit: rpc.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var index *indexer.Index
	if cfg.Index.Enabled {
		index, err = indexer.Open(cfg.Index.DSN, logger)
		if err != nil {
			logger.Error("open index", "dsn", cfg.Index.DSN, "error", err)
			os.Exit(1)
		}
		defer index.Close()
		go func() {
			if err := index.Run(ctx, node.Bus()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("indexer stopped", "error", err)
			}
		}()
	}

	var dispatcher *webhooks.Dispatcher
	if len(cfg.Webhooks) > 0 {
		endpoints, err := webhooks.EndpointsFromConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("configure webhooks", "error", err)
			os.Exit(1)
		}
		outbox, err := webhooks.NewOutbox(filepath.Join(cfg.DataDir, "webhooks.db"))
		if err != nil {
			logger.Error("open webhook outbox", "error", err)
			os.Exit(1)
		}
		dispatcher, err = webhooks.New(endpoints, outbox, logger)
		if err != nil {
			logger.Error("build webhook dispatcher", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := dispatcher.Run(ctx, node.Bus()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("webhook dispatcher stopped", "error", err)
			}
		}()
	}

	server := rpc.NewServer(node, index, rpcCfg, logger)
	go func() {
		if err := server.Start(cfg.ListenAddress); err != nil {
			logger.Error("rpc server failed", "error", err)
			stop()
		}
	}()

	logger.Info("gateway node running",
		"listen", cfg.ListenAddress,
		"chainId", cfg.ChainID,
		"gateway", gatewayAddr.Hex(),
		"completionPolicy", cfg.CompletionPolicy)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if dispatcher != nil {
		dispatcher.Close()
	}
}

// resolveGatewayAddress prefers the configured address and falls back to the
// keystore identity, so a daemon restarted against an operator-managed
// keystore keeps its signing domain without duplicated config.
func resolveGatewayAddress(cfg *config.Config) (common.Address, error) {
	if trimmed := strings.TrimSpace(cfg.GatewayAddress); trimmed != "" {
		return crypto.ParseAddress(trimmed)
	}
	key, err := crypto.LoadFromKeystore(cfg.GatewayKeystorePath, os.Getenv(gatewayPassEnv))
	if err != nil {
		return common.Address{}, err
	}
	return key.Address(), nil
}
