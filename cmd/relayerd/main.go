package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"payfwd/config"
	"payfwd/crypto"
	"payfwd/gateway"
	"payfwd/observability/logging"
	telemetry "payfwd/observability/otel"
	"payfwd/relayer"
	"payfwd/sdk"
)

func main() {
	configFile := flag.String("config", "./relayer.toml", "Path to the relayer configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PAYFWD_ENV"))
	logger := logging.Setup("relayerd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "relayerd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
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

	cfg, err := config.LoadRelayer(*configFile)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	opts := []sdk.Option{}
	if envName := strings.TrimSpace(cfg.TargetAuthTokenEnv); envName != "" {
		token, ok := os.LookupEnv(envName)
		if !ok || strings.TrimSpace(token) == "" {
			logger.Error("target auth token environment variable not set", "env", envName)
			os.Exit(1)
		}
		opts = append(opts, sdk.WithAuthToken(token))
	}
	client, err := sdk.New(cfg.TargetRPC, opts...)
	if err != nil {
		logger.Error("build target client", "error", err)
		os.Exit(1)
	}

	store, err := relayer.NewStore(cfg.StorePath, nil)
	if err != nil {
		logger.Error("open journal store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rcfg := relayer.Config{
		SourceWS: cfg.SourceWS,
		Caller:   cfg.CallerAddress,
		ClientID: cfg.ClientID,
		TokenMap: cfg.Tokens,
	}
	if path := strings.TrimSpace(cfg.CallerKeystorePath); path != "" {
		passphrase, ok := os.LookupEnv(cfg.PassphraseEnv)
		if !ok {
			logger.Error("keystore passphrase environment variable not set", "env", cfg.PassphraseEnv)
			os.Exit(1)
		}
		key, err := crypto.LoadFromKeystore(path, passphrase)
		if err != nil {
			logger.Error("decrypt keystore", "path", path, "error", err)
			os.Exit(1)
		}
		gatewayAddr, err := crypto.ParseAddress(cfg.TargetGateway)
		if err != nil {
			logger.Error("parse target gateway", "error", err)
			os.Exit(1)
		}
		rcfg.SigningKey = key.PrivateKey
		rcfg.DestDomain = gateway.Domain{ChainID: cfg.TargetChainID, Gateway: gatewayAddr}
	}

	r, err := relayer.New(rcfg, client, store, logger)
	if err != nil {
		logger.Error("build relayer", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("relayer running", "source", cfg.SourceWS, "target", cfg.TargetRPC)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relayer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("relayer stopped")
}
