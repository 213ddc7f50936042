package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"nhooyr.io/websocket"

	"payfwd/core/events"
	"payfwd/crypto"
	"payfwd/gateway"
	"payfwd/sdk"
)

const (
	defaultDuration = 2 * time.Minute
	defaultRate     = 600 // transactions per minute
)

type latencyTracker struct {
	mu        sync.Mutex
	pending   map[string]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[string]time.Time)}
}

func (lt *latencyTracker) track(txnID string, at time.Time) {
	lt.mu.Lock()
	lt.pending[strings.ToLower(txnID)] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(txnID string, at time.Time) {
	key := strings.ToLower(txnID)
	lt.mu.Lock()
	start, ok := lt.pending[key]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, key)
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		rpcURL       string
		privateHex   string
		txRate       int
		durationFlag time.Duration
		chainID      uint64
		gatewayHex   string
		forwardHex   string
		amount       string
		clientID     string
	)
	flag.StringVar(&rpcURL, "rpc", "http://127.0.0.1:8080", "RPC endpoint for submitting transactions")
	flag.StringVar(&privateHex, "key", "", "hex-encoded secp256k1 private key for the operator account (overrides PAYFWD_LOADGEN_KEY)")
	flag.IntVar(&txRate, "rate", defaultRate, "target rate of forwards per minute")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.Uint64Var(&chainID, "chain-id", 0, "chain id of the target deployment")
	flag.StringVar(&gatewayHex, "gateway", "", "gateway contract address of the target deployment")
	flag.StringVar(&forwardHex, "forward", "", "destination address for generated forwards")
	flag.StringVar(&amount, "amount", "1", "native amount in wei per forward")
	flag.StringVar(&clientID, "client-id", "loadgen", "client identifier stamped on generated requests")
	flag.Parse()

	if privateHex == "" {
		privateHex = os.Getenv("PAYFWD_LOADGEN_KEY")
	}
	privateHex = strings.TrimSpace(privateHex)
	if privateHex == "" {
		log.Fatal("missing private key: provide --key or PAYFWD_LOADGEN_KEY")
	}
	signer, err := crypto.PrivateKeyFromHex(privateHex)
	if err != nil {
		log.Fatalf("load private key: %v", err)
	}

	if chainID == 0 {
		log.Fatal("missing --chain-id for request signing")
	}
	gatewayAddr, err := crypto.ParseAddress(gatewayHex)
	if err != nil {
		log.Fatalf("parse gateway address: %v", err)
	}
	forward, err := crypto.ParseAddress(forwardHex)
	if err != nil {
		log.Fatalf("parse forward address: %v", err)
	}
	domain := gateway.Domain{ChainID: chainID, Gateway: gatewayAddr}

	parsed, err := url.Parse(rpcURL)
	if err != nil {
		log.Fatalf("parse rpc url: %v", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}

	if txRate <= 0 {
		log.Fatalf("rate must be positive, got %d", txRate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []sdk.Option
	if token := strings.TrimSpace(os.Getenv("PAYFWD_RPC_TOKEN")); token != "" {
		opts = append(opts, sdk.WithAuthToken(token))
	}
	client, err := sdk.New(parsed.String(), opts...)
	if err != nil {
		log.Fatalf("build gateway client: %v", err)
	}
	tracker := newLatencyTracker()

	wsURL := *parsed
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws/events"
	wsURL.RawQuery = ""

	wsCtx, wsCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(wsCtx, wsURL.String(), nil)
	wsCancel()
	if err != nil {
		log.Fatalf("connect event stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "load complete")

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go consumeEvents(streamCtx, conn, tracker)

	interval := time.Minute / time.Duration(txRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(durationFlag)
	var seq uint64
	var submitted int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}
		txnID, err := submitForward(ctx, client, domain, signer, forward, amount, clientID)
		if err != nil {
			log.Printf("submit forward %d failed: %v", seq, err)
		} else {
			tracker.track(txnID, time.Now())
			submitted++
		}
		seq++
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		log.Printf("pending confirmation for %d transactions", trackerPending(tracker))
	}

	streamCancel()

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, submitted)
}

func submitForward(ctx context.Context, client *sdk.Client, domain gateway.Domain, signer *crypto.PrivateKey, forward common.Address, amount, clientID string) (string, error) {
	req := sdk.TransactionRequest{
		TransactionID:  gateway.NewTransactionID().Hex(),
		Amount:         amount,
		ForwardAddress: forward.Hex(),
		ClientID:       clientID,
		Expiry:         time.Now().Add(5 * time.Minute).Unix(),
	}
	signature, err := sdk.SignRequest(domain, req, signer.PrivateKey)
	if err != nil {
		return "", err
	}
	_, err = client.InitiateTransaction(ctx, sdk.InitiateParams{
		Caller:    signer.Address().Hex(),
		Value:     amount,
		Request:   &req,
		Signature: signature,
	})
	if err != nil {
		return "", err
	}
	return req.TransactionID, nil
}

func consumeEvents(ctx context.Context, conn *websocket.Conn, tracker *latencyTracker) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("decode event envelope: %v", err)
			continue
		}
		if env.Event == nil || env.Event.Type != gateway.EventTypeTransactionInitiated {
			continue
		}
		tracker.finalize(env.Event.Attributes["txnId"], time.Now())
	}
}

func trackerPending(t *latencyTracker) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func reportLoadSummary(latencies []time.Duration, pending int, submitted int) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("Gateway loader submitted %d transactions", submitted)
	log.Printf("Confirmed %d transactions (pending: %d)", len(latencies), pending)
	log.Printf("Latency avg=%s max=%s", avg, max)
}
