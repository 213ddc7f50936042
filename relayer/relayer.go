// Package relayer bridges two gateways: it follows the source gateway's
// websocket event stream and mirrors every initiated transaction onto the
// destination gateway as a completion call. A bbolt journal keeps the
// stream cursor and one write-once outcome per transaction, so restarts
// and stream replays never double-submit; the destination's replay guard
// remains the final defense.
package relayer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"nhooyr.io/websocket"

	"payfwd/core/events"
	"payfwd/gateway"
	"payfwd/observability"
	"payfwd/sdk"
)

const (
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultDialBackoff = 5 * time.Second
	dialTimeout        = 10 * time.Second
)

// Completer is the destination-side surface the relayer needs. *sdk.Client
// satisfies it.
type Completer interface {
	CompleteTransfer(ctx context.Context, params sdk.CompleteParams) (*sdk.CompleteResult, error)
	IsProcessed(ctx context.Context, txnID string) (bool, error)
}

// Config wires a relayer to its source stream and destination gateway.
type Config struct {
	// SourceWS is the full websocket URL of the source event stream,
	// e.g. ws://node-a:8545/ws/events.
	SourceWS string
	// Caller is the destination address submitting completions. It must
	// hold the relayer capability there.
	Caller string
	// ClientID, when set, restricts relaying to transactions carrying
	// this client identifier.
	ClientID string
	// TokenMap rewrites source token addresses to their destination
	// counterparts. Keys are matched case-insensitively; unmapped tokens
	// pass through unchanged.
	TokenMap map[string]string
	// SigningKey signs each completion for destinations running the
	// signature completion policy. Callers holding the relayer
	// capability can leave it nil.
	SigningKey *ecdsa.PrivateKey
	// DestDomain binds completion signatures to the destination
	// deployment. Required when SigningKey is set.
	DestDomain gateway.Domain
	// MaxAttempts bounds submission retries per transaction. Zero means
	// retry until the context ends.
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// DialBackoff spaces reconnection attempts after the stream drops.
	DialBackoff time.Duration
}

// Relayer consumes initiated-transaction events and settles them on the
// destination gateway.
type Relayer struct {
	cfg     Config
	dest    Completer
	store   *Store
	log     *slog.Logger
	metrics *observability.RelayerMetrics
	tokens  map[string]string
}

// New validates the configuration and assembles a relayer around the
// supplied destination client and journal.
func New(cfg Config, dest Completer, store *Store, logger *slog.Logger) (*Relayer, error) {
	if strings.TrimSpace(cfg.SourceWS) == "" {
		return nil, fmt.Errorf("relayer: source websocket url required")
	}
	if !common.IsHexAddress(strings.TrimSpace(cfg.Caller)) {
		return nil, fmt.Errorf("relayer: caller must be a hex address")
	}
	if dest == nil {
		return nil, fmt.Errorf("relayer: destination client required")
	}
	if store == nil {
		return nil, fmt.Errorf("relayer: journal store required")
	}
	if cfg.SigningKey != nil && (cfg.DestDomain.ChainID == 0 || cfg.DestDomain.Gateway == (common.Address{})) {
		return nil, fmt.Errorf("relayer: destination domain required when signing completions")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = defaultDialBackoff
	}
	tokens := make(map[string]string, len(cfg.TokenMap))
	for src, dst := range cfg.TokenMap {
		key := strings.ToLower(strings.TrimSpace(src))
		if key == "" {
			continue
		}
		tokens[key] = strings.ToLower(strings.TrimSpace(dst))
	}
	return &Relayer{
		cfg:     cfg,
		dest:    dest,
		store:   store,
		log:     logger.With("component", "relayer"),
		metrics: observability.Relayer(),
		tokens:  tokens,
	}, nil
}

// Run follows the source stream until the context ends. Disconnects resume
// from the persisted cursor, which also covers the case where a slow
// submission retry loop stalls the stream past the server's patience.
func (r *Relayer) Run(ctx context.Context) error {
	for {
		cursor, err := r.store.Cursor()
		if err != nil {
			return err
		}
		r.metrics.SetCursor(cursor)
		err = r.stream(ctx, cursor)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("event stream interrupted, reconnecting", "error", err, "cursor", cursor)
		select {
		case <-time.After(r.cfg.DialBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relayer) stream(ctx context.Context, cursor uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, fmt.Sprintf("%s?cursor=%d", r.cfg.SourceWS, cursor), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial source stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "relayer done")
	r.log.Info("event stream connected", "cursor", cursor)

	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if kind != websocket.MessageText {
			continue
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("decode stream frame: %w", err)
		}
		if err := r.handle(ctx, env); err != nil {
			return err
		}
	}
}

// handle advances the cursor past every envelope; only initiated
// transactions carry work.
func (r *Relayer) handle(ctx context.Context, env events.Envelope) error {
	if env.Event == nil || env.Sequence == 0 {
		return nil
	}
	if env.Event.Type == gateway.EventTypeTransactionInitiated {
		if err := r.relay(ctx, env); err != nil {
			return err
		}
	}
	if err := r.store.SetCursor(env.Sequence); err != nil {
		return err
	}
	r.metrics.SetCursor(env.Sequence)
	return nil
}

func (r *Relayer) relay(ctx context.Context, env events.Envelope) error {
	attrs := env.Event.Attributes
	txnID := strings.TrimSpace(attrs["txnId"])
	if txnID == "" {
		r.log.Warn("initiated event missing transaction id", "sequence", env.Sequence)
		return nil
	}
	if r.cfg.ClientID != "" && attrs["clientId"] != r.cfg.ClientID {
		return nil
	}
	if state, ok, err := r.store.Delivery(txnID); err != nil {
		return err
	} else if ok {
		r.log.Debug("transaction already journalled", "txnId", txnID, "status", state.Status)
		return nil
	}
	params := r.completion(txnID, attrs)
	if r.cfg.SigningKey != nil {
		sig, err := sdk.SignCompletion(r.cfg.DestDomain, params, r.cfg.SigningKey)
		if err != nil {
			r.log.Warn("completion unsignable, skipping", "txnId", txnID, "error", err)
			return r.finish(DeliveryState{TxnID: txnID, Status: DeliverySkipped, Sequence: env.Sequence, Reason: err.Error()})
		}
		params.Signature = sig
	}
	return r.submit(ctx, txnID, env.Sequence, params)
}

// completion translates an initiated-transaction event into the destination
// call. The destination receives the full source amount: fees were charged
// on the source leg.
func (r *Relayer) completion(txnID string, attrs map[string]string) sdk.CompleteParams {
	token := strings.ToLower(strings.TrimSpace(attrs["token"]))
	if mapped, ok := r.tokens[token]; ok {
		token = mapped
	}
	params := sdk.CompleteParams{
		Caller:        r.cfg.Caller,
		ClientID:      attrs["clientId"],
		TransactionID: txnID,
		Amount:        attrs["amount"],
		Receiver:      receiverFor(attrs),
	}
	if isNative(token) {
		params.Value = attrs["amount"]
	} else {
		params.Token = token
	}
	return params
}

// receiverFor picks the destination receiver. A 20-byte extraData payload
// names it explicitly; otherwise funds are settled back to the source
// sender's address.
func receiverFor(attrs map[string]string) string {
	if extra := strings.TrimSpace(attrs["extraData"]); extra != "" {
		if raw, err := hexutil.Decode(extra); err == nil && len(raw) == common.AddressLength {
			return common.BytesToAddress(raw).Hex()
		}
	}
	return attrs["sender"]
}

func isNative(token string) bool {
	return token == "" || strings.EqualFold(token, gateway.NativeToken.Hex())
}

// submit pushes one completion through the destination with capped
// exponential backoff. Terminal outcomes are journalled; only store or
// context failures propagate, so a poisoned transaction cannot wedge the
// stream.
func (r *Relayer) submit(ctx context.Context, txnID string, sequence uint64, params sdk.CompleteParams) error {
	attempt := 0
	backoff := r.cfg.MinBackoff
	for {
		attempt++
		_, err := r.dest.CompleteTransfer(ctx, params)
		r.metrics.ObserveCompletion(err)
		if err == nil {
			r.log.Info("completion relayed", "txnId", txnID, "sequence", sequence, "attempts", attempt)
			return r.finish(DeliveryState{TxnID: txnID, Status: DeliveryCompleted, Sequence: sequence})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if permanent(err) {
			// The replay guard rejects an id that already settled, and
			// that rejection is indistinguishable from a genuine
			// validation failure on the wire. Ask the destination.
			processed, perr := r.dest.IsProcessed(ctx, txnID)
			if perr == nil {
				if processed {
					r.log.Info("destination already settled", "txnId", txnID, "sequence", sequence)
					return r.finish(DeliveryState{TxnID: txnID, Status: DeliveryCompleted, Sequence: sequence, Reason: "settled on destination"})
				}
				r.log.Warn("completion rejected, skipping", "txnId", txnID, "error", err)
				return r.finish(DeliveryState{TxnID: txnID, Status: DeliverySkipped, Sequence: sequence, Reason: err.Error()})
			}
			r.log.Warn("processed probe failed, retrying submission", "txnId", txnID, "error", perr)
		}
		if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
			r.log.Warn("completion abandoned after retries", "txnId", txnID, "attempts", attempt, "error", err)
			return r.finish(DeliveryState{TxnID: txnID, Status: DeliverySkipped, Sequence: sequence, Reason: err.Error()})
		}
		r.metrics.RecordRetry()
		r.log.Warn("completion attempt failed", "txnId", txnID, "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, r.cfg.MaxBackoff)
	}
}

func (r *Relayer) finish(state DeliveryState) error {
	_, err := r.store.MarkDelivery(state)
	return err
}

// permanent reports whether the destination rejected the completion for a
// reason retries cannot fix.
func permanent(err error) bool {
	var rpcErr *sdk.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.Code {
	case sdk.CodeValidation, sdk.CodeInvalidParams, sdk.CodeInvalidRequest:
		return true
	}
	return false
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
