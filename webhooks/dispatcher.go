// Package webhooks fans gateway events out to configured HTTP endpoints as
// HMAC-signed JSON payloads, with bounded retries and an outbox journal.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"payfwd/config"
	"payfwd/core/events"
	"payfwd/observability/metrics"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second

	queueDepth      = 32
	subscribeBuffer = 64
)

// Endpoint is one delivery destination. Events filters by event type; empty
// delivers everything.
type Endpoint struct {
	Name   string
	URL    string
	Secret []byte
	Events []string
}

func (e Endpoint) matches(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, want := range e.Events {
		if want == eventType {
			return true
		}
	}
	return false
}

// EndpointsFromConfig resolves configured destinations, reading each signing
// secret from its named environment variable.
func EndpointsFromConfig(hooks []config.Webhook) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0, len(hooks))
	for _, hook := range hooks {
		secret := strings.TrimSpace(os.Getenv(strings.TrimSpace(hook.SecretEnv)))
		if secret == "" {
			return nil, fmt.Errorf("webhooks: %s: secret env %q is empty", hook.Name, hook.SecretEnv)
		}
		endpoints = append(endpoints, Endpoint{
			Name:   hook.Name,
			URL:    hook.URL,
			Secret: []byte(secret),
			Events: append([]string(nil), hook.Events...),
		})
	}
	return endpoints, nil
}

// Payload is the JSON body delivered to each endpoint.
type Payload struct {
	DeliveryID string            `json:"deliveryId"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// Dispatcher delivers gateway events to every matching endpoint with retry
// and exponential backoff. Each endpoint gets its own queue and worker, so a
// slow destination cannot stall the others.
type Dispatcher struct {
	client      *http.Client
	outbox      *Outbox
	log         *slog.Logger
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers []*worker
	lastSeq atomic.Uint64
}

type worker struct {
	endpoint Endpoint
	queue    chan job
}

type job struct {
	id        string
	sequence  uint64
	eventType string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// New constructs a dispatcher and spawns one worker per endpoint. A nil
// outbox disables journaling.
func New(endpoints []Endpoint, outbox *Outbox, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("webhooks: at least one endpoint required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		client:      &http.Client{Timeout: 15 * time.Second},
		outbox:      outbox,
		log:         logger.With("component", "webhooks"),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	for _, endpoint := range endpoints {
		if strings.TrimSpace(endpoint.Name) == "" {
			cancel()
			return nil, errors.New("webhooks: endpoint name required")
		}
		if strings.TrimSpace(endpoint.URL) == "" {
			cancel()
			return nil, fmt.Errorf("webhooks: %s: url required", endpoint.Name)
		}
		if len(endpoint.Secret) == 0 {
			cancel()
			return nil, fmt.Errorf("webhooks: %s: secret required", endpoint.Name)
		}
		w := &worker{endpoint: endpoint, queue: make(chan job, queueDepth)}
		dispatcher.workers = append(dispatcher.workers, w)
		dispatcher.wg.Add(1)
		go dispatcher.run(w)
	}
	return dispatcher, nil
}

// Close stops the workers and waits for inflight deliveries to settle.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Dispatch queues the envelope for every endpoint whose filter matches.
// Envelopes at or below the last dispatched sequence are skipped, so a bus
// resubscription cannot double-send.
func (d *Dispatcher) Dispatch(env events.Envelope) error {
	if d == nil {
		return errors.New("webhooks: dispatcher not initialised")
	}
	if env.Event == nil || env.Sequence == 0 {
		return nil
	}
	if env.Sequence <= d.lastSeq.Load() {
		return nil
	}
	d.lastSeq.Store(env.Sequence)
	for _, w := range d.workers {
		if !w.endpoint.matches(env.Event.Type) {
			continue
		}
		payload := Payload{
			DeliveryID: uuid.NewString(),
			Sequence:   env.Sequence,
			Type:       env.Event.Type,
			Attributes: env.Event.Attributes,
			EmittedAt:  time.Now().UTC(),
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		j := job{id: payload.DeliveryID, sequence: env.Sequence, eventType: env.Event.Type, body: body}
		d.journal(j, w.endpoint.Name, StatusPending, 0, "")
		select {
		case w.queue <- j:
		case <-d.ctx.Done():
			return errors.New("webhooks: dispatcher closed")
		}
	}
	return nil
}

// Run follows the bus and dispatches every event until ctx is cancelled or
// the bus closes. With an outbox attached the cursor resumes from the last
// journaled sequence; without one only events published after the call are
// delivered.
func (d *Dispatcher) Run(ctx context.Context, bus *events.Bus) error {
	if bus == nil {
		return errors.New("webhooks: bus required")
	}
	if d.outbox != nil {
		seq, err := d.outbox.LastSequence(ctx)
		if err != nil {
			return err
		}
		if seq > d.lastSeq.Load() {
			d.lastSeq.Store(seq)
		}
	} else if d.lastSeq.Load() == 0 {
		d.lastSeq.Store(bus.LastSequence())
	}
	for {
		sub, backlog := bus.Subscribe(d.lastSeq.Load(), subscribeBuffer)
		for _, env := range backlog {
			if err := d.Dispatch(env); err != nil {
				sub.Close()
				return err
			}
		}
		resubscribe := false
		for !resubscribe {
			select {
			case <-ctx.Done():
				sub.Close()
				return ctx.Err()
			case env, ok := <-sub.Events():
				if !ok {
					if d.lastSeq.Load() >= bus.LastSequence() {
						return nil
					}
					d.log.Warn("event stream lagged, resuming", "sequence", d.lastSeq.Load())
					resubscribe = true
					continue
				}
				if err := d.Dispatch(env); err != nil {
					sub.Close()
					return err
				}
			}
		}
	}
}

// Redeliver re-queues a journaled delivery, for example one that exhausted
// its retries. The original delivery ID and payload are reused.
func (d *Dispatcher) Redeliver(ctx context.Context, id string) error {
	if d.outbox == nil {
		return errors.New("webhooks: no outbox attached")
	}
	rec, err := d.outbox.Delivery(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("webhooks: unknown delivery %q", id)
	}
	for _, w := range d.workers {
		if w.endpoint.Name != rec.Endpoint {
			continue
		}
		j := job{id: rec.ID, sequence: rec.Sequence, eventType: rec.EventType, body: rec.Payload}
		d.journal(j, rec.Endpoint, StatusPending, rec.Attempts, "")
		select {
		case w.queue <- j:
			return nil
		case <-d.ctx.Done():
			return errors.New("webhooks: dispatcher closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("webhooks: endpoint %q not configured", rec.Endpoint)
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	for {
		select {
		case job := <-w.queue:
			d.process(w.endpoint, job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(endpoint Endpoint, job job) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		started := time.Now()
		err := d.send(ctx, endpoint, job)
		cancel()
		metrics.Webhooks().ObserveDelivery(endpoint.Name, time.Since(started), err)
		if err == nil {
			d.journal(job, endpoint.Name, StatusDelivered, attempt, "")
			return
		}
		if attempt >= d.maxAttempts {
			metrics.Webhooks().ObserveExhausted(endpoint.Name)
			d.journal(job, endpoint.Name, StatusFailed, attempt, err.Error())
			d.log.Warn("delivery exhausted retries",
				"endpoint", endpoint.Name, "delivery", job.id, "error", err)
			return
		}
		d.journal(job, endpoint.Name, StatusPending, attempt, err.Error())
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, endpoint Endpoint, job job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payfwd-Event", job.eventType)
	req.Header.Set("X-Payfwd-Delivery", job.id)
	req.Header.Set("X-Payfwd-Signature", Signature(endpoint.Secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhooks: delivery failed with status %d", resp.StatusCode)
}

func (d *Dispatcher) journal(job job, endpoint, status string, attempts int, lastErr string) {
	if d.outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := DeliveryRecord{
		ID:        job.id,
		Endpoint:  endpoint,
		Sequence:  job.sequence,
		EventType: job.eventType,
		Payload:   job.body,
		Status:    status,
		Attempts:  attempts,
		LastError: lastErr,
	}
	if err := d.outbox.Record(ctx, rec); err != nil {
		d.log.Warn("outbox write failed", "delivery", job.id, "error", err)
	}
}

// Signature computes the value of the X-Payfwd-Signature header for body:
// a hex HMAC-SHA256 prefixed with the digest name. Receivers should compare
// with hmac.Equal against their own computation.
func Signature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
