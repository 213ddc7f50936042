package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"payfwd/config"
	"payfwd/core/events"
	"payfwd/core/types"
	"payfwd/gateway"
)

type captured struct {
	signature string
	eventType string
	delivery  string
	body      []byte
}

func testEnvelope(seq uint64, eventType string) events.Envelope {
	return events.Envelope{Sequence: seq, Event: &types.Event{
		Type:       eventType,
		Attributes: map[string]string{"txnId": "0x01"},
	}}
}

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	outbox, err := NewOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { _ = outbox.Close() })
	return outbox
}

func captureServer(t *testing.T, got chan captured) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		got <- captured{
			signature: r.Header.Get("X-Payfwd-Signature"),
			eventType: r.Header.Get("X-Payfwd-Event"),
			delivery:  r.Header.Get("X-Payfwd-Delivery"),
			body:      body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDispatcherSignsDeliveries(t *testing.T) {
	outbox := newTestOutbox(t)
	got := make(chan captured, 1)
	server := captureServer(t, got)

	secret := []byte("hook-secret")
	dispatcher, err := New([]Endpoint{{Name: "settlement", URL: server.URL, Secret: secret}}, outbox, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Close()

	if err := dispatcher.Dispatch(testEnvelope(7, gateway.EventTypeTransactionInitiated)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var delivery captured
	select {
	case delivery = <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("delivery did not arrive")
	}
	if delivery.eventType != gateway.EventTypeTransactionInitiated {
		t.Fatalf("event header = %q", delivery.eventType)
	}
	if delivery.signature != Signature(secret, delivery.body) {
		t.Fatalf("signature mismatch: %s", delivery.signature)
	}
	var payload Payload
	if err := json.Unmarshal(delivery.body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Sequence != 7 || payload.Type != gateway.EventTypeTransactionInitiated {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.DeliveryID == "" || payload.DeliveryID != delivery.delivery {
		t.Fatalf("delivery id mismatch: %q vs header %q", payload.DeliveryID, delivery.delivery)
	}
	if payload.Attributes["txnId"] != "0x01" {
		t.Fatalf("attributes lost: %+v", payload.Attributes)
	}

	waitFor(func() bool {
		rec, err := outbox.Delivery(context.Background(), payload.DeliveryID)
		return err == nil && rec != nil && rec.Status == StatusDelivered
	}, time.Second)
	rec, err := outbox.Delivery(context.Background(), payload.DeliveryID)
	if err != nil {
		t.Fatalf("outbox lookup: %v", err)
	}
	if rec == nil || rec.Status != StatusDelivered || rec.Attempts != 1 {
		t.Fatalf("unexpected journal row %+v", rec)
	}
	seq, err := outbox.LastSequence(context.Background())
	if err != nil || seq != 7 {
		t.Fatalf("last sequence = %d (%v), want 7", seq, err)
	}
}

func TestDispatcherRetriesAndJournalsFailure(t *testing.T) {
	outbox := newTestOutbox(t)
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	dispatcher, err := New(
		[]Endpoint{{Name: "settlement", URL: server.URL, Secret: []byte("secret")}},
		outbox, nil,
		WithRetryPolicy(3, 5*time.Millisecond, 10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Close()

	if err := dispatcher.Dispatch(testEnvelope(1, gateway.EventTypeTransferCompleted)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(func() bool { return atomic.LoadInt32(&attempts) >= 3 }, 2*time.Second)
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	waitFor(func() bool {
		rows, err := outbox.List(context.Background(), StatusFailed, 10)
		return err == nil && len(rows) == 1
	}, time.Second)
	rows, err := outbox.List(context.Background(), StatusFailed, 10)
	if err != nil {
		t.Fatalf("list failed rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("failed rows = %d, want 1", len(rows))
	}
	if rows[0].Attempts != 3 || !strings.Contains(rows[0].LastError, "503") {
		t.Fatalf("unexpected journal row %+v", rows[0])
	}
}

func TestDispatcherFiltersEventTypes(t *testing.T) {
	got := make(chan captured, 2)
	server := captureServer(t, got)

	endpoint := Endpoint{
		Name:   "completions-only",
		URL:    server.URL,
		Secret: []byte("secret"),
		Events: []string{gateway.EventTypeTransferCompleted},
	}
	dispatcher, err := New([]Endpoint{endpoint}, nil, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Close()

	if err := dispatcher.Dispatch(testEnvelope(1, gateway.EventTypeTransactionInitiated)); err != nil {
		t.Fatalf("dispatch filtered: %v", err)
	}
	if err := dispatcher.Dispatch(testEnvelope(2, gateway.EventTypeTransferCompleted)); err != nil {
		t.Fatalf("dispatch matching: %v", err)
	}
	// The worker drains its queue in order, so the first arrival proves the
	// initiated event was never enqueued.
	select {
	case delivery := <-got:
		if delivery.eventType != gateway.EventTypeTransferCompleted {
			t.Fatalf("filter leaked event %q", delivery.eventType)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("delivery did not arrive")
	}
}

func TestDispatcherRedeliver(t *testing.T) {
	outbox := newTestOutbox(t)
	failing := int32(1)
	got := make(chan captured, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&failing) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		got <- captured{delivery: r.Header.Get("X-Payfwd-Delivery"), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := New(
		[]Endpoint{{Name: "settlement", URL: server.URL, Secret: []byte("secret")}},
		outbox, nil,
		WithRetryPolicy(1, 5*time.Millisecond, 5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Close()

	if err := dispatcher.Dispatch(testEnvelope(3, gateway.EventTypeTransferCompleted)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(func() bool {
		rows, err := outbox.List(context.Background(), StatusFailed, 10)
		return err == nil && len(rows) == 1
	}, 2*time.Second)
	rows, err := outbox.List(context.Background(), StatusFailed, 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one failed row, got %d (%v)", len(rows), err)
	}

	atomic.StoreInt32(&failing, 0)
	if err := dispatcher.Redeliver(context.Background(), rows[0].ID); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	select {
	case delivery := <-got:
		if delivery.delivery != rows[0].ID {
			t.Fatalf("redelivered id %q, want %q", delivery.delivery, rows[0].ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("redelivery did not arrive")
	}
	waitFor(func() bool {
		rec, err := outbox.Delivery(context.Background(), rows[0].ID)
		return err == nil && rec != nil && rec.Status == StatusDelivered
	}, time.Second)
	rec, err := outbox.Delivery(context.Background(), rows[0].ID)
	if err != nil || rec == nil || rec.Status != StatusDelivered {
		t.Fatalf("journal not updated: %+v (%v)", rec, err)
	}
}

func TestRunFollowsBus(t *testing.T) {
	outbox := newTestOutbox(t)
	got := make(chan captured, 4)
	server := captureServer(t, got)

	bus := events.NewBus(64)
	defer bus.Close()
	bus.Publish(gateway.PauseUpdatedEvent{Paused: true})

	dispatcher, err := New([]Endpoint{{Name: "all", URL: server.URL, Secret: []byte("secret")}}, outbox, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- dispatcher.Run(ctx, bus) }()

	readPayload := func() Payload {
		t.Helper()
		select {
		case delivery := <-got:
			var payload Payload
			if err := json.Unmarshal(delivery.body, &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			return payload
		case <-time.After(5 * time.Second):
			t.Fatalf("delivery did not arrive")
			return Payload{}
		}
	}

	first := readPayload()
	if first.Sequence != 1 || first.Type != gateway.EventTypePauseUpdated {
		t.Fatalf("unexpected backlog delivery %+v", first)
	}

	bus.Publish(gateway.PauseUpdatedEvent{Paused: false})
	second := readPayload()
	if second.Sequence != 2 {
		t.Fatalf("unexpected live delivery %+v", second)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestEndpointsFromConfig(t *testing.T) {
	t.Setenv("PAYFWD_TEST_HOOK_SECRET", "s3cret")
	hooks := []config.Webhook{{
		Name:      "settlement",
		URL:       "https://example.com/hook",
		SecretEnv: "PAYFWD_TEST_HOOK_SECRET",
		Events:    []string{gateway.EventTypeTransferCompleted},
	}}
	endpoints, err := EndpointsFromConfig(hooks)
	if err != nil {
		t.Fatalf("resolve endpoints: %v", err)
	}
	if len(endpoints) != 1 || string(endpoints[0].Secret) != "s3cret" {
		t.Fatalf("unexpected endpoints %+v", endpoints)
	}
	if len(endpoints[0].Events) != 1 || endpoints[0].Events[0] != gateway.EventTypeTransferCompleted {
		t.Fatalf("event filter lost: %+v", endpoints[0].Events)
	}

	hooks[0].SecretEnv = "PAYFWD_TEST_HOOK_SECRET_MISSING"
	if _, err := EndpointsFromConfig(hooks); err == nil {
		t.Fatalf("expected error for missing secret env")
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}
