package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type capturedRequest struct {
	body      []byte
	signature string
	event     string
	delivery  string
}

func TestDispatcherSignsPayload(t *testing.T) {
	captured := make(chan capturedRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		captured <- capturedRequest{
			body:      body,
			signature: r.Header.Get("X-MRD-Signature"),
			event:     r.Header.Get("X-MRD-Event"),
			delivery:  r.Header.Get("X-MRD-Delivery"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	secret := []byte("secret")
	dispatcher, err := NewDispatcher([]Endpoint{{Name: "primary", URL: server.URL, Secret: secret}})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.EnqueueEpochFinalized(EpochFinalizedPayload{Epoch: 1, NextEpoch: 2, Rewards: "100"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case req := <-captured:
		if len(req.body) == 0 {
			t.Fatalf("expected body")
		}
		mac := hmac.New(sha256.New, secret)
		_, _ = mac.Write(req.body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if req.signature != want {
			t.Fatalf("signature mismatch: got %s want %s", req.signature, want)
		}
		if req.event != string(EventEpochFinalized) {
			t.Fatalf("unexpected event header %s", req.event)
		}
		if req.delivery == "" {
			t.Fatalf("expected delivery header")
		}
	case <-time.After(time.Second):
		t.Fatalf("delivery not received")
	}
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(
		[]Endpoint{{Name: "primary", URL: server.URL, Secret: []byte("secret")}},
		WithRetryPolicy(5, time.Millisecond*10, time.Millisecond*20),
	)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.EnqueueExportReady(ExportReadyPayload{Epoch: 2, ManifestID: "m-1", Entries: 4}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool { return atomic.LoadInt32(&attempts) >= 3 }, time.Second)
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("expected retries, got %d", attempts)
	}
}

func TestDispatcherFansOutToAllEndpoints(t *testing.T) {
	first := make(chan string, 1)
	second := make(chan string, 1)
	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		first <- r.Header.Get("X-MRD-Delivery")
		w.WriteHeader(http.StatusOK)
	}))
	defer serverA.Close()
	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		second <- r.Header.Get("X-MRD-Delivery")
		w.WriteHeader(http.StatusOK)
	}))
	defer serverB.Close()
	dispatcher, err := NewDispatcher([]Endpoint{
		{Name: "ops", URL: serverA.URL, Secret: []byte("ops-secret")},
		{Name: "indexer", URL: serverB.URL, Secret: []byte("indexer-secret")},
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.EnqueueEpochFinalized(EpochFinalizedPayload{Epoch: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var idA, idB string
	select {
	case idA = <-first:
	case <-time.After(time.Second):
		t.Fatalf("first endpoint delivery not received")
	}
	select {
	case idB = <-second:
	case <-time.After(time.Second):
		t.Fatalf("second endpoint delivery not received")
	}
	if idA == "" || idB == "" {
		t.Fatalf("expected delivery ids, got %q and %q", idA, idB)
	}
	if idA == idB {
		t.Fatalf("expected distinct delivery ids per endpoint")
	}
}

func TestDispatcherJournalsOutcomes(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	defer journal.Close()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(
		[]Endpoint{{Name: "flaky", URL: server.URL, Secret: []byte("secret")}},
		WithJournal(journal),
		WithRetryPolicy(2, time.Millisecond, time.Millisecond*2),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.EnqueueEpochFinalized(EpochFinalizedPayload{Epoch: 4}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool {
		records, listErr := journal.List(0)
		if listErr != nil || len(records) != 1 {
			return false
		}
		return records[0].Status == DeliveryFailed
	}, 2*time.Second)
	records, err := journal.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	record := records[0]
	if record.Status != DeliveryFailed {
		t.Fatalf("expected failed status, got %s", record.Status)
	}
	if record.Attempts != 2 {
		t.Fatalf("expected two attempts, got %d", record.Attempts)
	}
	if record.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if record.Endpoint != "flaky" {
		t.Fatalf("unexpected endpoint %s", record.Endpoint)
	}
}

func TestDispatcherReplaysPendingDeliveries(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	defer journal.Close()
	if err := journal.Record(DeliveryRecord{
		ID:       "replay-1",
		Endpoint: "primary",
		URL:      "http://stale.invalid",
		Event:    string(EventEpochFinalized),
		Payload:  []byte(`{"type":"rewards.epoch.finalized","epoch":7}`),
		Status:   DeliveryPending,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	captured := make(chan capturedRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		captured <- capturedRequest{body: body, delivery: r.Header.Get("X-MRD-Delivery")}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(
		[]Endpoint{{Name: "primary", URL: server.URL, Secret: []byte("secret")}},
		WithJournal(journal),
	)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	select {
	case req := <-captured:
		if req.delivery != "replay-1" {
			t.Fatalf("unexpected delivery id %s", req.delivery)
		}
		if string(req.body) != `{"type":"rewards.epoch.finalized","epoch":7}` {
			t.Fatalf("unexpected replayed body %s", req.body)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending delivery was not replayed")
	}
	waitFor(func() bool {
		pending, pendingErr := journal.Pending()
		return pendingErr == nil && len(pending) == 0
	}, 2*time.Second)
	pending, err := journal.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected replayed delivery to leave pending state")
	}
}

func TestNewDispatcherValidatesEndpoints(t *testing.T) {
	if _, err := NewDispatcher(nil); err == nil {
		t.Fatalf("expected error for missing endpoints")
	}
	if _, err := NewDispatcher([]Endpoint{{URL: "  "}}); err == nil {
		t.Fatalf("expected error for blank url")
	}
	if _, err := NewDispatcher([]Endpoint{{URL: "http://example.com"}}); err == nil {
		t.Fatalf("expected error for missing secret")
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
