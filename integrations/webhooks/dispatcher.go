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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/observability/metrics"
)

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventEpochFinalized is emitted when an epoch's settlement run completes.
	EventEpochFinalized EventType = "rewards.epoch.finalized"
	// EventExportReady is emitted when an epoch's report artefacts are published.
	EventExportReady EventType = "rewards.export.ready"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// EpochFinalizedPayload describes the webhook body for finalization events.
type EpochFinalizedPayload struct {
	Type        EventType `json:"type"`
	Epoch       uint64    `json:"epoch"`
	NextEpoch   uint64    `json:"nextEpoch"`
	Rewards     string    `json:"rewards"`
	Subsidies   string    `json:"subsidies"`
	FinalizedAt time.Time `json:"finalizedAt"`
	DeliveryID  string    `json:"deliveryId"`
}

// ExportReadyPayload describes the webhook body for report publication events.
type ExportReadyPayload struct {
	Type        EventType `json:"type"`
	Epoch       uint64    `json:"epoch"`
	ManifestID  string    `json:"manifestId"`
	Entries     int       `json:"entries"`
	Files       []string  `json:"files"`
	GeneratedAt time.Time `json:"generatedAt"`
	DeliveryID  string    `json:"deliveryId"`
}

// Endpoint identifies one webhook destination and its signing secret.
type Endpoint struct {
	Name   string
	URL    string
	Secret []byte
}

// Dispatcher fans webhook deliveries out to every configured endpoint with
// retry and exponential backoff. Delivery outcomes are journaled so pending
// work survives restarts.
type Dispatcher struct {
	endpoints   []Endpoint
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	journal     *Journal
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	id        string
	endpoint  Endpoint
	eventType EventType
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

// WithJournal records every delivery in the supplied journal and replays any
// pending records when the dispatcher starts. The caller retains ownership of
// the journal handle.
func WithJournal(journal *Journal) Option {
	return func(d *Dispatcher) {
		d.journal = journal
	}
}

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoints []Endpoint, opts ...Option) (*Dispatcher, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("webhook: at least one endpoint required")
	}
	cleaned := make([]Endpoint, 0, len(endpoints))
	for _, endpoint := range endpoints {
		url := strings.TrimSpace(endpoint.URL)
		if url == "" {
			return nil, errors.New("webhook: endpoint url required")
		}
		if len(endpoint.Secret) == 0 {
			return nil, fmt.Errorf("webhook: endpoint %s missing signing secret", url)
		}
		name := strings.TrimSpace(endpoint.Name)
		if name == "" {
			name = url
		}
		cleaned = append(cleaned, Endpoint{
			Name:   name,
			URL:    url,
			Secret: append([]byte(nil), endpoint.Secret...),
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoints:   cleaned,
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 32),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	if dispatcher.journal != nil {
		pending, err := dispatcher.journal.Pending()
		if err != nil {
			dispatcher.Close()
			return nil, fmt.Errorf("webhook: load pending deliveries: %w", err)
		}
		if len(pending) > 0 {
			dispatcher.wg.Add(1)
			go dispatcher.replay(pending)
		}
	}
	return dispatcher, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
// Interrupted deliveries stay pending in the journal and are retried on the
// next start.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// EnqueueEpochFinalized fans a finalization event out to every endpoint.
func (d *Dispatcher) EnqueueEpochFinalized(payload EpochFinalizedPayload) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	payload.Type = EventEpochFinalized
	if payload.FinalizedAt.IsZero() {
		payload.FinalizedAt = time.Now().UTC()
	}
	for _, endpoint := range d.endpoints {
		body := payload
		body.DeliveryID = uuid.NewString()
		if err := d.enqueue(endpoint, body.Type, body.DeliveryID, body); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueExportReady fans a report publication event out to every endpoint.
func (d *Dispatcher) EnqueueExportReady(payload ExportReadyPayload) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	payload.Type = EventExportReady
	if payload.GeneratedAt.IsZero() {
		payload.GeneratedAt = time.Now().UTC()
	}
	for _, endpoint := range d.endpoints {
		body := payload
		body.DeliveryID = uuid.NewString()
		if err := d.enqueue(endpoint, body.Type, body.DeliveryID, body); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) enqueue(endpoint Endpoint, eventType EventType, id string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if d.journal != nil {
		record := DeliveryRecord{
			ID:         id,
			Endpoint:   endpoint.Name,
			URL:        endpoint.URL,
			Event:      string(eventType),
			Payload:    data,
			Status:     DeliveryPending,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := d.journal.Record(record); err != nil {
			return fmt.Errorf("webhook: journal delivery: %w", err)
		}
	}
	select {
	case d.queue <- delivery{id: id, endpoint: endpoint, eventType: eventType, body: data}:
		return nil
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	}
}

func (d *Dispatcher) replay(pending []DeliveryRecord) {
	defer d.wg.Done()
	byName := make(map[string]Endpoint, len(d.endpoints))
	for _, endpoint := range d.endpoints {
		byName[endpoint.Name] = endpoint
	}
	for _, record := range pending {
		endpoint, ok := byName[record.Endpoint]
		if !ok {
			d.logger.Warn("webhook replay skipped: endpoint no longer configured",
				"delivery", record.ID, "endpoint", record.Endpoint)
			continue
		}
		job := delivery{
			id:        record.ID,
			endpoint:  endpoint,
			eventType: EventType(record.Event),
			body:      record.Payload,
		}
		select {
		case d.queue <- job:
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			if d.journal != nil {
				if journalErr := d.journal.MarkDelivered(job.id, attempt); journalErr != nil {
					d.logger.Warn("webhook journal update failed",
						"delivery", job.id, "error", journalErr)
				}
			}
			return
		}
		metrics.Rewards().IncWebhookFailure(job.endpoint.Name)
		if attempt >= d.maxAttempts {
			d.abandon(job, attempt, err)
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) abandon(job delivery, attempts int, lastErr error) {
	if d.journal != nil {
		if journalErr := d.journal.MarkFailed(job.id, attempts, lastErr.Error()); journalErr != nil {
			d.logger.Warn("webhook journal update failed",
				"delivery", job.id, "error", journalErr)
		}
	}
	d.logger.Warn("webhook delivery abandoned",
		"endpoint", job.endpoint.Name,
		"event", string(job.eventType),
		"delivery", job.id,
		"attempts", attempts,
		"error", lastErr)
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.endpoint.URL, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MRD-Event", string(job.eventType))
	req.Header.Set("X-MRD-Signature", sign(job.endpoint.Secret, job.body))
	req.Header.Set("X-MRD-Delivery", job.id)
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	return "sha256=" + hex.EncodeToString(sum)
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
