package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"nhooyr.io/websocket"

	"meridian/crypto"
)

const (
	defaultDuration = 2 * time.Minute
	defaultRate     = 600 // votes per minute
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type voteParams struct {
	Caller  string   `json:"caller"`
	Pools   []uint64 `json:"pools"`
	Amounts []string `json:"amounts"`
}

type streamPayload struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

// latencyTracker correlates submitted votes with their rewards.votes.cast
// events. Every vote in a run carries a distinct amount, so the amount
// attribute is the correlation key.
type latencyTracker struct {
	mu        sync.Mutex
	pending   map[string]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[string]time.Time)}
}

func (lt *latencyTracker) track(amount string, at time.Time) {
	lt.mu.Lock()
	lt.pending[amount] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) observe(amount string, at time.Time) {
	lt.mu.Lock()
	start, ok := lt.pending[amount]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, amount)
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

// streamStats tracks stream health alongside the latency numbers.
type streamStats struct {
	mu       sync.Mutex
	events   uint64
	gaps     uint64
	lastSeen uint64
}

func (ss *streamStats) record(sequence uint64) {
	ss.mu.Lock()
	ss.events++
	if ss.lastSeen > 0 && sequence > ss.lastSeen+1 {
		ss.gaps += sequence - ss.lastSeen - 1
	}
	if sequence > ss.lastSeen {
		ss.lastSeen = sequence
	}
	ss.mu.Unlock()
}

func (ss *streamStats) snapshot() (events, gaps uint64) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.events, ss.gaps
}

func main() {
	var (
		rpcURL       string
		caller       string
		pool         uint64
		voteRate     int
		durationFlag time.Duration
	)
	flag.StringVar(&rpcURL, "rpc", "http://127.0.0.1:8080", "RPC endpoint for submitting votes")
	flag.StringVar(&caller, "caller", "", "bech32 voter address (overrides STREAMLOAD_CALLER)")
	flag.Uint64Var(&pool, "pool", 1, "pool id to vote into")
	flag.IntVar(&voteRate, "rate", defaultRate, "target vote submissions per minute")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.Parse()

	if caller == "" {
		caller = os.Getenv("STREAMLOAD_CALLER")
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		log.Fatal("missing voter address: provide --caller or STREAMLOAD_CALLER")
	}
	voter, err := crypto.DecodeAddress(caller)
	if err != nil {
		log.Fatalf("decode voter address: %v", err)
	}
	voterHex := hex.EncodeToString(voter.Bytes())

	token := strings.TrimSpace(os.Getenv("MRD_RPC_TOKEN"))
	if token == "" {
		log.Fatal("missing MRD_RPC_TOKEN for RPC authentication")
	}
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		log.Fatalf("parse rpc url: %v", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	if voteRate <= 0 {
		log.Fatalf("rate must be positive, got %d", voteRate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	tracker := newLatencyTracker()
	stats := &streamStats{}

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
	go consumeStream(streamCtx, conn, voterHex, tracker, stats)

	interval := time.Minute / time.Duration(voteRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(durationFlag)
	var sequence uint64
	var submitted int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}
		sequence++
		amount := strconv.FormatUint(sequence, 10)
		if err := submitVote(ctx, httpClient, parsed, token, caller, pool, amount); err != nil {
			log.Printf("submit vote %d failed: %v", sequence, err)
		} else {
			tracker.track(amount, time.Now())
			submitted++
		}
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		_, remaining := tracker.snapshot()
		log.Printf("still waiting on %d vote events", remaining)
	}

	streamCancel()

	latencies, pending := tracker.snapshot()
	events, gaps := stats.snapshot()
	reportLoadSummary(latencies, pending, submitted, events, gaps)
}

func submitVote(ctx context.Context, client *http.Client, rpcURL *url.URL, token, caller string, pool uint64, amount string) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  "rewards_vote",
		Params: []interface{}{voteParams{
			Caller:  caller,
			Pools:   []uint64{pool},
			Amounts: []string{amount},
		}},
		ID: 1,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	return nil
}

func consumeStream(ctx context.Context, conn *websocket.Conn, voterHex string, tracker *latencyTracker, stats *streamStats) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var payload streamPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Printf("decode stream payload: %v", err)
			continue
		}
		stats.record(payload.Sequence)
		if payload.Type != "rewards.votes.cast" {
			continue
		}
		if !strings.EqualFold(payload.Attributes["voter"], voterHex) {
			continue
		}
		tracker.observe(payload.Attributes["amount"], time.Now())
	}
}

func reportLoadSummary(latencies []time.Duration, pending, submitted int, events, gaps uint64) {
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
	log.Printf("Stream loader submitted %d votes", submitted)
	log.Printf("Observed %d vote events (pending: %d)", len(latencies), pending)
	log.Printf("Stream delivered %d events with %d gap(s)", events, gaps)
	log.Printf("Latency avg=%s max=%s", avg, max)
}
