package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"meridian/crypto"
	"meridian/native/rewards"
	"meridian/services/settlement-indexer/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestIngestor(t *testing.T, db *gorm.DB, streamURL string) *Ingestor {
	t.Helper()
	if streamURL == "" {
		streamURL = "ws://127.0.0.1:0/ws/events"
	}
	ing, err := New(Config{
		DB:        db,
		StreamURL: streamURL,
		Backoff:   20 * time.Millisecond,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return ing
}

func testAddr(last byte) ([20]byte, string, string) {
	var raw [20]byte
	raw[19] = last
	bech := crypto.MustNewAddress(crypto.MRDPrefix, raw[:]).String()
	return raw, hex.EncodeToString(raw[:]), bech
}

func TestApplyMaterializesEpochLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ing := newTestIngestor(t, db, "")

	events := []StreamEvent{
		{Sequence: 1, Type: rewards.EventTypeEpochEnded, Attributes: map[string]string{"epoch": "1", "pools": "2"}, Timestamp: 1000},
		{Sequence: 2, Type: rewards.EventTypeEpochVerified, Attributes: map[string]string{"epoch": "1"}, Timestamp: 1001},
		{Sequence: 3, Type: rewards.EventTypeEpochProcessed, Attributes: map[string]string{"epoch": "1", "rewards": "100", "subsidies": "40"}, Timestamp: 1002},
		{Sequence: 4, Type: rewards.EventTypeEpochFinalized, Attributes: map[string]string{"epoch": "1", "nextEpoch": "2", "rewards": "100", "subsidies": "40"}, Timestamp: 1003},
	}
	for _, event := range events {
		if err := ing.Apply(event); err != nil {
			t.Fatalf("apply seq %d: %v", event.Sequence, err)
		}
	}

	var epoch models.Epoch
	if err := db.First(&epoch, "id = ?", uint64(1)).Error; err != nil {
		t.Fatalf("load epoch: %v", err)
	}
	if epoch.Status != "finalized" || epoch.Pools != 2 {
		t.Fatalf("unexpected epoch card: %+v", epoch)
	}
	if epoch.Rewards != "100" || epoch.Subsidies != "40" {
		t.Fatalf("unexpected allocations: %+v", epoch)
	}
	if epoch.FinalizedAt == nil || epoch.FinalizedAt.Unix() != 1003 {
		t.Fatalf("finalized timestamp not recorded: %+v", epoch.FinalizedAt)
	}

	seq, err := ing.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if seq != 4 {
		t.Fatalf("expected checkpoint 4 got %d", seq)
	}
}

func TestApplyMaterializesClaims(t *testing.T) {
	db := setupTestDB(t)
	ing := newTestIngestor(t, db, "")

	_, aliceHex, aliceBech := testAddr(0x11)
	_, bobHex, bobBech := testAddr(0x22)

	events := []StreamEvent{
		{Sequence: 1, Type: rewards.EventTypePersonalClaim, Attributes: map[string]string{
			"epoch": "1", "pool": "1", "claimer": aliceHex, "amount": "30",
		}, Timestamp: 2000},
		{Sequence: 2, Type: rewards.EventTypeDelegatedClaim, Attributes: map[string]string{
			"epoch": "1", "pool": "1", "delegate": bobHex, "delegator": aliceHex, "net": "45", "fee": "5",
		}, Timestamp: 2001},
		{Sequence: 3, Type: rewards.EventTypeFeesClaimed, Attributes: map[string]string{
			"delegate": bobHex, "amount": "5",
		}, Timestamp: 2002},
		{Sequence: 4, Type: rewards.EventTypeSubsidyClaim, Attributes: map[string]string{
			"epoch": "1", "pool": "2", "verifier": aliceHex, "assetManager": bobHex, "amount": "12",
		}, Timestamp: 2003},
	}
	for _, event := range events {
		if err := ing.Apply(event); err != nil {
			t.Fatalf("apply seq %d: %v", event.Sequence, err)
		}
	}

	var claims []models.Claim
	if err := db.Order("sequence ASC").Find(&claims).Error; err != nil {
		t.Fatalf("load claims: %v", err)
	}
	if len(claims) != 4 {
		t.Fatalf("expected 4 claims got %d", len(claims))
	}

	personal := claims[0]
	if personal.Kind != models.ClaimPersonal || personal.Account != aliceBech || personal.Amount != "30" {
		t.Fatalf("unexpected personal claim: %+v", personal)
	}
	delegated := claims[1]
	if delegated.Kind != models.ClaimDelegated || delegated.Account != aliceBech || delegated.Counterparty != bobBech {
		t.Fatalf("unexpected delegated claim: %+v", delegated)
	}
	if delegated.Amount != "45" || delegated.Fee != "5" {
		t.Fatalf("unexpected delegated amounts: %+v", delegated)
	}
	fees := claims[2]
	if fees.Kind != models.ClaimDelegateFee || fees.Account != bobBech || fees.Epoch != 0 {
		t.Fatalf("unexpected fee claim: %+v", fees)
	}
	subsidy := claims[3]
	if subsidy.Kind != models.ClaimSubsidy || subsidy.Account != bobBech || subsidy.Counterparty != aliceBech {
		t.Fatalf("unexpected subsidy claim: %+v", subsidy)
	}
}

func TestApplyMaterializesSweeps(t *testing.T) {
	db := setupTestDB(t)
	ing := newTestIngestor(t, db, "")

	_, adminHex, _ := testAddr(0xA1)
	events := []StreamEvent{
		{Sequence: 1, Type: rewards.EventTypeTreasuryDeposit, Attributes: map[string]string{"epoch": "1", "amount": "140"}, Timestamp: 3000},
		{Sequence: 2, Type: rewards.EventTypeRewardsSwept, Attributes: map[string]string{"epoch": "1", "amount": "70"}, Timestamp: 3001},
		{Sequence: 3, Type: rewards.EventTypeEmergencyExit, Attributes: map[string]string{"caller": adminHex, "amount": "25"}, Timestamp: 3002},
	}
	for _, event := range events {
		if err := ing.Apply(event); err != nil {
			t.Fatalf("apply seq %d: %v", event.Sequence, err)
		}
	}

	var sweeps []models.Sweep
	if err := db.Order("sequence ASC").Find(&sweeps).Error; err != nil {
		t.Fatalf("load sweeps: %v", err)
	}
	if len(sweeps) != 3 {
		t.Fatalf("expected 3 sweeps got %d", len(sweeps))
	}
	if sweeps[0].Category != models.SweepDeposit || sweeps[0].Amount != "140" || sweeps[0].Epoch != 1 {
		t.Fatalf("unexpected deposit: %+v", sweeps[0])
	}
	if sweeps[1].Category != models.SweepRewards || sweeps[1].Amount != "70" {
		t.Fatalf("unexpected rewards sweep: %+v", sweeps[1])
	}
	if sweeps[2].Category != models.SweepEmergencyExit || sweeps[2].Epoch != 0 {
		t.Fatalf("unexpected emergency exit: %+v", sweeps[2])
	}
}

func TestApplySkipsReplayedEvents(t *testing.T) {
	db := setupTestDB(t)
	ing := newTestIngestor(t, db, "")

	_, aliceHex, _ := testAddr(0x11)
	event := StreamEvent{Sequence: 1, Type: rewards.EventTypePersonalClaim, Attributes: map[string]string{
		"epoch": "1", "pool": "1", "claimer": aliceHex, "amount": "30",
	}, Timestamp: 2000}

	if err := ing.Apply(event); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := ing.Apply(event); err != nil {
		t.Fatalf("replayed apply: %v", err)
	}

	var count int64
	if err := db.Model(&models.Claim{}).Count(&count).Error; err != nil {
		t.Fatalf("count claims: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 claim got %d", count)
	}
}

func TestApplyAdvancesCursorPastIgnoredEvents(t *testing.T) {
	db := setupTestDB(t)
	ing := newTestIngestor(t, db, "")

	_, aliceHex, _ := testAddr(0x11)
	event := StreamEvent{Sequence: 9, Type: rewards.EventTypeVotesCast, Attributes: map[string]string{
		"epoch": "1", "voter": aliceHex, "kind": "personal", "pools": "1", "amount": "300",
	}, Timestamp: 4000}
	if err := ing.Apply(event); err != nil {
		t.Fatalf("apply: %v", err)
	}

	seq, err := ing.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if seq != 9 {
		t.Fatalf("expected checkpoint 9 got %d", seq)
	}
	var claims int64
	if err := db.Model(&models.Claim{}).Count(&claims).Error; err != nil {
		t.Fatalf("count claims: %v", err)
	}
	if claims != 0 {
		t.Fatalf("vote chatter must not materialize claims, got %d", claims)
	}
}

func TestApplyRejectsMissingSequence(t *testing.T) {
	db := setupTestDB(t)
	ing := newTestIngestor(t, db, "")
	if err := ing.Apply(StreamEvent{Type: rewards.EventTypeEpochVerified}); err == nil {
		t.Fatalf("expected error for missing sequence")
	}
}

type fakeStream struct {
	cursors chan string
	events  [][]byte
}

func (f *fakeStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case f.cursors <- r.URL.Query().Get("cursor"):
	default:
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	for _, event := range f.events {
		if err := conn.Write(r.Context(), websocket.MessageText, event); err != nil {
			return
		}
	}
	// Hold the connection open until the client goes away.
	_, _, _ = conn.Read(r.Context())
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Create(&models.Checkpoint{Name: defaultConsumer, Sequence: 7}).Error; err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	_, aliceHex, aliceBech := testAddr(0x11)
	payload, err := json.Marshal(StreamEvent{
		Sequence: 8,
		Type:     rewards.EventTypePersonalClaim,
		Attributes: map[string]string{
			"epoch": "2", "pool": "1", "claimer": aliceHex, "amount": "55",
		},
		Timestamp: 5000,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	stream := &fakeStream{cursors: make(chan string, 4), events: [][]byte{payload}}
	httpSrv := httptest.NewServer(stream)
	defer httpSrv.Close()
	streamURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/events"

	ing := newTestIngestor(t, db, streamURL)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	select {
	case cursor := <-stream.cursors:
		if cursor != "7" {
			t.Errorf("expected resume cursor 7 got %q", cursor)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("stream was never dialled")
	}

	waitFor(t, func() bool {
		var count int64
		if err := db.Model(&models.Claim{}).Where("sequence = ?", uint64(8)).Count(&count).Error; err != nil {
			return false
		}
		return count == 1
	}, 2*time.Second)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}

	var claim models.Claim
	if err := db.First(&claim, "sequence = ?", uint64(8)).Error; err != nil {
		t.Fatalf("load claim: %v", err)
	}
	if claim.Account != aliceBech || claim.Amount != "55" || claim.Epoch != 2 {
		t.Fatalf("unexpected claim: %+v", claim)
	}
	seq, err := ing.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if seq != 8 {
		t.Fatalf("expected checkpoint 8 got %d", seq)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
