package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"meridian/crypto"
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

func newTestServer(t *testing.T, db *gorm.DB) *Server {
	t.Helper()
	srv, err := New(Config{DB: db, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func testAccount(last byte) string {
	var raw [20]byte
	raw[19] = last
	return crypto.MustNewAddress(crypto.MRDPrefix, raw[:]).String()
}

func TestHealthzReportsCursorAndEpochs(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Create(&models.Checkpoint{Name: "settlement-indexer", Sequence: 12}).Error; err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	for id := uint64(1); id <= 2; id++ {
		if err := db.Create(&models.Epoch{ID: id, Status: "finalized"}).Error; err != nil {
			t.Fatalf("seed epoch: %v", err)
		}
	}
	srv := newTestServer(t, db)

	rec := doGet(t, srv, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var health healthResponse
	decodeBody(t, rec, &health)
	if health.Status != "ok" || health.Sequence != 12 || health.Epochs != 2 {
		t.Fatalf("unexpected health payload: %+v", health)
	}
}

func TestEpochListNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	for id := uint64(1); id <= 3; id++ {
		status := "finalized"
		if id == 3 {
			status = "voting"
		}
		if err := db.Create(&models.Epoch{ID: id, Status: status, Rewards: "100", Subsidies: "40", UpdatedAt: now}).Error; err != nil {
			t.Fatalf("seed epoch: %v", err)
		}
	}
	srv := newTestServer(t, db)

	rec := doGet(t, srv, "/v1/epochs")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var list epochListResponse
	decodeBody(t, rec, &list)
	if len(list.Epochs) != 3 {
		t.Fatalf("expected 3 epochs got %d", len(list.Epochs))
	}
	if list.Epochs[0].Epoch != 3 || list.Epochs[2].Epoch != 1 {
		t.Fatalf("expected newest first ordering: %+v", list.Epochs)
	}
	if list.Epochs[0].Status != "voting" || list.Epochs[1].Rewards != "100" {
		t.Fatalf("unexpected epoch views: %+v", list.Epochs)
	}

	rec = doGet(t, srv, "/v1/epochs?limit=1")
	decodeBody(t, rec, &list)
	if len(list.Epochs) != 1 || list.Epochs[0].Epoch != 3 {
		t.Fatalf("limit was not applied: %+v", list.Epochs)
	}

	rec = doGet(t, srv, "/v1/epochs?limit=zero")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit got %d", rec.Code)
	}
}

func TestEpochDetailCountsByKind(t *testing.T) {
	db := setupTestDB(t)
	finalized := time.Unix(1003, 0).UTC()
	if err := db.Create(&models.Epoch{
		ID: 1, Status: "finalized", Pools: 2,
		Rewards: "100", Subsidies: "40",
		FinalizedAt: &finalized, UpdatedAt: finalized,
	}).Error; err != nil {
		t.Fatalf("seed epoch: %v", err)
	}
	alice := testAccount(0x11)
	claims := []models.Claim{
		{Sequence: 1, Epoch: 1, Pool: 1, Kind: models.ClaimPersonal, Account: alice, Amount: "30", ObservedAt: finalized},
		{Sequence: 2, Epoch: 1, Pool: 1, Kind: models.ClaimPersonal, Account: testAccount(0x22), Amount: "20", ObservedAt: finalized},
		{Sequence: 3, Epoch: 1, Pool: 2, Kind: models.ClaimSubsidy, Account: testAccount(0xD1), Counterparty: alice, Amount: "12", ObservedAt: finalized},
	}
	for _, claim := range claims {
		if err := db.Create(&claim).Error; err != nil {
			t.Fatalf("seed claim: %v", err)
		}
	}
	if err := db.Create(&models.Sweep{Sequence: 4, Epoch: 1, Category: models.SweepDeposit, Amount: "140", ObservedAt: finalized}).Error; err != nil {
		t.Fatalf("seed sweep: %v", err)
	}
	srv := newTestServer(t, db)

	rec := doGet(t, srv, "/v1/epochs/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var detail epochDetailResponse
	decodeBody(t, rec, &detail)
	if detail.Status != "finalized" || detail.Pools != 2 || detail.FinalizedAt != 1003 {
		t.Fatalf("unexpected epoch card: %+v", detail.epochView)
	}
	if len(detail.Claims) != 2 {
		t.Fatalf("expected 2 claim kinds got %+v", detail.Claims)
	}
	if detail.Claims[0].Kind != models.ClaimPersonal || detail.Claims[0].Count != 2 {
		t.Fatalf("unexpected claim counts: %+v", detail.Claims)
	}
	if len(detail.Sweeps) != 1 || detail.Sweeps[0].Kind != models.SweepDeposit {
		t.Fatalf("unexpected sweep counts: %+v", detail.Sweeps)
	}

	rec = doGet(t, srv, "/v1/epochs/9")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown epoch got %d", rec.Code)
	}
	rec = doGet(t, srv, "/v1/epochs/abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad epoch got %d", rec.Code)
	}
}

func TestEpochClaimsFiltering(t *testing.T) {
	db := setupTestDB(t)
	observed := time.Unix(2000, 0).UTC()
	alice := testAccount(0x11)
	bob := testAccount(0x22)
	claims := []models.Claim{
		{Sequence: 1, Epoch: 1, Pool: 1, Kind: models.ClaimPersonal, Account: alice, Amount: "30", ObservedAt: observed},
		{Sequence: 2, Epoch: 1, Pool: 1, Kind: models.ClaimDelegated, Account: alice, Counterparty: bob, Amount: "45", Fee: "5", ObservedAt: observed},
		{Sequence: 3, Epoch: 2, Pool: 1, Kind: models.ClaimPersonal, Account: bob, Amount: "10", ObservedAt: observed},
	}
	for _, claim := range claims {
		if err := db.Create(&claim).Error; err != nil {
			t.Fatalf("seed claim: %v", err)
		}
	}
	srv := newTestServer(t, db)

	rec := doGet(t, srv, "/v1/epochs/1/claims")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var list claimListResponse
	decodeBody(t, rec, &list)
	if list.Total != 2 || len(list.Claims) != 2 {
		t.Fatalf("unexpected claim page: total=%d claims=%d", list.Total, len(list.Claims))
	}
	if list.Claims[0].Sequence != 2 {
		t.Fatalf("expected newest first ordering: %+v", list.Claims)
	}
	if list.Claims[0].Counterparty != bob || list.Claims[0].Fee != "5" {
		t.Fatalf("unexpected delegated view: %+v", list.Claims[0])
	}

	rec = doGet(t, srv, "/v1/epochs/1/claims?kind=personal")
	decodeBody(t, rec, &list)
	if list.Total != 1 || list.Claims[0].Kind != models.ClaimPersonal {
		t.Fatalf("kind filter not applied: %+v", list)
	}

	rec = doGet(t, srv, "/v1/epochs/1/claims?kind=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind got %d", rec.Code)
	}

	rec = doGet(t, srv, "/v1/epochs/1/claims?limit=1&offset=1")
	decodeBody(t, rec, &list)
	if list.Total != 2 || len(list.Claims) != 1 || list.Claims[0].Sequence != 1 {
		t.Fatalf("pagination not applied: %+v", list)
	}

	rec = doGet(t, srv, "/v1/epochs/1/claims?offset=-1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative offset got %d", rec.Code)
	}
}

func TestAccountClaims(t *testing.T) {
	db := setupTestDB(t)
	observed := time.Unix(2000, 0).UTC()
	alice := testAccount(0x11)
	claims := []models.Claim{
		{Sequence: 1, Epoch: 1, Pool: 1, Kind: models.ClaimPersonal, Account: alice, Amount: "30", ObservedAt: observed},
		{Sequence: 2, Epoch: 2, Pool: 1, Kind: models.ClaimPersonal, Account: alice, Amount: "15", ObservedAt: observed},
		{Sequence: 3, Epoch: 1, Pool: 1, Kind: models.ClaimPersonal, Account: testAccount(0x22), Amount: "10", ObservedAt: observed},
	}
	for _, claim := range claims {
		if err := db.Create(&claim).Error; err != nil {
			t.Fatalf("seed claim: %v", err)
		}
	}
	srv := newTestServer(t, db)

	rec := doGet(t, srv, "/v1/accounts/"+alice+"/claims")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var list claimListResponse
	decodeBody(t, rec, &list)
	if list.Total != 2 {
		t.Fatalf("expected 2 claims for account got %d", list.Total)
	}

	rec = doGet(t, srv, "/v1/accounts/"+alice+"/claims?epoch=2")
	decodeBody(t, rec, &list)
	if list.Total != 1 || list.Claims[0].Epoch != 2 {
		t.Fatalf("epoch filter not applied: %+v", list)
	}

	rec = doGet(t, srv, "/v1/accounts/not-an-address/claims")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad address got %d", rec.Code)
	}
}

func TestSweepListFiltering(t *testing.T) {
	db := setupTestDB(t)
	observed := time.Unix(3000, 0).UTC()
	sweeps := []models.Sweep{
		{Sequence: 1, Epoch: 1, Category: models.SweepDeposit, Amount: "140", ObservedAt: observed},
		{Sequence: 2, Epoch: 1, Category: models.SweepRewards, Amount: "70", ObservedAt: observed},
		{Sequence: 3, Epoch: 2, Category: models.SweepDeposit, Amount: "90", ObservedAt: observed},
	}
	for _, sweep := range sweeps {
		if err := db.Create(&sweep).Error; err != nil {
			t.Fatalf("seed sweep: %v", err)
		}
	}
	srv := newTestServer(t, db)

	rec := doGet(t, srv, "/v1/sweeps")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var list sweepListResponse
	decodeBody(t, rec, &list)
	if list.Total != 3 || list.Sweeps[0].Sequence != 3 {
		t.Fatalf("unexpected sweep page: %+v", list)
	}

	rec = doGet(t, srv, "/v1/sweeps?category=deposit&epoch=1")
	decodeBody(t, rec, &list)
	if list.Total != 1 || list.Sweeps[0].Amount != "140" {
		t.Fatalf("filters not applied: %+v", list)
	}

	rec = doGet(t, srv, "/v1/sweeps?category=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown category got %d", rec.Code)
	}
}
