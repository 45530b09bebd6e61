package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"meridian/crypto"
	"meridian/services/settlement-indexer/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

var claimKinds = map[string]bool{
	models.ClaimPersonal:        true,
	models.ClaimDelegated:       true,
	models.ClaimDelegateFee:     true,
	models.ClaimSubsidy:         true,
	models.ClaimPendingRedeemed: true,
}

var sweepCategories = map[string]bool{
	models.SweepDeposit:          true,
	models.SweepRewards:          true,
	models.SweepSubsidies:        true,
	models.SweepRegistrationFees: true,
	models.SweepEmergencyExit:    true,
}

// Config wires the read API to the materialized database.
type Config struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

// Server exposes the read-only settlement API.
type Server struct {
	db     *gorm.DB
	logger *slog.Logger
	router http.Handler
}

// New constructs the server and its router.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("indexer: database handle required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{db: cfg.DB, logger: logger}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/epochs", s.handleEpochList)
		r.Get("/epochs/{epoch}", s.handleEpochGet)
		r.Get("/epochs/{epoch}/claims", s.handleEpochClaims)
		r.Get("/accounts/{account}/claims", s.handleAccountClaims)
		r.Get("/sweeps", s.handleSweepList)
	})
	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Sequence uint64 `json:"sequence"`
	Epochs   int64  `json:"epochs"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var sequence uint64
	if err := s.db.Model(&models.Checkpoint{}).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&sequence).Error; err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	var epochs int64
	if err := s.db.Model(&models.Epoch{}).Count(&epochs).Error; err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Sequence: sequence, Epochs: epochs})
}

type epochView struct {
	Epoch       uint64 `json:"epoch"`
	Status      string `json:"status"`
	Pools       int    `json:"pools"`
	Rewards     string `json:"rewards"`
	Subsidies   string `json:"subsidies"`
	FinalizedAt int64  `json:"finalizedAt,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func epochViewFrom(epoch models.Epoch) epochView {
	view := epochView{
		Epoch:     epoch.ID,
		Status:    epoch.Status,
		Pools:     epoch.Pools,
		Rewards:   orZero(epoch.Rewards),
		Subsidies: orZero(epoch.Subsidies),
		UpdatedAt: epoch.UpdatedAt.Unix(),
	}
	if epoch.FinalizedAt != nil {
		view.FinalizedAt = epoch.FinalizedAt.Unix()
	}
	return view
}

type epochListResponse struct {
	Epochs []epochView `json:"epochs"`
}

func (s *Server) handleEpochList(w http.ResponseWriter, r *http.Request) {
	limit, ok := pageLimit(w, r)
	if !ok {
		return
	}
	var epochs []models.Epoch
	if err := s.db.Order("id DESC").Limit(limit).Find(&epochs).Error; err != nil {
		s.logger.Error("epoch list query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	views := make([]epochView, 0, len(epochs))
	for _, epoch := range epochs {
		views = append(views, epochViewFrom(epoch))
	}
	writeJSON(w, http.StatusOK, epochListResponse{Epochs: views})
}

type kindCount struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

type epochDetailResponse struct {
	epochView
	Claims []kindCount `json:"claims"`
	Sweeps []kindCount `json:"sweeps"`
}

func (s *Server) handleEpochGet(w http.ResponseWriter, r *http.Request) {
	epochID, ok := epochParam(w, r)
	if !ok {
		return
	}
	var epoch models.Epoch
	err := s.db.First(&epoch, "id = ?", epochID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeJSONError(w, http.StatusNotFound, "epoch not indexed")
		return
	}
	if err != nil {
		s.logger.Error("epoch query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}

	claims, err := s.countByColumn(&models.Claim{}, "kind", epochID)
	if err != nil {
		s.logger.Error("claim count query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	sweeps, err := s.countByColumn(&models.Sweep{}, "category", epochID)
	if err != nil {
		s.logger.Error("sweep count query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, epochDetailResponse{
		epochView: epochViewFrom(epoch),
		Claims:    claims,
		Sweeps:    sweeps,
	})
}

func (s *Server) countByColumn(model interface{}, column string, epoch uint64) ([]kindCount, error) {
	rows := make([]kindCount, 0, 4)
	err := s.db.Model(model).
		Select(column+" AS kind, COUNT(*) AS count").
		Where("epoch = ?", epoch).
		Group(column).
		Order(column).
		Scan(&rows).Error
	return rows, err
}

type claimView struct {
	Sequence     uint64 `json:"sequence"`
	Epoch        uint64 `json:"epoch"`
	Pool         uint64 `json:"pool"`
	Kind         string `json:"kind"`
	Account      string `json:"account"`
	Counterparty string `json:"counterparty,omitempty"`
	Amount       string `json:"amount"`
	Fee          string `json:"fee,omitempty"`
	ObservedAt   int64  `json:"observedAt"`
}

func claimViewFrom(claim models.Claim) claimView {
	return claimView{
		Sequence:     claim.Sequence,
		Epoch:        claim.Epoch,
		Pool:         claim.Pool,
		Kind:         claim.Kind,
		Account:      claim.Account,
		Counterparty: claim.Counterparty,
		Amount:       orZero(claim.Amount),
		Fee:          claim.Fee,
		ObservedAt:   claim.ObservedAt.Unix(),
	}
}

type claimListResponse struct {
	Claims []claimView `json:"claims"`
	Total  int64       `json:"total"`
}

func (s *Server) handleEpochClaims(w http.ResponseWriter, r *http.Request) {
	epochID, ok := epochParam(w, r)
	if !ok {
		return
	}
	kind, ok := claimKindParam(w, r)
	if !ok {
		return
	}
	s.serveClaims(w, r, func(q *gorm.DB) *gorm.DB {
		q = q.Where("epoch = ?", epochID)
		if kind != "" {
			q = q.Where("kind = ?", kind)
		}
		return q
	})
}

func (s *Server) handleAccountClaims(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.DecodeAddress(chi.URLParam(r, "account"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	var epochID *uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("epoch")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid epoch")
			return
		}
		epochID = &parsed
	}
	kind, ok := claimKindParam(w, r)
	if !ok {
		return
	}
	s.serveClaims(w, r, func(q *gorm.DB) *gorm.DB {
		q = q.Where("account = ?", account.String())
		if epochID != nil {
			q = q.Where("epoch = ?", *epochID)
		}
		if kind != "" {
			q = q.Where("kind = ?", kind)
		}
		return q
	})
}

func claimKindParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	if kind != "" && !claimKinds[kind] {
		writeJSONError(w, http.StatusBadRequest, "unknown claim kind")
		return "", false
	}
	return kind, true
}

// serveClaims runs the scope against fresh query chains so the count and the
// page fetch never share a statement.
func (s *Server) serveClaims(w http.ResponseWriter, r *http.Request, scope func(*gorm.DB) *gorm.DB) {
	limit, ok := pageLimit(w, r)
	if !ok {
		return
	}
	offset, ok := pageOffset(w, r)
	if !ok {
		return
	}
	var total int64
	if err := scope(s.db.Model(&models.Claim{})).Count(&total).Error; err != nil {
		s.logger.Error("claim count failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	var claims []models.Claim
	if err := scope(s.db.Model(&models.Claim{})).
		Order("sequence DESC").Limit(limit).Offset(offset).
		Find(&claims).Error; err != nil {
		s.logger.Error("claim query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	views := make([]claimView, 0, len(claims))
	for _, claim := range claims {
		views = append(views, claimViewFrom(claim))
	}
	writeJSON(w, http.StatusOK, claimListResponse{Claims: views, Total: total})
}

type sweepView struct {
	Sequence   uint64 `json:"sequence"`
	Epoch      uint64 `json:"epoch,omitempty"`
	Category   string `json:"category"`
	Amount     string `json:"amount"`
	ObservedAt int64  `json:"observedAt"`
}

type sweepListResponse struct {
	Sweeps []sweepView `json:"sweeps"`
	Total  int64       `json:"total"`
}

func (s *Server) handleSweepList(w http.ResponseWriter, r *http.Request) {
	var epochID *uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("epoch")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid epoch")
			return
		}
		epochID = &parsed
	}
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	if category != "" && !sweepCategories[category] {
		writeJSONError(w, http.StatusBadRequest, "unknown sweep category")
		return
	}
	scope := func(q *gorm.DB) *gorm.DB {
		if epochID != nil {
			q = q.Where("epoch = ?", *epochID)
		}
		if category != "" {
			q = q.Where("category = ?", category)
		}
		return q
	}
	limit, ok := pageLimit(w, r)
	if !ok {
		return
	}
	offset, ok := pageOffset(w, r)
	if !ok {
		return
	}
	var total int64
	if err := scope(s.db.Model(&models.Sweep{})).Count(&total).Error; err != nil {
		s.logger.Error("sweep count failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	var sweeps []models.Sweep
	if err := scope(s.db.Model(&models.Sweep{})).
		Order("sequence DESC").Limit(limit).Offset(offset).
		Find(&sweeps).Error; err != nil {
		s.logger.Error("sweep query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	views := make([]sweepView, 0, len(sweeps))
	for _, sweep := range sweeps {
		views = append(views, sweepView{
			Sequence:   sweep.Sequence,
			Epoch:      sweep.Epoch,
			Category:   sweep.Category,
			Amount:     orZero(sweep.Amount),
			ObservedAt: sweep.ObservedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, sweepListResponse{Sweeps: views, Total: total})
}

func epochParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	epochID, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid epoch")
		return 0, false
	}
	return epochID, true
}

func pageLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultPageLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, true
}

func pageOffset(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("offset"))
	if raw == "" {
		return 0, true
	}
	offset, err := strconv.Atoi(raw)
	if err != nil || offset < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid offset")
		return 0, false
	}
	return offset, true
}

func orZero(value string) string {
	if strings.TrimSpace(value) == "" {
		return "0"
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
