package opsapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meridian/core"
	"meridian/crypto"
	"meridian/integrations/webhooks"
	"meridian/native/rewards/audit"
	"meridian/native/rewards/export"
)

// Route-class keys understood by the rate limiter.
const (
	limitReports = "reports"
	limitAudit   = "audit"
)

// Config captures the dependencies required to construct the operator API.
type Config struct {
	Node       *core.Node
	Journal    *webhooks.Journal
	ReportsDir string
	Auth       AuthConfig
	Limits     map[string]RateLimit
	Logger     *slog.Logger
}

// Server exposes node health, Prometheus metrics, settlement report
// downloads, and audit ledger queries to operators.
type Server struct {
	node       *core.Node
	journal    *webhooks.Journal
	reportsDir string
	logger     *slog.Logger

	router http.Handler
}

// New constructs a configured operator API server. When no auth secret is
// configured only the public routes are mounted.
func New(cfg Config) (*Server, error) {
	if cfg.Node == nil {
		return nil, errors.New("opsapi: node required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var authenticator *Authenticator
	if strings.TrimSpace(cfg.Auth.Secret) != "" {
		var err error
		authenticator, err = NewAuthenticator(cfg.Auth, logger)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("operator API auth secret not configured; protected routes disabled")
	}
	srv := &Server{
		node:       cfg.Node,
		journal:    cfg.Journal,
		reportsDir: strings.TrimSpace(cfg.ReportsDir),
		logger:     logger,
	}
	srv.router = srv.buildRouter(authenticator, NewRateLimiter(cfg.Limits))
	return srv, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(authenticator *Authenticator, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if authenticator != nil {
		r.Group(func(protected chi.Router) {
			reports := protected.With(authenticator.Middleware(ScopeReportsRead), limiter.Middleware(limitReports))
			reports.Get("/reports/{epoch}", s.handleReportManifest)
			reports.Get("/reports/{epoch}/files/{name}", s.handleReportFile)

			auditing := protected.With(authenticator.Middleware(ScopeAuditRead), limiter.Middleware(limitAudit))
			auditing.Get("/audit", s.handleAuditList)
			auditing.Get("/webhooks/deliveries", s.handleWebhookDeliveries)
		})
	}
	return r
}

type healthResponse struct {
	Status      string `json:"status"`
	Epoch       uint64 `json:"epoch"`
	Phase       string `json:"phase"`
	StateRoot   string `json:"stateRoot"`
	Transitions uint64 `json:"transitions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	epoch, err := s.node.RewardsCurrentEpoch()
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Epoch:       epoch.ID,
		Phase:       epoch.Status.String(),
		StateRoot:   "0x" + hex.EncodeToString(s.node.StateRoot()),
		Transitions: s.node.TransitionCount(),
	})
}

func (s *Server) handleReportManifest(w http.ResponseWriter, r *http.Request) {
	epoch, ok := epochParam(w, r)
	if !ok {
		return
	}
	manifest, ok := s.loadManifest(w, epoch)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleReportFile(w http.ResponseWriter, r *http.Request) {
	epoch, ok := epochParam(w, r)
	if !ok {
		return
	}
	manifest, ok := s.loadManifest(w, epoch)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	listed := false
	for _, file := range manifest.Files {
		if file.Name == name {
			listed = true
			break
		}
	}
	if !listed {
		writeJSONError(w, http.StatusNotFound, "unknown report file")
		return
	}
	http.ServeFile(w, r, filepath.Join(export.EpochDir(s.reportsDir, epoch), name))
}

// loadManifest reads the published manifest for an epoch, writing the error
// response itself when the report is missing or unreadable.
func (s *Server) loadManifest(w http.ResponseWriter, epoch uint64) (*export.Manifest, bool) {
	data, err := os.ReadFile(export.ManifestPath(s.reportsDir, epoch))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSONError(w, http.StatusNotFound, "report not published")
		} else {
			s.logger.Error("read report manifest failed", "epoch", epoch, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "report unavailable")
		}
		return nil, false
	}
	manifest := &export.Manifest{}
	if err := json.Unmarshal(data, manifest); err != nil {
		s.logger.Error("decode report manifest failed", "epoch", epoch, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "report unavailable")
		return nil, false
	}
	return manifest, true
}

type auditEntryView struct {
	Epoch        uint64 `json:"epoch"`
	Pool         uint64 `json:"pool"`
	Kind         string `json:"kind"`
	Account      string `json:"account"`
	Counterparty string `json:"counterparty,omitempty"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	Reference    string `json:"reference"`
	ManifestRef  string `json:"manifestRef,omitempty"`
	RecordedAt   int64  `json:"recordedAt"`
	ExportedAt   int64  `json:"exportedAt,omitempty"`
	Checksum     string `json:"checksum"`
}

type auditListResponse struct {
	Entries    []auditEntryView `json:"entries"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilterFromQuery(w, r)
	if !ok {
		return
	}
	entries, nextCursor, err := s.node.AuditList(filter)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidCursor) {
			writeJSONError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		s.logger.Error("audit query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	views := make([]auditEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, auditEntryViewFrom(entry))
	}
	writeJSON(w, http.StatusOK, auditListResponse{Entries: views, NextCursor: nextCursor})
}

func auditFilterFromQuery(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	query := r.URL.Query()
	filter := audit.Filter{Cursor: strings.TrimSpace(query.Get("cursor"))}
	if raw := strings.TrimSpace(query.Get("epoch")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid epoch")
			return audit.Filter{}, false
		}
		filter.Epoch = &value
	}
	if raw := strings.TrimSpace(query.Get("pool")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid pool")
			return audit.Filter{}, false
		}
		filter.Pool = &value
	}
	if raw := strings.TrimSpace(query.Get("kind")); raw != "" {
		kind, err := audit.ParseKind(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid kind")
			return audit.Filter{}, false
		}
		filter.Kind = kind
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := audit.ParseStatus(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid status")
			return audit.Filter{}, false
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(query.Get("account")); raw != "" {
		addr, err := crypto.DecodeAddress(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid account")
			return audit.Filter{}, false
		}
		var account [20]byte
		copy(account[:], addr.Bytes())
		filter.Account = &account
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return audit.Filter{}, false
		}
		filter.Limit = value
	}
	return filter, true
}

func auditEntryViewFrom(entry *audit.Entry) auditEntryView {
	view := auditEntryView{
		Epoch:       entry.Epoch,
		Pool:        entry.Pool,
		Kind:        string(entry.Kind),
		Account:     crypto.MustNewAddress(crypto.MRDPrefix, entry.Account[:]).String(),
		Amount:      "0",
		Status:      string(entry.Status),
		Reference:   entry.Reference,
		ManifestRef: entry.ManifestRef,
		RecordedAt:  entry.RecordedAt.Unix(),
		Checksum:    entry.Checksum,
	}
	if entry.Amount != nil {
		view.Amount = entry.Amount.String()
	}
	if entry.Counterparty != ([20]byte{}) {
		view.Counterparty = crypto.MustNewAddress(crypto.MRDPrefix, entry.Counterparty[:]).String()
	}
	if entry.ExportedAt != nil {
		view.ExportedAt = entry.ExportedAt.Unix()
	}
	return view
}

type deliveriesResponse struct {
	Deliveries []webhooks.DeliveryRecord `json:"deliveries"`
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = value
	}
	records, err := s.journal.List(limit)
	if err != nil {
		s.logger.Error("webhook journal query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	if records == nil {
		records = []webhooks.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, deliveriesResponse{Deliveries: records})
}

func epochParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "epoch")
	epoch, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid epoch")
		return 0, false
	}
	return epoch, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
