package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"meridian/core"
	"meridian/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	rateLimitPerSecond = 25
	rateLimitBurst     = 50
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeForbidden      = -32002
	codeNotFound       = -32004
	codeConflict       = -32009
	codeRateLimited    = -32020
)

type Server struct {
	node *core.Node

	authToken string

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv("MRD_RPC_TOKEN"))
	return &Server{
		node:      node,
		authToken: token,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Start serves the JSON-RPC surface and the websocket event stream until the
// listener fails.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CallError pairs the wire-level error with the HTTP status a handler wants
// written alongside it.
type CallError struct {
	HTTPStatus int
	Code       int
	Message    string
	Data       interface{}
}

func (e *CallError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	if !s.allowSource(clientSource(r)) {
		observability.RPCMetrics().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	switch req.Method {
	case "rewards_endEpoch":
		s.mutate(w, r, req, s.handleEndEpoch)
	case "rewards_processVerifierChecks":
		s.mutate(w, r, req, s.handleProcessVerifierChecks)
	case "rewards_processPools":
		s.mutate(w, r, req, s.handleProcessPools)
	case "rewards_finalizeEpoch":
		s.mutate(w, r, req, s.handleFinalizeEpoch)
	case "rewards_forceFinalizeEpoch":
		s.mutate(w, r, req, s.handleForceFinalizeEpoch)
	case "rewards_createPool":
		s.mutate(w, r, req, s.handleCreatePool)
	case "rewards_retirePool":
		s.mutate(w, r, req, s.handleRetirePool)
	case "rewards_vote":
		s.mutate(w, r, req, s.handleVote)
	case "rewards_migrateVotes":
		s.mutate(w, r, req, s.handleMigrateVotes)
	case "rewards_registerDelegate":
		s.mutate(w, r, req, s.handleRegisterDelegate)
	case "rewards_updateDelegateFee":
		s.mutate(w, r, req, s.handleUpdateDelegateFee)
	case "rewards_unregisterDelegate":
		s.mutate(w, r, req, s.handleUnregisterDelegate)
	case "rewards_claimPersonal":
		s.mutate(w, r, req, s.handleClaimPersonal)
	case "rewards_claimDelegated":
		s.mutate(w, r, req, s.handleClaimDelegated)
	case "rewards_claimFees":
		s.mutate(w, r, req, s.handleClaimFees)
	case "rewards_claimSubsidies":
		s.mutate(w, r, req, s.handleClaimSubsidies)
	case "rewards_claimPending":
		s.mutate(w, r, req, s.handleClaimPending)
	case "rewards_withdrawUnclaimedRewards":
		s.mutate(w, r, req, s.handleWithdrawUnclaimedRewards)
	case "rewards_withdrawUnclaimedSubsidies":
		s.mutate(w, r, req, s.handleWithdrawUnclaimedSubsidies)
	case "rewards_withdrawRegistrationFees":
		s.mutate(w, r, req, s.handleWithdrawRegistrationFees)
	case "rewards_pause":
		s.mutate(w, r, req, s.handlePause)
	case "rewards_unpause":
		s.mutate(w, r, req, s.handleUnpause)
	case "rewards_freeze":
		s.mutate(w, r, req, s.handleFreeze)
	case "rewards_emergencyExit":
		s.mutate(w, r, req, s.handleEmergencyExit)
	case "rewards_importEpochPower":
		s.mutate(w, r, req, s.handleImportEpochPower)
	case "rewards_importPoolUsage":
		s.mutate(w, r, req, s.handleImportPoolUsage)
	case "rewards_setVerifierManager":
		s.mutate(w, r, req, s.handleSetVerifierManager)
	case "rewards_globals":
		s.invoke(w, r, req, s.handleGlobals)
	case "rewards_epoch":
		s.invoke(w, r, req, s.handleEpoch)
	case "rewards_currentEpoch":
		s.invoke(w, r, req, s.handleCurrentEpoch)
	case "rewards_pool":
		s.invoke(w, r, req, s.handlePool)
	case "rewards_activePools":
		s.invoke(w, r, req, s.handleActivePools)
	case "rewards_poolEpoch":
		s.invoke(w, r, req, s.handlePoolEpoch)
	case "rewards_delegate":
		s.invoke(w, r, req, s.handleDelegate)
	case "rewards_voteAccount":
		s.invoke(w, r, req, s.handleVoteAccount)
	case "rewards_pendingPayout":
		s.invoke(w, r, req, s.handlePendingPayout)
	case "rewards_balance":
		s.invoke(w, r, req, s.handleBalance)
	case "rewards_params":
		s.invoke(w, r, req, s.handleParams)
	case "rewards_treasury":
		s.invoke(w, r, req, s.handleTreasury)
	case "rewards_auditList":
		s.invoke(w, r, req, s.handleAuditList)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

type callHandler func(r *http.Request, req *RPCRequest) (interface{}, *CallError)

// mutate gates a state-changing handler behind bearer authentication.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn callHandler) {
	if authErr := s.requireAuth(r); authErr != nil {
		observability.RPCMetrics().Observe(req.Method, authErr.Code, 0)
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	s.invoke(w, r, req, fn)
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn callHandler) {
	started := time.Now()
	result, callErr := fn(r, req)
	if callErr != nil {
		observability.RPCMetrics().Observe(req.Method, callErr.Code, time.Since(started))
		writeError(w, callErr.HTTPStatus, req.ID, callErr.Code, callErr.Message, callErr.Data)
		return
	}
	observability.RPCMetrics().Observe(req.Method, 0, time.Since(started))
	writeResult(w, req.ID, result)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rateLimitPerSecond), rateLimitBurst)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
	}
	if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
		first := raw
		if comma := strings.IndexByte(raw, ','); comma > 0 {
			first = strings.TrimSpace(raw[:comma])
		}
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
