package rpc

import (
	"net/http"
	"strings"

	"meridian/native/rewards/audit"
)

func (s *Server) handleGlobals(_ *http.Request, _ *RPCRequest) (interface{}, *CallError) {
	globals, err := s.node.RewardsGlobals()
	if err != nil {
		return nil, engineCallError(err)
	}
	return globalsResultFrom(globals), nil
}

type epochParams struct {
	Epoch uint64 `json:"epoch"`
}

func (s *Server) handleEpoch(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params epochParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	ep, err := s.node.RewardsEpoch(params.Epoch)
	if err != nil {
		return nil, engineCallError(err)
	}
	return epochResultFrom(ep), nil
}

func (s *Server) handleCurrentEpoch(_ *http.Request, _ *RPCRequest) (interface{}, *CallError) {
	ep, err := s.node.RewardsCurrentEpoch()
	if err != nil {
		return nil, engineCallError(err)
	}
	return epochResultFrom(ep), nil
}

type poolParams struct {
	Pool uint64 `json:"pool"`
}

func (s *Server) handlePool(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params poolParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	pool, err := s.node.RewardsPool(params.Pool)
	if err != nil {
		return nil, engineCallError(err)
	}
	return poolResult{ID: pool.ID, Active: pool.Active}, nil
}

type activePoolsResult struct {
	Pools []uint64 `json:"pools"`
}

func (s *Server) handleActivePools(_ *http.Request, _ *RPCRequest) (interface{}, *CallError) {
	pools, err := s.node.RewardsActivePools()
	if err != nil {
		return nil, engineCallError(err)
	}
	if pools == nil {
		pools = []uint64{}
	}
	return activePoolsResult{Pools: pools}, nil
}

type poolEpochParams struct {
	Epoch uint64 `json:"epoch"`
	Pool  uint64 `json:"pool"`
}

func (s *Server) handlePoolEpoch(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params poolEpochParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	pe, err := s.node.RewardsPoolEpoch(params.Epoch, params.Pool)
	if err != nil {
		return nil, engineCallError(err)
	}
	return poolEpochResultFrom(pe), nil
}

type addressParams struct {
	Address string `json:"address"`
}

func (s *Server) handleDelegate(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params addressParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	addr, err := decodeBech32(params.Address)
	if err != nil {
		return nil, invalidParams("invalid address", err.Error())
	}
	delegate, err := s.node.RewardsDelegate(addr[:])
	if err != nil {
		return nil, engineCallError(err)
	}
	return delegateResult{
		Address:               formatAccount(addr[:]),
		FeeBps:                delegate.FeeBps,
		PendingFeeBps:         delegate.PendingFeeBps,
		PendingEffectiveEpoch: delegate.PendingEffectiveEpoch,
		GrossCaptured:         bigIntString(delegate.GrossCaptured),
		FeesAccrued:           bigIntString(delegate.FeesAccrued),
	}, nil
}

type voteAccountParams struct {
	Epoch   uint64 `json:"epoch"`
	Address string `json:"address"`
}

func (s *Server) handleVoteAccount(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params voteAccountParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	addr, err := decodeBech32(params.Address)
	if err != nil {
		return nil, invalidParams("invalid address", err.Error())
	}
	acct, err := s.node.RewardsVoteAccount(params.Epoch, addr[:])
	if err != nil {
		return nil, engineCallError(err)
	}
	return voteAccountResult{
		Address: formatAccount(addr[:]),
		Epoch:   params.Epoch,
		Kind:    acct.Kind.String(),
		Spent:   bigIntString(acct.Spent),
	}, nil
}

func (s *Server) handlePendingPayout(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params addressParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	addr, err := decodeBech32(params.Address)
	if err != nil {
		return nil, invalidParams("invalid address", err.Error())
	}
	amount, err := s.node.RewardsPendingPayout(addr[:])
	if err != nil {
		return nil, engineCallError(err)
	}
	return pendingPayoutResult{Address: formatAccount(addr[:]), Amount: bigIntString(amount)}, nil
}

func (s *Server) handleBalance(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params addressParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	addr, err := decodeBech32(params.Address)
	if err != nil {
		return nil, invalidParams("invalid address", err.Error())
	}
	balance, err := s.node.Balance(addr[:])
	if err != nil {
		return nil, engineCallError(err)
	}
	return balanceResult{Address: formatAccount(addr[:]), Balance: bigIntString(balance)}, nil
}

func (s *Server) handleParams(_ *http.Request, _ *RPCRequest) (interface{}, *CallError) {
	p := s.node.Params()
	return paramsResult{
		EpochDuration:          p.EpochDuration,
		MaxDelegateFeeBps:      p.MaxDelegateFeeBps,
		RegistrationFee:        bigIntString(p.RegistrationFee),
		FeeIncreaseDelayEpochs: p.FeeIncreaseDelayEpochs,
		SweepDelayEpochs:       p.SweepDelayEpochs,
	}, nil
}

func (s *Server) handleTreasury(_ *http.Request, _ *RPCRequest) (interface{}, *CallError) {
	custody := s.node.CustodyAddress()
	return treasuryResult{
		Treasury: formatAccount(s.node.Treasury()),
		Custody:  formatAccount(custody[:]),
	}, nil
}

type auditListParams struct {
	Epoch   *uint64 `json:"epoch,omitempty"`
	Pool    *uint64 `json:"pool,omitempty"`
	Kind    string  `json:"kind,omitempty"`
	Account string  `json:"account,omitempty"`
	Status  string  `json:"status,omitempty"`
	Cursor  string  `json:"cursor,omitempty"`
	Limit   int     `json:"limit,omitempty"`
}

func (s *Server) handleAuditList(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	filter := audit.Filter{}
	if len(req.Params) > 0 {
		var params auditListParams
		if callErr := unmarshalParams(req, &params); callErr != nil {
			return nil, callErr
		}
		filter.Epoch = params.Epoch
		filter.Pool = params.Pool
		filter.Kind = audit.Kind(strings.TrimSpace(params.Kind))
		filter.Status = audit.Status(strings.TrimSpace(params.Status))
		filter.Cursor = strings.TrimSpace(params.Cursor)
		filter.Limit = params.Limit
		if trimmed := strings.TrimSpace(params.Account); trimmed != "" {
			account, err := decodeBech32(trimmed)
			if err != nil {
				return nil, invalidParams("invalid account", err.Error())
			}
			filter.Account = &account
		}
	}
	entries, nextCursor, err := s.node.AuditList(filter)
	if err != nil {
		return nil, engineCallError(err)
	}
	results := make([]auditEntryResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, auditEntryResultFrom(entry))
	}
	return auditListResult{Entries: results, NextCursor: nextCursor}, nil
}

func auditEntryResultFrom(entry *audit.Entry) auditEntryResult {
	result := auditEntryResult{
		Epoch:       entry.Epoch,
		Pool:        entry.Pool,
		Kind:        string(entry.Kind),
		Account:     formatAccount(entry.Account[:]),
		Amount:      bigIntString(entry.Amount),
		Status:      string(entry.Status),
		Reference:   entry.Reference,
		ManifestRef: entry.ManifestRef,
		RecordedAt:  entry.RecordedAt.Unix(),
		Checksum:    entry.Checksum,
	}
	if entry.Counterparty != ([20]byte{}) {
		result.Counterparty = formatAccount(entry.Counterparty[:])
	}
	return result
}
