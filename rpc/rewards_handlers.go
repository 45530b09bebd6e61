package rpc

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"

	"meridian/core"
)

type ackResult struct {
	Status    string `json:"status"`
	StateRoot string `json:"stateRoot"`
}

type createPoolResult struct {
	Pool      uint64 `json:"pool"`
	StateRoot string `json:"stateRoot"`
}

func (s *Server) ack() ackResult {
	return ackResult{Status: "ok", StateRoot: "0x" + hex.EncodeToString(s.node.StateRoot())}
}

func unmarshalParams(req *RPCRequest, out interface{}) *CallError {
	if len(req.Params) != 1 {
		return invalidParams("parameter object required", nil)
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return invalidParams("invalid parameters", err.Error())
	}
	return nil
}

func callerBytes(raw string) ([]byte, *CallError) {
	addr, err := decodeBech32(raw)
	if err != nil {
		return nil, invalidParams("invalid caller", err.Error())
	}
	return addr[:], nil
}

func parseAmounts(raw []string) ([]*big.Int, *CallError) {
	amounts := make([]*big.Int, len(raw))
	for i, entry := range raw {
		value, err := parseAmount(entry)
		if err != nil {
			return nil, invalidParams("invalid amount", err.Error())
		}
		amounts[i] = value
	}
	return amounts, nil
}

type callerParams struct {
	Caller string `json:"caller"`
}

func (s *Server) callerOnly(req *RPCRequest, fn func(caller []byte) error) (interface{}, *CallError) {
	var params callerParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	if err := fn(caller); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

func (s *Server) handleEndEpoch(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsEndEpoch)
}

type verifierChecksParams struct {
	Caller     string   `json:"caller"`
	AllCleared bool     `json:"allCleared"`
	Block      []string `json:"block,omitempty"`
}

func (s *Server) handleProcessVerifierChecks(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params verifierChecksParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	toBlock := make([][]byte, 0, len(params.Block))
	for _, raw := range params.Block {
		addr, err := decodeBech32(raw)
		if err != nil {
			return nil, invalidParams("invalid block entry", err.Error())
		}
		toBlock = append(toBlock, addr[:])
	}
	if err := s.node.RewardsProcessVerifierChecks(caller, params.AllCleared, toBlock); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type processPoolsParams struct {
	Caller    string   `json:"caller"`
	Pools     []uint64 `json:"pools"`
	Rewards   []string `json:"rewards"`
	Subsidies []string `json:"subsidies"`
}

func (s *Server) handleProcessPools(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params processPoolsParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	rewardAmounts, callErr := parseAmounts(params.Rewards)
	if callErr != nil {
		return nil, callErr
	}
	subsidyAmounts, callErr := parseAmounts(params.Subsidies)
	if callErr != nil {
		return nil, callErr
	}
	if err := s.node.RewardsProcessPools(caller, params.Pools, rewardAmounts, subsidyAmounts); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

func (s *Server) handleFinalizeEpoch(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsFinalizeEpoch)
}

func (s *Server) handleForceFinalizeEpoch(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsForceFinalizeEpoch)
}

func (s *Server) handleCreatePool(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params callerParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	id, err := s.node.RewardsCreatePool(caller)
	if err != nil {
		return nil, engineCallError(err)
	}
	return createPoolResult{Pool: id, StateRoot: "0x" + hex.EncodeToString(s.node.StateRoot())}, nil
}

type retirePoolParams struct {
	Caller string `json:"caller"`
	Pool   uint64 `json:"pool"`
}

func (s *Server) handleRetirePool(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params retirePoolParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	if err := s.node.RewardsRetirePool(caller, params.Pool); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type voteParams struct {
	Caller    string   `json:"caller"`
	Pools     []uint64 `json:"pools"`
	Amounts   []string `json:"amounts"`
	Delegated bool     `json:"delegated,omitempty"`
}

func (s *Server) handleVote(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params voteParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	amounts, callErr := parseAmounts(params.Amounts)
	if callErr != nil {
		return nil, callErr
	}
	if err := s.node.RewardsVote(caller, params.Pools, amounts, params.Delegated); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type migrateVotesParams struct {
	Caller    string   `json:"caller"`
	FromPools []uint64 `json:"fromPools"`
	ToPools   []uint64 `json:"toPools"`
	Amounts   []string `json:"amounts"`
	Delegated bool     `json:"delegated,omitempty"`
}

func (s *Server) handleMigrateVotes(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params migrateVotesParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	amounts, callErr := parseAmounts(params.Amounts)
	if callErr != nil {
		return nil, callErr
	}
	if err := s.node.RewardsMigrateVotes(caller, params.FromPools, params.ToPools, amounts, params.Delegated); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type registerDelegateParams struct {
	Caller  string `json:"caller"`
	FeeBps  uint32 `json:"feeBps"`
	Payment string `json:"payment,omitempty"`
}

func (s *Server) handleRegisterDelegate(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params registerDelegateParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	payment := big.NewInt(0)
	if params.Payment != "" {
		parsed, err := parseAmount(params.Payment)
		if err != nil {
			return nil, invalidParams("invalid payment", err.Error())
		}
		payment = parsed
	}
	if err := s.node.RewardsRegisterDelegate(caller, params.FeeBps, payment); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type updateFeeParams struct {
	Caller string `json:"caller"`
	FeeBps uint32 `json:"feeBps"`
}

func (s *Server) handleUpdateDelegateFee(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params updateFeeParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	if err := s.node.RewardsUpdateDelegateFee(caller, params.FeeBps); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

func (s *Server) handleUnregisterDelegate(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsUnregisterDelegate)
}

type claimPersonalParams struct {
	Caller string   `json:"caller"`
	Epoch  uint64   `json:"epoch"`
	Pools  []uint64 `json:"pools"`
}

func (s *Server) handleClaimPersonal(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params claimPersonalParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	if err := s.node.RewardsClaimPersonal(caller, params.Epoch, params.Pools); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type delegateClaimEntry struct {
	Delegate string   `json:"delegate"`
	Pools    []uint64 `json:"pools"`
}

type claimDelegatedParams struct {
	Caller string               `json:"caller"`
	Epoch  uint64               `json:"epoch"`
	Claims []delegateClaimEntry `json:"claims"`
}

func (s *Server) handleClaimDelegated(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params claimDelegatedParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	delegates := make([][]byte, 0, len(params.Claims))
	pools := make([][]uint64, 0, len(params.Claims))
	for _, claim := range params.Claims {
		addr, err := decodeBech32(claim.Delegate)
		if err != nil {
			return nil, invalidParams("invalid delegate", err.Error())
		}
		delegates = append(delegates, addr[:])
		pools = append(pools, claim.Pools)
	}
	if err := s.node.RewardsClaimDelegated(caller, params.Epoch, delegates, pools); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type feeClaimEntry struct {
	Delegator string   `json:"delegator"`
	Pools     []uint64 `json:"pools"`
}

type claimFeesParams struct {
	Caller string          `json:"caller"`
	Epoch  uint64          `json:"epoch"`
	Claims []feeClaimEntry `json:"claims"`
}

func (s *Server) handleClaimFees(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params claimFeesParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	delegators := make([][]byte, 0, len(params.Claims))
	pools := make([][]uint64, 0, len(params.Claims))
	for _, claim := range params.Claims {
		addr, err := decodeBech32(claim.Delegator)
		if err != nil {
			return nil, invalidParams("invalid delegator", err.Error())
		}
		delegators = append(delegators, addr[:])
		pools = append(pools, claim.Pools)
	}
	if err := s.node.RewardsClaimFees(caller, params.Epoch, delegators, pools); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type claimSubsidiesParams struct {
	Caller   string   `json:"caller"`
	Epoch    uint64   `json:"epoch"`
	Verifier string   `json:"verifier"`
	Pools    []uint64 `json:"pools"`
}

func (s *Server) handleClaimSubsidies(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params claimSubsidiesParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	verifier, err := decodeBech32(params.Verifier)
	if err != nil {
		return nil, invalidParams("invalid verifier", err.Error())
	}
	if err := s.node.RewardsClaimSubsidies(caller, params.Epoch, verifier[:], params.Pools); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

func (s *Server) handleClaimPending(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsClaimPendingPayout)
}

type epochCallerParams struct {
	Caller string `json:"caller"`
	Epoch  uint64 `json:"epoch"`
}

func (s *Server) handleWithdrawUnclaimedRewards(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params epochCallerParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	if err := s.node.RewardsWithdrawUnclaimedRewards(caller, params.Epoch); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

func (s *Server) handleWithdrawUnclaimedSubsidies(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params epochCallerParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	if err := s.node.RewardsWithdrawUnclaimedSubsidies(caller, params.Epoch); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

func (s *Server) handleWithdrawRegistrationFees(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsWithdrawRegistrationFees)
}

func (s *Server) handlePause(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsPause)
}

func (s *Server) handleUnpause(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsUnpause)
}

func (s *Server) handleFreeze(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsFreeze)
}

func (s *Server) handleEmergencyExit(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	return s.callerOnly(req, s.node.RewardsEmergencyExit)
}

type powerImportEntry struct {
	Address string `json:"address"`
	Power   string `json:"power"`
}

type delegatorBalanceEntry struct {
	Delegator string `json:"delegator"`
	Balance   string `json:"balance"`
}

type delegatedImportEntry struct {
	Delegate string                  `json:"delegate"`
	Power    string                  `json:"power"`
	Balances []delegatorBalanceEntry `json:"balances,omitempty"`
}

type importEpochPowerParams struct {
	Caller    string                 `json:"caller"`
	Epoch     uint64                 `json:"epoch"`
	Personal  []powerImportEntry     `json:"personal,omitempty"`
	Delegated []delegatedImportEntry `json:"delegated,omitempty"`
}

func (s *Server) handleImportEpochPower(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params importEpochPowerParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	personal := make([]core.PowerImport, 0, len(params.Personal))
	for _, entry := range params.Personal {
		addr, err := decodeBech32(entry.Address)
		if err != nil {
			return nil, invalidParams("invalid personal address", err.Error())
		}
		power, err := parseAmount(entry.Power)
		if err != nil {
			return nil, invalidParams("invalid personal power", err.Error())
		}
		personal = append(personal, core.PowerImport{Address: addr[:], Power: power})
	}
	delegated := make([]core.DelegatedPowerImport, 0, len(params.Delegated))
	for _, entry := range params.Delegated {
		addr, err := decodeBech32(entry.Delegate)
		if err != nil {
			return nil, invalidParams("invalid delegate address", err.Error())
		}
		power, err := parseAmount(entry.Power)
		if err != nil {
			return nil, invalidParams("invalid delegated power", err.Error())
		}
		balances := make([]core.DelegatorBalance, 0, len(entry.Balances))
		for _, balance := range entry.Balances {
			delegator, err := decodeBech32(balance.Delegator)
			if err != nil {
				return nil, invalidParams("invalid delegator address", err.Error())
			}
			amount, err := parseAmount(balance.Balance)
			if err != nil {
				return nil, invalidParams("invalid delegator balance", err.Error())
			}
			balances = append(balances, core.DelegatorBalance{Delegator: delegator[:], Balance: amount})
		}
		delegated = append(delegated, core.DelegatedPowerImport{Delegate: addr[:], Power: power, Balances: balances})
	}
	if err := s.node.RewardsImportEpochPower(caller, params.Epoch, personal, delegated); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type usageImportEntry struct {
	Verifier string `json:"verifier"`
	Accrued  string `json:"accrued"`
}

type importPoolUsageParams struct {
	Caller  string             `json:"caller"`
	Epoch   uint64             `json:"epoch"`
	Pool    uint64             `json:"pool"`
	Entries []usageImportEntry `json:"entries"`
	Total   string             `json:"total,omitempty"`
}

func (s *Server) handleImportPoolUsage(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params importPoolUsageParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	entries := make([]core.UsageImport, 0, len(params.Entries))
	for _, entry := range params.Entries {
		verifier, err := decodeBech32(entry.Verifier)
		if err != nil {
			return nil, invalidParams("invalid verifier", err.Error())
		}
		accrued, err := parseAmount(entry.Accrued)
		if err != nil {
			return nil, invalidParams("invalid accrued amount", err.Error())
		}
		entries = append(entries, core.UsageImport{Verifier: verifier[:], Accrued: accrued})
	}
	var total *big.Int
	if params.Total != "" {
		parsed, err := parseAmount(params.Total)
		if err != nil {
			return nil, invalidParams("invalid total", err.Error())
		}
		total = parsed
	}
	if err := s.node.RewardsImportPoolUsage(caller, params.Epoch, params.Pool, entries, total); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}

type setVerifierManagerParams struct {
	Caller   string `json:"caller"`
	Verifier string `json:"verifier"`
	Manager  string `json:"manager"`
}

func (s *Server) handleSetVerifierManager(_ *http.Request, req *RPCRequest) (interface{}, *CallError) {
	var params setVerifierManagerParams
	if callErr := unmarshalParams(req, &params); callErr != nil {
		return nil, callErr
	}
	caller, callErr := callerBytes(params.Caller)
	if callErr != nil {
		return nil, callErr
	}
	verifier, err := decodeBech32(params.Verifier)
	if err != nil {
		return nil, invalidParams("invalid verifier", err.Error())
	}
	manager, err := decodeBech32(params.Manager)
	if err != nil {
		return nil, invalidParams("invalid manager", err.Error())
	}
	if err := s.node.RewardsSetVerifierManager(caller, verifier[:], manager[:]); err != nil {
		return nil, engineCallError(err)
	}
	return s.ack(), nil
}
