package rpc

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

// driveEpochOneRPC pushes epoch one through the settlement pipeline entirely
// over the wire: import power, two personal votes on pool one, then the cron
// sequence through finalization.
func driveEpochOneRPC(t *testing.T, env *testEnv) {
	t.Helper()
	admin := rpcAddr(0xA1)
	cron := rpcAddr(0xC1)
	alice := rpcAddr(0x11)
	bob := rpcAddr(0x22)

	env.mustMutate(t, "rewards_importEpochPower", map[string]interface{}{
		"caller": admin,
		"epoch":  1,
		"personal": []map[string]string{
			{"address": alice, "power": "1000"},
			{"address": bob, "power": "1000"},
		},
	})
	env.mustMutate(t, "rewards_vote", map[string]interface{}{
		"caller":  alice,
		"pools":   []uint64{1},
		"amounts": []string{"300"},
	})
	env.mustMutate(t, "rewards_vote", map[string]interface{}{
		"caller":  bob,
		"pools":   []uint64{1},
		"amounts": []string{"700"},
	})
	env.clock.Advance(101 * time.Second)
	env.mustMutate(t, "rewards_endEpoch", map[string]string{"caller": cron})
	env.mustMutate(t, "rewards_processVerifierChecks", map[string]interface{}{
		"caller":     cron,
		"allCleared": true,
	})
	env.mustMutate(t, "rewards_processPools", map[string]interface{}{
		"caller":    cron,
		"pools":     []uint64{1, 2},
		"rewards":   []string{"100", "0"},
		"subsidies": []string{"0", "0"},
	})
	env.mustMutate(t, "rewards_finalizeEpoch", map[string]string{"caller": cron})
}

func (env *testEnv) mustMutate(t *testing.T, method string, params interface{}) json.RawMessage {
	t.Helper()
	rec := env.post(t, method, params, true)
	raw, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("%s failed: %+v", method, rpcErr)
	}
	return raw
}

func (env *testEnv) mustQuery(t *testing.T, method string, params interface{}) json.RawMessage {
	t.Helper()
	rec := env.post(t, method, params, false)
	raw, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("%s failed: %+v", method, rpcErr)
	}
	return raw
}

func TestEpochLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t)
	alice := rpcAddr(0x11)
	driveEpochOneRPC(t, env)

	env.mustMutate(t, "rewards_claimPersonal", map[string]interface{}{
		"caller": alice,
		"epoch":  1,
		"pools":  []uint64{1},
	})

	var epoch epochResult
	if err := json.Unmarshal(env.mustQuery(t, "rewards_epoch", map[string]uint64{"epoch": 1}), &epoch); err != nil {
		t.Fatalf("decode epoch: %v", err)
	}
	if epoch.Status != "finalized" {
		t.Fatalf("expected finalized epoch, got %q", epoch.Status)
	}
	if epoch.RewardsAllocated != "100" || epoch.RewardsClaimed != "30" {
		t.Fatalf("unexpected epoch totals: %+v", epoch)
	}

	var balance balanceResult
	if err := json.Unmarshal(env.mustQuery(t, "rewards_balance", map[string]string{"address": alice}), &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Balance != "30" {
		t.Fatalf("expected claimed balance 30, got %s", balance.Balance)
	}

	var current epochResult
	if err := json.Unmarshal(env.mustQuery(t, "rewards_currentEpoch", nil), &current); err != nil {
		t.Fatalf("decode current epoch: %v", err)
	}
	if current.Epoch != 2 || current.Status != "voting" {
		t.Fatalf("expected epoch 2 voting, got %+v", current)
	}
}

func TestRepeatClaimMapsToConflict(t *testing.T) {
	env := newTestEnv(t)
	alice := rpcAddr(0x11)
	driveEpochOneRPC(t, env)
	env.mustMutate(t, "rewards_claimPersonal", map[string]interface{}{
		"caller": alice,
		"epoch":  1,
		"pools":  []uint64{1},
	})

	rec := env.post(t, "rewards_claimPersonal", map[string]interface{}{
		"caller": alice,
		"epoch":  1,
		"pools":  []uint64{1},
	}, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeConflict {
		t.Fatalf("expected conflict error, got %+v", rpcErr)
	}
}

func TestEarlyEndEpochMapsToConflict(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, "rewards_endEpoch", map[string]string{"caller": rpcAddr(0xC1)}, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeConflict {
		t.Fatalf("expected conflict error, got %+v", rpcErr)
	}
}

func TestUnauthorizedRoleMapsToForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(101 * time.Second)
	rec := env.post(t, "rewards_endEpoch", map[string]string{"caller": rpcAddr(0x99)}, true)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeForbidden {
		t.Fatalf("expected forbidden error, got %+v", rpcErr)
	}
}

func TestInvalidCallerMapsToInvalidParams(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, "rewards_vote", map[string]interface{}{
		"caller":  "not-an-address",
		"pools":   []uint64{1},
		"amounts": []string{"10"},
	}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Fatalf("expected invalid-params error, got %+v", rpcErr)
	}
}

func TestMissingEpochMapsToNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, "rewards_epoch", map[string]uint64{"epoch": 42}, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeNotFound {
		t.Fatalf("expected not-found error, got %+v", rpcErr)
	}
}

func TestCreatePoolReturnsNewID(t *testing.T) {
	env := newTestEnv(t)
	raw := env.mustMutate(t, "rewards_createPool", map[string]string{"caller": rpcAddr(0xA1)})
	var result createPoolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Pool != 3 {
		t.Fatalf("expected pool 3 after the two genesis pools, got %d", result.Pool)
	}

	var pools activePoolsResult
	if err := json.Unmarshal(env.mustQuery(t, "rewards_activePools", nil), &pools); err != nil {
		t.Fatalf("decode pools: %v", err)
	}
	if len(pools.Pools) != 3 {
		t.Fatalf("expected 3 active pools, got %v", pools.Pools)
	}
}

func TestDelegateRegistrationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	delegate := rpcAddr(0x33)
	env.mustMutate(t, "rewards_registerDelegate", map[string]interface{}{
		"caller": delegate,
		"feeBps": 250,
	})

	var result delegateResult
	if err := json.Unmarshal(env.mustQuery(t, "rewards_delegate", map[string]string{"address": delegate}), &result); err != nil {
		t.Fatalf("decode delegate: %v", err)
	}
	if result.Address != delegate || result.FeeBps != 250 {
		t.Fatalf("unexpected delegate record: %+v", result)
	}
}

func TestVoteAccountQueryTracksSpend(t *testing.T) {
	env := newTestEnv(t)
	alice := rpcAddr(0x11)
	driveEpochOneRPC(t, env)

	var account voteAccountResult
	raw := env.mustQuery(t, "rewards_voteAccount", map[string]interface{}{
		"epoch":   1,
		"address": alice,
	})
	if err := json.Unmarshal(raw, &account); err != nil {
		t.Fatalf("decode vote account: %v", err)
	}
	if account.Kind != "personal" || account.Spent != "300" {
		t.Fatalf("unexpected vote account: %+v", account)
	}

	raw = env.mustQuery(t, "rewards_voteAccount", map[string]interface{}{
		"epoch":   1,
		"address": rpcAddr(0x44),
	})
	if err := json.Unmarshal(raw, &account); err != nil {
		t.Fatalf("decode vote account: %v", err)
	}
	if account.Kind != "unset" || account.Spent != "0" {
		t.Fatalf("expected empty account for non-voter, got %+v", account)
	}

	rec := env.post(t, "rewards_voteAccount", map[string]interface{}{
		"epoch":   1,
		"address": "not-an-address",
	}, false)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Fatalf("expected invalid params for bad address, got %+v", rpcErr)
	}
}

func TestAuditListOverRPC(t *testing.T) {
	env := newTestEnv(t)
	alice := rpcAddr(0x11)
	driveEpochOneRPC(t, env)
	env.mustMutate(t, "rewards_claimPersonal", map[string]interface{}{
		"caller": alice,
		"epoch":  1,
		"pools":  []uint64{1},
	})

	var result auditListResult
	raw := env.mustQuery(t, "rewards_auditList", map[string]interface{}{
		"epoch": 1,
		"kind":  "personal",
	})
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode audit list: %v", err)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("expected one personal receipt, got %d", len(result.Entries))
	}
	entry := result.Entries[0]
	if entry.Account != alice || entry.Amount != "30" || entry.Kind != "personal" {
		t.Fatalf("unexpected receipt: %+v", entry)
	}
	if entry.Checksum == "" || entry.Reference == "" {
		t.Fatalf("expected checksum and reference on receipt: %+v", entry)
	}
}

func TestTreasuryQueryReportsCustody(t *testing.T) {
	env := newTestEnv(t)
	var result treasuryResult
	if err := json.Unmarshal(env.mustQuery(t, "rewards_treasury", nil), &result); err != nil {
		t.Fatalf("decode treasury: %v", err)
	}
	if result.Treasury != rpcAddr(0xF1) {
		t.Fatalf("unexpected treasury address: %s", result.Treasury)
	}
	if result.Custody == "" || result.Custody == result.Treasury {
		t.Fatalf("expected distinct custody address, got %s", result.Custody)
	}
}

func TestParamsQueryReflectsGenesis(t *testing.T) {
	env := newTestEnv(t)
	var result paramsResult
	if err := json.Unmarshal(env.mustQuery(t, "rewards_params", nil), &result); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if result.EpochDuration != 100 {
		t.Fatalf("expected epoch duration 100, got %d", result.EpochDuration)
	}
	if result.MaxDelegateFeeBps == 0 {
		t.Fatalf("expected default delegate fee ceiling, got 0")
	}
}
