package state

import (
	"fmt"
	"math/big"

	"meridian/native/rewards"
)

// RewardsGlobalsKey returns the storage key for the module-wide counters.
func RewardsGlobalsKey() []byte {
	return []byte("rewards/globals")
}

// RewardsEpochKey returns the storage key for an epoch record.
func RewardsEpochKey(id uint64) []byte {
	return []byte(fmt.Sprintf("rewards/epochs/%d", id))
}

// RewardsPoolKey returns the storage key for a pool record.
func RewardsPoolKey(id uint64) []byte {
	return []byte(fmt.Sprintf("rewards/pools/%d", id))
}

// RewardsActivePoolsKey returns the storage key for the active pool index.
func RewardsActivePoolsKey() []byte {
	return []byte("rewards/pools/active")
}

// RewardsPoolEpochKey returns the storage key for a pool's per-epoch tallies.
func RewardsPoolEpochKey(epoch, pool uint64) []byte {
	return []byte(fmt.Sprintf("rewards/poolEpochs/%d/%d", epoch, pool))
}

// RewardsVoteAccountKey returns the storage key for a voter's per-epoch
// spending record.
func RewardsVoteAccountKey(epoch uint64, addr []byte) []byte {
	return []byte(fmt.Sprintf("rewards/votes/%d/%x", epoch, addr))
}

// RewardsUserPoolKey returns the storage key for a voter's per-pool record.
func RewardsUserPoolKey(epoch, pool uint64, addr []byte) []byte {
	return []byte(fmt.Sprintf("rewards/userPools/%d/%d/%x", epoch, pool, addr))
}

// RewardsDelegateKey returns the storage key for a delegate's registration
// record.
func RewardsDelegateKey(addr []byte) []byte {
	return []byte(fmt.Sprintf("rewards/delegates/%x", addr))
}

// RewardsFeeSnapshotKey returns the storage key pinning a delegate's fee for
// an epoch.
func RewardsFeeSnapshotKey(addr []byte, epoch uint64) []byte {
	return []byte(fmt.Sprintf("rewards/feeSnapshots/%x/%d", addr, epoch))
}

// RewardsVerifierEpochKey returns the storage key for a verifier's per-epoch
// subsidy record.
func RewardsVerifierEpochKey(epoch uint64, verifier []byte) []byte {
	return []byte(fmt.Sprintf("rewards/verifiers/%d/%x", epoch, verifier))
}

// RewardsVerifierClaimKey returns the storage key for a verifier's per-pool
// subsidy claim marker.
func RewardsVerifierClaimKey(epoch, pool uint64, verifier []byte) []byte {
	return []byte(fmt.Sprintf("rewards/verifierClaims/%d/%d/%x", epoch, pool, verifier))
}

// RewardsPendingPayoutKey returns the storage key for an address's escrowed
// payout credit.
func RewardsPendingPayoutKey(addr []byte) []byte {
	return []byte(fmt.Sprintf("rewards/pendingPayouts/%x", addr))
}

// RewardsPersonalPowerKey returns the storage key for an address's imported
// personal voting power.
func RewardsPersonalPowerKey(epoch uint64, addr []byte) []byte {
	return []byte(fmt.Sprintf("rewards/power/personal/%d/%x", epoch, addr))
}

// RewardsDelegatedPowerKey returns the storage key for a delegate's imported
// aggregate voting power.
func RewardsDelegatedPowerKey(epoch uint64, delegate []byte) []byte {
	return []byte(fmt.Sprintf("rewards/power/delegated/%d/%x", epoch, delegate))
}

// RewardsDelegatedBalanceKey returns the storage key for a delegator's imported
// balance with a delegate.
func RewardsDelegatedBalanceKey(epoch uint64, delegate, delegator []byte) []byte {
	return []byte(fmt.Sprintf("rewards/power/balances/%d/%x/%x", epoch, delegate, delegator))
}

// RewardsUsageKey returns the storage key for a verifier's imported
// fee-collection usage in a pool.
func RewardsUsageKey(epoch, pool uint64, verifier []byte) []byte {
	return []byte(fmt.Sprintf("rewards/usage/%d/%d/%x", epoch, pool, verifier))
}

// RewardsUsageTotalKey returns the storage key for a pool's imported aggregate
// fee-collection usage.
func RewardsUsageTotalKey(epoch, pool uint64) []byte {
	return []byte(fmt.Sprintf("rewards/usage/totals/%d/%d", epoch, pool))
}

// RewardsAssetManagerKey returns the storage key for a verifier's designated
// asset manager.
func RewardsAssetManagerKey(verifier []byte) []byte {
	return []byte(fmt.Sprintf("rewards/identity/managers/%x", verifier))
}

// RewardsParamsKey returns the storage key for the engine parameters.
func RewardsParamsKey() []byte {
	return []byte("rewards/params")
}

// RewardsTreasuryKey returns the storage key for the protocol treasury address.
func RewardsTreasuryKey() []byte {
	return []byte("rewards/treasury")
}

// RewardsParams loads the engine parameters recorded at genesis. The boolean
// reports whether they are present.
func (m *Manager) RewardsParams() (rewards.Params, bool, error) {
	var p rewards.Params
	ok, err := m.KVGet(RewardsParamsKey(), &p)
	if err != nil || !ok {
		return rewards.Params{}, ok, err
	}
	return p, true, nil
}

// RewardsSetParams records the engine parameters.
func (m *Manager) RewardsSetParams(p rewards.Params) error {
	return m.KVPut(RewardsParamsKey(), &p)
}

// RewardsTreasury loads the protocol treasury address recorded at genesis.
func (m *Manager) RewardsTreasury() ([]byte, bool, error) {
	var addr []byte
	ok, err := m.KVGet(RewardsTreasuryKey(), &addr)
	if err != nil || !ok {
		return nil, ok, err
	}
	return addr, true, nil
}

// RewardsSetTreasury records the protocol treasury address.
func (m *Manager) RewardsSetTreasury(addr []byte) error {
	if len(addr) == 0 {
		return fmt.Errorf("treasury address must not be empty")
	}
	return m.KVPut(RewardsTreasuryKey(), addr)
}

// RewardsGlobals loads the module-wide counters, or nil when genesis has not
// seeded them yet.
func (m *Manager) RewardsGlobals() (*rewards.Globals, error) {
	g := new(rewards.Globals)
	ok, err := m.KVGet(RewardsGlobalsKey(), g)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return g, nil
}

// RewardsSetGlobals persists the module-wide counters.
func (m *Manager) RewardsSetGlobals(g *rewards.Globals) error {
	if g == nil {
		return fmt.Errorf("rewards globals must not be nil")
	}
	return m.KVPut(RewardsGlobalsKey(), g)
}

// RewardsEpoch loads an epoch record.
func (m *Manager) RewardsEpoch(id uint64) (*rewards.Epoch, bool, error) {
	ep := new(rewards.Epoch)
	ok, err := m.KVGet(RewardsEpochKey(id), ep)
	if err != nil || !ok {
		return nil, false, err
	}
	return ep, true, nil
}

// RewardsPutEpoch persists an epoch record under its own id.
func (m *Manager) RewardsPutEpoch(ep *rewards.Epoch) error {
	if ep == nil {
		return fmt.Errorf("epoch must not be nil")
	}
	return m.KVPut(RewardsEpochKey(ep.ID), ep)
}

// RewardsPool loads a pool record.
func (m *Manager) RewardsPool(id uint64) (*rewards.Pool, bool, error) {
	p := new(rewards.Pool)
	ok, err := m.KVGet(RewardsPoolKey(id), p)
	if err != nil || !ok {
		return nil, false, err
	}
	return p, true, nil
}

// RewardsPutPool persists a pool record under its own id.
func (m *Manager) RewardsPutPool(p *rewards.Pool) error {
	if p == nil {
		return fmt.Errorf("pool must not be nil")
	}
	return m.KVPut(RewardsPoolKey(p.ID), p)
}

// RewardsActivePools returns the ids of pools currently accepting votes.
func (m *Manager) RewardsActivePools() ([]uint64, error) {
	var ids []uint64
	ok, err := m.KVGet(RewardsActivePoolsKey(), &ids)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []uint64{}, nil
	}
	return ids, nil
}

// RewardsSetActivePools replaces the active pool index.
func (m *Manager) RewardsSetActivePools(ids []uint64) error {
	if ids == nil {
		ids = []uint64{}
	}
	return m.KVPut(RewardsActivePoolsKey(), ids)
}

// RewardsPoolEpoch loads a pool's per-epoch tallies.
func (m *Manager) RewardsPoolEpoch(epoch, pool uint64) (*rewards.PoolEpoch, bool, error) {
	pe := new(rewards.PoolEpoch)
	ok, err := m.KVGet(RewardsPoolEpochKey(epoch, pool), pe)
	if err != nil || !ok {
		return nil, false, err
	}
	return pe, true, nil
}

// RewardsPutPoolEpoch persists a pool's per-epoch tallies.
func (m *Manager) RewardsPutPoolEpoch(pe *rewards.PoolEpoch) error {
	if pe == nil {
		return fmt.Errorf("pool epoch must not be nil")
	}
	return m.KVPut(RewardsPoolEpochKey(pe.Epoch, pe.Pool), pe)
}

// RewardsVoteAccount loads a voter's per-epoch spending record.
func (m *Manager) RewardsVoteAccount(epoch uint64, addr []byte) (*rewards.VoteAccount, bool, error) {
	acct := new(rewards.VoteAccount)
	ok, err := m.KVGet(RewardsVoteAccountKey(epoch, addr), acct)
	if err != nil || !ok {
		return nil, false, err
	}
	return acct, true, nil
}

// RewardsPutVoteAccount persists a voter's per-epoch spending record.
func (m *Manager) RewardsPutVoteAccount(epoch uint64, addr []byte, acct *rewards.VoteAccount) error {
	if acct == nil {
		return fmt.Errorf("vote account must not be nil")
	}
	return m.KVPut(RewardsVoteAccountKey(epoch, addr), acct)
}

// RewardsUserPoolEpoch loads a voter's per-pool record for an epoch.
func (m *Manager) RewardsUserPoolEpoch(epoch, pool uint64, addr []byte) (*rewards.UserPoolEpoch, bool, error) {
	rec := new(rewards.UserPoolEpoch)
	ok, err := m.KVGet(RewardsUserPoolKey(epoch, pool, addr), rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec, true, nil
}

// RewardsPutUserPoolEpoch persists a voter's per-pool record for an epoch.
func (m *Manager) RewardsPutUserPoolEpoch(epoch, pool uint64, addr []byte, rec *rewards.UserPoolEpoch) error {
	if rec == nil {
		return fmt.Errorf("user pool record must not be nil")
	}
	return m.KVPut(RewardsUserPoolKey(epoch, pool, addr), rec)
}

// RewardsDelegate loads a delegate's registration record.
func (m *Manager) RewardsDelegate(addr []byte) (*rewards.Delegate, bool, error) {
	d := new(rewards.Delegate)
	ok, err := m.KVGet(RewardsDelegateKey(addr), d)
	if err != nil || !ok {
		return nil, false, err
	}
	return d, true, nil
}

// RewardsPutDelegate persists a delegate's registration record.
func (m *Manager) RewardsPutDelegate(addr []byte, d *rewards.Delegate) error {
	if d == nil {
		return fmt.Errorf("delegate must not be nil")
	}
	return m.KVPut(RewardsDelegateKey(addr), d)
}

// RewardsHistoricalFee loads the fee pinned for a delegate in an epoch.
func (m *Manager) RewardsHistoricalFee(addr []byte, epoch uint64) (uint32, bool, error) {
	var fee uint32
	ok, err := m.KVGet(RewardsFeeSnapshotKey(addr, epoch), &fee)
	if err != nil || !ok {
		return 0, false, err
	}
	return fee, true, nil
}

// RewardsPutHistoricalFee pins a delegate's fee for an epoch.
func (m *Manager) RewardsPutHistoricalFee(addr []byte, epoch uint64, feeBps uint32) error {
	return m.KVPut(RewardsFeeSnapshotKey(addr, epoch), feeBps)
}

// RewardsVerifierEpoch loads a verifier's per-epoch subsidy record.
func (m *Manager) RewardsVerifierEpoch(epoch uint64, verifier []byte) (*rewards.VerifierEpoch, bool, error) {
	rec := new(rewards.VerifierEpoch)
	ok, err := m.KVGet(RewardsVerifierEpochKey(epoch, verifier), rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec, true, nil
}

// RewardsPutVerifierEpoch persists a verifier's per-epoch subsidy record.
func (m *Manager) RewardsPutVerifierEpoch(epoch uint64, verifier []byte, rec *rewards.VerifierEpoch) error {
	if rec == nil {
		return fmt.Errorf("verifier record must not be nil")
	}
	return m.KVPut(RewardsVerifierEpochKey(epoch, verifier), rec)
}

// RewardsVerifierPoolClaim loads a verifier's settled subsidy share for a pool.
func (m *Manager) RewardsVerifierPoolClaim(epoch, pool uint64, verifier []byte) (*big.Int, bool, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(RewardsVerifierClaimKey(epoch, pool, verifier), amount)
	if err != nil || !ok {
		return nil, false, err
	}
	return amount, true, nil
}

// RewardsPutVerifierPoolClaim records a verifier's settled subsidy share for a
// pool.
func (m *Manager) RewardsPutVerifierPoolClaim(epoch, pool uint64, verifier []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return m.KVPut(RewardsVerifierClaimKey(epoch, pool, verifier), amount)
}

// RewardsPendingPayout returns the escrowed payout credit for an address.
func (m *Manager) RewardsPendingPayout(addr []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(RewardsPendingPayoutKey(addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// RewardsSetPendingPayout replaces the escrowed payout credit for an address.
// Zero credits are deleted rather than stored.
func (m *Manager) RewardsSetPendingPayout(addr []byte, amount *big.Int) error {
	key := RewardsPendingPayoutKey(addr)
	if amount == nil || amount.Sign() <= 0 {
		return m.KVDelete(key)
	}
	return m.KVPut(key, amount)
}

// EnsureRewardsGenesis seeds the module counters and opens epoch one when the
// trie has never been initialised. Subsequent calls are no-ops.
func (m *Manager) EnsureRewardsGenesis(startTime uint64) error {
	existing, err := m.RewardsGlobals()
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	globals := &rewards.Globals{CurrentEpoch: 1}
	if err := m.RewardsSetGlobals(globals); err != nil {
		return err
	}
	first := &rewards.Epoch{ID: 1, Status: rewards.EpochVoting, StartTime: startTime}
	if err := m.RewardsPutEpoch(first); err != nil {
		return err
	}
	return m.RewardsSetActivePools([]uint64{})
}
