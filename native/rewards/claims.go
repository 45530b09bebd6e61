package rewards

import (
	"bytes"
	"fmt"
	"math/big"

	"meridian/native/common"
)

// floorShare computes allocated*part/whole, flooring toward zero. A zero or
// negative denominator yields zero.
func floorShare(allocated, part, whole *big.Int) *big.Int {
	if allocated == nil || part == nil || whole == nil {
		return big.NewInt(0)
	}
	if allocated.Sign() <= 0 || part.Sign() <= 0 || whole.Sign() <= 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(allocated, part)
	return product.Quo(product, whole)
}

// feeSplit divides a slice into the delegator's net and the delegate's fee at
// the pinned basis-point rate. The fee floors, so rounding favours the
// delegator.
func feeSplit(slice *big.Int, feeBps uint32) (net, fee *big.Int) {
	fee = new(big.Int).Mul(slice, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Quo(fee, big.NewInt(FeeBpsDenominator))
	net = new(big.Int).Sub(slice, fee)
	return net, fee
}

func uniquePools(pools []uint64) error {
	seen := make(map[uint64]struct{}, len(pools))
	for _, id := range pools {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: pool %d", ErrDuplicatePool, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// finalizedEpoch loads an epoch and requires it to have completed the full
// pipeline. Force-finalized epochs carry no allocations and are not claimable.
func (e *Engine) finalizedEpoch(id uint64) (*Epoch, error) {
	ep, err := e.epoch(id)
	if err != nil {
		return nil, err
	}
	if ep.Status != EpochFinalized {
		return nil, ErrEpochNotFinalized
	}
	return ep, nil
}

// ClaimPersonalRewards pays the caller its pro-rata share of each requested
// pool's rewards for a finalized epoch. The whole call fails when the
// aggregate share is zero; each pool is guarded against double claims.
func (e *Engine) ClaimPersonalRewards(caller []byte, epochID uint64, pools []uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	if len(pools) == 0 {
		return ErrEmptyBatch
	}
	if err := common.CheckBatchBudget(len(pools)); err != nil {
		return err
	}
	if err := uniquePools(pools); err != nil {
		return err
	}
	if err := e.requireVault(); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	ep, err := e.finalizedEpoch(epochID)
	if err != nil {
		return err
	}
	if ep.RewardsSwept {
		return ErrRewardsSwept
	}
	acct, err := e.voteAccount(epochID, caller)
	if err != nil {
		return err
	}
	if acct.Kind == VoteKindDelegated {
		return ErrVoteKindMismatch
	}

	type payout struct {
		pe    *PoolEpoch
		rec   *UserPoolEpoch
		share *big.Int
	}
	staged := make([]payout, 0, len(pools))
	total := big.NewInt(0)
	for _, id := range pools {
		pe, err := e.poolEpoch(epochID, id)
		if err != nil {
			return err
		}
		rec, err := e.userPoolEpoch(epochID, id, caller)
		if err != nil {
			return err
		}
		if rec.Captured.Sign() > 0 {
			return fmt.Errorf("%w: pool %d", ErrAlreadyClaimed, id)
		}
		share := floorShare(pe.RewardsAllocated, rec.Votes, pe.TotalVotes)
		staged = append(staged, payout{pe: pe, rec: rec, share: share})
		total = new(big.Int).Add(total, share)
	}
	if total.Sign() == 0 {
		return ErrNothingToClaim
	}

	for i, p := range staged {
		if p.share.Sign() == 0 {
			continue
		}
		p.pe.RewardsClaimed = new(big.Int).Add(p.pe.RewardsClaimed, p.share)
		if err := e.state.RewardsPutPoolEpoch(p.pe); err != nil {
			return err
		}
		p.rec.Captured = p.share
		if err := e.state.RewardsPutUserPoolEpoch(epochID, pools[i], caller, p.rec); err != nil {
			return err
		}
		e.emit(newPersonalClaimEvent(epochID, pools[i], caller, p.share))
	}
	ep.RewardsClaimed = new(big.Int).Add(ep.RewardsClaimed, total)
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	g.TotalClaimed = new(big.Int).Add(g.TotalClaimed, total)
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	return e.payOut(caller, total)
}

// captureDelegateShare freezes a delegate's gross share of one pool's rewards
// exactly once. The gross amount lands on the delegate's per-pool record,
// which doubles as the capture guard, and on its cumulative counter. Repeat
// calls return the captured amount without further effect.
func (e *Engine) captureDelegateShare(ep *Epoch, pool uint64, delegate []byte, d *Delegate) (*big.Int, error) {
	rec, err := e.userPoolEpoch(ep.ID, pool, delegate)
	if err != nil {
		return nil, err
	}
	if rec.Votes.Sign() == 0 {
		return nil, fmt.Errorf("%w: pool %d", ErrZeroVotes, pool)
	}
	if rec.Captured.Sign() > 0 {
		return rec.Captured, nil
	}
	pe, err := e.poolEpoch(ep.ID, pool)
	if err != nil {
		return nil, err
	}
	gross := floorShare(pe.RewardsAllocated, rec.Votes, pe.TotalVotes)
	if gross.Sign() == 0 {
		return gross, nil
	}
	rec.Captured = gross
	if err := e.state.RewardsPutUserPoolEpoch(ep.ID, pool, delegate, rec); err != nil {
		return nil, err
	}
	d.GrossCaptured = new(big.Int).Add(d.GrossCaptured, gross)
	if err := e.state.RewardsPutDelegate(delegate, d); err != nil {
		return nil, err
	}
	e.emit(newShareCapturedEvent(ep.ID, pool, delegate, gross))
	return gross, nil
}

// delegatorSlice settles one delegator's share of a delegate's captured gross
// for one pool. skipSettled tolerates an already-settled record instead of
// failing, which lets the delegate-driven path converge with delegator-driven
// claims. Returns the settled slice and fee (both zero when skipped).
func (e *Engine) delegatorSlice(ep *Epoch, pool uint64, delegate, delegator []byte, d *Delegate, bal, totalBal *big.Int, skipSettled bool) (slice, fee *big.Int, err error) {
	gross, err := e.captureDelegateShare(ep, pool, delegate, d)
	if err != nil {
		return nil, nil, err
	}
	rec, err := e.userPoolEpoch(ep.ID, pool, delegator)
	if err != nil {
		return nil, nil, err
	}
	if rec.Captured.Sign() > 0 {
		if skipSettled {
			return big.NewInt(0), big.NewInt(0), nil
		}
		return nil, nil, fmt.Errorf("%w: pool %d", ErrAlreadyClaimed, pool)
	}
	slice = floorShare(gross, bal, totalBal)
	if slice.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0), nil
	}
	feeBps, err := e.historicalFee(delegate, ep.ID)
	if err != nil {
		return nil, nil, err
	}
	net, feeAmt := feeSplit(slice, feeBps)
	rec.Captured = slice
	if err := e.state.RewardsPutUserPoolEpoch(ep.ID, pool, delegator, rec); err != nil {
		return nil, nil, err
	}
	pe, err := e.poolEpoch(ep.ID, pool)
	if err != nil {
		return nil, nil, err
	}
	// The full slice counts as claimed so later sweeps never reclaim the
	// delegate's accrued fee portion.
	pe.RewardsClaimed = new(big.Int).Add(pe.RewardsClaimed, slice)
	if err := e.state.RewardsPutPoolEpoch(pe); err != nil {
		return nil, nil, err
	}
	if feeAmt.Sign() > 0 {
		d.FeesAccrued = new(big.Int).Add(d.FeesAccrued, feeAmt)
		if err := e.state.RewardsPutDelegate(delegate, d); err != nil {
			return nil, nil, err
		}
	}
	if net.Sign() > 0 {
		if err := e.payOut(delegator, net); err != nil {
			return nil, nil, err
		}
	}
	e.emit(newDelegatedClaimEvent(ep.ID, pool, delegate, delegator, net, feeAmt))
	return slice, feeAmt, nil
}

// ClaimDelegatedRewards pays the caller its slice of each named delegate's
// captured pool shares for a finalized epoch. The delegate's gross share is
// captured on first touch; the caller's slice is pro-rata over its delegated
// balance, net of the epoch-pinned fee.
func (e *Engine) ClaimDelegatedRewards(caller []byte, epochID uint64, delegates [][]byte, poolsPerDelegate [][]uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	if len(delegates) == 0 {
		return ErrEmptyBatch
	}
	if len(poolsPerDelegate) != len(delegates) {
		return ErrLengthMismatch
	}
	items := 0
	for _, pools := range poolsPerDelegate {
		items += len(pools)
	}
	if items == 0 {
		return ErrEmptyBatch
	}
	if err := common.CheckBatchBudget(items); err != nil {
		return err
	}
	if e.power == nil {
		return ErrPowerNotConfigured
	}
	if err := e.requireVault(); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	ep, err := e.finalizedEpoch(epochID)
	if err != nil {
		return err
	}
	if ep.RewardsSwept {
		return ErrRewardsSwept
	}

	total := big.NewInt(0)
	for i, delegate := range delegates {
		if err := common.ValidateAddress(delegate); err != nil {
			return err
		}
		if err := uniquePools(poolsPerDelegate[i]); err != nil {
			return err
		}
		bal, err := e.power.DelegatedBalance(epochID, delegate, caller)
		if err != nil {
			return err
		}
		if bal == nil || bal.Sign() == 0 {
			return ErrZeroDelegatedPower
		}
		totalBal, err := e.power.DelegatedPower(epochID, delegate)
		if err != nil {
			return err
		}
		if totalBal == nil || totalBal.Sign() == 0 {
			return ErrZeroDelegatedPower
		}
		d, err := e.delegate(delegate)
		if err != nil {
			return err
		}
		for _, pool := range poolsPerDelegate[i] {
			slice, _, err := e.delegatorSlice(ep, pool, delegate, caller, d, bal, totalBal, false)
			if err != nil {
				return err
			}
			total = new(big.Int).Add(total, slice)
		}
	}
	if total.Sign() == 0 {
		return ErrNothingToClaim
	}
	ep.RewardsClaimed = new(big.Int).Add(ep.RewardsClaimed, total)
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	g.TotalClaimed = new(big.Int).Add(g.TotalClaimed, total)
	return e.state.RewardsSetGlobals(g)
}

// ClaimDelegationFees settles the listed delegators exactly as if each had
// claimed, then pays the caller its entire accrued-fee balance. The fee
// balance is cross-epoch and survives unregistration. Fails only when no
// listed delegator settles and no fees are accrued.
func (e *Engine) ClaimDelegationFees(caller []byte, epochID uint64, delegators [][]byte, poolsPerDelegator [][]uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	if len(poolsPerDelegator) != len(delegators) {
		return ErrLengthMismatch
	}
	items := 0
	for _, pools := range poolsPerDelegator {
		items += len(pools)
	}
	if err := common.CheckBatchBudget(items); err != nil {
		return err
	}
	if err := e.requireVault(); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	ep, err := e.finalizedEpoch(epochID)
	if err != nil {
		return err
	}
	if len(delegators) > 0 {
		if ep.RewardsSwept {
			return ErrRewardsSwept
		}
		if e.power == nil {
			return ErrPowerNotConfigured
		}
	}

	d, err := e.delegate(caller)
	if err != nil {
		return err
	}
	settled := big.NewInt(0)
	for i, delegator := range delegators {
		if err := common.ValidateAddress(delegator); err != nil {
			return err
		}
		if err := uniquePools(poolsPerDelegator[i]); err != nil {
			return err
		}
		bal, err := e.power.DelegatedBalance(epochID, caller, delegator)
		if err != nil {
			return err
		}
		if bal == nil || bal.Sign() == 0 {
			return ErrZeroDelegatedPower
		}
		totalBal, err := e.power.DelegatedPower(epochID, caller)
		if err != nil {
			return err
		}
		if totalBal == nil || totalBal.Sign() == 0 {
			return ErrZeroDelegatedPower
		}
		for _, pool := range poolsPerDelegator[i] {
			slice, _, err := e.delegatorSlice(ep, pool, caller, delegator, d, bal, totalBal, true)
			if err != nil {
				return err
			}
			settled = new(big.Int).Add(settled, slice)
		}
	}

	fees := new(big.Int).Set(d.FeesAccrued)
	if settled.Sign() == 0 && fees.Sign() == 0 {
		return ErrNothingToClaim
	}
	if settled.Sign() > 0 {
		ep.RewardsClaimed = new(big.Int).Add(ep.RewardsClaimed, settled)
		if err := e.state.RewardsPutEpoch(ep); err != nil {
			return err
		}
		g.TotalClaimed = new(big.Int).Add(g.TotalClaimed, settled)
		if err := e.state.RewardsSetGlobals(g); err != nil {
			return err
		}
	}
	if fees.Sign() > 0 {
		d.FeesAccrued = big.NewInt(0)
		if err := e.state.RewardsPutDelegate(caller, d); err != nil {
			return err
		}
		if err := e.payOut(caller, fees); err != nil {
			return err
		}
		e.emit(newFeesClaimedEvent(caller, fees))
	}
	return nil
}

// ClaimSubsidies pays a verifier's pro-rata subsidy share for the requested
// pools to its designated asset manager. The caller must be that asset
// manager; blocked verifiers cannot claim for the epoch.
func (e *Engine) ClaimSubsidies(caller []byte, epochID uint64, verifier []byte, pools []uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	if err := common.ValidateAddress(verifier); err != nil {
		return err
	}
	if len(pools) == 0 {
		return ErrEmptyBatch
	}
	if err := common.CheckBatchBudget(len(pools)); err != nil {
		return err
	}
	if err := uniquePools(pools); err != nil {
		return err
	}
	if e.usage == nil {
		return ErrOracleNotConfigured
	}
	if e.identity == nil {
		return ErrIdentityNotConfigured
	}
	if err := e.requireVault(); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	ep, err := e.finalizedEpoch(epochID)
	if err != nil {
		return err
	}
	if ep.SubsidiesSwept {
		return ErrSubsidiesSwept
	}
	manager, ok, err := e.identity.AssetManagerOf(verifier)
	if err != nil {
		return err
	}
	if !ok || !bytes.Equal(manager, caller) {
		return ErrNotAssetManager
	}
	vrec, err := e.verifierEpoch(epochID, verifier)
	if err != nil {
		return err
	}
	if vrec.Blocked {
		return ErrClaimsBlocked
	}

	type payout struct {
		pe    *PoolEpoch
		share *big.Int
	}
	staged := make([]payout, 0, len(pools))
	total := big.NewInt(0)
	for _, id := range pools {
		pe, err := e.poolEpoch(epochID, id)
		if err != nil {
			return err
		}
		if pe.SubsidiesAllocated.Sign() == 0 {
			return fmt.Errorf("%w: pool %d", ErrNoSubsidy, id)
		}
		claimed, ok, err := e.state.RewardsVerifierPoolClaim(epochID, id, verifier)
		if err != nil {
			return err
		}
		if ok && claimed != nil && claimed.Sign() > 0 {
			return fmt.Errorf("%w: pool %d", ErrAlreadyClaimed, id)
		}
		verifierAccrued, poolAccrued, err := e.usage.GetAccruedSubsidies(epochID, id, verifier, caller)
		if err != nil {
			return err
		}
		verifierAccrued = ensureBig(verifierAccrued)
		poolAccrued = ensureBig(poolAccrued)
		if verifierAccrued.Cmp(poolAccrued) > 0 {
			return fmt.Errorf("%w: pool %d", ErrInconsistentUsage, id)
		}
		share := floorShare(pe.SubsidiesAllocated, verifierAccrued, poolAccrued)
		staged = append(staged, payout{pe: pe, share: share})
		total = new(big.Int).Add(total, share)
	}
	if total.Sign() == 0 {
		return ErrNothingToClaim
	}

	for i, p := range staged {
		if p.share.Sign() == 0 {
			continue
		}
		p.pe.SubsidiesClaimed = new(big.Int).Add(p.pe.SubsidiesClaimed, p.share)
		if err := e.state.RewardsPutPoolEpoch(p.pe); err != nil {
			return err
		}
		if err := e.state.RewardsPutVerifierPoolClaim(epochID, pools[i], verifier, p.share); err != nil {
			return err
		}
		e.emit(newSubsidyClaimEvent(epochID, pools[i], verifier, caller, p.share))
	}
	vrec.SubsidiesClaimed = new(big.Int).Add(vrec.SubsidiesClaimed, total)
	if err := e.state.RewardsPutVerifierEpoch(epochID, verifier, vrec); err != nil {
		return err
	}
	ep.SubsidiesClaimed = new(big.Int).Add(ep.SubsidiesClaimed, total)
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	g.TotalClaimed = new(big.Int).Add(g.TotalClaimed, total)
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	return e.payOut(caller, total)
}
