package rewards

import (
	"fmt"
	"math/big"

	"meridian/native/common"
)

// EndEpoch closes the voting window for the current epoch once its duration
// has elapsed. The active pool set is snapshotted; with no active pools the
// epoch finalizes immediately with zero allocations and the next one opens.
func (e *Engine) EndEpoch(caller []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleCron, caller); err != nil {
		return err
	}
	g, ep, err := e.currentEpoch()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	if ep.Status != EpochVoting {
		return ErrEpochNotVoting
	}
	now := e.nowUnix()
	if now < ep.StartTime+e.params.EpochDuration {
		return ErrEpochNotOver
	}
	active, err := e.state.RewardsActivePools()
	if err != nil {
		return err
	}
	ep.ActivePools = append([]uint64(nil), active...)
	if len(ep.ActivePools) == 0 {
		return e.finalizeEmpty(g, ep, now)
	}
	ep.Status = EpochEnded
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	e.emit(newEpochEndedEvent(ep.ID, len(ep.ActivePools)))
	return nil
}

// finalizeEmpty short-circuits an epoch that ended with nothing to vote on.
func (e *Engine) finalizeEmpty(g *Globals, ep *Epoch, now uint64) error {
	ep.Status = EpochFinalized
	g.CurrentEpoch++
	next := &Epoch{ID: g.CurrentEpoch, Status: EpochVoting, StartTime: now}
	next.normalize()
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	if err := e.state.RewardsPutEpoch(next); err != nil {
		return err
	}
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	e.emit(newEpochEndedEvent(ep.ID, 0))
	e.emit(newEpochFinalizedEvent(ep, next.ID, next.StartTime))
	return nil
}

// ProcessVerifierChecks records blocked verifiers for the ended epoch. The
// call is batchable; passing allCleared moves the epoch to Verified. A batch
// without allCleared must name at least one verifier.
func (e *Engine) ProcessVerifierChecks(caller []byte, allCleared bool, toBlock [][]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleCron, caller); err != nil {
		return err
	}
	if err := common.CheckBatchBudget(len(toBlock)); err != nil {
		return err
	}
	g, ep, err := e.currentEpoch()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	if ep.Status != EpochEnded {
		return ErrEpochNotEnded
	}
	if !allCleared && len(toBlock) == 0 {
		return ErrBlockListRequired
	}
	for _, verifier := range toBlock {
		if err := common.ValidateAddress(verifier); err != nil {
			return err
		}
		rec, err := e.verifierEpoch(ep.ID, verifier)
		if err != nil {
			return err
		}
		if rec.Blocked {
			continue
		}
		rec.Blocked = true
		if err := e.state.RewardsPutVerifierEpoch(ep.ID, verifier, rec); err != nil {
			return err
		}
		e.emit(newVerifierBlockedEvent(ep.ID, verifier))
	}
	if !allCleared {
		return nil
	}
	ep.Status = EpochVerified
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	e.emit(newEpochVerifiedEvent(ep.ID))
	return nil
}

// ProcessRewardsAndSubsidies records per-pool allocations for the verified
// epoch. Each pool must be in the end-of-epoch snapshot, active, and not yet
// processed. Once every snapshotted pool is processed the epoch advances.
func (e *Engine) ProcessRewardsAndSubsidies(caller []byte, pools []uint64, rewards, subsidies []*big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleCron, caller); err != nil {
		return err
	}
	if len(pools) == 0 {
		return ErrEmptyBatch
	}
	if len(rewards) != len(pools) || len(subsidies) != len(pools) {
		return ErrLengthMismatch
	}
	if err := common.CheckBatchBudget(len(pools)); err != nil {
		return err
	}
	g, ep, err := e.currentEpoch()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	if ep.Status != EpochVerified {
		return ErrEpochNotVerified
	}
	for i, id := range pools {
		if !ep.InSnapshot(id) {
			return fmt.Errorf("%w: pool %d", ErrPoolNotInSnapshot, id)
		}
		pool, err := e.pool(id)
		if err != nil {
			return err
		}
		if !pool.Active {
			return fmt.Errorf("%w: pool %d", ErrPoolInactive, id)
		}
		pe, err := e.poolEpoch(ep.ID, id)
		if err != nil {
			return err
		}
		if pe.Processed {
			return fmt.Errorf("%w: pool %d", ErrPoolProcessed, id)
		}
		reward := ensureBig(rewards[i])
		subsidy := ensureBig(subsidies[i])
		if reward.Sign() < 0 || subsidy.Sign() < 0 {
			return ErrAmountNegative
		}
		pe.RewardsAllocated = new(big.Int).Set(reward)
		pe.SubsidiesAllocated = new(big.Int).Set(subsidy)
		pe.Processed = true
		if err := e.state.RewardsPutPoolEpoch(pe); err != nil {
			return err
		}
		ep.RewardsAllocated = new(big.Int).Add(ep.RewardsAllocated, reward)
		ep.SubsidiesAllocated = new(big.Int).Add(ep.SubsidiesAllocated, subsidy)
		ep.PoolsProcessed++
		e.emit(newPoolProcessedEvent(pe))
	}
	if ep.PoolsProcessed == uint64(len(ep.ActivePools)) {
		ep.Status = EpochProcessed
		if err := e.state.RewardsPutEpoch(ep); err != nil {
			return err
		}
		e.emit(newEpochProcessedEvent(ep))
		return nil
	}
	return e.state.RewardsPutEpoch(ep)
}

// FinalizeEpoch pulls the processed epoch's total allocation from the
// treasury into custody, opens the next epoch, and advances the counter.
func (e *Engine) FinalizeEpoch(caller []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleCron, caller); err != nil {
		return err
	}
	g, ep, err := e.currentEpoch()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	if ep.Status != EpochProcessed {
		return ErrEpochNotProcessed
	}
	total := new(big.Int).Add(ep.RewardsAllocated, ep.SubsidiesAllocated)
	if total.Sign() > 0 {
		if err := e.requireVault(); err != nil {
			return err
		}
		if err := e.requireTreasury(); err != nil {
			return err
		}
		if err := e.vault.Deposit(e.treasury, total); err != nil {
			return fmt.Errorf("rewards: treasury deposit: %w", err)
		}
		g.TotalDeposited = new(big.Int).Add(g.TotalDeposited, total)
	}
	now := e.nowUnix()
	ep.Status = EpochFinalized
	g.CurrentEpoch++
	next := &Epoch{ID: g.CurrentEpoch, Status: EpochVoting, StartTime: now}
	next.normalize()
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	if err := e.state.RewardsPutEpoch(next); err != nil {
		return err
	}
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	if total.Sign() > 0 {
		e.emit(newTreasuryDepositEvent(ep.ID, total))
	}
	e.emit(newEpochFinalizedEvent(ep, next.ID, next.StartTime))
	return nil
}

// ForceFinalizeEpoch abandons a stuck epoch past its boundary while it is
// still Voting or Ended. Allocations are zeroed, no custody moves, and the
// next epoch opens.
func (e *Engine) ForceFinalizeEpoch(caller []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleGlobalAdmin, caller); err != nil {
		return err
	}
	g, ep, err := e.currentEpoch()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	if ep.Status != EpochVoting && ep.Status != EpochEnded {
		return ErrEpochNotForceable
	}
	now := e.nowUnix()
	if now < ep.StartTime+e.params.EpochDuration {
		return ErrEpochNotOver
	}
	if ep.Status == EpochVoting {
		active, err := e.state.RewardsActivePools()
		if err != nil {
			return err
		}
		ep.ActivePools = append([]uint64(nil), active...)
	}
	from := ep.Status
	ep.Status = EpochForceFinalized
	ep.RewardsAllocated = big.NewInt(0)
	ep.SubsidiesAllocated = big.NewInt(0)
	g.CurrentEpoch++
	next := &Epoch{ID: g.CurrentEpoch, Status: EpochVoting, StartTime: now}
	next.normalize()
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	if err := e.state.RewardsPutEpoch(next); err != nil {
		return err
	}
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	e.emit(newEpochForceFinalizedEvent(ep.ID, next.ID, from))
	return nil
}
