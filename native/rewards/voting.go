package rewards

import (
	"fmt"
	"math/big"

	"meridian/native/common"
)

// CreatePool registers a new votable pool and returns its identifier. Pools
// may be created at any point in the epoch lifecycle; they only join an
// epoch's snapshot when that epoch ends.
func (e *Engine) CreatePool(caller []byte) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := e.requireRole(RoleGlobalAdmin, caller); err != nil {
		return 0, err
	}
	g, err := e.globals()
	if err != nil {
		return 0, err
	}
	if err := e.ensureActive(g); err != nil {
		return 0, err
	}
	g.PoolCount++
	id := g.PoolCount
	if err := e.state.RewardsPutPool(&Pool{ID: id, Active: true}); err != nil {
		return 0, err
	}
	active, err := e.state.RewardsActivePools()
	if err != nil {
		return 0, err
	}
	// IDs are monotonic, so appending keeps the list sorted.
	active = append(active, id)
	if err := e.state.RewardsSetActivePools(active); err != nil {
		return 0, err
	}
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return 0, err
	}
	e.emit(newPoolCreatedEvent(id))
	return id, nil
}

// RetirePool removes a pool from the active set. Historical per-epoch records
// stay intact and already-snapshotted epochs are unaffected.
func (e *Engine) RetirePool(caller []byte, id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleGlobalAdmin, caller); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	pool, err := e.pool(id)
	if err != nil {
		return err
	}
	if !pool.Active {
		return ErrPoolInactive
	}
	pool.Active = false
	if err := e.state.RewardsPutPool(pool); err != nil {
		return err
	}
	active, err := e.state.RewardsActivePools()
	if err != nil {
		return err
	}
	filtered := make([]uint64, 0, len(active))
	for _, existing := range active {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	if err := e.state.RewardsSetActivePools(filtered); err != nil {
		return err
	}
	e.emit(newPoolRetiredEvent(id))
	return nil
}

// Vote spends voting power into one or more active pools during the current
// epoch's voting window. The first vote of an epoch commits the caller to
// either personal or delegated capacity; the two never mix within an epoch.
func (e *Engine) Vote(caller []byte, pools []uint64, amounts []*big.Int, isDelegated bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	if len(pools) == 0 {
		return ErrEmptyBatch
	}
	if len(amounts) != len(pools) {
		return ErrLengthMismatch
	}
	if err := common.CheckBatchBudget(len(pools)); err != nil {
		return err
	}
	if e.power == nil {
		return ErrPowerNotConfigured
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
	acct, err := e.voteAccount(ep.ID, caller)
	if err != nil {
		return err
	}
	kind := VoteKindPersonal
	if isDelegated {
		kind = VoteKindDelegated
	}
	if acct.Kind != VoteKindUnset && acct.Kind != kind {
		return ErrVoteKindMismatch
	}
	if isDelegated {
		d, err := e.delegate(caller)
		if err != nil {
			return err
		}
		if !d.Registered {
			return ErrNotDelegate
		}
		if err := e.ensureFeeSnapshot(ep.ID, caller, d); err != nil {
			return err
		}
	}

	total := big.NewInt(0)
	for i, id := range pools {
		amount := amounts[i]
		if amount == nil || amount.Sign() <= 0 {
			return ErrAmountNotPositive
		}
		pool, err := e.pool(id)
		if err != nil {
			return err
		}
		if !pool.Active {
			return fmt.Errorf("%w: pool %d", ErrPoolInactive, id)
		}
		total = new(big.Int).Add(total, amount)
	}

	var ceiling *big.Int
	if isDelegated {
		ceiling, err = e.power.DelegatedPower(ep.ID, caller)
	} else {
		ceiling, err = e.power.PersonalPower(ep.ID, caller)
	}
	if err != nil {
		return err
	}
	spent := new(big.Int).Add(acct.Spent, total)
	if ceiling == nil || spent.Cmp(ceiling) > 0 {
		return ErrCeilingExceeded
	}

	for i, id := range pools {
		amount := amounts[i]
		pe, err := e.poolEpoch(ep.ID, id)
		if err != nil {
			return err
		}
		pe.TotalVotes = new(big.Int).Add(pe.TotalVotes, amount)
		if err := e.state.RewardsPutPoolEpoch(pe); err != nil {
			return err
		}
		rec, err := e.userPoolEpoch(ep.ID, id, caller)
		if err != nil {
			return err
		}
		rec.Votes = new(big.Int).Add(rec.Votes, amount)
		if err := e.state.RewardsPutUserPoolEpoch(ep.ID, id, caller, rec); err != nil {
			return err
		}
	}
	acct.Kind = kind
	acct.Spent = spent
	if err := e.state.RewardsPutVoteAccount(ep.ID, caller, acct); err != nil {
		return err
	}
	e.emit(newVotesCastEvent(ep.ID, caller, kind, len(pools), total))
	return nil
}

// MigrateVotes moves already-spent votes between pools within the current
// epoch. Total spend is unchanged, so the power ceiling is not re-checked;
// each parcel requires sufficient votes in the source and an active target.
func (e *Engine) MigrateVotes(caller []byte, fromPools, toPools []uint64, amounts []*big.Int, isDelegated bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	if len(fromPools) == 0 {
		return ErrEmptyBatch
	}
	if len(toPools) != len(fromPools) || len(amounts) != len(fromPools) {
		return ErrLengthMismatch
	}
	if err := common.CheckBatchBudget(len(fromPools)); err != nil {
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
	acct, err := e.voteAccount(ep.ID, caller)
	if err != nil {
		return err
	}
	kind := VoteKindPersonal
	if isDelegated {
		kind = VoteKindDelegated
	}
	if acct.Kind != kind {
		return ErrVoteKindMismatch
	}
	if isDelegated {
		d, err := e.delegate(caller)
		if err != nil {
			return err
		}
		if !d.Registered {
			return ErrNotDelegate
		}
		if err := e.ensureFeeSnapshot(ep.ID, caller, d); err != nil {
			return err
		}
	}
	for i, from := range fromPools {
		to := toPools[i]
		amount := amounts[i]
		if amount == nil || amount.Sign() <= 0 {
			return ErrAmountNotPositive
		}
		fromRec, err := e.userPoolEpoch(ep.ID, from, caller)
		if err != nil {
			return err
		}
		if fromRec.Votes.Cmp(amount) < 0 {
			return fmt.Errorf("%w: pool %d", ErrInsufficientVotes, from)
		}
		target, err := e.pool(to)
		if err != nil {
			return err
		}
		if !target.Active {
			return fmt.Errorf("%w: pool %d", ErrPoolInactive, to)
		}
		fromPE, err := e.poolEpoch(ep.ID, from)
		if err != nil {
			return err
		}
		fromRec.Votes = new(big.Int).Sub(fromRec.Votes, amount)
		fromPE.TotalVotes = new(big.Int).Sub(fromPE.TotalVotes, amount)
		if err := e.state.RewardsPutUserPoolEpoch(ep.ID, from, caller, fromRec); err != nil {
			return err
		}
		if err := e.state.RewardsPutPoolEpoch(fromPE); err != nil {
			return err
		}
		toRec, err := e.userPoolEpoch(ep.ID, to, caller)
		if err != nil {
			return err
		}
		toPE, err := e.poolEpoch(ep.ID, to)
		if err != nil {
			return err
		}
		toRec.Votes = new(big.Int).Add(toRec.Votes, amount)
		toPE.TotalVotes = new(big.Int).Add(toPE.TotalVotes, amount)
		if err := e.state.RewardsPutUserPoolEpoch(ep.ID, to, caller, toRec); err != nil {
			return err
		}
		if err := e.state.RewardsPutPoolEpoch(toPE); err != nil {
			return err
		}
		e.emit(newVotesMigratedEvent(ep.ID, caller, from, to, amount))
	}
	return nil
}
