package rewards

import (
	"math/big"

	"meridian/native/common"
)

// RegisterAsDelegate enrolls the caller as a delegated-voting agent. The
// attached payment must match the configured registration fee exactly; it is
// collected into custody and credited to the uncollected registration-fee
// pool. The current epoch's fee snapshot is written immediately.
func (e *Engine) RegisterAsDelegate(caller []byte, feeBps uint32, payment *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	d, err := e.delegate(caller)
	if err != nil {
		return err
	}
	if d.Registered {
		return ErrAlreadyDelegate
	}
	if feeBps > e.params.MaxDelegateFeeBps {
		return ErrFeeTooHigh
	}
	fee := e.params.registrationFee()
	paid := ensureBig(payment)
	if paid.Cmp(fee) != 0 {
		return ErrRegistrationFee
	}
	if fee.Sign() > 0 {
		if err := e.requireVault(); err != nil {
			return err
		}
		if err := e.vault.Deposit(caller, fee); err != nil {
			return err
		}
		g.RegistrationFeesUncollected = new(big.Int).Add(g.RegistrationFeesUncollected, fee)
		if err := e.state.RewardsSetGlobals(g); err != nil {
			return err
		}
	}
	d.Registered = true
	d.FeeBps = feeBps
	d.PendingFeeBps = 0
	d.PendingEffectiveEpoch = 0
	if err := e.state.RewardsPutDelegate(caller, d); err != nil {
		return err
	}
	if err := e.state.RewardsPutHistoricalFee(caller, g.CurrentEpoch, feeBps); err != nil {
		return err
	}
	e.emit(newDelegateRegisteredEvent(caller, feeBps, fee))
	e.emit(newFeeSnapshotEvent(g.CurrentEpoch, caller, feeBps))
	return nil
}

// UpdateDelegateFee changes the caller's fee. Decreases (including setting the
// same value, which cancels a pending increase) apply immediately and
// overwrite the current epoch's snapshot. Increases are deferred: the new fee
// is recorded as pending and promotes on the delegate's first vote at or
// after currentEpoch + FeeIncreaseDelayEpochs.
func (e *Engine) UpdateDelegateFee(caller []byte, newFeeBps uint32) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	d, err := e.delegate(caller)
	if err != nil {
		return err
	}
	if !d.Registered {
		return ErrNotDelegate
	}
	if newFeeBps > e.params.MaxDelegateFeeBps {
		return ErrFeeTooHigh
	}
	if newFeeBps <= d.FeeBps {
		d.FeeBps = newFeeBps
		d.PendingFeeBps = 0
		d.PendingEffectiveEpoch = 0
		if err := e.state.RewardsPutDelegate(caller, d); err != nil {
			return err
		}
		if err := e.state.RewardsPutHistoricalFee(caller, g.CurrentEpoch, newFeeBps); err != nil {
			return err
		}
		e.emit(newDelegateFeeUpdatedEvent(caller, d))
		e.emit(newFeeSnapshotEvent(g.CurrentEpoch, caller, newFeeBps))
		return nil
	}
	d.PendingFeeBps = newFeeBps
	d.PendingEffectiveEpoch = g.CurrentEpoch + e.params.FeeIncreaseDelayEpochs
	if err := e.state.RewardsPutDelegate(caller, d); err != nil {
		return err
	}
	e.emit(newDelegateFeeUpdatedEvent(caller, d))
	return nil
}

// UnregisterAsDelegate retires the caller's registration. Rejected while the
// caller has spent votes in the current epoch. Historical fee snapshots and
// the accrued-fee balance survive and stay claimable.
func (e *Engine) UnregisterAsDelegate(caller []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	d, err := e.delegate(caller)
	if err != nil {
		return err
	}
	if !d.Registered {
		return ErrNotDelegate
	}
	acct, err := e.voteAccount(g.CurrentEpoch, caller)
	if err != nil {
		return err
	}
	if acct.Spent.Sign() > 0 {
		return ErrVotesOutstanding
	}
	d.Registered = false
	d.FeeBps = 0
	d.PendingFeeBps = 0
	d.PendingEffectiveEpoch = 0
	if err := e.state.RewardsPutDelegate(caller, d); err != nil {
		return err
	}
	e.emit(newDelegateUnregisteredEvent(caller))
	return nil
}

// ensureFeeSnapshot promotes a due pending fee increase, then pins the
// epoch's fee snapshot if it is not already written. Runs before vote math on
// every delegated vote or migration.
func (e *Engine) ensureFeeSnapshot(epoch uint64, delegate []byte, d *Delegate) error {
	if d.HasPending() && epoch >= d.PendingEffectiveEpoch {
		d.FeeBps = d.PendingFeeBps
		d.PendingFeeBps = 0
		d.PendingEffectiveEpoch = 0
		if err := e.state.RewardsPutDelegate(delegate, d); err != nil {
			return err
		}
		e.emit(newDelegateFeeUpdatedEvent(delegate, d))
	}
	_, ok, err := e.state.RewardsHistoricalFee(delegate, epoch)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := e.state.RewardsPutHistoricalFee(delegate, epoch, d.FeeBps); err != nil {
		return err
	}
	e.emit(newFeeSnapshotEvent(epoch, delegate, d.FeeBps))
	return nil
}

// historicalFee resolves the fee pinned for an epoch. A missing snapshot means
// the delegate never voted that epoch; claims treat that as zero.
func (e *Engine) historicalFee(delegate []byte, epoch uint64) (uint32, error) {
	fee, ok, err := e.state.RewardsHistoricalFee(delegate, epoch)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return fee, nil
}
