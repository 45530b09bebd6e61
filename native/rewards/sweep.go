package rewards

import "math/big"

// WithdrawUnclaimedRewards sweeps an epoch's unclaimed reward remainder to
// the treasury once the sweep delay has elapsed. The rewards category is then
// closed for the epoch and late claims are rejected.
func (e *Engine) WithdrawUnclaimedRewards(caller []byte, epochID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleAssetManager, caller); err != nil {
		return err
	}
	if err := e.requireVault(); err != nil {
		return err
	}
	if err := e.requireTreasury(); err != nil {
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
	if g.CurrentEpoch < epochID+e.params.SweepDelayEpochs {
		return ErrSweepDelayActive
	}
	if ep.RewardsSwept {
		return ErrRewardsSwept
	}
	remaining := new(big.Int).Sub(ep.RewardsAllocated, ep.RewardsClaimed)
	remaining.Sub(remaining, ep.RewardsWithdrawn)
	if remaining.Sign() <= 0 {
		return ErrNothingToSweep
	}
	if err := e.vault.Transfer(e.treasury, remaining); err != nil {
		return err
	}
	ep.RewardsWithdrawn = new(big.Int).Add(ep.RewardsWithdrawn, remaining)
	ep.RewardsSwept = true
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	g.TotalSwept = new(big.Int).Add(g.TotalSwept, remaining)
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	e.emit(newRewardsSweptEvent(epochID, remaining))
	return nil
}

// WithdrawUnclaimedSubsidies sweeps an epoch's unclaimed subsidy remainder to
// the treasury once the sweep delay has elapsed.
func (e *Engine) WithdrawUnclaimedSubsidies(caller []byte, epochID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleAssetManager, caller); err != nil {
		return err
	}
	if err := e.requireVault(); err != nil {
		return err
	}
	if err := e.requireTreasury(); err != nil {
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
	if g.CurrentEpoch < epochID+e.params.SweepDelayEpochs {
		return ErrSweepDelayActive
	}
	if ep.SubsidiesSwept {
		return ErrSubsidiesSwept
	}
	remaining := new(big.Int).Sub(ep.SubsidiesAllocated, ep.SubsidiesClaimed)
	remaining.Sub(remaining, ep.SubsidiesWithdrawn)
	if remaining.Sign() <= 0 {
		return ErrNothingToSweep
	}
	if err := e.vault.Transfer(e.treasury, remaining); err != nil {
		return err
	}
	ep.SubsidiesWithdrawn = new(big.Int).Add(ep.SubsidiesWithdrawn, remaining)
	ep.SubsidiesSwept = true
	if err := e.state.RewardsPutEpoch(ep); err != nil {
		return err
	}
	g.TotalSwept = new(big.Int).Add(g.TotalSwept, remaining)
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	e.emit(newSubsidiesSweptEvent(epochID, remaining))
	return nil
}

// WithdrawRegistrationFees collects the accumulated registration-fee pool
// into the treasury.
func (e *Engine) WithdrawRegistrationFees(caller []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleAssetManager, caller); err != nil {
		return err
	}
	if err := e.requireVault(); err != nil {
		return err
	}
	if err := e.requireTreasury(); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if err := e.ensureActive(g); err != nil {
		return err
	}
	amount := new(big.Int).Set(g.RegistrationFeesUncollected)
	if amount.Sign() <= 0 {
		return ErrNothingToSweep
	}
	if err := e.vault.Transfer(e.treasury, amount); err != nil {
		return err
	}
	g.RegistrationFeesUncollected = big.NewInt(0)
	g.RegistrationFeesCollected = new(big.Int).Add(g.RegistrationFeesCollected, amount)
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	e.emit(newRegistrationFeesSweptEvent(amount))
	return nil
}

// Pause halts every state-mutating entry except Unpause, Freeze, and
// EmergencyExit. Idempotent.
func (e *Engine) Pause(caller []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleMonitor, caller); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if g.Frozen {
		return ErrFrozen
	}
	if g.Paused {
		return nil
	}
	g.Paused = true
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	e.emit(newPausedEvent(caller))
	return nil
}

// Unpause resumes normal operation. Rejected while frozen.
func (e *Engine) Unpause(caller []byte) error {
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
	if g.Frozen {
		return ErrFrozen
	}
	if !g.Paused {
		return nil
	}
	g.Paused = false
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	e.emit(newUnpausedEvent(caller))
	return nil
}

// Freeze permanently halts the module. The ratchet implies pause and cannot
// be reversed.
func (e *Engine) Freeze(caller []byte) error {
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
	if g.Frozen {
		return nil
	}
	g.Frozen = true
	g.Paused = true
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	e.emit(newFrozenEvent(caller))
	return nil
}

// EmergencyExit evacuates the entire custody balance to the treasury in one
// shot, bypassing per-epoch accounting. Only available while frozen.
func (e *Engine) EmergencyExit(caller []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireRole(RoleEmergencyHandler, caller); err != nil {
		return err
	}
	if err := e.requireVault(); err != nil {
		return err
	}
	if err := e.requireTreasury(); err != nil {
		return err
	}
	g, err := e.globals()
	if err != nil {
		return err
	}
	if !g.Frozen {
		return ErrNotFrozen
	}
	balance, err := e.vault.Balance()
	if err != nil {
		return err
	}
	if balance == nil || balance.Sign() <= 0 {
		return ErrNothingToSweep
	}
	amount := new(big.Int).Set(balance)
	if err := e.vault.Transfer(e.treasury, amount); err != nil {
		return err
	}
	g.TotalSwept = new(big.Int).Add(g.TotalSwept, amount)
	if err := e.state.RewardsSetGlobals(g); err != nil {
		return err
	}
	e.emit(newEmergencyExitEvent(caller, amount))
	return nil
}
