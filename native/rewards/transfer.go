package rewards

import (
	"fmt"
	"math/big"

	"meridian/native/common"
)

// payOut moves a settled amount from custody to the recipient. Bookkeeping is
// already committed by the caller; a failing vault transfer credits the
// recipient's pending-payout escrow instead of failing the claim.
func (e *Engine) payOut(recipient []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := e.vault.Transfer(recipient, amount); err == nil {
		return nil
	}
	pending, err := e.state.RewardsPendingPayout(recipient)
	if err != nil {
		return err
	}
	pending = new(big.Int).Add(ensureBig(pending), amount)
	if err := e.state.RewardsSetPendingPayout(recipient, pending); err != nil {
		return err
	}
	e.emit(newTransferFallbackEvent(recipient, amount, pending))
	return nil
}

// ClaimPendingPayout redeems the caller's accumulated escrow credit. The
// credit is zeroed before the transfer and restored if the vault fails again.
func (e *Engine) ClaimPendingPayout(caller []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.ValidateAddress(caller); err != nil {
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
	pending, err := e.state.RewardsPendingPayout(caller)
	if err != nil {
		return err
	}
	if pending == nil || pending.Sign() <= 0 {
		return ErrNothingPending
	}
	amount := new(big.Int).Set(pending)
	if err := e.state.RewardsSetPendingPayout(caller, big.NewInt(0)); err != nil {
		return err
	}
	if err := e.vault.Transfer(caller, amount); err != nil {
		if restoreErr := e.state.RewardsSetPendingPayout(caller, amount); restoreErr != nil {
			return restoreErr
		}
		return fmt.Errorf("rewards: pending payout transfer: %w", err)
	}
	e.emit(newPendingClaimedEvent(caller, amount))
	return nil
}
