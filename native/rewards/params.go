package rewards

import (
	"fmt"
	"math/big"
)

// FeeBpsDenominator is the basis-point scale used for delegate fees.
const FeeBpsDenominator = 10_000

const (
	defaultEpochDuration          = 7 * 24 * 60 * 60
	defaultFeeIncreaseDelayEpochs = 2
	defaultSweepDelayEpochs       = 2
	defaultMaxDelegateFeeBps      = 3_000
)

// Params carries the runtime knobs for the distribution engine. Values are
// validated once on load; the engine treats them as immutable afterwards.
type Params struct {
	// EpochDuration is the minimum epoch length in seconds before EndEpoch
	// is accepted.
	EpochDuration uint64
	// MaxDelegateFeeBps bounds delegate fees at registration and update.
	MaxDelegateFeeBps uint32
	// RegistrationFee is the exact payment required by RegisterAsDelegate.
	RegistrationFee *big.Int
	// FeeIncreaseDelayEpochs is the number of epochs a fee increase waits
	// before it may be promoted.
	FeeIncreaseDelayEpochs uint64
	// SweepDelayEpochs is the number of epochs after finalization before
	// unclaimed allocations may be swept.
	SweepDelayEpochs uint64
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		EpochDuration:          defaultEpochDuration,
		MaxDelegateFeeBps:      defaultMaxDelegateFeeBps,
		RegistrationFee:        big.NewInt(0),
		FeeIncreaseDelayEpochs: defaultFeeIncreaseDelayEpochs,
		SweepDelayEpochs:       defaultSweepDelayEpochs,
	}
}

// Validate rejects parameter sets the engine cannot operate on.
func (p Params) Validate() error {
	if p.EpochDuration == 0 {
		return fmt.Errorf("rewards: epoch duration must be positive")
	}
	if p.MaxDelegateFeeBps > FeeBpsDenominator {
		return fmt.Errorf("rewards: max delegate fee %d exceeds denominator %d", p.MaxDelegateFeeBps, FeeBpsDenominator)
	}
	if p.RegistrationFee != nil && p.RegistrationFee.Sign() < 0 {
		return fmt.Errorf("rewards: registration fee must not be negative")
	}
	if p.FeeIncreaseDelayEpochs == 0 {
		return fmt.Errorf("rewards: fee increase delay must be at least one epoch")
	}
	return nil
}

func (p Params) registrationFee() *big.Int {
	if p.RegistrationFee == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(p.RegistrationFee)
}
