package rewards

import "errors"

var (
	ErrStateNotConfigured    = errors.New("rewards: state backend not configured")
	ErrVaultNotConfigured    = errors.New("rewards: vault not configured")
	ErrTreasuryNotConfigured = errors.New("rewards: treasury address not configured")
	ErrPowerNotConfigured    = errors.New("rewards: power source not configured")
	ErrOracleNotConfigured   = errors.New("rewards: subsidy oracle not configured")
	ErrIdentityNotConfigured = errors.New("rewards: identity directory not configured")

	ErrUnauthorized = errors.New("rewards: caller lacks required role")
	ErrPaused       = errors.New("rewards: module paused")
	ErrFrozen       = errors.New("rewards: module frozen")
	ErrNotFrozen    = errors.New("rewards: module not frozen")

	ErrEpochNotFound     = errors.New("rewards: epoch not found")
	ErrEpochNotVoting    = errors.New("rewards: epoch not in voting state")
	ErrEpochNotEnded     = errors.New("rewards: epoch not in ended state")
	ErrEpochNotVerified  = errors.New("rewards: epoch not in verified state")
	ErrEpochNotProcessed = errors.New("rewards: epoch not in processed state")
	ErrEpochNotFinalized = errors.New("rewards: epoch not finalized")
	ErrEpochNotOver      = errors.New("rewards: epoch boundary not reached")
	ErrEpochNotForceable = errors.New("rewards: epoch beyond force finalization")

	ErrBlockListRequired = errors.New("rewards: verifier block list required")

	ErrPoolNotFound      = errors.New("rewards: pool not found")
	ErrPoolInactive      = errors.New("rewards: pool not active")
	ErrPoolNotInSnapshot = errors.New("rewards: pool not in epoch snapshot")
	ErrPoolProcessed     = errors.New("rewards: pool already processed")
	ErrDuplicatePool     = errors.New("rewards: duplicate pool in batch")
	ErrNoSubsidy         = errors.New("rewards: pool has no subsidy allocation")

	ErrLengthMismatch     = errors.New("rewards: array lengths mismatch")
	ErrEmptyBatch         = errors.New("rewards: empty batch")
	ErrAmountNotPositive  = errors.New("rewards: amount must be positive")
	ErrAmountNegative     = errors.New("rewards: amount must not be negative")
	ErrCeilingExceeded    = errors.New("rewards: vote spend exceeds voting power")
	ErrVoteKindMismatch   = errors.New("rewards: personal and delegated votes cannot mix within an epoch")
	ErrInsufficientVotes  = errors.New("rewards: insufficient votes in source pool")
	ErrNotDelegate        = errors.New("rewards: caller is not a registered delegate")
	ErrAlreadyDelegate    = errors.New("rewards: delegate already registered")
	ErrFeeTooHigh         = errors.New("rewards: fee exceeds maximum")
	ErrRegistrationFee    = errors.New("rewards: registration payment must match the configured fee")
	ErrVotesOutstanding   = errors.New("rewards: votes outstanding in current epoch")
	ErrNothingToClaim     = errors.New("rewards: nothing to claim")
	ErrAlreadyClaimed     = errors.New("rewards: already claimed")
	ErrZeroVotes          = errors.New("rewards: delegate has no votes in pool")
	ErrZeroDelegatedPower = errors.New("rewards: no delegated power for delegate")
	ErrClaimsBlocked      = errors.New("rewards: verifier claims blocked for epoch")
	ErrNotAssetManager    = errors.New("rewards: caller is not the verifier's asset manager")
	ErrInconsistentUsage  = errors.New("rewards: verifier accrual exceeds pool accrual")
	ErrRewardsSwept       = errors.New("rewards: unclaimed rewards already swept")
	ErrSubsidiesSwept     = errors.New("rewards: unclaimed subsidies already swept")
	ErrNothingToSweep     = errors.New("rewards: nothing to sweep")
	ErrSweepDelayActive   = errors.New("rewards: sweep delay not elapsed")
	ErrNothingPending     = errors.New("rewards: no pending payout")
)
