package rewards

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"meridian/core/events"
	"meridian/core/types"
)

const (
	// EventTypeEpochEnded is emitted when voting closes and the pool set is snapshotted.
	EventTypeEpochEnded = "rewards.epoch.ended"
	// EventTypeVerifierBlocked is emitted for each verifier blocked during verification.
	EventTypeVerifierBlocked = "rewards.epoch.verifier_blocked"
	// EventTypeEpochVerified is emitted when verifier checks complete.
	EventTypeEpochVerified = "rewards.epoch.verified"
	// EventTypePoolProcessed is emitted when a pool's allocations are recorded.
	EventTypePoolProcessed = "rewards.epoch.pool_processed"
	// EventTypeEpochProcessed is emitted once every snapshotted pool is processed.
	EventTypeEpochProcessed = "rewards.epoch.processed"
	// EventTypeEpochFinalized is emitted when an epoch finalizes and the next one opens.
	EventTypeEpochFinalized = "rewards.epoch.finalized"
	// EventTypeEpochForceFinalized is emitted when an admin force-finalizes a stuck epoch.
	EventTypeEpochForceFinalized = "rewards.epoch.force_finalized"
	// EventTypePoolCreated is emitted when a pool is registered.
	EventTypePoolCreated = "rewards.pool.created"
	// EventTypePoolRetired is emitted when a pool is retired.
	EventTypePoolRetired = "rewards.pool.retired"
	// EventTypeVotesCast is emitted for each successful vote batch.
	EventTypeVotesCast = "rewards.votes.cast"
	// EventTypeVotesMigrated is emitted for each migrated vote parcel.
	EventTypeVotesMigrated = "rewards.votes.migrated"
	// EventTypeDelegateRegistered is emitted when a delegate registers.
	EventTypeDelegateRegistered = "rewards.delegate.registered"
	// EventTypeDelegateFeeUpdated is emitted when a delegate changes its fee.
	EventTypeDelegateFeeUpdated = "rewards.delegate.fee_updated"
	// EventTypeDelegateFeeSnapshot is emitted when an epoch's fee snapshot is written.
	EventTypeDelegateFeeSnapshot = "rewards.delegate.fee_snapshot"
	// EventTypeDelegateUnregistered is emitted when a delegate unregisters.
	EventTypeDelegateUnregistered = "rewards.delegate.unregistered"
	// EventTypeShareCaptured is emitted when a delegate's gross pool share is captured.
	EventTypeShareCaptured = "rewards.claims.captured"
	// EventTypePersonalClaim is emitted per pool on a personal reward claim.
	EventTypePersonalClaim = "rewards.claims.personal"
	// EventTypeDelegatedClaim is emitted per settled delegator slice.
	EventTypeDelegatedClaim = "rewards.claims.delegated"
	// EventTypeFeesClaimed is emitted when a delegate collects its accrued fees.
	EventTypeFeesClaimed = "rewards.claims.fees"
	// EventTypeSubsidyClaim is emitted per pool on a subsidy claim.
	EventTypeSubsidyClaim = "rewards.claims.subsidy"
	// EventTypeTreasuryDeposit is emitted when finalization pulls funds into custody.
	EventTypeTreasuryDeposit = "rewards.treasury.deposit"
	// EventTypeRewardsSwept is emitted when an epoch's unclaimed rewards are withdrawn.
	EventTypeRewardsSwept = "rewards.treasury.rewards_swept"
	// EventTypeSubsidiesSwept is emitted when an epoch's unclaimed subsidies are withdrawn.
	EventTypeSubsidiesSwept = "rewards.treasury.subsidies_swept"
	// EventTypeRegistrationFeesSwept is emitted when registration fees are collected.
	EventTypeRegistrationFeesSwept = "rewards.treasury.registration_fees_swept"
	// EventTypeTransferFallback is emitted when a payout falls back to escrow credit.
	EventTypeTransferFallback = "rewards.transfer.fallback"
	// EventTypePendingClaimed is emitted when an escrow credit is redeemed.
	EventTypePendingClaimed = "rewards.transfer.pending_claimed"
	// EventTypePaused is emitted when the module pauses.
	EventTypePaused = "rewards.risk.paused"
	// EventTypeUnpaused is emitted when the module resumes.
	EventTypeUnpaused = "rewards.risk.unpaused"
	// EventTypeFrozen is emitted when the module freezes permanently.
	EventTypeFrozen = "rewards.risk.frozen"
	// EventTypeEmergencyExit is emitted when frozen custody is evacuated.
	EventTypeEmergencyExit = "rewards.risk.emergency_exit"
)

type rewardsEvent struct {
	evt *types.Event
}

func (e rewardsEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e rewardsEvent) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return rewardsEvent{evt: evt} }

func attrAddress(attrs map[string]string, key string, addr []byte) {
	if len(addr) > 0 {
		attrs[key] = hex.EncodeToString(addr)
	}
}

func attrAmount(attrs map[string]string, key string, amount *big.Int) {
	if amount != nil {
		attrs[key] = amount.String()
	} else {
		attrs[key] = "0"
	}
}

func newEpochEndedEvent(epoch uint64, pools int) *types.Event {
	return &types.Event{
		Type: EventTypeEpochEnded,
		Attributes: map[string]string{
			"epoch": strconv.FormatUint(epoch, 10),
			"pools": strconv.Itoa(pools),
		},
	}
}

func newVerifierBlockedEvent(epoch uint64, verifier []byte) *types.Event {
	attrs := map[string]string{"epoch": strconv.FormatUint(epoch, 10)}
	attrAddress(attrs, "verifier", verifier)
	return &types.Event{Type: EventTypeVerifierBlocked, Attributes: attrs}
}

func newEpochVerifiedEvent(epoch uint64) *types.Event {
	return &types.Event{
		Type:       EventTypeEpochVerified,
		Attributes: map[string]string{"epoch": strconv.FormatUint(epoch, 10)},
	}
}

func newPoolProcessedEvent(pe *PoolEpoch) *types.Event {
	attrs := make(map[string]string)
	if pe != nil {
		attrs["epoch"] = strconv.FormatUint(pe.Epoch, 10)
		attrs["pool"] = strconv.FormatUint(pe.Pool, 10)
		attrAmount(attrs, "totalVotes", pe.TotalVotes)
		attrAmount(attrs, "rewards", pe.RewardsAllocated)
		attrAmount(attrs, "subsidies", pe.SubsidiesAllocated)
	}
	return &types.Event{Type: EventTypePoolProcessed, Attributes: attrs}
}

func newEpochProcessedEvent(e *Epoch) *types.Event {
	attrs := make(map[string]string)
	if e != nil {
		attrs["epoch"] = strconv.FormatUint(e.ID, 10)
		attrAmount(attrs, "rewards", e.RewardsAllocated)
		attrAmount(attrs, "subsidies", e.SubsidiesAllocated)
	}
	return &types.Event{Type: EventTypeEpochProcessed, Attributes: attrs}
}

func newEpochFinalizedEvent(e *Epoch, next uint64, startTime uint64) *types.Event {
	attrs := map[string]string{
		"nextEpoch": strconv.FormatUint(next, 10),
		"startTime": strconv.FormatUint(startTime, 10),
	}
	if e != nil {
		attrs["epoch"] = strconv.FormatUint(e.ID, 10)
		attrAmount(attrs, "rewards", e.RewardsAllocated)
		attrAmount(attrs, "subsidies", e.SubsidiesAllocated)
	}
	return &types.Event{Type: EventTypeEpochFinalized, Attributes: attrs}
}

func newEpochForceFinalizedEvent(epoch uint64, next uint64, from EpochStatus) *types.Event {
	return &types.Event{
		Type: EventTypeEpochForceFinalized,
		Attributes: map[string]string{
			"epoch":      strconv.FormatUint(epoch, 10),
			"nextEpoch":  strconv.FormatUint(next, 10),
			"fromStatus": from.String(),
		},
	}
}

func newPoolCreatedEvent(id uint64) *types.Event {
	return &types.Event{
		Type:       EventTypePoolCreated,
		Attributes: map[string]string{"pool": strconv.FormatUint(id, 10)},
	}
}

func newPoolRetiredEvent(id uint64) *types.Event {
	return &types.Event{
		Type:       EventTypePoolRetired,
		Attributes: map[string]string{"pool": strconv.FormatUint(id, 10)},
	}
}

func newVotesCastEvent(epoch uint64, voter []byte, kind VoteKind, pools int, amount *big.Int) *types.Event {
	attrs := map[string]string{
		"epoch": strconv.FormatUint(epoch, 10),
		"pools": strconv.Itoa(pools),
	}
	attrAddress(attrs, "voter", voter)
	attrAmount(attrs, "amount", amount)
	if kind == VoteKindDelegated {
		attrs["kind"] = "delegated"
	} else {
		attrs["kind"] = "personal"
	}
	return &types.Event{Type: EventTypeVotesCast, Attributes: attrs}
}

func newVotesMigratedEvent(epoch uint64, voter []byte, from, to uint64, amount *big.Int) *types.Event {
	attrs := map[string]string{
		"epoch":    strconv.FormatUint(epoch, 10),
		"fromPool": strconv.FormatUint(from, 10),
		"toPool":   strconv.FormatUint(to, 10),
	}
	attrAddress(attrs, "voter", voter)
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypeVotesMigrated, Attributes: attrs}
}

func newDelegateRegisteredEvent(delegate []byte, feeBps uint32, paid *big.Int) *types.Event {
	attrs := map[string]string{"feeBps": strconv.FormatUint(uint64(feeBps), 10)}
	attrAddress(attrs, "delegate", delegate)
	attrAmount(attrs, "registrationFee", paid)
	return &types.Event{Type: EventTypeDelegateRegistered, Attributes: attrs}
}

func newDelegateFeeUpdatedEvent(delegate []byte, d *Delegate) *types.Event {
	attrs := make(map[string]string)
	attrAddress(attrs, "delegate", delegate)
	if d != nil {
		attrs["feeBps"] = strconv.FormatUint(uint64(d.FeeBps), 10)
		if d.HasPending() {
			attrs["pendingFeeBps"] = strconv.FormatUint(uint64(d.PendingFeeBps), 10)
			attrs["effectiveEpoch"] = strconv.FormatUint(d.PendingEffectiveEpoch, 10)
		}
	}
	return &types.Event{Type: EventTypeDelegateFeeUpdated, Attributes: attrs}
}

func newFeeSnapshotEvent(epoch uint64, delegate []byte, feeBps uint32) *types.Event {
	attrs := map[string]string{
		"epoch":  strconv.FormatUint(epoch, 10),
		"feeBps": strconv.FormatUint(uint64(feeBps), 10),
	}
	attrAddress(attrs, "delegate", delegate)
	return &types.Event{Type: EventTypeDelegateFeeSnapshot, Attributes: attrs}
}

func newDelegateUnregisteredEvent(delegate []byte) *types.Event {
	attrs := make(map[string]string)
	attrAddress(attrs, "delegate", delegate)
	return &types.Event{Type: EventTypeDelegateUnregistered, Attributes: attrs}
}

func newShareCapturedEvent(epoch, pool uint64, delegate []byte, gross *big.Int) *types.Event {
	attrs := map[string]string{
		"epoch": strconv.FormatUint(epoch, 10),
		"pool":  strconv.FormatUint(pool, 10),
	}
	attrAddress(attrs, "delegate", delegate)
	attrAmount(attrs, "gross", gross)
	return &types.Event{Type: EventTypeShareCaptured, Attributes: attrs}
}

func newPersonalClaimEvent(epoch, pool uint64, claimer []byte, amount *big.Int) *types.Event {
	attrs := map[string]string{
		"epoch": strconv.FormatUint(epoch, 10),
		"pool":  strconv.FormatUint(pool, 10),
	}
	attrAddress(attrs, "claimer", claimer)
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypePersonalClaim, Attributes: attrs}
}

func newDelegatedClaimEvent(epoch, pool uint64, delegate, delegator []byte, net, fee *big.Int) *types.Event {
	attrs := map[string]string{
		"epoch": strconv.FormatUint(epoch, 10),
		"pool":  strconv.FormatUint(pool, 10),
	}
	attrAddress(attrs, "delegate", delegate)
	attrAddress(attrs, "delegator", delegator)
	attrAmount(attrs, "net", net)
	attrAmount(attrs, "fee", fee)
	return &types.Event{Type: EventTypeDelegatedClaim, Attributes: attrs}
}

func newFeesClaimedEvent(delegate []byte, amount *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrAddress(attrs, "delegate", delegate)
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypeFeesClaimed, Attributes: attrs}
}

func newSubsidyClaimEvent(epoch, pool uint64, verifier, manager []byte, amount *big.Int) *types.Event {
	attrs := map[string]string{
		"epoch": strconv.FormatUint(epoch, 10),
		"pool":  strconv.FormatUint(pool, 10),
	}
	attrAddress(attrs, "verifier", verifier)
	attrAddress(attrs, "assetManager", manager)
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypeSubsidyClaim, Attributes: attrs}
}

func newTreasuryDepositEvent(epoch uint64, amount *big.Int) *types.Event {
	attrs := map[string]string{"epoch": strconv.FormatUint(epoch, 10)}
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypeTreasuryDeposit, Attributes: attrs}
}

func newRewardsSweptEvent(epoch uint64, amount *big.Int) *types.Event {
	attrs := map[string]string{"epoch": strconv.FormatUint(epoch, 10)}
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypeRewardsSwept, Attributes: attrs}
}

func newSubsidiesSweptEvent(epoch uint64, amount *big.Int) *types.Event {
	attrs := map[string]string{"epoch": strconv.FormatUint(epoch, 10)}
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypeSubsidiesSwept, Attributes: attrs}
}

func newRegistrationFeesSweptEvent(amount *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypeRegistrationFeesSwept, Attributes: attrs}
}

func newTransferFallbackEvent(recipient []byte, amount, pending *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrAddress(attrs, "recipient", recipient)
	attrAmount(attrs, "amount", amount)
	attrAmount(attrs, "pending", pending)
	return &types.Event{Type: EventTypeTransferFallback, Attributes: attrs}
}

func newPendingClaimedEvent(recipient []byte, amount *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrAddress(attrs, "recipient", recipient)
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypePendingClaimed, Attributes: attrs}
}

func newPausedEvent(caller []byte) *types.Event {
	attrs := make(map[string]string)
	attrAddress(attrs, "caller", caller)
	return &types.Event{Type: EventTypePaused, Attributes: attrs}
}

func newUnpausedEvent(caller []byte) *types.Event {
	attrs := make(map[string]string)
	attrAddress(attrs, "caller", caller)
	return &types.Event{Type: EventTypeUnpaused, Attributes: attrs}
}

func newFrozenEvent(caller []byte) *types.Event {
	attrs := make(map[string]string)
	attrAddress(attrs, "caller", caller)
	return &types.Event{Type: EventTypeFrozen, Attributes: attrs}
}

func newEmergencyExitEvent(caller []byte, amount *big.Int) *types.Event {
	attrs := make(map[string]string)
	attrAddress(attrs, "caller", caller)
	attrAmount(attrs, "amount", amount)
	return &types.Event{Type: EventTypeEmergencyExit, Attributes: attrs}
}
