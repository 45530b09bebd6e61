package models

import (
	"time"

	"gorm.io/gorm"
)

// Claim kinds materialized from the settlement stream. The values match the
// node's audit ledger vocabulary so downstream consumers can join the two.
const (
	ClaimPersonal        = "personal"
	ClaimDelegated       = "delegated"
	ClaimDelegateFee     = "delegate_fee"
	ClaimSubsidy         = "subsidy"
	ClaimPendingRedeemed = "pending_redeemed"
)

// Sweep categories for treasury movements.
const (
	SweepDeposit          = "deposit"
	SweepRewards          = "rewards"
	SweepSubsidies        = "subsidies"
	SweepRegistrationFees = "registration_fees"
	SweepEmergencyExit    = "emergency_exit"
)

// Checkpoint stores the stream resume cursor, one row per consumer.
type Checkpoint struct {
	Name      string `gorm:"primaryKey;size:64"`
	Sequence  uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

// Epoch mirrors the lifecycle card of one settlement epoch.
type Epoch struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	Status      string `gorm:"size:32;index"`
	Pools       int
	Rewards     string `gorm:"size:80"`
	Subsidies   string `gorm:"size:80"`
	FinalizedAt *time.Time
	UpdatedAt   time.Time
}

// Claim is one settled payout slice observed on the stream. Sequence carries
// the stream position and deduplicates replayed deliveries.
type Claim struct {
	ID           uint64 `gorm:"primaryKey"`
	Sequence     uint64 `gorm:"uniqueIndex"`
	Epoch        uint64 `gorm:"index:idx_claims_epoch_pool"`
	Pool         uint64 `gorm:"index:idx_claims_epoch_pool"`
	Kind         string `gorm:"size:32;index"`
	Account      string `gorm:"size:64;index"`
	Counterparty string `gorm:"size:64"`
	Amount       string `gorm:"size:80"`
	Fee          string `gorm:"size:80"`
	ObservedAt   time.Time
}

// Sweep is one treasury movement observed on the stream.
type Sweep struct {
	ID         uint64 `gorm:"primaryKey"`
	Sequence   uint64 `gorm:"uniqueIndex"`
	Epoch      uint64 `gorm:"index"`
	Category   string `gorm:"size:32;index"`
	Amount     string `gorm:"size:80"`
	ObservedAt time.Time
}

// AutoMigrate performs all schema migrations for the indexer.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Checkpoint{},
		&Epoch{},
		&Claim{},
		&Sweep{},
	)
}
