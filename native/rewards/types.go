package rewards

import "math/big"

// EpochStatus tracks an epoch through the settlement pipeline. Transitions
// only ever move forward; the two finalized states are absorbing.
type EpochStatus uint8

const (
	EpochVoting EpochStatus = iota
	EpochEnded
	EpochVerified
	EpochProcessed
	EpochFinalized
	EpochForceFinalized
)

// String returns the lowercase wire name used in events and RPC payloads.
func (s EpochStatus) String() string {
	switch s {
	case EpochVoting:
		return "voting"
	case EpochEnded:
		return "ended"
	case EpochVerified:
		return "verified"
	case EpochProcessed:
		return "processed"
	case EpochFinalized:
		return "finalized"
	case EpochForceFinalized:
		return "force_finalized"
	default:
		return "unknown"
	}
}

// Terminal reports whether the epoch can no longer change state.
func (s EpochStatus) Terminal() bool {
	return s == EpochFinalized || s == EpochForceFinalized
}

// Epoch is the per-epoch settlement record. ActivePools is the pool set
// snapshotted when voting closed; it stays nil while the epoch is open.
type Epoch struct {
	ID                 uint64
	Status             EpochStatus
	StartTime          uint64
	ActivePools        []uint64
	PoolsProcessed     uint64
	RewardsAllocated   *big.Int
	SubsidiesAllocated *big.Int
	RewardsClaimed     *big.Int
	SubsidiesClaimed   *big.Int
	RewardsWithdrawn   *big.Int
	SubsidiesWithdrawn *big.Int
	RewardsSwept       bool
	SubsidiesSwept     bool
}

func (e *Epoch) normalize() {
	e.RewardsAllocated = ensureBig(e.RewardsAllocated)
	e.SubsidiesAllocated = ensureBig(e.SubsidiesAllocated)
	e.RewardsClaimed = ensureBig(e.RewardsClaimed)
	e.SubsidiesClaimed = ensureBig(e.SubsidiesClaimed)
	e.RewardsWithdrawn = ensureBig(e.RewardsWithdrawn)
	e.SubsidiesWithdrawn = ensureBig(e.SubsidiesWithdrawn)
}

// InSnapshot reports whether the pool was active when the epoch ended.
func (e *Epoch) InSnapshot(pool uint64) bool {
	for _, id := range e.ActivePools {
		if id == pool {
			return true
		}
	}
	return false
}

// Clone deep-copies the epoch record.
func (e *Epoch) Clone() *Epoch {
	if e == nil {
		return nil
	}
	clone := *e
	clone.ActivePools = append([]uint64(nil), e.ActivePools...)
	clone.RewardsAllocated = cloneBig(e.RewardsAllocated)
	clone.SubsidiesAllocated = cloneBig(e.SubsidiesAllocated)
	clone.RewardsClaimed = cloneBig(e.RewardsClaimed)
	clone.SubsidiesClaimed = cloneBig(e.SubsidiesClaimed)
	clone.RewardsWithdrawn = cloneBig(e.RewardsWithdrawn)
	clone.SubsidiesWithdrawn = cloneBig(e.SubsidiesWithdrawn)
	return &clone
}

// Pool is the registry entry for a votable allocation bucket.
type Pool struct {
	ID     uint64
	Active bool
}

// PoolEpoch carries one pool's frozen totals for one epoch.
type PoolEpoch struct {
	Epoch              uint64
	Pool               uint64
	TotalVotes         *big.Int
	RewardsAllocated   *big.Int
	SubsidiesAllocated *big.Int
	RewardsClaimed     *big.Int
	SubsidiesClaimed   *big.Int
	Processed          bool
}

func (pe *PoolEpoch) normalize() {
	pe.TotalVotes = ensureBig(pe.TotalVotes)
	pe.RewardsAllocated = ensureBig(pe.RewardsAllocated)
	pe.SubsidiesAllocated = ensureBig(pe.SubsidiesAllocated)
	pe.RewardsClaimed = ensureBig(pe.RewardsClaimed)
	pe.SubsidiesClaimed = ensureBig(pe.SubsidiesClaimed)
}

// Clone deep-copies the pool-epoch record.
func (pe *PoolEpoch) Clone() *PoolEpoch {
	if pe == nil {
		return nil
	}
	clone := *pe
	clone.TotalVotes = cloneBig(pe.TotalVotes)
	clone.RewardsAllocated = cloneBig(pe.RewardsAllocated)
	clone.SubsidiesAllocated = cloneBig(pe.SubsidiesAllocated)
	clone.RewardsClaimed = cloneBig(pe.RewardsClaimed)
	clone.SubsidiesClaimed = cloneBig(pe.SubsidiesClaimed)
	return &clone
}

// VoteKind distinguishes personal from delegated spending capacity. A caller
// commits to one kind per epoch on its first vote.
type VoteKind uint8

const (
	VoteKindUnset VoteKind = iota
	VoteKindPersonal
	VoteKindDelegated
)

func (k VoteKind) String() string {
	switch k {
	case VoteKindPersonal:
		return "personal"
	case VoteKindDelegated:
		return "delegated"
	default:
		return "unset"
	}
}

// VoteAccount tracks a caller's committed kind and total spend for an epoch.
type VoteAccount struct {
	Kind  VoteKind
	Spent *big.Int
}

// Clone deep-copies the vote account.
func (a *VoteAccount) Clone() *VoteAccount {
	if a == nil {
		return nil
	}
	return &VoteAccount{Kind: a.Kind, Spent: cloneBig(a.Spent)}
}

// UserPoolEpoch records one actor's position in one pool for one epoch.
// Captured doubles as the settlement guard: it stays zero until the actor's
// share has been captured or paid, after which any repeat claim is rejected.
type UserPoolEpoch struct {
	Votes    *big.Int
	Captured *big.Int
}

// Clone deep-copies the record.
func (u *UserPoolEpoch) Clone() *UserPoolEpoch {
	if u == nil {
		return nil
	}
	return &UserPoolEpoch{Votes: cloneBig(u.Votes), Captured: cloneBig(u.Captured)}
}

// Delegate is the registry record for a delegated-voting agent. Historical
// per-epoch fee snapshots live in separate records and survive unregistration,
// as do the cumulative counters.
type Delegate struct {
	Registered            bool
	FeeBps                uint32
	PendingFeeBps         uint32
	PendingEffectiveEpoch uint64
	GrossCaptured         *big.Int
	FeesAccrued           *big.Int
}

// HasPending reports whether a deferred fee increase is waiting.
func (d *Delegate) HasPending() bool {
	return d != nil && d.PendingEffectiveEpoch != 0
}

func (d *Delegate) normalize() {
	d.GrossCaptured = ensureBig(d.GrossCaptured)
	d.FeesAccrued = ensureBig(d.FeesAccrued)
}

// Clone deep-copies the delegate record.
func (d *Delegate) Clone() *Delegate {
	if d == nil {
		return nil
	}
	clone := *d
	clone.GrossCaptured = cloneBig(d.GrossCaptured)
	clone.FeesAccrued = cloneBig(d.FeesAccrued)
	return &clone
}

// VerifierEpoch carries a verifier's standing for one epoch.
type VerifierEpoch struct {
	Blocked          bool
	SubsidiesClaimed *big.Int
}

// Clone deep-copies the record.
func (v *VerifierEpoch) Clone() *VerifierEpoch {
	if v == nil {
		return nil
	}
	return &VerifierEpoch{Blocked: v.Blocked, SubsidiesClaimed: cloneBig(v.SubsidiesClaimed)}
}

// Globals aggregates the module-wide counters and circuit-breaker flags.
type Globals struct {
	CurrentEpoch                uint64
	PoolCount                   uint64
	TotalDeposited              *big.Int
	TotalClaimed                *big.Int
	TotalSwept                  *big.Int
	RegistrationFeesUncollected *big.Int
	RegistrationFeesCollected   *big.Int
	Paused                      bool
	Frozen                      bool
}

func (g *Globals) normalize() {
	g.TotalDeposited = ensureBig(g.TotalDeposited)
	g.TotalClaimed = ensureBig(g.TotalClaimed)
	g.TotalSwept = ensureBig(g.TotalSwept)
	g.RegistrationFeesUncollected = ensureBig(g.RegistrationFeesUncollected)
	g.RegistrationFeesCollected = ensureBig(g.RegistrationFeesCollected)
}

// Clone deep-copies the globals record.
func (g *Globals) Clone() *Globals {
	if g == nil {
		return nil
	}
	clone := *g
	clone.TotalDeposited = cloneBig(g.TotalDeposited)
	clone.TotalClaimed = cloneBig(g.TotalClaimed)
	clone.TotalSwept = cloneBig(g.TotalSwept)
	clone.RegistrationFeesUncollected = cloneBig(g.RegistrationFeesUncollected)
	clone.RegistrationFeesCollected = cloneBig(g.RegistrationFeesCollected)
	return &clone
}

func ensureBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
