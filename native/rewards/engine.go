package rewards

import (
	"math/big"
	"time"

	"meridian/core/events"
	"meridian/core/types"
	"meridian/native/common"
)

const (
	// RoleCron may drive the epoch lifecycle (end, verify, process, finalize).
	RoleCron = "ROLE_CRON"
	// RoleGlobalAdmin may force-finalize epochs, manage pools, unpause, freeze,
	// and import oracle data.
	RoleGlobalAdmin = "ROLE_GLOBAL_ADMIN"
	// RoleMonitor may pause the module.
	RoleMonitor = "ROLE_MONITOR"
	// RoleAssetManager may sweep unclaimed balances and registration fees.
	RoleAssetManager = "ROLE_ASSET_MANAGER"
	// RoleEmergencyHandler may evacuate custody once the module is frozen.
	RoleEmergencyHandler = "ROLE_EMERGENCY_HANDLER"
)

// EngineState is the persistence surface the engine mutates. Lookups report
// absence via the boolean; an error means the backend itself failed.
type EngineState interface {
	RewardsGlobals() (*Globals, error)
	RewardsSetGlobals(g *Globals) error
	RewardsEpoch(id uint64) (*Epoch, bool, error)
	RewardsPutEpoch(e *Epoch) error
	RewardsPool(id uint64) (*Pool, bool, error)
	RewardsPutPool(p *Pool) error
	RewardsActivePools() ([]uint64, error)
	RewardsSetActivePools(ids []uint64) error
	RewardsPoolEpoch(epoch, pool uint64) (*PoolEpoch, bool, error)
	RewardsPutPoolEpoch(pe *PoolEpoch) error
	RewardsVoteAccount(epoch uint64, addr []byte) (*VoteAccount, bool, error)
	RewardsPutVoteAccount(epoch uint64, addr []byte, acct *VoteAccount) error
	RewardsUserPoolEpoch(epoch, pool uint64, addr []byte) (*UserPoolEpoch, bool, error)
	RewardsPutUserPoolEpoch(epoch, pool uint64, addr []byte, rec *UserPoolEpoch) error
	RewardsDelegate(addr []byte) (*Delegate, bool, error)
	RewardsPutDelegate(addr []byte, d *Delegate) error
	RewardsHistoricalFee(addr []byte, epoch uint64) (uint32, bool, error)
	RewardsPutHistoricalFee(addr []byte, epoch uint64, feeBps uint32) error
	RewardsVerifierEpoch(epoch uint64, verifier []byte) (*VerifierEpoch, bool, error)
	RewardsPutVerifierEpoch(epoch uint64, verifier []byte, rec *VerifierEpoch) error
	RewardsVerifierPoolClaim(epoch, pool uint64, verifier []byte) (*big.Int, bool, error)
	RewardsPutVerifierPoolClaim(epoch, pool uint64, verifier []byte, amount *big.Int) error
	RewardsPendingPayout(addr []byte) (*big.Int, error)
	RewardsSetPendingPayout(addr []byte, amount *big.Int) error
	HasRole(role string, addr []byte) bool
}

// PowerSource supplies the externally reported voting-power ceilings. Values
// are per epoch and never change once the epoch is underway.
type PowerSource interface {
	PersonalPower(epoch uint64, addr []byte) (*big.Int, error)
	DelegatedPower(epoch uint64, delegate []byte) (*big.Int, error)
	DelegatedBalance(epoch uint64, delegate, delegator []byte) (*big.Int, error)
}

// SubsidyOracle reports accrued fee-collection usage for subsidy claims. The
// collaborator gates reads by the calling asset manager.
type SubsidyOracle interface {
	GetAccruedSubsidies(epoch, pool uint64, verifier, caller []byte) (*big.Int, *big.Int, error)
}

// IdentityDirectory resolves a verifier to its designated asset manager.
type IdentityDirectory interface {
	AssetManagerOf(verifier []byte) ([]byte, bool, error)
}

// Vault moves value between the module's custody account and the outside
// world. Transfer debits custody, Deposit credits it from a payer.
type Vault interface {
	Transfer(to []byte, amount *big.Int) error
	Deposit(from []byte, amount *big.Int) error
	Balance() (*big.Int, error)
}

// Engine orchestrates epoch settlement: lifecycle transitions, voting,
// delegation, claims, and treasury sweeps. Entry points run to completion
// atomically; callers serialize access.
type Engine struct {
	state    EngineState
	emitter  events.Emitter
	params   Params
	power    PowerSource
	usage    SubsidyOracle
	identity IdentityDirectory
	vault    Vault
	treasury []byte
	nowFn    func() time.Time
}

// NewEngine constructs a rewards engine with default parameters and no-op
// dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		params:  DefaultParams(),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the engine to the state backend providing persistence helpers.
func (e *Engine) SetState(state EngineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock used for epoch boundary checks. Nil restores
// the default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetParams replaces the engine parameters. Values are copied.
func (e *Engine) SetParams(p Params) {
	if e == nil {
		return
	}
	p.RegistrationFee = cloneBig(p.RegistrationFee)
	e.params = p
}

// Params returns a copy of the active engine parameters.
func (e *Engine) Params() Params {
	p := e.params
	p.RegistrationFee = cloneBig(p.RegistrationFee)
	return p
}

// SetPowerSource wires the external voting-power collaborator.
func (e *Engine) SetPowerSource(power PowerSource) { e.power = power }

// SetSubsidyOracle wires the fee-collection usage collaborator.
func (e *Engine) SetSubsidyOracle(usage SubsidyOracle) { e.usage = usage }

// SetIdentityDirectory wires the verifier directory collaborator.
func (e *Engine) SetIdentityDirectory(identity IdentityDirectory) { e.identity = identity }

// SetVault wires the custody backend.
func (e *Engine) SetVault(vault Vault) { e.vault = vault }

// SetTreasury configures the protocol treasury address funding allocations and
// receiving sweeps.
func (e *Engine) SetTreasury(addr []byte) {
	e.treasury = append([]byte(nil), addr...)
}

func (e *Engine) requireTreasury() error {
	if err := common.ValidateAddress(e.treasury); err != nil {
		return ErrTreasuryNotConfigured
	}
	return nil
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(rewardsEvent{evt: event})
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn()
}

func (e *Engine) nowUnix() uint64 {
	ts := e.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrStateNotConfigured
	}
	return nil
}

func (e *Engine) requireVault() error {
	if e.vault == nil {
		return ErrVaultNotConfigured
	}
	return nil
}

func (e *Engine) requireRole(role string, caller []byte) error {
	if err := common.ValidateAddress(caller); err != nil {
		return err
	}
	if !e.state.HasRole(role, caller) {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) globals() (*Globals, error) {
	g, err := e.state.RewardsGlobals()
	if err != nil {
		return nil, err
	}
	if g == nil {
		g = &Globals{CurrentEpoch: 1}
	}
	g.normalize()
	return g, nil
}

// ensureActive rejects mutations while the module is paused or frozen.
func (e *Engine) ensureActive(g *Globals) error {
	if g.Frozen {
		return ErrFrozen
	}
	if g.Paused {
		return ErrPaused
	}
	return nil
}

func (e *Engine) epoch(id uint64) (*Epoch, error) {
	ep, ok, err := e.state.RewardsEpoch(id)
	if err != nil {
		return nil, err
	}
	if !ok || ep == nil {
		return nil, ErrEpochNotFound
	}
	ep.normalize()
	return ep, nil
}

// currentEpoch loads the globals plus the epoch the counter points at.
func (e *Engine) currentEpoch() (*Globals, *Epoch, error) {
	g, err := e.globals()
	if err != nil {
		return nil, nil, err
	}
	ep, err := e.epoch(g.CurrentEpoch)
	if err != nil {
		return nil, nil, err
	}
	return g, ep, nil
}

func (e *Engine) pool(id uint64) (*Pool, error) {
	p, ok, err := e.state.RewardsPool(id)
	if err != nil {
		return nil, err
	}
	if !ok || p == nil {
		return nil, ErrPoolNotFound
	}
	return p, nil
}

// poolEpoch returns the per-pool record for an epoch, zero-initialized when
// absent.
func (e *Engine) poolEpoch(epoch, pool uint64) (*PoolEpoch, error) {
	pe, ok, err := e.state.RewardsPoolEpoch(epoch, pool)
	if err != nil {
		return nil, err
	}
	if !ok || pe == nil {
		pe = &PoolEpoch{Epoch: epoch, Pool: pool}
	}
	pe.normalize()
	return pe, nil
}

func (e *Engine) voteAccount(epoch uint64, addr []byte) (*VoteAccount, error) {
	acct, ok, err := e.state.RewardsVoteAccount(epoch, addr)
	if err != nil {
		return nil, err
	}
	if !ok || acct == nil {
		acct = &VoteAccount{}
	}
	acct.Spent = ensureBig(acct.Spent)
	return acct, nil
}

func (e *Engine) userPoolEpoch(epoch, pool uint64, addr []byte) (*UserPoolEpoch, error) {
	rec, ok, err := e.state.RewardsUserPoolEpoch(epoch, pool, addr)
	if err != nil {
		return nil, err
	}
	if !ok || rec == nil {
		rec = &UserPoolEpoch{}
	}
	rec.Votes = ensureBig(rec.Votes)
	rec.Captured = ensureBig(rec.Captured)
	return rec, nil
}

func (e *Engine) delegate(addr []byte) (*Delegate, error) {
	d, ok, err := e.state.RewardsDelegate(addr)
	if err != nil {
		return nil, err
	}
	if !ok || d == nil {
		d = &Delegate{}
	}
	d.normalize()
	return d, nil
}

func (e *Engine) verifierEpoch(epoch uint64, verifier []byte) (*VerifierEpoch, error) {
	rec, ok, err := e.state.RewardsVerifierEpoch(epoch, verifier)
	if err != nil {
		return nil, err
	}
	if !ok || rec == nil {
		rec = &VerifierEpoch{}
	}
	rec.SubsidiesClaimed = ensureBig(rec.SubsidiesClaimed)
	return rec, nil
}
