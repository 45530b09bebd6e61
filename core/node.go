package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"meridian/core/events"
	"meridian/core/genesis"
	"meridian/core/state"
	"meridian/core/types"
	"meridian/native/rewards"
	"meridian/native/rewards/audit"
	"meridian/observability"
	"meridian/observability/metrics"
	"meridian/storage"
	"meridian/storage/trie"
)

// ErrGenesisRequired is returned when the database is empty and no genesis
// spec was supplied.
var ErrGenesisRequired = errors.New("core: genesis spec required for empty database")

var nodeTipKey = []byte("meridian/tip")

// storedTip pins the committed state root and the transition counter so a
// restarted node reopens the trie exactly where it left off.
type storedTip struct {
	Root       []byte
	Transition uint64
}

func loadTip(db storage.Database) (storedTip, bool, error) {
	raw, err := db.Get(nodeTipKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return storedTip{}, false, nil
		}
		return storedTip{}, false, err
	}
	var tip storedTip
	if err := rlp.DecodeBytes(raw, &tip); err != nil {
		return storedTip{}, false, fmt.Errorf("core: decode tip record: %w", err)
	}
	return tip, true, nil
}

func saveTip(db storage.Database, tip storedTip) error {
	encoded, err := rlp.EncodeToBytes(&tip)
	if err != nil {
		return err
	}
	return db.Put(nodeTipKey, encoded)
}

// Node wires storage, the state trie and the settlement engine together. It
// serializes every state transition behind stateMu, commits the trie after
// each successful engine call, and rolls the trie back on failure so no
// partial mutation ever becomes visible.
type Node struct {
	db        storage.Database
	trie      *trie.Trie
	stream    *EventStream
	receipts  *audit.Ledger
	logger    *slog.Logger
	telemetry *metrics.RewardsMetrics
	params    rewards.Params
	treasury  []byte
	nowFn     func() time.Time

	stateMu    sync.Mutex
	transition uint64

	hookMu        sync.RWMutex
	finalizeHooks []func(epoch uint64)
}

// NewNode opens the state trie at the last committed root. An empty database
// requires a genesis spec; a populated one ignores it and validates the
// stored schema version instead.
func NewNode(db storage.Database, spec *genesis.Spec, logger *slog.Logger) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	tip, seeded, err := loadTip(db)
	if err != nil {
		return nil, err
	}
	var root []byte
	if seeded {
		root = tip.Root
	}
	stateTrie, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("core: open state trie: %w", err)
	}

	n := &Node{
		db:        db,
		trie:      stateTrie,
		stream:    NewEventStream(),
		receipts:  audit.NewLedger(db),
		logger:    logger,
		telemetry: metrics.Rewards(),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	if seeded {
		n.transition = tip.Transition
		if err := state.EnsureStateVersion(stateTrie, false); err != nil {
			return nil, err
		}
	} else {
		if spec == nil {
			return nil, ErrGenesisRequired
		}
		if err := n.applyGenesis(spec); err != nil {
			return nil, err
		}
	}
	if err := n.loadEngineConfig(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) applyGenesis(spec *genesis.Spec) error {
	parentRoot := n.trie.Root()
	manager := state.NewManager(n.trie)
	if err := genesis.Apply(manager, spec); err != nil {
		if resetErr := n.trie.Reset(parentRoot); resetErr != nil {
			return fmt.Errorf("core: rollback genesis: %w", resetErr)
		}
		return err
	}
	root, err := n.commit(parentRoot)
	if err != nil {
		return err
	}
	n.logger.Info("genesis state applied",
		"root", root.Hex(),
		"pools", spec.Pools,
		"genesisTime", spec.GenesisTimestamp().Format(time.RFC3339),
	)
	return nil
}

// loadEngineConfig rehydrates the engine parameters and treasury address
// recorded at genesis.
func (n *Node) loadEngineConfig() error {
	manager := state.NewManager(n.trie)
	params, ok, err := manager.RewardsParams()
	if err != nil {
		return fmt.Errorf("core: load engine params: %w", err)
	}
	if !ok {
		params = rewards.DefaultParams()
	}
	n.params = params
	treasury, ok, err := manager.RewardsTreasury()
	if err != nil {
		return fmt.Errorf("core: load treasury: %w", err)
	}
	if !ok {
		return fmt.Errorf("core: treasury not recorded in state")
	}
	n.treasury = treasury
	return nil
}

// SetNowFunc overrides the node clock. Nil restores UTC wall time. The clock
// feeds the engine's epoch boundary checks and receipt timestamps.
func (n *Node) SetNowFunc(now func() time.Time) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if now == nil {
		n.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	n.nowFn = now
}

// OnEpochFinalized registers a callback invoked on its own goroutine after a
// finalize or force-finalize transition commits.
func (n *Node) OnEpochFinalized(fn func(epoch uint64)) {
	if fn == nil {
		return
	}
	n.hookMu.Lock()
	n.finalizeHooks = append(n.finalizeHooks, fn)
	n.hookMu.Unlock()
}

type eventCollector struct {
	events []*types.Event
}

type eventWithPayload interface {
	Event() *types.Event
}

func (c *eventCollector) Emit(evt events.Event) {
	if c == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	c.events = append(c.events, event)
}

func (n *Node) newRewardsEngine(manager *state.Manager, emitter events.Emitter) (*rewards.Engine, error) {
	custody := state.RewardsCustodyAddress()
	vault, err := state.NewStateVault(manager, custody[:])
	if err != nil {
		return nil, err
	}
	engine := rewards.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(emitter)
	engine.SetParams(n.params)
	engine.SetPowerSource(manager)
	engine.SetSubsidyOracle(manager)
	engine.SetIdentityDirectory(manager)
	engine.SetVault(vault)
	engine.SetTreasury(n.treasury)
	engine.SetNowFunc(n.nowFn)
	return engine, nil
}

// commit persists the pending trie mutations and advances the tip record.
// Callers hold stateMu.
func (n *Node) commit(parentRoot common.Hash) (common.Hash, error) {
	next := n.transition + 1
	newRoot, err := n.trie.Commit(parentRoot, next)
	if err != nil {
		if resetErr := n.trie.Reset(parentRoot); resetErr != nil {
			return common.Hash{}, fmt.Errorf("core: rollback after failed commit: %w", resetErr)
		}
		return common.Hash{}, fmt.Errorf("core: commit state: %w", err)
	}
	if err := saveTip(n.db, storedTip{Root: newRoot.Bytes(), Transition: next}); err != nil {
		return common.Hash{}, fmt.Errorf("core: persist tip: %w", err)
	}
	n.transition = next
	return newRoot, nil
}

// withRewardsMutation runs one engine call as an atomic state transition:
// engine failure or commit failure rolls the trie back to the parent root and
// nothing is published.
func (n *Node) withRewardsMutation(fn func(*rewards.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	parentRoot := n.trie.Root()
	manager := state.NewManager(n.trie)
	collector := &eventCollector{}
	engine, err := n.newRewardsEngine(manager, collector)
	if err != nil {
		return err
	}
	if err := fn(engine); err != nil {
		if resetErr := n.trie.Reset(parentRoot); resetErr != nil {
			return fmt.Errorf("core: rollback after failed transition: %w", resetErr)
		}
		return err
	}
	if _, err := n.commit(parentRoot); err != nil {
		return err
	}
	n.afterCommit(manager, collector.events)
	return nil
}

// withStateMutation is the engine-less variant for oracle imports and other
// direct manager writes.
func (n *Node) withStateMutation(fn func(*state.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	parentRoot := n.trie.Root()
	manager := state.NewManager(n.trie)
	if err := fn(manager); err != nil {
		if resetErr := n.trie.Reset(parentRoot); resetErr != nil {
			return fmt.Errorf("core: rollback after failed transition: %w", resetErr)
		}
		return err
	}
	if _, err := n.commit(parentRoot); err != nil {
		return err
	}
	return nil
}

// afterCommit publishes collected events, appends settlement receipts, and
// fires finalize hooks. The transition is already durable; failures here are
// logged, not surfaced.
func (n *Node) afterCommit(manager *state.Manager, collected []*types.Event) {
	if len(collected) == 0 {
		return
	}
	now := n.nowFn()
	for _, evt := range collected {
		n.stream.Publish(evt, now.Unix())
		n.recordTelemetry(evt)
	}
	if err := n.appendReceipts(manager, collected, now); err != nil {
		n.logger.Error("append settlement receipts", "error", err)
	}
	n.notifyFinalized(collected)
}

func (n *Node) recordTelemetry(evt *types.Event) {
	if evt == nil {
		return
	}
	observability.Events().RecordSettlementEvent(evt.Type)
	switch evt.Type {
	case rewards.EventTypeEpochFinalized, rewards.EventTypeEpochForceFinalized:
		epoch, _ := attrUint(evt.Attributes, "epoch")
		n.telemetry.ObserveEpochFinalized(epoch, attrFloat(evt.Attributes, "rewards"), attrFloat(evt.Attributes, "subsidies"))
		if next, ok := attrUint(evt.Attributes, "nextEpoch"); ok {
			n.telemetry.SetCurrentEpoch(next)
		}
	case rewards.EventTypePersonalClaim:
		n.telemetry.ObserveClaim("personal")
	case rewards.EventTypeDelegatedClaim:
		n.telemetry.ObserveClaim("delegated")
	case rewards.EventTypeFeesClaimed:
		n.telemetry.ObserveClaim("delegate_fee")
	case rewards.EventTypeSubsidyClaim:
		n.telemetry.ObserveClaim("subsidy")
	case rewards.EventTypePendingClaimed:
		n.telemetry.ObserveClaim("pending")
	case rewards.EventTypeRewardsSwept:
		n.telemetry.ObserveSweep("rewards")
	case rewards.EventTypeSubsidiesSwept:
		n.telemetry.ObserveSweep("subsidies")
	case rewards.EventTypeRegistrationFeesSwept:
		n.telemetry.ObserveSweep("registration_fees")
	case rewards.EventTypeEmergencyExit:
		n.telemetry.ObserveSweep("emergency_exit")
	}
}

func attrFloat(attrs map[string]string, key string) float64 {
	value, ok := attrBig(attrs, key)
	if !ok {
		return 0
	}
	parsed, _ := new(big.Float).SetInt(value).Float64()
	return parsed
}

func (n *Node) notifyFinalized(collected []*types.Event) {
	for _, evt := range collected {
		if evt == nil {
			continue
		}
		if evt.Type != rewards.EventTypeEpochFinalized && evt.Type != rewards.EventTypeEpochForceFinalized {
			continue
		}
		epoch, ok := attrUint(evt.Attributes, "epoch")
		if !ok {
			continue
		}
		n.hookMu.RLock()
		hooks := make([]func(uint64), len(n.finalizeHooks))
		copy(hooks, n.finalizeHooks)
		n.hookMu.RUnlock()
		for _, hook := range hooks {
			go hook(epoch)
		}
	}
}

func attrUint(attrs map[string]string, key string) (uint64, bool) {
	parsed, err := strconv.ParseUint(attrs[key], 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func attrAccount(attrs map[string]string, key string) ([20]byte, bool) {
	var out [20]byte
	raw, err := hex.DecodeString(attrs[key])
	if err != nil || len(raw) != len(out) {
		return out, false
	}
	copy(out[:], raw)
	return out, true
}

func attrBig(attrs map[string]string, key string) (*big.Int, bool) {
	value, ok := new(big.Int).SetString(attrs[key], 10)
	if !ok || value.Sign() < 0 {
		return nil, false
	}
	return value, true
}

func (n *Node) treasuryAccount() [20]byte {
	var out [20]byte
	copy(out[:], n.treasury)
	return out
}

// receiptForEvent maps a settlement event onto an audit entry. The boolean
// marks kinds keyed by the current epoch, whose amounts accumulate across
// repeated payouts within that epoch.
func (n *Node) receiptForEvent(evt *types.Event, currentEpoch uint64) (*audit.Entry, bool) {
	attrs := evt.Attributes
	switch evt.Type {
	case rewards.EventTypePersonalClaim:
		epoch, okEpoch := attrUint(attrs, "epoch")
		pool, okPool := attrUint(attrs, "pool")
		account, okAccount := attrAccount(attrs, "claimer")
		amount, okAmount := attrBig(attrs, "amount")
		if !okEpoch || !okPool || !okAccount || !okAmount {
			return nil, false
		}
		return &audit.Entry{Epoch: epoch, Pool: pool, Kind: audit.KindPersonal, Account: account, Amount: amount}, false
	case rewards.EventTypeDelegatedClaim:
		epoch, okEpoch := attrUint(attrs, "epoch")
		pool, okPool := attrUint(attrs, "pool")
		delegator, okDelegator := attrAccount(attrs, "delegator")
		delegate, okDelegate := attrAccount(attrs, "delegate")
		net, okNet := attrBig(attrs, "net")
		if !okEpoch || !okPool || !okDelegator || !okDelegate || !okNet {
			return nil, false
		}
		return &audit.Entry{Epoch: epoch, Pool: pool, Kind: audit.KindDelegated, Account: delegator, Counterparty: delegate, Amount: net}, false
	case rewards.EventTypeFeesClaimed:
		delegate, okDelegate := attrAccount(attrs, "delegate")
		amount, okAmount := attrBig(attrs, "amount")
		if !okDelegate || !okAmount {
			return nil, false
		}
		return &audit.Entry{Epoch: currentEpoch, Kind: audit.KindDelegateFee, Account: delegate, Amount: amount}, true
	case rewards.EventTypeSubsidyClaim:
		epoch, okEpoch := attrUint(attrs, "epoch")
		pool, okPool := attrUint(attrs, "pool")
		manager, okManager := attrAccount(attrs, "assetManager")
		verifier, okVerifier := attrAccount(attrs, "verifier")
		amount, okAmount := attrBig(attrs, "amount")
		if !okEpoch || !okPool || !okManager || !okVerifier || !okAmount {
			return nil, false
		}
		return &audit.Entry{Epoch: epoch, Pool: pool, Kind: audit.KindSubsidy, Account: manager, Counterparty: verifier, Amount: amount}, false
	case rewards.EventTypePendingClaimed:
		recipient, okRecipient := attrAccount(attrs, "recipient")
		amount, okAmount := attrBig(attrs, "amount")
		if !okRecipient || !okAmount {
			return nil, false
		}
		return &audit.Entry{Epoch: currentEpoch, Kind: audit.KindPendingRedeemed, Account: recipient, Amount: amount}, true
	case rewards.EventTypeRewardsSwept:
		epoch, okEpoch := attrUint(attrs, "epoch")
		amount, okAmount := attrBig(attrs, "amount")
		if !okEpoch || !okAmount {
			return nil, false
		}
		return &audit.Entry{Epoch: epoch, Kind: audit.KindSweepRewards, Account: n.treasuryAccount(), Amount: amount}, false
	case rewards.EventTypeSubsidiesSwept:
		epoch, okEpoch := attrUint(attrs, "epoch")
		amount, okAmount := attrBig(attrs, "amount")
		if !okEpoch || !okAmount {
			return nil, false
		}
		return &audit.Entry{Epoch: epoch, Kind: audit.KindSweepSubsidies, Account: n.treasuryAccount(), Amount: amount}, false
	case rewards.EventTypeRegistrationFeesSwept:
		amount, okAmount := attrBig(attrs, "amount")
		if !okAmount {
			return nil, false
		}
		return &audit.Entry{Epoch: currentEpoch, Kind: audit.KindFeeWithdrawal, Account: n.treasuryAccount(), Amount: amount}, true
	case rewards.EventTypeEmergencyExit:
		caller, okCaller := attrAccount(attrs, "caller")
		amount, okAmount := attrBig(attrs, "amount")
		if !okCaller || !okAmount {
			return nil, false
		}
		return &audit.Entry{Epoch: currentEpoch, Kind: audit.KindEmergencyExit, Account: n.treasuryAccount(), Counterparty: caller, Amount: amount}, true
	}
	return nil, false
}

func (n *Node) appendReceipts(manager *state.Manager, collected []*types.Event, now time.Time) error {
	currentEpoch := uint64(1)
	if globals, err := manager.RewardsGlobals(); err == nil && globals != nil {
		currentEpoch = globals.CurrentEpoch
	}
	for _, evt := range collected {
		if evt == nil {
			continue
		}
		entry, accumulate := n.receiptForEvent(evt, currentEpoch)
		if entry == nil {
			continue
		}
		entry.RecordedAt = now
		if accumulate {
			existing, ok, err := n.receipts.Get(entry.Epoch, entry.Pool, entry.Kind, entry.Account)
			if err != nil {
				return err
			}
			if ok {
				entry.Amount = new(big.Int).Add(existing.Amount, entry.Amount)
				entry.Reference = existing.Reference
				entry.RecordedAt = existing.RecordedAt
			}
		}
		if err := n.receipts.Put(entry); err != nil {
			return err
		}
	}
	return nil
}

// --- Epoch lifecycle ---

func (n *Node) RewardsEndEpoch(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.EndEpoch(caller)
	})
}

func (n *Node) RewardsProcessVerifierChecks(caller []byte, allCleared bool, toBlock [][]byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.ProcessVerifierChecks(caller, allCleared, toBlock)
	})
}

func (n *Node) RewardsProcessPools(caller []byte, pools []uint64, rewardAmounts, subsidyAmounts []*big.Int) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.ProcessRewardsAndSubsidies(caller, pools, rewardAmounts, subsidyAmounts)
	})
}

func (n *Node) RewardsFinalizeEpoch(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.FinalizeEpoch(caller)
	})
}

func (n *Node) RewardsForceFinalizeEpoch(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.ForceFinalizeEpoch(caller)
	})
}

// --- Pools and voting ---

func (n *Node) RewardsCreatePool(caller []byte) (uint64, error) {
	var id uint64
	err := n.withRewardsMutation(func(engine *rewards.Engine) error {
		created, err := engine.CreatePool(caller)
		if err != nil {
			return err
		}
		id = created
		return nil
	})
	return id, err
}

func (n *Node) RewardsRetirePool(caller []byte, id uint64) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.RetirePool(caller, id)
	})
}

func (n *Node) RewardsVote(caller []byte, pools []uint64, amounts []*big.Int, delegated bool) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.Vote(caller, pools, amounts, delegated)
	})
}

func (n *Node) RewardsMigrateVotes(caller []byte, fromPools, toPools []uint64, amounts []*big.Int, delegated bool) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.MigrateVotes(caller, fromPools, toPools, amounts, delegated)
	})
}

// --- Delegation ---

func (n *Node) RewardsRegisterDelegate(caller []byte, feeBps uint32, payment *big.Int) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.RegisterAsDelegate(caller, feeBps, payment)
	})
}

func (n *Node) RewardsUpdateDelegateFee(caller []byte, feeBps uint32) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.UpdateDelegateFee(caller, feeBps)
	})
}

func (n *Node) RewardsUnregisterDelegate(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.UnregisterAsDelegate(caller)
	})
}

// --- Claims ---

func (n *Node) RewardsClaimPersonal(caller []byte, epoch uint64, pools []uint64) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.ClaimPersonalRewards(caller, epoch, pools)
	})
}

func (n *Node) RewardsClaimDelegated(caller []byte, epoch uint64, delegates [][]byte, poolsPerDelegate [][]uint64) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.ClaimDelegatedRewards(caller, epoch, delegates, poolsPerDelegate)
	})
}

func (n *Node) RewardsClaimFees(caller []byte, epoch uint64, delegators [][]byte, poolsPerDelegator [][]uint64) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.ClaimDelegationFees(caller, epoch, delegators, poolsPerDelegator)
	})
}

func (n *Node) RewardsClaimSubsidies(caller []byte, epoch uint64, verifier []byte, pools []uint64) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.ClaimSubsidies(caller, epoch, verifier, pools)
	})
}

func (n *Node) RewardsClaimPendingPayout(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.ClaimPendingPayout(caller)
	})
}

// --- Treasury sweeps and risk controls ---

func (n *Node) RewardsWithdrawUnclaimedRewards(caller []byte, epoch uint64) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.WithdrawUnclaimedRewards(caller, epoch)
	})
}

func (n *Node) RewardsWithdrawUnclaimedSubsidies(caller []byte, epoch uint64) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.WithdrawUnclaimedSubsidies(caller, epoch)
	})
}

func (n *Node) RewardsWithdrawRegistrationFees(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.WithdrawRegistrationFees(caller)
	})
}

func (n *Node) RewardsPause(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.Pause(caller)
	})
}

func (n *Node) RewardsUnpause(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.Unpause(caller)
	})
}

func (n *Node) RewardsFreeze(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.Freeze(caller)
	})
}

func (n *Node) RewardsEmergencyExit(caller []byte) error {
	return n.withRewardsMutation(func(engine *rewards.Engine) error {
		return engine.EmergencyExit(caller)
	})
}

// --- Oracle imports ---

// PowerImport seeds one address's personal voting-power ceiling for an epoch.
type PowerImport struct {
	Address []byte
	Power   *big.Int
}

// DelegatorBalance is one delegator's contribution behind a delegate's
// aggregate power.
type DelegatorBalance struct {
	Delegator []byte
	Balance   *big.Int
}

// DelegatedPowerImport seeds a delegate's aggregate power plus the balances
// backing it.
type DelegatedPowerImport struct {
	Delegate []byte
	Power    *big.Int
	Balances []DelegatorBalance
}

// UsageImport seeds a verifier's accrued fee-collection usage in a pool.
type UsageImport struct {
	Verifier []byte
	Accrued  *big.Int
}

func requireAdmin(manager *state.Manager, caller []byte) error {
	if !manager.HasRole(rewards.RoleGlobalAdmin, caller) {
		return rewards.ErrUnauthorized
	}
	return nil
}

// RewardsImportEpochPower records the externally reported voting-power
// ceilings for an epoch.
func (n *Node) RewardsImportEpochPower(caller []byte, epoch uint64, personal []PowerImport, delegated []DelegatedPowerImport) error {
	return n.withStateMutation(func(manager *state.Manager) error {
		if err := requireAdmin(manager, caller); err != nil {
			return err
		}
		for _, record := range personal {
			if err := manager.ImportPersonalPower(epoch, record.Address, record.Power); err != nil {
				return err
			}
		}
		for _, record := range delegated {
			if err := manager.ImportDelegatedPower(epoch, record.Delegate, record.Power); err != nil {
				return err
			}
			for _, balance := range record.Balances {
				if err := manager.ImportDelegatedBalance(epoch, record.Delegate, balance.Delegator, balance.Balance); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// RewardsImportPoolUsage records per-verifier accrued usage for a pool epoch
// together with the pool-wide total.
func (n *Node) RewardsImportPoolUsage(caller []byte, epoch, pool uint64, entries []UsageImport, total *big.Int) error {
	return n.withStateMutation(func(manager *state.Manager) error {
		if err := requireAdmin(manager, caller); err != nil {
			return err
		}
		for _, record := range entries {
			if err := manager.ImportPoolUsage(epoch, pool, record.Verifier, record.Accrued); err != nil {
				return err
			}
		}
		if total != nil {
			if err := manager.ImportPoolUsageTotal(epoch, pool, total); err != nil {
				return err
			}
		}
		return nil
	})
}

// RewardsSetVerifierManager binds a verifier to the asset manager allowed to
// claim its subsidies.
func (n *Node) RewardsSetVerifierManager(caller []byte, verifier, manager []byte) error {
	return n.withStateMutation(func(m *state.Manager) error {
		if err := requireAdmin(m, caller); err != nil {
			return err
		}
		return m.SetVerifierAssetManager(verifier, manager)
	})
}

// --- Queries ---

func (n *Node) RewardsGlobals() (*rewards.Globals, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	return manager.RewardsGlobals()
}

func (n *Node) RewardsEpoch(id uint64) (*rewards.Epoch, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	ep, ok, err := manager.RewardsEpoch(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rewards.ErrEpochNotFound
	}
	return ep, nil
}

func (n *Node) RewardsCurrentEpoch() (*rewards.Epoch, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	globals, err := manager.RewardsGlobals()
	if err != nil {
		return nil, err
	}
	if globals == nil {
		return nil, rewards.ErrEpochNotFound
	}
	ep, ok, err := manager.RewardsEpoch(globals.CurrentEpoch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rewards.ErrEpochNotFound
	}
	return ep, nil
}

func (n *Node) RewardsPool(id uint64) (*rewards.Pool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	pool, ok, err := manager.RewardsPool(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rewards.ErrPoolNotFound
	}
	return pool, nil
}

func (n *Node) RewardsActivePools() ([]uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	return manager.RewardsActivePools()
}

func (n *Node) RewardsPoolEpoch(epoch, pool uint64) (*rewards.PoolEpoch, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	pe, ok, err := manager.RewardsPoolEpoch(epoch, pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rewards.ErrPoolNotInSnapshot
	}
	return pe, nil
}

func (n *Node) RewardsDelegate(addr []byte) (*rewards.Delegate, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	delegate, ok, err := manager.RewardsDelegate(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rewards.ErrNotDelegate
	}
	return delegate, nil
}

func (n *Node) RewardsPendingPayout(addr []byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	return manager.RewardsPendingPayout(addr)
}

// RewardsVoteAccount reports an address's committed vote kind and total spend
// for an epoch. Addresses that have not voted get an unset zero-spend account.
func (n *Node) RewardsVoteAccount(epoch uint64, addr []byte) (*rewards.VoteAccount, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	acct, ok, err := manager.RewardsVoteAccount(epoch, addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &rewards.VoteAccount{Spent: new(big.Int)}, nil
	}
	return acct, nil
}

func (n *Node) Balance(addr []byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.trie)
	return manager.Balance(addr)
}

// CustodyAddress returns the module account holding undistributed allocations.
func (n *Node) CustodyAddress() [20]byte {
	return state.RewardsCustodyAddress()
}

func (n *Node) CustodyBalance() (*big.Int, error) {
	custody := state.RewardsCustodyAddress()
	return n.Balance(custody[:])
}

// Treasury returns the protocol treasury address recorded at genesis.
func (n *Node) Treasury() []byte {
	return append([]byte(nil), n.treasury...)
}

// Params returns the engine parameters recorded at genesis.
func (n *Node) Params() rewards.Params {
	p := n.params
	if p.RegistrationFee != nil {
		p.RegistrationFee = new(big.Int).Set(p.RegistrationFee)
	}
	return p
}

// StateRoot returns the last committed state root.
func (n *Node) StateRoot() []byte {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	root := n.trie.Root()
	return root.Bytes()
}

// TransitionCount reports how many state transitions have committed.
func (n *Node) TransitionCount() uint64 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.transition
}

// AuditLedger exposes the receipt ledger consumed by the exporter and the
// audit RPC surface.
func (n *Node) AuditLedger() *audit.Ledger {
	return n.receipts
}

// AuditList pages through settlement receipts.
func (n *Node) AuditList(filter audit.Filter) ([]*audit.Entry, string, error) {
	return n.receipts.List(filter)
}

// SubscribeEvents registers a settlement event consumer resuming after the
// supplied cursor.
func (n *Node) SubscribeEvents(ctx context.Context, cursor string) (<-chan StreamUpdate, func(), []StreamUpdate, error) {
	return n.stream.Subscribe(ctx, cursor)
}
