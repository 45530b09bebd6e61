package genesis

import (
	"fmt"
	"sort"

	"meridian/core/state"
	"meridian/core/types"
	"meridian/native/rewards"
)

// Apply writes a validated spec into a freshly initialised state. Committing
// the trie afterwards is the caller's responsibility.
func Apply(manager *state.Manager, spec *Spec) error {
	if manager == nil {
		return fmt.Errorf("genesis: state manager must not be nil")
	}
	if spec == nil {
		return fmt.Errorf("genesis: spec must not be nil")
	}
	if err := manager.SetStateVersion(state.StateVersion); err != nil {
		return fmt.Errorf("genesis: record state version: %w", err)
	}
	if err := manager.EnsureRewardsGenesis(uint64(spec.GenesisTimestamp().Unix())); err != nil {
		return fmt.Errorf("genesis: seed rewards state: %w", err)
	}
	if err := manager.RewardsSetParams(spec.EngineParams()); err != nil {
		return fmt.Errorf("genesis: record engine params: %w", err)
	}
	treasury := spec.TreasuryAddress()
	if err := manager.RewardsSetTreasury(treasury[:]); err != nil {
		return fmt.Errorf("genesis: record treasury: %w", err)
	}
	if err := applyRoles(manager, spec); err != nil {
		return err
	}
	if err := applyAllocations(manager, spec); err != nil {
		return err
	}
	return applyPools(manager, spec)
}

func applyRoles(manager *state.Manager, spec *Spec) error {
	members := spec.RoleMembers()
	roles := make([]string, 0, len(members))
	for role := range members {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		for _, addr := range members[role] {
			account := addr
			if err := manager.SetRole(role, account[:]); err != nil {
				return fmt.Errorf("genesis: grant role %s: %w", role, err)
			}
		}
	}
	return nil
}

func applyAllocations(manager *state.Manager, spec *Spec) error {
	allocs := spec.Allocations()
	accounts := make([][20]byte, 0, len(allocs))
	for addr := range allocs {
		accounts = append(accounts, addr)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return string(accounts[i][:]) < string(accounts[j][:])
	})
	for _, addr := range accounts {
		account := addr
		record := &types.Account{Balance: allocs[addr]}
		if err := manager.PutAccount(account[:], record); err != nil {
			return fmt.Errorf("genesis: allocate balance: %w", err)
		}
	}
	return nil
}

func applyPools(manager *state.Manager, spec *Spec) error {
	if spec.Pools == 0 {
		return nil
	}
	globals, err := manager.RewardsGlobals()
	if err != nil {
		return fmt.Errorf("genesis: load globals: %w", err)
	}
	if globals == nil {
		return fmt.Errorf("genesis: rewards state not seeded")
	}
	active, err := manager.RewardsActivePools()
	if err != nil {
		return fmt.Errorf("genesis: load active pools: %w", err)
	}
	for i := uint32(0); i < spec.Pools; i++ {
		globals.PoolCount++
		id := globals.PoolCount
		if err := manager.RewardsPutPool(&rewards.Pool{ID: id, Active: true}); err != nil {
			return fmt.Errorf("genesis: create pool %d: %w", id, err)
		}
		active = append(active, id)
	}
	if err := manager.RewardsSetActivePools(active); err != nil {
		return fmt.Errorf("genesis: store active pools: %w", err)
	}
	if err := manager.RewardsSetGlobals(globals); err != nil {
		return fmt.Errorf("genesis: store globals: %w", err)
	}
	return nil
}
