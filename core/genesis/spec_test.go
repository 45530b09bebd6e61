package genesis

import (
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"meridian/core/state"
	"meridian/crypto"
	"meridian/native/rewards"
	"meridian/storage"
	"meridian/storage/trie"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func encodeAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.MRDPrefix, addr[:]).String()
}

func validSpecYAML() string {
	treasury := encodeAddress(testAddress(0xF1))
	admin := encodeAddress(testAddress(0xA1))
	cron := encodeAddress(testAddress(0xC1))
	holder := encodeAddress(testAddress(0x11))
	return fmt.Sprintf(`genesisTime: "2026-01-01T00:00:00Z"
treasury: %s
params:
  epochDurationSeconds: 3600
  maxDelegateFeeBps: 2500
  registrationFee: "250"
roles:
  ROLE_GLOBAL_ADMIN:
    - %s
  ROLE_CRON:
    - %s
pools: 3
alloc:
  %s: "1000000"
`, treasury, admin, cron, holder)
}

func TestParseSpec(t *testing.T) {
	spec, err := Parse([]byte(validSpecYAML()))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	wantTime := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	if !spec.GenesisTimestamp().Equal(wantTime) {
		t.Fatalf("unexpected genesis time: %s", spec.GenesisTimestamp())
	}
	if spec.TreasuryAddress() != testAddress(0xF1) {
		t.Fatalf("unexpected treasury address")
	}
	params := spec.EngineParams()
	if params.EpochDuration != 3600 {
		t.Fatalf("unexpected epoch duration: %d", params.EpochDuration)
	}
	if params.MaxDelegateFeeBps != 2500 {
		t.Fatalf("unexpected max fee: %d", params.MaxDelegateFeeBps)
	}
	if params.RegistrationFee.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("unexpected registration fee: %s", params.RegistrationFee)
	}
	if params.SweepDelayEpochs != rewards.DefaultParams().SweepDelayEpochs {
		t.Fatalf("sweep delay should keep default: %d", params.SweepDelayEpochs)
	}
	members := spec.RoleMembers()
	admins := members[rewards.RoleGlobalAdmin]
	if len(admins) != 1 || admins[0] != testAddress(0xA1) {
		t.Fatalf("unexpected admin members: %v", admins)
	}
	crons := members[rewards.RoleCron]
	if len(crons) != 1 || crons[0] != testAddress(0xC1) {
		t.Fatalf("unexpected cron members: %v", crons)
	}
	if spec.Pools != 3 {
		t.Fatalf("unexpected pool count: %d", spec.Pools)
	}
	allocs := spec.Allocations()
	balance, ok := allocs[testAddress(0x11)]
	if !ok || balance.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected allocation: %v", allocs)
	}
}

func TestParseSpecDefaultsParams(t *testing.T) {
	raw := fmt.Sprintf("genesisTime: \"2026-01-01T00:00:00Z\"\ntreasury: %s\n", encodeAddress(testAddress(0xF1)))
	spec, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	defaults := rewards.DefaultParams()
	params := spec.EngineParams()
	if params.EpochDuration != defaults.EpochDuration {
		t.Fatalf("unexpected epoch duration: %d", params.EpochDuration)
	}
	if params.RegistrationFee.Sign() != 0 {
		t.Fatalf("unexpected registration fee: %s", params.RegistrationFee)
	}
}

func TestParseSpecRejects(t *testing.T) {
	treasury := encodeAddress(testAddress(0xF1))
	admin := encodeAddress(testAddress(0xA1))
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "unknown field",
			raw:  fmt.Sprintf("genesisTime: \"2026-01-01T00:00:00Z\"\ntreasury: %s\nchainName: meridian\n", treasury),
			want: "field chainName not found",
		},
		{
			name: "missing genesis time",
			raw:  fmt.Sprintf("treasury: %s\n", treasury),
			want: "genesisTime must be provided",
		},
		{
			name: "malformed genesis time",
			raw:  fmt.Sprintf("genesisTime: \"yesterday\"\ntreasury: %s\n", treasury),
			want: "genesisTime",
		},
		{
			name: "missing treasury",
			raw:  "genesisTime: \"2026-01-01T00:00:00Z\"\n",
			want: "treasury",
		},
		{
			name: "unknown role",
			raw:  fmt.Sprintf("genesisTime: \"2026-01-01T00:00:00Z\"\ntreasury: %s\nroles:\n  ROLE_JANITOR:\n    - %s\n", treasury, admin),
			want: "unknown role",
		},
		{
			name: "duplicate role member",
			raw:  fmt.Sprintf("genesisTime: \"2026-01-01T00:00:00Z\"\ntreasury: %s\nroles:\n  ROLE_CRON:\n    - %s\n    - %s\n", treasury, admin, admin),
			want: "duplicate address",
		},
		{
			name: "malformed address",
			raw:  fmt.Sprintf("genesisTime: \"2026-01-01T00:00:00Z\"\ntreasury: %s\nalloc:\n  nhb1qqqq: \"5\"\n", treasury),
			want: "alloc",
		},
		{
			name: "negative allocation",
			raw:  fmt.Sprintf("genesisTime: \"2026-01-01T00:00:00Z\"\ntreasury: %s\nalloc:\n  %s: \"-5\"\n", treasury, admin),
			want: "must not be negative",
		},
		{
			name: "fee above denominator",
			raw:  fmt.Sprintf("genesisTime: \"2026-01-01T00:00:00Z\"\ntreasury: %s\nparams:\n  maxDelegateFeeBps: 10001\n", treasury),
			want: "exceeds denominator",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func newTestManager(t *testing.T) *state.Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })
	tr, err := trie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	return state.NewManager(tr)
}

func TestApply(t *testing.T) {
	spec, err := Parse([]byte(validSpecYAML()))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	manager := newTestManager(t)
	if err := Apply(manager, spec); err != nil {
		t.Fatalf("apply: %v", err)
	}

	version, ok, err := manager.StateVersion()
	if err != nil || !ok {
		t.Fatalf("state version missing: ok=%v err=%v", ok, err)
	}
	if version != state.StateVersion {
		t.Fatalf("unexpected state version: %d", version)
	}

	globals, err := manager.RewardsGlobals()
	if err != nil {
		t.Fatalf("load globals: %v", err)
	}
	if globals == nil || globals.CurrentEpoch != 1 {
		t.Fatalf("unexpected globals: %+v", globals)
	}
	if globals.PoolCount != 3 {
		t.Fatalf("unexpected pool count: %d", globals.PoolCount)
	}

	epoch, ok, err := manager.RewardsEpoch(1)
	if err != nil || !ok {
		t.Fatalf("epoch one missing: ok=%v err=%v", ok, err)
	}
	if epoch.Status != rewards.EpochVoting {
		t.Fatalf("unexpected epoch status: %s", epoch.Status)
	}
	if epoch.StartTime != uint64(spec.GenesisTimestamp().Unix()) {
		t.Fatalf("unexpected epoch start: %d", epoch.StartTime)
	}

	active, err := manager.RewardsActivePools()
	if err != nil {
		t.Fatalf("load active pools: %v", err)
	}
	if len(active) != 3 || active[0] != 1 || active[2] != 3 {
		t.Fatalf("unexpected active pools: %v", active)
	}
	pool, ok, err := manager.RewardsPool(2)
	if err != nil || !ok {
		t.Fatalf("pool two missing: ok=%v err=%v", ok, err)
	}
	if !pool.Active {
		t.Fatalf("pool two should be active")
	}

	admin := testAddress(0xA1)
	if !manager.HasRole(rewards.RoleGlobalAdmin, admin[:]) {
		t.Fatalf("admin role not granted")
	}
	cron := testAddress(0xC1)
	if !manager.HasRole(rewards.RoleCron, cron[:]) {
		t.Fatalf("cron role not granted")
	}
	if manager.HasRole(rewards.RoleMonitor, admin[:]) {
		t.Fatalf("unexpected monitor grant")
	}

	holder := testAddress(0x11)
	balance, err := manager.Balance(holder[:])
	if err != nil {
		t.Fatalf("load balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected balance: %s", balance)
	}

	storedParams, ok, err := manager.RewardsParams()
	if err != nil || !ok {
		t.Fatalf("stored params missing: ok=%v err=%v", ok, err)
	}
	if storedParams.EpochDuration != 3600 || storedParams.RegistrationFee.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("unexpected stored params: %+v", storedParams)
	}
	treasuryBytes, ok, err := manager.RewardsTreasury()
	if err != nil || !ok {
		t.Fatalf("stored treasury missing: ok=%v err=%v", ok, err)
	}
	want := testAddress(0xF1)
	if string(treasuryBytes) != string(want[:]) {
		t.Fatalf("unexpected stored treasury: %x", treasuryBytes)
	}
}

func TestApplyIsIdempotentForRewardsState(t *testing.T) {
	spec, err := Parse([]byte(validSpecYAML()))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	manager := newTestManager(t)
	if err := Apply(manager, spec); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	globals, err := manager.RewardsGlobals()
	if err != nil {
		t.Fatalf("load globals: %v", err)
	}
	globals.CurrentEpoch = 7
	if err := manager.RewardsSetGlobals(globals); err != nil {
		t.Fatalf("store globals: %v", err)
	}
	if err := manager.EnsureRewardsGenesis(uint64(spec.GenesisTimestamp().Unix())); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	reloaded, err := manager.RewardsGlobals()
	if err != nil {
		t.Fatalf("reload globals: %v", err)
	}
	if reloaded.CurrentEpoch != 7 {
		t.Fatalf("genesis re-seed clobbered globals: %+v", reloaded)
	}
}
