package rewards

import (
	"errors"
	"math/big"
	"testing"
)

// settle runs the full pipeline for the current epoch over a single pool and
// returns the settled epoch id.
func (env *testEnv) settle(t *testing.T, pool uint64, rewards, subsidies int64) uint64 {
	t.Helper()
	epoch := env.currentEpochID()
	env.endEpoch(t)
	env.verifyAll(t)
	env.processPool(t, pool, rewards, subsidies)
	env.finalize(t)
	return epoch
}

func TestPersonalClaimSplitsProRata(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice, bob := addr(0x31), addr(0x32)
	env.power.setPersonal(1, alice, 1000)
	env.power.setPersonal(1, bob, 1000)
	env.vote(t, alice, pool, 300, false)
	env.vote(t, bob, pool, 700, false)
	epoch := env.settle(t, pool, 100, 0)

	if err := env.engine.ClaimPersonalRewards(alice, epoch, []uint64{pool}); err != nil {
		t.Fatalf("alice claim: %v", err)
	}
	if err := env.engine.ClaimPersonalRewards(bob, epoch, []uint64{pool}); err != nil {
		t.Fatalf("bob claim: %v", err)
	}
	if got := env.vault.paidTo(alice); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("alice paid %s, want 30", got)
	}
	if got := env.vault.paidTo(bob); got.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("bob paid %s, want 70", got)
	}

	err := env.engine.ClaimPersonalRewards(alice, epoch, []uint64{pool})
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on repeat, got %v", err)
	}

	pe, _, _ := env.state.RewardsPoolEpoch(epoch, pool)
	if pe.RewardsClaimed.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("pool claimed %s, want 100", pe.RewardsClaimed)
	}
	if env.state.globals.TotalClaimed.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("global claimed %s, want 100", env.state.globals.TotalClaimed)
	}
}

func TestPersonalClaimFloorsTowardPool(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice, bob := addr(0x31), addr(0x32)
	env.power.setPersonal(1, alice, 1000)
	env.power.setPersonal(1, bob, 1000)
	env.vote(t, alice, pool, 333, false)
	env.vote(t, bob, pool, 667, false)
	epoch := env.settle(t, pool, 10, 0)

	if err := env.engine.ClaimPersonalRewards(alice, epoch, []uint64{pool}); err != nil {
		t.Fatalf("alice claim: %v", err)
	}
	if err := env.engine.ClaimPersonalRewards(bob, epoch, []uint64{pool}); err != nil {
		t.Fatalf("bob claim: %v", err)
	}
	// 10*333/1000 floors to 3 and 10*667/1000 to 6; the dust stays behind
	// for the sweep.
	if got := env.vault.paidTo(alice); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("alice paid %s, want 3", got)
	}
	if got := env.vault.paidTo(bob); got.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("bob paid %s, want 6", got)
	}
	pe, _, _ := env.state.RewardsPoolEpoch(epoch, pool)
	if pe.RewardsClaimed.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("pool claimed %s, want 9", pe.RewardsClaimed)
	}
}

func TestPersonalClaimGuards(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)

	err := env.engine.ClaimPersonalRewards(alice, 1, []uint64{pool})
	if !errors.Is(err, ErrEpochNotFinalized) {
		t.Fatalf("claim before finalize: %v", err)
	}

	epoch := env.settle(t, pool, 100, 0)
	err = env.engine.ClaimPersonalRewards(alice, epoch, []uint64{pool, pool})
	if !errors.Is(err, ErrDuplicatePool) {
		t.Fatalf("duplicate pool: %v", err)
	}
	err = env.engine.ClaimPersonalRewards(addr(0x33), epoch, []uint64{pool})
	if !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("non-voter claim: %v", err)
	}
}

func TestPersonalClaimRejectsDelegatedAccount(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	delegate := addr(0x20)
	env.register(t, delegate, 1_000)
	env.power.setDelegated(1, delegate, 1000)
	env.vote(t, delegate, pool, 500, true)
	epoch := env.settle(t, pool, 100, 0)

	err := env.engine.ClaimPersonalRewards(delegate, epoch, []uint64{pool})
	if !errors.Is(err, ErrVoteKindMismatch) {
		t.Fatalf("expected ErrVoteKindMismatch, got %v", err)
	}
}

func TestClaimRejectsForceFinalizedEpoch(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)
	env.forceAdvance(t)

	err := env.engine.ClaimPersonalRewards(alice, 1, []uint64{pool})
	if !errors.Is(err, ErrEpochNotFinalized) {
		t.Fatalf("expected ErrEpochNotFinalized, got %v", err)
	}
}

// seedDelegation wires a delegate at 10% with two delegators holding a
// 600/400 split of its 1000 voting power, votes the full power into a fresh
// pool, and settles the epoch with 100 in rewards.
func seedDelegation(t *testing.T) (*testEnv, uint64, uint64, []byte, []byte, []byte) {
	t.Helper()
	env := newTestEnv(t)
	pool := env.createPool(t)
	delegate, d1, d2 := addr(0x20), addr(0x41), addr(0x42)
	env.register(t, delegate, 1_000)
	env.power.setDelegated(1, delegate, 1000)
	env.power.setBalance(1, delegate, d1, 600)
	env.power.setBalance(1, delegate, d2, 400)
	env.vote(t, delegate, pool, 1000, true)
	epoch := env.settle(t, pool, 100, 0)
	return env, epoch, pool, delegate, d1, d2
}

func TestDelegatedClaimPaysNetOfFee(t *testing.T) {
	env, epoch, pool, delegate, d1, _ := seedDelegation(t)

	err := env.engine.ClaimDelegatedRewards(d1, epoch, [][]byte{delegate}, [][]uint64{{pool}})
	if err != nil {
		t.Fatalf("delegated claim: %v", err)
	}
	// Slice 60 of the 100 gross, 10% fee of 6 withheld.
	if got := env.vault.paidTo(d1); got.Cmp(big.NewInt(54)) != 0 {
		t.Fatalf("delegator paid %s, want 54", got)
	}
	d, _, _ := env.state.RewardsDelegate(delegate)
	if d.GrossCaptured.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("gross captured %s, want 100", d.GrossCaptured)
	}
	if d.FeesAccrued.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("fees accrued %s, want 6", d.FeesAccrued)
	}

	err = env.engine.ClaimDelegatedRewards(d1, epoch, [][]byte{delegate}, [][]uint64{{pool}})
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on repeat, got %v", err)
	}
}

func TestDelegationFeesSettleRemainingSlices(t *testing.T) {
	env, epoch, pool, delegate, d1, d2 := seedDelegation(t)

	if err := env.engine.ClaimDelegatedRewards(d1, epoch, [][]byte{delegate}, [][]uint64{{pool}}); err != nil {
		t.Fatalf("delegator claim: %v", err)
	}
	err := env.engine.ClaimDelegationFees(delegate, epoch, [][]byte{d1, d2}, [][]uint64{{pool}, {pool}})
	if err != nil {
		t.Fatalf("fee claim: %v", err)
	}
	// d1 already settled and is skipped; d2's slice of 40 nets 36 with fee 4,
	// and the delegate collects the cumulative 6+4.
	if got := env.vault.paidTo(d2); got.Cmp(big.NewInt(36)) != 0 {
		t.Fatalf("second delegator paid %s, want 36", got)
	}
	if got := env.vault.paidTo(delegate); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("delegate paid %s, want 10", got)
	}
	d, _, _ := env.state.RewardsDelegate(delegate)
	if d.FeesAccrued.Sign() != 0 {
		t.Fatalf("fees accrued not drained: %s", d.FeesAccrued)
	}
}

func TestDelegatedClaimOrderConverges(t *testing.T) {
	runA := func() (*testEnv, []byte, []byte, []byte) {
		env, epoch, pool, delegate, d1, d2 := seedDelegation(t)
		if err := env.engine.ClaimDelegatedRewards(d1, epoch, [][]byte{delegate}, [][]uint64{{pool}}); err != nil {
			t.Fatalf("A delegator claim: %v", err)
		}
		if err := env.engine.ClaimDelegationFees(delegate, epoch, [][]byte{d1, d2}, [][]uint64{{pool}, {pool}}); err != nil {
			t.Fatalf("A fee claim: %v", err)
		}
		return env, delegate, d1, d2
	}
	runB := func() (*testEnv, []byte, []byte, []byte) {
		env, epoch, pool, delegate, d1, d2 := seedDelegation(t)
		if err := env.engine.ClaimDelegationFees(delegate, epoch, [][]byte{d1, d2}, [][]uint64{{pool}, {pool}}); err != nil {
			t.Fatalf("B fee claim: %v", err)
		}
		err := env.engine.ClaimDelegatedRewards(d1, epoch, [][]byte{delegate}, [][]uint64{{pool}})
		if !errors.Is(err, ErrAlreadyClaimed) {
			t.Fatalf("B late delegator claim: %v", err)
		}
		return env, delegate, d1, d2
	}

	envA, delegateA, a1, a2 := runA()
	envB, delegateB, b1, b2 := runB()
	pairs := [][2]*big.Int{
		{envA.vault.paidTo(a1), envB.vault.paidTo(b1)},
		{envA.vault.paidTo(a2), envB.vault.paidTo(b2)},
		{envA.vault.paidTo(delegateA), envB.vault.paidTo(delegateB)},
		{envA.state.globals.TotalClaimed, envB.state.globals.TotalClaimed},
	}
	for i, pair := range pairs {
		if pair[0].Cmp(pair[1]) != 0 {
			t.Fatalf("payout %d diverged: %s vs %s", i, pair[0], pair[1])
		}
	}
}

func TestDelegatedClaimRequiresPower(t *testing.T) {
	env, epoch, pool, delegate, _, _ := seedDelegation(t)
	stranger := addr(0x43)

	err := env.engine.ClaimDelegatedRewards(stranger, epoch, [][]byte{delegate}, [][]uint64{{pool}})
	if !errors.Is(err, ErrZeroDelegatedPower) {
		t.Fatalf("expected ErrZeroDelegatedPower, got %v", err)
	}
}

func TestDelegationFeePayoutWithoutSettlement(t *testing.T) {
	env, epoch, _, delegate, _, _ := seedDelegation(t)
	d := env.state.delegates[string(delegate)]
	d.FeesAccrued = big.NewInt(25)

	if err := env.engine.ClaimDelegationFees(delegate, epoch, nil, nil); err != nil {
		t.Fatalf("fee-only claim: %v", err)
	}
	if got := env.vault.paidTo(delegate); got.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("delegate paid %s, want 25", got)
	}
	err := env.engine.ClaimDelegationFees(delegate, epoch, nil, nil)
	if !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim after drain, got %v", err)
	}
}

func TestSubsidyClaimHonorsUsageShare(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)
	epoch := env.settle(t, pool, 0, 40)

	verifier := addr(0x51)
	env.ident.setManager(verifier, managerAddr)
	env.oracle.setUsage(epoch, pool, verifier, 50, 100)

	if err := env.engine.ClaimSubsidies(managerAddr, epoch, verifier, []uint64{pool}); err != nil {
		t.Fatalf("subsidy claim: %v", err)
	}
	if got := env.vault.paidTo(managerAddr); got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("manager paid %s, want 20", got)
	}
	pe, _, _ := env.state.RewardsPoolEpoch(epoch, pool)
	if pe.SubsidiesClaimed.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("pool subsidies claimed %s, want 20", pe.SubsidiesClaimed)
	}

	err := env.engine.ClaimSubsidies(managerAddr, epoch, verifier, []uint64{pool})
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on repeat, got %v", err)
	}
}

func TestSubsidyClaimRejectsWrongManager(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)
	epoch := env.settle(t, pool, 0, 40)

	verifier := addr(0x51)
	env.ident.setManager(verifier, managerAddr)
	env.oracle.setUsage(epoch, pool, verifier, 50, 100)

	err := env.engine.ClaimSubsidies(addr(0x52), epoch, verifier, []uint64{pool})
	if !errors.Is(err, ErrNotAssetManager) {
		t.Fatalf("expected ErrNotAssetManager, got %v", err)
	}
}

func TestSubsidyClaimBlockedVerifier(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)

	verifier := addr(0x51)
	env.ident.setManager(verifier, managerAddr)
	env.endEpoch(t)
	if err := env.engine.ProcessVerifierChecks(cronAddr, false, [][]byte{verifier}); err != nil {
		t.Fatalf("block verifier: %v", err)
	}
	if err := env.engine.ProcessVerifierChecks(cronAddr, true, nil); err != nil {
		t.Fatalf("clear checks: %v", err)
	}
	env.processPool(t, pool, 0, 40)
	env.finalize(t)
	env.oracle.setUsage(1, pool, verifier, 50, 100)

	err := env.engine.ClaimSubsidies(managerAddr, 1, verifier, []uint64{pool})
	if !errors.Is(err, ErrClaimsBlocked) {
		t.Fatalf("expected ErrClaimsBlocked, got %v", err)
	}
}

func TestSubsidyClaimRejectsInconsistentUsage(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)
	epoch := env.settle(t, pool, 0, 40)

	verifier := addr(0x51)
	env.ident.setManager(verifier, managerAddr)
	env.oracle.setUsage(epoch, pool, verifier, 150, 100)

	err := env.engine.ClaimSubsidies(managerAddr, epoch, verifier, []uint64{pool})
	if !errors.Is(err, ErrInconsistentUsage) {
		t.Fatalf("expected ErrInconsistentUsage, got %v", err)
	}
}

func TestSubsidyClaimRequiresAllocation(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)
	epoch := env.settle(t, pool, 100, 0)

	verifier := addr(0x51)
	env.ident.setManager(verifier, managerAddr)
	env.oracle.setUsage(epoch, pool, verifier, 50, 100)

	err := env.engine.ClaimSubsidies(managerAddr, epoch, verifier, []uint64{pool})
	if !errors.Is(err, ErrNoSubsidy) {
		t.Fatalf("expected ErrNoSubsidy, got %v", err)
	}
}
