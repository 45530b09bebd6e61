package rewards

import (
	"errors"
	"math/big"
	"testing"
)

func TestSweepRespectsDelay(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice, bob := addr(0x31), addr(0x32)
	env.power.setPersonal(1, alice, 1000)
	env.power.setPersonal(1, bob, 1000)
	env.vote(t, alice, pool, 300, false)
	env.vote(t, bob, pool, 700, false)
	epoch := env.settle(t, pool, 100, 0)

	if err := env.engine.ClaimPersonalRewards(alice, epoch, []uint64{pool}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err := env.engine.WithdrawUnclaimedRewards(managerAddr, epoch)
	if !errors.Is(err, ErrSweepDelayActive) {
		t.Fatalf("expected ErrSweepDelayActive at epoch 2, got %v", err)
	}

	env.forceAdvance(t)
	if err := env.engine.WithdrawUnclaimedRewards(managerAddr, epoch); err != nil {
		t.Fatalf("sweep at epoch 3: %v", err)
	}
	if got := env.vault.paidTo(treasuryAddr); got.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("treasury received %s, want 70", got)
	}
	ep, _, _ := env.state.RewardsEpoch(epoch)
	if !ep.RewardsSwept || ep.RewardsWithdrawn.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("unexpected epoch after sweep: swept=%v withdrawn=%s", ep.RewardsSwept, ep.RewardsWithdrawn)
	}
	if env.state.globals.TotalSwept.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("global swept %s, want 70", env.state.globals.TotalSwept)
	}

	err = env.engine.WithdrawUnclaimedRewards(managerAddr, epoch)
	if !errors.Is(err, ErrRewardsSwept) {
		t.Fatalf("expected ErrRewardsSwept on repeat, got %v", err)
	}
	err = env.engine.ClaimPersonalRewards(bob, epoch, []uint64{pool})
	if !errors.Is(err, ErrRewardsSwept) {
		t.Fatalf("expected late claim rejected after sweep, got %v", err)
	}
}

func TestSweepSubsidiesIndependent(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)
	epoch := env.settle(t, pool, 100, 40)
	env.forceAdvance(t)

	if err := env.engine.WithdrawUnclaimedSubsidies(managerAddr, epoch); err != nil {
		t.Fatalf("subsidy sweep: %v", err)
	}
	if got := env.vault.paidTo(treasuryAddr); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("treasury received %s, want 40", got)
	}
	ep, _, _ := env.state.RewardsEpoch(epoch)
	if ep.RewardsSwept {
		t.Fatalf("rewards category must stay open")
	}

	verifier := addr(0x51)
	env.ident.setManager(verifier, managerAddr)
	env.oracle.setUsage(epoch, pool, verifier, 50, 100)
	err := env.engine.ClaimSubsidies(managerAddr, epoch, verifier, []uint64{pool})
	if !errors.Is(err, ErrSubsidiesSwept) {
		t.Fatalf("expected ErrSubsidiesSwept, got %v", err)
	}

	if err := env.engine.ClaimPersonalRewards(alice, epoch, []uint64{pool}); err != nil {
		t.Fatalf("reward claim after subsidy sweep: %v", err)
	}
}

func TestSweepNothingRemaining(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)
	epoch := env.settle(t, pool, 100, 0)
	if err := env.engine.ClaimPersonalRewards(alice, epoch, []uint64{pool}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	env.forceAdvance(t)

	err := env.engine.WithdrawUnclaimedRewards(managerAddr, epoch)
	if !errors.Is(err, ErrNothingToSweep) {
		t.Fatalf("expected ErrNothingToSweep, got %v", err)
	}
}

func TestWithdrawRegistrationFees(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, addr(0x20), 1_000)
	env.register(t, addr(0x21), 2_000)

	if err := env.engine.WithdrawRegistrationFees(managerAddr); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := env.vault.paidTo(treasuryAddr); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("treasury received %s, want 200", got)
	}
	g := env.state.globals
	if g.RegistrationFeesUncollected.Sign() != 0 || g.RegistrationFeesCollected.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected fee counters: %s / %s", g.RegistrationFeesUncollected, g.RegistrationFeesCollected)
	}

	err := env.engine.WithdrawRegistrationFees(managerAddr)
	if !errors.Is(err, ErrNothingToSweep) {
		t.Fatalf("expected ErrNothingToSweep on repeat, got %v", err)
	}
}

func TestSweepRequiresAssetManagerRole(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.WithdrawRegistrationFees(adminAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)

	if err := env.engine.Pause(monitorAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := env.engine.Pause(monitorAddr); err != nil {
		t.Fatalf("repeat pause: %v", err)
	}
	if got := env.emitter.count(EventTypePaused); got != 1 {
		t.Fatalf("expected one paused event, got %d", got)
	}

	err := env.engine.Vote(alice, []uint64{pool}, []*big.Int{big.NewInt(1)}, false)
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("vote while paused: %v", err)
	}
	env.advance(testEpochDuration)
	if err := env.engine.EndEpoch(cronAddr); !errors.Is(err, ErrPaused) {
		t.Fatalf("end epoch while paused: %v", err)
	}

	if err := env.engine.Unpause(adminAddr); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	env.vote(t, alice, pool, 1, false)
}

func TestUnpauseRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Pause(monitorAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := env.engine.Unpause(monitorAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFreezeIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)

	if err := env.engine.Freeze(adminAddr); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := env.engine.Freeze(adminAddr); err != nil {
		t.Fatalf("repeat freeze: %v", err)
	}
	if got := env.emitter.count(EventTypeFrozen); got != 1 {
		t.Fatalf("expected one frozen event, got %d", got)
	}

	if err := env.engine.Unpause(adminAddr); !errors.Is(err, ErrFrozen) {
		t.Fatalf("unpause after freeze: %v", err)
	}
	if err := env.engine.Pause(monitorAddr); !errors.Is(err, ErrFrozen) {
		t.Fatalf("pause after freeze: %v", err)
	}
	err := env.engine.Vote(alice, []uint64{pool}, []*big.Int{big.NewInt(1)}, false)
	if !errors.Is(err, ErrFrozen) {
		t.Fatalf("vote after freeze: %v", err)
	}
}

func TestEmergencyExitDrainsCustody(t *testing.T) {
	env := newTestEnv(t)
	pool := env.createPool(t)
	alice := addr(0x31)
	env.power.setPersonal(1, alice, 1000)
	env.vote(t, alice, pool, 100, false)
	env.settle(t, pool, 100, 40)

	err := env.engine.EmergencyExit(emergencyAddr)
	if !errors.Is(err, ErrNotFrozen) {
		t.Fatalf("expected ErrNotFrozen before freeze, got %v", err)
	}

	if err := env.engine.Freeze(adminAddr); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := env.engine.EmergencyExit(emergencyAddr); err != nil {
		t.Fatalf("emergency exit: %v", err)
	}
	if got := env.vault.paidTo(treasuryAddr); got.Cmp(big.NewInt(140)) != 0 {
		t.Fatalf("treasury received %s, want 140", got)
	}
	if env.vault.balance.Sign() != 0 {
		t.Fatalf("custody not drained: %s", env.vault.balance)
	}
	if env.state.globals.TotalSwept.Cmp(big.NewInt(140)) != 0 {
		t.Fatalf("global swept %s, want 140", env.state.globals.TotalSwept)
	}

	err = env.engine.EmergencyExit(emergencyAddr)
	if !errors.Is(err, ErrNothingToSweep) {
		t.Fatalf("expected ErrNothingToSweep on repeat, got %v", err)
	}
}

func TestEmergencyExitRequiresHandlerRole(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Freeze(adminAddr); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := env.engine.EmergencyExit(adminAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
