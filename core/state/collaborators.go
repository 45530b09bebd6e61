package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const rewardsCustodySeed = "module/rewards/custody"

// RewardsCustodyAddress derives the module account that holds settlement
// custody. The address has no known private key.
func RewardsCustodyAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte(rewardsCustodySeed))
	var addr [20]byte
	copy(addr[:], hash[len(hash)-20:])
	return addr
}

// StateVault adapts the account ledger to the custody interface the rewards
// engine expects. All module funds sit in a single custody account; transfers
// debit it and deposits credit it from the payer.
type StateVault struct {
	mgr     *Manager
	custody []byte
}

// NewStateVault constructs a vault bound to the provided custody address.
func NewStateVault(mgr *Manager, custody []byte) (*StateVault, error) {
	if mgr == nil {
		return nil, fmt.Errorf("state: manager must not be nil")
	}
	if len(custody) == 0 {
		return nil, fmt.Errorf("state: custody address must not be empty")
	}
	return &StateVault{mgr: mgr, custody: append([]byte(nil), custody...)}, nil
}

// Custody returns the vault's account address.
func (v *StateVault) Custody() []byte {
	return append([]byte(nil), v.custody...)
}

// Transfer moves amount from custody to the recipient.
func (v *StateVault) Transfer(to []byte, amount *big.Int) error {
	if len(to) == 0 {
		return fmt.Errorf("state: transfer recipient must not be empty")
	}
	return v.mgr.TransferBalance(v.custody, to, amount)
}

// Deposit moves amount from the payer into custody.
func (v *StateVault) Deposit(from []byte, amount *big.Int) error {
	if len(from) == 0 {
		return fmt.Errorf("state: deposit payer must not be empty")
	}
	return v.mgr.TransferBalance(from, v.custody, amount)
}

// Balance returns the custody account balance.
func (v *StateVault) Balance() (*big.Int, error) {
	return v.mgr.Balance(v.custody)
}

func (m *Manager) bigIntAt(key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (m *Manager) putImportedAmount(key []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("imported amount must not be negative")
	}
	return m.KVPut(key, amount)
}

// ImportPersonalPower records an address's personal voting-power ceiling for
// an epoch.
func (m *Manager) ImportPersonalPower(epoch uint64, addr []byte, power *big.Int) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	return m.putImportedAmount(RewardsPersonalPowerKey(epoch, addr), power)
}

// ImportDelegatedPower records a delegate's aggregate voting-power ceiling for
// an epoch.
func (m *Manager) ImportDelegatedPower(epoch uint64, delegate []byte, power *big.Int) error {
	if len(delegate) == 0 {
		return fmt.Errorf("delegate must not be empty")
	}
	return m.putImportedAmount(RewardsDelegatedPowerKey(epoch, delegate), power)
}

// ImportDelegatedBalance records a delegator's balance with a delegate for an
// epoch.
func (m *Manager) ImportDelegatedBalance(epoch uint64, delegate, delegator []byte, balance *big.Int) error {
	if len(delegate) == 0 || len(delegator) == 0 {
		return fmt.Errorf("delegate and delegator must not be empty")
	}
	return m.putImportedAmount(RewardsDelegatedBalanceKey(epoch, delegate, delegator), balance)
}

// ImportPoolUsage records a verifier's accrued fee-collection usage in a pool
// for an epoch.
func (m *Manager) ImportPoolUsage(epoch, pool uint64, verifier []byte, accrued *big.Int) error {
	if len(verifier) == 0 {
		return fmt.Errorf("verifier must not be empty")
	}
	return m.putImportedAmount(RewardsUsageKey(epoch, pool, verifier), accrued)
}

// ImportPoolUsageTotal records a pool's aggregate fee-collection usage for an
// epoch.
func (m *Manager) ImportPoolUsageTotal(epoch, pool uint64, total *big.Int) error {
	return m.putImportedAmount(RewardsUsageTotalKey(epoch, pool), total)
}

// SetVerifierAssetManager designates the asset manager allowed to claim a
// verifier's subsidies.
func (m *Manager) SetVerifierAssetManager(verifier, manager []byte) error {
	if len(verifier) == 0 {
		return fmt.Errorf("verifier must not be empty")
	}
	if len(manager) == 0 {
		return fmt.Errorf("manager must not be empty")
	}
	return m.KVPut(RewardsAssetManagerKey(verifier), manager)
}

// PersonalPower returns the imported personal voting-power ceiling, zero when
// none was imported.
func (m *Manager) PersonalPower(epoch uint64, addr []byte) (*big.Int, error) {
	return m.bigIntAt(RewardsPersonalPowerKey(epoch, addr))
}

// DelegatedPower returns the imported delegate ceiling, zero when none was
// imported.
func (m *Manager) DelegatedPower(epoch uint64, delegate []byte) (*big.Int, error) {
	return m.bigIntAt(RewardsDelegatedPowerKey(epoch, delegate))
}

// DelegatedBalance returns the imported delegator balance with a delegate,
// zero when none was imported.
func (m *Manager) DelegatedBalance(epoch uint64, delegate, delegator []byte) (*big.Int, error) {
	return m.bigIntAt(RewardsDelegatedBalanceKey(epoch, delegate, delegator))
}

// GetAccruedSubsidies returns the verifier's accrued usage and the pool-wide
// total for an epoch. Access control happens in the engine; the caller address
// is accepted for interface compatibility only.
func (m *Manager) GetAccruedSubsidies(epoch, pool uint64, verifier, caller []byte) (*big.Int, *big.Int, error) {
	accrued, err := m.bigIntAt(RewardsUsageKey(epoch, pool, verifier))
	if err != nil {
		return nil, nil, err
	}
	total, err := m.bigIntAt(RewardsUsageTotalKey(epoch, pool))
	if err != nil {
		return nil, nil, err
	}
	return accrued, total, nil
}

// AssetManagerOf resolves a verifier to its designated asset manager.
func (m *Manager) AssetManagerOf(verifier []byte) ([]byte, bool, error) {
	var manager []byte
	ok, err := m.KVGet(RewardsAssetManagerKey(verifier), &manager)
	if err != nil || !ok {
		return nil, false, err
	}
	return manager, true, nil
}
