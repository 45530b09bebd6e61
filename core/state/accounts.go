package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"meridian/core/types"
)

// ErrInsufficientBalance indicates a debit larger than the account's spendable
// balance.
var ErrInsufficientBalance = errors.New("state: insufficient balance")

// ErrBalanceOverflow indicates a credit that would push a balance past the
// 256-bit range the ledger stores.
var ErrBalanceOverflow = errors.New("state: balance overflow")

var accountPrefix = []byte("account:")

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

// GetAccount loads the account stored under the provided address. Unknown
// addresses resolve to a zeroed account.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	data, err := m.trie.Get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return types.NewAccount(), nil
	}
	account := new(types.Account)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, err
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account, nil
}

// PutAccount persists the provided account under the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("account must not be nil")
	}
	if account.Balance != nil && account.Balance.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	stored := account.Clone()
	if stored.Balance == nil {
		stored.Balance = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.trie.Update(accountKey(addr), encoded)
}

// Balance returns the spendable balance for the provided address.
func (m *Manager) Balance(addr []byte) (*big.Int, error) {
	account, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// AddBalance credits the account under addr by amount.
func (m *Manager) AddBalance(addr []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("credit amount must not be negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	if _, overflow := uint256.FromBig(account.Balance); overflow {
		return ErrBalanceOverflow
	}
	return m.PutAccount(addr, account)
}

// SubBalance debits the account under addr by amount, rejecting overdrafts.
func (m *Manager) SubBalance(addr []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("debit amount must not be negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	account.Balance = new(big.Int).Sub(account.Balance, amount)
	return m.PutAccount(addr, account)
}

// TransferBalance atomically debits from and credits to. The debit is checked
// before either account is written.
func (m *Manager) TransferBalance(from, to []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("transfer amount must not be negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := m.SubBalance(from, amount); err != nil {
		return err
	}
	return m.AddBalance(to, amount)
}
