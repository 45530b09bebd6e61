package genesis

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meridian/crypto"
	"meridian/native/rewards"
)

// Spec describes the initial network state applied once when a node starts on
// an empty database.
type Spec struct {
	GenesisTime string              `yaml:"genesisTime"`
	Treasury    string              `yaml:"treasury"`
	Params      *ParamsSpec         `yaml:"params,omitempty"`
	Roles       map[string][]string `yaml:"roles"`
	Pools       uint32              `yaml:"pools"`
	Alloc       map[string]string   `yaml:"alloc,omitempty"`

	genesisTimestamp time.Time
	treasuryAddr     [20]byte
	params           rewards.Params
	roleMembers      map[string][][20]byte
	allocations      map[[20]byte]*big.Int
}

// ParamsSpec overrides the engine defaults. Absent fields keep their default.
type ParamsSpec struct {
	EpochDurationSeconds   *uint64 `yaml:"epochDurationSeconds,omitempty"`
	MaxDelegateFeeBps      *uint32 `yaml:"maxDelegateFeeBps,omitempty"`
	RegistrationFee        *string `yaml:"registrationFee,omitempty"`
	FeeIncreaseDelayEpochs *uint64 `yaml:"feeIncreaseDelayEpochs,omitempty"`
	SweepDelayEpochs       *uint64 `yaml:"sweepDelayEpochs,omitempty"`
}

var knownRoles = map[string]struct{}{
	rewards.RoleCron:             {},
	rewards.RoleGlobalAdmin:      {},
	rewards.RoleMonitor:          {},
	rewards.RoleAssetManager:     {},
	rewards.RoleEmergencyHandler: {},
}

// Load reads, decodes and validates a genesis spec from disk.
func Load(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// Parse decodes and validates a genesis spec from raw YAML.
func Parse(raw []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// GenesisTimestamp returns the parsed genesis time.
func (s *Spec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// TreasuryAddress returns the decoded treasury account.
func (s *Spec) TreasuryAddress() [20]byte { return s.treasuryAddr }

// EngineParams returns the validated engine parameters with overrides applied.
func (s *Spec) EngineParams() rewards.Params { return s.params }

// RoleMembers returns the decoded role assignments keyed by role name.
func (s *Spec) RoleMembers() map[string][][20]byte {
	members := make(map[string][][20]byte, len(s.roleMembers))
	for role, addrs := range s.roleMembers {
		members[role] = append([][20]byte(nil), addrs...)
	}
	return members
}

// Allocations returns the decoded initial account balances.
func (s *Spec) Allocations() map[[20]byte]*big.Int {
	allocs := make(map[[20]byte]*big.Int, len(s.allocations))
	for addr, amount := range s.allocations {
		allocs[addr] = new(big.Int).Set(amount)
	}
	return allocs
}

func (s *Spec) validate() error {
	parsed, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsed

	treasury, err := parseAccount(s.Treasury)
	if err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	s.treasuryAddr = treasury

	params := rewards.DefaultParams()
	if s.Params != nil {
		if s.Params.EpochDurationSeconds != nil {
			params.EpochDuration = *s.Params.EpochDurationSeconds
		}
		if s.Params.MaxDelegateFeeBps != nil {
			params.MaxDelegateFeeBps = *s.Params.MaxDelegateFeeBps
		}
		if s.Params.RegistrationFee != nil {
			fee, err := parseAmount(*s.Params.RegistrationFee)
			if err != nil {
				return fmt.Errorf("params.registrationFee: %w", err)
			}
			params.RegistrationFee = fee
		}
		if s.Params.FeeIncreaseDelayEpochs != nil {
			params.FeeIncreaseDelayEpochs = *s.Params.FeeIncreaseDelayEpochs
		}
		if s.Params.SweepDelayEpochs != nil {
			params.SweepDelayEpochs = *s.Params.SweepDelayEpochs
		}
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	s.params = params

	s.roleMembers = make(map[string][][20]byte, len(s.Roles))
	roleNames := make([]string, 0, len(s.Roles))
	for role := range s.Roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for _, role := range roleNames {
		normalized := strings.ToUpper(strings.TrimSpace(role))
		if _, ok := knownRoles[normalized]; !ok {
			return fmt.Errorf("roles: unknown role %q", role)
		}
		seen := make(map[[20]byte]struct{})
		for i, encoded := range s.Roles[role] {
			addr, err := parseAccount(encoded)
			if err != nil {
				return fmt.Errorf("roles[%s][%d]: %w", role, i, err)
			}
			if _, dup := seen[addr]; dup {
				return fmt.Errorf("roles[%s][%d]: duplicate address %q", role, i, encoded)
			}
			seen[addr] = struct{}{}
			s.roleMembers[normalized] = append(s.roleMembers[normalized], addr)
		}
	}

	s.allocations = make(map[[20]byte]*big.Int, len(s.Alloc))
	accounts := make([]string, 0, len(s.Alloc))
	for account := range s.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		addr, err := parseAccount(account)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", account, err)
		}
		amount, err := parseAmount(s.Alloc[account])
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", account, err)
		}
		if _, dup := s.allocations[addr]; dup {
			return fmt.Errorf("alloc[%q]: duplicate account", account)
		}
		s.allocations[addr] = amount
	}
	return nil
}

func parseGenesisTime(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("genesisTime: %w", err)
	}
	return parsed.UTC(), nil
}

func parseAccount(encoded string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return out, fmt.Errorf("address must be provided")
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", value)
	}
	return amount, nil
}
