package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"meridian/crypto"
	"meridian/native/rewards"
)

type globalsResult struct {
	CurrentEpoch                uint64 `json:"currentEpoch"`
	PoolCount                   uint64 `json:"poolCount"`
	TotalDeposited              string `json:"totalDeposited"`
	TotalClaimed                string `json:"totalClaimed"`
	TotalSwept                  string `json:"totalSwept"`
	RegistrationFeesUncollected string `json:"registrationFeesUncollected"`
	RegistrationFeesCollected   string `json:"registrationFeesCollected"`
	Paused                      bool   `json:"paused"`
	Frozen                      bool   `json:"frozen"`
}

type epochResult struct {
	Epoch              uint64   `json:"epoch"`
	Status             string   `json:"status"`
	StartTime          uint64   `json:"startTime"`
	ActivePools        []uint64 `json:"activePools,omitempty"`
	PoolsProcessed     uint64   `json:"poolsProcessed"`
	RewardsAllocated   string   `json:"rewardsAllocated"`
	SubsidiesAllocated string   `json:"subsidiesAllocated"`
	RewardsClaimed     string   `json:"rewardsClaimed"`
	SubsidiesClaimed   string   `json:"subsidiesClaimed"`
	RewardsWithdrawn   string   `json:"rewardsWithdrawn"`
	SubsidiesWithdrawn string   `json:"subsidiesWithdrawn"`
	RewardsSwept       bool     `json:"rewardsSwept"`
	SubsidiesSwept     bool     `json:"subsidiesSwept"`
}

type poolResult struct {
	ID     uint64 `json:"id"`
	Active bool   `json:"active"`
}

type poolEpochResult struct {
	Epoch              uint64 `json:"epoch"`
	Pool               uint64 `json:"pool"`
	TotalVotes         string `json:"totalVotes"`
	RewardsAllocated   string `json:"rewardsAllocated"`
	SubsidiesAllocated string `json:"subsidiesAllocated"`
	RewardsClaimed     string `json:"rewardsClaimed"`
	SubsidiesClaimed   string `json:"subsidiesClaimed"`
	Processed          bool   `json:"processed"`
}

type delegateResult struct {
	Address               string `json:"address"`
	FeeBps                uint32 `json:"feeBps"`
	PendingFeeBps         uint32 `json:"pendingFeeBps,omitempty"`
	PendingEffectiveEpoch uint64 `json:"pendingEffectiveEpoch,omitempty"`
	GrossCaptured         string `json:"grossCaptured"`
	FeesAccrued           string `json:"feesAccrued"`
}

type paramsResult struct {
	EpochDuration          uint64 `json:"epochDurationSeconds"`
	MaxDelegateFeeBps      uint32 `json:"maxDelegateFeeBps"`
	RegistrationFee        string `json:"registrationFee"`
	FeeIncreaseDelayEpochs uint64 `json:"feeIncreaseDelayEpochs"`
	SweepDelayEpochs       uint64 `json:"sweepDelayEpochs"`
}

type treasuryResult struct {
	Treasury string `json:"treasury"`
	Custody  string `json:"custody"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type pendingPayoutResult struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type voteAccountResult struct {
	Address string `json:"address"`
	Epoch   uint64 `json:"epoch"`
	Kind    string `json:"kind"`
	Spent   string `json:"spent"`
}

type auditEntryResult struct {
	Epoch        uint64 `json:"epoch"`
	Pool         uint64 `json:"pool"`
	Kind         string `json:"kind"`
	Account      string `json:"account"`
	Counterparty string `json:"counterparty,omitempty"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	Reference    string `json:"reference"`
	ManifestRef  string `json:"manifestRef,omitempty"`
	RecordedAt   int64  `json:"recordedAt"`
	Checksum     string `json:"checksum"`
}

type auditListResult struct {
	Entries    []auditEntryResult `json:"entries"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

func globalsResultFrom(g *rewards.Globals) globalsResult {
	return globalsResult{
		CurrentEpoch:                g.CurrentEpoch,
		PoolCount:                   g.PoolCount,
		TotalDeposited:              bigIntString(g.TotalDeposited),
		TotalClaimed:                bigIntString(g.TotalClaimed),
		TotalSwept:                  bigIntString(g.TotalSwept),
		RegistrationFeesUncollected: bigIntString(g.RegistrationFeesUncollected),
		RegistrationFeesCollected:   bigIntString(g.RegistrationFeesCollected),
		Paused:                      g.Paused,
		Frozen:                      g.Frozen,
	}
}

func epochResultFrom(ep *rewards.Epoch) epochResult {
	return epochResult{
		Epoch:              ep.ID,
		Status:             ep.Status.String(),
		StartTime:          ep.StartTime,
		ActivePools:        append([]uint64(nil), ep.ActivePools...),
		PoolsProcessed:     ep.PoolsProcessed,
		RewardsAllocated:   bigIntString(ep.RewardsAllocated),
		SubsidiesAllocated: bigIntString(ep.SubsidiesAllocated),
		RewardsClaimed:     bigIntString(ep.RewardsClaimed),
		SubsidiesClaimed:   bigIntString(ep.SubsidiesClaimed),
		RewardsWithdrawn:   bigIntString(ep.RewardsWithdrawn),
		SubsidiesWithdrawn: bigIntString(ep.SubsidiesWithdrawn),
		RewardsSwept:       ep.RewardsSwept,
		SubsidiesSwept:     ep.SubsidiesSwept,
	}
}

func poolEpochResultFrom(pe *rewards.PoolEpoch) poolEpochResult {
	return poolEpochResult{
		Epoch:              pe.Epoch,
		Pool:               pe.Pool,
		TotalVotes:         bigIntString(pe.TotalVotes),
		RewardsAllocated:   bigIntString(pe.RewardsAllocated),
		SubsidiesAllocated: bigIntString(pe.SubsidiesAllocated),
		RewardsClaimed:     bigIntString(pe.RewardsClaimed),
		SubsidiesClaimed:   bigIntString(pe.SubsidiesClaimed),
		Processed:          pe.Processed,
	}
}

func decodeBech32(addr string) ([20]byte, error) {
	var zero [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(addr))
	if err != nil {
		return zero, err
	}
	copy(zero[:], decoded.Bytes())
	return zero, nil
}

func formatAccount(b []byte) string {
	if len(b) != 20 {
		return ""
	}
	return crypto.MustNewAddress(crypto.MRDPrefix, b).String()
}

func bigIntString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// parseAmount decodes a base-10 amount string. Sign checks stay with the
// engine so its sentinels reach the caller unchanged.
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
