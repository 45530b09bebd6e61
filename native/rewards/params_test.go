package rewards

import (
	"math/big"
	"testing"
)

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero epoch duration", func(p *Params) { p.EpochDuration = 0 }},
		{"fee above denominator", func(p *Params) { p.MaxDelegateFeeBps = FeeBpsDenominator + 1 }},
		{"negative registration fee", func(p *Params) { p.RegistrationFee = big.NewInt(-1) }},
		{"zero increase delay", func(p *Params) { p.FeeIncreaseDelayEpochs = 0 }},
	}
	for _, tc := range cases {
		p := DefaultParams()
		tc.mutate(&p)
		if err := p.Validate(); err == nil {
			t.Fatalf("%s: expected validation failure", tc.name)
		}
	}
}

func TestSetParamsCopiesRegistrationFee(t *testing.T) {
	engine := NewEngine()
	fee := big.NewInt(100)
	p := DefaultParams()
	p.RegistrationFee = fee
	engine.SetParams(p)

	fee.SetInt64(999)
	if got := engine.Params().RegistrationFee; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("registration fee aliased caller memory: %s", got)
	}
}
