package common

import (
	"errors"
	"testing"
)

func TestCheckBatchBudget(t *testing.T) {
	if err := CheckBatchBudget(DefaultBatchBudget.MaxItems); err != nil {
		t.Fatalf("unexpected error at the bound: %v", err)
	}
	if err := CheckBatchBudget(DefaultBatchBudget.MaxItems + 1); !errors.Is(err, ErrBatchBudgetExceeded) {
		t.Fatalf("expected ErrBatchBudgetExceeded, got %v", err)
	}
	unbounded := BatchBudget{}
	if err := unbounded.Check(1 << 20); err != nil {
		t.Fatalf("unexpected error with disabled bound: %v", err)
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress(make([]byte, AddressLength)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateAddress(nil); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for nil, got %v", err)
	}
	if err := ValidateAddress(make([]byte, AddressLength+1)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for oversized input, got %v", err)
	}
}
