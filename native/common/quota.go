package common

import "errors"

var ErrBatchBudgetExceeded = errors.New("batch budget exceeded")

// BatchBudget bounds how much work a single batched call may request.
type BatchBudget struct {
	MaxItems int
}

// DefaultBatchBudget is the per-call item bound module entry points apply to
// batched arguments.
var DefaultBatchBudget = BatchBudget{MaxItems: 128}

// Check verifies the requested item count fits within the budget. A
// non-positive MaxItems disables the bound.
func (b BatchBudget) Check(items int) error {
	if b.MaxItems > 0 && items > b.MaxItems {
		return ErrBatchBudgetExceeded
	}
	return nil
}

// CheckBatchBudget applies the default budget.
func CheckBatchBudget(items int) error {
	return DefaultBatchBudget.Check(items)
}
