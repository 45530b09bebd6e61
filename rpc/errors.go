package rpc

import (
	"errors"
	"net/http"

	"meridian/native/common"
	"meridian/native/rewards"
	"meridian/native/rewards/audit"
)

var invalidParamErrors = []error{
	rewards.ErrLengthMismatch,
	rewards.ErrEmptyBatch,
	rewards.ErrAmountNotPositive,
	rewards.ErrAmountNegative,
	rewards.ErrDuplicatePool,
	rewards.ErrBlockListRequired,
	rewards.ErrFeeTooHigh,
	common.ErrInvalidAddress,
	common.ErrBatchBudgetExceeded,
	audit.ErrInvalidCursor,
}

var forbiddenErrors = []error{
	rewards.ErrUnauthorized,
	rewards.ErrNotAssetManager,
}

var notFoundErrors = []error{
	rewards.ErrEpochNotFound,
	rewards.ErrPoolNotFound,
	rewards.ErrPoolNotInSnapshot,
	rewards.ErrNotDelegate,
	rewards.ErrNothingPending,
}

var conflictErrors = []error{
	rewards.ErrPaused,
	rewards.ErrFrozen,
	rewards.ErrNotFrozen,
	rewards.ErrEpochNotVoting,
	rewards.ErrEpochNotEnded,
	rewards.ErrEpochNotVerified,
	rewards.ErrEpochNotProcessed,
	rewards.ErrEpochNotFinalized,
	rewards.ErrEpochNotOver,
	rewards.ErrEpochNotForceable,
	rewards.ErrPoolInactive,
	rewards.ErrPoolProcessed,
	rewards.ErrNoSubsidy,
	rewards.ErrCeilingExceeded,
	rewards.ErrVoteKindMismatch,
	rewards.ErrInsufficientVotes,
	rewards.ErrAlreadyDelegate,
	rewards.ErrRegistrationFee,
	rewards.ErrVotesOutstanding,
	rewards.ErrNothingToClaim,
	rewards.ErrAlreadyClaimed,
	rewards.ErrZeroVotes,
	rewards.ErrZeroDelegatedPower,
	rewards.ErrClaimsBlocked,
	rewards.ErrInconsistentUsage,
	rewards.ErrRewardsSwept,
	rewards.ErrSubsidiesSwept,
	rewards.ErrNothingToSweep,
	rewards.ErrSweepDelayActive,
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// engineCallError maps an engine failure onto the wire error vocabulary. The
// sentinel text is surfaced verbatim so operators see the same message the
// engine logged.
func engineCallError(err error) *CallError {
	switch {
	case err == nil:
		return nil
	case matchesAny(err, invalidParamErrors):
		return &CallError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: err.Error()}
	case matchesAny(err, forbiddenErrors):
		return &CallError{HTTPStatus: http.StatusForbidden, Code: codeForbidden, Message: err.Error()}
	case matchesAny(err, notFoundErrors):
		return &CallError{HTTPStatus: http.StatusNotFound, Code: codeNotFound, Message: err.Error()}
	case matchesAny(err, conflictErrors):
		return &CallError{HTTPStatus: http.StatusConflict, Code: codeConflict, Message: err.Error()}
	default:
		return &CallError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
	}
}

func invalidParams(message string, data interface{}) *CallError {
	return &CallError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: message, Data: data}
}
