package domain

import (
	"errors"
	"fmt"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
	cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so wrapped sentinels
// still satisfy errors.Is.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error { return e.cause }

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause), cause: cause}
}

// CodeOf returns the EngineError code in err's chain, or 0.
func CodeOf(err error) int {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 0
}

// ---- Workflow / FSM errors (-32010 to -32039) ----

var (
	ErrInvalidTransition = &EngineError{Code: -32010, Message: "invalid status transition"}
	ErrFlowNotFound      = &EngineError{Code: -32012, Message: "workflow not found"}
	ErrFlowAlreadyDone   = &EngineError{Code: -32013, Message: "workflow already in terminal state"}
	ErrWorkflowBusy      = &EngineError{Code: -32014, Message: "workflow is already being executed"}
	ErrOptimisticLock    = &EngineError{Code: -32015, Message: "optimistic lock conflict: state was modified concurrently"}
	ErrInvalidStatus     = &EngineError{Code: -32016, Message: "operation not allowed in current status"}
	ErrNoPlan            = &EngineError{Code: -32017, Message: "workflow has no plan"}
	ErrWorkflowCancelled = &EngineError{Code: -32018, Message: "workflow cancelled"}
	ErrBudgetExceeded    = &EngineError{Code: -32019, Message: "workflow budget exceeded"}
	ErrDependency        = &EngineError{Code: -32020, Message: "step dependency not satisfied"}
	ErrStepFailed        = &EngineError{Code: -32021, Message: "step failed"}
	ErrTemplateResolve   = &EngineError{Code: -32022, Message: "template placeholder unresolved"}
	ErrUnknownAction     = &EngineError{Code: -32023, Message: "unknown action"}
	ErrActionDisabled    = &EngineError{Code: -32024, Message: "action is disabled"}
	ErrActionFailed      = &EngineError{Code: -32025, Message: "action failed"}
	ErrInvalidInput      = &EngineError{Code: -32026, Message: "invalid input"}
)

// ---- Planner output errors (-32040 to -32069) ----

var (
	ErrParse            = &EngineError{Code: -32040, Message: "orchestrator output could not be parsed"}
	ErrUnexpectedOutput = &EngineError{Code: -32041, Message: "unexpected orchestrator command"}
	ErrVerdictInvalid   = &EngineError{Code: -32042, Message: "judge verdict validation failed"}
)

// ---- Worker process errors (-32070 to -32099) ----

var (
	ErrSpawnFailed        = &EngineError{Code: -32070, Message: "worker process could not be started"}
	ErrWorkerTimeout      = &EngineError{Code: -32071, Message: "the worker is taking too long, please retry"}
	ErrProcess            = &EngineError{Code: -32072, Message: "worker process failed"}
	ErrWorkerReported     = &EngineError{Code: -32073, Message: "worker reported an error"}
	ErrMediaFailed        = &EngineError{Code: -32074, Message: "media generation failed"}
	ErrProfileUnavailable = &EngineError{Code: -32075, Message: "worker profile unavailable"}
	ErrAgentNotFound      = &EngineError{Code: -32076, Message: "agent not found"}
	ErrAgentExists        = &EngineError{Code: -32077, Message: "agent already exists"}
)

// ---- Guard / Permission errors (-32100 to -32129) ----

var (
	ErrPermissionDenied  = &EngineError{Code: -32100, Message: "permission denied"}
	ErrRateLimitExceeded = &EngineError{Code: -32103, Message: "rate limit exceeded"}
	ErrTooManyActive     = &EngineError{Code: -32104, Message: "too many active workflows"}
)

// ---- Store / Recovery / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrRecordCorrupt   = &EngineError{Code: -32134, Message: "active request record is corrupt"}
	ErrRecoveryFailed  = &EngineError{Code: -32135, Message: "recovery failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
)
