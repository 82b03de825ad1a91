package ulrt

import "fmt"

// Code is the error-kind taxonomy every public operation reports through.
// Success is represented by a nil error, not a Code value.
type Code int

const (
	// CodeUninitialized means the runtime singleton has not been created
	// (see Init) or has already been torn down.
	CodeUninitialized Code = iota + 1
	// CodeInvalidES covers a wrong-thread call, a forbidden operation on
	// the PRIMARY ES, or a self-target where that is disallowed.
	CodeInvalidES
	// CodeInvalidUnit means the unit handle is nil, foreign to this
	// runtime, or already freed.
	CodeInvalidUnit
	// CodeInvalidPool means the pool handle is nil or foreign.
	CodeInvalidPool
	// CodeInvalidSched means the scheduler handle is nil, foreign, or
	// already bound elsewhere.
	CodeInvalidSched
	// CodeESState means the operation is not valid in the ES's current
	// state (e.g. starting a TERMINATED ES).
	CodeESState
	// CodeMem reports an allocation failure.
	CodeMem
	// CodeConsumerConflict means a pool's consumer is already bound to a
	// different ES than the one attempting to claim it.
	CodeConsumerConflict
)

func (c Code) String() string {
	switch c {
	case CodeUninitialized:
		return "UNINITIALIZED"
	case CodeInvalidES:
		return "INV_ES"
	case CodeInvalidUnit:
		return "INV_UNIT"
	case CodeInvalidPool:
		return "INV_POOL"
	case CodeInvalidSched:
		return "INV_SCHED"
	case CodeESState:
		return "ES_STATE"
	case CodeMem:
		return "MEM"
	case CodeConsumerConflict:
		return "CONSUMER_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Error is the error type returned by every public operation that can fail.
// Outputs are left at their sentinel null value on failure; state is
// unchanged except for whatever is explicitly documented.
type Error struct {
	Code Code
	Op   string
	Err  error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ulrt: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("ulrt: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func errf(op string, code Code) error {
	return &Error{Code: code, Op: op}
}

func wrapf(op string, code Code, err error) error {
	return &Error{Code: code, Op: op, Err: err}
}
