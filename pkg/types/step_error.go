package types

// StepErrorKind tags the sum-typed result a Step's Ready/Call can produce in
// place of the checked exceptions a Java FATE implementation would throw.
type StepErrorKind int

const (
	// NoError means the step completed normally; callers should treat a nil
	// *StepError, not this constant, as the success case.
	NoError StepErrorKind = iota
	// Acceptable covers expected business-logic failures, e.g. "table
	// already exists". Logged at info level.
	Acceptable
	// Unexpected covers step bugs or unanticipated external failures.
	// Logged at warn level.
	Unexpected
	// StackOverflow fires when a Call's returned successor would push the
	// stack past the configured depth cap. The overflowing step never ran,
	// so its Undo must not be invoked.
	StackOverflow
	// ShuttingDown marks an I/O error observed while the host process is
	// shutting down. The worker suppresses the failure transition and
	// blocks so the transaction resumes on the next manager instance.
	ShuttingDown
)

func (k StepErrorKind) String() string {
	switch k {
	case Acceptable:
		return "acceptable"
	case Unexpected:
		return "unexpected"
	case StackOverflow:
		return "stack_overflow"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "none"
	}
}

// StepError is the sum-typed failure result returned by Step.Ready and
// Step.Call. A nil *StepError means success.
type StepError struct {
	Kind   StepErrorKind
	Detail string
	Cause  error
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Detail + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewAcceptable builds an Acceptable StepError.
func NewAcceptable(detail string) *StepError {
	return &StepError{Kind: Acceptable, Detail: detail}
}

// NewUnexpected wraps cause as an Unexpected StepError.
func NewUnexpected(cause error) *StepError {
	return &StepError{Kind: Unexpected, Detail: "unexpected step failure", Cause: cause}
}

// NewShuttingDown wraps an I/O error observed during process shutdown.
func NewShuttingDown(cause error) *StepError {
	return &StepError{Kind: ShuttingDown, Detail: "shutdown in progress", Cause: cause}
}

// ErrStackOverflow is the sentinel StackOverflow error raised by the worker
// itself (not by step code) when a push would exceed the configured depth
// cap.
var ErrStackOverflow = &StepError{Kind: StackOverflow, Detail: "stack depth exceeded"}
