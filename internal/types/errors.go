package types

import "fmt"

// ErrorCode names one entry of the session error taxonomy.
type ErrorCode string

const (
	CodeInvalidInvocation       ErrorCode = "InvalidInvocationError"
	CodeProtectedName           ErrorCode = "ProtectedNameError"
	CodeExecutionFault          ErrorCode = "ExecutionFault"
	CodeMalformedTermination    ErrorCode = "MalformedTerminationError"
	CodeIterationBudgetExceeded ErrorCode = "IterationBudgetExceeded"
	CodeSubModelUnavailable     ErrorCode = "SubModelUnavailable"
	CodeDrivingModelUnavailable ErrorCode = "DrivingModelUnavailable"
	CodeCancelled               ErrorCode = "Cancelled"
)

// ProtocolError carries a taxonomy code. Two ProtocolErrors match under
// errors.Is when their codes are equal, so the sentinels below can be used
// as targets.
type ProtocolError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidInvocation       = &ProtocolError{Code: CodeInvalidInvocation}
	ErrProtectedName           = &ProtocolError{Code: CodeProtectedName}
	ErrExecutionFault          = &ProtocolError{Code: CodeExecutionFault}
	ErrMalformedTermination    = &ProtocolError{Code: CodeMalformedTermination}
	ErrIterationBudgetExceeded = &ProtocolError{Code: CodeIterationBudgetExceeded}
	ErrSubModelUnavailable     = &ProtocolError{Code: CodeSubModelUnavailable}
	ErrDrivingModelUnavailable = &ProtocolError{Code: CodeDrivingModelUnavailable}
	ErrCancelled               = &ProtocolError{Code: CodeCancelled}
)

// NewError builds a ProtocolError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a taxonomy code to an underlying error.
func WrapError(code ErrorCode, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}
