package engine

import (
	"errors"
	"strings"
)

// ErrorClass tells callers whether retrying can help.
type ErrorClass string

const (
	// ErrorClassTransient covers device timeouts and unreachable emulators.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled asks the caller to back off before retrying.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict means the cell moved on while the caller worked,
	// for example a goal replaced during a search.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent covers malformed guards, unknown models and
	// invalid configuration.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Codes carried by EngineError.Code.
const (
	ErrCodeModel      = "MODEL_ERROR"
	ErrCodeParse      = "PARSE_ERROR"
	ErrCodeLookup     = "LOOKUP_ERROR"
	ErrCodeTransport  = "TRANSPORT_ERROR"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeTimeout    = "TIMEOUT"
)

// EngineError is a classified error raised by the planner, the runner, the
// model builder or a device client.
//
//nolint:revive // the engine prefix keeps it apart from the cause it wraps
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Device    string                 `json:"device,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`

	Err error `json:"-"`
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// Error renders "[class] message (device=.., operation=..): cause", leaving
// out whatever is unset.
func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Class) + "] " + e.Message)

	var where []string
	if e.Device != "" {
		where = append(where, "device="+e.Device)
	}
	if e.Operation != "" {
		where = append(where, "operation="+e.Operation)
	}
	if len(where) > 0 {
		b.WriteString(" (" + strings.Join(where, ", ") + ")")
	}

	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code, so
// errors.Is(err, &EngineError{Class: ..., Code: ...}) works as a filter.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) WithDevice(device string) *EngineError {
	e.Device = device
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrorClassOf returns the class of the first EngineError in err's chain,
// or "" when there is none.
func ErrorClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func IsTransient(err error) bool { return ErrorClassOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool { return ErrorClassOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool { return ErrorClassOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool { return ErrorClassOf(err) == ErrorClassPermanent }

// IsRetryable reports whether retrying err may succeed.
func IsRetryable(err error) bool {
	switch ErrorClassOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}
