package transport

import (
	"errors"
	"fmt"
)

// ErrCode classifies transport failures.
type ErrCode int

// Error codes. Values 1-7 and 16 are configuration errors, 8-15 are
// transport faults.
const (
	CodeAlreadyInitialized ErrCode = 1
	CodeNotInitialized     ErrCode = 2
	CodeInvalidMsgSize     ErrCode = 5
	CodeInvalidDestination ErrCode = 6
	CodeInvalidSource      ErrCode = 7
	CodeSendFailed         ErrCode = 8
	CodeProbeFailed        ErrCode = 9
	CodeReceiveFailed      ErrCode = 10
	CodeBarrierFailed      ErrCode = 12
	CodeAbortFailed        ErrCode = 13
	CodeGatherFailed       ErrCode = 14
	CodeAllGatherFailed    ErrCode = 15
	CodeInvalidLimit       ErrCode = 16
)

var codeNames = map[ErrCode]string{
	CodeAlreadyInitialized: "already initialized",
	CodeNotInitialized:     "not initialized",
	CodeInvalidMsgSize:     "invalid message size",
	CodeInvalidDestination: "invalid destination",
	CodeInvalidSource:      "invalid source",
	CodeSendFailed:         "send failed",
	CodeProbeFailed:        "probe failed",
	CodeReceiveFailed:      "receive failed",
	CodeBarrierFailed:      "barrier failed",
	CodeAbortFailed:        "abort failed",
	CodeGatherFailed:       "gather failed",
	CodeAllGatherFailed:    "all-gather failed",
	CodeInvalidLimit:       "invalid limit",
}

func (c ErrCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}

	return fmt.Sprintf("error code %d", int(c))
}

// IsConfig tells if the code reports a misuse of the transport.
func (c ErrCode) IsConfig() bool {
	switch c {
	case CodeAlreadyInitialized, CodeNotInitialized, CodeInvalidMsgSize,
		CodeInvalidDestination, CodeInvalidSource, CodeInvalidLimit:
		return true
	}

	return false
}

// IsFault tells if the code reports a failure of the underlying fabric.
func (c ErrCode) IsFault() bool {
	return c >= CodeSendFailed && c <= CodeAllGatherFailed
}

// Error is the error type returned by the transport.
type Error struct {
	Code ErrCode
	Op   string
	Peer int
	Err  error
}

// Sentinel errors, one per code, for use with errors.Is.
var (
	ErrAlreadyInitialized = &Error{Code: CodeAlreadyInitialized}
	ErrNotInitialized     = &Error{Code: CodeNotInitialized}
	ErrInvalidMsgSize     = &Error{Code: CodeInvalidMsgSize}
	ErrInvalidDestination = &Error{Code: CodeInvalidDestination}
	ErrInvalidSource      = &Error{Code: CodeInvalidSource}
	ErrSendFailed         = &Error{Code: CodeSendFailed}
	ErrProbeFailed        = &Error{Code: CodeProbeFailed}
	ErrReceiveFailed      = &Error{Code: CodeReceiveFailed}
	ErrBarrierFailed      = &Error{Code: CodeBarrierFailed}
	ErrAbortFailed        = &Error{Code: CodeAbortFailed}
	ErrGatherFailed       = &Error{Code: CodeGatherFailed}
	ErrAllGatherFailed    = &Error{Code: CodeAllGatherFailed}
	ErrInvalidLimit       = &Error{Code: CodeInvalidLimit}
)

func newError(code ErrCode, op string, peer int, err error) *Error {
	return &Error{Code: code, Op: op, Peer: peer, Err: err}
}

func (e *Error) Error() string {
	s := "transport"
	if e.Op != "" {
		s += ": " + e.Op
	}

	if e.Peer >= 0 && e.Op != "" {
		s += fmt.Sprintf(" %d", e.Peer)
	}

	s += ": " + e.Code.String()

	if e.Err != nil {
		s += ": " + e.Err.Error()
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Op == "" && t.Err == nil && t.Code == e.Code
}

// IsConfigError tells if err is a transport configuration error.
func IsConfigError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Code.IsConfig()
}

// IsFault tells if err is a failure of the underlying fabric. Faults are
// never retried.
func IsFault(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Code.IsFault()
}
