package authority

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errorDomain tags ErrorInfo details produced by this service.
const errorDomain = "handoff.authority"

// Code is a machine-readable failure reason.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Issuance
	CodeAccountBusy        Code = "ACCOUNT_BUSY"
	CodeInvalidCharacter   Code = "INVALID_CHARACTER"
	CodeChannelUnavailable Code = "CHANNEL_UNAVAILABLE"

	// Redemption
	CodeNotFound        Code = "TICKET_NOT_FOUND"
	CodeExpired         Code = "TICKET_EXPIRED"
	CodeConsumed        Code = "TICKET_CONSUMED"
	CodeMachineMismatch Code = "MACHINE_MISMATCH"

	// Transport
	CodeTimeout     Code = "TIMEOUT"
	CodeUnavailable Code = "UNAVAILABLE"

	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeInternal        Code = "INTERNAL"
)

// Transport reports whether the code describes an RPC leg failure rather
// than a decision made by the authority.
func (c Code) Transport() bool {
	return c == CodeTimeout || c == CodeUnavailable
}

// Redemption reports whether the code is a redeem-time rejection.
func (c Code) Redemption() bool {
	switch c {
	case CodeNotFound, CodeExpired, CodeConsumed, CodeMachineMismatch:
		return true
	}
	return false
}

func (c Code) grpcCode() codes.Code {
	switch c {
	case CodeAccountBusy:
		return codes.Aborted
	case CodeInvalidCharacter, CodeInvalidArgument:
		return codes.InvalidArgument
	case CodeChannelUnavailable, CodeExpired, CodeConsumed, CodeMachineMismatch:
		return codes.FailedPrecondition
	case CodeNotFound:
		return codes.NotFound
	case CodeTimeout:
		return codes.DeadlineExceeded
	case CodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Error is a domain error carrying a Code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so errors.Is(err, ErrConsumed)
// works across wrapping and across the RPC boundary.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrAccountBusy        = &Error{Code: CodeAccountBusy, Message: "account busy"}
	ErrInvalidCharacter   = &Error{Code: CodeInvalidCharacter, Message: "invalid character"}
	ErrChannelUnavailable = &Error{Code: CodeChannelUnavailable, Message: "channel unavailable"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "ticket not found"}
	ErrExpired            = &Error{Code: CodeExpired, Message: "ticket expired"}
	ErrConsumed           = &Error{Code: CodeConsumed, Message: "ticket consumed"}
	ErrMachineMismatch    = &Error{Code: CodeMachineMismatch, Message: "machine mismatch"}
	ErrTimeout            = &Error{Code: CodeTimeout, Message: "authority timeout"}
	ErrUnavailable        = &Error{Code: CodeUnavailable, Message: "authority unavailable"}
)

func wrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from any error. Context deadlines count as
// timeouts wherever they surface.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeUnavailable
	}
	return CodeUnknown
}

// ToStatus converts a domain error to a gRPC status carrying ErrorInfo.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	if code == CodeUnknown {
		code = CodeInternal
	}
	st := status.New(code.grpcCode(), err.Error())
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(code),
		Domain: errorDomain,
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// FromStatus restores the domain error from a gRPC client error.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(CodeTimeout, "authority timeout", err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return wrapError(CodeUnavailable, "authority unavailable", err)
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == errorDomain {
			return &Error{Code: Code(info.GetReason()), Message: st.Message()}
		}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return wrapError(CodeTimeout, "authority timeout", err)
	case codes.Unavailable, codes.Canceled:
		return wrapError(CodeUnavailable, "authority unavailable", err)
	default:
		return wrapError(CodeInternal, "authority error", err)
	}
}
