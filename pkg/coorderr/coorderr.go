// Package coorderr defines the status model used across the coordination
// service. Every error carries a gRPC status code and a human-readable
// message; coordination errors also carry a payload, which names the source
// task once WithSourceTask has stamped it. RegisterTask checks for the
// payload to decide whether a reconnect is allowed.
package coorderr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

// Payload is the coordination error payload attached to propagated errors.
type Payload struct {
	SourceTask      *types.Task `json:"source_task,omitempty"`
	IsReportedError bool        `json:"is_reported_error,omitempty"`
}

// Error is a status-kind error. The zero value is not valid; use the
// constructors below.
type Error struct {
	StatusCode codes.Code
	Message    string
	// Payload is non-nil for coordination errors: every error built by the
	// kind constructors except NotFoundf. Plain and NotFoundf leave it nil.
	Payload *Payload
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.StatusCode, e.Message)
}

// New returns a coordination error with the given code. The payload is
// attached with no source task; use WithSourceTask to fill it in.
func New(code codes.Code, format string, args ...any) *Error {
	return &Error{
		StatusCode: code,
		Message:    fmt.Sprintf(format, args...),
		Payload:    &Payload{},
	}
}

// Plain returns an error with the given code and no coordination payload.
func Plain(code codes.Code, format string, args ...any) *Error {
	return &Error{StatusCode: code, Message: fmt.Sprintf(format, args...)}
}

func Internalf(format string, args ...any) *Error {
	return New(codes.Internal, format, args...)
}

func InvalidArgumentf(format string, args ...any) *Error {
	return New(codes.InvalidArgument, format, args...)
}

func FailedPreconditionf(format string, args ...any) *Error {
	return New(codes.FailedPrecondition, format, args...)
}

func AlreadyExistsf(format string, args ...any) *Error {
	return New(codes.AlreadyExists, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	// Key misses are plain lookup failures, not cluster state changes.
	return Plain(codes.NotFound, format, args...)
}

func Unavailablef(format string, args ...any) *Error {
	return New(codes.Unavailable, format, args...)
}

func DeadlineExceededf(format string, args ...any) *Error {
	return New(codes.DeadlineExceeded, format, args...)
}

func Abortedf(format string, args ...any) *Error {
	return New(codes.Aborted, format, args...)
}

func Cancelledf(format string, args ...any) *Error {
	return New(codes.Canceled, format, args...)
}

// WithSourceTask stamps the payload with the task the error is about and
// returns err for chaining. A payload is created if the error was plain.
func WithSourceTask(err *Error, task types.Task) *Error {
	if err.Payload == nil {
		err.Payload = &Payload{}
	}
	t := task
	err.Payload.SourceTask = &t
	return err
}

// Code extracts the status code from any error. A nil error maps to OK and
// a foreign error to Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return codes.Unknown
}

// GetPayload returns the coordination payload of err, or nil if err is nil,
// foreign, or plain.
func GetPayload(err error) *Payload {
	var e *Error
	if errors.As(err, &e) {
		return e.Payload
	}
	return nil
}

// Message returns the message of err without the code prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func IsUnavailable(err error) bool        { return Code(err) == codes.Unavailable }
func IsAborted(err error) bool            { return Code(err) == codes.Aborted }
func IsCancelled(err error) bool          { return Code(err) == codes.Canceled }
func IsNotFound(err error) bool           { return Code(err) == codes.NotFound }
func IsInternal(err error) bool           { return Code(err) == codes.Internal }
func IsInvalidArgument(err error) bool    { return Code(err) == codes.InvalidArgument }
func IsDeadlineExceeded(err error) bool   { return Code(err) == codes.DeadlineExceeded }
func IsFailedPrecondition(err error) bool { return Code(err) == codes.FailedPrecondition }
func IsAlreadyExists(err error) bool      { return Code(err) == codes.AlreadyExists }

// ToGRPCStatus converts err into a *status.Status for transports that speak
// gRPC status directly.
func ToGRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	var e *Error
	if errors.As(err, &e) {
		return status.New(e.StatusCode, e.Message)
	}
	return status.New(codes.Unknown, err.Error())
}

// FromCodeAndMessage rebuilds an Error from wire form. The payload fields
// travel separately on the wire and are re-attached by the caller.
func FromCodeAndMessage(code uint32, message string) *Error {
	if codes.Code(code) == codes.OK {
		return nil
	}
	return New(codes.Code(code), "%s", message)
}
