package iface

import (
	"errors"
	"fmt"

	"github.com/mdobak/go-xerrors"
)

type ErrorKind int

const (
	KindInvalidMediaType ErrorKind = 0x4001
	KindNetwork          ErrorKind = 0x4002
	KindService          ErrorKind = 0x4003
	KindDecode           ErrorKind = 0x4004
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidMediaType:
		return "InvalidMediaType"
	case KindNetwork:
		return "NetworkError"
	case KindService:
		return "ServiceError"
	case KindDecode:
		return "DecodeError"
	default:
		return "UnknownError"
	}
}

// Error is a classified failure. Two errors match under errors.Is when their kinds match.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

var (
	ErrInvalidMediaType = &Error{Kind: KindInvalidMediaType}
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrService          = &Error{Kind: KindService}
	ErrDecode           = &Error{Kind: KindDecode}

	ErrNoMedia = errors.New("no media selected")
)

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// UserMessage is the single line shown to the user. Service messages pass through verbatim.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindService:
		if e.Message != "" {
			return e.Message
		}
		return "detection service reported a failure"
	case KindInvalidMediaType:
		if e.Message != "" {
			return e.Message
		}
		return "Please select an image or video file"
	case KindNetwork:
		return "Could not reach the detection service"
	case KindDecode:
		return "Could not decode the source image for annotation"
	default:
		return e.Error()
	}
}

func NewError(kind ErrorKind, message string, cause error) *Error {
	if cause != nil {
		cause = xerrors.New(cause)
	}
	return &Error{Kind: kind, Message: message, Err: cause}
}

func InvalidMediaType(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidMediaType, Message: fmt.Sprintf(format, args...)}
}

func NetworkError(cause error) *Error {
	return NewError(KindNetwork, "", cause)
}

func ServiceError(message string) *Error {
	return &Error{Kind: KindService, Message: message}
}

func DecodeError(cause error) *Error {
	return NewError(KindDecode, "", cause)
}

// KindOf returns the classified kind of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// UserMessage renders any error for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.UserMessage()
	}
	return err.Error()
}
