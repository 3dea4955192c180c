package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// ExceptionKind classifies a runtime failure.
type ExceptionKind int

const (
	KindInvalidProgram ExceptionKind = iota
	KindResourceNotFound
	KindShortRead
	KindCryptoFailure
	KindNullReference
	KindIndexOutOfRange
	KindUserThrow
)

var kindNames = map[ExceptionKind]string{
	KindInvalidProgram:   "InvalidProgram",
	KindResourceNotFound: "ResourceNotFound",
	KindShortRead:        "ShortRead",
	KindCryptoFailure:    "CryptoFailure",
	KindNullReference:    "NullReference",
	KindIndexOutOfRange:  "IndexOutOfRange",
	KindUserThrow:        "UserThrow",
}

func (k ExceptionKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ExceptionKind(%d)", int(k))
}

// Exception is a runtime failure raised by an instruction, a host routine
// or THROW. It travels through handler tables and, when uncaught, out of
// Runtime.Call as an error.
type Exception struct {
	Kind    ExceptionKind
	Message string
	Value   Value // the thrown value for KindUserThrow
	Err     error // underlying cause, if any
}

func (e *Exception) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Exception) Unwrap() error {
	return e.Err
}

func throwf(kind ExceptionKind, format string, args ...interface{}) *Exception {
	return &Exception{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// asException converts err into an Exception, keeping identity when err
// already is one.
func asException(err error) *Exception {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc
	}
	return &Exception{Kind: KindInvalidProgram, Message: "host failure", Err: err}
}

// IsKind reports whether err is an Exception of the given kind.
func IsKind(err error, kind ExceptionKind) bool {
	var exc *Exception
	return errors.As(err, &exc) && exc.Kind == kind
}
