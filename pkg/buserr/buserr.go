// Package buserr defines the single error enumeration shared by the codec,
// message, and connection layers. Errors are values: every fallible
// operation in this module returns a *buserr.Error (or nil) rather than
// panicking or raising an exception.
package buserr

import (
	"errors"
	"fmt"
)

// Code identifies a specific failure. Codes are listed in three groups
// (codec, message, connection) but numbered as one sequence from zero; the
// numeric value carries no group prefix.
type Code int

const (
	// Codec band.
	CodecOK Code = iota
	SignatureTooLong
	ExcessiveNesting
	EmptyStruct
	EmptyVariant
	NotSingleCompleteTypeInVariant
	InvalidKeyTypeInDict
	ArrayOrDictTooLong
	ArgumentsTooLong
	CannotEndArrayHere
	CannotEndVariantHere
	CannotEndStructHere
	TypeMismatchInSubsequentArrayIteration
	InvalidString
	InvalidObjectPath
	InvalidSignature
	InvalidType
	MalformedMessageData
	StateNotSkippable
	ReadWrongType

	// Message band.
	MessagePath
	MessageMethod
	MessageInterface
	MessageErrorName
	MessageReplySerial
	MessageSerial
	MessageProtocolVersion
	MessageType
	SendingTooManyUnixFds

	// Connection band.
	LocalDisconnect
	RemoteDisconnect
	Timeout
	Connection
	NoReplySlot
	AuthenticationFailed
	InvalidAddress
	WouldBlock
	TransportClosed
)

var codeNames = map[Code]string{
	SignatureTooLong:                        "SignatureTooLong",
	ExcessiveNesting:                        "ExcessiveNesting",
	EmptyStruct:                             "EmptyStruct",
	EmptyVariant:                            "EmptyVariant",
	NotSingleCompleteTypeInVariant:          "NotSingleCompleteTypeInVariant",
	InvalidKeyTypeInDict:                    "InvalidKeyTypeInDict",
	ArrayOrDictTooLong:                      "ArrayOrDictTooLong",
	ArgumentsTooLong:                        "ArgumentsTooLong",
	CannotEndArrayHere:                      "CannotEndArrayHere",
	CannotEndVariantHere:                    "CannotEndVariantHere",
	CannotEndStructHere:                     "CannotEndStructHere",
	TypeMismatchInSubsequentArrayIteration:  "TypeMismatchInSubsequentArrayIteration",
	InvalidString:                           "InvalidString",
	InvalidObjectPath:                       "InvalidObjectPath",
	InvalidSignature:                        "InvalidSignature",
	InvalidType:                             "InvalidType",
	MalformedMessageData:                    "MalformedMessageData",
	StateNotSkippable:                       "StateNotSkippable",
	ReadWrongType:                           "ReadWrongType",
	MessagePath:                             "MessagePath",
	MessageMethod:                           "MessageMethod",
	MessageInterface:                        "MessageInterface",
	MessageErrorName:                        "MessageErrorName",
	MessageReplySerial:                      "MessageReplySerial",
	MessageSerial:                           "MessageSerial",
	MessageProtocolVersion:                  "MessageProtocolVersion",
	MessageType:                             "MessageType",
	SendingTooManyUnixFds:                   "SendingTooManyUnixFds",
	LocalDisconnect:                         "LocalDisconnect",
	RemoteDisconnect:                        "RemoteDisconnect",
	Timeout:                                 "Timeout",
	Connection:                              "Connection",
	NoReplySlot:                             "NoReplySlot",
	AuthenticationFailed:                    "AuthenticationFailed",
	InvalidAddress:                          "InvalidAddress",
	WouldBlock:                              "WouldBlock",
	TransportClosed:                         "TransportClosed",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "Unknown"
}

// Error wraps a Code with an optional human-readable detail and an optional
// underlying cause, so errors.Is/errors.As keep working through the stack
// (Writer -> Arguments -> Message -> PendingReply).
type Error struct {
	Code   Code
	Detail string
	Cause  error
}

// New constructs an *Error with no detail and no cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Newf constructs an *Error with a formatted detail message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that carries an underlying cause.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Cause)
		}
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is lets errors.Is(err, buserr.New(SomeCode)) match any *Error sharing the
// same Code, regardless of Detail/Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, or
// CodecOK's zero value otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
