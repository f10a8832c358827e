package logger

import (
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// These keys are shared across the codec, transport, dispatcher, and
// connection layers so log aggregation and querying stay consistent.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Message Routing
	// ========================================================================
	KeyMessageType = "message_type" // method_call, method_return, error, signal
	KeySerial      = "serial"       // outgoing message serial
	KeyReplySerial = "reply_serial" // serial this message replies to
	KeyPath        = "path"         // object path header
	KeyInterface   = "interface"    // interface name header
	KeyMember      = "member"       // method or signal name header
	KeyErrorName   = "error_name"   // error name header
	KeyDestination = "destination"  // destination unique/well-known name
	KeySender      = "sender"       // sender unique name
	KeySignature   = "signature"    // body type signature

	// ========================================================================
	// Connection & Transport
	// ========================================================================
	KeyConnectionID = "connection_id" // connection identifier
	KeyState        = "state"         // connection/authenticator state
	KeyAddress      = "address"       // bus/peer address string
	KeyUniqueName   = "unique_name"   // bus-assigned unique endpoint name
	KeyBytesRead    = "bytes_read"    // bytes read off the transport
	KeyBytesWritten = "bytes_written" // bytes written to the transport
	KeyNumFds       = "num_fds"       // unix fds attached to a message
	KeyTimeoutMs    = "timeout_ms"    // reply timeout in milliseconds

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyErrorCode  = "error_code"  // numeric error code from the shared error enum
	KeyOperation  = "operation"   // sub-operation label for multi-step flows
	KeyHandle     = "handle"      // opaque binary handle, rendered as hex
)

// TraceID returns a slog.Attr for the OpenTelemetry trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for the OpenTelemetry span ID.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// MessageType returns a slog.Attr for a message's wire type name.
func MessageType(t string) slog.Attr { return slog.String(KeyMessageType, t) }

// Serial returns a slog.Attr for a message serial.
func Serial(s uint32) slog.Attr { return slog.Any(KeySerial, s) }

// ReplySerial returns a slog.Attr for a reply-serial header value.
func ReplySerial(s uint32) slog.Attr { return slog.Any(KeyReplySerial, s) }

// Path returns a slog.Attr for an object path header.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// Interface returns a slog.Attr for an interface name header.
func Interface(i string) slog.Attr { return slog.String(KeyInterface, i) }

// Member returns a slog.Attr for a method/signal name header.
func Member(m string) slog.Attr { return slog.String(KeyMember, m) }

// ErrorName returns a slog.Attr for an error name header.
func ErrorName(e string) slog.Attr { return slog.String(KeyErrorName, e) }

// Destination returns a slog.Attr for a destination header.
func Destination(d string) slog.Attr { return slog.String(KeyDestination, d) }

// Sender returns a slog.Attr for a sender header.
func Sender(s string) slog.Attr { return slog.String(KeySender, s) }

// Signature returns a slog.Attr for a body type signature.
func Signature(s string) slog.Attr { return slog.String(KeySignature, s) }

// ConnectionID returns a slog.Attr for a connection identifier.
func ConnectionID(id string) slog.Attr { return slog.String(KeyConnectionID, id) }

// State returns a slog.Attr for a state machine's current state.
func State(s string) slog.Attr { return slog.String(KeyState, s) }

// Address returns a slog.Attr for a bus/peer address string.
func Address(a string) slog.Attr { return slog.String(KeyAddress, a) }

// UniqueName returns a slog.Attr for the bus-assigned unique endpoint name.
func UniqueName(n string) slog.Attr { return slog.String(KeyUniqueName, n) }

// BytesRead returns a slog.Attr for bytes read off a transport.
func BytesRead(n int) slog.Attr { return slog.Int(KeyBytesRead, n) }

// BytesWritten returns a slog.Attr for bytes written to a transport.
func BytesWritten(n int) slog.Attr { return slog.Int(KeyBytesWritten, n) }

// NumFds returns a slog.Attr for the number of unix fds on a message.
func NumFds(n int) slog.Attr { return slog.Int(KeyNumFds, n) }

// TimeoutMs returns a slog.Attr for a reply timeout in milliseconds.
func TimeoutMs(ms int64) slog.Attr { return slog.Int64(KeyTimeoutMs, ms) }

// DurationMs returns a slog.Attr for an operation duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a numeric error code.
func ErrorCode(code int) slog.Attr { return slog.Int(KeyErrorCode, code) }

// Operation returns a slog.Attr for a sub-operation label.
func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }

// Handle returns a slog.Attr for an opaque binary handle, hex-encoded.
func Handle(h []byte) slog.Attr { return slog.String(KeyHandle, hex.EncodeToString(h)) }

// Any is a small helper for ad-hoc fields that don't warrant their own
// constructor; used sparingly, mirroring the rest of this package's
// type-safe-by-default convention.
func Any(key string, v any) slog.Attr {
	return slog.Any(key, fmt.Sprintf("%v", v))
}
