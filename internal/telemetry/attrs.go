package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for bus operations. Connection/message-routing keys use a
// "bus." prefix; RPC-shaped keys (method calls awaiting a reply) use
// "bus.call.".
const (
	AttrConnectionID = "bus.connection_id"
	AttrMessageType  = "bus.message_type"
	AttrSerial       = "bus.call.serial"
	AttrPath         = "bus.call.path"
	AttrInterface    = "bus.call.interface"
	AttrMember       = "bus.call.member"
	AttrDestination  = "bus.call.destination"
)

// ConnectionID returns an attribute for a connection identifier.
func ConnectionID(id string) attribute.KeyValue {
	return attribute.String(AttrConnectionID, id)
}

// MessageType returns an attribute for a message's wire type name.
func MessageType(t string) attribute.KeyValue {
	return attribute.String(AttrMessageType, t)
}

// Serial returns an attribute for a message serial.
func Serial(s uint32) attribute.KeyValue {
	return attribute.Int64(AttrSerial, int64(s))
}

// Path returns an attribute for an object path header.
func Path(p string) attribute.KeyValue {
	return attribute.String(AttrPath, p)
}

// Interface returns an attribute for an interface name header.
func Interface(i string) attribute.KeyValue {
	return attribute.String(AttrInterface, i)
}

// Member returns an attribute for a method/signal name header.
func Member(m string) attribute.KeyValue {
	return attribute.String(AttrMember, m)
}

// Destination returns an attribute for a destination header.
func Destination(d string) attribute.KeyValue {
	return attribute.String(AttrDestination, d)
}

// StartCallSpan starts a span for one outbound method call, analogous to an
// RPC client span: named "bus.call.<interface>.<member>" and pre-populated
// with the routing attributes a reply handler or error path will want.
func StartCallSpan(ctx context.Context, iface, member, destination string, serial uint32) (context.Context, trace.Span) {
	name := "bus.call"
	if iface != "" && member != "" {
		name = "bus.call." + iface + "." + member
	}
	return StartSpan(ctx, name, trace.WithAttributes(
		Interface(iface),
		Member(member),
		Destination(destination),
		Serial(serial),
	))
}

// StartDispatchSpan starts a span for one inbound message handed to a
// connection's spontaneous-message receiver (an unsolicited method call or
// a signal), analogous to a server-side RPC span.
func StartDispatchSpan(ctx context.Context, msgType, iface, member string) (context.Context, trace.Span) {
	name := "bus.dispatch"
	if member != "" {
		name = "bus.dispatch." + member
	}
	return StartSpan(ctx, name, trace.WithAttributes(
		MessageType(msgType),
		Interface(iface),
		Member(member),
	))
}
