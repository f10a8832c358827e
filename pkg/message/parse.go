package message

import (
	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/buserr"
	"github.com/buslink/buslink/pkg/wire"
)

// needMoreData is a distinguishable marker error; buserr.Code alone can't
// tell "incomplete" apart from "corrupt" for callers that want to keep
// reading, so Parse returns this exact sentinel (compare with ==) when
// more bytes are needed, and a *buserr.Error whose code names the fault
// (e.g. MessageProtocolVersion, ArgumentsTooLong, MalformedMessageData)
// for genuinely invalid data.
type needMoreDataMarker struct{}

func (needMoreDataMarker) Error() string { return "need more data" }

// NeedMoreData is the sentinel Parse returns when buf is too short.
var NeedMoreData error = needMoreDataMarker{}

// fixedHeaderSize is the 12-byte fixed header; minHeaderPeek is the extra
// bytes (the variable-header array's own 4-byte length prefix) needed
// before the total message length can even be computed.
const (
	fixedHeaderSize = 12
	minHeaderPeek   = 16
)

// Parse attempts to deserialize one Message from the front of buf. It
// returns (msg, consumed, nil) on success, (nil, 0, NeedMoreData) if buf is
// too short, or (nil, 0, err) on malformed data. fds are the out-of-band
// Unix file descriptors the transport delivered alongside these bytes.
func Parse(buf []byte, fds []int) (*Message, int, error) {
	if len(buf) < minHeaderPeek {
		return nil, 0, NeedMoreData
	}

	order := busdata.ByteOrder(buf[0])
	if order != busdata.LittleEndian && order != busdata.BigEndian {
		return nil, 0, buserr.New(buserr.MessageType)
	}
	typ := Type(buf[1])
	flags := Flags(buf[2])
	protoVersion := buf[3]
	bodyLen := getU32(buf[4:8], order)
	serial := getU32(buf[8:12], order)
	headerArrayLen := getU32(buf[12:16], order)

	if protoVersion != ProtocolVersion {
		return nil, 0, buserr.New(buserr.MessageProtocolVersion)
	}
	if bodyLen > busdata.MaxMessageBytes || headerArrayLen > busdata.MaxArrayBytes {
		return nil, 0, buserr.New(buserr.ArgumentsTooLong)
	}

	headerArrayEnd := minHeaderPeek + int(headerArrayLen)
	bodyStart := busdata.Align(headerArrayEnd, 8)
	total := bodyStart + int(bodyLen)
	if total > busdata.MaxMessageBytes {
		return nil, 0, buserr.New(buserr.ArgumentsTooLong)
	}
	if len(buf) < total {
		return nil, 0, NeedMoreData
	}

	m := &Message{
		Order:           order,
		Type:            typ,
		Flags:           flags,
		ProtocolVersion: protoVersion,
		Serial:          serial,
	}

	headerArgs := busdata.Arguments{
		Signature: "a(yv)",
		Body:      buf[fixedHeaderSize:headerArrayEnd],
		Order:     order,
	}
	if err := m.readHeaderArray(headerArgs); err != nil {
		return nil, 0, err
	}
	if err := m.requiredHeaders(); err != nil {
		return nil, 0, err
	}

	bodyBytes := append([]byte(nil), buf[bodyStart:total]...)
	m.Body = busdata.Arguments{Signature: m.Signature, Body: bodyBytes, Order: order, FDs: fds}
	if len(fds) > 0 {
		m.FDs = fds
	}

	if m.Signature != "" {
		if err := busdata.ValidateSignature(m.Signature); err != nil {
			return nil, 0, err
		}
	}

	return m, total, nil
}

func (m *Message) readHeaderArray(args busdata.Arguments) error {
	r := wire.NewReader(args)
	if _, err := r.BeginArray(); err != nil {
		return err
	}
	for r.MoreElements() {
		if err := r.BeginStruct(); err != nil {
			return err
		}
		tag, err := r.ReadByte()
		if err != nil {
			return err
		}
		sig, err := r.BeginVariant()
		if err != nil {
			return err
		}
		if err := m.readOneHeader(HeaderTag(tag), sig, r); err != nil {
			return err
		}
		if err := r.EndVariant(); err != nil {
			return err
		}
		if err := r.EndStruct(); err != nil {
			return err
		}
	}
	return r.EndArray()
}

func (m *Message) readOneHeader(tag HeaderTag, sig string, r *wire.Reader) error {
	switch tag {
	case HeaderPath:
		v, err := r.ReadObjectPath()
		m.Path = v
		return err
	case HeaderInterface:
		v, err := r.ReadString()
		m.Interface = v
		return err
	case HeaderMethod:
		v, err := r.ReadString()
		m.Method = v
		return err
	case HeaderErrorName:
		v, err := r.ReadString()
		m.ErrorName = v
		return err
	case HeaderReplySerial:
		v, err := r.ReadUint32()
		m.ReplySerial = v
		m.HasReply = true
		return err
	case HeaderDestination:
		v, err := r.ReadString()
		m.Destination = v
		return err
	case HeaderSender:
		v, err := r.ReadString()
		m.Sender = v
		return err
	case HeaderSignature:
		v, err := r.ReadSignature()
		m.Signature = v
		return err
	case HeaderUnixFds:
		v, err := r.ReadUint32()
		m.UnixFds = v
		return err
	default:
		// Unknown header tags are skipped per the variable-header table's
		// forward-compatible design: the variant's own signature already
		// tells us how many bytes to consume.
		return skipBySignature(r, sig)
	}
}

func skipBySignature(r *wire.Reader, sig string) error {
	if sig == "" {
		return nil
	}
	return r.SkipX()
}
