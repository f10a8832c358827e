// Package message owns the Message type: fixed header, variable header
// table, and payload Arguments, plus (de)serialization to/from a
// contiguous byte buffer. Parsing is resumable: a partial buffer reports
// needMoreDataMarker rather than erroring, the same way a record-marked
// RPC fragment parser tells its caller to wait for more bytes instead of
// failing on a short read.
package message

import (
	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/buserr"
	"github.com/buslink/buslink/pkg/wire"
)

// Type is the message type byte.
type Type byte

const (
	TypeInvalid Type = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

// Flags are the message flags byte.
type Flags byte

const (
	FlagNoReplyExpected Flags = 1 << 0
	FlagNoAutoStart     Flags = 1 << 1
)

const ProtocolVersion byte = 1

// HeaderTag identifies one variable-header record.
type HeaderTag byte

const (
	HeaderInvalid HeaderTag = iota
	HeaderPath
	HeaderInterface
	HeaderMethod
	HeaderErrorName
	HeaderReplySerial
	HeaderDestination
	HeaderSender
	HeaderSignature
	HeaderUnixFds
)

// Message is the unit of communication: a fixed header, a variable header
// table, and a payload Arguments.
type Message struct {
	Order           busdata.ByteOrder
	Type            Type
	Flags           Flags
	ProtocolVersion byte
	Serial          uint32

	Path        string
	Interface   string
	Method      string
	ErrorName   string
	ReplySerial uint32
	HasReply    bool
	Destination string
	Sender      string
	Signature   string
	UnixFds     uint32

	Body Arguments
	FDs  []int
}

// Arguments is a local alias for busdata.Arguments.
type Arguments = busdata.Arguments

// New constructs an empty Message ready to have headers set and a body
// attached.
func New(order busdata.ByteOrder, typ Type) *Message {
	return &Message{Order: order, Type: typ, ProtocolVersion: ProtocolVersion}
}

// SetBody attaches args as the payload, adopting its signature and FDs.
func (m *Message) SetBody(args Arguments) {
	m.Body = args
	m.Signature = args.Signature
	m.FDs = args.FDs
}

// requiredHeaders validates that m carries the headers its Type demands.
func (m *Message) requiredHeaders() error {
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" {
			return buserr.New(buserr.MessagePath)
		}
		if m.Method == "" {
			return buserr.New(buserr.MessageMethod)
		}
	case TypeSignal:
		if m.Path == "" {
			return buserr.New(buserr.MessagePath)
		}
		if m.Interface == "" {
			return buserr.New(buserr.MessageInterface)
		}
		if m.Method == "" {
			return buserr.New(buserr.MessageMethod)
		}
	case TypeMethodReturn:
		if !m.HasReply {
			return buserr.New(buserr.MessageReplySerial)
		}
	case TypeError:
		if m.ErrorName == "" {
			return buserr.New(buserr.MessageErrorName)
		}
		if !m.HasReply {
			return buserr.New(buserr.MessageReplySerial)
		}
	default:
		return buserr.New(buserr.MessageType)
	}
	return nil
}

// Serialize produces a contiguous buffer: 12-byte fixed header, the
// variable-header array encoded via the codec, zero padding to the next
// 8-byte boundary, then the body.
func (m *Message) Serialize() ([]byte, error) {
	if m.Serial == 0 {
		return nil, buserr.New(buserr.MessageSerial)
	}
	if m.ProtocolVersion != ProtocolVersion {
		return nil, buserr.New(buserr.MessageProtocolVersion)
	}
	if err := m.requiredHeaders(); err != nil {
		return nil, err
	}
	if len(m.FDs) > 16 {
		return nil, buserr.New(buserr.SendingTooManyUnixFds)
	}

	hw := wire.NewWriter(m.Order)
	if err := m.writeHeaderArray(hw); err != nil {
		return nil, err
	}
	headerArgs, err := hw.Finish()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 12, 12+len(headerArgs.Body)+8+len(m.Body.Body))
	buf[0] = byte(m.Order)
	buf[1] = byte(m.Type)
	buf[2] = byte(m.Flags)
	buf[3] = m.ProtocolVersion
	putU32(buf[4:8], m.Order, uint32(len(m.Body.Body)))
	putU32(buf[8:12], m.Order, m.Serial)

	buf = append(buf, headerArgs.Body...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, m.Body.Body...)

	if len(buf) > busdata.MaxMessageBytes {
		return nil, buserr.New(buserr.ArgumentsTooLong)
	}
	return buf, nil
}

// writeHeaderArray writes the variable-header table as an array of
// (byte tag, variant) structs. Each value goes through the Writer's
// generic BeginVariant/EndVariant path; the letter passed to write is not
// used to pre-write the variant's inline signature.
func (m *Message) writeHeaderArray(w *wire.Writer) error {
	if err := w.BeginArray(wire.NonEmptyArray); err != nil {
		return err
	}
	write := func(tag HeaderTag, letter byte, fn func() error) error {
		if err := w.BeginStruct(); err != nil {
			return err
		}
		if err := w.WriteByte(byte(tag)); err != nil {
			return err
		}
		if err := w.BeginVariant(); err != nil {
			return err
		}
		if err := fn(); err != nil {
			return err
		}
		if err := w.EndVariant(); err != nil {
			return err
		}
		return w.EndStruct()
	}

	var err error
	if m.Path != "" {
		err = write(HeaderPath, busdata.TypeObjectPath, func() error { return w.WriteObjectPath(m.Path) })
	}
	if err == nil && m.Interface != "" {
		err = write(HeaderInterface, busdata.TypeString, func() error { return w.WriteString(m.Interface) })
	}
	if err == nil && m.Method != "" {
		err = write(HeaderMethod, busdata.TypeString, func() error { return w.WriteString(m.Method) })
	}
	if err == nil && m.ErrorName != "" {
		err = write(HeaderErrorName, busdata.TypeString, func() error { return w.WriteString(m.ErrorName) })
	}
	if err == nil && m.HasReply {
		err = write(HeaderReplySerial, busdata.TypeUint32, func() error { return w.WriteUint32(m.ReplySerial) })
	}
	if err == nil && m.Destination != "" {
		err = write(HeaderDestination, busdata.TypeString, func() error { return w.WriteString(m.Destination) })
	}
	if err == nil && m.Sender != "" {
		err = write(HeaderSender, busdata.TypeString, func() error { return w.WriteString(m.Sender) })
	}
	if err == nil && m.Signature != "" {
		err = write(HeaderSignature, busdata.TypeSignature, func() error { return w.WriteSignature(m.Signature) })
	}
	if err == nil && len(m.FDs) > 0 {
		err = write(HeaderUnixFds, busdata.TypeUint32, func() error { return w.WriteUint32(uint32(len(m.FDs))) })
	}
	if err != nil {
		return err
	}
	return w.EndArray()
}

func putU32(b []byte, order busdata.ByteOrder, v uint32) {
	if order == busdata.LittleEndian {
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		b[2] = byte(v >> 16)
		b[3] = byte(v >> 24)
	} else {
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
	}
}

func getU32(b []byte, order busdata.ByteOrder) uint32 {
	if order == busdata.LittleEndian {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}
	return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24
}
