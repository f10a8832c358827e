package commands

import (
	"fmt"
	"strconv"

	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/wire"
)

// encodeArgs builds an Arguments body from a signature string and one
// command-line string per basic-type element. Only the basic (non-
// container) type letters are supported — a CLI argument list has no
// natural way to express array/struct/dict nesting, so callers that need
// those build the body with pkg/wire directly.
func encodeArgs(order busdata.ByteOrder, sig string, values []string) (busdata.Arguments, error) {
	if len(sig) != len(values) {
		return busdata.Arguments{}, fmt.Errorf("signature %q has %d element(s) but %d value(s) were given", sig, len(sig), len(values))
	}

	w := wire.NewWriter(order)
	for i := 0; i < len(sig); i++ {
		if err := encodeOne(w, sig[i], values[i]); err != nil {
			return busdata.Arguments{}, fmt.Errorf("argument %d (%c): %w", i+1, sig[i], err)
		}
	}
	return w.Finish()
}

func encodeOne(w *wire.Writer, letter byte, value string) error {
	switch letter {
	case busdata.TypeString:
		return w.WriteString(value)
	case busdata.TypeObjectPath:
		return w.WriteObjectPath(value)
	case busdata.TypeSignature:
		return w.WriteSignature(value)
	case busdata.TypeBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		return w.WriteBool(b)
	case busdata.TypeByte:
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		return w.WriteByte(byte(n))
	case busdata.TypeInt16:
		n, err := strconv.ParseInt(value, 10, 16)
		if err != nil {
			return err
		}
		return w.WriteInt16(int16(n))
	case busdata.TypeUint16:
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return err
		}
		return w.WriteUint16(uint16(n))
	case busdata.TypeInt32:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return err
		}
		return w.WriteInt32(int32(n))
	case busdata.TypeUint32:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		return w.WriteUint32(uint32(n))
	case busdata.TypeInt64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		return w.WriteInt64(n)
	case busdata.TypeUint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		return w.WriteUint64(n)
	case busdata.TypeDouble:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		return w.WriteDouble(f)
	default:
		return fmt.Errorf("unsupported argument type letter %q for a command-line value", letter)
	}
}

// decodeArgsToStrings renders a reply's body back to one printable string
// per basic-type element, the mirror of encodeArgs, for call's default
// human-readable output.
func decodeArgsToStrings(args busdata.Arguments) ([]string, error) {
	r := wire.NewReader(args)
	out := make([]string, 0, len(args.Signature))
	for i := 0; i < len(args.Signature); i++ {
		s, err := decodeOne(r, args.Signature[i])
		if err != nil {
			return nil, fmt.Errorf("element %d (%c): %w", i+1, args.Signature[i], err)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeOne(r *wire.Reader, letter byte) (string, error) {
	switch letter {
	case busdata.TypeString:
		return r.ReadString()
	case busdata.TypeObjectPath:
		return r.ReadObjectPath()
	case busdata.TypeSignature:
		return r.ReadSignature()
	case busdata.TypeBool:
		b, err := r.ReadBool()
		return strconv.FormatBool(b), err
	case busdata.TypeByte:
		b, err := r.ReadByte()
		return strconv.FormatUint(uint64(b), 10), err
	case busdata.TypeInt16:
		n, err := r.ReadInt16()
		return strconv.FormatInt(int64(n), 10), err
	case busdata.TypeUint16:
		n, err := r.ReadUint16()
		return strconv.FormatUint(uint64(n), 10), err
	case busdata.TypeInt32:
		n, err := r.ReadInt32()
		return strconv.FormatInt(int64(n), 10), err
	case busdata.TypeUint32:
		n, err := r.ReadUint32()
		return strconv.FormatUint(uint64(n), 10), err
	case busdata.TypeInt64:
		n, err := r.ReadInt64()
		return strconv.FormatInt(n, 10), err
	case busdata.TypeUint64:
		n, err := r.ReadUint64()
		return strconv.FormatUint(n, 10), err
	case busdata.TypeDouble:
		f, err := r.ReadDouble()
		return strconv.FormatFloat(f, 'g', -1, 64), err
	default:
		return "", fmt.Errorf("unsupported reply type letter %q for human-readable output", letter)
	}
}
