package busdata

import (
	"encoding/binary"

	"github.com/buslink/buslink/pkg/buserr"
)

// ByteOrder flags which endianness a body was (or will be) encoded in.
type ByteOrder byte

const (
	LittleEndian ByteOrder = 'l'
	BigEndian    ByteOrder = 'B'
)

// MaxArrayBytes and MaxMessageBytes are the hard wire limits: exceeding
// either is a hard error, never a truncation.
const (
	MaxArrayBytes   = 64 * 1024 * 1024
	MaxMessageBytes = 128 * 1024 * 1024
)

// Arguments is the value-type container for one serialized argument tree:
// its signature, the raw body bytes, the byte order those bytes were
// written in, any Unix file descriptors the tree references, and the first
// error encountered while building or parsing it.
//
// Arguments has deep-copy value semantics on Clone; Take transfers
// ownership of the backing slices to dst and resets the receiver, modeling
// a C++ move-assign (see DESIGN.md Open Question 2): a self-Take is a no-op,
// any other Take fully transfers state.
type Arguments struct {
	Signature string
	Body      []byte
	Order     ByteOrder
	FDs       []int
	Err       error
}

// Empty returns a valid zero-value Arguments: empty signature, empty body.
func Empty(order ByteOrder) Arguments {
	return Arguments{Signature: "", Body: nil, Order: order}
}

// Valid reports whether the Arguments carries no error.
func (a *Arguments) Valid() bool {
	return a.Err == nil
}

// SetError records err if none has been recorded yet; once set, an
// Arguments stays in the error state — the first error in a chain wins.
func (a *Arguments) SetError(err error) {
	if a.Err == nil {
		a.Err = err
	}
}

// Clone returns a deep copy: independent Body and FDs slices.
func (a Arguments) Clone() Arguments {
	out := Arguments{Signature: a.Signature, Order: a.Order, Err: a.Err}
	if a.Body != nil {
		out.Body = append([]byte(nil), a.Body...)
	}
	if a.FDs != nil {
		out.FDs = append([]int(nil), a.FDs...)
	}
	return out
}

// Take transfers ownership of a's backing storage into dst and resets a to
// the zero value. If dst == a (self-assignment), Take is a no-op: this
// mirrors a corrected reading of the original's self-assignment guard
// (DESIGN.md Open Question 2) — the move happens exactly when source and
// destination differ.
func (a *Arguments) Take(dst *Arguments) {
	if a == dst {
		return
	}
	*dst = *a
	*a = Arguments{}
}

// HostByteOrder returns the host's native byte order tag, used when a
// Writer starts a new Arguments with no explicit order requested.
func HostByteOrder() ByteOrder {
	var buf [2]byte
	binary.NativeEndian.PutUint16(buf[:], 1)
	if buf[0] == 1 {
		return LittleEndian
	}
	return BigEndian
}

func checkBodyLimit(n int) error {
	if n > MaxMessageBytes {
		return buserr.New(buserr.ArgumentsTooLong)
	}
	return nil
}
