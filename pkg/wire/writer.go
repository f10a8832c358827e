// Package wire implements the Writer and Reader that produce and consume
// the on-wire encoding of an Arguments tree: the argument codec.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/buserr"
)

// ArrayOption selects how BeginArray/BeginDict behaves with respect to the
// element type signature.
type ArrayOption int

const (
	// NonEmptyArray is the normal mode: elements are written and kept.
	NonEmptyArray ArrayOption = iota
	// WriteTypesOfEmptyArray lets the caller traverse the element type(s)
	// once, purely to emit the signature; any bytes written during that
	// traversal are discarded when the array closes.
	WriteTypesOfEmptyArray
	// RestartEmptyArrayToWriteTypes behaves like WriteTypesOfEmptyArray;
	// it exists so callers that already began a NonEmptyArray and found
	// they have no elements can still emit the type signature without
	// restructuring their call site.
	RestartEmptyArrayToWriteTypes
)

type frameKind int

const (
	frameArray frameKind = iota
	frameDictContainer
	frameDictEntry
	frameStruct
	frameVariant
)

type frame struct {
	kind frameKind

	// Signature this frame is accumulating (array element type, struct's
	// inner types, dict entry's "kv", or a variant's single complete type).
	sig []byte

	// Once the first iteration of an array/dict container is recorded,
	// subsequent iterations are verified against recordedSig letter by
	// letter instead of re-appended.
	verifying   bool
	recordedSig []byte
	verifyPos   int

	elemCount int // complete types written directly in this frame

	lengthPos    int // array/dict: position of the 4-byte length placeholder
	dataStartPos int // array/dict: position where element data begins

	emptyMode      bool // WriteTypesOfEmptyArray traversal in progress
	emptyBodyStart int  // buf length to roll back to when this closes

	variantInsertPos int // variant: position in buf to splice the signature
}

// Writer builds an Arguments by appending typed, aligned, ordered bytes.
// Construction yields an empty buffer; the writer keeps a stack of open
// aggregates and stays in an error state once any operation fails.
type Writer struct {
	order  busdata.ByteOrder
	buf    []byte
	topSig []byte
	stack  []frame
	fds    []int
	err    error
}

// NewWriter creates a Writer that encodes values in order.
func NewWriter(order busdata.ByteOrder) *Writer {
	return &Writer{order: order}
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

// Err returns the first error encountered, or nil.
func (w *Writer) Err() error { return w.err }

func (w *Writer) top() *frame {
	if len(w.stack) == 0 {
		return nil
	}
	return &w.stack[len(w.stack)-1]
}

// appendSigLetter records c as part of the signature currently being
// built: either the top frame's element/struct/variant signature, or the
// writer's top-level signature when no aggregate is open.
func (w *Writer) appendSigLetter(c byte) error {
	f := w.top()
	if f == nil {
		w.topSig = append(w.topSig, c)
		return nil
	}
	if f.verifying {
		if f.verifyPos >= len(f.recordedSig) || f.recordedSig[f.verifyPos] != c {
			return w.fail(buserr.New(buserr.TypeMismatchInSubsequentArrayIteration))
		}
		f.verifyPos++
		return nil
	}
	f.sig = append(f.sig, c)
	return nil
}

func (w *Writer) appendSigString(sig string) error {
	for i := 0; i < len(sig); i++ {
		if err := w.appendSigLetter(sig[i]); err != nil {
			return err
		}
	}
	return nil
}

// completeElement is called whenever one complete type has just finished
// being written directly inside the current frame: right after a
// primitive/string write, or right after popping a nested aggregate frame
// back up to this one.
func (w *Writer) completeElement() error {
	f := w.top()
	if f == nil {
		return nil
	}
	switch f.kind {
	case frameArray, frameDictContainer:
		f.elemCount++
		if f.elemCount == 1 {
			f.recordedSig = append([]byte(nil), f.sig...)
			f.verifying = true
			f.verifyPos = 0
		} else {
			if f.verifyPos != len(f.recordedSig) {
				return w.fail(buserr.New(buserr.TypeMismatchInSubsequentArrayIteration))
			}
			f.verifyPos = 0
		}
	case frameStruct, frameDictEntry, frameVariant:
		f.elemCount++
	}
	return nil
}

func (w *Writer) align(n int) {
	if w.err != nil || n <= 1 {
		return
	}
	padded := busdata.Align(len(w.buf), n)
	for len(w.buf) < padded {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) putUint16(v uint16) {
	var b [2]byte
	if w.order == busdata.LittleEndian {
		binary.LittleEndian.PutUint16(b[:], v)
	} else {
		binary.BigEndian.PutUint16(b[:], v)
	}
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) putUint32(v uint32) {
	var b [4]byte
	if w.order == busdata.LittleEndian {
		binary.LittleEndian.PutUint32(b[:], v)
	} else {
		binary.BigEndian.PutUint32(b[:], v)
	}
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) putUint64(v uint64) {
	var b [8]byte
	if w.order == busdata.LittleEndian {
		binary.LittleEndian.PutUint64(b[:], v)
	} else {
		binary.BigEndian.PutUint64(b[:], v)
	}
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) checkLimit() {
	if w.err == nil && len(w.buf) > busdata.MaxMessageBytes {
		w.fail(buserr.New(buserr.ArgumentsTooLong))
	}
}

// ---- primitive writers ----

func (w *Writer) WriteByte(v byte) error {
	if w.err != nil {
		return w.err
	}
	w.buf = append(w.buf, v)
	if err := w.appendSigLetter(busdata.TypeByte); err != nil {
		return err
	}
	w.checkLimit()
	return w.completeElement()
}

func (w *Writer) WriteBool(v bool) error {
	if w.err != nil {
		return w.err
	}
	w.align(4)
	if v {
		w.putUint32(1)
	} else {
		w.putUint32(0)
	}
	if err := w.appendSigLetter(busdata.TypeBool); err != nil {
		return err
	}
	w.checkLimit()
	return w.completeElement()
}

func (w *Writer) WriteInt16(v int16) error { return w.writeU16(busdata.TypeInt16, uint16(v)) }
func (w *Writer) WriteUint16(v uint16) error { return w.writeU16(busdata.TypeUint16, v) }

func (w *Writer) writeU16(letter byte, v uint16) error {
	if w.err != nil {
		return w.err
	}
	w.align(2)
	w.putUint16(v)
	if err := w.appendSigLetter(letter); err != nil {
		return err
	}
	w.checkLimit()
	return w.completeElement()
}

func (w *Writer) WriteInt32(v int32) error  { return w.writeU32(busdata.TypeInt32, uint32(v)) }
func (w *Writer) WriteUint32(v uint32) error { return w.writeU32(busdata.TypeUint32, v) }
func (w *Writer) WriteUnixFDIndex(index uint32) error {
	return w.writeU32(busdata.TypeUnixFD, index)
}

func (w *Writer) writeU32(letter byte, v uint32) error {
	if w.err != nil {
		return w.err
	}
	w.align(4)
	w.putUint32(v)
	if err := w.appendSigLetter(letter); err != nil {
		return err
	}
	w.checkLimit()
	return w.completeElement()
}

func (w *Writer) WriteInt64(v int64) error  { return w.writeU64(busdata.TypeInt64, uint64(v)) }
func (w *Writer) WriteUint64(v uint64) error { return w.writeU64(busdata.TypeUint64, v) }
func (w *Writer) WriteDouble(v float64) error {
	return w.writeU64(busdata.TypeDouble, math.Float64bits(v))
}

func (w *Writer) writeU64(letter byte, v uint64) error {
	if w.err != nil {
		return w.err
	}
	w.align(8)
	w.putUint64(v)
	if err := w.appendSigLetter(letter); err != nil {
		return err
	}
	w.checkLimit()
	return w.completeElement()
}

// WriteUnixFD appends fd to the writer's descriptor table and writes its
// index into the body; indices refer to positions in the per-message
// descriptor table carried alongside the body.
func (w *Writer) WriteUnixFD(fd int) error {
	if w.err != nil {
		return w.err
	}
	if len(w.fds) >= maxUnixFDsPerMessage {
		return w.fail(buserr.New(buserr.SendingTooManyUnixFds))
	}
	idx := uint32(len(w.fds))
	w.fds = append(w.fds, fd)
	return w.WriteUnixFDIndex(idx)
}

const maxUnixFDsPerMessage = 16

// ---- string-like writers ----

func (w *Writer) writeLengthPrefixedString(letter byte, s string, lenBytes int) error {
	if w.err != nil {
		return w.err
	}
	if err := busdata.ValidateStringBytes([]byte(s)); err != nil {
		return w.fail(err)
	}
	switch lenBytes {
	case 4:
		w.align(4)
		w.putUint32(uint32(len(s)))
	case 1:
		if len(s) > 255 {
			return w.fail(buserr.New(buserr.SignatureTooLong))
		}
		w.buf = append(w.buf, byte(len(s)))
	}
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	if err := w.appendSigLetter(letter); err != nil {
		return err
	}
	w.checkLimit()
	return w.completeElement()
}

func (w *Writer) WriteString(v string) error {
	return w.writeLengthPrefixedString(busdata.TypeString, v, 4)
}

func (w *Writer) WriteObjectPath(v string) error {
	if w.err != nil {
		return w.err
	}
	if err := busdata.ValidateObjectPath(v); err != nil {
		return w.fail(err)
	}
	return w.writeLengthPrefixedString(busdata.TypeObjectPath, v, 4)
}

func (w *Writer) WriteSignature(v string) error {
	if w.err != nil {
		return w.err
	}
	if err := busdata.ValidateSignature(v); err != nil {
		return w.fail(err)
	}
	return w.writeLengthPrefixedString(busdata.TypeSignature, v, 1)
}

// ---- aggregates ----

func (w *Writer) beginAggregate(kind frameKind) error {
	if w.err != nil {
		return w.err
	}
	if len(w.stack) >= busdata.MaxTotalNesting {
		return w.fail(buserr.New(buserr.ExcessiveNesting))
	}
	w.stack = append(w.stack, frame{kind: kind})
	return nil
}

// flushSig appends prefix, then every byte of body, then suffix (if
// nonzero) to whatever is now the active signature target (the new top
// frame after an aggregate popped, or topSig at depth zero). An array's
// element type, a struct's field types, and a dict entry's key/value types
// are all accumulated in the aggregate's own frame while it is open and
// only become part of the enclosing signature here, when it closes — this
// is also what lets an enclosing array's per-iteration type verification
// compare the flushed bytes letter by letter, the same machinery used for
// a plain primitive.
func (w *Writer) flushSig(prefix byte, body []byte, suffix byte) error {
	if err := w.appendSigLetter(prefix); err != nil {
		return err
	}
	for _, c := range body {
		if err := w.appendSigLetter(c); err != nil {
			return err
		}
	}
	if suffix != 0 {
		if err := w.appendSigLetter(suffix); err != nil {
			return err
		}
	}
	return nil
}

// BeginArray opens an array: writes a 4-byte length placeholder, aligns to
// the element's alignment once the first type letter is known, and records
// the backpatch position.
func (w *Writer) BeginArray(option ArrayOption) error {
	if w.err != nil {
		return w.err
	}
	if countKind(w.stack, frameArray, frameDictContainer) >= busdata.MaxArrayNesting {
		return w.fail(buserr.New(buserr.ExcessiveNesting))
	}
	if err := w.beginAggregate(frameArray); err != nil {
		return err
	}
	f := w.top()
	w.align(4)
	f.lengthPos = len(w.buf)
	w.putUint32(0)
	f.dataStartPos = len(w.buf)
	if option != NonEmptyArray {
		f.emptyMode = true
		f.emptyBodyStart = len(w.buf)
	}
	return nil
}

// EndArray closes the most recently opened array, backpatching its length
// field (or discarding bytes written in empty-type-traversal mode).
func (w *Writer) EndArray() error {
	f := w.top()
	if f == nil || f.kind != frameArray {
		return w.fail(buserr.New(buserr.CannotEndArrayHere))
	}
	return w.endArrayLike()
}

func (w *Writer) endArrayLike() error {
	f := w.top()
	// Element data begins at the element type's alignment boundary; the
	// padding before it is not counted in the length and is kept even when
	// the array is empty.
	start := f.dataStartPos
	if len(f.sig) > 0 {
		if info, ok := busdata.Lookup(f.sig[0]); ok {
			start = busdata.Align(f.dataStartPos, info.Alignment)
		}
	}
	if f.emptyMode {
		w.buf = w.buf[:f.emptyBodyStart]
	}
	for len(w.buf) < start {
		w.buf = append(w.buf, 0)
	}
	length := len(w.buf) - start
	if length > busdata.MaxArrayBytes {
		return w.fail(buserr.New(buserr.ArrayOrDictTooLong))
	}
	w.writeBackpatchedLength(f.lengthPos, uint32(length))
	elemSig := f.sig
	w.stack = w.stack[:len(w.stack)-1]
	if err := w.flushSig(busdata.TypeArray, elemSig, 0); err != nil {
		return err
	}
	if err := w.completeElement(); err != nil {
		return err
	}
	w.checkLimit()
	return w.err
}

func (w *Writer) writeBackpatchedLength(pos int, v uint32) {
	var b [4]byte
	if w.order == busdata.LittleEndian {
		binary.LittleEndian.PutUint32(b[:], v)
	} else {
		binary.BigEndian.PutUint32(b[:], v)
	}
	copy(w.buf[pos:pos+4], b[:])
}

// BeginDict opens a dict: on the wire this is an array of dict-entry
// structs, so it shares the array's backpatch/verify machinery; entries
// are delimited with BeginDictEntry/EndDictEntry.
func (w *Writer) BeginDict(option ArrayOption) error {
	if w.err != nil {
		return w.err
	}
	if err := w.BeginArray(option); err != nil {
		return err
	}
	w.top().kind = frameDictContainer
	return nil
}

func (w *Writer) EndDict() error {
	f := w.top()
	if f == nil || f.kind != frameDictContainer {
		return w.fail(buserr.New(buserr.CannotEndArrayHere))
	}
	return w.endArrayLike()
}

// BeginDictEntry opens one '{key value}' pair; it must be called once per
// entry between BeginDict and EndDict.
func (w *Writer) BeginDictEntry() error {
	if w.err != nil {
		return w.err
	}
	parent := w.top()
	if parent == nil || (parent.kind != frameDictContainer) {
		return w.fail(buserr.New(buserr.InvalidType))
	}
	w.align(8)
	w.stack = append(w.stack, frame{kind: frameDictEntry})
	return nil
}

// EndDictEntry closes a dict entry, verifying that exactly a key and a
// value were written and that the key was a basic type.
func (w *Writer) EndDictEntry() error {
	f := w.top()
	if f == nil || f.kind != frameDictEntry {
		return w.fail(buserr.New(buserr.CannotEndStructHere))
	}
	if f.elemCount != 2 {
		return w.fail(buserr.New(buserr.InvalidSignature))
	}
	if len(f.sig) == 0 || !busdata.IsBasicType(f.sig[0]) {
		return w.fail(buserr.New(buserr.InvalidKeyTypeInDict))
	}
	innerSig := f.sig
	w.stack = w.stack[:len(w.stack)-1]
	if err := w.flushSig(busdata.TypeDictOpen, innerSig, busdata.TypeDictEnd); err != nil {
		return err
	}
	return w.completeElement()
}

// BeginStruct opens a struct: emits '(' and aligns to 8.
func (w *Writer) BeginStruct() error {
	if w.err != nil {
		return w.err
	}
	if countKind(w.stack, frameStruct, frameDictEntry) >= busdata.MaxStructNesting {
		return w.fail(buserr.New(buserr.ExcessiveNesting))
	}
	if err := w.beginAggregate(frameStruct); err != nil {
		return err
	}
	w.align(8)
	return nil
}

// EndStruct closes a struct; an empty struct is rejected.
func (w *Writer) EndStruct() error {
	f := w.top()
	if f == nil || f.kind != frameStruct {
		return w.fail(buserr.New(buserr.CannotEndStructHere))
	}
	if f.elemCount == 0 {
		return w.fail(buserr.New(buserr.EmptyStruct))
	}
	innerSig := f.sig
	w.stack = w.stack[:len(w.stack)-1]
	if err := w.flushSig(busdata.TypeStructOpen, innerSig, busdata.TypeStructEnd); err != nil {
		return err
	}
	return w.completeElement()
}

// BeginVariant opens a variant: the letter 'v' is recorded in the
// enclosing signature immediately, since a variant's outer type is always
// just "v" regardless of what it carries; the variant's own single
// complete type signature is captured separately in its own frame and
// spliced into the body, inline, once EndVariant knows it in full (see
// DESIGN.md's deferred-write note).
func (w *Writer) BeginVariant() error {
	if w.err != nil {
		return w.err
	}
	if len(w.stack) >= busdata.MaxTotalNesting {
		return w.fail(buserr.New(buserr.ExcessiveNesting))
	}
	if err := w.appendSigLetter(busdata.TypeVariant); err != nil {
		return err
	}
	w.stack = append(w.stack, frame{kind: frameVariant})
	w.top().variantInsertPos = len(w.buf)
	return nil
}

// EndVariant closes a variant, inserting its inline signature prefix
// (1-byte length + signature + NUL) at the position remembered by
// BeginVariant.
func (w *Writer) EndVariant() error {
	f := w.top()
	if f == nil || f.kind != frameVariant {
		return w.fail(buserr.New(buserr.CannotEndVariantHere))
	}
	if f.elemCount == 0 {
		// Legal only when reached through a nil-array path (DESIGN.md Open
		// Question 1); the Writer has no such path (it only ever writes
		// real data), so an empty variant here is always an error.
		return w.fail(buserr.New(buserr.EmptyVariant))
	}
	if f.elemCount > 1 {
		return w.fail(buserr.New(buserr.NotSingleCompleteTypeInVariant))
	}
	if len(f.sig) > 255 {
		return w.fail(buserr.New(buserr.SignatureTooLong))
	}

	inserted := make([]byte, 0, 2+len(f.sig))
	inserted = append(inserted, byte(len(f.sig)))
	inserted = append(inserted, f.sig...)
	inserted = append(inserted, 0)

	pos := f.variantInsertPos
	w.buf = append(w.buf[:pos], append(inserted, w.buf[pos:]...)...)

	w.stack = w.stack[:len(w.stack)-1]
	w.checkLimit()
	return w.completeElement()
}

// WritePrimitiveArray is the fast path for a homogeneous array of a fixed
// width primitive: it validates the byte count, emits the array header,
// then bulk-copies the already-encoded bytes.
func (w *Writer) WritePrimitiveArray(letter byte, order busdata.ByteOrder, data []byte) error {
	if w.err != nil {
		return w.err
	}
	info, ok := busdata.Lookup(letter)
	if !ok || !info.IsPrimitive || letter == busdata.TypeBool || letter == busdata.TypeUnixFD {
		return w.fail(buserr.New(buserr.InvalidType))
	}
	if info.FixedSize == 0 || len(data)%info.FixedSize != 0 {
		return w.fail(buserr.New(buserr.ArrayOrDictTooLong))
	}
	if len(data) > busdata.MaxArrayBytes {
		return w.fail(buserr.New(buserr.ArrayOrDictTooLong))
	}
	if err := w.BeginArray(NonEmptyArray); err != nil {
		return err
	}
	// Record the element type directly instead of writing a throwaway
	// element through the normal primitive writers: those append real
	// bytes to buf that BeginArray's NonEmptyArray mode never rolls back.
	if err := w.appendSigLetter(letter); err != nil {
		return err
	}
	f := w.top()
	f.elemCount = 1
	f.recordedSig = append([]byte(nil), f.sig...)
	f.verifying = true
	f.verifyPos = len(f.recordedSig)

	w.align(info.Alignment)
	f.dataStartPos = len(w.buf)

	if order == w.order || info.FixedSize == 1 {
		w.buf = append(w.buf, data...)
	} else {
		reordered := make([]byte, len(data))
		for i := 0; i < len(data); i += info.FixedSize {
			for j := 0; j < info.FixedSize; j++ {
				reordered[i+j] = data[i+info.FixedSize-1-j]
			}
		}
		w.buf = append(w.buf, reordered...)
	}
	return w.EndArray()
}

// Finish consumes the writer and yields an Arguments, or returns the
// recorded error if an aggregate was left open or any earlier validation
// failed.
func (w *Writer) Finish() (busdata.Arguments, error) {
	if w.err != nil {
		return busdata.Arguments{Err: w.err}, w.err
	}
	if len(w.stack) != 0 {
		var err error
		switch w.top().kind {
		case frameArray, frameDictContainer:
			err = buserr.New(buserr.CannotEndArrayHere)
		case frameStruct:
			err = buserr.New(buserr.CannotEndStructHere)
		case frameVariant:
			err = buserr.New(buserr.CannotEndVariantHere)
		default:
			err = buserr.New(buserr.InvalidSignature)
		}
		return busdata.Arguments{Err: err}, w.fail(err)
	}
	if len(w.topSig) > busdata.MaxSignatureLength {
		err := buserr.New(buserr.SignatureTooLong)
		return busdata.Arguments{Err: err}, w.fail(err)
	}
	return busdata.Arguments{
		Signature: string(w.topSig),
		Body:      w.buf,
		Order:     w.order,
		FDs:       w.fds,
	}, nil
}

func countKind(stack []frame, kinds ...frameKind) int {
	n := 0
	for _, f := range stack {
		for _, k := range kinds {
			if f.kind == k {
				n++
				break
			}
		}
	}
	return n
}
