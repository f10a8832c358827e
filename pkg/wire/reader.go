package wire

import (
	"encoding/binary"
	"math"

	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/buserr"
)

type rframe struct {
	kind frameKind

	// span of this frame's contained type(s) within the active signature
	// (elemStart..elemEnd for one array/dict element; full span for a
	// struct's fields or a dict entry's "kv").
	elemStart, elemEnd int

	dataEnd int // array/dict: dataPos value marking end of this aggregate's body

	emptyMode   bool // entered with zero length, or nested inside one
	phantomDone bool // the single mandatory empty-iteration has run
	started     bool

	// variant frames swap the active signature to the inline one they read
	// at BeginVariant and restore it at EndVariant.
	savedSig    string
	savedSigPos int
}

// Reader consumes an Arguments produced by a Writer (or received over the
// wire). Position consists of (signature index, data index, nilArrayNesting
// counter, aggregate stack).
type Reader struct {
	args Arguments

	curSig    string
	curSigPos int

	data    []byte
	dataPos int
	order   busdata.ByteOrder

	nilArrayNesting int
	stack           []rframe
	err             error
}

// Arguments is a local alias so this file doesn't need to import busdata
// under a different name at every call site.
type Arguments = busdata.Arguments

// NewReader constructs a Reader over args's body, using args.Signature as
// the top-level active signature.
func NewReader(args Arguments) *Reader {
	return &Reader{
		args:    args,
		curSig:  args.Signature,
		data:    args.Body,
		order:   args.Order,
		err:     args.Err,
	}
}

func (r *Reader) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return err
}

// Err returns the first error encountered, or nil.
func (r *Reader) Err() error { return r.err }

// Finished reports whether the top-level signature has been fully consumed
// and no aggregate remains open.
func (r *Reader) Finished() bool {
	return r.err == nil && len(r.stack) == 0 && r.curSigPos >= len(r.curSig)
}

func (r *Reader) top() *rframe {
	if len(r.stack) == 0 {
		return nil
	}
	return &r.stack[len(r.stack)-1]
}

func (r *Reader) inPhantom() bool { return r.nilArrayNesting > 0 }

// expectLetter consumes and validates the next signature letter.
func (r *Reader) expectLetter(want byte) error {
	if r.curSigPos >= len(r.curSig) {
		return r.fail(buserr.New(buserr.MalformedMessageData))
	}
	got := r.curSig[r.curSigPos]
	if got != want {
		return r.fail(buserr.New(buserr.ReadWrongType))
	}
	r.curSigPos++
	return nil
}

// nextLetter peeks the next unconsumed signature letter without consuming.
func (r *Reader) nextLetter() (byte, error) {
	if r.curSigPos >= len(r.curSig) {
		return 0, buserr.New(buserr.MalformedMessageData)
	}
	return r.curSig[r.curSigPos], nil
}

func (r *Reader) align(n int) {
	if n <= 1 || r.inPhantom() {
		return
	}
	r.dataPos = busdata.Align(r.dataPos, n)
}

func (r *Reader) need(n int) error {
	if r.dataPos+n > len(r.data) {
		return r.fail(buserr.New(buserr.MalformedMessageData))
	}
	return nil
}

// ---- primitive reads ----

func (r *Reader) ReadByte() (byte, error) {
	if err := r.expectLetter(busdata.TypeByte); err != nil {
		return 0, err
	}
	if r.inPhantom() {
		return 0, nil
	}
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.dataPos]
	r.dataPos++
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	if err := r.expectLetter(busdata.TypeBool); err != nil {
		return false, err
	}
	if r.inPhantom() {
		return false, nil
	}
	r.align(4)
	if err := r.need(4); err != nil {
		return false, err
	}
	v := r.getUint32()
	return v != 0, nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.readU16(busdata.TypeInt16)
	return int16(v), err
}
func (r *Reader) ReadUint16() (uint16, error) { return r.readU16(busdata.TypeUint16) }

func (r *Reader) readU16(letter byte) (uint16, error) {
	if err := r.expectLetter(letter); err != nil {
		return 0, err
	}
	if r.inPhantom() {
		return 0, nil
	}
	r.align(2)
	if err := r.need(2); err != nil {
		return 0, err
	}
	var v uint16
	if r.order == busdata.LittleEndian {
		v = binary.LittleEndian.Uint16(r.data[r.dataPos:])
	} else {
		v = binary.BigEndian.Uint16(r.data[r.dataPos:])
	}
	r.dataPos += 2
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.readU32(busdata.TypeInt32)
	return int32(v), err
}
func (r *Reader) ReadUint32() (uint32, error) { return r.readU32(busdata.TypeUint32) }
func (r *Reader) ReadUnixFDIndex() (uint32, error) { return r.readU32(busdata.TypeUnixFD) }

func (r *Reader) readU32(letter byte) (uint32, error) {
	if err := r.expectLetter(letter); err != nil {
		return 0, err
	}
	if r.inPhantom() {
		return 0, nil
	}
	r.align(4)
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.getUint32()
	return v, nil
}

func (r *Reader) getUint32() uint32 {
	var v uint32
	if r.order == busdata.LittleEndian {
		v = binary.LittleEndian.Uint32(r.data[r.dataPos:])
	} else {
		v = binary.BigEndian.Uint32(r.data[r.dataPos:])
	}
	r.dataPos += 4
	return v
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.readU64(busdata.TypeInt64)
	return int64(v), err
}
func (r *Reader) ReadUint64() (uint64, error) { return r.readU64(busdata.TypeUint64) }
func (r *Reader) ReadDouble() (float64, error) {
	v, err := r.readU64(busdata.TypeDouble)
	return math.Float64frombits(v), err
}

func (r *Reader) readU64(letter byte) (uint64, error) {
	if err := r.expectLetter(letter); err != nil {
		return 0, err
	}
	if r.inPhantom() {
		return 0, nil
	}
	r.align(8)
	if err := r.need(8); err != nil {
		return 0, err
	}
	var v uint64
	if r.order == busdata.LittleEndian {
		v = binary.LittleEndian.Uint64(r.data[r.dataPos:])
	} else {
		v = binary.BigEndian.Uint64(r.data[r.dataPos:])
	}
	r.dataPos += 8
	return v, nil
}

// ReadUnixFD resolves an inbound descriptor index against the fd list
// carried on args.FDs (populated by the transport/message layer).
func (r *Reader) ReadUnixFD() (int, error) {
	idx, err := r.ReadUnixFDIndex()
	if err != nil {
		return -1, err
	}
	if r.inPhantom() {
		return -1, nil
	}
	if int(idx) >= len(r.args.FDs) {
		return -1, r.fail(buserr.New(buserr.MalformedMessageData))
	}
	return r.args.FDs[idx], nil
}

// ---- string-like reads ----

func (r *Reader) readLengthPrefixedString(letter byte, lenBytes int) (string, error) {
	if err := r.expectLetter(letter); err != nil {
		return "", err
	}
	if r.inPhantom() {
		return "", nil
	}
	var n int
	switch lenBytes {
	case 4:
		r.align(4)
		if err := r.need(4); err != nil {
			return "", err
		}
		n = int(r.getUint32())
	case 1:
		if err := r.need(1); err != nil {
			return "", err
		}
		n = int(r.data[r.dataPos])
		r.dataPos++
	}
	if err := r.need(n + 1); err != nil {
		return "", err
	}
	s := string(r.data[r.dataPos : r.dataPos+n])
	if r.data[r.dataPos+n] != 0 {
		return "", r.fail(buserr.New(buserr.InvalidString))
	}
	r.dataPos += n + 1
	return s, nil
}

func (r *Reader) ReadString() (string, error) {
	s, err := r.readLengthPrefixedString(busdata.TypeString, 4)
	if err != nil {
		return s, err
	}
	if !r.inPhantom() {
		if err := busdata.ValidateStringBytes([]byte(s)); err != nil {
			return "", r.fail(err)
		}
	}
	return s, nil
}

func (r *Reader) ReadObjectPath() (string, error) {
	s, err := r.readLengthPrefixedString(busdata.TypeObjectPath, 4)
	if err != nil {
		return s, err
	}
	if !r.inPhantom() {
		if err := busdata.ValidateObjectPath(s); err != nil {
			return "", r.fail(err)
		}
	}
	return s, nil
}

func (r *Reader) ReadSignature() (string, error) {
	s, err := r.readLengthPrefixedString(busdata.TypeSignature, 1)
	if err != nil {
		return s, err
	}
	if !r.inPhantom() {
		if err := busdata.ValidateSignature(s); err != nil {
			return "", r.fail(err)
		}
	}
	return s, nil
}

// ---- aggregates ----

// scanCompleteType returns the index just past one complete type starting
// at pos in sig (mirrors busdata's grammar walk, but without re-validating
// since the signature was already validated when the Arguments was built
// or received).
func scanCompleteType(sig string, pos int) int {
	if pos >= len(sig) {
		return pos
	}
	switch sig[pos] {
	case busdata.TypeArray:
		next := pos + 1
		if next < len(sig) && sig[next] == busdata.TypeDictOpen {
			return scanDictEntry(sig, next)
		}
		return scanCompleteType(sig, next)
	case busdata.TypeStructOpen:
		p := pos + 1
		for p < len(sig) && sig[p] != busdata.TypeStructEnd {
			p = scanCompleteType(sig, p)
		}
		return p + 1
	default:
		return pos + 1
	}
}

func scanDictEntry(sig string, pos int) int {
	p := pos + 1 // past '{'
	p++          // past key letter (always basic, one byte)
	p = scanCompleteType(sig, p)
	return p + 1 // past '}'
}

// BeginArray opens the array named by the next signature letter. It
// returns hasData=true when the caller should read at least one real
// element. For a zero-length array hasData is false, and MoreElements
// still returns true for exactly one phantom iteration so the contained
// type can be observed; any values read during that pass are garbage.
func (r *Reader) BeginArray() (hasData bool, err error) {
	return r.beginArrayLike(frameArray)
}

func (r *Reader) beginArrayLike(kind frameKind) (bool, error) {
	if err := r.expectLetter(busdata.TypeArray); err != nil {
		return false, err
	}
	elemStart := r.curSigPos
	elemEnd := scanCompleteType(r.curSig, elemStart)

	var length int
	phantom := r.inPhantom()
	if !phantom {
		r.align(4)
		if err := r.need(4); err != nil {
			return false, err
		}
		length = int(r.getUint32())
		if length > busdata.MaxArrayBytes {
			return false, r.fail(buserr.New(buserr.ArrayOrDictTooLong))
		}
		// Align to the element's alignment before the first element.
		if elemStart < len(r.curSig) {
			if info, ok := busdata.Lookup(r.curSig[elemStart]); ok {
				r.align(info.Alignment)
			}
		}
	}

	f := rframe{kind: kind, elemStart: elemStart, elemEnd: elemEnd, dataEnd: r.dataPos + length}
	empty := phantom || length == 0
	if empty {
		r.nilArrayNesting++
		f.emptyMode = true
	}
	r.stack = append(r.stack, f)
	r.curSigPos = elemStart
	return !empty, nil
}

// MoreElements reports whether the caller should read (another) element of
// the innermost open array/dict, resetting the signature cursor to the
// element span's start between iterations.
func (r *Reader) MoreElements() bool {
	f := r.top()
	if f == nil || (f.kind != frameArray && f.kind != frameDictContainer) {
		return false
	}
	if f.started {
		r.curSigPos = f.elemStart
	}
	f.started = true
	if f.emptyMode {
		if f.phantomDone {
			return false
		}
		f.phantomDone = true
		return true
	}
	return r.dataPos < f.dataEnd
}

// EndArray closes the innermost array opened by BeginArray.
func (r *Reader) EndArray() error {
	f := r.top()
	if f == nil || f.kind != frameArray {
		return r.fail(buserr.New(buserr.CannotEndArrayHere))
	}
	return r.endArrayLike()
}

func (r *Reader) endArrayLike() error {
	f := r.top()
	if f.emptyMode {
		r.nilArrayNesting--
	}
	r.curSigPos = f.elemEnd
	r.stack = r.stack[:len(r.stack)-1]
	return r.err
}

// BeginDict mirrors BeginArray for a dict (array of dict-entries).
func (r *Reader) BeginDict() (hasData bool, err error) {
	return r.beginArrayLike(frameDictContainer)
}

func (r *Reader) EndDict() error {
	f := r.top()
	if f == nil || f.kind != frameDictContainer {
		return r.fail(buserr.New(buserr.CannotEndArrayHere))
	}
	return r.endArrayLike()
}

// BeginDictEntry opens one '{key value}' pair inside a dict.
func (r *Reader) BeginDictEntry() error {
	if !r.inPhantom() {
		r.align(8)
	}
	if err := r.expectLetter(busdata.TypeDictOpen); err != nil {
		return err
	}
	r.stack = append(r.stack, rframe{kind: frameDictEntry})
	return nil
}

func (r *Reader) EndDictEntry() error {
	f := r.top()
	if f == nil || f.kind != frameDictEntry {
		return r.fail(buserr.New(buserr.CannotEndStructHere))
	}
	r.stack = r.stack[:len(r.stack)-1]
	return r.expectLetter(busdata.TypeDictEnd)
}

// BeginStruct opens a struct.
func (r *Reader) BeginStruct() error {
	if !r.inPhantom() {
		r.align(8)
	}
	if err := r.expectLetter(busdata.TypeStructOpen); err != nil {
		return err
	}
	r.stack = append(r.stack, rframe{kind: frameStruct})
	return nil
}

func (r *Reader) EndStruct() error {
	f := r.top()
	if f == nil || f.kind != frameStruct {
		return r.fail(buserr.New(buserr.CannotEndStructHere))
	}
	r.stack = r.stack[:len(r.stack)-1]
	return r.expectLetter(busdata.TypeStructEnd)
}

// BeginVariant reads the variant's inline signature (or, inside a nil
// array, produces the degenerate type-only empty variant per DESIGN.md
// Open Question 1) and switches the active signature to it.
func (r *Reader) BeginVariant() (signature string, err error) {
	if err := r.expectLetter(busdata.TypeVariant); err != nil {
		return "", err
	}
	if r.inPhantom() {
		r.stack = append(r.stack, rframe{kind: frameVariant, savedSig: r.curSig, savedSigPos: r.curSigPos})
		r.curSig, r.curSigPos = "", 0
		return "", nil
	}
	return r.readVariantSignatureInline()
}

// readVariantSignatureInline decodes the 1-byte-length-prefixed inline
// signature that precedes a variant's value, without the 'g' letter check
// ReadSignature performs (a variant's prefix has no leading type letter of
// its own beyond the 'v' already consumed).
func (r *Reader) readVariantSignatureInline() (string, error) {
	if err := r.need(1); err != nil {
		return "", err
	}
	n := int(r.data[r.dataPos])
	r.dataPos++
	if err := r.need(n + 1); err != nil {
		return "", err
	}
	sig := string(r.data[r.dataPos : r.dataPos+n])
	if r.data[r.dataPos+n] != 0 {
		return "", r.fail(buserr.New(buserr.InvalidString))
	}
	r.dataPos += n + 1

	if err := busdata.ValidateVariantSignature(sig); err != nil {
		return "", r.fail(err)
	}

	r.stack = append(r.stack, rframe{kind: frameVariant, savedSig: r.curSig, savedSigPos: r.curSigPos})
	r.curSig, r.curSigPos = sig, 0
	return sig, nil
}

// EndVariant closes the innermost variant, restoring the signature that
// was active before BeginVariant.
func (r *Reader) EndVariant() error {
	f := r.top()
	if f == nil || f.kind != frameVariant {
		return r.fail(buserr.New(buserr.CannotEndVariantHere))
	}
	if r.curSigPos < len(r.curSig) {
		// Caller didn't read exactly one complete type out of the variant.
		return r.fail(buserr.New(buserr.NotSingleCompleteTypeInVariant))
	}
	r.stack = r.stack[:len(r.stack)-1]
	r.curSig, r.curSigPos = f.savedSig, f.savedSigPos
	return nil
}

// SkipX skips a whole complete type at the current position without
// materializing its contents. It is not valid while inside a phantom
// (nil-array) traversal: skipping a whole aggregate presumes there is real
// data to skip over.
func (r *Reader) SkipX() error {
	if r.inPhantom() {
		return r.fail(buserr.New(buserr.StateNotSkippable))
	}
	letter, err := r.nextLetter()
	if err != nil {
		return err
	}
	switch letter {
	case busdata.TypeByte:
		_, err = r.ReadByte()
	case busdata.TypeBool:
		_, err = r.ReadBool()
	case busdata.TypeInt16:
		_, err = r.ReadInt16()
	case busdata.TypeUint16:
		_, err = r.ReadUint16()
	case busdata.TypeInt32:
		_, err = r.ReadInt32()
	case busdata.TypeUint32, busdata.TypeUnixFD:
		_, err = r.ReadUint32()
	case busdata.TypeInt64:
		_, err = r.ReadInt64()
	case busdata.TypeUint64:
		_, err = r.ReadUint64()
	case busdata.TypeDouble:
		_, err = r.ReadDouble()
	case busdata.TypeString:
		_, err = r.ReadString()
	case busdata.TypeObjectPath:
		_, err = r.ReadObjectPath()
	case busdata.TypeSignature:
		_, err = r.ReadSignature()
	case busdata.TypeArray:
		var has bool
		has, err = r.BeginArray()
		_ = has
		if err == nil {
			for r.MoreElements() {
				if err = r.SkipX(); err != nil {
					break
				}
			}
			if err == nil {
				err = r.EndArray()
			}
		}
	case busdata.TypeStructOpen:
		if err = r.BeginStruct(); err == nil {
			for {
				l, e := r.nextLetter()
				if e != nil || l == busdata.TypeStructEnd {
					break
				}
				if err = r.SkipX(); err != nil {
					break
				}
			}
			if err == nil {
				err = r.EndStruct()
			}
		}
	case busdata.TypeVariant:
		if _, err = r.BeginVariant(); err == nil {
			if err = r.SkipX(); err == nil {
				err = r.EndVariant()
			}
		}
	default:
		err = r.fail(buserr.New(buserr.InvalidType))
	}
	return err
}
