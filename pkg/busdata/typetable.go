// Package busdata holds the wire-format type alphabet and the Arguments
// value type shared by the codec (pkg/wire) and the message layer
// (pkg/message). Keeping the type table and the Arguments container
// separate from the Reader/Writer lets both depend on a single source of
// truth for alignment and kind without an import cycle.
package busdata

// Kind classifies a type letter's shape.
type Kind int

const (
	KindInvalid Kind = iota
	KindPrimitive
	KindString
	KindArray
	KindStruct
	KindDictEntry
	KindVariant
)

// TypeInfo is the per-letter metadata read by every hot-path branch in the
// codec: kind, required alignment, and two booleans that let callers avoid
// a second switch.
type TypeInfo struct {
	Kind        Kind
	Alignment   int
	IsPrimitive bool
	IsString    bool
	FixedSize   int // byte size for fixed-width primitives, 0 otherwise
}

// Type letters, per the wire format alphabet.
const (
	TypeByte       = 'y'
	TypeBool       = 'b'
	TypeInt16      = 'n'
	TypeUint16     = 'q'
	TypeInt32      = 'i'
	TypeUint32     = 'u'
	TypeUnixFD     = 'h'
	TypeInt64      = 'x'
	TypeUint64     = 't'
	TypeDouble     = 'd'
	TypeString     = 's'
	TypeObjectPath = 'o'
	TypeSignature  = 'g'
	TypeArray      = 'a'
	TypeStructOpen = '('
	TypeStructEnd  = ')'
	TypeDictOpen   = '{'
	TypeDictEnd    = '}'
	TypeVariant    = 'v'
)

// table is the 128-entry lookup table keyed by type letter, built once at
// package init. All hot-path branches in pkg/wire read from this table
// instead of re-deriving alignment/kind from a switch statement.
var table [128]TypeInfo

func init() {
	set := func(letter byte, info TypeInfo) { table[letter] = info }

	set(TypeByte, TypeInfo{Kind: KindPrimitive, Alignment: 1, IsPrimitive: true, FixedSize: 1})
	set(TypeBool, TypeInfo{Kind: KindPrimitive, Alignment: 4, IsPrimitive: true, FixedSize: 4})
	set(TypeInt16, TypeInfo{Kind: KindPrimitive, Alignment: 2, IsPrimitive: true, FixedSize: 2})
	set(TypeUint16, TypeInfo{Kind: KindPrimitive, Alignment: 2, IsPrimitive: true, FixedSize: 2})
	set(TypeInt32, TypeInfo{Kind: KindPrimitive, Alignment: 4, IsPrimitive: true, FixedSize: 4})
	set(TypeUint32, TypeInfo{Kind: KindPrimitive, Alignment: 4, IsPrimitive: true, FixedSize: 4})
	set(TypeUnixFD, TypeInfo{Kind: KindPrimitive, Alignment: 4, IsPrimitive: true, FixedSize: 4})
	set(TypeInt64, TypeInfo{Kind: KindPrimitive, Alignment: 8, IsPrimitive: true, FixedSize: 8})
	set(TypeUint64, TypeInfo{Kind: KindPrimitive, Alignment: 8, IsPrimitive: true, FixedSize: 8})
	set(TypeDouble, TypeInfo{Kind: KindPrimitive, Alignment: 8, IsPrimitive: true, FixedSize: 8})

	set(TypeString, TypeInfo{Kind: KindString, Alignment: 4, IsString: true})
	set(TypeObjectPath, TypeInfo{Kind: KindString, Alignment: 4, IsString: true})
	set(TypeSignature, TypeInfo{Kind: KindString, Alignment: 1, IsString: true})

	set(TypeArray, TypeInfo{Kind: KindArray, Alignment: 4})
	set(TypeStructOpen, TypeInfo{Kind: KindStruct, Alignment: 8})
	set(TypeDictOpen, TypeInfo{Kind: KindDictEntry, Alignment: 8})
	set(TypeVariant, TypeInfo{Kind: KindVariant, Alignment: 1})
}

// Lookup returns the TypeInfo for a type letter, and false if the letter is
// not part of the alphabet.
func Lookup(letter byte) (TypeInfo, bool) {
	if letter >= 128 {
		return TypeInfo{}, false
	}
	info := table[letter]
	if info.Kind == KindInvalid {
		return TypeInfo{}, false
	}
	return info, true
}

// IsBasicType reports whether letter is a valid dict-entry key type: any
// primitive or string type. Dict keys must be basic types.
func IsBasicType(letter byte) bool {
	info, ok := Lookup(letter)
	if !ok {
		return false
	}
	return info.IsPrimitive || info.IsString
}

// Align rounds n up to the next multiple of alignment (alignment must be a
// power of two).
func Align(n, alignment int) int {
	if alignment <= 1 {
		return n
	}
	return (n + alignment - 1) &^ (alignment - 1)
}
