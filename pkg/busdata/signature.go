package busdata

import "github.com/buslink/buslink/pkg/buserr"

// MaxSignatureLength is the hard wire limit on a signature's length in
// bytes, not counting the terminating null.
const MaxSignatureLength = 255

// MaxArrayNesting and MaxStructNesting bound simultaneous open aggregates;
// MaxTotalNesting bounds the sum across all aggregate kinds.
const (
	MaxArrayNesting  = 32
	MaxStructNesting = 32
	MaxTotalNesting  = 64
)

// ValidateSignature checks sig against the grammar: zero or more complete
// types back to back. A complete type is a basic letter, 'v', an array
// ('a' followed by a complete type, or by a dict-entry '{kv}' restricted to
// array-of-dict), or a struct '(' complete-type+ ')'.
//
// This is the entry point used for a Message's top-level Signature header,
// validated in full at receive time per the "deferred validation" design
// note: nested variant signatures are instead checked lazily when the
// variant is entered (see validateVariantSignature).
func ValidateSignature(sig string) error {
	if len(sig) > MaxSignatureLength {
		return buserr.New(buserr.SignatureTooLong)
	}
	pos := 0
	for pos < len(sig) {
		n, err := validateCompleteType(sig, pos, 0, 0)
		if err != nil {
			return err
		}
		pos = n
	}
	return nil
}

// validateVariantSignature validates the inline signature carried by a
// variant on the wire: it must describe exactly one complete type.
func validateVariantSignature(sig string) error {
	if len(sig) > MaxSignatureLength {
		return buserr.New(buserr.SignatureTooLong)
	}
	if len(sig) == 0 {
		return buserr.New(buserr.EmptyVariant)
	}
	n, err := validateCompleteType(sig, 0, 0, 0)
	if err != nil {
		return err
	}
	if n != len(sig) {
		return buserr.New(buserr.NotSingleCompleteTypeInVariant)
	}
	return nil
}

// ValidateVariantSignature is the exported form used by pkg/wire when a
// variant is entered during a read.
func ValidateVariantSignature(sig string) error {
	return validateVariantSignature(sig)
}

// validateCompleteType validates one complete type starting at pos and
// returns the index just past it. arrayDepth/structDepth track nesting
// against MaxTotalNesting.
func validateCompleteType(sig string, pos, arrayDepth, structDepth int) (int, error) {
	if arrayDepth+structDepth > MaxTotalNesting {
		return 0, buserr.New(buserr.ExcessiveNesting)
	}
	if pos >= len(sig) {
		return 0, buserr.New(buserr.InvalidSignature)
	}
	letter := sig[pos]

	switch letter {
	case TypeArray:
		if arrayDepth+1 > MaxArrayNesting {
			return 0, buserr.New(buserr.ExcessiveNesting)
		}
		next := pos + 1
		if next < len(sig) && sig[next] == TypeDictOpen {
			return validateDictEntry(sig, next, arrayDepth+1, structDepth)
		}
		return validateCompleteType(sig, next, arrayDepth+1, structDepth)

	case TypeStructOpen:
		if structDepth+1 > MaxStructNesting {
			return 0, buserr.New(buserr.ExcessiveNesting)
		}
		p := pos + 1
		count := 0
		for {
			if p >= len(sig) {
				return 0, buserr.New(buserr.InvalidSignature)
			}
			if sig[p] == TypeStructEnd {
				break
			}
			n, err := validateCompleteType(sig, p, arrayDepth, structDepth+1)
			if err != nil {
				return 0, err
			}
			p = n
			count++
		}
		if count == 0 {
			return 0, buserr.New(buserr.EmptyStruct)
		}
		return p + 1, nil

	case TypeVariant:
		return pos + 1, nil

	default:
		if IsBasicType(letter) {
			return pos + 1, nil
		}
		return 0, buserr.New(buserr.InvalidType)
	}
}

// validateDictEntry validates a '{' key-type value-type '}' sequence found
// immediately after an 'a'. The key type must be basic.
func validateDictEntry(sig string, pos, arrayDepth, structDepth int) (int, error) {
	if pos >= len(sig) || sig[pos] != TypeDictOpen {
		return 0, buserr.New(buserr.InvalidSignature)
	}
	p := pos + 1
	if p >= len(sig) {
		return 0, buserr.New(buserr.InvalidSignature)
	}
	if !IsBasicType(sig[p]) {
		return 0, buserr.New(buserr.InvalidKeyTypeInDict)
	}
	p++

	n, err := validateCompleteType(sig, p, arrayDepth, structDepth+1)
	if err != nil {
		return 0, err
	}
	p = n

	if p >= len(sig) || sig[p] != TypeDictEnd {
		return 0, buserr.New(buserr.InvalidSignature)
	}
	return p + 1, nil
}

// ValidateObjectPath validates an object-path string: "/" alone, or
// "/seg(/seg)*" with each seg matching [A-Za-z0-9_]+, no trailing slash.
func ValidateObjectPath(path string) error {
	if path == "/" {
		return nil
	}
	if len(path) == 0 || path[0] != '/' || path[len(path)-1] == '/' {
		return buserr.New(buserr.InvalidObjectPath)
	}
	segStart := 1
	for i := 1; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i == segStart {
				return buserr.New(buserr.InvalidObjectPath)
			}
			for j := segStart; j < i; j++ {
				if !isObjectPathChar(path[j]) {
					return buserr.New(buserr.InvalidObjectPath)
				}
			}
			segStart = i + 1
		}
	}
	return nil
}

func isObjectPathChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
		return true
	default:
		return false
	}
}

// ValidateStringBytes validates an 's' payload: no embedded NUL bytes.
func ValidateStringBytes(b []byte) error {
	for _, c := range b {
		if c == 0 {
			return buserr.New(buserr.InvalidString)
		}
	}
	return nil
}
