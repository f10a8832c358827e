package busdata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buslink/buslink/pkg/buserr"
)

func TestValidateSignature_Valid(t *testing.T) {
	t.Parallel()

	valid := []string{
		"",
		"y",
		"ssss",
		"ai",
		"as",
		"a{sv}",
		"(iii)",
		"(i(iy)a{ss})",
		"v",
		"av",
		"a(ii)",
	}
	for _, sig := range valid {
		assert.NoErrorf(t, ValidateSignature(sig), "signature %q should be valid", sig)
	}
}

func TestValidateSignature_Invalid(t *testing.T) {
	t.Parallel()

	invalid := []string{
		"(",
		")",
		"()",
		"a{iii}",
		"a{(i)s}",
		"z",
		"a",
		"{sv}",
	}
	for _, sig := range invalid {
		assert.Errorf(t, ValidateSignature(sig), "signature %q should be invalid", sig)
	}
}

func TestValidateSignature_TooLong(t *testing.T) {
	t.Parallel()
	sig := strings.Repeat("y", MaxSignatureLength+1)
	err := ValidateSignature(sig)
	require.Error(t, err)
	code, ok := buserr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, buserr.SignatureTooLong, code)
}

func TestValidateVariantSignature(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateVariantSignature("i"))
	require.NoError(t, ValidateVariantSignature("a{sv}"))
	assert.Error(t, ValidateVariantSignature(""))
	assert.Error(t, ValidateVariantSignature("ii"))
}

func TestValidateObjectPath(t *testing.T) {
	t.Parallel()

	valid := []string{"/", "/foo", "/foo/bar", "/foo/bar_baz/123"}
	for _, p := range valid {
		assert.NoErrorf(t, ValidateObjectPath(p), "path %q should be valid", p)
	}

	invalid := []string{"", "foo", "/foo/", "/foo//bar", "/foo.bar"}
	for _, p := range invalid {
		assert.Errorf(t, ValidateObjectPath(p), "path %q should be invalid", p)
	}
}

func TestValidateStringBytes(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateStringBytes([]byte("hello")))
	assert.Error(t, ValidateStringBytes([]byte("hel\x00lo")))
}

func TestExcessiveNesting(t *testing.T) {
	t.Parallel()

	deep := strings.Repeat("a", MaxArrayNesting+1) + "y"
	assert.Error(t, ValidateSignature(deep))
}
