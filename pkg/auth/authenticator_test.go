package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Happy path
// ============================================================================

func TestAuthenticator_FullHandshake(t *testing.T) {
	t.Parallel()

	a := New(1000)

	start := a.Start()
	assert.Equal(t, "\x00AUTH EXTERNAL 31303030\r\n", string(start))
	assert.Equal(t, ExpectOk, a.State())

	reply, authenticated, err := a.Feed("OK 1234deadbeef1234deadbeef1234de")
	require.NoError(t, err)
	assert.Equal(t, "NEGOTIATE_UNIX_FD\r\n", string(reply))
	assert.False(t, authenticated)
	assert.Equal(t, ExpectUnixFdResponse, a.State())
	assert.Equal(t, "1234deadbeef1234deadbeef1234de", a.Guid())

	reply, authenticated, err = a.Feed("AGREE_UNIX_FD")
	require.NoError(t, err)
	assert.Equal(t, "BEGIN\r\n", string(reply))
	assert.True(t, authenticated)
	assert.Equal(t, Authenticated, a.State())
}

// ============================================================================
// Failure paths
// ============================================================================

func TestAuthenticator_RejectedByServer(t *testing.T) {
	t.Parallel()

	a := New(1000)
	a.Start()

	_, authenticated, err := a.Feed("REJECTED EXTERNAL")
	require.Error(t, err)
	assert.False(t, authenticated)
	assert.Equal(t, Failed, a.State())
}

func TestAuthenticator_UnexpectedLineAfterOk(t *testing.T) {
	t.Parallel()

	a := New(1000)
	a.Start()

	_, authenticated, err := a.Feed("OK somereallylongguidvaluehere12")
	require.NoError(t, err)
	assert.False(t, authenticated)

	_, _, err = a.Feed("ERROR nope")
	require.Error(t, err)
	assert.Equal(t, Failed, a.State())
}

func TestAuthenticator_FeedAfterFailed(t *testing.T) {
	t.Parallel()

	a := New(1000)
	a.Start()
	_, _, _ = a.Feed("REJECTED")
	require.Equal(t, Failed, a.State())

	_, _, err := a.Feed("anything")
	require.Error(t, err)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	cases := map[State]string{
		Initial:              "Initial",
		ExpectOk:             "ExpectOk",
		ExpectUnixFdResponse: "ExpectUnixFdResponse",
		Authenticated:        "Authenticated",
		Failed:               "Failed",
		State(99):            "Unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}
