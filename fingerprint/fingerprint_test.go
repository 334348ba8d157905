package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumIsStableAndContentSensitive(t *testing.T) {
	var a = Sum([]byte("# Core\n\nbody"))
	var b = Sum([]byte("# Core\n\nbody"))
	var c = Sum([]byte("# Core\n\nbody!"))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.False(t, a.IsZero())
	require.True(t, Fingerprint{}.IsZero())
}

func TestStringParseRoundTrip(t *testing.T) {
	var f = Sum([]byte("content"))
	require.Len(t, f.String(), 32)

	var parsed, err = Parse(f.String())
	require.NoError(t, err)
	require.Equal(t, f, parsed)

	_, err = Parse("zz")
	require.Error(t, err)
	_, err = Parse("abcd")
	require.Error(t, err) // wrong length
}

func TestChecksumDiffersFromZero(t *testing.T) {
	require.NotZero(t, Checksum64([]byte("payload")))
	require.NotEqual(t, Checksum64([]byte("payload")), Checksum64([]byte("payloae")))
}

func TestTokensRoundsUp(t *testing.T) {
	require.Equal(t, 0, Tokens(0))
	require.Equal(t, 0, Tokens(-5))
	require.Equal(t, 1, Tokens(1))
	require.Equal(t, 1, Tokens(4))
	require.Equal(t, 2, Tokens(5))

	// "aaa" and "bb" estimate to one token each.
	require.Equal(t, 1, Estimate([]byte("aaa")))
	require.Equal(t, 1, Estimate([]byte("bb")))
}
