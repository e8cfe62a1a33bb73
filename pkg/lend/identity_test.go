package lend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIdentity(t *testing.T) {
	id1 := DeriveIdentity([]byte("key-one"))
	id2 := DeriveIdentity([]byte("key-two"))

	assert.NotEqual(t, id1, id2)
	// Deterministic.
	assert.Equal(t, id1, DeriveIdentity([]byte("key-one")))
}

func TestIdentityRoundTrip(t *testing.T) {
	id := DeriveIdentity([]byte("roundtrip"))

	s := FormatIdentity(id)
	assert.Len(t, s, 42)
	assert.Equal(t, "0x", s[:2])

	parsed, err := ParseIdentity(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseIdentity(t *testing.T) {
	t.Run("AcceptsBareHex", func(t *testing.T) {
		id := DeriveIdentity([]byte("bare"))
		parsed, err := ParseIdentity(FormatIdentity(id)[2:])
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("RejectsBadInput", func(t *testing.T) {
		for _, s := range []string{
			"",
			"0x",
			"0xzz",
			"0x1234",
			"0x" + "00" + FormatIdentity(DeriveIdentity([]byte("long")))[2:],
		} {
			_, err := ParseIdentity(s)
			assert.Error(t, err, "input %q", s)
		}
	})
}
