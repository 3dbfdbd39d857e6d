package address

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	a := Derive("vesting:main")
	parsed, err := Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	parsed, err = Parse(a.String()[2:])
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "0x1234", "0xzz00000000000000000000000000000000000000"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalidAddress, s)
	}
}

func TestDerivationIsStable(t *testing.T) {
	assert.Equal(t, FromPublicKey([]byte("pk")), FromPublicKey([]byte("pk")))
	assert.NotEqual(t, FromPublicKey([]byte("pk")), FromPublicKey([]byte("pk2")))
	assert.NotEqual(t, Derive("a"), Derive("b"))
	assert.False(t, Derive("a").IsZero())
	assert.True(t, Zero.IsZero())
}

func TestJSONText(t *testing.T) {
	type wrapper struct {
		Who Address `json:"who"`
	}
	in := wrapper{Who: Derive("token:VEST")}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), in.Who.String())

	var out wrapper
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}
