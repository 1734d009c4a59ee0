package dht

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idWithLastByte(b byte) ID {
	var id ID
	id[IDLength-1] = b
	return id
}

func TestXORInvolution(t *testing.T) {
	a := RandomID()
	b := RandomID()

	assert.Equal(t, a, a.XOR(b).XOR(b), "a XOR b XOR b must return a")
	assert.Equal(t, b.XOR(a), a.XOR(b), "XOR must be symmetric")
}

func TestBucketDistanceLaws(t *testing.T) {
	a := RandomID()
	b := RandomID()

	assert.Equal(t, 0, a.BucketDistance(a), "distance to self is zero")
	assert.Equal(t, a.BucketDistance(b), b.BucketDistance(a), "distance is symmetric")
}

func TestPrefixLen(t *testing.T) {
	tests := []struct {
		name string
		id   ID
		want int
	}{
		{"zero identifier", ID{}, 160},
		{"top bit set", ID{0x80}, 0},
		{"second bit set", ID{0x40}, 1},
		{"last bit set", idWithLastByte(0x01), 159},
		{"second byte", ID{0x00, 0x10}, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.PrefixLen())
		})
	}
}

func TestBucketDistanceFromPrefix(t *testing.T) {
	var a ID
	b := idWithLastByte(0x01)

	// a XOR b has 159 leading zeros, so the bucket distance is 1.
	assert.Equal(t, 1, a.BucketDistance(b))

	c := ID{0x80}
	assert.Equal(t, 160, a.BucketDistance(c))
}

func TestNewIDFromStringHexPassthrough(t *testing.T) {
	hex := "00000000000000000000000000000000000000AB"
	id := NewIDFromString(hex)

	assert.Equal(t, byte(0xAB), id[IDLength-1])
	assert.Equal(t, hex, id.String())

	lower := NewIDFromString(strings.ToLower(hex))
	assert.Equal(t, id, lower, "hex decoding is case-insensitive")
}

func TestNewIDFromStringHashesArbitraryStrings(t *testing.T) {
	short := NewIDFromString("a")
	long := NewIDFromString(strings.Repeat("x", 100))

	assert.NotEqual(t, ID{}, short, "short strings still fill all 20 bytes")
	assert.NotEqual(t, short, long)
	assert.Equal(t, short, NewIDFromString("a"), "derivation is deterministic")
}

func TestNewIDFromHex(t *testing.T) {
	id, err := NewIDFromHex("00000000000000000000000000000000000000FF")
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), id[IDLength-1])

	_, err = NewIDFromHex("FF")
	assert.Error(t, err, "short hex is rejected")

	_, err = NewIDFromHex(strings.Repeat("G", 40))
	assert.Error(t, err, "non-hex characters are rejected")
}

func TestIDStringFormat(t *testing.T) {
	id := RandomID()
	s := id.String()

	assert.Len(t, s, 40)
	assert.Equal(t, strings.ToUpper(s), s, "text form is uppercase")
}

func TestIDWireRoundTrip(t *testing.T) {
	id := RandomID()

	var buf bytes.Buffer
	_, err := id.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, IDLength, buf.Len())

	decoded, err := ReadIDFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestReadIDFromTruncated(t *testing.T) {
	_, err := ReadIDFrom(bytes.NewReader([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrShortID)
}

func TestIDLessOrdering(t *testing.T) {
	small := idWithLastByte(0x01)
	big := ID{0x80}

	assert.True(t, small.Less(big))
	assert.False(t, big.Less(small))
	assert.False(t, small.Less(small), "an identifier is not less than itself")
}

func TestIDTextMarshalRoundTrip(t *testing.T) {
	id := RandomID()

	text, err := id.MarshalText()
	require.NoError(t, err)

	var decoded ID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)
}
