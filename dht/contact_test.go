package dht

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContactWireRoundTrip(t *testing.T) {
	c := NewContact(RandomID(), net.ParseIP("192.0.2.7"), 7529)

	var buf bytes.Buffer
	_, err := c.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, ContactSize, buf.Len())

	decoded, err := ReadContactFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestReadContactFromTruncated(t *testing.T) {
	c := NewContact(RandomID(), net.ParseIP("192.0.2.7"), 7529)

	var buf bytes.Buffer
	_, err := c.WriteTo(&buf)
	require.NoError(t, err)

	_, err = ReadContactFrom(bytes.NewReader(buf.Bytes()[:ContactSize-1]))
	assert.Error(t, err)
}

func TestContactAddr(t *testing.T) {
	c := NewContact(RandomID(), net.ParseIP("127.0.0.1"), 7532)
	addr := c.Addr()

	assert.Equal(t, "127.0.0.1:7532", addr.String())
}

func TestNewContactNonIPv4(t *testing.T) {
	c := NewContact(RandomID(), net.ParseIP("2001:db8::1"), 7529)

	assert.Equal(t, [4]byte{}, c.IP, "IPv6 addresses yield a zero IPv4 field")
}
