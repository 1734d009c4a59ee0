package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSerializeRoundTrip(t *testing.T) {
	packet := &Packet{
		Type:          PacketNodeLookupRequest,
		CorrelationID: 0xDEADBEEF,
		Payload:       []byte("lookup body"),
	}

	data, err := packet.Serialize()
	require.NoError(t, err)
	require.Equal(t, headerSize+len(packet.Payload), len(data))

	decoded, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, packet.Type, decoded.Type)
	assert.Equal(t, packet.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, packet.Payload, decoded.Payload)
}

func TestPacketEmptyPayload(t *testing.T) {
	packet := &Packet{Type: PacketConnectRequest, CorrelationID: 1}

	data, err := packet.Serialize()
	require.NoError(t, err)

	decoded, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Empty(t, decoded.Payload)
}

func TestParsePacketRejectsUnknownCode(t *testing.T) {
	for _, code := range []byte{0x00, 0x08, 0x7F, 0xFF} {
		data := []byte{code, 0, 0, 0, 1}
		_, err := ParsePacket(data)
		assert.Error(t, err, "code 0x%02X must be rejected", code)
	}
}

func TestParsePacketRejectsShortHeader(t *testing.T) {
	_, err := ParsePacket([]byte{byte(PacketConnectRequest), 0, 0})
	assert.ErrorIs(t, err, ErrPacketTooShort)

	_, err = ParsePacket(nil)
	assert.ErrorIs(t, err, ErrPacketTooShort)
}

func TestPacketSizeCap(t *testing.T) {
	oversize := &Packet{
		Type:    PacketStoreRequest,
		Payload: make([]byte, MaxPacketSize),
	}
	_, err := oversize.Serialize()
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	data := make([]byte, MaxPacketSize+1)
	data[0] = byte(PacketStoreRequest)
	_, err = ParsePacket(data)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestSerializeRejectsInvalidType(t *testing.T) {
	packet := &Packet{Type: PacketType(0x99)}
	_, err := packet.Serialize()
	assert.Error(t, err)
}

func TestIsReply(t *testing.T) {
	replies := []PacketType{PacketConnectReply, PacketNodeReply, PacketContentReply}
	requests := []PacketType{PacketConnectRequest, PacketNodeLookupRequest, PacketStoreRequest, PacketContentLookupRequest}

	for _, pt := range replies {
		assert.True(t, pt.IsReply(), "%s is a reply", pt)
	}
	for _, pt := range requests {
		assert.False(t, pt.IsReply(), "%s is a request", pt)
	}
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "node_reply", PacketNodeReply.String())
	assert.Contains(t, PacketType(0xAB).String(), "unknown")
}
