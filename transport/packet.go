package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType identifies the kind of a DHT datagram. The set is closed:
// datagrams carrying any other code are rejected at parse time.
type PacketType byte

const (
	// PacketConnectRequest asks a peer to acknowledge us as a live contact.
	PacketConnectRequest PacketType = 0x01
	// PacketConnectReply acknowledges a connect or store request.
	PacketConnectReply PacketType = 0x02
	// PacketNodeLookupRequest asks for the peer's closest contacts to a target.
	PacketNodeLookupRequest PacketType = 0x03
	// PacketNodeReply returns a list of contacts.
	PacketNodeReply PacketType = 0x04
	// PacketStoreRequest asks the peer to store a content item.
	PacketStoreRequest PacketType = 0x05
	// PacketContentLookupRequest asks for content, falling back to contacts.
	PacketContentLookupRequest PacketType = 0x06
	// PacketContentReply returns a stored content item.
	PacketContentReply PacketType = 0x07
)

// MaxPacketSize is the hard cap on a serialized datagram (64 KiB).
const MaxPacketSize = 64 * 1024

// headerSize is the fixed prefix of every datagram: type code plus
// big-endian correlation id.
const headerSize = 1 + 4

var (
	// ErrPacketTooShort indicates a datagram smaller than the fixed header.
	ErrPacketTooShort = errors.New("packet shorter than header")
	// ErrPacketTooLarge indicates a datagram over the 64 KiB cap.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
)

// Valid reports whether the code belongs to the closed packet-type set.
func (t PacketType) Valid() bool {
	return t >= PacketConnectRequest && t <= PacketContentReply
}

// IsReply reports whether the code is a reply routed by correlation id
// rather than a request routed to a handler.
func (t PacketType) IsReply() bool {
	switch t {
	case PacketConnectReply, PacketNodeReply, PacketContentReply:
		return true
	}
	return false
}

// String names the packet type for logging.
func (t PacketType) String() string {
	switch t {
	case PacketConnectRequest:
		return "connect_request"
	case PacketConnectReply:
		return "connect_reply"
	case PacketNodeLookupRequest:
		return "node_lookup_request"
	case PacketNodeReply:
		return "node_reply"
	case PacketStoreRequest:
		return "store_request"
	case PacketContentLookupRequest:
		return "content_lookup_request"
	case PacketContentReply:
		return "content_reply"
	}
	return fmt.Sprintf("unknown(0x%02X)", byte(t))
}

// Packet is one DHT datagram: a type code, the correlation id pairing a
// reply with its request, and the message payload interpreted by the layer
// above.
type Packet struct {
	Type          PacketType
	CorrelationID uint32
	Payload       []byte
}

// Serialize converts the packet to its wire form:
// [code(1)][correlation id(4, big-endian)][payload].
func (p *Packet) Serialize() ([]byte, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("cannot serialize packet type %s", p.Type)
	}
	if headerSize+len(p.Payload) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	buf := make([]byte, headerSize+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[1:headerSize], p.CorrelationID)
	copy(buf[headerSize:], p.Payload)
	return buf, nil
}

// ParsePacket converts a received datagram to a Packet. Datagrams with an
// unknown type code, a truncated header, or a size above the cap are
// rejected.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, ErrPacketTooShort
	}
	if len(data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	t := PacketType(data[0])
	if !t.Valid() {
		return nil, fmt.Errorf("unknown packet code 0x%02X", data[0])
	}

	packet := &Packet{
		Type:          t,
		CorrelationID: binary.BigEndian.Uint32(data[1:headerSize]),
		Payload:       make([]byte, len(data)-headerSize),
	}
	copy(packet.Payload, data[headerSize:])
	return packet, nil
}
