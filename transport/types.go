// Package transport implements the UDP wire layer of the DHT node: packet
// framing with correlation ids, request/reply multiplexing, and delivery of
// timeouts for requests that never see an answer.
//
// A packet is a one-byte type code, a 32-bit correlation id and an opaque
// payload. Outgoing requests register a Receiver keyed by correlation id;
// inbound reply packets are routed back to that Receiver, while inbound
// request packets are dispatched to the Handler registered for their type.
// The payload is interpreted entirely by the layer above.
package transport

import "net"

// Handler processes one inbound request packet. Handlers run on their own
// goroutine per packet and reply through the transport's Reply method,
// reusing the request's correlation id.
type Handler func(packet *Packet, from net.Addr)

// Receiver is the capability set attached to an outgoing request: either
// the matching reply arrives and Receive fires, or the deadline passes and
// Timeout fires. Exactly one of the two is invoked per correlation id.
type Receiver interface {
	// Receive delivers the reply packet for a request this receiver was
	// registered on.
	Receive(packet *Packet, from net.Addr)

	// Timeout reports that no reply arrived before the deadline, or that
	// the transport shut down with the request still outstanding.
	Timeout(correlationID uint32)
}

// Transport is the wire seam the DHT operates against. The production
// implementation is UDPTransport; tests substitute in-memory fakes.
type Transport interface {
	// Send transmits a request packet, assigns it a fresh correlation id
	// and registers the receiver for the reply or timeout. The assigned
	// correlation id is returned.
	Send(packet *Packet, addr net.Addr, receiver Receiver) (uint32, error)

	// Reply transmits a reply packet carrying the correlation id of the
	// request it answers. No receiver is registered.
	Reply(packet *Packet, addr net.Addr) error

	// RegisterHandler installs the handler for one request packet type.
	RegisterHandler(packetType PacketType, handler Handler)

	// LocalAddr returns the bound socket address.
	LocalAddr() net.Addr

	// Close stops the transport, firing Timeout on every outstanding
	// request receiver.
	Close() error
}
