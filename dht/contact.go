package dht

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// ContactSize is the wire size of a contact: identifier, IPv4 address and
// a big-endian 32-bit port field.
const ContactSize = IDLength + 4 + 4

// Contact pairs an identifier with a reachable IPv4/UDP endpoint. Contacts
// are small value types and are copied freely; routing-table membership is
// decided by identifier alone.
type Contact struct {
	ID   ID
	IP   [4]byte
	Port uint16
}

// NewContact builds a contact from an identifier and an IPv4 address.
// Non-IPv4 addresses yield a contact with a zero address.
func NewContact(id ID, ip net.IP, port uint16) Contact {
	c := Contact{ID: id, Port: port}
	if v4 := ip.To4(); v4 != nil {
		copy(c.IP[:], v4)
	}
	return c
}

// Addr returns the contact's endpoint as a net.UDPAddr.
func (c Contact) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(c.IP[0], c.IP[1], c.IP[2], c.IP[3]), Port: int(c.Port)}
}

// WriteTo writes the 28-byte wire form of the contact.
func (c Contact) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, ContactSize)
	copy(buf[:IDLength], c.ID[:])
	copy(buf[IDLength:IDLength+4], c.IP[:])
	binary.BigEndian.PutUint32(buf[IDLength+4:], uint32(c.Port))
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadContactFrom reads the 28-byte wire form of a contact.
func ReadContactFrom(r io.Reader) (Contact, error) {
	buf := make([]byte, ContactSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Contact{}, fmt.Errorf("contact truncated on wire: %w", err)
	}
	var c Contact
	copy(c.ID[:], buf[:IDLength])
	copy(c.IP[:], buf[IDLength:IDLength+4])
	c.Port = uint16(binary.BigEndian.Uint32(buf[IDLength+4:]))
	return c, nil
}

// String renders the contact as "ID@ip:port" for logging.
func (c Contact) String() string {
	return fmt.Sprintf("%s@%d.%d.%d.%d:%d", c.ID, c.IP[0], c.IP[1], c.IP[2], c.IP[3], c.Port)
}
