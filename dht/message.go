package dht

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/kademlia/transport"
)

// Message bodies ride inside transport packets. Every body starts with the
// origin contact so the receiving node can insert the sender into its
// routing table before acting on the message.
//
// Content serializes as key(20) | owner(u16 length + UTF-8) |
// type(u16 length + UTF-8) | value(u32 length + bytes); a get parameter is
// the same layout without the value.

// ErrTruncatedMessage indicates a message body shorter than its layout
// requires.
var ErrTruncatedMessage = errors.New("message body truncated")

// ConnectMessage is the body of connect requests and connect replies: just
// the origin contact.
type ConnectMessage struct {
	Origin Contact
}

// NodeLookupRequest asks the receiver for its closest contacts to Target.
type NodeLookupRequest struct {
	Origin Contact
	Target ID
}

// NodeReply returns the receiver's closest contacts to a requested target.
type NodeReply struct {
	Origin   Contact
	Contacts []Contact
}

// StoreRequest asks the receiver to store a content item.
type StoreRequest struct {
	Origin  Contact
	Content Content
}

// ContentLookupRequest asks the receiver for matching content, with a node
// reply as the fallback when the receiver has none.
type ContentLookupRequest struct {
	Origin Contact
	Params GetParameter
}

// ContentReply returns a stored content item.
type ContentReply struct {
	Origin  Contact
	Content Content
}

// Encode serializes the connect message body.
func (m ConnectMessage) Encode() []byte {
	var buf bytes.Buffer
	m.Origin.WriteTo(&buf)
	return buf.Bytes()
}

// DecodeConnectMessage parses a connect request or reply body.
func DecodeConnectMessage(payload []byte) (ConnectMessage, error) {
	r := bytes.NewReader(payload)
	origin, err := ReadContactFrom(r)
	if err != nil {
		return ConnectMessage{}, err
	}
	return ConnectMessage{Origin: origin}, nil
}

// Encode serializes the node lookup request body.
func (m NodeLookupRequest) Encode() []byte {
	var buf bytes.Buffer
	m.Origin.WriteTo(&buf)
	m.Target.WriteTo(&buf)
	return buf.Bytes()
}

// DecodeNodeLookupRequest parses a node lookup request body.
func DecodeNodeLookupRequest(payload []byte) (NodeLookupRequest, error) {
	r := bytes.NewReader(payload)
	origin, err := ReadContactFrom(r)
	if err != nil {
		return NodeLookupRequest{}, err
	}
	target, err := ReadIDFrom(r)
	if err != nil {
		return NodeLookupRequest{}, err
	}
	return NodeLookupRequest{Origin: origin, Target: target}, nil
}

// Encode serializes the node reply body: origin, contact count, contacts.
func (m NodeReply) Encode() []byte {
	var buf bytes.Buffer
	m.Origin.WriteTo(&buf)
	binary.Write(&buf, binary.BigEndian, uint32(len(m.Contacts)))
	for _, c := range m.Contacts {
		c.WriteTo(&buf)
	}
	return buf.Bytes()
}

// DecodeNodeReply parses a node reply body, validating the declared contact
// count against the remaining bytes.
func DecodeNodeReply(payload []byte) (NodeReply, error) {
	r := bytes.NewReader(payload)
	origin, err := ReadContactFrom(r)
	if err != nil {
		return NodeReply{}, err
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return NodeReply{}, ErrTruncatedMessage
	}
	if int64(count)*ContactSize > int64(r.Len()) {
		return NodeReply{}, fmt.Errorf("node reply declares %d contacts, body holds %d bytes", count, r.Len())
	}

	contacts := make([]Contact, 0, count)
	for i := uint32(0); i < count; i++ {
		c, err := ReadContactFrom(r)
		if err != nil {
			return NodeReply{}, err
		}
		contacts = append(contacts, c)
	}
	return NodeReply{Origin: origin, Contacts: contacts}, nil
}

// Encode serializes the store request body.
func (m StoreRequest) Encode() []byte {
	var buf bytes.Buffer
	m.Origin.WriteTo(&buf)
	writeContent(&buf, m.Content)
	return buf.Bytes()
}

// DecodeStoreRequest parses a store request body.
func DecodeStoreRequest(payload []byte) (StoreRequest, error) {
	r := bytes.NewReader(payload)
	origin, err := ReadContactFrom(r)
	if err != nil {
		return StoreRequest{}, err
	}
	content, err := readContent(r)
	if err != nil {
		return StoreRequest{}, err
	}
	return StoreRequest{Origin: origin, Content: content}, nil
}

// Encode serializes the content lookup request body.
func (m ContentLookupRequest) Encode() []byte {
	var buf bytes.Buffer
	m.Origin.WriteTo(&buf)
	m.Params.Key.WriteTo(&buf)
	writeLengthPrefixedString(&buf, m.Params.Owner)
	writeLengthPrefixedString(&buf, m.Params.Type)
	return buf.Bytes()
}

// DecodeContentLookupRequest parses a content lookup request body.
func DecodeContentLookupRequest(payload []byte) (ContentLookupRequest, error) {
	r := bytes.NewReader(payload)
	origin, err := ReadContactFrom(r)
	if err != nil {
		return ContentLookupRequest{}, err
	}
	key, err := ReadIDFrom(r)
	if err != nil {
		return ContentLookupRequest{}, err
	}
	owner, err := readLengthPrefixedString(r)
	if err != nil {
		return ContentLookupRequest{}, err
	}
	contentType, err := readLengthPrefixedString(r)
	if err != nil {
		return ContentLookupRequest{}, err
	}
	return ContentLookupRequest{
		Origin: origin,
		Params: GetParameter{Key: key, Owner: owner, Type: contentType},
	}, nil
}

// Encode serializes the content reply body.
func (m ContentReply) Encode() []byte {
	var buf bytes.Buffer
	m.Origin.WriteTo(&buf)
	writeContent(&buf, m.Content)
	return buf.Bytes()
}

// DecodeContentReply parses a content reply body.
func DecodeContentReply(payload []byte) (ContentReply, error) {
	r := bytes.NewReader(payload)
	origin, err := ReadContactFrom(r)
	if err != nil {
		return ContentReply{}, err
	}
	content, err := readContent(r)
	if err != nil {
		return ContentReply{}, err
	}
	return ContentReply{Origin: origin, Content: content}, nil
}

func writeContent(buf *bytes.Buffer, c Content) {
	c.Key.WriteTo(buf)
	writeLengthPrefixedString(buf, c.Owner)
	writeLengthPrefixedString(buf, c.Type)
	binary.Write(buf, binary.BigEndian, uint32(len(c.Value)))
	buf.Write(c.Value)
}

func readContent(r *bytes.Reader) (Content, error) {
	key, err := ReadIDFrom(r)
	if err != nil {
		return Content{}, err
	}
	owner, err := readLengthPrefixedString(r)
	if err != nil {
		return Content{}, err
	}
	contentType, err := readLengthPrefixedString(r)
	if err != nil {
		return Content{}, err
	}

	var valueLen uint32
	if err := binary.Read(r, binary.BigEndian, &valueLen); err != nil {
		return Content{}, ErrTruncatedMessage
	}
	if int64(valueLen) > int64(r.Len()) {
		return Content{}, fmt.Errorf("content declares %d value bytes, body holds %d", valueLen, r.Len())
	}
	value := make([]byte, valueLen)
	if _, err := r.Read(value); err != nil && valueLen > 0 {
		return Content{}, ErrTruncatedMessage
	}

	return Content{Key: key, Owner: owner, Type: contentType, Value: value}, nil
}

func writeLengthPrefixedString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readLengthPrefixedString(r *bytes.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", ErrTruncatedMessage
	}
	if int(length) > r.Len() {
		return "", fmt.Errorf("string declares %d bytes, body holds %d", length, r.Len())
	}
	raw := make([]byte, length)
	if length > 0 {
		if _, err := r.Read(raw); err != nil {
			return "", ErrTruncatedMessage
		}
	}
	return string(raw), nil
}

// requestPacket builds an outbound request packet of the given type; the
// transport assigns the correlation id at send time.
func requestPacket(t transport.PacketType, payload []byte) *transport.Packet {
	return &transport.Packet{Type: t, Payload: payload}
}

// replyPacket builds a reply packet reusing the correlation id of the
// request it answers.
func replyPacket(t transport.PacketType, correlationID uint32, payload []byte) *transport.Packet {
	return &transport.Packet{Type: t, CorrelationID: correlationID, Payload: payload}
}
