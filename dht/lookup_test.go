package dht

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kademlia/transport"
)

// mockTransport scripts peer behaviour per destination address. Responses
// are delivered on their own goroutine, the way the real transport's
// receive loop would.
type mockTransport struct {
	mu       sync.Mutex
	nextCID  uint32
	sent     []*transport.Packet
	replies  []*transport.Packet
	behavior map[string]func(cid uint32, packet *transport.Packet, receiver transport.Receiver)
	sendErr  error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		behavior: make(map[string]func(uint32, *transport.Packet, transport.Receiver)),
	}
}

func (m *mockTransport) Send(packet *transport.Packet, addr net.Addr, receiver transport.Receiver) (uint32, error) {
	m.mu.Lock()
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return 0, err
	}
	m.nextCID++
	cid := m.nextCID
	packet.CorrelationID = cid
	m.sent = append(m.sent, packet)
	respond := m.behavior[addr.String()]
	m.mu.Unlock()

	if respond != nil {
		go respond(cid, packet, receiver)
	}
	return cid, nil
}

func (m *mockTransport) Reply(packet *transport.Packet, _ net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, packet)
	return nil
}

func (m *mockTransport) sentReplies() []*transport.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transport.Packet, len(m.replies))
	copy(out, m.replies)
	return out
}

func (m *mockTransport) RegisterHandler(transport.PacketType, transport.Handler) {}

func (m *mockTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) sentPackets() []*transport.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transport.Packet, len(m.sent))
	copy(out, m.sent)
	return out
}

// respondNodes scripts a contact to answer every request with a node reply
// carrying the given contacts.
func (m *mockTransport) respondNodes(from Contact, contacts ...Contact) {
	m.behavior[from.Addr().String()] = func(cid uint32, _ *transport.Packet, receiver transport.Receiver) {
		receiver.Receive(&transport.Packet{
			Type:          transport.PacketNodeReply,
			CorrelationID: cid,
			Payload:       NodeReply{Origin: from, Contacts: contacts}.Encode(),
		}, from.Addr())
	}
}

// respondTimeout scripts a contact to never answer; the receiver sees a
// timeout instead.
func (m *mockTransport) respondTimeout(from Contact) {
	m.behavior[from.Addr().String()] = func(cid uint32, _ *transport.Packet, receiver transport.Receiver) {
		receiver.Timeout(cid)
	}
}

// respondContent scripts a contact to answer with a content reply.
func (m *mockTransport) respondContent(from Contact, content Content) {
	m.behavior[from.Addr().String()] = func(cid uint32, _ *transport.Packet, receiver transport.Receiver) {
		receiver.Receive(&transport.Packet{
			Type:          transport.PacketContentReply,
			CorrelationID: cid,
			Payload:       ContentReply{Origin: from, Content: content}.Encode(),
		}, from.Addr())
	}
}

func lookupContact(lastByte byte, port uint16) Contact {
	return NewContact(idWithLastByte(lastByte), net.ParseIP("127.0.0.1"), port)
}

func TestLookupEmptyTableTerminatesImmediately(t *testing.T) {
	local := lookupContact(0x01, 7001)
	rt := NewRoutingTable(local.ID, testK)
	tr := newMockTransport()

	l := NewNodeLookup(local, RandomID(), rt, tr, testK, 3, time.Second)
	result, err := l.Run()

	require.NoError(t, err)
	require.Len(t, result.Contacts, 1, "only the local node has been asked")
	assert.Equal(t, local.ID, result.Contacts[0].ID)
	assert.Empty(t, tr.sentPackets())
}

func TestLookupAsksSeedContacts(t *testing.T) {
	local := lookupContact(0x01, 7001)
	c2 := lookupContact(0x02, 7002)
	c3 := lookupContact(0x03, 7003)

	rt := NewRoutingTable(local.ID, testK)
	require.True(t, rt.Add(c2))
	require.True(t, rt.Add(c3))

	tr := newMockTransport()
	tr.respondNodes(c2)
	tr.respondNodes(c3)

	l := NewNodeLookup(local, RandomID(), rt, tr, testK, 3, time.Second)
	result, err := l.Run()

	require.NoError(t, err)
	ids := contactIDs(result.Contacts)
	assert.Contains(t, ids, local.ID)
	assert.Contains(t, ids, c2.ID)
	assert.Contains(t, ids, c3.ID)

	for _, p := range tr.sentPackets() {
		assert.Equal(t, transport.PacketNodeLookupRequest, p.Type)
	}
}

func TestLookupDiscoversContactsFromReplies(t *testing.T) {
	local := lookupContact(0x01, 7001)
	seed := lookupContact(0x02, 7002)
	hidden := lookupContact(0x0F, 7003)

	rt := NewRoutingTable(local.ID, testK)
	require.True(t, rt.Add(seed))

	tr := newMockTransport()
	tr.respondNodes(seed, hidden)
	tr.respondNodes(hidden)

	l := NewNodeLookup(local, hidden.ID, rt, tr, testK, 3, time.Second)
	result, err := l.Run()

	require.NoError(t, err)
	assert.Contains(t, contactIDs(result.Contacts), hidden.ID,
		"a contact learned from a reply must be asked and returned")
}

func TestLookupTimeoutEvictsContact(t *testing.T) {
	local := lookupContact(0x01, 7001)
	live := lookupContact(0x02, 7002)
	dead := lookupContact(0x03, 7003)

	rt := NewRoutingTable(local.ID, testK)
	require.True(t, rt.Add(live))
	require.True(t, rt.Add(dead))

	tr := newMockTransport()
	tr.respondNodes(live)
	tr.respondTimeout(dead)

	l := NewNodeLookup(local, RandomID(), rt, tr, testK, 3, time.Second)
	result, err := l.Run()

	require.NoError(t, err)
	ids := contactIDs(result.Contacts)
	assert.Contains(t, ids, live.ID)
	assert.NotContains(t, ids, dead.ID, "a failed contact is never returned")
	assert.False(t, rt.Contains(dead.ID), "a failed contact is evicted from the routing table")
	assert.True(t, rt.Contains(live.ID))
}

func TestLookupSendFailuresTerminate(t *testing.T) {
	local := lookupContact(0x01, 7001)
	c2 := lookupContact(0x02, 7002)

	rt := NewRoutingTable(local.ID, testK)
	require.True(t, rt.Add(c2))

	tr := newMockTransport()
	tr.sendErr = errors.New("socket closed")

	l := NewNodeLookup(local, RandomID(), rt, tr, testK, 3, time.Second)
	result, err := l.Run()

	require.NoError(t, err)
	assert.Equal(t, []ID{local.ID}, contactIDs(result.Contacts),
		"contacts that cannot be reached at all count as failed")
}

func TestLookupStallFailsWithRoutingTimeout(t *testing.T) {
	local := lookupContact(0x01, 7001)
	silent := lookupContact(0x02, 7002)

	rt := NewRoutingTable(local.ID, testK)
	require.True(t, rt.Add(silent))

	// No behaviour scripted: the request stays in flight forever.
	tr := newMockTransport()

	l := NewNodeLookup(local, RandomID(), rt, tr, testK, 3, 100*time.Millisecond)
	_, err := l.Run()

	assert.ErrorIs(t, err, ErrRoutingTimeout)
}

func TestContentLookupFindsContent(t *testing.T) {
	local := lookupContact(0x01, 7001)
	holder := lookupContact(0x02, 7002)

	content := Content{Key: idWithLastByte(0x0A), Owner: "alice", Value: []byte("x")}
	rt := NewRoutingTable(local.ID, testK)
	require.True(t, rt.Add(holder))

	tr := newMockTransport()
	tr.respondContent(holder, content)

	l := NewContentLookup(local, ParamFor(content), 1, rt, tr, testK, 3, time.Second)
	result, err := l.Run()

	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, content.Value, result.Contents[0].Value)

	for _, p := range tr.sentPackets() {
		assert.Equal(t, transport.PacketContentLookupRequest, p.Type)
	}
}

func TestContentLookupIgnoresNonMatchingContent(t *testing.T) {
	local := lookupContact(0x01, 7001)
	holder := lookupContact(0x02, 7002)

	wanted := GetParameter{Key: idWithLastByte(0x0A), Owner: "alice"}
	other := Content{Key: idWithLastByte(0x0A), Owner: "mallory", Value: []byte("y")}

	rt := NewRoutingTable(local.ID, testK)
	require.True(t, rt.Add(holder))

	tr := newMockTransport()
	tr.respondContent(holder, other)

	l := NewContentLookup(local, wanted, 1, rt, tr, testK, 3, time.Second)
	result, err := l.Run()

	require.NoError(t, err)
	assert.Empty(t, result.Contents, "a reply failing the owner filter is not collected")
}

func TestContentLookupConvergesWithoutContent(t *testing.T) {
	local := lookupContact(0x01, 7001)
	peer := lookupContact(0x02, 7002)

	rt := NewRoutingTable(local.ID, testK)
	require.True(t, rt.Add(peer))

	tr := newMockTransport()
	tr.respondNodes(peer)

	l := NewContentLookup(local, GetParameter{Key: RandomID()}, 1, rt, tr, testK, 3, time.Second)
	result, err := l.Run()

	require.NoError(t, err)
	assert.Empty(t, result.Contents)
	assert.Contains(t, contactIDs(result.Contacts), peer.ID)
}

func TestLookupRespectsAlphaBound(t *testing.T) {
	local := lookupContact(0x01, 7001)
	rt := NewRoutingTable(local.ID, testK)
	for b := byte(2); b < 8; b++ {
		require.True(t, rt.Add(lookupContact(b, 7000+uint16(b))))
	}

	// Nobody answers; the initial batch is all that ever goes out.
	tr := newMockTransport()

	l := NewNodeLookup(local, RandomID(), rt, tr, testK, 2, 100*time.Millisecond)
	_, err := l.Run()

	assert.ErrorIs(t, err, ErrRoutingTimeout)
	assert.Len(t, tr.sentPackets(), 2, "no more than alpha requests in flight")
}

func contactIDs(contacts []Contact) []ID {
	ids := make([]ID, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	return ids
}
