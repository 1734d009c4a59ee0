package dht

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kademlia/transport"
)

// ContentStore is the slice of the local content store the responder needs:
// storing items pushed by peers and answering content lookups.
type ContentStore interface {
	Put(c Content)
	Get(p GetParameter) (Content, bool)
}

// Responder serves the four inbound request types on behalf of the local
// node. Every request feeds the origin contact into the routing table
// before being answered, so traffic alone keeps the table warm.
//
// Malformed bodies are logged and dropped; a peer never learns whether its
// datagram parsed.
type Responder struct {
	local     Contact
	table     *RoutingTable
	store     ContentStore
	transport transport.Transport
	k         int
}

// NewResponder builds the responder for the local contact.
func NewResponder(local Contact, table *RoutingTable, cs ContentStore, tr transport.Transport, k int) *Responder {
	return &Responder{
		local:     local,
		table:     table,
		store:     cs,
		transport: tr,
		k:         k,
	}
}

// Register installs the responder's handlers for all request packet types.
func (rsp *Responder) Register(tr transport.Transport) {
	tr.RegisterHandler(transport.PacketConnectRequest, rsp.handleConnect)
	tr.RegisterHandler(transport.PacketNodeLookupRequest, rsp.handleNodeLookup)
	tr.RegisterHandler(transport.PacketStoreRequest, rsp.handleStore)
	tr.RegisterHandler(transport.PacketContentLookupRequest, rsp.handleContentLookup)
}

// handleConnect acknowledges a new peer and records it.
func (rsp *Responder) handleConnect(packet *transport.Packet, from net.Addr) {
	msg, err := DecodeConnectMessage(packet.Payload)
	if err != nil {
		rsp.drop("handleConnect", from, err)
		return
	}
	rsp.table.Add(msg.Origin)

	reply := replyPacket(transport.PacketConnectReply, packet.CorrelationID, ConnectMessage{Origin: rsp.local}.Encode())
	rsp.reply("handleConnect", reply, from)
}

// handleNodeLookup answers with the k closest contacts to the requested
// target.
func (rsp *Responder) handleNodeLookup(packet *transport.Packet, from net.Addr) {
	msg, err := DecodeNodeLookupRequest(packet.Payload)
	if err != nil {
		rsp.drop("handleNodeLookup", from, err)
		return
	}
	rsp.table.Add(msg.Origin)

	closest := rsp.table.FindClosest(msg.Target, rsp.k)
	reply := replyPacket(transport.PacketNodeReply, packet.CorrelationID, NodeReply{
		Origin:   rsp.local,
		Contacts: closest,
	}.Encode())
	rsp.reply("handleNodeLookup", reply, from)
}

// handleStore stores the pushed content and acknowledges with a connect
// reply.
func (rsp *Responder) handleStore(packet *transport.Packet, from net.Addr) {
	msg, err := DecodeStoreRequest(packet.Payload)
	if err != nil {
		rsp.drop("handleStore", from, err)
		return
	}
	rsp.table.Add(msg.Origin)
	rsp.store.Put(msg.Content)

	logrus.WithFields(logrus.Fields{
		"function": "handleStore",
		"key":      msg.Content.Key.String(),
		"owner":    msg.Content.Owner,
	}).Debug("stored content for peer")

	reply := replyPacket(transport.PacketConnectReply, packet.CorrelationID, ConnectMessage{Origin: rsp.local}.Encode())
	rsp.reply("handleStore", reply, from)
}

// handleContentLookup answers with the content when the local store has a
// match, and with the k closest contacts otherwise so the searcher can keep
// iterating.
func (rsp *Responder) handleContentLookup(packet *transport.Packet, from net.Addr) {
	msg, err := DecodeContentLookupRequest(packet.Payload)
	if err != nil {
		rsp.drop("handleContentLookup", from, err)
		return
	}
	rsp.table.Add(msg.Origin)

	if content, ok := rsp.store.Get(msg.Params); ok {
		reply := replyPacket(transport.PacketContentReply, packet.CorrelationID, ContentReply{
			Origin:  rsp.local,
			Content: content,
		}.Encode())
		rsp.reply("handleContentLookup", reply, from)
		return
	}

	closest := rsp.table.FindClosest(msg.Params.Key, rsp.k)
	reply := replyPacket(transport.PacketNodeReply, packet.CorrelationID, NodeReply{
		Origin:   rsp.local,
		Contacts: closest,
	}.Encode())
	rsp.reply("handleContentLookup", reply, from)
}

func (rsp *Responder) reply(function string, packet *transport.Packet, to net.Addr) {
	if err := rsp.transport.Reply(packet, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": function,
			"to":       to.String(),
			"error":    err.Error(),
		}).Warn("reply send failed")
	}
}

func (rsp *Responder) drop(function string, from net.Addr, err error) {
	logrus.WithFields(logrus.Fields{
		"function": function,
		"from":     from.String(),
		"error":    err.Error(),
	}).Debug("dropping malformed request body")
}
