package dht

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kademlia/transport"
)

var (
	// ErrRoutingTimeout indicates a lookup saw no reply or timeout activity
	// for a full operation-timeout window and gave up.
	ErrRoutingTimeout = errors.New("lookup made no progress before the operation timeout")

	// ErrContentNotFound indicates a content lookup converged without any
	// peer returning a matching item.
	ErrContentNotFound = errors.New("content not found")
)

// queryStatus tracks where a contact stands within one lookup.
type queryStatus uint8

const (
	statusUnasked queryStatus = iota
	statusAwaiting
	statusAsked
	statusFailed
)

// lookupEntry is one contact's state within a lookup.
type lookupEntry struct {
	contact Contact
	status  queryStatus
}

// LookupResult carries the outcome of a finished lookup: the closest
// responders, and for content lookups the replies collected on the way.
type LookupResult struct {
	Contacts []Contact
	Contents []Content
}

// Lookup is one run of the bounded-parallelism iterative lookup.
//
// The same state machine drives node lookups and the discovery phase of
// content lookups: it repeatedly asks the closest known unasked contacts
// for nodes nearer the target, keeping at most alpha requests in flight,
// until the k closest responders are stable. A content lookup differs only
// in the request type it sends and in terminating early once enough
// content replies have arrived.
//
// Replies and timeouts are delivered by the transport goroutines through
// the Receiver interface; all state mutations happen under the lookup's
// mutex, and the caller blocks in Run until the state machine terminates
// or stalls. A Lookup is single-use.
type Lookup struct {
	target    ID
	local     Contact
	table     *RoutingTable
	transport transport.Transport
	k         int
	alpha     int
	timeout   time.Duration

	// Content-lookup variant: params selects the content, want is how many
	// distinct replies to collect before terminating early.
	params *GetParameter
	want   int

	mu         sync.Mutex
	entries    map[ID]*lookupEntry
	inFlight   map[uint32]Contact
	contents   []Content
	terminated bool
	done       chan struct{}
	progress   chan struct{}
}

// NewNodeLookup prepares a lookup that converges on the k closest contacts
// to target.
func NewNodeLookup(local Contact, target ID, table *RoutingTable, tr transport.Transport, k, alpha int, timeout time.Duration) *Lookup {
	return newLookup(local, target, table, tr, k, alpha, timeout, nil, 0)
}

// NewContentLookup prepares a lookup that searches for content matching
// params, collecting up to want distinct replies before terminating early.
func NewContentLookup(local Contact, params GetParameter, want int, table *RoutingTable, tr transport.Transport, k, alpha int, timeout time.Duration) *Lookup {
	if want < 1 {
		want = 1
	}
	return newLookup(local, params.Key, table, tr, k, alpha, timeout, &params, want)
}

func newLookup(local Contact, target ID, table *RoutingTable, tr transport.Transport, k, alpha int, timeout time.Duration, params *GetParameter, want int) *Lookup {
	l := &Lookup{
		target:    target,
		local:     local,
		table:     table,
		transport: tr,
		k:         k,
		alpha:     alpha,
		timeout:   timeout,
		params:    params,
		want:      want,
		entries:   make(map[ID]*lookupEntry),
		inFlight:  make(map[uint32]Contact),
		done:      make(chan struct{}),
		progress:  make(chan struct{}, 1),
	}

	// The local node counts as already asked; everything the routing table
	// knows starts unasked.
	l.entries[local.ID] = &lookupEntry{contact: local, status: statusAsked}
	for _, c := range table.Contacts() {
		if _, seen := l.entries[c.ID]; !seen {
			l.entries[c.ID] = &lookupEntry{contact: c, status: statusUnasked}
		}
	}
	return l
}

// Run drives the lookup to completion and returns the k closest contacts
// that answered, plus any content collected. It fails with
// ErrRoutingTimeout when a full timeout window passes without a reply or a
// timeout moving the state machine.
func (l *Lookup) Run() (LookupResult, error) {
	l.mu.Lock()
	l.step()
	l.mu.Unlock()

	for {
		select {
		case <-l.done:
			return l.result(), nil
		case <-l.progress:
			// Activity happened; restart the inactivity window.
		case <-time.After(l.timeout):
			l.mu.Lock()
			if l.terminated {
				// Termination raced the timer; the result is valid.
				l.mu.Unlock()
				return l.result(), nil
			}
			l.terminated = true
			l.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"target":   l.target.String(),
			}).Warn("lookup stalled")
			return LookupResult{}, ErrRoutingTimeout
		}
	}
}

// step issues requests until alpha are in flight, or terminates the lookup
// when the k closest live contacts have all been asked and nothing remains
// outstanding. Callers hold l.mu.
func (l *Lookup) step() {
	if l.terminated {
		return
	}
	if len(l.inFlight) >= l.alpha {
		return
	}

	window := l.closestLive(l.k)
	candidates := make([]Contact, 0, len(window))
	for _, e := range window {
		if e.status == statusUnasked {
			candidates = append(candidates, e.contact)
		}
	}

	if len(candidates) == 0 {
		if len(l.inFlight) == 0 {
			l.terminate()
		}
		return
	}

	for _, c := range candidates {
		if len(l.inFlight) >= l.alpha {
			break
		}
		l.send(c)
	}

	// Every candidate in the window errored out synchronously: re-check
	// for termination rather than waiting on a timeout that never fires.
	if len(l.inFlight) == 0 {
		l.step()
	}
}

// send issues one request to the contact and records it in flight. Send
// failures mark the contact failed immediately. Callers hold l.mu.
func (l *Lookup) send(c Contact) {
	var packet *transport.Packet
	if l.params != nil {
		packet = requestPacket(transport.PacketContentLookupRequest, ContentLookupRequest{
			Origin: l.local,
			Params: *l.params,
		}.Encode())
	} else {
		packet = requestPacket(transport.PacketNodeLookupRequest, NodeLookupRequest{
			Origin: l.local,
			Target: l.target,
		}.Encode())
	}

	cid, err := l.transport.Send(packet, c.Addr(), l)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"contact":  c.ID.String(),
			"error":    err.Error(),
		}).Warn("lookup request send failed")
		l.entries[c.ID].status = statusFailed
		return
	}
	l.entries[c.ID].status = statusAwaiting
	l.inFlight[cid] = c
}

// Receive handles a reply from the transport: node replies widen the
// candidate set, content replies may finish a content lookup.
func (l *Lookup) Receive(packet *transport.Packet, _ net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminated {
		return
	}

	responder, ok := l.inFlight[packet.CorrelationID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":    "Receive",
			"correlation": packet.CorrelationID,
		}).Debug("reply for unknown lookup request")
		return
	}
	delete(l.inFlight, packet.CorrelationID)

	switch packet.Type {
	case transport.PacketNodeReply:
		l.handleNodeReply(responder, packet)
	case transport.PacketContentReply:
		l.handleContentReply(responder, packet)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Receive",
			"type":     packet.Type.String(),
		}).Debug("unexpected reply type in lookup")
		l.entries[responder.ID].status = statusAsked
	}

	l.signalProgress()
	l.step()
}

// handleNodeReply marks the responder asked, feeds it back into the
// routing table and adds every previously unseen contact as a candidate.
// Callers hold l.mu.
func (l *Lookup) handleNodeReply(responder Contact, packet *transport.Packet) {
	l.entries[responder.ID].status = statusAsked
	l.table.Add(responder)

	reply, err := DecodeNodeReply(packet.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleNodeReply",
			"contact":  responder.ID.String(),
			"error":    err.Error(),
		}).Warn("dropping malformed node reply")
		return
	}

	for _, c := range reply.Contacts {
		if _, seen := l.entries[c.ID]; !seen {
			l.entries[c.ID] = &lookupEntry{contact: c, status: statusUnasked}
		}
	}
}

// handleContentReply records a matching content item and terminates the
// lookup once enough replies have been collected. Callers hold l.mu.
func (l *Lookup) handleContentReply(responder Contact, packet *transport.Packet) {
	l.entries[responder.ID].status = statusAsked
	l.table.Add(responder)

	if l.params == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleContentReply",
			"contact":  responder.ID.String(),
		}).Debug("content reply during node lookup, ignoring")
		return
	}

	reply, err := DecodeContentReply(packet.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleContentReply",
			"contact":  responder.ID.String(),
			"error":    err.Error(),
		}).Warn("dropping malformed content reply")
		return
	}
	if !l.params.Matches(reply.Content) {
		return
	}

	l.contents = append(l.contents, reply.Content)
	if len(l.contents) >= l.want {
		l.terminate()
	}
}

// Timeout handles an expired request: the contact is marked failed and
// evicted from the routing table, and the lookup moves on.
func (l *Lookup) Timeout(correlationID uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminated {
		return
	}

	c, ok := l.inFlight[correlationID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":    "Timeout",
			"correlation": correlationID,
		}).Debug("timeout for unknown lookup request")
		return
	}
	delete(l.inFlight, correlationID)

	logrus.WithFields(logrus.Fields{
		"function": "Timeout",
		"contact":  c.ID.String(),
	}).Debug("lookup contact unresponsive")

	l.entries[c.ID].status = statusFailed
	l.table.Remove(c.ID)

	l.signalProgress()
	l.step()
}

// terminate closes the rendezvous with the waiting caller. Callers hold
// l.mu.
func (l *Lookup) terminate() {
	if l.terminated {
		return
	}
	l.terminated = true
	close(l.done)
}

// signalProgress resets the caller's inactivity window without blocking.
func (l *Lookup) signalProgress() {
	select {
	case l.progress <- struct{}{}:
	default:
	}
}

// closestLive returns up to n entries closest to the target, excluding
// failed contacts. Callers hold l.mu.
func (l *Lookup) closestLive(n int) []*lookupEntry {
	live := make([]*lookupEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.status != statusFailed {
			live = append(live, e)
		}
	}
	sortEntriesByDistance(live, l.target)
	if len(live) > n {
		live = live[:n]
	}
	return live
}

// result gathers the k closest asked contacts and any collected content.
func (l *Lookup) result() LookupResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	asked := make([]Contact, 0, len(l.entries))
	for _, e := range l.entries {
		if e.status == statusAsked {
			asked = append(asked, e.contact)
		}
	}
	SortByDistance(asked, l.target)
	if len(asked) > l.k {
		asked = asked[:l.k]
	}
	return LookupResult{Contacts: asked, Contents: l.contents}
}

func sortEntriesByDistance(entries []*lookupEntry, target ID) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].contact.ID.XOR(target).Less(entries[j].contact.ID.XOR(target))
	})
}
