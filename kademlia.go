// Package kademlia implements a peer-to-peer distributed hash table node
// based on the Kademlia protocol.
//
// Nodes and content keys share one 160-bit identifier space. A node keeps
// contacts bucketed by XOR distance, locates peers and content through
// bounded-parallelism iterative lookups, and exchanges UDP datagrams
// correlated by request id.
//
// Example:
//
//	options := kademlia.NewOptions()
//	options.OwnerID = "alice"
//	options.Port = 7529
//
//	node, err := kademlia.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Kill()
//
//	// Join an existing overlay through a known peer.
//	err = node.Bootstrap("198.51.100.7", 7529, bootstrapID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node.Put(dht.Content{Key: key, Owner: "alice", Value: data})
package kademlia

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kademlia/dht"
	"github.com/opd-ai/kademlia/snapshot"
	"github.com/opd-ai/kademlia/store"
	"github.com/opd-ai/kademlia/transport"
)

// Defaults for the tunable constants.
const (
	// DefaultK is the per-bucket capacity and the size of a lookup's final
	// result set.
	DefaultK = 5
	// DefaultAlpha bounds the parallel in-flight requests per lookup.
	DefaultAlpha = 3
	// DefaultOperationTimeout bounds both a single request's wait for its
	// reply and a lookup's tolerance for inactivity.
	DefaultOperationTimeout = 2 * time.Second
	// DefaultRefreshInterval is the period of the background refresh that
	// re-walks every bucket and re-publishes local content.
	DefaultRefreshInterval = time.Hour
)

// ErrNotRunning indicates an operation on a node that was already killed.
var ErrNotRunning = errors.New("node is not running")

// Options configures a Node. Use NewOptions for the defaults.
type Options struct {
	// OwnerID names the operator; snapshots are filed under it.
	OwnerID string
	// LocalID is the node's identifier. Zero selects a random identifier.
	LocalID dht.ID
	// IP is the IPv4 address advertised to peers in the origin contact.
	IP string
	// Port is the UDP port to bind. Zero selects an ephemeral port.
	Port uint16

	K                   int
	Alpha               int
	OperationTimeout    time.Duration
	RefreshInterval     time.Duration
	SaveStateOnShutdown bool
	// SnapshotRoot overrides the directory snapshots are written under.
	// Empty selects $HOME/.kademlia.
	SnapshotRoot string
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		IP:               "127.0.0.1",
		K:                DefaultK,
		Alpha:            DefaultAlpha,
		OperationTimeout: DefaultOperationTimeout,
		RefreshInterval:  DefaultRefreshInterval,
	}
}

// Node is one DHT participant: a routing table, a content store and a UDP
// transport, plus the background refresher keeping the overlay alive.
type Node struct {
	opts      *Options
	local     dht.Contact
	table     *dht.RoutingTable
	contents  *store.Store
	transport transport.Transport
	responder *dht.Responder

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New binds the node's UDP socket, registers the request handlers and
// starts the periodic refresher.
func New(opts *Options) (*Node, error) {
	if opts == nil {
		opts = NewOptions()
	}
	applyDefaults(opts)

	localID := opts.LocalID
	if (localID == dht.ID{}) {
		localID = dht.RandomID()
	}

	tr, err := transport.NewUDPTransport(fmt.Sprintf(":%d", opts.Port), opts.OperationTimeout)
	if err != nil {
		return nil, fmt.Errorf("binding transport: %w", err)
	}

	// The bind may have chosen the port (":0"); advertise the effective one.
	port := opts.Port
	if udpAddr, ok := tr.LocalAddr().(*net.UDPAddr); ok {
		port = uint16(udpAddr.Port)
	}

	local := dht.NewContact(localID, net.ParseIP(opts.IP), port)
	node := &Node{
		opts:      opts,
		local:     local,
		table:     dht.NewRoutingTable(localID, opts.K),
		contents:  store.New(),
		transport: tr,
		running:   true,
	}
	node.responder = dht.NewResponder(local, node.table, node.contents, tr, opts.K)
	node.responder.Register(tr)

	node.ctx, node.cancel = context.WithCancel(context.Background())
	node.wg.Add(1)
	go node.refreshLoop()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"owner":    opts.OwnerID,
		"id":       localID.String(),
		"port":     port,
	}).Info("node started")

	return node, nil
}

func applyDefaults(opts *Options) {
	if opts.IP == "" {
		opts.IP = "127.0.0.1"
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.Alpha <= 0 {
		opts.Alpha = DefaultAlpha
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
}

// LocalContact returns the contact the node advertises to peers.
func (n *Node) LocalContact() dht.Contact {
	return n.local
}

// RoutingTable exposes the node's routing table.
func (n *Node) RoutingTable() *dht.RoutingTable {
	return n.table
}

// Store exposes the node's local content store.
func (n *Node) Store() *store.Store {
	return n.contents
}

// IsRunning reports whether the node has not been killed.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Bootstrap joins an overlay through a known peer: the peer is inserted
// into the routing table, the node looks up its own identifier to populate
// the table, then runs one full refresh.
func (n *Node) Bootstrap(ip string, port uint16, id dht.ID) error {
	if !n.IsRunning() {
		return ErrNotRunning
	}

	peer := dht.NewContact(id, net.ParseIP(ip), port)
	n.table.Add(peer)

	logrus.WithFields(logrus.Fields{
		"function":  "Bootstrap",
		"bootstrap": peer.String(),
	}).Info("joining overlay")

	if _, err := n.Lookup(n.local.ID); err != nil {
		return fmt.Errorf("bootstrap lookup: %w", err)
	}
	return n.Refresh()
}

// Lookup runs an iterative node lookup and returns the k closest contacts
// that answered.
func (n *Node) Lookup(target dht.ID) ([]dht.Contact, error) {
	if !n.IsRunning() {
		return nil, ErrNotRunning
	}

	l := dht.NewNodeLookup(n.local, target, n.table, n.transport, n.opts.K, n.opts.Alpha, n.opts.OperationTimeout)
	result, err := l.Run()
	if err != nil {
		return nil, err
	}
	return result.Contacts, nil
}

// Put places a content item on the k closest nodes to its key and returns
// the number of acknowledged copies (the local node counts as one when it
// is among the k closest).
func (n *Node) Put(c dht.Content) (int, error) {
	if !n.IsRunning() {
		return 0, ErrNotRunning
	}

	closest, err := n.Lookup(c.Key)
	if err != nil {
		return 0, err
	}

	acks := 0
	collector := newAckCollector()
	for _, target := range closest {
		if target.ID.Equal(n.local.ID) {
			n.contents.Put(c)
			acks++
			continue
		}
		packet := &transport.Packet{
			Type:    transport.PacketStoreRequest,
			Payload: dht.StoreRequest{Origin: n.local, Content: c}.Encode(),
		}
		collector.sent()
		if _, err := n.transport.Send(packet, target.Addr(), collector); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Put",
				"contact":  target.ID.String(),
				"error":    err.Error(),
			}).Warn("store request send failed")
			collector.abort()
		}
	}

	acks += collector.wait()
	logrus.WithFields(logrus.Fields{
		"function": "Put",
		"key":      c.Key.String(),
		"acks":     acks,
	}).Debug("content placed")
	return acks, nil
}

// Get retrieves content matching the parameter. The local store answers
// first; otherwise a content lookup walks the overlay, collecting up to
// nReq distinct replies. Returns ErrContentNotFound when no peer has a
// match.
func (n *Node) Get(p dht.GetParameter, nReq int) ([]dht.Content, error) {
	if !n.IsRunning() {
		return nil, ErrNotRunning
	}
	if local, ok := n.contents.Get(p); ok {
		return []dht.Content{local}, nil
	}

	l := dht.NewContentLookup(n.local, p, nReq, n.table, n.transport, n.opts.K, n.opts.Alpha, n.opts.OperationTimeout)
	result, err := l.Run()
	if err != nil {
		return nil, err
	}
	if len(result.Contents) == 0 {
		return nil, dht.ErrContentNotFound
	}
	return result.Contents, nil
}

// Refresh re-walks every bucket with a node lookup and re-publishes every
// locally stored content item.
func (n *Node) Refresh() error {
	if !n.IsRunning() {
		return ErrNotRunning
	}

	for _, id := range n.table.RefreshIDs() {
		if _, err := n.Lookup(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Refresh",
				"target":   id.String(),
				"error":    err.Error(),
			}).Warn("bucket refresh lookup failed")
		}
	}

	for _, c := range n.contents.All() {
		if _, err := n.Put(c); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Refresh",
				"key":      c.Key.String(),
				"error":    err.Error(),
			}).Warn("content re-publication failed")
		}
	}
	return nil
}

// Kill stops the refresher, optionally snapshots the node's state, and
// closes the transport, firing timeouts for every outstanding request.
func (n *Node) Kill() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()

	var saveErr error
	if n.opts.SaveStateOnShutdown && n.opts.OwnerID != "" {
		saveErr = n.Save()
	}

	if err := n.transport.Close(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
		"owner":    n.opts.OwnerID,
	}).Info("node stopped")
	return saveErr
}

// Save writes the node's state as a four-file snapshot under the owner's
// directory.
func (n *Node) Save() error {
	root := n.opts.SnapshotRoot
	if root == "" {
		var err error
		root, err = snapshot.DefaultRoot()
		if err != nil {
			return err
		}
	}
	return snapshot.Save(root, n.opts.OwnerID, &snapshot.NodeState{
		OwnerID:  n.opts.OwnerID,
		Port:     n.local.Port,
		Local:    n.local,
		Buckets:  n.table.Buckets(),
		Contents: n.contents.All(),
	})
}

// Load reconstructs a node from the owner's snapshot. The node binds the
// saved port and starts with the saved routing table and content store.
// Options fields other than OwnerID, LocalID and Port are honored.
func Load(owner string, opts *Options) (*Node, error) {
	if opts == nil {
		opts = NewOptions()
	}
	root := opts.SnapshotRoot
	if root == "" {
		var err error
		root, err = snapshot.DefaultRoot()
		if err != nil {
			return nil, err
		}
	}

	state, err := snapshot.Load(root, owner)
	if err != nil {
		return nil, err
	}

	opts.OwnerID = state.OwnerID
	opts.LocalID = state.Local.ID
	opts.Port = state.Port

	node, err := New(opts)
	if err != nil {
		return nil, err
	}
	for _, contacts := range state.Buckets {
		for _, c := range contacts {
			node.table.Add(c)
		}
	}
	for _, c := range state.Contents {
		node.contents.Put(c)
	}
	return node, nil
}

// refreshLoop periodically refreshes the routing table and re-publishes
// content until the node is killed.
func (n *Node) refreshLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.Refresh(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "refreshLoop",
					"error":    err.Error(),
				}).Warn("periodic refresh failed")
			}
		}
	}
}

// ackCollector counts store acknowledgments across a Put's fan-out. The
// transport guarantees exactly one Receive or Timeout per sent request, so
// wait terminates once every outstanding request resolves.
type ackCollector struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	acks int
}

func newAckCollector() *ackCollector {
	return &ackCollector{}
}

// sent reserves a slot for one outgoing request. It must run before the
// request is handed to the transport so a fast reply cannot outrun it.
func (a *ackCollector) sent() {
	a.wg.Add(1)
}

// abort releases a slot whose request never left the socket.
func (a *ackCollector) abort() {
	a.wg.Done()
}

// Receive counts one acknowledged copy.
func (a *ackCollector) Receive(_ *transport.Packet, _ net.Addr) {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	a.wg.Done()
}

// Timeout counts one lost copy.
func (a *ackCollector) Timeout(uint32) {
	a.wg.Done()
}

func (a *ackCollector) wait() int {
	a.wg.Wait()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks
}
