package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout bounds how long a pending request waits for its
// reply before the receiver's Timeout fires.
const DefaultRequestTimeout = 2 * time.Second

// expireInterval is how often the sweeper checks pending requests against
// their deadlines.
const expireInterval = 50 * time.Millisecond

// pendingReply tracks one outstanding request until its reply or deadline.
type pendingReply struct {
	receiver Receiver
	deadline time.Time
	dest     net.Addr
}

// UDPTransport implements Transport over a single IPv4 UDP socket.
//
// One goroutine pumps the socket and dispatches inbound datagrams: replies
// are matched to their pending request by correlation id, requests go to
// the handler registered for their type. A second goroutine expires pending
// requests whose deadline has passed. Correlation ids come from a wrapping
// counter and are re-drawn while they collide with a live request.
type UDPTransport struct {
	conn     net.PacketConn
	handlers map[PacketType]Handler
	timeout  time.Duration

	pendingMu sync.Mutex
	pending   map[uint32]*pendingReply
	nextID    uint32

	handlerMu sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewUDPTransport binds a UDP socket on the given address ("ip:port" or
// ":port") and starts the receive and expiry loops. The requestTimeout
// applies to every Send; zero selects DefaultRequestTimeout.
func NewUDPTransport(listenAddr string, requestTimeout time.Duration) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, err
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]Handler),
		timeout:  requestTimeout,
		pending:  make(map[uint32]*pendingReply),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(2)
	go t.processPackets()
	go t.expirePending()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"addr":     conn.LocalAddr().String(),
	}).Info("transport listening")

	return t, nil
}

// RegisterHandler installs the handler invoked for inbound packets of the
// given type. Handlers are set once at node construction.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handlers[packetType] = handler
}

// Send serializes the packet under a freshly allocated correlation id,
// writes it to the destination and registers the receiver for the reply.
// Socket-level write errors are returned to the caller and the receiver is
// discarded without firing.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr, receiver Receiver) (uint32, error) {
	t.pendingMu.Lock()
	cid := t.allocateCorrelationID()
	t.pending[cid] = &pendingReply{
		receiver: receiver,
		deadline: time.Now().Add(t.timeout),
		dest:     addr,
	}
	t.pendingMu.Unlock()

	packet.CorrelationID = cid
	data, err := packet.Serialize()
	if err == nil {
		_, err = t.conn.WriteTo(data, addr)
	}
	if err != nil {
		t.pendingMu.Lock()
		delete(t.pending, cid)
		t.pendingMu.Unlock()
		return 0, err
	}
	return cid, nil
}

// Reply serializes and writes a reply packet, keeping the correlation id it
// already carries so the peer can pair it with the originating request.
func (t *UDPTransport) Reply(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(data, addr)
	return err
}

// LocalAddr returns the bound socket address, including the effective port
// when the transport was created with ":0".
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close stops both loops, closes the socket and fires Timeout on every
// request still pending. Safe to call more than once.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
		t.wg.Wait()

		t.pendingMu.Lock()
		outstanding := t.pending
		t.pending = make(map[uint32]*pendingReply)
		t.pendingMu.Unlock()

		for cid, entry := range outstanding {
			entry.receiver.Timeout(cid)
		}

		logrus.WithFields(logrus.Fields{
			"function":    "Close",
			"outstanding": len(outstanding),
		}).Info("transport closed")
	})
	return err
}

// allocateCorrelationID draws the next id from the wrapping counter,
// skipping ids still attached to a live request. Callers hold pendingMu.
func (t *UDPTransport) allocateCorrelationID() uint32 {
	for {
		t.nextID++
		if _, live := t.pending[t.nextID]; !live {
			return t.nextID
		}
	}
}

// processPackets pumps the socket until the context is cancelled. Reads use
// a short deadline so cancellation is observed promptly.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, MaxPacketSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, addr, err := t.conn.ReadFrom(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if t.ctx.Err() != nil {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function": "processPackets",
					"error":    err.Error(),
				}).Warn("socket read failed")
				continue
			}

			packet, err := ParsePacket(buffer[:n])
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "processPackets",
					"from":     addr.String(),
					"error":    err.Error(),
				}).Debug("dropping malformed datagram")
				continue
			}

			t.dispatch(packet, addr)
		}
	}
}

// dispatch routes one parsed packet: replies to their pending receiver,
// requests to the registered handler. Replies with an unknown correlation
// id and requests without a handler are dropped.
func (t *UDPTransport) dispatch(packet *Packet, addr net.Addr) {
	if packet.Type.IsReply() {
		t.pendingMu.Lock()
		entry, ok := t.pending[packet.CorrelationID]
		if ok {
			delete(t.pending, packet.CorrelationID)
		}
		t.pendingMu.Unlock()

		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":    "dispatch",
				"type":        packet.Type.String(),
				"correlation": packet.CorrelationID,
				"from":        addr.String(),
			}).Debug("dropping reply with unknown correlation id")
			return
		}
		entry.receiver.Receive(packet, addr)
		return
	}

	t.handlerMu.RLock()
	handler, ok := t.handlers[packet.Type]
	t.handlerMu.RUnlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     packet.Type.String(),
		}).Debug("no handler for request type")
		return
	}
	go handler(packet, addr)
}

// expirePending fires Timeout for requests whose deadline has passed.
func (t *UDPTransport) expirePending() {
	defer t.wg.Done()
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			var expired []uint32
			var receivers []Receiver

			t.pendingMu.Lock()
			for cid, entry := range t.pending {
				if now.After(entry.deadline) {
					expired = append(expired, cid)
					receivers = append(receivers, entry.receiver)
					delete(t.pending, cid)
				}
			}
			t.pendingMu.Unlock()

			for i, cid := range expired {
				logrus.WithFields(logrus.Fields{
					"function":    "expirePending",
					"correlation": cid,
				}).Debug("request timed out")
				receivers[i].Timeout(cid)
			}
		}
	}
}
