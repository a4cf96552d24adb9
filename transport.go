package viewchange

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dsprotocols/viewchange/internal/util"
	"github.com/dsprotocols/viewchange/logging"
)

const (
	// How long a sender will wait for a connection or a write before treating
	// the message as lost.
	sendTimeout = 2 * time.Second

	// Bounds for the jittered pause after a failed dial, before the sender
	// tries the peer again.
	redialBackoffMin = 200 * time.Millisecond
	redialBackoffMax = 800 * time.Millisecond

	// Outbound messages queued per peer before new ones are dropped. The
	// protocol treats drops as message loss, so the queue only needs to
	// absorb short stalls.
	outboundQueueSize = 128

	// Inbound messages buffered between the reader goroutines and the
	// consumer of Inbound.
	inboundQueueSize = 256
)

// Transport is the mechanism a node uses to exchange protocol messages with
// its peers. It acts as a server for inbound streams and as a client of
// every roster member, including the node itself: a broadcast explicitly
// loops back to the sender.
//
// Delivery is fire-and-forget. A failure to reach one peer never blocks or
// fails delivery to other peers; the view-change protocol treats every
// failure as message loss and recovers through its timers.
type Transport interface {
	// Run starts accepting inbound streams on the local network address.
	Run() error

	// Shutdown stops serving, closes every connection, and releases the
	// transport's goroutines.
	Shutdown() error

	// Send queues a message for delivery to the provided address. An error
	// is returned only if the transport is not running; delivery itself is
	// best effort.
	Send(address string, message Message) error

	// Inbound returns the channel on which received messages are delivered.
	Inbound() <-chan Message

	// Address returns the local network address. Only valid after Run, which
	// resolves a port of zero to the port actually bound.
	Address() string
}

// peerSender owns the outbound stream to a single peer. Each peer gets its
// own goroutine so that a slow or dead peer cannot stall the others.
type peerSender struct {
	address string
	queue   chan Message
}

// transport is the TCP implementation of the Transport interface.
type transport struct {
	// Indicates whether the transport is started.
	running bool

	// The configured local network address.
	address net.Addr

	listener net.Listener

	// Messages decoded from inbound streams.
	inbound chan Message

	// Outbound senders keyed by peer address.
	senders map[string]*peerSender

	// Open inbound connections, tracked so Shutdown can unblock their
	// readers.
	conns map[net.Conn]struct{}

	// Closed on Shutdown to release sender goroutines.
	done chan struct{}

	wg     sync.WaitGroup
	logger *logging.Logger

	mu sync.Mutex
}

// NewTransport creates a transport that will serve inbound streams at the
// provided address once Run is called.
func NewTransport(address string, logger *logging.Logger) (Transport, error) {
	resolvedAddress, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.New("could not resolve tcp address: " + err.Error())
	}
	return &transport{
		address: resolvedAddress,
		inbound: make(chan Message, inboundQueueSize),
		senders: make(map[string]*peerSender),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

func (t *transport) Run() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	listener, err := net.Listen(t.address.Network(), t.address.String())
	if err != nil {
		return errors.New("could not create listener: " + err.Error())
	}

	t.listener = listener
	t.address = listener.Addr()
	t.running = true

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

func (t *transport) Shutdown() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.done)
	t.listener.Close()
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

func (t *transport) Send(address string, message Message) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return errors.New("could not send message: transport is closed")
	}
	sender, ok := t.senders[address]
	if !ok {
		sender = &peerSender{address: address, queue: make(chan Message, outboundQueueSize)}
		t.senders[address] = sender
		t.wg.Add(1)
		go t.sendLoop(sender)
	}
	t.mu.Unlock()

	select {
	case sender.queue <- message:
	default:
		// Queue full: the peer is stalled. Treated as message loss.
		t.logger.Debugf("dropping message to %s: outbound queue full", address)
	}
	return nil
}

func (t *transport) Inbound() <-chan Message {
	return t.inbound
}

func (t *transport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address.String()
}

func (t *transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Errorf("accept failed: %s", err.Error())
			}
			return
		}

		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

// readLoop decodes length-prefixed messages from one inbound stream. A
// malformed message resets the stream: the remainder of the stream cannot be
// delimited once the framing is violated, but the node's own state is
// unaffected.
func (t *transport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		conn.Close()
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	for {
		message, err := decodeMessage(reader)
		if err != nil {
			select {
			case <-t.done:
			default:
				if err != io.EOF {
					t.logger.Warnf("resetting stream from %s: %s", conn.RemoteAddr(), err.Error())
				}
			}
			return
		}

		select {
		case t.inbound <- message:
		case <-t.done:
			return
		}
	}
}

// sendLoop delivers queued messages to a single peer, dialing on demand. A
// failed dial drops the message and backs off with jitter before the next
// attempt; a failed write drops the connection so the next message redials.
func (t *transport) sendLoop(sender *peerSender) {
	defer t.wg.Done()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-t.done:
			return
		case message := <-sender.queue:
			if conn == nil {
				var err error
				conn, err = net.DialTimeout("tcp", sender.address, sendTimeout)
				if err != nil {
					t.logger.Debugf("could not connect to %s: %s", sender.address, err.Error())
					select {
					case <-t.done:
						return
					case <-time.After(util.JitteredBackoff(redialBackoffMin, redialBackoffMax)):
					}
					continue
				}
			}

			conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := encodeMessage(conn, message); err != nil {
				t.logger.Debugf("write to %s failed: %s", sender.address, err.Error())
				conn.Close()
				conn = nil
			}
		}
	}
}
