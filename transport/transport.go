// Package transport implements the Transport Adapter: a framed message
// in/out layer over a reliable, ordered, message-oriented TCP socket,
// exposing connect/disconnect events keyed by a stable peer address.
//
// The adapter runs one accept goroutine and one read goroutine per
// connection; all of them funnel decoded frames and connection-lifecycle
// events onto a single channel that the Control Loop drains non-blockingly.
// This is the same shape as a connection-per-goroutine server with a
// central dispatch point, just with the dispatch point pulled out into an
// explicit channel instead of calling straight into shared state — the
// core's single-threaded model depends on that separation.
package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/brandobull/wonderland-master/internal/wire"
)

// SysAddr is the transport-level peer identity: IP plus port, comparable by
// value so it can key maps directly.
type SysAddr struct {
	IP   [4]byte
	Port uint16
}

func (a SysAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

func sysAddrFromNet(addr net.Addr) SysAddr {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return SysAddr{}
	}
	var sa SysAddr
	ip4 := tcpAddr.IP.To4()
	if ip4 != nil {
		copy(sa.IP[:], ip4)
	}
	sa.Port = uint16(tcpAddr.Port)
	return sa
}

// EventKind distinguishes the three shapes the adapter can deliver.
type EventKind int

const (
	// EventPacket carries an application payload (a full wire frame body).
	EventPacket EventKind = iota
	// EventDisconnect is a clean, peer-initiated close.
	EventDisconnect
	// EventConnectionLost is an abnormal close (read error, reset, timeout).
	EventConnectionLost
)

// Packet is one received frame, tagged with its sender.
type Packet struct {
	Kind EventKind
	Peer SysAddr
	Body []byte // frame body: header + payload, undecoded
}

// Deallocate is a no-op retained for API fidelity with the RakNet-style
// packet pool this adapter's contract is modeled on; Go's GC reclaims
// Packet.Body once it is no longer referenced.
func Deallocate(*Packet) {}

type conn struct {
	peer   SysAddr
	nc     net.Conn
	mu     sync.Mutex // serializes writes
	closed bool
}

// Adapter owns the listening socket and the set of live connections.
type Adapter struct {
	log      *slog.Logger
	ln       net.Listener
	inbound  chan Packet
	mu       sync.Mutex
	conns    map[SysAddr]*conn
	stopping bool
}

// New creates an Adapter that will listen on addr once Run is called.
func New(log *slog.Logger) *Adapter {
	return &Adapter{
		log:     log,
		inbound: make(chan Packet, 1024),
		conns:   make(map[SysAddr]*conn),
	}
}

// Run listens on addr and accepts connections until Close is called. It
// blocks, so callers run it in its own goroutine.
func (a *Adapter) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()

	a.log.Info("transport listening", "addr", addr)
	for {
		nc, err := ln.Accept()
		if err != nil {
			a.mu.Lock()
			stopping := a.stopping
			a.mu.Unlock()
			if stopping {
				return nil
			}
			a.log.Error("transport accept failed", "error", err)
			continue
		}
		a.handleAccept(nc)
	}
}

func (a *Adapter) handleAccept(nc net.Conn) {
	peer := sysAddrFromNet(nc.RemoteAddr())
	c := &conn{peer: peer, nc: nc}

	a.mu.Lock()
	a.conns[peer] = c
	a.mu.Unlock()

	a.log.Debug("transport connection accepted", "peer", peer.String())
	go a.readLoop(c)
}

// readLoop decodes length-prefixed frames from one connection until it
// closes, then posts a disconnect event. Messages from this peer are
// delivered to inbound in the order they arrive, preserving per-peer
// ordering — a single goroutine per connection can never reorder its own
// reads.
func (a *Adapter) readLoop(c *conn) {
	for {
		body, err := wire.ReadFrame(c.nc)
		if err != nil {
			a.removeConn(c, err)
			return
		}
		a.inbound <- Packet{Kind: EventPacket, Peer: c.peer, Body: body}
	}
}

func (a *Adapter) removeConn(c *conn, readErr error) {
	a.mu.Lock()
	if a.conns[c.peer] == c {
		delete(a.conns, c.peer)
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	a.mu.Unlock()
	c.nc.Close()

	kind := EventConnectionLost
	if readErr == io.EOF {
		kind = EventDisconnect
	}
	a.inbound <- Packet{Kind: kind, Peer: c.peer}
}

// Receive returns the next pending event without blocking, or ok=false if
// none is available. The Control Loop calls this in a drain-until-empty
// loop each tick.
func (a *Adapter) Receive() (Packet, bool) {
	select {
	case p := <-a.inbound:
		return p, true
	default:
		return Packet{}, false
	}
}

// Send writes a single frame to peer. ordered is accepted for parity with
// the abstraction this layer's callers expect but has no effect: TCP already
// guarantees ordered, reliable delivery.
func (a *Adapter) Send(peer SysAddr, body []byte, ordered bool) error {
	_ = ordered
	a.mu.Lock()
	c, ok := a.conns[peer]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", peer.String())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("transport: peer %s closed", peer.String())
	}
	return wire.WriteFrame(c.nc, body)
}

// Broadcast writes body to every currently connected peer, best-effort.
func (a *Adapter) Broadcast(body []byte) {
	a.mu.Lock()
	peers := make([]*conn, 0, len(a.conns))
	for _, c := range a.conns {
		peers = append(peers, c)
	}
	a.mu.Unlock()

	for _, c := range peers {
		c.mu.Lock()
		if !c.closed {
			if err := wire.WriteFrame(c.nc, body); err != nil {
				a.log.Debug("transport broadcast write failed", "peer", c.peer.String(), "error", err)
			}
		}
		c.mu.Unlock()
	}
}

// Close stops accepting new connections and closes all live ones.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.stopping = true
	ln := a.ln
	conns := make([]*conn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		c.nc.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// ParseIPv4 turns a dotted-quad string into the 4-byte form SysAddr wants.
func ParseIPv4(s string) ([4]byte, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return [4]byte{}, fmt.Errorf("transport: invalid IP %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return [4]byte{}, fmt.Errorf("transport: not an IPv4 address: %q", s)
	}
	var out [4]byte
	copy(out[:], ip4)
	return out, nil
}
