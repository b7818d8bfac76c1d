// Package fakes provides deterministic in-memory implementations of the
// iface collaborator contracts, used by device tests (and for the TUN side
// of cmd/mudbandd) so
// handshake/rekey/timer behavior can be exercised without a real TUN
// device, socket, or wall clock.
package fakes

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/mud-band/mud.band-client-sub000/iface"
)

// Clock is a manually-advanced SystemClock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Wire is a shared in-memory packet fabric: sockets registered on the same
// Wire can exchange packets with each other by address, modeling a LAN
// without any real network I/O.
type Wire struct {
	mu      sync.Mutex
	sockets map[string]*Socket
}

func NewWire() *Wire {
	return &Wire{sockets: make(map[string]*Socket)}
}

// Socket is a fake iface.UdpSocket backed by a Wire.
type Socket struct {
	wire    *Wire
	addr    iface.Addr
	inbox   chan packet
	closed  bool
	closeMu sync.Mutex
}

type packet struct {
	data []byte
	from iface.Addr
}

// NewSocket registers a socket at addr on w. Two sockets on the same Wire
// with different addresses can WriteTo one another.
func (w *Wire) NewSocket(addr iface.Addr) *Socket {
	s := &Socket{wire: w, addr: addr, inbox: make(chan packet, 256)}
	w.mu.Lock()
	w.sockets[addr.String()] = s
	w.mu.Unlock()
	return s
}

func (s *Socket) ReadFrom(buf []byte) (int, iface.Addr, error) {
	p, ok := <-s.inbox
	if !ok {
		return 0, iface.Addr{}, errors.New("fakes: socket closed")
	}
	n := copy(buf, p.data)
	return n, p.from, nil
}

func (s *Socket) WriteTo(buf []byte, to iface.Addr) (int, error) {
	s.wire.mu.Lock()
	dst, ok := s.wire.sockets[to.String()]
	s.wire.mu.Unlock()
	if !ok {
		return 0, errors.New("fakes: no such peer address on wire")
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	dst.closeMu.Lock()
	defer dst.closeMu.Unlock()
	if dst.closed {
		return 0, errors.New("fakes: destination socket closed")
	}
	select {
	case dst.inbox <- packet{data: cp, from: s.addr}:
	default:
		return 0, errors.New("fakes: inbox full")
	}
	return len(buf), nil
}

func (s *Socket) LocalAddr() iface.Addr { return s.addr }

func (s *Socket) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.inbox)
	s.wire.mu.Lock()
	delete(s.wire.sockets, s.addr.String())
	s.wire.mu.Unlock()
	return nil
}

// Tun is an in-memory TunDevice: packets Injected become readable, and
// Written packets are captured for assertions.
type Tun struct {
	mu       sync.Mutex
	inbound  [][]byte
	outbound [][]byte
	mtu      int
}

func NewTun(mtu int) *Tun {
	return &Tun{mtu: mtu}
}

func (t *Tun) Inject(pkt []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	t.inbound = append(t.inbound, cp)
}

func (t *Tun) Written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.outbound))
	copy(out, t.outbound)
	return out
}

func (t *Tun) Read(bufs [][]byte, sizes []int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for n < len(bufs) && len(t.inbound) > 0 {
		pkt := t.inbound[0]
		t.inbound = t.inbound[1:]
		sizes[n] = copy(bufs[n], pkt)
		n++
	}
	return n, nil
}

func (t *Tun) Write(bufs [][]byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range bufs {
		cp := make([]byte, len(b))
		copy(cp, b)
		t.outbound = append(t.outbound, cp)
	}
	return len(bufs), nil
}

func (t *Tun) MTU() (int, error) { return t.mtu, nil }
func (t *Tun) Close() error      { return nil }

// MustAddr parses an IP literal and pairs it with port as an iface.Addr, panicking
// on malformed input; only meant for table-driven test literals.
func MustAddr(ip string, port uint16) iface.Addr {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		panic(err)
	}
	return iface.Addr{IP: a, Port: port}
}

// StunClient is a fixed-answer fake.
type StunClient struct {
	Answer iface.Addr
	Err    error
}

func (s StunClient) Reflexive(ctx context.Context, server iface.Addr) (iface.Addr, error) {
	return s.Answer, s.Err
}

// ControlPlaneClient serves a fixed config payload.
type ControlPlaneClient struct {
	Config []byte
	Err    error
}

func (c ControlPlaneClient) FetchConfig(ctx context.Context, enrollmentToken string) ([]byte, error) {
	return c.Config, c.Err
}

// SignalChannel never fires unless fed via Push.
type SignalChannel struct {
	ch chan [32]byte
}

func NewSignalChannel() *SignalChannel {
	return &SignalChannel{ch: make(chan [32]byte, 16)}
}

func (s *SignalChannel) Push(pk [32]byte) { s.ch <- pk }

func (s *SignalChannel) Recv(ctx context.Context) ([32]byte, error) {
	select {
	case pk := <-s.ch:
		return pk, nil
	case <-ctx.Done():
		return [32]byte{}, ctx.Err()
	}
}
