// Package iface defines the collaborator contracts the data-plane engine
// is built against instead of a concrete OS backend: the TUN device, the
// UDP transport, the system clock, STUN/control-plane/signal-channel
// clients. Platform backends that implement these (a real Linux TUN fd, a
// real UDP socket) are out of scope (spec Non-goals); this package is the
// seam a backend plugs into.
package iface

import (
	"context"
	"net/netip"
	"time"
)

// TunDevice is a userspace handle to the local network interface: it reads
// and writes whole, decrypted IPv4 packets.
type TunDevice interface {
	// Read blocks until at least one packet is available, filling bufs
	// (each pre-sized by the caller) and returning how many were filled
	// along with each one's length via sizes.
	Read(bufs [][]byte, sizes []int) (n int, err error)
	// Write sends one or more already-assembled IPv4 packets out the
	// interface.
	Write(bufs [][]byte) (n int, err error)
	MTU() (int, error)
	Close() error
}

// Addr is a UDP endpoint address, kept separate from net.UDPAddr so fakes
// don't need real sockets.
type Addr struct {
	IP   netip.Addr
	Port uint16
}

func (a Addr) String() string {
	return netip.AddrPortFrom(a.IP, a.Port).String()
}

// UdpSocket is the transport the engine sends and receives framed
// handshake/transport/proxy packets over.
type UdpSocket interface {
	ReadFrom(buf []byte) (n int, from Addr, err error)
	WriteTo(buf []byte, to Addr) (n int, err error)
	LocalAddr() Addr
	Close() error
}

// SystemClock is injected everywhere the engine needs wall-clock time, so
// tests can advance it deterministically instead of racing real time.
type SystemClock interface {
	Now() time.Time
}

// StunClient resolves this host's server-reflexive (public) address, used
// to populate a peer's advertised direct endpoint during NAT traversal.
type StunClient interface {
	Reflexive(ctx context.Context, server Addr) (Addr, error)
}

// ControlPlaneClient fetches the reconciled mesh configuration (peer list,
// allowed IPs, ACL program) from the mud.band enrollment/control service
// (spec §4.8).
type ControlPlaneClient interface {
	FetchConfig(ctx context.Context, enrollmentToken string) ([]byte, error)
}

// SignalChannel delivers out-of-band signaling (e.g. a peer nudging this
// device to attempt a new handshake) alongside the data plane's own
// keepalive/rekey timers.
type SignalChannel interface {
	Recv(ctx context.Context) (peerPublicKey [32]byte, err error)
}
