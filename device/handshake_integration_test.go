package device

import (
	"net/netip"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mud-band/mud.band-client-sub000/iface"
	"github.com/mud-band/mud.band-client-sub000/iface/fakes"
	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

// newTestDevice builds a Device wired to an in-memory Wire/Tun pair, ready
// to exchange real handshake/transport messages with another test device
// created on the same wire.
func newTestDevice(t *testing.T, wire *fakes.Wire, sk wgcrypto.PrivateKey, inner netip.Addr, addr iface.Addr) (*Device, *fakes.Socket) {
	t.Helper()
	sock := wire.NewSocket(addr)
	d, err := NewDevice(DeviceInit{
		PrivateKey: sk,
		InnerAddr:  inner,
		BandUUID:   [16]byte{1, 2, 3, 4},
		MTU:        1420,
		Tun:        fakes.NewTun(1420),
		Socket:     sock,
		Clock:      fakes.NewClock(time.Unix(1700000000, 0)),
		Log:        logrus.New(),
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return d, sock
}

// TestTwoPeerHandshakeAndKeepaliveCompletesSession drives a full Noise IK
// handshake and confirming keepalive between two Devices over an in-memory
// Wire, pumping datagrams by hand instead of running the select loop, and
// asserts both sides end up with a live current keypair (spec §4.3's
// initiator/responder asymmetric promotion).
func TestTwoPeerHandshakeAndKeepaliveCompletesSession(t *testing.T) {
	wire := fakes.NewWire()
	addrA := fakes.MustAddr("127.0.0.1", 40001)
	addrB := fakes.MustAddr("127.0.0.1", 40002)

	skA, err := wgcrypto.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey A: %v", err)
	}
	skB, err := wgcrypto.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey B: %v", err)
	}

	devA, sockA := newTestDevice(t, wire, skA, netip.MustParseAddr("10.0.0.1"), addrA)
	devB, sockB := newTestDevice(t, wire, skB, netip.MustParseAddr("10.0.0.2"), addrB)

	peerBOnA, err := devA.NewPeer(skB.PublicKey())
	if err != nil {
		t.Fatalf("devA.NewPeer: %v", err)
	}
	peerBOnA.AddEndpoint(addrB, EndpointDirect)
	peerBOnA.Start()

	peerAOnB, err := devB.NewPeer(skA.PublicKey())
	if err != nil {
		t.Fatalf("devB.NewPeer: %v", err)
	}
	peerAOnB.AddEndpoint(addrA, EndpointDirect)
	peerAOnB.Start()

	if err := devA.SendHandshakeInitiation(peerBOnA); err != nil {
		t.Fatalf("SendHandshakeInitiation: %v", err)
	}

	buf := make([]byte, 2048)

	// B receives the INITIATION and replies with a RESPONSE.
	n, from, err := sockB.ReadFrom(buf)
	if err != nil {
		t.Fatalf("B read initiation: %v", err)
	}
	devB.HandleIncomingDatagram(append([]byte(nil), buf[:n]...), from)

	// A receives the RESPONSE, completes its side, and sends its own
	// confirming keepalive.
	n, from, err = sockA.ReadFrom(buf)
	if err != nil {
		t.Fatalf("A read response: %v", err)
	}
	devA.HandleIncomingDatagram(append([]byte(nil), buf[:n]...), from)

	if peerBOnA.keypairs.Current() == nil {
		t.Fatal("initiator has no current keypair after consuming the RESPONSE")
	}

	// B receives A's confirming keepalive transport packet, which promotes
	// its staged "next" keypair to current (responder's passive promotion,
	// spec §4.3).
	n, from, err = sockB.ReadFrom(buf)
	if err != nil {
		t.Fatalf("B read keepalive: %v", err)
	}
	devB.HandleIncomingDatagram(append([]byte(nil), buf[:n]...), from)

	if peerAOnB.keypairs.Current() == nil {
		t.Fatal("responder has no current keypair after receiving the confirming keepalive")
	}
}
