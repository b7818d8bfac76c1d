package device

import (
	"net/netip"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mud-band/mud.band-client-sub000/iface/fakes"
	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

func newReconcileTestDevice(t *testing.T) *Device {
	t.Helper()
	wire := fakes.NewWire()
	sk, err := wgcrypto.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	d, err := NewDevice(DeviceInit{
		PrivateKey: sk,
		InnerAddr:  netip.MustParseAddr("10.0.0.1"),
		BandUUID:   [16]byte{1, 2, 3, 4},
		MTU:        1420,
		Tun:        fakes.NewTun(1420),
		Socket:     wire.NewSocket(fakes.MustAddr("127.0.0.1", 41001)),
		Clock:      fakes.NewClock(time.Unix(1700000000, 0)),
		Log:        logrus.New(),
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return d
}

func peerSpecFor(t *testing.T, inner string) PeerSpec {
	t.Helper()
	sk, err := wgcrypto.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	return PeerSpec{
		PublicKey:     sk.PublicKey(),
		InnerAddr:     netip.MustParseAddr(inner),
		AllowedRanges: []AllowedRange{{Prefix: mustPrefix(t, inner+"/32")}},
		Endpoints: []EndpointSpec{
			{Addr: fakes.MustAddr("127.0.0.1", 41002), Kind: EndpointDirect},
		},
	}
}

// TestReconcilePeersIdempotentOnUnchangedSpecs reconciles the same spec
// vector twice and asserts the second pass reused every peer in place
// (spec §4.8 step 2) instead of tearing down and rebuilding.
func TestReconcilePeersIdempotentOnUnchangedSpecs(t *testing.T) {
	d := newReconcileTestDevice(t)
	specs := []PeerSpec{peerSpecFor(t, "10.0.1.1"), peerSpecFor(t, "10.0.1.2")}

	if err := d.ReconcilePeers(specs); err != nil {
		t.Fatalf("first ReconcilePeers: %v", err)
	}
	if d.PeerCount() != 2 {
		t.Fatalf("PeerCount = %d, want 2", d.PeerCount())
	}

	before := make(map[wgcrypto.PublicKey]*Peer, 2)
	for _, s := range specs {
		before[s.PublicKey] = d.LookupPeer(s.PublicKey)
	}

	if err := d.ReconcilePeers(specs); err != nil {
		t.Fatalf("second ReconcilePeers: %v", err)
	}
	if d.PeerCount() != 2 {
		t.Fatalf("PeerCount after reconciling identical specs = %d, want 2", d.PeerCount())
	}
	for pk, p := range before {
		if d.LookupPeer(pk) != p {
			t.Fatalf("peer %v was rebuilt on an unchanged reconcile pass, want reuse in place", pk)
		}
	}
}

// TestReconcilePeersAddingPeerPreservesExisting adds a new peer to the spec
// vector and confirms the already-reconciled peer's identity is untouched.
func TestReconcilePeersAddingPeerPreservesExisting(t *testing.T) {
	d := newReconcileTestDevice(t)
	first := peerSpecFor(t, "10.0.2.1")
	if err := d.ReconcilePeers([]PeerSpec{first}); err != nil {
		t.Fatalf("first ReconcilePeers: %v", err)
	}
	existing := d.LookupPeer(first.PublicKey)
	if existing == nil {
		t.Fatal("peer missing after first ReconcilePeers")
	}

	second := peerSpecFor(t, "10.0.2.2")
	if err := d.ReconcilePeers([]PeerSpec{first, second}); err != nil {
		t.Fatalf("second ReconcilePeers: %v", err)
	}
	if d.PeerCount() != 2 {
		t.Fatalf("PeerCount = %d, want 2", d.PeerCount())
	}
	if d.LookupPeer(first.PublicKey) != existing {
		t.Fatal("adding a new peer rebuilt an unrelated existing peer")
	}
}

// TestReconcilePeersRemovesUnlistedPeer confirms a peer dropped from the
// spec vector is stopped and removed from the table (spec §4.8 step 5).
func TestReconcilePeersRemovesUnlistedPeer(t *testing.T) {
	d := newReconcileTestDevice(t)
	a := peerSpecFor(t, "10.0.3.1")
	b := peerSpecFor(t, "10.0.3.2")
	if err := d.ReconcilePeers([]PeerSpec{a, b}); err != nil {
		t.Fatalf("first ReconcilePeers: %v", err)
	}
	if err := d.ReconcilePeers([]PeerSpec{a}); err != nil {
		t.Fatalf("second ReconcilePeers: %v", err)
	}
	if d.PeerCount() != 1 {
		t.Fatalf("PeerCount = %d, want 1 after dropping b from the spec vector", d.PeerCount())
	}
	if d.LookupPeer(b.PublicKey) != nil {
		t.Fatal("peer b still present after being dropped from the spec vector")
	}
}

// TestReconcilePeersRebuildsOnIdentityChange confirms a peer whose
// reuse-relevant fields changed (its allowed ranges) is torn down and
// rebuilt rather than reused in place.
func TestReconcilePeersRebuildsOnIdentityChange(t *testing.T) {
	d := newReconcileTestDevice(t)
	spec := peerSpecFor(t, "10.0.4.1")
	if err := d.ReconcilePeers([]PeerSpec{spec}); err != nil {
		t.Fatalf("first ReconcilePeers: %v", err)
	}
	original := d.LookupPeer(spec.PublicKey)

	changed := spec
	changed.AllowedRanges = []AllowedRange{{Prefix: mustPrefix(t, "10.0.4.0/24")}}
	if err := d.ReconcilePeers([]PeerSpec{changed}); err != nil {
		t.Fatalf("second ReconcilePeers: %v", err)
	}
	if d.LookupPeer(spec.PublicKey) == original {
		t.Fatal("peer with changed allowed ranges was reused in place, want rebuild")
	}
}
