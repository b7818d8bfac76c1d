// Package device implements the mud.band data-plane engine: the Noise IK
// handshake state machine, session keypair lifecycle, peer table, the
// single-threaded TUN/UDP packet pipeline, and the timer that drives
// rekey/keepalive policy (spec §2, §4, §5).
package device

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mud-band/mud.band-client-sub000/acl"
	"github.com/mud-band/mud.band-client-sub000/iface"
	"github.com/mud-band/mud.band-client-sub000/pbuf"
	"github.com/mud-band/mud.band-client-sub000/ratelimiter"
	"github.com/mud-band/mud.band-client-sub000/stats"
	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

// ACLFilter is the device's current drop/allow program set, rebuilt
// atomically by the reconciler on every config reload (spec §4.10).
type ACLFilter struct {
	Programs      [][]acl.Insn
	DefaultPolicy ACLPolicy
}

type ACLPolicy int

const (
	ACLAllow ACLPolicy = iota
	ACLBlock
)

// Evaluate runs every program in order against a decrypted inner packet and
// returns true if the packet should be delivered to TUN (spec §4.10's
// filter-decision algorithm). A matching program is an exception to the
// default policy, not a restatement of it: under a block default, a
// matching program allows; under an allow default, a matching program
// blocks. Unmatched traffic falls through to the default policy unchanged.
// original_source's wireguard_iface_apply_acl (mudband.c) is the ground
// truth this resolves spec §4.10's self-contradictory prose example
// against; see DESIGN.md.
func (f *ACLFilter) Evaluate(payload []byte, wirelen uint32) bool {
	if f == nil || len(f.Programs) == 0 {
		return f == nil || f.DefaultPolicy == ACLAllow
	}
	for _, prog := range f.Programs {
		if acl.Run(prog, payload, wirelen) != 0 {
			return f.DefaultPolicy == ACLBlock
		}
	}
	return f.DefaultPolicy == ACLAllow
}

// DeviceInit is the immutable configuration a Device is constructed from
// (spec §3's Device row): static identity, inner address, and the
// collaborators it is generic over (spec §4.11/§9).
type DeviceInit struct {
	PrivateKey  wgcrypto.PrivateKey
	InnerAddr   netip.Addr
	BandUUID    [16]byte
	RelayPort   uint16
	MTU         int
	Tun         iface.TunDevice
	Socket      iface.UdpSocket
	Clock       iface.SystemClock
	Log         *logrus.Logger
	Stats       *stats.Collector
}

// Device is one mud.band mesh interface: its own static keypair, the peer
// table, the active ACL program, and the collaborators the pipeline reads
// and writes through. Spec §5 makes this single-threaded by design: every
// field here is owned and mutated exclusively by the goroutine running
// Run/Tick, so none of it is guarded by a mutex except peers.keyMap, which
// the reconciler (a different role, spec §4.8/§5) must also be able to
// read for diffing without racing the data-plane loop, and the closed flag,
// which mu guards.
type Device struct {
	staticIdentity struct {
		privateKey wgcrypto.PrivateKey
		publicKey  wgcrypto.PublicKey
	}

	innerAddr netip.Addr
	bandUUID  [16]byte
	relayPort uint16
	mtu       int

	peers struct {
		sync.RWMutex
		keyMap map[wgcrypto.PublicKey]*Peer
	}
	allowedIPs *allowedIPTable
	indexTable *IndexTable

	acl *ACLFilter

	cookieChecker CookieChecker
	rateLimiter   ratelimiter.Ratelimiter

	pool   *pbuf.Pool
	tun    iface.TunDevice
	socket iface.UdpSocket
	clock  iface.SystemClock
	log    *logrus.Logger
	stats  *stats.Collector

	closed bool
	mu     sync.Mutex

	control control
}

// NewDevice builds a Device from init, deriving the public key and
// precomputing the device-wide MAC1/cookie label keys (spec §4.8 step 3).
func NewDevice(init DeviceInit) (*Device, error) {
	if wgcrypto.IsZero(init.PrivateKey[:]) {
		return nil, errors.New("device: empty private key")
	}
	d := &Device{
		innerAddr: init.InnerAddr,
		bandUUID:  init.BandUUID,
		relayPort: init.RelayPort,
		mtu:       init.MTU,
		tun:       init.Tun,
		socket:    init.Socket,
		clock:     init.Clock,
		log:       init.Log,
		stats:     init.Stats,
		pool:      pbuf.NewPool(),
		allowedIPs: newAllowedIPTable(),
		indexTable: NewIndexTable(),
	}
	if d.relayPort == 0 {
		d.relayPort = RelayPort
	}
	if d.log == nil {
		d.log = logrus.New()
	}
	d.peers.keyMap = make(map[wgcrypto.PublicKey]*Peer)
	d.staticIdentity.privateKey = init.PrivateKey
	d.staticIdentity.publicKey = init.PrivateKey.PublicKey()
	d.cookieChecker.Init(d.staticIdentity.publicKey)
	d.rateLimiter.Init()
	return d, nil
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops every peer and releases the rate limiter's background
// goroutine. Sockets/TUN are owned by the embedder (spec §9's trait
// boundary) and are not closed here.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.peers.Lock()
	for _, p := range d.peers.keyMap {
		p.Stop()
	}
	d.peers.Unlock()
	d.rateLimiter.Close()
}

// LookupPeer returns the peer with static public key pk, or nil.
func (d *Device) LookupPeer(pk wgcrypto.PublicKey) *Peer {
	d.peers.RLock()
	defer d.peers.RUnlock()
	return d.peers.keyMap[pk]
}

// RemovePeer stops and deletes the peer with static public key pk, used by
// the reconciler when a config reload drops it (spec §4.8).
func (d *Device) RemovePeer(pk wgcrypto.PublicKey) {
	d.peers.Lock()
	peer, ok := d.peers.keyMap[pk]
	if ok {
		delete(d.peers.keyMap, pk)
	}
	d.peers.Unlock()
	if !ok {
		return
	}
	peer.Stop()
	d.allowedIPs.Remove(peer)
}

// ForEachPeer calls fn once per peer currently in the table, used by
// snapshot/status reporting (spec §4.6 step 2) and by the timer tick.
func (d *Device) ForEachPeer(fn func(*Peer)) {
	d.peers.RLock()
	peers := make([]*Peer, 0, len(d.peers.keyMap))
	for _, p := range d.peers.keyMap {
		peers = append(peers, p)
	}
	d.peers.RUnlock()
	for _, p := range peers {
		fn(p)
	}
}

// PeerCount reports the live peer table size, used by Snapshot.
func (d *Device) PeerCount() int {
	d.peers.RLock()
	defer d.peers.RUnlock()
	return len(d.peers.keyMap)
}

// SetACL atomically replaces the device's ACL filter, per spec §4.8 step 4
// ("Replace the device's ACL only if every program validates").
func (d *Device) SetACL(f *ACLFilter) {
	d.acl = f
}

// PublicKey returns this device's own static public key.
func (d *Device) PublicKey() wgcrypto.PublicKey {
	return d.staticIdentity.publicKey
}
