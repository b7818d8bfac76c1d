package device

import (
	"errors"
	"net/netip"
	"time"

	"github.com/mud-band/mud.band-client-sub000/iface"
	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

// EndpointKind distinguishes a directly-reachable 4-tuple from one that
// requires relaying through a mud.band proxy node (spec §4.9).
type EndpointKind int

const (
	EndpointDirect EndpointKind = iota
	EndpointProxy
)

// Endpoint is one known way to reach a peer. A peer can carry up to
// MaxEndpointsPerPeer of these (spec §4.5): several direct candidates
// (observed source address, configured address) plus proxy fallbacks.
type Endpoint struct {
	Addr          iface.Addr
	Kind          EndpointKind
	LatestIsProxy bool
	LatestIP      iface.Addr
	LastHeartbeat time.Time
}

// Peer is one remote mesh member: its static key, handshake/keypair state,
// known endpoints, allowed ranges, and OTP gate. The engine is
// single-threaded (spec §5), so Peer carries no locks of its own — all
// access happens from the one data-plane thread; the background-task and
// embedder roles only ever touch a Peer through Device's mutex-guarded cnf
// handle (see reconciler).
type Peer struct {
	device    *Device
	isRunning bool

	keypairs  Keypairs
	handshake Handshake

	endpoints      [MaxEndpointsPerPeer]Endpoint
	endpointCount  int
	disableRoaming bool

	// innerAddr is this peer's own inner IPv4 address (the reconciler's
	// IfacePeer.PrivateIP, spec §4.8), used as the proxy header's dst_addr
	// when traffic to this peer goes out through a relay (spec §4.9).
	innerAddr netip.Addr

	txBytes uint64
	rxBytes uint64

	lastHandshakeNano int64
	lastTx            time.Time
	lastRx            time.Time

	keepaliveInterval time.Duration
	sendHandshake     bool

	timers peerTimers

	cookieGenerator CookieGenerator

	// OTP fields: configured one-time-password values, not mixed into the
	// Noise transcript (DESIGN.md Open Question resolution #1). They are
	// compared by ReconcilePeers when deciding peer reuse, and by CheckOTP;
	// the handshake and transport paths do not check them.
	otpEnabled  bool
	otpSender   uint64
	otpReceiver [3]uint64
}

// NewPeer registers a new peer under static public key pk, precomputing
// its DH shared secret and cookie-generator labels.
func (d *Device) NewPeer(pk wgcrypto.PublicKey) (*Peer, error) {
	if d.isClosed() {
		return nil, errors.New("device: closed")
	}
	if len(d.peers.keyMap) >= MaxPeers {
		return nil, errors.New("device: too many peers")
	}
	if _, exists := d.peers.keyMap[pk]; exists {
		return nil, errors.New("device: adding existing peer")
	}

	peer := &Peer{device: d}
	peer.cookieGenerator.Init(pk)

	ss, err := d.staticIdentity.privateKey.SharedSecret(pk)
	if err != nil {
		return nil, err
	}
	peer.handshake.precomputedStaticStatic = ss
	peer.handshake.remoteStatic = pk

	peer.timersInit()

	d.peers.keyMap[pk] = peer
	d.allowedIPs.Insert(peer, nil)
	return peer, nil
}

// AddEndpoint records a new reachability candidate for the peer, replacing
// the oldest entry once the array is full (a small LRU-by-append, matching
// spec §4.5's "up to 16 endpoints" without pulling in a full LRU library
// for something this size).
func (peer *Peer) AddEndpoint(addr iface.Addr, kind EndpointKind) {
	ep := Endpoint{Addr: addr, Kind: kind, LastHeartbeat: peer.device.clock.Now()}
	if peer.endpointCount < MaxEndpointsPerPeer {
		peer.endpoints[peer.endpointCount] = ep
		peer.endpointCount++
		return
	}
	oldest := 0
	for i := 1; i < MaxEndpointsPerPeer; i++ {
		if peer.endpoints[i].LastHeartbeat.Before(peer.endpoints[oldest].LastHeartbeat) {
			oldest = i
		}
	}
	peer.endpoints[oldest] = ep
}

// SetEndpointFromPacket implements roaming: the source address of a
// successfully-authenticated packet becomes (or refreshes) an endpoint
// candidate of the given kind, unless roaming has been disabled for this
// peer. A proxy-relayed packet (kind == EndpointProxy) still roams the
// entry's LatestIP so BestEndpoint can tell a fresh relay hop from a stale
// one, but it never overwrites a direct candidate's kind.
func (peer *Peer) SetEndpointFromPacket(addr iface.Addr, kind EndpointKind) {
	if peer.disableRoaming {
		return
	}
	now := peer.device.clock.Now()
	for i := 0; i < peer.endpointCount; i++ {
		if peer.endpoints[i].Addr == addr {
			peer.endpoints[i].LastHeartbeat = now
			peer.endpoints[i].LatestIP = addr
			peer.endpoints[i].LatestIsProxy = kind == EndpointProxy
			return
		}
	}
	peer.AddEndpoint(addr, kind)
}

// BestEndpoint returns the most recently heard-from endpoint, preferring a
// direct path over a proxy path when both are equally fresh, matching
// spec §4.5's relay-as-fallback ordering.
func (peer *Peer) BestEndpoint() (Endpoint, bool) {
	if peer.endpointCount == 0 {
		return Endpoint{}, false
	}
	best := peer.endpoints[0]
	for i := 1; i < peer.endpointCount; i++ {
		e := peer.endpoints[i]
		if e.LastHeartbeat.After(best.LastHeartbeat) {
			best = e
			continue
		}
		if e.LastHeartbeat.Equal(best.LastHeartbeat) && e.Kind == EndpointDirect && best.Kind == EndpointProxy {
			best = e
		}
	}
	return best, true
}

// CheckOTP validates an out-of-band one-time password against this peer's
// configured receiver values. Disabled peers always pass. original_source
// (mudband.c's wireguard_iface_otp_reusable) only ever compares OTP state
// during config-reuse decisions, never against a wire-carried value during
// handshake processing — see DESIGN.md's Open Question resolution #1 for
// why this engine keeps CheckOTP as the out-of-band gate primitive spec
// §4.5 describes without inventing a wire-level candidate that neither the
// teacher nor the original source carries.
func (peer *Peer) CheckOTP(candidate [3]uint64) bool {
	if !peer.otpEnabled {
		return true
	}
	return candidate == peer.otpReceiver
}

func (peer *Peer) Start() {
	if peer.device.isClosed() || peer.isRunning {
		return
	}
	peer.handshake.lastSentHandshake = peer.device.clock.Now().Add(-(RekeyTimeout + time.Second))
	peer.timersStart()
	peer.isRunning = true
}

func (peer *Peer) Stop() {
	if !peer.isRunning {
		return
	}
	peer.isRunning = false
	peer.timersStop()
	peer.ZeroAndFlushAll()
}

// ZeroAndFlushAll destroys all key material for the peer, used on Stop and
// on peer removal during config reconciliation.
func (peer *Peer) ZeroAndFlushAll() {
	device := peer.device
	keypairs := &peer.keypairs
	device.DeleteKeypair(keypairs.previous)
	device.DeleteKeypair(keypairs.current)
	device.DeleteKeypair(keypairs.next)
	keypairs.previous = nil
	keypairs.current = nil
	keypairs.next = nil

	handshake := &peer.handshake
	device.indexTable.Delete(handshake.localIndex)
	handshake.Clear()
}

// ExpireCurrentKeypairs forces a rekey by clearing the handshake and
// pinning both live keypairs' send counters at the reject ceiling so they
// can no longer be used to send.
func (peer *Peer) ExpireCurrentKeypairs() {
	handshake := &peer.handshake
	peer.device.indexTable.Delete(handshake.localIndex)
	handshake.Clear()
	handshake.lastSentHandshake = peer.device.clock.Now().Add(-(RekeyTimeout + time.Second))

	keypairs := &peer.keypairs
	if keypairs.current != nil {
		keypairs.current.sendNonce = RejectAfterMessages
	}
	if keypairs.next != nil {
		keypairs.next.sendNonce = RejectAfterMessages
	}
}
