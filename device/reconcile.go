package device

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/mud-band/mud.band-client-sub000/iface"
	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

// EndpointSpec is one reachability candidate from a config reload, mirroring
// the reconciler's device-address row (spec §4.8 step 1 / §6).
type EndpointSpec struct {
	Addr iface.Addr
	Kind EndpointKind
}

// PeerSpec is the reconciler's translation of one config peer row into the
// fields buildPeer/applySpec need (spec §4.8 steps 1-3). The reconciler
// package owns JSON decoding and ACL validation; this file owns the
// reuse-or-rebuild diff against package-private Peer state.
type PeerSpec struct {
	PublicKey         wgcrypto.PublicKey
	InnerAddr         netip.Addr
	AllowedRanges     []AllowedRange
	Endpoints         []EndpointSpec
	OTPEnabled        bool
	OTPSender         uint64
	OTPReceiver       [3]uint64
	KeepaliveInterval time.Duration
	DisableRoaming    bool
}

// endpointSpecEqual reports whether the peer's current endpoint set is
// exactly the spec's set, in the same order — the reuse condition spec
// §4.8 step 2 requires ("exact pubkey+endpoints+OTP match") before a peer
// survives a reload in place rather than being torn down and rebuilt.
func endpointSpecEqual(peer *Peer, specs []EndpointSpec) bool {
	if peer.endpointCount != len(specs) {
		return false
	}
	for i, s := range specs {
		if peer.endpoints[i].Addr != s.Addr || peer.endpoints[i].Kind != s.Kind {
			return false
		}
	}
	return true
}

// otpEqual reports whether the peer's OTP gate already matches spec.
func otpEqual(peer *Peer, spec PeerSpec) bool {
	return peer.otpEnabled == spec.OTPEnabled &&
		peer.otpSender == spec.OTPSender &&
		peer.otpReceiver == spec.OTPReceiver
}

// allowedRangesEqual compares two AllowedRange slices for exact order and
// content match; part of the step-2 reuse predicate alongside endpoints
// and OTP.
func allowedRangesEqual(a, b []AllowedRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Prefix != b[i].Prefix {
			return false
		}
	}
	return true
}

// matchesSpec reports whether peer can be reused in place for spec without
// tearing down its handshake/keypair state (spec §4.8 step 2): the inner
// address, roaming flag, keepalive interval, endpoints, OTP settings, and
// allowed ranges must all be unchanged.
func (peer *Peer) matchesSpec(spec PeerSpec) bool {
	return peer.innerAddr == spec.InnerAddr &&
		peer.disableRoaming == spec.DisableRoaming &&
		peer.keepaliveInterval == spec.KeepaliveInterval &&
		endpointSpecEqual(peer, spec.Endpoints) &&
		otpEqual(peer, spec) &&
		allowedRangesEqual(currentRanges(peer.device, peer), spec.AllowedRanges)
}

func currentRanges(d *Device, peer *Peer) []AllowedRange {
	for _, e := range d.allowedIPs.entries {
		if e.peer == peer {
			return e.ranges
		}
	}
	return nil
}

// applySpec installs spec's endpoints/OTP/allowed-ranges/keepalive onto a
// freshly built peer. It is called only from buildPeer: a peer whose fields
// changed in any way is torn down and rebuilt, never updated in place.
func (peer *Peer) applySpec(spec PeerSpec) {
	peer.innerAddr = spec.InnerAddr
	peer.disableRoaming = spec.DisableRoaming
	peer.keepaliveInterval = spec.KeepaliveInterval
	peer.otpEnabled = spec.OTPEnabled
	peer.otpSender = spec.OTPSender
	peer.otpReceiver = spec.OTPReceiver

	peer.endpointCount = 0
	for _, s := range spec.Endpoints {
		peer.AddEndpoint(s.Addr, s.Kind)
	}

	peer.device.allowedIPs.Insert(peer, spec.AllowedRanges)
}

// buildPeer constructs a brand-new peer from spec (spec §4.8 step 3:
// "build a fresh peer when reuse is not possible"). Caller must hold
// d.peers' write lock, matching NewPeer's own locking contract.
func (d *Device) buildPeer(spec PeerSpec) (*Peer, error) {
	peer, err := d.NewPeer(spec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("device: build peer: %w", err)
	}
	peer.applySpec(spec)
	return peer, nil
}

// ReconcilePeers is the data-plane-thread-only entry point the reconciler
// calls on every config reload (spec §4.8 steps 1-3, 5): for each spec,
// reuse the existing peer in place when its identity-relevant fields are
// unchanged, otherwise tear down and rebuild; any peer not named by any
// spec is stopped and removed. The whole table swap runs under d.peers'
// write lock so a concurrent LookupPeer from another role never observes
// a half-updated table, but ReconcilePeers itself must still be called
// from the single data-plane goroutine (spec §5) since it mutates Peer
// fields directly via applySpec/Stop.
func (d *Device) ReconcilePeers(specs []PeerSpec) error {
	d.peers.Lock()
	defer d.peers.Unlock()

	seen := make(map[wgcrypto.PublicKey]bool, len(specs))
	var toStart []*Peer
	for _, spec := range specs {
		seen[spec.PublicKey] = true
		existing := d.peers.keyMap[spec.PublicKey]
		if existing != nil && existing.matchesSpec(spec) {
			continue
		}
		if existing != nil {
			existing.Stop()
			delete(d.peers.keyMap, spec.PublicKey)
			d.allowedIPs.Remove(existing)
		}
		peer, err := d.buildPeer(spec)
		if err != nil {
			return err
		}
		toStart = append(toStart, peer)
	}

	for pk, peer := range d.peers.keyMap {
		if !seen[pk] {
			peer.Stop()
			d.allowedIPs.Remove(peer)
			delete(d.peers.keyMap, pk)
		}
	}

	for _, peer := range toStart {
		peer.Start()
	}
	return nil
}
