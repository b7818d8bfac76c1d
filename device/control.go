package device

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// control holds the background-tasks-role signaling surface spec §5
// describes: one-shot atomic flags the data-plane loop polls each
// iteration, plus the callbacks that actually do the work (resync reads
// the latest cnf handle, snapshot reports peer summaries to the embedder).
// None of this is guarded by peers' mutex: flags are atomics, and the
// callbacks themselves are responsible for whatever locking they need
// (ReconcilePeers already takes peers' write lock internally).
type control struct {
	needResyncPeers  atomic.Bool
	needPeerSnapshot atomic.Bool
	mfaRequired      atomic.Bool

	resyncFn   func() error
	snapshotFn func([]PeerSummary)
}

// PeerSummary is the tuple spec §4.6 step 2 asks for: `{inner_ip,
// endpoint_ip, endpoint_port, last_heartbeat}`.
type PeerSummary struct {
	InnerIP       netip.Addr
	EndpointIP    netip.Addr
	EndpointPort  uint16
	LastHeartbeat time.Time
}

// RequestResync sets the "resync peers" flag (spec §4.6 step 1); the next
// loop iteration runs the reconciler's config-to-peer-table translation
// via the function registered with SetResyncFunc.
func (d *Device) RequestResync() { d.control.needResyncPeers.Store(true) }

// RequestPeerSnapshot sets the "peer snapshot" flag (spec §4.6 step 2);
// the next loop iteration calls the function registered with
// SetSnapshotFunc with a fresh PeerSummary slice.
func (d *Device) RequestPeerSnapshot() { d.control.needPeerSnapshot.Store(true) }

// SetMFARequired latches or clears the MFA-idle flag (spec §4.6 step 3 /
// §7's "MFA-required... sets a latched flag causing the data-plane to
// idle"). While set, Run sleeps instead of processing TUN/UDP traffic.
func (d *Device) SetMFARequired(v bool) { d.control.mfaRequired.Store(v) }

// SetResyncFunc registers the callback Run invokes to service a resync
// request. The engine package wires this to reconciler.Apply against the
// current cnf handle.
func (d *Device) SetResyncFunc(fn func() error) { d.control.resyncFn = fn }

// SetSnapshotFunc registers the callback Run invokes to deliver a
// requested peer snapshot to the embedder role.
func (d *Device) SetSnapshotFunc(fn func([]PeerSummary)) { d.control.snapshotFn = fn }

// Snapshot builds the current peer summary table directly (bypassing the
// request/flag dance), used by SetSnapshotFunc implementations and by
// anything that wants a synchronous read.
func (d *Device) Snapshot() []PeerSummary {
	out := make([]PeerSummary, 0, d.PeerCount())
	d.ForEachPeer(func(p *Peer) {
		ep, _ := p.BestEndpoint()
		out = append(out, PeerSummary{
			InnerIP:       p.innerAddr,
			EndpointIP:    ep.Addr.IP,
			EndpointPort:  ep.Addr.Port,
			LastHeartbeat: ep.LastHeartbeat,
		})
	})
	return out
}

// serviceControlFlags runs spec §4.6 steps 1-3 once: resync, snapshot,
// then reports whether the loop should idle this iteration instead of
// touching TUN/UDP (the MFA-required case).
func (d *Device) serviceControlFlags() (idle bool) {
	if d.control.needResyncPeers.CompareAndSwap(true, false) {
		if d.control.resyncFn != nil {
			if err := d.control.resyncFn(); err != nil {
				d.log.WithError(err).Warn("resync peers failed")
			}
		}
	}
	if d.control.needPeerSnapshot.CompareAndSwap(true, false) {
		if d.control.snapshotFn != nil {
			d.control.snapshotFn(d.Snapshot())
		}
	}
	return d.control.mfaRequired.Load()
}
