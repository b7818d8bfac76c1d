package device

import (
	"math/rand"
	"time"

	"github.com/mud-band/mud.band-client-sub000/iface"
)

// peerTimers is the poll-based bookkeeping the device tick (spec §4.7)
// reads and updates; unlike the teacher's per-peer goroutine-backed
// time.AfterFunc timers, the single-threaded redesign (spec §5) drives
// every peer's timer decisions from one 300ms device-level tick, so there
// is nothing here to start/stop beyond zeroing counters.
type peerTimers struct {
	handshakeAttempts       int
	sentLastMinuteHandshake bool
}

func (peer *Peer) timersInit() {
	peer.timers = peerTimers{}
}

func (peer *Peer) timersStart() {
	peer.timers.handshakeAttempts = 0
	peer.timers.sentLastMinuteHandshake = false
}

func (peer *Peer) timersStop() {
}

// jitterMs returns a pseudo-random jitter in [0, maxMs) milliseconds,
// matching the +0..N jitter spec.md §4.4's timing table specifies for
// REKEY_TIMEOUT/REKEY_AFTER_TIME/REJECT_AFTER_TIME.
func jitterMs(maxMs int64) time.Duration {
	if maxMs <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(maxMs)) * time.Millisecond
}

// DeviceTick runs one pass of the 300ms device callout (spec §4.7): for
// every peer, it evaluates the reset/destroy/keepalive/initiation
// predicates in the order spec.md lists them and performs whichever
// actions they call for. Safe to call only from the data-plane goroutine.
func (d *Device) DeviceTick() {
	now := d.clock.Now()
	d.ForEachPeer(func(peer *Peer) {
		d.tickPeer(peer, now)
	})
}

func (d *Device) tickPeer(peer *Peer, now time.Time) {
	if !peer.isRunning {
		return
	}

	if peer.shouldResetPeer(now) {
		peer.ZeroAndFlushAll()
		peer.revertEndpointToConfigured()
		return
	}
	if peer.shouldDestroyCurrent(now) {
		peer.destroyCurrentKeypair()
	}
	if peer.shouldSendKeepalive(now) {
		_ = d.SendKeepalive(peer)
	}
	if peer.shouldSendInitiation(now) {
		_ = d.SendHandshakeInitiation(peer)
	}
}

// shouldResetPeer implements spec §4.7's "curr.valid && age > 3 *
// REJECT_AFTER_TIME" rule: a keypair this stale means the session is dead
// beyond any reasonable rekey window, so every bit of key material is
// wiped rather than just the current keypair.
func (peer *Peer) shouldResetPeer(now time.Time) bool {
	curr := peer.keypairs.current
	if curr == nil {
		return false
	}
	return now.Sub(curr.created) > 3*RejectAfterTime
}

// revertEndpointToConfigured implements spec §4.7's "revert
// endpoint_latest_* to endpoints[0]" clause of should_reset_peer: it wipes
// every other candidate's freshness so BestEndpoint's most-recently-heard
// selection falls back to the first configured endpoint, the same way a
// freshly reconciled peer starts out before any roaming has occurred.
func (peer *Peer) revertEndpointToConfigured() {
	if peer.endpointCount == 0 {
		return
	}
	for i := 1; i < peer.endpointCount; i++ {
		peer.endpoints[i].LastHeartbeat = time.Time{}
		peer.endpoints[i].LatestIP = iface.Addr{}
	}
	peer.endpoints[0].LatestIP = peer.endpoints[0].Addr
	peer.endpoints[0].LatestIsProxy = peer.endpoints[0].Kind == EndpointProxy
	peer.endpoints[0].LastHeartbeat = peer.device.clock.Now()
}

// shouldDestroyCurrent implements spec §4.7's age-or-counter expiry rule
// for the current keypair alone (short of the full peer reset above).
func (peer *Peer) shouldDestroyCurrent(now time.Time) bool {
	curr := peer.keypairs.current
	if curr == nil {
		return false
	}
	return now.Sub(curr.created) > RejectAfterTime || curr.sendNonce >= RejectAfterMessages
}

func (peer *Peer) destroyCurrentKeypair() {
	old := peer.keypairs.current
	peer.keypairs.current = nil
	peer.device.DeleteKeypair(old)
}

// shouldSendKeepalive implements spec §4.7: a configured keepalive
// interval, at least one valid keypair, and last_tx older than that
// interval together call for an empty transport packet.
func (peer *Peer) shouldSendKeepalive(now time.Time) bool {
	if peer.keepaliveInterval <= 0 {
		return false
	}
	if peer.keypairs.current == nil && peer.keypairs.next == nil {
		return false
	}
	return now.Sub(peer.lastTx) >= peer.keepaliveInterval
}

// shouldSendInitiation implements spec §4.7's three-way OR, gated by the
// REKEY_TIMEOUT cooldown on the last initiation attempt so a peer never
// floods initiations faster than the handshake can plausibly complete.
func (peer *Peer) shouldSendInitiation(now time.Time) bool {
	if now.Sub(peer.handshake.lastSentHandshake) < RekeyTimeout {
		return false
	}
	if peer.sendHandshake {
		return true
	}
	curr := peer.keypairs.current
	if curr != nil && curr.isInitiator && now.Sub(curr.created) > RekeyAfterTime {
		return true
	}
	if curr == nil && peer.isRunning {
		return true
	}
	return false
}
