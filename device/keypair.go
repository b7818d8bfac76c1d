package device

import (
	"crypto/cipher"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

// replayWindowSize is the width, in bits, of the per-keypair replay
// bitmap: a counter within this distance behind the highest seen counter
// can still be accepted (out-of-order delivery), anything further back or
// already marked is rejected (spec §4.3).
const replayWindowSize = 64

// replayFilter is the explicit 64-bit sliding bitmap this implementation
// uses in place of the teacher's golang.zx2c4.com/wireguard/replay.Filter:
// functionally the same algorithm (a BIP-0065-style sliding window), kept
// local to the engine since the single-threaded redesign (spec §5) removes
// the need for that package's internal locking.
type replayFilter struct {
	top    uint64
	bitmap uint64
}

func (r *replayFilter) reset() {
	r.top = 0
	r.bitmap = 0
}

// validateCounter reports whether counter is acceptable under the replay
// window, and if so marks it seen. Counter RejectAfterMessages and beyond
// are always rejected, matching the hard session-lifetime ceiling.
func (r *replayFilter) validateCounter(counter uint64) bool {
	if counter >= RejectAfterMessages {
		return false
	}
	if counter > r.top {
		diff := counter - r.top
		if diff >= replayWindowSize {
			r.bitmap = 1
		} else {
			r.bitmap <<= diff
			r.bitmap |= 1
		}
		r.top = counter
		return true
	}

	diff := r.top - counter
	if diff >= replayWindowSize {
		return false
	}
	mask := uint64(1) << diff
	if r.bitmap&mask != 0 {
		return false
	}
	r.bitmap |= mask
	return true
}

// Keypair is one Noise session's derived AEAD state plus the bookkeeping
// needed to age it out and detect replay. The engine is single-threaded,
// so no field needs its own lock; Keypairs below still tracks which of
// current/previous/next a given Keypair occupies.
type Keypair struct {
	sendNonce   uint64
	send        cipher.AEAD
	receive     cipher.AEAD
	replay      replayFilter
	isInitiator bool
	created     time.Time
	lastTx      time.Time
	lastRx      time.Time
	localIndex  uint32
	remoteIndex uint32
}

type Keypairs struct {
	current  *Keypair
	previous *Keypair
	next     *Keypair
}

func (kp *Keypairs) Current() *Keypair { return kp.current }

func (d *Device) DeleteKeypair(key *Keypair) {
	if key != nil {
		d.indexTable.Delete(key.localIndex)
	}
}

// BeginSymmetricSession derives the session's send/receive keys from the
// completed handshake transcript and installs the resulting Keypair,
// following the initiator/responder asymmetric rotation rule from spec
// §4.3: an initiator (who has proof the responder is alive) promotes
// immediately to current; a responder stages into next until it sees a
// packet encrypted with the new key.
func (peer *Peer) BeginSymmetricSession() error {
	device := peer.device
	handshake := &peer.handshake

	var isInitiator bool
	var sendKey, recvKey [chacha20poly1305.KeySize]byte

	switch handshake.state {
	case handshakeResponseConsumed:
		wgcrypto.KDF2(&sendKey, &recvKey, handshake.chainKey[:], nil)
		isInitiator = true
	case handshakeResponseCreated:
		wgcrypto.KDF2(&recvKey, &sendKey, handshake.chainKey[:], nil)
		isInitiator = false
	default:
		return fmt.Errorf("device: invalid state for keypair derivation: %v", handshake.state)
	}

	wgcrypto.SetZero(handshake.chainKey[:])
	wgcrypto.SetZero(handshake.hash[:])
	wgcrypto.SetZero(handshake.localEphemeral[:])
	handshake.state = handshakeZeroed

	keypair := new(Keypair)
	keypair.send, _ = chacha20poly1305.New(sendKey[:])
	keypair.receive, _ = chacha20poly1305.New(recvKey[:])
	wgcrypto.SetZero(sendKey[:])
	wgcrypto.SetZero(recvKey[:])

	keypair.created = device.clock.Now()
	keypair.replay.reset()
	keypair.isInitiator = isInitiator
	keypair.localIndex = handshake.localIndex
	keypair.remoteIndex = handshake.remoteIndex

	device.indexTable.SwapIndexForKeypair(handshake.localIndex, keypair)
	handshake.localIndex = 0

	keypairs := &peer.keypairs
	previous := keypairs.previous
	next := keypairs.next
	current := keypairs.current

	if isInitiator {
		if next != nil {
			keypairs.next = nil
			keypairs.previous = next
			device.DeleteKeypair(current)
		} else {
			keypairs.previous = current
		}
		device.DeleteKeypair(previous)
		keypairs.current = keypair
	} else {
		keypairs.next = keypair
		device.DeleteKeypair(next)
		keypairs.previous = nil
		device.DeleteKeypair(previous)
	}

	return nil
}

// ReceivedWithKeypair implements the responder's passive promotion: the
// first transport packet decrypted under a staged "next" keypair proves
// the initiator saw the response, so next is promoted to current.
func (peer *Peer) ReceivedWithKeypair(receivedKeypair *Keypair) bool {
	keypairs := &peer.keypairs
	if keypairs.next != receivedKeypair {
		return false
	}

	old := keypairs.previous
	keypairs.previous = keypairs.current
	peer.device.DeleteKeypair(old)
	keypairs.current = keypairs.next
	keypairs.next = nil
	return true
}
