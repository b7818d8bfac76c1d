package device

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

type handshakeState int

const (
	handshakeZeroed = handshakeState(iota)
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)

func (hs handshakeState) String() string {
	switch hs {
	case handshakeZeroed:
		return "handshakeZeroed"
	case handshakeInitiationCreated:
		return "handshakeInitiationCreated"
	case handshakeInitiationConsumed:
		return "handshakeInitiationConsumed"
	case handshakeResponseCreated:
		return "handshakeResponseCreated"
	case handshakeResponseConsumed:
		return "handshakeResponseConsumed"
	default:
		return fmt.Sprintf("Handshake(UNKNOWN:%d)", int(hs))
	}
}

// Handshake holds the Noise_IKpsk2 transcript state for one peer. The
// engine is single-threaded (spec §5), so unlike the teacher's
// multi-goroutine version this carries no internal mutex: every access
// happens from the one data-plane thread.
type Handshake struct {
	state                     handshakeState
	hash                      [blake2s.Size]byte
	chainKey                  [blake2s.Size]byte
	presharedKey              wgcrypto.PresharedKey
	localEphemeral            wgcrypto.PrivateKey
	localIndex                uint32
	remoteIndex               uint32
	remoteStatic              wgcrypto.PublicKey
	remoteEphemeral           wgcrypto.PublicKey
	precomputedStaticStatic   [wgcrypto.KeySize]byte
	lastTimestamp             wgcrypto.Timestamp
	lastInitiationConsumption time.Time
	lastSentHandshake         time.Time
}

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(NoiseConstruction))
	mixHash(&initialHash, &initialChainKey, []byte(WGIdentifier))
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	wgcrypto.KDF1(dst, c[:], data)
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hash, _ := blake2s.New256(nil)
	hash.Write(h[:])
	hash.Write(data)
	hash.Sum(dst[:0])
}

func (h *Handshake) Clear() {
	wgcrypto.SetZero(h.localEphemeral[:])
	wgcrypto.SetZero(h.remoteEphemeral[:])
	wgcrypto.SetZero(h.chainKey[:])
	wgcrypto.SetZero(h.hash[:])
	h.localIndex = 0
	h.state = handshakeZeroed
}

func (h *Handshake) mixHash(data []byte) { mixHash(&h.hash, &h.hash, data) }
func (h *Handshake) mixKey(data []byte)  { mixKey(&h.chainKey, &h.chainKey, data) }

// CreateMessageInitiation builds the first Noise IK message for peer: a
// fresh ephemeral key, the device's static key encrypted under the
// ephemeral-remote DH, and an encrypted anti-replay timestamp.
func (d *Device) CreateMessageInitiation(peer *Peer) (*MessageInitiation, error) {
	handshake := &peer.handshake

	var err error
	handshake.hash = initialHash
	handshake.chainKey = initialChainKey
	handshake.localEphemeral, err = wgcrypto.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	handshake.mixHash(handshake.remoteStatic[:])

	msg := MessageInitiation{
		Type:      MessageInitiationType,
		Ephemeral: handshake.localEphemeral.PublicKey(),
	}

	handshake.mixKey(msg.Ephemeral[:])
	handshake.mixHash(msg.Ephemeral[:])

	ss, err := handshake.localEphemeral.SharedSecret(handshake.remoteStatic)
	if err != nil {
		return nil, err
	}
	var key [chacha20poly1305.KeySize]byte
	wgcrypto.KDF2(&handshake.chainKey, &key, handshake.chainKey[:], ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Static[:0], zeroNonce[:], d.staticIdentity.publicKey[:], handshake.hash[:])
	handshake.mixHash(msg.Static[:])

	if wgcrypto.IsZero(handshake.precomputedStaticStatic[:]) {
		return nil, errInvalidPublicKey
	}
	wgcrypto.KDF2(&handshake.chainKey, &key, handshake.chainKey[:], handshake.precomputedStaticStatic[:])
	timestamp := wgcrypto.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], zeroNonce[:], timestamp[:], handshake.hash[:])

	d.indexTable.Delete(handshake.localIndex)
	msg.Sender, err = d.indexTable.NewIndexForHandshake(peer, handshake)
	if err != nil {
		return nil, err
	}
	handshake.localIndex = msg.Sender

	handshake.mixHash(msg.Timestamp[:])
	handshake.state = handshakeInitiationCreated
	return &msg, nil
}

var errInvalidPublicKey = errors.New("device: invalid public key")

// ConsumeMessageInitiation validates and processes an incoming initiation,
// returning the Peer it came from or nil if it fails authentication,
// replay, or flood checks.
func (d *Device) ConsumeMessageInitiation(msg *MessageInitiation) *Peer {
	var hash, chainKey [blake2s.Size]byte

	if msg.Type != MessageInitiationType {
		return nil
	}

	mixHash(&hash, &initialHash, d.staticIdentity.publicKey[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])
	mixKey(&chainKey, &initialChainKey, msg.Ephemeral[:])

	var peerPK wgcrypto.PublicKey
	var key [chacha20poly1305.KeySize]byte
	ss, err := d.staticIdentity.privateKey.SharedSecret(msg.Ephemeral)
	if err != nil {
		return nil
	}
	wgcrypto.KDF2(&chainKey, &key, chainKey[:], ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(peerPK[:0], zeroNonce[:], msg.Static[:], hash[:]); err != nil {
		return nil
	}
	mixHash(&hash, &hash, msg.Static[:])

	peer := d.LookupPeer(peerPK)
	if peer == nil || !peer.isRunning {
		return nil
	}
	handshake := &peer.handshake

	if wgcrypto.IsZero(handshake.precomputedStaticStatic[:]) {
		return nil
	}
	wgcrypto.KDF2(&chainKey, &key, chainKey[:], handshake.precomputedStaticStatic[:])
	var timestamp wgcrypto.Timestamp
	aead, _ = chacha20poly1305.New(key[:])
	if _, err := aead.Open(timestamp[:0], zeroNonce[:], msg.Timestamp[:], hash[:]); err != nil {
		return nil
	}
	mixHash(&hash, &hash, msg.Timestamp[:])

	if !timestamp.After(handshake.lastTimestamp) {
		d.log.WithField("peer", peer).Debug("handshake replay")
		return nil
	}
	if time.Since(handshake.lastInitiationConsumption) <= HandshakeInitiationRate {
		d.log.WithField("peer", peer).Debug("handshake flood")
		return nil
	}

	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.remoteEphemeral = msg.Ephemeral
	handshake.lastTimestamp = timestamp
	handshake.lastInitiationConsumption = time.Now()
	handshake.state = handshakeInitiationConsumed

	wgcrypto.SetZero(hash[:])
	wgcrypto.SetZero(chainKey[:])
	return peer
}

// CreateMessageResponse completes the responder side of the handshake,
// mixing the PSK and sealing an empty confirmation payload.
func (d *Device) CreateMessageResponse(peer *Peer) (*MessageResponse, error) {
	handshake := &peer.handshake
	if handshake.state != handshakeInitiationConsumed {
		return nil, errors.New("device: handshake initiation must be consumed first")
	}

	var err error
	d.indexTable.Delete(handshake.localIndex)
	handshake.localIndex, err = d.indexTable.NewIndexForHandshake(peer, handshake)
	if err != nil {
		return nil, err
	}

	var msg MessageResponse
	msg.Type = MessageResponseType
	msg.Sender = handshake.localIndex
	msg.Receiver = handshake.remoteIndex

	handshake.localEphemeral, err = wgcrypto.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	msg.Ephemeral = handshake.localEphemeral.PublicKey()
	handshake.mixHash(msg.Ephemeral[:])
	handshake.mixKey(msg.Ephemeral[:])

	ss, err := handshake.localEphemeral.SharedSecret(handshake.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	handshake.mixKey(ss[:])
	ss, err = handshake.localEphemeral.SharedSecret(handshake.remoteStatic)
	if err != nil {
		return nil, err
	}
	handshake.mixKey(ss[:])

	var tau [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	wgcrypto.KDF3(&handshake.chainKey, &tau, &key, handshake.chainKey[:], handshake.presharedKey[:])
	handshake.mixHash(tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], zeroNonce[:], nil, handshake.hash[:])
	handshake.mixHash(msg.Empty[:])

	handshake.state = handshakeResponseCreated
	return &msg, nil
}

// ConsumeMessageResponse completes the initiator side, authenticating the
// transcript and returning the Peer the response belongs to.
func (d *Device) ConsumeMessageResponse(msg *MessageResponse) *Peer {
	if msg.Type != MessageResponseType {
		return nil
	}

	entry := d.indexTable.Lookup(msg.Receiver)
	handshake := entry.handshake
	if handshake == nil {
		return nil
	}

	if handshake.state != handshakeInitiationCreated {
		return nil
	}

	var hash, chainKey [blake2s.Size]byte
	mixHash(&hash, &handshake.hash, msg.Ephemeral[:])
	mixKey(&chainKey, &handshake.chainKey, msg.Ephemeral[:])

	ss, err := handshake.localEphemeral.SharedSecret(msg.Ephemeral)
	if err != nil {
		return nil
	}
	mixKey(&chainKey, &chainKey, ss[:])
	wgcrypto.SetZero(ss[:])

	ss, err = d.staticIdentity.privateKey.SharedSecret(msg.Ephemeral)
	if err != nil {
		return nil
	}
	mixKey(&chainKey, &chainKey, ss[:])
	wgcrypto.SetZero(ss[:])

	var tau [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	wgcrypto.KDF3(&chainKey, &tau, &key, chainKey[:], handshake.presharedKey[:])
	mixHash(&hash, &hash, tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(nil, zeroNonce[:], msg.Empty[:], hash[:]); err != nil {
		return nil
	}
	mixHash(&hash, &hash, msg.Empty[:])

	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.state = handshakeResponseConsumed

	wgcrypto.SetZero(hash[:])
	wgcrypto.SetZero(chainKey[:])
	return entry.peer
}
