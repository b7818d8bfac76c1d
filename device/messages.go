package device

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"

	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

// NoiseConstruction and WGIdentifier seed the Noise_IKpsk2 transcript hash
// exactly as the protocol name dictates (spec §4.2).
const (
	NoiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	WGIdentifier       = "mud.band 1 mesh-handshake"
	WGLabelMAC1        = "mac1----"
	WGLabelCookie      = "cookie--"
)

const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
)

const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + poly1305.TagSize
	MessageKeepaliveSize       = MessageTransportSize
	MessageHandshakeSize       = MessageInitiationSize
)

const (
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

// MessageInitiation is the first Noise IK handshake message (initiator to
// responder): an ephemeral key, the initiator's static key encrypted under
// it, and an encrypted TAI64N timestamp for replay protection.
type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral wgcrypto.PublicKey
	Static    [wgcrypto.KeySize + poly1305.TagSize]byte
	Timestamp [wgcrypto.TimestampSize + poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageResponse is the second handshake message (responder to
// initiator): a fresh ephemeral key and an empty, PSK-authenticated AEAD
// payload that completes the 3-DH.
type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral wgcrypto.PublicKey
	Empty     [poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageTransport is a data-plane packet: an AEAD-sealed inner IP packet
// keyed by the receiver's session index and a 64-bit sending counter.
type MessageTransport struct {
	Type     uint32
	Receiver uint32
	Counter  uint64
	Content  []byte
}

// MessageCookieReply is the anti-flood cookie response issued under load
// instead of processing an initiation (spec §4.4).
type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + poly1305.TagSize]byte
}

var errMessageLengthMismatch = errors.New("device: message length mismatch")

func (msg *MessageInitiation) unmarshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	off := 8
	copy(msg.Ephemeral[:], b[off:])
	off += len(msg.Ephemeral)
	copy(msg.Static[:], b[off:])
	off += len(msg.Static)
	copy(msg.Timestamp[:], b[off:])
	off += len(msg.Timestamp)
	copy(msg.MAC1[:], b[off:])
	off += len(msg.MAC1)
	copy(msg.MAC2[:], b[off:])
	return nil
}

func (msg *MessageInitiation) marshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	off := 8
	copy(b[off:], msg.Ephemeral[:])
	off += len(msg.Ephemeral)
	copy(b[off:], msg.Static[:])
	off += len(msg.Static)
	copy(b[off:], msg.Timestamp[:])
	off += len(msg.Timestamp)
	copy(b[off:], msg.MAC1[:])
	off += len(msg.MAC1)
	copy(b[off:], msg.MAC2[:])
	return nil
}

func (msg *MessageResponse) unmarshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	msg.Receiver = binary.LittleEndian.Uint32(b[8:])
	off := 12
	copy(msg.Ephemeral[:], b[off:])
	off += len(msg.Ephemeral)
	copy(msg.Empty[:], b[off:])
	off += len(msg.Empty)
	copy(msg.MAC1[:], b[off:])
	off += len(msg.MAC1)
	copy(msg.MAC2[:], b[off:])
	return nil
}

func (msg *MessageResponse) marshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	binary.LittleEndian.PutUint32(b[8:], msg.Receiver)
	off := 12
	copy(b[off:], msg.Ephemeral[:])
	off += len(msg.Ephemeral)
	copy(b[off:], msg.Empty[:])
	off += len(msg.Empty)
	copy(b[off:], msg.MAC1[:])
	off += len(msg.MAC1)
	copy(b[off:], msg.MAC2[:])
	return nil
}

func (msg *MessageCookieReply) unmarshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Receiver = binary.LittleEndian.Uint32(b[4:])
	copy(msg.Nonce[:], b[8:])
	copy(msg.Cookie[:], b[8+len(msg.Nonce):])
	return nil
}

func (msg *MessageCookieReply) marshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Receiver)
	copy(b[8:], msg.Nonce[:])
	copy(b[8+len(msg.Nonce):], msg.Cookie[:])
	return nil
}
