// Package wgcrypto wraps the WireGuard Noise IK cryptographic primitives:
// Curve25519 key agreement, Blake2s keyed hashing/HKDF, constant-time
// comparison, and the TAI64N handshake clock.
package wgcrypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

type PrivateKey [KeySize]byte
type PublicKey [KeySize]byte
type PresharedKey [KeySize]byte

var errInvalidPublicKey = errors.New("invalid public key")

// NewPrivateKey generates a Curve25519 private key clamped per RFC 7748.
func NewPrivateKey() (sk PrivateKey, err error) {
	_, err = rand.Read(sk[:])
	if err != nil {
		return
	}
	sk.clamp()
	return
}

func (sk *PrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// PublicKey derives the Curve25519 public key for sk.
func (sk *PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	X25519(pk[:], sk[:], curve25519.Basepoint)
	return pk
}

// SharedSecret performs X25519(sk, pk), rejecting the all-zero output that
// indicates a small-order / invalid public key.
func (sk *PrivateKey) SharedSecret(pk PublicKey) (ss [KeySize]byte, err error) {
	apk := (*[KeySize]byte)(&pk)
	ask := (*[KeySize]byte)(sk)
	X25519(ss[:], ask[:], apk[:])
	if IsZero(ss[:]) {
		return ss, errInvalidPublicKey
	}
	return ss, nil
}

// X25519 computes the Curve25519 scalar multiplication out = priv * base.
func X25519(out, priv, base []byte) {
	curve25519.ScalarMult((*[32]byte)(out), (*[32]byte)(priv), (*[32]byte)(base))
}

// IsZero reports whether every byte is zero, in constant time.
func IsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// timing information about the position of the first difference.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SetZero overwrites b with zero bytes, best-effort erasure of key material.
func SetZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Blake2sHash is a convenience one-shot hash of the concatenated inputs.
func Blake2sHash(dst *[blake2s.Size]byte, inputs ...[]byte) {
	h, _ := blake2s.New256(nil)
	for _, in := range inputs {
		h.Write(in)
	}
	h.Sum(dst[:0])
}

// Blake2sMAC128 computes a keyed Blake2s-128 MAC over the concatenated inputs.
func Blake2sMAC128(dst *[blake2s.Size128]byte, key []byte, inputs ...[]byte) {
	mac, _ := blake2s.New128(key)
	for _, in := range inputs {
		mac.Write(in)
	}
	mac.Sum(dst[:0])
}
