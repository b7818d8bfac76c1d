// Package proxyhdr implements the 28-byte framing header prepended to every
// packet relayed through a mud.band proxy node on UDP port 82 (spec §4.9).
// A proxy node never decrypts the Noise payload it forwards; the header
// gives it everything it needs to route purely on inner-packet addressing.
package proxyhdr

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Size is the on-wire length of the header: 1 version byte, 3 bytes
// padding, 16-byte band UUID, 4-byte source inner IPv4, 4-byte destination
// inner IPv4.
const Size = 1 + 3 + 16 + 4 + 4

// Version1 is the only framing version this implementation emits or
// accepts.
const Version1 = 0x10

// Header is the decoded relay frame header.
type Header struct {
	Version byte
	Band    uuid.UUID
	SrcIP   [4]byte
	DstIP   [4]byte
}

// Encode writes h to dst, which must be at least Size bytes, and returns
// the number of bytes written.
func Encode(dst []byte, h Header) (int, error) {
	if len(dst) < Size {
		return 0, fmt.Errorf("proxyhdr: dst too small: %d < %d", len(dst), Size)
	}
	dst[0] = h.Version
	dst[1], dst[2], dst[3] = 0, 0, 0
	copy(dst[4:20], h.Band[:])
	copy(dst[20:24], h.SrcIP[:])
	copy(dst[24:28], h.DstIP[:])
	return Size, nil
}

// Decode parses a Header from the front of src, which must be at least
// Size bytes. It rejects any version byte other than Version1.
func Decode(src []byte) (Header, error) {
	var h Header
	if len(src) < Size {
		return h, fmt.Errorf("proxyhdr: src too short: %d < %d", len(src), Size)
	}
	h.Version = src[0]
	if h.Version != Version1 {
		return h, fmt.Errorf("proxyhdr: unsupported version 0x%02x", h.Version)
	}
	copy(h.Band[:], src[4:20])
	copy(h.SrcIP[:], src[20:24])
	copy(h.DstIP[:], src[24:28])
	return h, nil
}

// SrcPort and DstPort are not part of the relay frame: mud.band proxies
// route purely on inner IPv4 addressing, matching the Non-goal that
// excludes IPv6 from the relay path (spec §1 Non-goals).

// PutUint32IP writes ip (already in network byte order as 4 bytes) into
// dst, a convenience used when building a Header from a net.IP-derived
// 4-byte slice obtained via a big-endian read.
func PutUint32IP(dst *[4]byte, v uint32) {
	binary.BigEndian.PutUint32(dst[:], v)
}
