package wgcrypto

import (
	"encoding/binary"
	"time"
)

// TimestampSize is the wire size of a TAI64N timestamp: 8-byte big-endian
// TAI seconds offset + 4-byte big-endian nanoseconds.
const TimestampSize = 12

// taiBase is the constant offset between the Unix epoch and the TAI64
// label at the Unix epoch (2^62 + 10, the conventional TAI64 base; no
// further leap seconds are added — WireGuard does not need leap-second
// accuracy, only monotonic strictly-increasing values).
const taiBase = uint64(1<<62) + 10

type Timestamp [TimestampSize]byte

// Now returns the current TAI64N timestamp.
func Now() Timestamp {
	return stamp(time.Now())
}

func stamp(t time.Time) Timestamp {
	var ts Timestamp
	secs := taiBase + uint64(t.Unix())
	binary.BigEndian.PutUint64(ts[:8], secs)
	binary.BigEndian.PutUint32(ts[8:12], uint32(t.Nanosecond()))
	return ts
}

// After reports whether ts is strictly later than other, comparing seconds
// then nanoseconds. Used for the handshake anti-replay check in spec §4.4:
// an incoming timestamp must be strictly greater than the peer's
// greatest-seen timestamp.
func (ts Timestamp) After(other Timestamp) bool {
	tsSec := binary.BigEndian.Uint64(ts[:8])
	otherSec := binary.BigEndian.Uint64(other[:8])
	if tsSec != otherSec {
		return tsSec > otherSec
	}
	return binary.BigEndian.Uint32(ts[8:12]) > binary.BigEndian.Uint32(other[8:12])
}
