package device

import "time"

// Timer and counter constants from the WireGuard protocol (spec §4.7),
// carried over from the teacher: mud.band's mesh handshake reuses the
// upstream WireGuard timing model, except for RejectAfterMessages (see
// DESIGN.md).
const (
	RekeyAfterMessages      = (1 << 60)
	RejectAfterMessages     = (1 << 64) - (1 << 13)
	RekeyAfterTime          = time.Second * 120
	RekeyAttemptTime        = time.Second * 90
	RekeyTimeout            = time.Second * 5
	MaxTimerHandshakes      = 90 / 5
	RekeyTimeoutJitterMaxMs = 334
	RejectAfterTime         = time.Second * 180
	KeepaliveTimeout        = time.Second * 10
	CookieRefreshTime       = time.Second * 120
	HandshakeInitiationRate = time.Second / 20
	PaddingMultiple         = 16
)

// MaxPeers is the spec's "practical" per-device ceiling, not a protocol
// limit: a data plane that holds millions of peers in one table stops
// being able to do linear endpoint/allowed-IP scans in the tick budget
// spec §5 sets (<=300ms).
const MaxPeers = 1 << 16

// MaxEndpointsPerPeer bounds the endpoint array spec §4.5 describes: up to
// 16 known reachability paths (direct observed, configured, relay) per
// peer.
const MaxEndpointsPerPeer = 16

// MaxAllowedIPRanges bounds the allowed-IP table per spec §4.5/§9's Open
// Question resolution: at most 2 ranges per peer, matched first-hit in
// table order rather than by a global longest-prefix-match trie.
const MaxAllowedIPRanges = 2

// RelayPort is the default UDP port mud.band proxy/relay nodes listen on
// for framed packets (spec §4.9). It is a Device field, not a hardwired
// constant, per the Open Question resolution in DESIGN.md.
const RelayPort = 82
