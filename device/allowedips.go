package device

import "net/netip"

// AllowedRange is one CIDR a peer is permitted to source/sink inner
// packets for. Spec §4.5/§9 narrows the data model to at most
// MaxAllowedIPRanges per peer, matched by simple linear containment
// rather than the teacher's global radix-trie longest-prefix-match (see
// DESIGN.md's Open Question resolution #2) — mud.band meshes are small
// enough (tens to low hundreds of peers) that the LPM trie's complexity
// buys nothing a flat table doesn't already give.
type AllowedRange struct {
	Prefix netip.Prefix
}

// allowedIPTable holds every peer's allowed ranges in registration order.
// Lookup walks peers in that order and returns the first match, which is
// also the order resolution #2 specifies: ties between overlapping peer
// ranges are broken by "whoever was configured first wins", not by
// longest-prefix-match.
type allowedIPTable struct {
	entries []allowedIPEntry
}

type allowedIPEntry struct {
	peer  *Peer
	ranges []AllowedRange
}

func newAllowedIPTable() *allowedIPTable {
	return &allowedIPTable{}
}

// Insert replaces peer's prior ranges (if any) with ranges, truncating to
// MaxAllowedIPRanges. Ordering for a brand-new peer is append-at-end;
// re-inserting an existing peer keeps its original table position so
// lookup priority for already-reachable peers doesn't shuffle on reload.
func (t *allowedIPTable) Insert(peer *Peer, ranges []AllowedRange) {
	if len(ranges) > MaxAllowedIPRanges {
		ranges = ranges[:MaxAllowedIPRanges]
	}
	for i := range t.entries {
		if t.entries[i].peer == peer {
			t.entries[i].ranges = ranges
			return
		}
	}
	t.entries = append(t.entries, allowedIPEntry{peer: peer, ranges: ranges})
}

func (t *allowedIPTable) Remove(peer *Peer) {
	for i := range t.entries {
		if t.entries[i].peer == peer {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Lookup returns the first peer (in table order) with a range containing
// addr, or nil if none matches.
func (t *allowedIPTable) Lookup(addr netip.Addr) *Peer {
	for _, e := range t.entries {
		for _, r := range e.ranges {
			if r.Prefix.Contains(addr) {
				return e.peer
			}
		}
	}
	return nil
}

// AllowedForPeer reports whether addr falls within peer's own ranges,
// used to validate an outbound packet's destination or an inbound
// packet's claimed source against the peer it arrived from.
func (t *allowedIPTable) AllowedForPeer(peer *Peer, addr netip.Addr) bool {
	for _, e := range t.entries {
		if e.peer != peer {
			continue
		}
		for _, r := range e.ranges {
			if r.Prefix.Contains(addr) {
				return true
			}
		}
		return false
	}
	return false
}
