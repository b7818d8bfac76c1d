package device

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

func TestAllowedIPTableLookupFirstMatchWins(t *testing.T) {
	table := newAllowedIPTable()
	a := &Peer{}
	b := &Peer{}
	table.Insert(a, []AllowedRange{{Prefix: mustPrefix(t, "10.0.0.0/24")}})
	table.Insert(b, []AllowedRange{{Prefix: mustPrefix(t, "10.0.0.0/16")}})

	got := table.Lookup(netip.MustParseAddr("10.0.0.5"))
	if got != a {
		t.Fatalf("Lookup matched %p, want the first-registered peer %p (table order, not longest-prefix-match)", got, a)
	}
}

func TestAllowedIPTableLookupNoMatch(t *testing.T) {
	table := newAllowedIPTable()
	p := &Peer{}
	table.Insert(p, []AllowedRange{{Prefix: mustPrefix(t, "10.0.0.0/24")}})
	if got := table.Lookup(netip.MustParseAddr("192.168.1.1")); got != nil {
		t.Fatalf("Lookup matched %p for an address outside every range, want nil", got)
	}
}

func TestAllowedIPTableInsertTruncatesToMax(t *testing.T) {
	table := newAllowedIPTable()
	p := &Peer{}
	ranges := []AllowedRange{
		{Prefix: mustPrefix(t, "10.0.0.0/24")},
		{Prefix: mustPrefix(t, "10.0.1.0/24")},
		{Prefix: mustPrefix(t, "10.0.2.0/24")},
	}
	table.Insert(p, ranges)
	if len(table.entries[0].ranges) != MaxAllowedIPRanges {
		t.Fatalf("Insert kept %d ranges, want truncation to %d", len(table.entries[0].ranges), MaxAllowedIPRanges)
	}
}

func TestAllowedIPTableReinsertKeepsTablePosition(t *testing.T) {
	table := newAllowedIPTable()
	a := &Peer{}
	b := &Peer{}
	table.Insert(a, []AllowedRange{{Prefix: mustPrefix(t, "10.0.0.0/24")}})
	table.Insert(b, []AllowedRange{{Prefix: mustPrefix(t, "10.0.1.0/24")}})

	// Re-inserting a with a new range must not change its position ahead
	// of b in lookup priority.
	table.Insert(a, []AllowedRange{{Prefix: mustPrefix(t, "10.0.2.0/24")}})
	if len(table.entries) != 2 {
		t.Fatalf("re-insert grew the table to %d entries, want 2", len(table.entries))
	}
	if table.entries[0].peer != a {
		t.Fatal("re-insert changed a's table position")
	}
}

func TestAllowedIPTableRemove(t *testing.T) {
	table := newAllowedIPTable()
	p := &Peer{}
	table.Insert(p, []AllowedRange{{Prefix: mustPrefix(t, "10.0.0.0/24")}})
	table.Remove(p)
	if got := table.Lookup(netip.MustParseAddr("10.0.0.5")); got != nil {
		t.Fatal("Lookup still matched a removed peer")
	}
}

func TestAllowedForPeer(t *testing.T) {
	table := newAllowedIPTable()
	p := &Peer{}
	table.Insert(p, []AllowedRange{{Prefix: mustPrefix(t, "10.0.0.0/24")}})
	if !table.AllowedForPeer(p, netip.MustParseAddr("10.0.0.9")) {
		t.Fatal("AllowedForPeer rejected an address inside the peer's own range")
	}
	if table.AllowedForPeer(p, netip.MustParseAddr("10.0.1.9")) {
		t.Fatal("AllowedForPeer accepted an address outside the peer's own range")
	}
}
