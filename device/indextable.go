package device

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// IndexTableEntry is what a session index currently resolves to: either an
// in-progress Handshake (before BeginSymmetricSession promotes it) or an
// established Keypair.
type IndexTableEntry struct {
	peer      *Peer
	handshake *Handshake
	keypair   *Keypair
}

// IndexTable maps the 32-bit session indices exchanged on the wire back to
// the local peer/handshake/keypair they identify, so a receiver can find
// the right AEAD state in O(1) without scanning the peer table.
type IndexTable struct {
	sync.RWMutex
	table map[uint32]IndexTableEntry
}

func NewIndexTable() *IndexTable {
	return &IndexTable{table: make(map[uint32]IndexTableEntry)}
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// NewIndexForHandshake allocates a fresh random index for handshake and
// registers it, retrying on collision.
func (t *IndexTable) NewIndexForHandshake(peer *Peer, handshake *Handshake) (uint32, error) {
	for {
		index, err := randUint32()
		if err != nil {
			return 0, err
		}
		t.Lock()
		_, taken := t.table[index]
		if !taken {
			t.table[index] = IndexTableEntry{peer: peer, handshake: handshake}
		}
		t.Unlock()
		if !taken {
			return index, nil
		}
	}
}

// SwapIndexForKeypair replaces a handshake-owned entry with its resulting
// keypair, keeping the same index and peer.
func (t *IndexTable) SwapIndexForKeypair(index uint32, keypair *Keypair) {
	t.Lock()
	defer t.Unlock()
	entry, ok := t.table[index]
	if !ok {
		return
	}
	t.table[index] = IndexTableEntry{peer: entry.peer, keypair: keypair}
}

// Lookup returns the entry for index, or the zero value if none exists.
func (t *IndexTable) Lookup(index uint32) IndexTableEntry {
	t.RLock()
	defer t.RUnlock()
	return t.table[index]
}

func (t *IndexTable) Delete(index uint32) {
	t.Lock()
	defer t.Unlock()
	delete(t.table, index)
}
