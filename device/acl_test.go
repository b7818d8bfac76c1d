package device

import (
	"testing"

	"github.com/mud-band/mud.band-client-sub000/acl"
)

// acceptProg and rejectProg are single-RET programs; 0x06 is acl's RET
// instruction class (package-private there, so spelled out numerically
// here rather than importing an unexported constant).
var acceptProg = []acl.Insn{{Code: 0x06, K: 0xffffffff}}
var rejectProg = []acl.Insn{{Code: 0x06, K: 0}}

func TestACLFilterNilMeansAcceptAll(t *testing.T) {
	var f *ACLFilter
	if !f.Evaluate([]byte{1, 2, 3}, 3) {
		t.Fatal("nil ACLFilter rejected a packet, want accept-all")
	}
}

func TestACLFilterEmptyProgramsUsesDefaultPolicy(t *testing.T) {
	allow := &ACLFilter{DefaultPolicy: ACLAllow}
	if !allow.Evaluate(nil, 0) {
		t.Fatal("ACLFilter with no programs and ACLAllow policy rejected a packet")
	}
	block := &ACLFilter{DefaultPolicy: ACLBlock}
	if block.Evaluate(nil, 0) {
		t.Fatal("ACLFilter with no programs and ACLBlock policy accepted a packet")
	}
}

// TestACLFilterMatchIsAnExceptionToDefault covers spec §8 scenario 4
// literally: under a block default, a program that matches is an allow
// exception, not a restatement of the default.
func TestACLFilterMatchIsAnExceptionToDefault(t *testing.T) {
	f := &ACLFilter{
		Programs:      [][]acl.Insn{rejectProg, acceptProg},
		DefaultPolicy: ACLBlock,
	}
	if !f.Evaluate([]byte{1}, 1) {
		t.Fatal("second program matched (non-zero) under a block default, want allow exception")
	}
}

// TestACLFilterMatchUnderAllowDefaultBlocks covers the other direction: a
// matching program under an allow default is a block exception.
func TestACLFilterMatchUnderAllowDefaultBlocks(t *testing.T) {
	f := &ACLFilter{
		Programs:      [][]acl.Insn{rejectProg, acceptProg},
		DefaultPolicy: ACLAllow,
	}
	if f.Evaluate([]byte{1}, 1) {
		t.Fatal("second program matched (non-zero) under an allow default, want block exception")
	}
}

func TestACLFilterNoProgramMatchesUsesDefaultPolicy(t *testing.T) {
	f := &ACLFilter{
		Programs:      [][]acl.Insn{rejectProg},
		DefaultPolicy: ACLBlock,
	}
	if f.Evaluate([]byte{1}, 1) {
		t.Fatal("no program matched under ACLBlock policy, want reject")
	}
}
