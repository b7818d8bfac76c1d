// Package acl implements the constrained packet-filter instruction set
// applied to decrypted inner packets (spec §4.10). It is a direct port of
// the classic-BPF interpreter mud.band's C client embeds
// (mudband_bpf.c), not the kernel BPF ISA: same instruction shape, same
// opcode space, with MOD and XOR ALU operations the kernel variant lacks.
package acl

import "encoding/binary"

// Instruction classes (low 3 bits of Code).
const (
	classLD  = 0x00
	classLDX = 0x01
	classST  = 0x02
	classSTX = 0x03
	classALU = 0x04
	classJMP = 0x05
	classRET = 0x06
	classMisc = 0x07
)

// LD/LDX size and addressing mode bits.
const (
	sizeW = 0x00
	sizeH = 0x08
	sizeB = 0x10

	modeIMM = 0x00
	modeABS = 0x20
	modeIND = 0x40
	modeMEM = 0x60
	modeLEN = 0x80
	modeMSH = 0xa0
)

// ALU/JMP op bits.
const (
	aluADD = 0x00
	aluSUB = 0x10
	aluMUL = 0x20
	aluDIV = 0x30
	aluOR  = 0x40
	aluAND = 0x50
	aluLSH = 0x60
	aluRSH = 0x70
	aluNEG = 0x80
	aluMOD = 0x90
	aluXOR = 0xa0

	jmpJA   = 0x00
	jmpJEQ  = 0x10
	jmpJGT  = 0x20
	jmpJGE  = 0x30
	jmpJSET = 0x40
)

// source bit (K = immediate, X = register) and RET value bit (A).
const (
	srcK = 0x00
	srcX = 0x08

	retA = 0x10
)

// MISC ops.
const (
	miscTAX = 0x00
	miscTXA = 0x80
)

// MemWords is the size of the scratch register file addressed by ST/STX
// and LD|MEM/LDX|MEM.
const MemWords = 16

// Insn is one instruction: a 16-bit opcode, forward jump-true/jump-false
// offsets (JMP class only), and a 32-bit immediate/offset operand.
type Insn struct {
	Code uint16
	Jt   uint8
	Jf   uint8
	K    uint32
}

func class(code uint16) uint16  { return code & 0x07 }
func size(code uint16) uint16   { return code & 0x18 }
func mode(code uint16) uint16   { return code & 0xe0 }
func aluOp(code uint16) uint16  { return code & 0xf0 }
func jmpOp(code uint16) uint16  { return code & 0xf0 }
func src(code uint16) uint16    { return code & 0x08 }
func rval(code uint16) uint16   { return code & 0x18 }
func miscOp(code uint16) uint16 { return code & 0xf8 }

// Run executes prog over p, a decrypted inner packet. wirelen is the
// original (possibly truncated-at-capture) packet length; buflen is the
// number of bytes actually present in p. An empty (nil/zero-length)
// program means "accept all" and returns 0xffffffff, matching the C
// behavior of a NULL filter pointer.
//
// Run never panics and never reads outside p: every LD*ABS/IND is bounds
// checked before the read, exactly mirroring mudband_bpf_filter's checks,
// so a validated program is safe to run over untrusted-length input.
func Run(prog []Insn, p []byte, wirelen uint32) uint32 {
	if len(prog) == 0 {
		return 0xffffffff
	}
	var a, x uint32
	var mem [MemWords]uint32
	buflen := uint32(len(p))

	pc := 0
	for {
		if pc < 0 || pc >= len(prog) {
			return 0
		}
		ins := prog[pc]
		if class(ins.Code) == classRET {
			if rval(ins.Code) == retA {
				return a
			}
			return ins.K
		}

		switch class(ins.Code) {
		case classLD:
			switch mode(ins.Code) {
			case modeABS:
				k := ins.K
				n := absSize(size(ins.Code))
				if k > buflen || uint32(n) > buflen-k {
					return 0
				}
				a = loadAt(p, k, size(ins.Code))
			case modeIND:
				k := x + ins.K
				n := absSize(size(ins.Code))
				if ins.K > buflen || x > buflen-ins.K || uint32(n) > buflen-k {
					return 0
				}
				a = loadAt(p, k, size(ins.Code))
			case modeLEN:
				a = wirelen
			case modeIMM:
				a = ins.K
			case modeMEM:
				if ins.K >= MemWords {
					return 0
				}
				a = mem[ins.K]
			}
		case classLDX:
			switch mode(ins.Code) {
			case modeLEN:
				x = wirelen
			case modeIMM:
				x = ins.K
			case modeMEM:
				if ins.K >= MemWords {
					return 0
				}
				x = mem[ins.K]
			case modeMSH:
				k := ins.K
				if k >= buflen {
					return 0
				}
				x = uint32(p[k]&0xf) << 2
			}
		case classST:
			if ins.K >= MemWords {
				return 0
			}
			mem[ins.K] = a
		case classSTX:
			if ins.K >= MemWords {
				return 0
			}
			mem[ins.K] = x
		case classJMP:
			switch jmpOp(ins.Code) {
			case jmpJA:
				pc += 1 + int(ins.K)
				continue
			case jmpJEQ:
				if cmp(a, ins, x, src(ins.Code), func(l, r uint32) bool { return l == r }) {
					pc += 1 + int(ins.Jt)
				} else {
					pc += 1 + int(ins.Jf)
				}
				continue
			case jmpJGT:
				if cmp(a, ins, x, src(ins.Code), func(l, r uint32) bool { return l > r }) {
					pc += 1 + int(ins.Jt)
				} else {
					pc += 1 + int(ins.Jf)
				}
				continue
			case jmpJGE:
				if cmp(a, ins, x, src(ins.Code), func(l, r uint32) bool { return l >= r }) {
					pc += 1 + int(ins.Jt)
				} else {
					pc += 1 + int(ins.Jf)
				}
				continue
			case jmpJSET:
				if cmp(a, ins, x, src(ins.Code), func(l, r uint32) bool { return l&r != 0 }) {
					pc += 1 + int(ins.Jt)
				} else {
					pc += 1 + int(ins.Jf)
				}
				continue
			}
		case classALU:
			rhs := ins.K
			if src(ins.Code) == srcX {
				rhs = x
			}
			switch aluOp(ins.Code) {
			case aluADD:
				a += rhs
			case aluSUB:
				a -= rhs
			case aluMUL:
				a *= rhs
			case aluDIV:
				if rhs == 0 {
					return 0
				}
				a /= rhs
			case aluMOD:
				if rhs == 0 {
					return 0
				}
				a %= rhs
			case aluAND:
				a &= rhs
			case aluOR:
				a |= rhs
			case aluXOR:
				a ^= rhs
			case aluLSH:
				a <<= rhs
			case aluRSH:
				a >>= rhs
			case aluNEG:
				a = -a
			}
		case classMisc:
			switch miscOp(ins.Code) {
			case miscTAX:
				x = a
			case miscTXA:
				a = x
			}
		}
		pc++
	}
}

func cmp(a uint32, ins Insn, x uint32, source uint16, f func(l, r uint32) bool) bool {
	rhs := ins.K
	if source == srcX {
		rhs = x
	}
	return f(a, rhs)
}

func absSize(sz uint16) int {
	switch sz {
	case sizeW:
		return 4
	case sizeH:
		return 2
	case sizeB:
		return 1
	}
	return 4
}

func loadAt(p []byte, k uint32, sz uint16) uint32 {
	switch sz {
	case sizeW:
		return binary.BigEndian.Uint32(p[k : k+4])
	case sizeH:
		return uint32(binary.BigEndian.Uint16(p[k : k+2]))
	case sizeB:
		return uint32(p[k])
	}
	return 0
}
