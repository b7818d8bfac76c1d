package acl

import "fmt"

// opcodeAllowed mirrors mudband_bpf.c's bpf_code_map validation bitmap: one
// bit per possible Code byte, set when that exact class|size|mode (or
// class|op|src) combination is a recognized instruction. The C table's
// 0x90-0x9f and 0xa0-0xaf rows are reserved (all zero) because the kernel
// classic-BPF ISA the C table was transcribed from predates MOD and XOR.
// This spec requires MOD and XOR as ALU operations (spec §4.10), so this
// table extends the literal C bitmap with the four entries those two ops
// need (K and X source forms of each) — see DESIGN.md's acl entry.
var opcodeAllowed = buildOpcodeTable()

func buildOpcodeTable() [256]bool {
	var t [256]bool
	set := func(codes ...uint16) {
		for _, c := range codes {
			t[c] = true
		}
	}

	// LD: abs/ind/len/imm/mem, each in W/H/B size.
	for _, sz := range []uint16{sizeW, sizeH, sizeB} {
		set(classLD | sz | modeABS)
		set(classLD | sz | modeIND)
	}
	set(classLD | sizeW | modeLEN)
	set(classLD | sizeW | modeIMM)
	set(classLD | sizeW | modeMEM)

	// LDX: imm/mem/len/msh.
	set(classLDX | sizeW | modeIMM)
	set(classLDX | sizeW | modeMEM)
	set(classLDX | sizeW | modeLEN)
	set(classLDX | sizeB | modeMSH)

	// ST / STX address a scratch word; only one recognized form each.
	set(classST)
	set(classSTX)

	// ALU, K and X source forms.
	for _, op := range []uint16{aluADD, aluSUB, aluMUL, aluDIV, aluOR, aluAND,
		aluLSH, aluRSH, aluMOD, aluXOR} {
		set(classALU | op | srcK)
		set(classALU | op | srcX)
	}
	set(classALU | aluNEG) // NEG takes no operand

	// JMP, K and X source forms (JA is K-only: it has no comparison source).
	set(classJMP | jmpJA)
	for _, op := range []uint16{jmpJEQ, jmpJGT, jmpJGE, jmpJSET} {
		set(classJMP | op | srcK)
		set(classJMP | op | srcX)
	}

	// RET: immediate or accumulator.
	set(classRET)
	set(classRET | retA)

	// MISC: TAX, TXA.
	set(classMisc | miscTAX)
	set(classMisc | miscTXA)

	return t
}

// MaxProgramLen bounds a loaded program to the same ceiling mudband_bpf.c
// enforces before installing a filter: a 2048-byte (instruction-encoded)
// program is the largest the validator will accept.
const MaxProgramLen = 2048 / 8 // 8 bytes per encoded instruction, 256 insns

// MaxPrograms bounds the number of programs an ACL block may carry (spec
// §3's data model: "Up to 64 programs").
const MaxPrograms = 64

// Validate checks prog is safe to execute with Run: every instruction has a
// recognized opcode, every scratch-memory index is in range, every forward
// jump lands inside the program, ALU/JMP divisors that are compile-time
// constants are nonzero, and the final instruction is a RET (so execution
// can never fall off the end of the program). It rejects the backward or
// self jumps the interpreter does not defend against.
func Validate(prog []Insn) error {
	if len(prog) == 0 {
		// spec §4.10: an empty program is valid and means accept-all,
		// matching Run's handling of a nil/zero-length program.
		return nil
	}
	if len(prog) > MaxProgramLen {
		return fmt.Errorf("acl: program too long: %d instructions (max %d)", len(prog), MaxProgramLen)
	}
	last := prog[len(prog)-1]
	if class(last.Code) != classRET {
		return fmt.Errorf("acl: program must end with a RET instruction")
	}

	for pc, ins := range prog {
		if int(ins.Code) >= len(opcodeAllowed) || !opcodeAllowed[ins.Code] {
			return fmt.Errorf("acl: instruction %d: unrecognized opcode 0x%02x", pc, ins.Code)
		}

		switch class(ins.Code) {
		case classLD:
			if mode(ins.Code) == modeMEM && ins.K >= MemWords {
				return fmt.Errorf("acl: instruction %d: LD|MEM index %d out of range", pc, ins.K)
			}
		case classLDX:
			if mode(ins.Code) == modeMEM && ins.K >= MemWords {
				return fmt.Errorf("acl: instruction %d: LDX|MEM index %d out of range", pc, ins.K)
			}
		case classST, classSTX:
			if ins.K >= MemWords {
				return fmt.Errorf("acl: instruction %d: ST(X) index %d out of range", pc, ins.K)
			}
		case classALU:
			if src(ins.Code) == srcK {
				op := aluOp(ins.Code)
				if (op == aluDIV || op == aluMOD) && ins.K == 0 {
					return fmt.Errorf("acl: instruction %d: division/modulo by constant zero", pc)
				}
			}
		case classJMP:
			if jmpOp(ins.Code) == jmpJA {
				target := pc + 1 + int(ins.K)
				if target < 0 || target > len(prog) {
					return fmt.Errorf("acl: instruction %d: JA target %d out of range", pc, target)
				}
				continue
			}
			jt := pc + 1 + int(ins.Jt)
			jf := pc + 1 + int(ins.Jf)
			if jt < 0 || jt > len(prog) {
				return fmt.Errorf("acl: instruction %d: jump-true target %d out of range", pc, jt)
			}
			if jf < 0 || jf > len(prog) {
				return fmt.Errorf("acl: instruction %d: jump-false target %d out of range", pc, jf)
			}
		}
	}
	return nil
}
