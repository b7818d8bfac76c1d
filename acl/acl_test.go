package acl

import "testing"

func mustValidate(t *testing.T, prog []Insn) {
	t.Helper()
	if err := Validate(prog); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRunAcceptAllOnEmptyProgram(t *testing.T) {
	if got := Run(nil, []byte{1, 2, 3}, 3); got != 0xffffffff {
		t.Fatalf("Run(nil) = %#x, want accept-all", got)
	}
}

func TestRunLoadByteAndCompare(t *testing.T) {
	// Accept only if the byte at offset 9 of the packet equals 0x11 (the
	// protocol field of a raw IPv4 header carrying UDP, for illustration).
	prog := []Insn{
		{Code: classLD | sizeB | modeABS, K: 9},
		{Code: classJMP | jmpJEQ | srcK, K: 0x11, Jt: 1, Jf: 0},
		{Code: classRET, K: 0},
		{Code: classRET, K: 0xffffffff},
	}
	mustValidate(t, prog)

	pkt := make([]byte, 20)
	pkt[9] = 0x11
	if got := Run(prog, pkt, uint32(len(pkt))); got != 0xffffffff {
		t.Fatalf("Run() = %#x, want accept", got)
	}
	pkt[9] = 0x06
	if got := Run(prog, pkt, uint32(len(pkt))); got != 0 {
		t.Fatalf("Run() = %#x, want reject", got)
	}
}

func TestRunOutOfBoundsAbsLoadRejects(t *testing.T) {
	prog := []Insn{
		{Code: classLD | sizeW | modeABS, K: 1000},
		{Code: classRET, K: 0xffffffff},
	}
	mustValidate(t, prog)
	if got := Run(prog, []byte{1, 2, 3}, 3); got != 0 {
		t.Fatalf("Run() = %#x, want 0 (out of bounds load halts the program)", got)
	}
}

func TestRunModAndXor(t *testing.T) {
	prog := []Insn{
		{Code: classLD | sizeW | modeIMM, K: 17},
		{Code: classALU | aluMOD | srcK, K: 5},
		{Code: classALU | aluXOR | srcK, K: 7},
		{Code: classJMP | jmpJEQ | srcK, K: 5, Jt: 1, Jf: 0},
		{Code: classRET, K: 0},
		{Code: classRET, K: 0xffffffff},
	}
	mustValidate(t, prog)
	if got := Run(prog, nil, 0); got != 0xffffffff {
		t.Fatalf("Run() = %#x, want accept (17 mod 5 == 2, 2 xor 7 == 5)", got)
	}
}

func TestValidateAcceptsEmptyProgram(t *testing.T) {
	if err := Validate(nil); err != nil {
		t.Fatalf("Validate(nil) = %v, want accept (empty program means accept-all)", err)
	}
}

func TestValidateRejectsUnrecognizedOpcode(t *testing.T) {
	prog := []Insn{
		{Code: 0xff},
	}
	if err := Validate(prog); err == nil {
		t.Fatal("Validate accepted an unrecognized opcode")
	}
}

func TestValidateRejectsMissingTrailingRet(t *testing.T) {
	prog := []Insn{
		{Code: classLD | sizeW | modeIMM, K: 1},
	}
	if err := Validate(prog); err == nil {
		t.Fatal("Validate accepted a program not ending in RET")
	}
}

func TestValidateRejectsConstantDivideByZero(t *testing.T) {
	prog := []Insn{
		{Code: classALU | aluDIV | srcK, K: 0},
		{Code: classRET, K: 0},
	}
	if err := Validate(prog); err == nil {
		t.Fatal("Validate accepted a constant divide-by-zero")
	}
}

func TestValidateRejectsOutOfRangeJump(t *testing.T) {
	prog := []Insn{
		{Code: classJMP | jmpJA, K: 100},
		{Code: classRET, K: 0},
	}
	if err := Validate(prog); err == nil {
		t.Fatal("Validate accepted a jump target past the end of the program")
	}
}

func TestValidateRejectsOutOfRangeMemIndex(t *testing.T) {
	prog := []Insn{
		{Code: classST, K: MemWords},
		{Code: classRET, K: 0},
	}
	if err := Validate(prog); err == nil {
		t.Fatal("Validate accepted an out-of-range scratch memory index")
	}
}

func TestValidateRejectsOversizeProgram(t *testing.T) {
	prog := make([]Insn, MaxProgramLen+1)
	for i := range prog {
		prog[i] = Insn{Code: classJMP | jmpJA, K: 0}
	}
	prog[len(prog)-1] = Insn{Code: classRET, K: 0}
	if err := Validate(prog); err == nil {
		t.Fatal("Validate accepted an oversize program")
	}
}

func TestRunDivideByZeroAtRuntimeHalts(t *testing.T) {
	// X is runtime-determined (loaded from the packet), so the validator
	// cannot reject this statically; Run must still fail closed.
	prog := []Insn{
		{Code: classLDX | sizeB | modeMSH, K: 0},
		{Code: classLD | sizeW | modeIMM, K: 10},
		{Code: classALU | aluDIV | srcX},
		{Code: classRET, K: 0xffffffff},
	}
	mustValidate(t, prog)
	if got := Run(prog, []byte{0x00}, 1); got != 0 {
		t.Fatalf("Run() = %#x, want 0 (runtime divide by zero halts)", got)
	}
}
