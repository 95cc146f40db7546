package uasm

// instruction is an embeddable struct for any 4-byte ARM instruction.
type instruction struct{}

func (instruction) size() uint32 {
	return 4
}

const (
	memBase  = 0b01 << 26
	bitLoad  = 1 << 20
	bitByte  = 1 << 22
	bitFlags = 1 << 20
)

type Ldr struct {
	instruction
	Cond Condition
	Dest Register
	Src  LoadSource
}

func (l Ldr) emit(a *assembler) []byte {
	return word(memBase | bitLoad | l.Src.encodeAddress(a) | uint32(l.Dest)<<12).bytes(l.Cond)
}

type Ldrb struct {
	instruction
	Cond Condition
	Dest Register
	Src  LoadSource
}

func (l Ldrb) emit(a *assembler) []byte {
	return word(memBase | bitLoad | bitByte | l.Src.encodeAddress(a) | uint32(l.Dest)<<12).bytes(l.Cond)
}

type Str struct {
	instruction
	Cond Condition
	Src  Register
	Dest StoreDest
}

func (s Str) emit(a *assembler) []byte {
	return word(memBase | s.Dest.encodeAddress(a) | uint32(s.Src)<<12).bytes(s.Cond)
}

type Strb struct {
	instruction
	Cond Condition
	Src  Register
	Dest StoreDest
}

func (s Strb) emit(a *assembler) []byte {
	return word(memBase | bitByte | s.Dest.encodeAddress(a) | uint32(s.Src)<<12).bytes(s.Cond)
}

type opcode uint32

const (
	opAnd opcode = 0b0000
	opSub opcode = 0b0010
	opAdd opcode = 0b0100
	opCmp opcode = 0b1010
	opOrr opcode = 0b1100
	opMov opcode = 0b1101
)

func dataProcessing(op opcode, setFlags bool, rn, rd Register, src DataSource) word {
	res := uint32(op)<<21 | uint32(rn)<<16 | uint32(rd)<<12 | src.encodeOperand()
	if setFlags {
		res |= bitFlags
	}
	return word(res)
}

type Mov struct {
	instruction
	Cond Condition
	Dest Register
	Src  DataSource
}

func (m Mov) emit(a *assembler) []byte {
	return dataProcessing(opMov, false, 0, m.Dest, m.Src).bytes(m.Cond)
}

// Add computes Dest = Src + Compl, updating flags if S is set.
type Add struct {
	instruction
	Cond  Condition
	S     bool
	Dest  Register
	Src   Register
	Compl DataSource
}

func (i Add) emit(a *assembler) []byte {
	return dataProcessing(opAdd, i.S, i.Src, i.Dest, i.Compl).bytes(i.Cond)
}

// Sub computes Dest = Src - Compl, updating flags if S is set.
type Sub struct {
	instruction
	Cond  Condition
	S     bool
	Dest  Register
	Src   Register
	Compl DataSource
}

func (i Sub) emit(a *assembler) []byte {
	return dataProcessing(opSub, i.S, i.Src, i.Dest, i.Compl).bytes(i.Cond)
}

type And struct {
	instruction
	Cond  Condition
	Dest  Register
	Src   Register
	Compl DataSource
}

func (i And) emit(a *assembler) []byte {
	return dataProcessing(opAnd, false, i.Src, i.Dest, i.Compl).bytes(i.Cond)
}

type Or struct {
	instruction
	Cond  Condition
	Dest  Register
	Src   Register
	Compl DataSource
}

func (i Or) emit(a *assembler) []byte {
	return dataProcessing(opOrr, false, i.Src, i.Dest, i.Compl).bytes(i.Cond)
}

type Cmp struct {
	instruction
	Cond Condition
	A    Register
	B    DataSource
}

func (c Cmp) emit(a *assembler) []byte {
	return dataProcessing(opCmp, true, c.A, 0, c.B).bytes(c.Cond)
}

func branchOffset(a *assembler, target uint32) uint32 {
	offset := (int64(target) - int64(a.pc+8)) / 4
	if offset >= (1<<23) || offset < -(1<<23) {
		panic("target too far away")
	}
	return uint32(offset) & (1<<24 - 1)
}

type B struct {
	instruction
	Cond Condition
	Dest BranchTarget
}

func (b B) emit(a *assembler) []byte {
	return word(0b1010<<24 | branchOffset(a, b.Dest.resolve(a))).bytes(b.Cond)
}

type Bl struct {
	instruction
	Cond Condition
	Dest BranchTarget
}

func (b Bl) emit(a *assembler) []byte {
	return word(0b1011<<24 | branchOffset(a, b.Dest.resolve(a))).bytes(b.Cond)
}

type Bx struct {
	instruction
	Cond Condition
	Dest Register
}

func (b Bx) emit(a *assembler) []byte {
	return word(0x012fff10 | uint32(b.Dest)).bytes(b.Cond)
}

type Blx struct {
	instruction
	Cond Condition
	Dest Register
}

func (b Blx) emit(a *assembler) []byte {
	return word(0x012fff30 | uint32(b.Dest)).bytes(b.Cond)
}
