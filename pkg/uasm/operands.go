package uasm

import (
	"fmt"
	"math/bits"
)

// LoadSource is an operand which can be a source of data to a memory
// operation.
type LoadSource interface {
	encodeAddress(a *assembler) uint32
}

// StoreDest is an operand which can be a destination for a memory operation.
type StoreDest interface {
	encodeAddress(a *assembler) uint32
}

// DataSource is an operand which can be a source of data to a non-memory
// operation (shifter operand).
type DataSource interface {
	encodeOperand() uint32
}

// BranchTarget is an operand that can be interpreted as a program address.
type BranchTarget interface {
	resolve(a *assembler) uint32
}

const (
	bitP = 1 << 24
	bitU = 1 << 23
)

// MemoryDeref addresses memory at a register plus an unsigned offset. When
// Post is set, the access is done at the register and the register is then
// incremented by the offset.
type MemoryDeref struct {
	Reg    Register
	Offset uint16
	Post   bool
}

func (m MemoryDeref) encodeAddress(a *assembler) uint32 {
	if m.Offset >= (1 << 12) {
		panic("offset too large")
	}
	res := uint32(m.Offset) | uint32(m.Reg)<<16 | bitU
	if !m.Post {
		res |= bitP
	}
	return res
}

// Deref is [reg, #offset].
func Deref(r Register, offset uint16) MemoryDeref {
	return MemoryDeref{Reg: r, Offset: offset}
}

// PostIndex is [reg], #offset.
func PostIndex(r Register, offset uint16) MemoryDeref {
	return MemoryDeref{Reg: r, Offset: offset, Post: true}
}

// pcRelative addresses a pool entry from the current instruction.
func pcRelative(a *assembler, addr uint32) MemoryDeref {
	pc := a.pc + 8
	if addr < pc {
		panic("constant pool behind instruction")
	}
	off := addr - pc
	if off >= (1 << 12) {
		panic("constant too far away")
	}
	return Deref(PC, uint16(off))
}

// Constant is a 32-bit number that will end up in a constant pool.
type Constant uint32

func (t Constant) encodeAddress(a *assembler) uint32 {
	return pcRelative(a, a.constant(uint32(t))).encodeAddress(a)
}

// LabelRef refers to a label. As a load source it loads the label's absolute
// address from the constant pool.
type LabelRef string

func (r LabelRef) resolve(a *assembler) uint32 {
	return a.label(string(r))
}

func (r LabelRef) encodeAddress(a *assembler) uint32 {
	return pcRelative(a, a.constant(r.resolve(a))).encodeAddress(a)
}

// Address is an absolute branch target.
type Address uint32

func (t Address) resolve(a *assembler) uint32 {
	return uint32(t)
}

// Immediate is a data source (for operations like mov, add, etc). It must be
// representable as an 8-bit value rotated right by an even amount.
type Immediate uint32

func (i Immediate) encodeOperand() uint32 {
	v := uint32(i)
	for rot := 0; rot < 16; rot++ {
		if m := bits.RotateLeft32(v, rot*2); m < 256 {
			return 1<<25 | uint32(rot)<<8 | m
		}
	}
	panic(fmt.Sprintf("unencodable immediate 0x%x", v))
}

func (r Register) encodeOperand() uint32 {
	return uint32(r)
}
