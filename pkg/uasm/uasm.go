// package uasm implements a boneless pseudo assembler and linker for 32-bit
// ARM (A32). It's used to generate the relocator stub without relying on a
// third-party assembler at build time, or shipping precompiled blobs.
package uasm

import (
	"encoding/binary"
	"fmt"
)

// Program is a snippet of ARM code linked to run at a given address. Code that
// only uses PC-relative loads and branches can run from anywhere, which the
// relocator relies on.
type Program struct {
	Address uint32
	Listing []Statement
}

// Assemble emits the program followed by its constant pool. It panics on
// malformed listings, as those are programming errors.
func (p *Program) Assemble() []byte {
	a := &assembler{
		labels: make(map[string]uint32),
		pool:   make(map[uint32]uint32),
	}

	// First pass: lay out statements, record labels.
	addr := p.Address
	for _, s := range p.Listing {
		if l, ok := s.(Label); ok {
			if _, dup := a.labels[string(l)]; dup {
				panic(fmt.Sprintf("duplicate label %q", string(l)))
			}
			a.labels[string(l)] = addr
		}
		addr += s.size()
	}
	a.poolStart = addr
	a.poolNext = addr

	// Second pass: encode.
	var res []byte
	a.pc = p.Address
	for _, s := range p.Listing {
		res = append(res, s.emit(a)...)
		a.pc += s.size()
	}
	for _, c := range a.poolList {
		res = binary.LittleEndian.AppendUint32(res, c)
	}
	return res
}

// Statement is a listing line, eg. instruction or label.
type Statement interface {
	// size of the statement in bytes.
	size() uint32
	// emit returns the encoded statement.
	emit(a *assembler) []byte
}

type assembler struct {
	// pc is the address of the statement being emitted.
	pc     uint32
	labels map[string]uint32

	poolStart uint32
	poolNext  uint32
	pool      map[uint32]uint32
	poolList  []uint32
}

// constant returns the address of val in the constant pool, allocating it if
// needed.
func (a *assembler) constant(val uint32) uint32 {
	if addr, ok := a.pool[val]; ok {
		return addr
	}
	addr := a.poolNext
	a.poolNext += 4
	a.pool[val] = addr
	a.poolList = append(a.poolList, val)
	return addr
}

func (a *assembler) label(name string) uint32 {
	addr, ok := a.labels[name]
	if !ok {
		panic(fmt.Sprintf("unknown label %q", name))
	}
	return addr
}

type Register uint32

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	SP Register = 13
	LR Register = 14
	PC Register = 15
)

// Condition is an instruction's condition code. The zero value is 'always'.
type Condition string

const (
	AL Condition = ""
	EQ Condition = "EQ"
	NE Condition = "NE"
	HS Condition = "HS"
	LO Condition = "LO"
)

func (c Condition) encode() uint32 {
	switch c {
	case AL:
		return 0b1110
	case EQ:
		return 0b0000
	case NE:
		return 0b0001
	case HS:
		return 0b0010
	case LO:
		return 0b0011
	}
	panic(fmt.Sprintf("invalid condition %q", string(c)))
}

// word is an encoded instruction, sans condition.
type word uint32

func (w word) bytes(c Condition) []byte {
	return binary.LittleEndian.AppendUint32(nil, c.encode()<<28|uint32(w))
}

// Label marks the address of the next statement.
type Label string

func (l Label) size() uint32 {
	return 0
}

func (l Label) emit(a *assembler) []byte {
	return nil
}

// Embed inserts raw bytes. Keep it word-sized if instructions follow.
type Embed []byte

func (e Embed) size() uint32 {
	return uint32(len(e))
}

func (e Embed) emit(a *assembler) []byte {
	return []byte(e)
}
