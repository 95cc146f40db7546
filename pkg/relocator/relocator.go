// Package relocator builds the stub that the bootROM jumps into once its
// stack has been smashed. The stub moves the payload, which the RCM frame had
// to split around the stack spray, into one contiguous image at
// rcm.PayloadBase and jumps to it.
//
// Since the stub itself starts out at rcm.PayloadBase, it first copies itself
// out of the way, into the IRAM above the highest address a maximum-size
// frame can reach.
package relocator

import (
	"sync"

	"github.com/nxboot/nxboot/pkg/rcm"
	"github.com/nxboot/nxboot/pkg/uasm"
)

const (
	// RelocatedAddress is where the stub moves itself to before touching
	// the payload. IRAM ends at 0x40040000.
	RelocatedAddress uint32 = 0x4003fe00
	// copySize is how much the stub copies of itself. Must be at least the
	// assembled stub size.
	copySize = 0x100
)

// copyLoop copies r2 bytes from [r1] to [r0], a word at a time.
func copyLoop(label string) []uasm.Statement {
	return []uasm.Statement{
		uasm.Label(label),
		uasm.Ldr{Dest: uasm.R3, Src: uasm.PostIndex(uasm.R1, 4)},
		uasm.Str{Src: uasm.R3, Dest: uasm.PostIndex(uasm.R0, 4)},
		uasm.Sub{S: true, Dest: uasm.R2, Src: uasm.R2, Compl: uasm.Immediate(4)},
		uasm.B{Cond: uasm.NE, Dest: uasm.LabelRef(label)},
	}
}

// Program returns the stub's listing. It is linked at RelocatedAddress, but
// everything up to the 'relocated' label is position independent.
func Program() *uasm.Program {
	var l []uasm.Statement

	// Running from PayloadBase: move ourselves up.
	l = append(l,
		uasm.Ldr{Dest: uasm.R0, Src: uasm.Constant(RelocatedAddress)},
		uasm.Ldr{Dest: uasm.R1, Src: uasm.Constant(rcm.PayloadBase)},
		uasm.Ldr{Dest: uasm.R2, Src: uasm.Constant(copySize)},
	)
	l = append(l, copyLoop("copy_self")...)
	l = append(l,
		uasm.Ldr{Dest: uasm.R0, Src: uasm.LabelRef("relocated")},
		uasm.Bx{Dest: uasm.R0},
	)

	// Running from RelocatedAddress: stitch the payload back together.
	l = append(l,
		uasm.Label("relocated"),
		uasm.Ldr{Dest: uasm.R0, Src: uasm.Constant(rcm.PayloadBase)},
		uasm.Ldr{Dest: uasm.R1, Src: uasm.Constant(rcm.PayloadStart)},
		uasm.Ldr{Dest: uasm.R2, Src: uasm.Constant(uint32(rcm.PayloadHeadSize))},
	)
	l = append(l, copyLoop("copy_head")...)
	// r0 now points right after the head.
	l = append(l,
		uasm.Ldr{Dest: uasm.R1, Src: uasm.Constant(rcm.SprayEnd)},
		uasm.Ldr{Dest: uasm.R2, Src: uasm.Constant(uint32(rcm.MaxPayloadSize - rcm.PayloadHeadSize))},
	)
	l = append(l, copyLoop("copy_tail")...)
	l = append(l,
		uasm.Ldr{Dest: uasm.R0, Src: uasm.Constant(rcm.PayloadBase)},
		uasm.Bx{Dest: uasm.R0},
	)

	return &uasm.Program{
		Address: RelocatedAddress,
		Listing: l,
	}
}

// Build assembles the stub.
func Build() []byte {
	return Program().Assemble()
}

var defaultStub = sync.OnceValue(Build)

// Default returns the assembled stub. The returned slice is shared and must
// not be modified.
func Default() []byte {
	return defaultStub()
}
