package arch

import "encoding/binary"

// TrampolineStub returns the literal machine code for the resolver
// trampoline qbdl installs at GOT[2] under lazy binding. It is never
// executed by qbdl itself (executing guest code is out of scope), but an
// integrator whose engine does run the guest can place these bytes
// verbatim and have PLT[0]-style control flow land back on GOT[1]/
// GOT[2], mirroring the standard SysV PLT[0] resolver stub.
//
// The encodings are the load-time mirror of the PLT[0] generators used
// elsewhere in this corpus for ELF *emission*; here they decode the same
// protocol rather than producing it.
func (d Descriptor) TrampolineStub() []byte {
	switch d.Kind {
	case X86_64:
		return x86_64TrampolineStub()
	case AArch64:
		return aarch64TrampolineStub()
	default:
		return nil
	}
}

// x86_64TrampolineStub encodes the classic PLT[0]:
//
//	pushq GOT[1]    ; ff 35 <rel32>
//	jmpq  *GOT[2]   ; ff 25 <rel32>
//	nop padding
//
// The rel32 operands are relative to the stub's own address and are
// patched in by the caller once the stub's final guest address is
// known (see loader/binding.go), so this only emits the opcode
// skeleton with zeroed displacements.
func x86_64TrampolineStub() []byte {
	buf := make([]byte, 16)
	buf[0], buf[1] = 0xff, 0x35
	buf[6], buf[7] = 0xff, 0x25
	buf[12], buf[13], buf[14], buf[15] = 0x0f, 0x1f, 0x40, 0x00
	return buf
}

// PatchX86_64TrampolineDisplacements fills in the two rel32 operands of
// the stub returned by x86_64TrampolineStub once its guest address
// (stubAddr), and the guest addresses of GOT[1] and GOT[2], are known.
func PatchX86_64TrampolineDisplacements(stub []byte, stubAddr, got1Addr, got2Addr uint64) {
	off1 := uint32(got1Addr - stubAddr - 6)
	off2 := uint32(got2Addr - stubAddr - 12)
	binary.LittleEndian.PutUint32(stub[2:6], off1)
	binary.LittleEndian.PutUint32(stub[8:12], off2)
}

// aarch64TrampolineStub encodes:
//
//	stp  x16, x30, [sp, #-16]!
//	adrp x16, GOT[2]
//	ldr  x17, [x16, #:lo12:GOT[2]]
//	br   x17
//
// As with the x86-64 stub, the adrp/ldr immediates depend on the final
// guest addresses and are patched by PatchAArch64TrampolineDisplacements.
func aarch64TrampolineStub() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], 0xa9bf7bf0) // stp x16, x30, [sp, #-16]!
	binary.LittleEndian.PutUint32(buf[4:8], 0x90000010)  // adrp x16, #0 (patched)
	binary.LittleEndian.PutUint32(buf[8:12], 0xf9400211) // ldr x17, [x16, #0] (patched)
	binary.LittleEndian.PutUint32(buf[12:16], 0xd61f0220) // br x17
	return buf
}

// PatchAArch64TrampolineDisplacements fills in the adrp page offset and
// ldr low-12 immediate once the stub's and GOT[2]'s final guest
// addresses are known.
func PatchAArch64TrampolineDisplacements(stub []byte, stubAddr, got2Addr uint64) {
	pageOff := (got2Addr >> 12) - (stubAddr >> 12)
	adrp := uint32(0x90000010) | (uint32(pageOff&0x3) << 29) | (uint32((pageOff>>2)&0x7ffff) << 5)
	binary.LittleEndian.PutUint32(stub[4:8], adrp)

	lo12 := got2Addr & 0xfff
	ldr := uint32(0xf9400211) | (uint32(lo12>>3) << 10)
	binary.LittleEndian.PutUint32(stub[8:12], ldr)
}
