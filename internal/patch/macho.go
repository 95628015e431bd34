package patch

import "encoding/binary"

// gotAddressFromARM64Stub decodes a shared-cache PLT stub's first two
// instructions, `adrp x17, #page; add x17, x17, #off`, and returns
// the GOT entry address they compute, or 0 if the bytes at vaddr
// don't match that shape. A direct port of lazy_pointer_from_stub's
// ARM64 branch; the bit layout constants come straight from the ARM
// reference manual's ADRP/ADD immediate encodings.
func gotAddressFromARM64Stub(code []byte, vaddr uint64) uint64 {
	if len(code) < 8 {
		return 0
	}
	adrp := binary.LittleEndian.Uint32(code[0:4])
	add := binary.LittleEndian.Uint32(code[4:8])

	const adrpMask = 0x9F000000
	const adrpInstruction = 0x90000000
	if adrp&adrpMask != adrpInstruction {
		return 0
	}

	const addMask = 0xDFC00000
	const addInstruction = 0x91000000
	if add&addMask != addInstruction {
		return 0
	}

	const adrpArgLoMask = 0x60000000
	const adrpArgHiMask = 0x00FFFFE0
	const adrpLowestLoBit = 29
	const adrpLowestHiBit = 5
	const adrpNumLoBits = 2

	adrpArg := int32((adrp&adrpArgLoMask)>>adrpLowestLoBit) | int32((adrp&adrpArgHiMask)>>(adrpLowestHiBit-adrpNumLoBits))

	const adrpArgHighestBitMask = 0x00800000
	if adrp&adrpArgHighestBitMask != 0 {
		adrpArg |= ^int32(0) << 21 // sign-extend the 21-bit immediate
	}

	const addArgMask = 0x003ffc00
	const addArgLowestBit = 10
	addArg := uint64((add & addArgMask) >> addArgLowestBit)

	page := (vaddr >> 12)
	page = uint64(int64(page) + int64(adrpArg))
	return (page << 12) + addArg
}

// gotAddressFromX86Stub decodes the `jmpq *offset(%rip)` PLT stub
// x86_64 uses and returns the GOT entry it targets, a direct port of
// lazy_pointer_from_stub's x86_64 branch.
func gotAddressFromX86Stub(code []byte, vaddr uint64) uint64 {
	if len(code) < 6 {
		return 0
	}
	const jmpInstruction = 0x25ff
	instruction := binary.LittleEndian.Uint16(code[0:2])
	if instruction != jmpInstruction {
		return 0
	}
	offset := int32(binary.LittleEndian.Uint32(code[2:6]))
	rip := vaddr + 2 + 4
	return uint64(int64(rip) + int64(offset))
}

// GOTAddressFromStub dispatches to the architecture-appropriate PLT
// stub decoder. arm64 selects the adrp/add pattern, amd64 selects the
// rip-relative jmp pattern; any other value returns 0, matching the
// original's "unknown arch" fallback.
func GOTAddressFromStub(goarch string, code []byte, vaddr uint64) uint64 {
	switch goarch {
	case "arm64":
		return gotAddressFromARM64Stub(code, vaddr)
	case "amd64":
		return gotAddressFromX86Stub(code, vaddr)
	default:
		return 0
	}
}
