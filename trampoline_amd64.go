//go:build !windows

package kshim

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/openkern/kshim/internal/memprot"
)

// PatchSize is the length of the installed patch: MOV RAX, imm64 followed by
// JMP RAX. The encoding is fixed at compile time; the backup buffer, the
// trampoline buffer and every byte copy all move exactly this much.
const PatchSize = 12

// encodeJump writes the absolute-jump patch for target into buf. RAX is
// clobbered, which is fine at a function entry under the SysV ABI.
func encodeJump(buf *[PatchSize]byte, target uintptr) {
	buf[0] = 0x48
	buf[1] = 0xb8 // MOV RAX, imm64
	binary.LittleEndian.PutUint64(buf[2:10], uint64(target))
	buf[10] = 0xff
	buf[11] = 0xe0 // JMP RAX
}

// decodeJumpTarget returns the target encoded by encodeJump, if buf holds
// that exact instruction pair.
func decodeJumpTarget(buf []byte) (uintptr, bool) {
	if len(buf) < PatchSize {
		return 0, false
	}
	if buf[0] != 0x48 || buf[1] != 0xb8 || buf[10] != 0xff || buf[11] != 0xe0 {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(buf[2:10])), true
}

// analyzeSite decodes the instructions covering the patch window and logs
// any that are RIP-relative or relative branches. Overwriting those corrupts
// them, and a backward jump from later in the function into the window would
// misexecute; the engine performs a fixed-length patch only and does not
// relocate, so this is diagnostic, not a veto.
func analyzeSite(addr uintptr) {
	src := memprot.Slice(addr, PatchSize+16)
	for n := 0; n < PatchSize; {
		inst, err := x86asm.Decode(src[n:], 64)
		if err != nil {
			log.Debug().Uint64("addr", uint64(addr)).Int("offset", n).
				Msg("undecodable instruction in patch window")
			return
		}
		for _, a := range inst.Args {
			if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
				log.Debug().Uint64("addr", uint64(addr)).Int("offset", n).
					Str("inst", inst.String()).Msg("RIP-relative instruction in patch window")
			} else if _, ok := a.(x86asm.Rel); ok {
				log.Debug().Uint64("addr", uint64(addr)).Int("offset", n).
					Str("inst", inst.String()).Msg("relative branch in patch window")
			}
		}
		n += inst.Len
	}
}
