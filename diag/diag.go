// Package diag decodes the instruction bytes surrounding a fatal paging
// fault so panic messages can name the offending instruction, not just
// its address.
//
// spec.md §7 requires panicking "with the failing address and operation"
// on every invariant violation; golang.org/x/arch was already present,
// unused, in the teacher's go.mod (Oichkatzelesfrettschen-biscuit),
// presumably kept for exactly this kind of diagnostic. diag is the first
// thing in the module to actually wire it in.
package diag

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Describe decodes the instruction at the start of code (64-bit mode)
// and formats it alongside addr for inclusion in a panic message. If
// code cannot be decoded as a valid instruction, it falls back to a
// raw hex dump rather than failing the diagnostic path itself.
func Describe(addr uintptr, code []byte) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Op == 0 {
		return fmt.Sprintf("%#x: <undecodable: % x>", addr, code)
	}
	return fmt.Sprintf("%#x: %s", addr, x86asm.GNUSyntax(inst, uint64(addr), nil))
}
