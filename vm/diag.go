package vm

import (
	"fmt"

	"corevm/diag"
)

// instructionBytes, when installed via SetInstructionSource, lets the
// walker's fatal panic paths fetch the bytes of the instruction that
// faulted at a given virtual address, so the panic message can name the
// offending instruction via diag.Describe rather than the bare address.
// The default supplies no bytes, matching a headless test harness that
// has no running instruction stream to sample.
var instructionBytes = func(addr uintptr) []byte { return nil }

// SetInstructionSource installs the function fault panics use to fetch
// the surrounding instruction bytes for addr, if the caller can supply
// them (e.g. from the trap frame that took the paging fault).
func SetInstructionSource(f func(addr uintptr) []byte) {
	instructionBytes = f
}

// faultPanic formats and raises a fatal paging panic for addr,
// appending a disassembly of the faulting instruction when the
// installed instruction source can supply its bytes.
func faultPanic(reason string, addr uintptr) {
	if code := instructionBytes(addr); code != nil {
		panic(fmt.Sprintf("vm: %s: %s", reason, diag.Describe(addr, code)))
	}
	panic(fmt.Sprintf("vm: %s: %#x", reason, addr))
}
