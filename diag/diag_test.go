package diag

import (
	"strings"
	"testing"
)

func TestDescribeDecodesValidInstruction(t *testing.T) {
	// 0xC3 is `ret`, a single-byte instruction valid in 64-bit mode.
	got := Describe(0x1000, []byte{0xC3})
	if !strings.Contains(got, "0x1000") {
		t.Fatalf("Describe output %q missing address", got)
	}
	if !strings.Contains(got, "ret") {
		t.Fatalf("Describe output %q did not decode RET", got)
	}
}

func TestDescribeFallsBackOnUndecodable(t *testing.T) {
	got := Describe(0x2000, []byte{0x0f, 0xff})
	if !strings.Contains(got, "undecodable") {
		t.Fatalf("Describe output %q expected undecodable fallback", got)
	}
}
