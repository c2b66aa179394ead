package hw

import "testing"

func TestPCIDAllocatorReusesFreedSlots(t *testing.T) {
	a := NewPCIDAllocator()

	first := a.Allocate()
	a.Free(first)
	second := a.Allocate()
	if second != first {
		t.Fatalf("expected reuse of freed pcid %d, got %d", first, second)
	}
}

func TestPCIDAllocatorExhaustion(t *testing.T) {
	a := NewPCIDAllocator()
	for i := 0; i < MaxPCIDCount; i++ {
		a.Allocate()
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when all PCID slots are in use")
		}
	}()
	a.Allocate()
}

func TestPCIDAllocatorFreeUnallocatedPanics(t *testing.T) {
	a := NewPCIDAllocator()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing an unallocated pcid")
		}
	}()
	a.Free(3)
}

func TestIntrinsicDefaultsCountCalls(t *testing.T) {
	before := InvlpgCalls.Load()
	Invlpg(0x1000)
	if InvlpgCalls.Load() != before+1 {
		t.Fatal("Invlpg default did not record a call")
	}
}
