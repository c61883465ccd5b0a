package simfw_test

import (
	"testing"

	"efilinux/internal/firmware"
	"efilinux/internal/simfw"
)

// Two Conventional ranges straddle a ceiling: AllocatePages(AllocateMaxAddress, ...)
// must pick the one below the ceiling, not the higher-addressed one above it.
func TestAllocateMaxAddressPicksHighestUnderCeiling(t *testing.T) {
	descs := []firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x100},
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x300000, NumberOfPages: 0x100},
	}
	fw := simfw.New(descs, 0, 0x400000, 0)

	const ceiling = 0x200000
	addr, err := fw.AllocatePages(firmware.AllocateMaxAddress, firmware.LoaderData, 1, ceiling)
	if err != nil {
		t.Fatalf("AllocatePages failed: %v", err)
	}
	if addr+firmware.PageSize > ceiling {
		t.Fatalf("addr %#x + size exceeds ceiling %#x", addr, ceiling)
	}
	if addr < 0x100000 || addr >= 0x200000 {
		t.Fatalf("addr %#x not placed in the under-ceiling range", addr)
	}
}

// Among several ranges under the ceiling, AllocateMaxAddress picks the
// highest-addressed one, placing the allocation at its topmost fitting byte.
func TestAllocateMaxAddressPrefersHigherRange(t *testing.T) {
	descs := []firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x100},
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x180000, NumberOfPages: 0x10},
	}
	fw := simfw.New(descs, 0, 0x200000, 0)

	addr, err := fw.AllocatePages(firmware.AllocateMaxAddress, firmware.LoaderData, 1, 0x200000)
	if err != nil {
		t.Fatalf("AllocatePages failed: %v", err)
	}
	want := uint64(0x180000) + 0x10*firmware.PageSize - firmware.PageSize
	if addr != want {
		t.Fatalf("got %#x, want %#x (top of the higher range)", addr, want)
	}
}

func TestAllocateMaxAddressOutOfResourcesBelowCeiling(t *testing.T) {
	descs := []firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x300000, NumberOfPages: 0x100},
	}
	fw := simfw.New(descs, 0, 0x400000, 0)

	if _, err := fw.AllocatePages(firmware.AllocateMaxAddress, firmware.LoaderData, 1, 0x200000); err == nil {
		t.Fatal("expected out-of-resources error, got nil")
	}
}
