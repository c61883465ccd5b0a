package alloc_test

import (
	"testing"

	"efilinux/alloc"
	"efilinux/internal/firmware"
	"efilinux/internal/simfw"
)

// S1: one Conventional descriptor at [0x200000, 0x400000); emalloc(0x1000,
// 0x1000) returns 0x200000.
func TestEMallocPlacement(t *testing.T) {
	descs := []firmware.MemoryDescriptor{{
		Type: firmware.ConventionalMemory, PhysicalStart: 0x200000, NumberOfPages: 0x200,
	}}
	fw := simfw.New(descs, 0, 0x400000, 0)
	a := alloc.New(fw)

	addr, err := a.EMalloc(0x1000, 0x1000, alloc.NoCeiling)
	if err != nil {
		t.Fatalf("EMalloc failed: %v", err)
	}
	if addr != 0x200000 {
		t.Fatalf("got %#x, want %#x", addr, 0x200000)
	}
}

// S2: descriptor at [0x0, 0x200000); emalloc(0x1000, 0x1000) returns
// 0x100000 (low-memory clip).
func TestEMallocLowMemoryClip(t *testing.T) {
	descs := []firmware.MemoryDescriptor{{
		Type: firmware.ConventionalMemory, PhysicalStart: 0, NumberOfPages: 0x200,
	}}
	fw := simfw.New(descs, 0, 0x200000, 0)
	a := alloc.New(fw)

	addr, err := a.EMalloc(0x1000, 0x1000, alloc.NoCeiling)
	if err != nil {
		t.Fatalf("EMalloc failed: %v", err)
	}
	if addr != 0x100000 {
		t.Fatalf("got %#x, want %#x", addr, 0x100000)
	}
	if addr < 0x100000 {
		t.Fatalf("address %#x below 1 MiB", addr)
	}
}

func TestEMallocRespectsAlignAndCeiling(t *testing.T) {
	descs := []firmware.MemoryDescriptor{{
		Type: firmware.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x100,
	}}
	fw := simfw.New(descs, 0, 0x200000, 0)
	a := alloc.New(fw)

	addr, err := a.EMalloc(0x2000, 0x1000, 0x110000)
	if err != nil {
		t.Fatalf("EMalloc failed: %v", err)
	}
	if addr%0x1000 != 0 {
		t.Fatalf("address %#x not aligned", addr)
	}
	if addr+0x2000 > 0x110000 {
		t.Fatalf("address %#x + size exceeds ceiling", addr)
	}
}

func TestEMallocOutOfResources(t *testing.T) {
	descs := []firmware.MemoryDescriptor{{
		Type: firmware.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 1,
	}}
	fw := simfw.New(descs, 0, 0x200000, 0)
	a := alloc.New(fw)

	if _, err := a.EMalloc(0x100000, 0x1000, alloc.NoCeiling); err == nil {
		t.Fatal("expected out-of-resources error, got nil")
	}
}

func TestEFreeReturnsPagesToConventional(t *testing.T) {
	descs := []firmware.MemoryDescriptor{{
		Type: firmware.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x10,
	}}
	fw := simfw.New(descs, 0, 0x200000, 0)
	a := alloc.New(fw)

	addr, err := a.EMalloc(0x1000, 0x1000, alloc.NoCeiling)
	if err != nil {
		t.Fatalf("EMalloc failed: %v", err)
	}
	if err := a.EFree(addr, 0x1000); err != nil {
		t.Fatalf("EFree failed: %v", err)
	}

	for _, d := range fw.MemoryMap() {
		if d.Type != firmware.ConventionalMemory {
			t.Fatalf("descriptor %+v was not reclaimed as conventional", d)
		}
	}
}

// EMallocMaxAddress places the allocation at the highest fitting address
// under the ceiling, not at the first fitting Conventional range in
// ascending order the way EMalloc does.
func TestEMallocMaxAddressPlacement(t *testing.T) {
	descs := []firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x200000, NumberOfPages: 0x100},
	}
	fw := simfw.New(descs, 0, 0x400000, 0)
	a := alloc.New(fw)

	const ceiling = 0x300000
	addr, err := a.EMallocMaxAddress(0x1000, ceiling)
	if err != nil {
		t.Fatalf("EMallocMaxAddress failed: %v", err)
	}
	if addr+0x1000 > ceiling {
		t.Fatalf("addr %#x + size exceeds ceiling %#x", addr, ceiling)
	}
	want := uint64(0x300000 - 0x1000)
	if addr != want {
		t.Fatalf("got %#x, want %#x (top of the fitting range)", addr, want)
	}
}

func TestEMallocMaxAddressOutOfResources(t *testing.T) {
	descs := []firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x300000, NumberOfPages: 0x100},
	}
	fw := simfw.New(descs, 0, 0x400000, 0)
	a := alloc.New(fw)

	if _, err := a.EMallocMaxAddress(0x1000, 0x200000); err == nil {
		t.Fatal("expected out-of-resources error, got nil")
	}
}

func TestEMallocRejectsZeroArguments(t *testing.T) {
	fw := simfw.NewFlat(0x200000, 0)
	a := alloc.New(fw)

	if _, err := a.EMalloc(0, 0x1000, alloc.NoCeiling); err == nil {
		t.Fatal("expected error for size=0")
	}
	if _, err := a.EMalloc(0x1000, 0, alloc.NoCeiling); err == nil {
		t.Fatal("expected error for align=0")
	}
}
