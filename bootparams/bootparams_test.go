package bootparams_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"efilinux/alloc"
	"efilinux/bootparams"
	"efilinux/internal/firmware"
	"efilinux/internal/simfw"
)

func TestE820FromMemoryMapCoalescesAdjacentSameType(t *testing.T) {
	descs := []firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0, NumberOfPages: 1},
		{Type: firmware.ConventionalMemory, PhysicalStart: firmware.PageSize, NumberOfPages: 1},
		{Type: firmware.ACPIReclaimMemory, PhysicalStart: 2 * firmware.PageSize, NumberOfPages: 1},
		{Type: firmware.ConventionalMemory, PhysicalStart: 3 * firmware.PageSize, NumberOfPages: 1},
	}

	got := bootparams.E820FromMemoryMap(descs)
	want := []bootparams.E820Entry{
		{Addr: 0, Size: 2 * firmware.PageSize, Type: bootparams.E820RAM},
		{Addr: 2 * firmware.PageSize, Size: firmware.PageSize, Type: bootparams.E820ACPI},
		{Addr: 3 * firmware.PageSize, Size: firmware.PageSize, Type: bootparams.E820RAM},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("E820FromMemoryMap mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i+1 < len(got); i++ {
		if got[i].Type == got[i+1].Type && got[i].Addr+got[i].Size == got[i+1].Addr {
			t.Fatalf("entries %d and %d should have coalesced: %+v, %+v", i, i+1, got[i], got[i+1])
		}
	}
}

func TestE820FromMemoryMapSkipsUnmappedTypes(t *testing.T) {
	descs := []firmware.MemoryDescriptor{
		{Type: firmware.MemoryType(99), PhysicalStart: 0, NumberOfPages: 1},
	}
	if got := bootparams.E820FromMemoryMap(descs); len(got) != 0 {
		t.Fatalf("expected no entries for unmapped type, got %+v", got)
	}
}

func TestNewGDTContents(t *testing.T) {
	fw := simfw.NewFlat(0x400000, 0)
	a := alloc.New(fw)

	gdt, err := bootparams.NewGDT(a, fw)
	if err != nil {
		t.Fatalf("NewGDT failed: %v", err)
	}
	if gdt.Limit != bootparams.GDTLimit {
		t.Fatalf("limit = %#x, want %#x", gdt.Limit, bootparams.GDTLimit)
	}

	cases := []struct {
		index int
		want  uint64
	}{
		{2, 0x00CF9A000000FFFF},
		{3, 0x00CF92000000FFFF},
		{4, 0x0080890000000000},
	}
	for _, c := range cases {
		got, err := gdt.Entry(fw, c.index)
		if err != nil {
			t.Fatalf("Entry(%d) failed: %v", c.index, err)
		}
		if got != c.want {
			t.Fatalf("entry[%d] = %#x, want %#x", c.index, got, c.want)
		}
	}
	if got, _ := gdt.Entry(fw, 0); got != 0 {
		t.Fatalf("entry[0] = %#x, want 0", got)
	}
}

func TestNewIDTIsZero(t *testing.T) {
	idt := bootparams.NewIDT()
	if idt != (bootparams.DescriptorTable{}) {
		t.Fatalf("NewIDT() = %+v, want zero value", idt)
	}
}
