package bootparams

import (
	"encoding/binary"

	"efilinux/alloc"
	"efilinux/efistatus"
	"efilinux/internal/firmware"
)

// GDTLimit is the fixed size of the GDT page (spec.md §4.9).
const GDTLimit = 0x800

const (
	gdtCodeEntry uint64 = 0x00CF9A000000FFFF
	gdtDataEntry uint64 = 0x00CF92000000FFFF
	gdtTSSEntry  uint64 = 0x0080890000000000
)

// DescriptorTable is {limit, base} where base points to a page-aligned
// array of 64-bit segment descriptors (spec.md §3).
type DescriptorTable struct {
	Limit uint16
	Base  uint64
}

// NewGDT allocates a page-aligned, zeroed GDT of limit 0x800 and populates
// the flat code/data/TSS entries at indices 2, 3 and 4 (spec.md §4.9).
func NewGDT(a *alloc.Allocator, bs firmware.BootServices) (DescriptorTable, error) {
	addr, err := a.EMalloc(GDTLimit, 8, alloc.NoCeiling)
	if err != nil {
		return DescriptorTable{}, efistatus.Wrap(efistatus.OutOfResources, "failed to allocate GDT", err)
	}

	buf := make([]byte, GDTLimit)
	binary.LittleEndian.PutUint64(buf[2*8:], gdtCodeEntry)
	binary.LittleEndian.PutUint64(buf[3*8:], gdtDataEntry)
	binary.LittleEndian.PutUint64(buf[4*8:], gdtTSSEntry)

	if err := bs.WritePhysical(addr, buf); err != nil {
		_ = a.EFree(addr, GDTLimit)
		return DescriptorTable{}, err
	}

	return DescriptorTable{Limit: GDTLimit, Base: addr}, nil
}

// Entry reads back the nth 64-bit descriptor, for tests and for lgdt.
func (gdt DescriptorTable) Entry(bs firmware.BootServices, i int) (uint64, error) {
	b, err := bs.ReadPhysical(gdt.Base+uint64(i)*8, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// NewIDT is {limit: 0, base: 0} — the kernel installs its own (spec.md §4.9).
func NewIDT() DescriptorTable {
	return DescriptorTable{}
}
