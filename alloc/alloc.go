// Package alloc implements the staging allocator (spec.md §4.2): placing
// firmware page allocations at physical addresses that satisfy an
// alignment and an optional ceiling, by scanning the current memory map for
// Conventional ranges. This is the emalloc/efree pair the rest of the
// loader builds on.
package alloc

import (
	"fmt"

	"efilinux/efistatus"
	"efilinux/internal/firmware"
	"efilinux/memmap"
)

// NoCeiling means "no address ceiling" (emalloc's default ceiling=∞).
const NoCeiling = ^uint64(0)

// oneMiB is the low-memory clip: never return an address below this, since
// legacy real-mode structures may still live there.
const oneMiB = 0x100000

// Allocator places allocations at constrained physical addresses.
type Allocator struct {
	bs firmware.BootServices
}

func New(bs firmware.BootServices) *Allocator {
	return &Allocator{bs: bs}
}

func pagesFor(size uint64) uint64 {
	return (size + firmware.PageSize - 1) / firmware.PageSize
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// EMalloc implements spec.md §4.2's algorithm: acquire a fresh memory map,
// scan Conventional descriptors for a sub-range satisfying align/ceiling
// after clipping below 1 MiB, and attempt AllocateAddress there.
func (a *Allocator) EMalloc(size, align, ceiling uint64) (uint64, error) {
	if align == 0 {
		return 0, efistatus.New(efistatus.InvalidParameter, "alignment must be >= 1")
	}
	if size == 0 {
		return 0, efistatus.New(efistatus.InvalidParameter, "size must be > 0")
	}

	m, err := memmap.Acquire(a.bs)
	if err != nil {
		return 0, err
	}

	pages := pagesFor(size)
	for _, d := range m.Descriptors {
		if d.Type != firmware.ConventionalMemory {
			continue
		}
		if d.NumberOfPages < pages {
			continue
		}

		start := d.PhysicalStart
		end := d.End()

		// Clip below 1 MiB: low memory is precious for legacy uses.
		if end <= oneMiB {
			continue
		}
		if start < oneMiB {
			start = oneMiB
		}

		aligned := alignUp(start, align)
		if aligned+size > end {
			continue
		}
		if ceiling != NoCeiling && aligned+size > ceiling {
			continue
		}

		addr, err := a.bs.AllocatePages(firmware.AllocateAddress, firmware.LoaderData, pages, aligned)
		if err != nil {
			continue
		}
		return addr, nil
	}

	return 0, efistatus.New(efistatus.OutOfResources, fmt.Sprintf("no conventional range fits size=%#x align=%#x ceiling=%#x", size, align, ceiling))
}

// EMallocMaxAddress implements the AllocateMaxAddress placement strategy:
// unlike EMalloc (which pins AllocateAddress at the first fitting
// Conventional range in ascending order), this hands size/ceiling straight
// to AllocatePages(AllocateMaxAddress, ...) and lets firmware pick the
// highest-fitting address at or below ceiling itself. No memory-map scan
// here — the firmware call does that internally.
func (a *Allocator) EMallocMaxAddress(size, ceiling uint64) (uint64, error) {
	if size == 0 {
		return 0, efistatus.New(efistatus.InvalidParameter, "size must be > 0")
	}
	addr, err := a.bs.AllocatePages(firmware.AllocateMaxAddress, firmware.LoaderData, pagesFor(size), ceiling)
	if err != nil {
		return 0, efistatus.Wrap(efistatus.OutOfResources, fmt.Sprintf("no conventional range under ceiling=%#x", ceiling), err)
	}
	return addr, nil
}

// EFree releases pages returned by EMalloc. The caller must remember size;
// there is no per-allocation header.
func (a *Allocator) EFree(addr, size uint64) error {
	return a.bs.FreePages(addr, pagesFor(size))
}
