// Package simfw is an in-process emulator of the firmware.BootServices and
// firmware.RuntimeServices surface: a synthetic memory map backed by a byte
// arena standing in for physical memory, and a protocol-handle table
// standing in for LocateHandlesByProtocol/HandleProtocol. It exists so the
// loader's components can be exercised without real UEFI firmware, per
// spec.md §8's "firmware emulator exposing a crafted memory map and
// in-memory files".
package simfw

import (
	"fmt"
	"sort"

	"github.com/linuxboot/fiano/pkg/guid"

	"efilinux/efistatus"
	"efilinux/internal/firmware"
)

const descSize = 40 // Type(4) + pad(4) + PhysicalStart(8) + VirtualStart(8) + NumberOfPages(8) + Attribute(8)

type handleEntry struct {
	handle firmware.Handle
	proto  guid.GUID
	obj    any
}

// Firmware is a self-contained emulator: construct one with New, register
// protocol handles with AddVolume/AddGraphicsOutput, then pass the returned
// *Firmware wherever firmware.BootServices/firmware.RuntimeServices is wanted.
type Firmware struct {
	arenaBase uint64
	arena     []byte

	descs  []firmware.MemoryDescriptor
	mapKey uint64

	handles    []handleEntry
	nextHandle firmware.Handle

	image      firmware.Handle
	systabAddr uint64

	exited            bool
	failExitRemaining int
}

// New builds an emulator whose physical address space is [arenaBase,
// arenaBase+arenaSize) and whose initial memory map is descs (copied, and
// sorted by PhysicalStart so the allocator's scan order is deterministic).
func New(descs []firmware.MemoryDescriptor, arenaBase, arenaSize, systabAddr uint64) *Firmware {
	cp := append([]firmware.MemoryDescriptor(nil), descs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].PhysicalStart < cp[j].PhysicalStart })

	fw := &Firmware{
		arenaBase:  arenaBase,
		arena:      make([]byte, arenaSize),
		descs:      cp,
		mapKey:     1,
		nextHandle: 1,
		systabAddr: systabAddr,
	}
	fw.image = fw.newHandle()
	return fw
}

// NewFlat builds an emulator whose entire [0, arenaSize) address space is
// one Conventional descriptor, the common case for hosted dry runs and for
// tests that only care about allocator behavior above the 1 MiB clip.
func NewFlat(arenaSize, systabAddr uint64) *Firmware {
	descs := []firmware.MemoryDescriptor{{
		Type:          firmware.ConventionalMemory,
		PhysicalStart: 0,
		NumberOfPages: arenaSize / firmware.PageSize,
	}}
	return New(descs, 0, arenaSize, systabAddr)
}

// Image is the handle the emulator reports for the running image itself,
// passed to ExitBootServices and to JumpHandover.
func (fw *Firmware) Image() firmware.Handle { return fw.image }

// FailExitBootServicesOnce arranges for the next N calls to ExitBootServices
// to report a stale map key, exercising spec.md §4.10's retry path
// (Testable Properties, "exit_boot_services failure re-acquires the map").
func (fw *Firmware) FailExitBootServicesOnce(n int) { fw.failExitRemaining = n }

// MemoryMap is a read-only snapshot for test assertions.
func (fw *Firmware) MemoryMap() []firmware.MemoryDescriptor {
	return append([]firmware.MemoryDescriptor(nil), fw.descs...)
}

// Exited reports whether ExitBootServices has succeeded.
func (fw *Firmware) Exited() bool { return fw.exited }

func (fw *Firmware) newHandle() firmware.Handle {
	h := fw.nextHandle
	fw.nextHandle++
	return h
}

// AddVolume registers vol under a fresh handle as answering the simple
// file-system protocol.
func (fw *Firmware) AddVolume(vol firmware.Volume) firmware.Handle {
	h := fw.newHandle()
	fw.handles = append(fw.handles, handleEntry{handle: h, proto: firmware.SimpleFileSystemProtocol, obj: vol})
	return h
}

// AddGraphicsOutput registers gop under a fresh handle as answering the
// graphics-output protocol.
func (fw *Firmware) AddGraphicsOutput(gop firmware.GraphicsOutput) firmware.Handle {
	h := fw.newHandle()
	fw.handles = append(fw.handles, handleEntry{handle: h, proto: firmware.GraphicsOutputProtocol, obj: gop})
	return h
}

// SystemTableAddress implements firmware.RuntimeServices.
func (fw *Firmware) SystemTableAddress() uint64 { return fw.systabAddr }

// RequiredMemoryMapSize implements firmware.BootServices: the descriptor
// capacity the next GetMemoryMap call needs.
func (fw *Firmware) RequiredMemoryMapSize() int { return len(fw.descs) }

// GetMemoryMap implements firmware.BootServices.
func (fw *Firmware) GetMemoryMap(buf []firmware.MemoryDescriptor) ([]firmware.MemoryDescriptor, uint64, uint64, uint32, error) {
	if len(buf) < len(fw.descs) {
		return nil, 0, 0, 0, fmt.Errorf("memory map needs %d descriptors: %w", len(fw.descs), firmware.ErrBufferTooSmall)
	}
	n := copy(buf, fw.descs)
	return buf[:n], fw.mapKey, descSize, 1, nil
}

func (fw *Firmware) bumpMapKey() { fw.mapKey++ }

// findDescriptor returns the index of the descriptor covering [start,end).
func (fw *Firmware) findDescriptor(start, end uint64) int {
	for i, d := range fw.descs {
		if d.PhysicalStart <= start && end <= d.End() {
			return i
		}
	}
	return -1
}

// splitOut carves [start,end) out of descs[i] (which must fully contain it)
// into its own descriptor of type newType, replacing descs[i] with up to
// three descriptors: the unclaimed head, the claimed middle, the unclaimed
// tail. Returns the index of the claimed descriptor.
func (fw *Firmware) splitOut(i int, start, end uint64, newType firmware.MemoryType) int {
	d := fw.descs[i]
	var out []firmware.MemoryDescriptor
	if d.PhysicalStart < start {
		out = append(out, firmware.MemoryDescriptor{
			Type: d.Type, PhysicalStart: d.PhysicalStart, VirtualStart: d.VirtualStart,
			NumberOfPages: (start - d.PhysicalStart) / firmware.PageSize, Attribute: d.Attribute,
		})
	}
	claimedIdx := len(out)
	out = append(out, firmware.MemoryDescriptor{
		Type: newType, PhysicalStart: start, VirtualStart: start,
		NumberOfPages: (end - start) / firmware.PageSize, Attribute: d.Attribute,
	})
	if end < d.End() {
		out = append(out, firmware.MemoryDescriptor{
			Type: d.Type, PhysicalStart: end, VirtualStart: end,
			NumberOfPages: (d.End() - end) / firmware.PageSize, Attribute: d.Attribute,
		})
	}

	merged := append([]firmware.MemoryDescriptor{}, fw.descs[:i]...)
	merged = append(merged, out...)
	merged = append(merged, fw.descs[i+1:]...)
	fw.descs = merged
	return i + claimedIdx
}

// AllocatePages implements firmware.BootServices: finds a Conventional
// range satisfying t/addr and carves pages*PageSize bytes of memType out of
// it (spec.md's underlying model for EMalloc's AllocatePages(AllocateAddress)
// call and PlaceBody's preferred-address attempt).
func (fw *Firmware) AllocatePages(t firmware.AllocateType, memType firmware.MemoryType, pages uint64, addr uint64) (uint64, error) {
	size := pages * firmware.PageSize

	switch t {
	case firmware.AllocateAddress:
		i := fw.findDescriptor(addr, addr+size)
		if i == -1 || fw.descs[i].Type != firmware.ConventionalMemory {
			return 0, efistatus.New(efistatus.OutOfResources, fmt.Sprintf("address %#x not available", addr))
		}
		fw.splitOut(i, addr, addr+size, memType)
		fw.bumpMapKey()
		return addr, nil

	case firmware.AllocateMaxAddress:
		best := -1
		var bestTop uint64
		for i, d := range fw.descs {
			if d.Type != firmware.ConventionalMemory {
				continue
			}
			// Only the part of the range at or below the ceiling is usable.
			top := d.End()
			if limit := addr &^ (firmware.PageSize - 1); top > limit {
				top = limit
			}
			if top < d.PhysicalStart+size {
				continue
			}
			if best == -1 || d.PhysicalStart > fw.descs[best].PhysicalStart {
				best = i
				bestTop = top
			}
		}
		if best == -1 {
			return 0, efistatus.New(efistatus.OutOfResources, "no conventional range under ceiling")
		}
		start := bestTop - size
		fw.splitOut(best, start, start+size, memType)
		fw.bumpMapKey()
		return start, nil

	default: // AllocateAnyPages
		for i, d := range fw.descs {
			if d.Type != firmware.ConventionalMemory || d.NumberOfPages < pages {
				continue
			}
			start := d.PhysicalStart
			fw.splitOut(i, start, start+size, memType)
			fw.bumpMapKey()
			return start, nil
		}
		return 0, efistatus.New(efistatus.OutOfResources, "no conventional range large enough")
	}
}

// FreePages implements firmware.BootServices: reclaims [addr,
// addr+pages*PageSize) back to Conventional and coalesces with
// Conventional neighbours.
func (fw *Firmware) FreePages(addr uint64, pages uint64) error {
	end := addr + pages*firmware.PageSize
	i := fw.findDescriptor(addr, end)
	if i == -1 {
		return efistatus.New(efistatus.InvalidParameter, fmt.Sprintf("no allocation at %#x", addr))
	}
	fw.splitOut(i, addr, end, firmware.ConventionalMemory)
	fw.coalesce()
	fw.bumpMapKey()
	return nil
}

func (fw *Firmware) coalesce() {
	sort.Slice(fw.descs, func(i, j int) bool { return fw.descs[i].PhysicalStart < fw.descs[j].PhysicalStart })
	out := fw.descs[:0]
	for _, d := range fw.descs {
		if n := len(out); n > 0 && out[n-1].Type == d.Type && out[n-1].End() == d.PhysicalStart {
			out[n-1].NumberOfPages += d.NumberOfPages
			continue
		}
		out = append(out, d)
	}
	fw.descs = out
}

// AllocatePool implements firmware.BootServices. Pool allocations are not
// placement-constrained, so the emulator just hands back a zeroed buffer.
func (fw *Firmware) AllocatePool(memType firmware.MemoryType, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func (fw *Firmware) FreePool(buf []byte) error { return nil }

func (fw *Firmware) bounds(addr uint64, n int) (int, int, error) {
	if addr < fw.arenaBase {
		return 0, 0, efistatus.New(efistatus.InvalidParameter, fmt.Sprintf("address %#x below arena base %#x", addr, fw.arenaBase))
	}
	start := int(addr - fw.arenaBase)
	end := start + n
	if end > len(fw.arena) {
		return 0, 0, efistatus.New(efistatus.InvalidParameter, fmt.Sprintf("address range [%#x,%#x) exceeds arena", addr, addr+uint64(n)))
	}
	return start, end, nil
}

// WritePhysical implements firmware.BootServices.
func (fw *Firmware) WritePhysical(addr uint64, data []byte) error {
	start, end, err := fw.bounds(addr, len(data))
	if err != nil {
		return err
	}
	copy(fw.arena[start:end], data)
	return nil
}

// ReadPhysical implements firmware.BootServices.
func (fw *Firmware) ReadPhysical(addr uint64, n int) ([]byte, error) {
	start, end, err := fw.bounds(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, fw.arena[start:end])
	return out, nil
}

// LocateHandlesByProtocol implements firmware.BootServices.
func (fw *Firmware) LocateHandlesByProtocol(proto guid.GUID) ([]firmware.Handle, error) {
	var out []firmware.Handle
	for _, e := range fw.handles {
		if e.proto == proto {
			out = append(out, e.handle)
		}
	}
	return out, nil
}

// HandleProtocol implements firmware.BootServices.
func (fw *Firmware) HandleProtocol(h firmware.Handle, proto guid.GUID) (any, error) {
	for _, e := range fw.handles {
		if e.handle == h && e.proto == proto {
			return e.obj, nil
		}
	}
	return nil, efistatus.New(efistatus.NotFound, "handle does not support protocol")
}

// ExitBootServices implements firmware.BootServices. A mismatched mapKey,
// or a forced rejection from FailExitBootServicesOnce, is reported as
// ErrBufferTooSmall: the same "snapshot is stale, re-acquire" signal
// memmap.Acquire already knows how to retry on (spec.md §9's Open Question
// on exit_boot_services retry semantics, resolved in DESIGN.md).
func (fw *Firmware) ExitBootServices(image firmware.Handle, mapKey uint64) error {
	if fw.exited {
		return efistatus.New(efistatus.InvalidParameter, "boot services already exited")
	}
	if fw.failExitRemaining > 0 {
		fw.failExitRemaining--
		fw.bumpMapKey()
		return fmt.Errorf("memory map changed since snapshot: %w", firmware.ErrBufferTooSmall)
	}
	if mapKey != fw.mapKey {
		fw.bumpMapKey()
		return fmt.Errorf("stale memory map key: %w", firmware.ErrBufferTooSmall)
	}
	fw.exited = true
	return nil
}
