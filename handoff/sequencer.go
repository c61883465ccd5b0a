package handoff

import (
	"encoding/binary"
	"errors"
	"log"

	"efilinux/alloc"
	"efilinux/bootparams"
	"efilinux/efistatus"
	"efilinux/fsdev"
	"efilinux/internal/firmware"
	"efilinux/memmap"
)

// extraDescriptors pads the staged buffer past the map's size at the
// moment it was measured: the AllocatePages call that carves out the
// buffer itself splits a Conventional descriptor and so almost always
// grows the map by one or two entries. Without slack, the post-allocation
// recheck would see that growth and retry forever against an
// ever-identical fixed point. This is the standard UEFI loader idiom of
// over-allocating a few descriptors' worth of room for the map buffer.
const extraDescriptors = 8

// stageMemoryMap implements spec.md §4.10 steps 1-2: take a full snapshot
// with memmap.Acquire to learn the map's current size (no zero-capacity
// size query is made), emalloc a physical buffer for it padded by
// extraDescriptors, then acquire the map again. Because something
// other than the staging allocation itself can still enlarge the map
// between the two acquires, a post-allocation overflow past the padded
// capacity means freeing and retrying with more room.
func stageMemoryMap(a *alloc.Allocator, bs firmware.BootServices) (uint64, uint64, memmap.Map, error) {
	for {
		m, err := memmap.Acquire(bs)
		if err != nil {
			return 0, 0, memmap.Map{}, err
		}

		capacity := len(m.Descriptors) + extraDescriptors
		need := uint64(capacity) * m.DescSize

		addr, err := a.EMalloc(need, 1, alloc.NoCeiling)
		if err != nil {
			return 0, 0, memmap.Map{}, err
		}

		// The allocation above grows the map by splitting a Conventional
		// descriptor, which the padding above already accounts for. If
		// the map grew past that padding anyway (some other activity
		// between the two acquires), discard this attempt and retry with
		// a freshly padded capacity.
		fresh, err := memmap.Acquire(bs)
		if err != nil {
			_ = a.EFree(addr, need)
			return 0, 0, memmap.Map{}, err
		}
		if fresh.TotalBytes() > need {
			_ = a.EFree(addr, need)
			continue
		}

		if err := bs.WritePhysical(addr, serializeMap(fresh)); err != nil {
			_ = a.EFree(addr, need)
			return 0, 0, memmap.Map{}, err
		}
		return addr, need, fresh, nil
	}
}

func serializeMap(m memmap.Map) []byte {
	buf := make([]byte, m.TotalBytes())
	for i, d := range m.Descriptors {
		off := uint64(i) * m.DescSize
		binary.LittleEndian.PutUint32(buf[off:], uint32(d.Type))
		binary.LittleEndian.PutUint64(buf[off+8:], d.PhysicalStart)
		binary.LittleEndian.PutUint64(buf[off+16:], d.VirtualStart)
		binary.LittleEndian.PutUint64(buf[off+24:], d.NumberOfPages)
		binary.LittleEndian.PutUint64(buf[off+32:], d.Attribute)
	}
	return buf
}

// Sequence runs spec.md §4.10 in order: stage a fresh memory-map snapshot,
// close filesystem handles, exit boot services (retrying if the map key was
// rejected because something mutated the map after the snapshot),
// populate efi_info/alt_mem_k/e820, load IDT/GDT, and jump.
//
// entry.ExitsBootServices() decides whether step 4 runs at all: the
// hand-over convention defers it to the kernel's own EFI stub.
func Sequence(fw *firmware.Context, fs *fsdev.Table, a *alloc.Allocator, bp *bootparams.BootParams, gdt bootparams.DescriptorTable, entry Entry, k KernelEntry) error {
	var mapAddr, mapSize uint64
	var m memmap.Map
	var err error

	for {
		mapAddr, mapSize, m, err = stageMemoryMap(a, fw.Boot)
		if err != nil {
			return err
		}

		if err := fs.CloseAll(); err != nil {
			log.Printf("warning: failed to close filesystem handles: %v", err)
		}

		if !entry.ExitsBootServices() {
			break
		}

		err = fw.Boot.ExitBootServices(fw.Image, m.Key)
		if err == nil {
			break
		}
		if !errors.Is(err, firmware.ErrBufferTooSmall) {
			return efistatus.Wrap(efistatus.LoadError, "exit boot services failed", err)
		}
		_ = a.EFree(mapAddr, mapSize)
		// The memory map was mutated concurrently; re-acquire and retry.
	}

	bp.PopulateEFIInfo(fw.Arch, fw.Runtime.SystemTableAddress(), m)
	bp.SetEFIMemmapAddress(mapAddr)
	bp.SetAltMemK()
	bp.SetE820(bootparams.E820FromMemoryMap(m.Descriptors))
	if err := bp.Flush(fw.Boot); err != nil {
		return err
	}

	k.LoadDescriptorTables(bootparams.NewIDT(), gdt)
	entry.Jump(k, fw.Image, fw.Runtime.SystemTableAddress(), bp.Addr)
	return nil
}
