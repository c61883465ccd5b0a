// Package memmap implements the memory-map facade (spec.md §4.1): acquiring
// a snapshot of the firmware's memory map into a caller-owned buffer,
// retrying when the firmware reports the buffer was too small.
package memmap

import (
	"errors"
	"fmt"

	"efilinux/efistatus"
	"efilinux/internal/firmware"
)

// Map is an acquired memory-map snapshot. Key must be presented back to
// ExitBootServices unchanged; any intervening firmware call invalidates it.
type Map struct {
	Descriptors []firmware.MemoryDescriptor
	Key         uint64
	DescSize    uint64
	DescVersion uint32
}

// TotalBytes is what the firmware would call the map's total_bytes: the
// descriptor count times the reported stride, not len(Descriptors)*sizeof.
func (m Map) TotalBytes() uint64 {
	return uint64(len(m.Descriptors)) * m.DescSize
}

// TypeName renders a descriptor type for the "-m" memory-map dump
// (original_source/entry.c's memory_type_to_str).
func TypeName(t firmware.MemoryType) string {
	switch t {
	case firmware.ReservedMemoryType:
		return "EfiReservedMemoryType"
	case firmware.LoaderCode:
		return "EfiLoaderCode"
	case firmware.LoaderData:
		return "EfiLoaderData"
	case firmware.BootServicesCode:
		return "EfiBootServicesCode"
	case firmware.BootServicesData:
		return "EfiBootServicesData"
	case firmware.RuntimeServicesCode:
		return "EfiRuntimeServicesCode"
	case firmware.RuntimeServicesData:
		return "EfiRuntimeServicesData"
	case firmware.ConventionalMemory:
		return "EfiConventionalMemory"
	case firmware.UnusableMemory:
		return "EfiUnusableMemory"
	case firmware.ACPIReclaimMemory:
		return "EfiACPIReclaimMemory"
	case firmware.ACPIMemoryNVS:
		return "EfiACPIMemoryNVS"
	case firmware.MemoryMappedIO:
		return "EfiMemoryMappedIO"
	case firmware.MemoryMappedIOPortSpace:
		return "EfiMemoryMappedIOPortSpace"
	case firmware.PalCode:
		return "EfiPalCode"
	default:
		return "EfiUnknown"
	}
}

// Acquire snapshots the current memory map, retrying as the firmware grows
// it out from under us. Strategy per spec.md §4.1: start with capacity for
// 32 descriptors, and on EFI_BUFFER_TOO_SMALL round the firmware-reported
// requirement up by one descriptor's worth before retrying, since the
// allocation the facade itself performs can enlarge the map again.
func Acquire(bs firmware.BootServices) (Map, error) {
	cap := 32
	for {
		buf := make([]firmware.MemoryDescriptor, cap)
		descs, key, descSize, descVersion, err := bs.GetMemoryMap(buf)
		if err == nil {
			return Map{Descriptors: descs, Key: key, DescSize: descSize, DescVersion: descVersion}, nil
		}
		if !errors.Is(err, firmware.ErrBufferTooSmall) {
			return Map{}, efistatus.Wrap(efistatus.LoadError, "failed to get memory map", err)
		}
		required := bs.RequiredMemoryMapSize()
		cap = required + 1
	}
}

// DescriptorLine renders one descriptor the way entry.c's
// print_memory_map prints each entry of the "-m" dump.
func DescriptorLine(i int, d firmware.MemoryDescriptor) string {
	mappingSize := d.NumberOfPages * firmware.PageSize
	return fmt.Sprintf("[#%.2d] Type: %s\n      Attr: 0x%016x\n      Phys: [0x%016x - 0x%016x]\n      Virt: [0x%016x - 0x%016x]",
		i, TypeName(d.Type), d.Attribute,
		d.PhysicalStart, d.PhysicalStart+mappingSize,
		d.VirtualStart, d.VirtualStart+mappingSize)
}
