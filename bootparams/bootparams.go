// Package bootparams builds the boot-params block, descriptor tables and
// E820 memory map the kernel expects at entry (spec.md §4.7, §4.9, §4.11).
package bootparams

import (
	"bytes"
	"encoding/binary"

	"efilinux/alloc"
	"efilinux/efistatus"
	"efilinux/graphics"
	"efilinux/internal/firmware"
	"efilinux/kernel"
	"efilinux/memmap"
)

// Layout offsets within the 16 KiB boot_params block the Linux x86 boot
// protocol fixes regardless of bootloader (screen_info at the very start,
// efi_info/alt_mem_k/e820_entries clustered just before the setup header at
// 0x1F1, e820_table trailing the header and its padding).
const (
	screenInfoOffset  = 0x000
	efiInfoOffset     = 0x1c0
	altMemKOffset     = 0x1e0
	e820CountOffset   = 0x1e8
	setupHeaderOffset = 0x1f1
	e820TableOffset   = 0x2d0
	e820EntrySize     = 20
)

// Size is the fixed 16 KiB boot-params region (spec.md §3).
const Size = 16 * 1024

// maxAddress is the boot-params block's allocation ceiling (spec.md §4.7).
const maxAddress = 0x3FFFFFFF

// EFIInfo is the boot-params efi_info subregion (spec.md §4.10 step 5).
type EFIInfo struct {
	LoaderSignature [4]byte
	SystabLo        uint32
	SystabHi        uint32
	MemdescSize     uint32
	MemdescVersion  uint32
	MemmapLo        uint32
	MemmapHi        uint32
	MemmapSize      uint32
}

// E820Type mirrors the legacy PC memory-map type codes.
type E820Type uint32

const (
	E820RAM E820Type = 1 + iota
	E820Reserved
	E820ACPI
	E820NVS
	E820Unusable
)

// E820Entry is the wire-format {addr, size, type} entry (spec.md §3).
type E820Entry struct {
	Addr uint64
	Size uint64
	Type E820Type
}

// BootParams is the in-memory representation of the 16 KiB block. Header is
// the first two sectors of the kernel's setup area, copied in verbatim;
// Hdr is the decoded setup header kept in sync with it.
type BootParams struct {
	Addr       uint64
	Header     [1024]byte
	Hdr        kernel.SetupHeader
	ScreenInfo graphics.ScreenInfo
	EFI        EFIInfo
	AltMemK    uint32
	E820       []E820Entry
}

// New allocates and zeroes the 16 KiB boot-params block (spec.md §4.7,
// spec.md line 119: AllocateMaxAddress under maxAddress, firmware picks the
// highest fit rather than the caller pinning an address), then copies the
// first two sectors of the kernel's setup buffer into its head.
func New(a *alloc.Allocator, bs firmware.BootServices, setup []byte) (*BootParams, error) {
	addr, err := a.EMallocMaxAddress(Size, maxAddress)
	if err != nil {
		return nil, efistatus.Wrap(efistatus.OutOfResources, "failed to allocate boot params", err)
	}
	if err := bs.WritePhysical(addr, make([]byte, Size)); err != nil {
		_ = a.EFree(addr, Size)
		return nil, err
	}

	bp := &BootParams{Addr: addr}
	copy(bp.Header[:], setup[:min(len(setup), 2*512)])
	return bp, nil
}

// SetCode32Start records the staged kernel body's physical address in
// Hdr.Code32Start (spec.md §4.7); Serialize writes it over the copied
// header bytes.
func (bp *BootParams) SetCode32Start(kernelStart uint64) {
	bp.Hdr.Code32Start = uint32(kernelStart)
}

// SetCmdLinePtr records the staged command-line buffer's address.
func (bp *BootParams) SetCmdLinePtr(addr uint64) {
	bp.Hdr.CmdLinePtr = uint32(addr)
}

// PopulateEFIInfo fills efi_info per spec.md §4.10 step 5.
func (bp *BootParams) PopulateEFIInfo(arch firmware.Arch, systab uint64, m memmap.Map) {
	copy(bp.EFI.LoaderSignature[:], arch.LoaderSignature())
	bp.EFI.SystabLo = uint32(systab)
	bp.EFI.SystabHi = uint32(systab >> 32)
	bp.EFI.MemdescSize = uint32(m.DescSize)
	bp.EFI.MemdescVersion = m.DescVersion
	bp.EFI.MemmapSize = uint32(m.TotalBytes())
}

// SetEFIMemmapAddress records the physical address the memory map was
// placed at, split into 32-bit lo/hi halves (set separately from
// PopulateEFIInfo because the map buffer and the boot-params block are two
// independent allocations).
func (bp *BootParams) SetEFIMemmapAddress(addr uint64) {
	bp.EFI.MemmapLo = uint32(addr)
	bp.EFI.MemmapHi = uint32(addr >> 32)
}

// altMemK is the legacy "alternate memory size" field, fixed at 32 MiB
// expressed in KiB (spec.md §4.10 step 6).
const altMemK = 32 * 1024

// SetAltMemK stamps the fixed legacy field.
func (bp *BootParams) SetAltMemK() {
	bp.AltMemK = altMemK
}

// E820FromMemoryMap converts a firmware memory map to the coalesced E820
// form (spec.md §4.11).
func E820FromMemoryMap(descs []firmware.MemoryDescriptor) []E820Entry {
	var out []E820Entry
	for _, d := range descs {
		t, ok := e820Type(d.Type)
		if !ok {
			continue
		}
		size := d.NumberOfPages * firmware.PageSize
		if n := len(out); n > 0 && out[n-1].Type == t && out[n-1].Addr+out[n-1].Size == d.PhysicalStart {
			out[n-1].Size += size
			continue
		}
		out = append(out, E820Entry{Addr: d.PhysicalStart, Size: size, Type: t})
	}
	return out
}

func e820Type(t firmware.MemoryType) (E820Type, bool) {
	switch t {
	case firmware.ReservedMemoryType, firmware.RuntimeServicesCode, firmware.RuntimeServicesData,
		firmware.MemoryMappedIO, firmware.MemoryMappedIOPortSpace, firmware.PalCode:
		return E820Reserved, true
	case firmware.UnusableMemory:
		return E820Unusable, true
	case firmware.ACPIReclaimMemory:
		return E820ACPI, true
	case firmware.ACPIMemoryNVS:
		return E820NVS, true
	case firmware.LoaderCode, firmware.LoaderData, firmware.BootServicesCode, firmware.BootServicesData, firmware.ConventionalMemory:
		return E820RAM, true
	default:
		return 0, false
	}
}

// SetE820 stores the converted map and its count.
func (bp *BootParams) SetE820(entries []E820Entry) {
	bp.E820 = entries
}

// Serialize renders the current field values into the 16 KiB wire form the
// kernel reads at jump time: the copied setup header first (so its
// untouched legacy fields survive), then screen_info/efi_info/alt_mem_k/
// e820 layered on top at their fixed offsets, then the setup header struct
// re-encoded over the copied bytes to pick up every field the loader set
// (Code32Start, CmdLinePtr, RamdiskStart/Len, LoaderID).
func (bp *BootParams) Serialize() []byte {
	buf := make([]byte, Size)
	copy(buf, bp.Header[:])

	var si bytes.Buffer
	binary.Write(&si, binary.LittleEndian, bp.ScreenInfo)
	copy(buf[screenInfoOffset:], si.Bytes())

	var efi bytes.Buffer
	binary.Write(&efi, binary.LittleEndian, bp.EFI)
	copy(buf[efiInfoOffset:], efi.Bytes())

	binary.LittleEndian.PutUint32(buf[altMemKOffset:], bp.AltMemK)

	buf[e820CountOffset] = byte(len(bp.E820))
	for i, e := range bp.E820 {
		off := e820TableOffset + i*e820EntrySize
		if off+e820EntrySize > len(buf) {
			break
		}
		binary.LittleEndian.PutUint64(buf[off:], e.Addr)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Size)
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(e.Type))
	}

	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, bp.Hdr)
	copy(buf[setupHeaderOffset:], hdr.Bytes())

	return buf
}

// Flush writes the current field values to the block's physical address,
// the step that makes every SetXxx call since New actually visible to
// whatever reads boot_params after the jump.
func (bp *BootParams) Flush(bs firmware.BootServices) error {
	return bs.WritePhysical(bp.Addr, bp.Serialize())
}
