// Package firmware declares the protocol surface this loader consumes from
// UEFI: boot services, runtime services, the simple file-system protocol and
// the graphics-output protocol. The only binding in this module is
// internal/simfw, an in-process emulator used by the tests and by the
// hosted cmd/efilinux harness.
//
// The three system-wide pointers (system table, boot services, runtime
// services) a real EFI application receives once at entry are bundled into
// a single Context value here instead of stored in package-level globals
// (see spec.md's Design Notes, "Global firmware pointers") — this keeps
// every component hermetic under test.
package firmware

import (
	"errors"

	"github.com/linuxboot/fiano/pkg/guid"
)

// Well-known protocol GUIDs this loader looks up.
var (
	SimpleFileSystemProtocol = *guid.MustParse("964E5B22-6459-11D2-8E39-00A0C969723B")
	GraphicsOutputProtocol   = *guid.MustParse("9042A9DE-23DC-4A38-96FB-7ADED080516A")
	LoadedImageProtocol      = *guid.MustParse("5B1B31A1-9562-11D2-8E3F-00A0C969723B")
)

// MemoryType enumerates the UEFI memory descriptor types of interest to the
// loader (spec.md §3 "Memory descriptor").
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
)

// AllocateType mirrors EFI_ALLOCATE_TYPE.
type AllocateType int

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

const PageSize = 4096

// MemoryDescriptor is one entry of a firmware memory map (spec.md §3).
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

func (d MemoryDescriptor) End() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

var ErrBufferTooSmall = errors.New("buffer too small")

// BootServices is the subset of EFI_BOOT_SERVICES this loader calls.
// GetMemoryMap follows the firmware convention: callers pass the capacity of
// buf; on success it returns the descriptors actually written, and when buf
// is too small it returns ErrBufferTooSmall, after which
// RequiredMemoryMapSize reports the descriptor capacity needed.
type BootServices interface {
	GetMemoryMap(buf []MemoryDescriptor) (descriptors []MemoryDescriptor, key uint64, descSize uint64, descVersion uint32, err error)
	RequiredMemoryMapSize() int

	AllocatePages(t AllocateType, memType MemoryType, pages uint64, addr uint64) (uint64, error)
	FreePages(addr uint64, pages uint64) error

	AllocatePool(memType MemoryType, size uint64) ([]byte, error)
	FreePool(buf []byte) error

	// WritePhysical and ReadPhysical stand in for the raw pointer writes a
	// C loader performs once AllocatePages hands back an address — Go has
	// no way to deref an arbitrary physical address directly, so every
	// staging component goes through these instead.
	WritePhysical(addr uint64, data []byte) error
	ReadPhysical(addr uint64, n int) ([]byte, error)

	LocateHandlesByProtocol(proto guid.GUID) ([]Handle, error)
	HandleProtocol(h Handle, proto guid.GUID) (any, error)

	ExitBootServices(image Handle, mapKey uint64) error
}

// RuntimeServices is the subset that survives ExitBootServices.
type RuntimeServices interface {
	// SystemTableAddress returns the physical address of the EFI system
	// table, split across efi_info's 32-bit lo/hi fields by the caller.
	SystemTableAddress() uint64
}

// Handle is an opaque firmware object handle.
type Handle uint64

// FileProtocol is the per-file subset of EFI_FILE_PROTOCOL.
type FileProtocol interface {
	Read(n int) ([]byte, error)
	Seek(offset uint64) error
	Size() (uint64, error)
	Close() error
	// Raw exposes the file's backing bytes for zero-copy reads, mirroring
	// the teacher's mmap.MMap views over on-disk structures. Not all
	// backends support it; callers fall back to Read when it is nil.
	Raw() []byte
}

// Volume is a filesystem-capable handle's opened root directory, plus the
// device path firmware reports for it.
type Volume interface {
	DevicePath() string
	Open(path string) (FileProtocol, error)
	Close() error
}

// GraphicsOutput is the subset of EFI_GRAPHICS_OUTPUT_PROTOCOL queried for
// the boot-time framebuffer descriptor.
type GraphicsOutput interface {
	CurrentMode() (ModeInfo, error)
}

// PixelFormat mirrors EFI_GRAPHICS_PIXEL_FORMAT.
type PixelFormat int

const (
	PixelRedGreenBlueReserved8BitPerColor PixelFormat = iota
	PixelBlueGreenRedReserved8BitPerColor
	PixelBitMask
	PixelBltOnly
)

type PixelBitmask struct {
	RedMask, GreenMask, BlueMask, ReservedMask uint32
}

type ModeInfo struct {
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelFormat          PixelFormat
	PixelInformation     PixelBitmask
	PixelsPerScanLine    uint32
	FrameBufferBase      uint64
	FrameBufferSize      uint64
}

// Context bundles the process-wide firmware handles a real EFI entry point
// receives once, threaded explicitly instead of held in globals.
type Context struct {
	Image   Handle
	Boot    BootServices
	Runtime RuntimeServices
	Arch    Arch
}

// Arch is the compile-time architecture tag the hand-off sequencer keys its
// jump convention on (spec.md's "Polymorphism over kernel entry
// conventions").
type Arch int

const (
	ArchI386 Arch = iota
	ArchX86_64
)

func (a Arch) LoaderSignature() string {
	if a == ArchX86_64 {
		return "EL64"
	}
	return "EL32"
}
