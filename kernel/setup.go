// Package kernel parses the setup header of a compressed x86 kernel image
// (spec.md §4.4) and places the kernel body in memory (spec.md §4.6).
// Field layout and offsets are bit-exact with the Linux boot protocol
// (original_source/loaders/bzimage/bzimage.c's load_kernel), since spec.md
// §6 requires byte-compatible setup-header field offsets.
package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"efilinux/alloc"
	"efilinux/efistatus"
	"efilinux/internal/firmware"
)

const bootSectorSignature = 0xAA55

var headerMagic = [4]byte{'H', 'd', 'r', 'S'}

const (
	minSupportedVersion = 0x205
	prefAddressVersion  = 0x20a
	handoverVersion     = 0x20b
)

const (
	setupSectsOffset = 0x1F1
	headerOffset     = 0x1F1 // SetupHeader begins at file offset 0x1F1
)

// SetupHeader is bit-exact with struct setup_header from the Linux boot
// protocol, starting at file offset 0x1F1.
type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16 // signature, must equal 0xAA55
	Jump                uint16
	HeaderMagic         [4]byte // must equal "HdrS"
	Version             uint16
	RealModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	LoaderID            uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskStart        uint32
	RamdiskLen          uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdLinePtr          uint32
	RamdiskMax          uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XLoadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
}

const LoaderIDEfilinux = 0x1

// Image is a parsed, validated kernel image: the setup buffer (whose first
// two sectors are later copied into the boot-params block) plus the
// decoded header and the still-open file positioned right after the setup
// area, ready for PlaceBody to read the kernel body.
type Image struct {
	File   firmware.FileProtocol
	Setup  []byte // the raw setup area, nr_setup_secs+1 sectors
	Header SetupHeader

	setupBytes uint64
}

// ParseSetupHeader implements spec.md §4.4's two-pass read: first the
// sector count at offset 0x1F1, then the whole setup area, validating the
// boot-sector signature, header magic, protocol version and the
// relocatable-kernel flag.
func ParseSetupHeader(f firmware.FileProtocol) (*Image, error) {
	if err := f.Seek(setupSectsOffset); err != nil {
		return nil, efistatus.Wrap(efistatus.LoadError, "seek to setup sector count", err)
	}
	b, err := f.Read(1)
	if err != nil || len(b) != 1 {
		return nil, efistatus.Wrap(efistatus.LoadError, "read setup sector count", err)
	}
	nrSetupSecs := uint64(b[0]) + 1 // add the boot sector
	setupBytes := nrSetupSecs * 512

	if err := f.Seek(0); err != nil {
		return nil, efistatus.Wrap(efistatus.LoadError, "seek to start of image", err)
	}
	setup, err := f.Read(int(setupBytes))
	if err != nil || uint64(len(setup)) != setupBytes {
		return nil, efistatus.Wrap(efistatus.LoadError, "read setup area", err)
	}

	var hdr SetupHeader
	if err := binary.Read(bytes.NewReader(setup[headerOffset:]), binary.LittleEndian, &hdr); err != nil {
		return nil, efistatus.Wrap(efistatus.InvalidParameter, "decode setup header", err)
	}

	if hdr.BootFlag != bootSectorSignature {
		return nil, efistatus.New(efistatus.InvalidParameter, "bzImage kernel corrupt")
	}
	if hdr.HeaderMagic != headerMagic {
		return nil, efistatus.New(efistatus.InvalidParameter, "setup code version is invalid")
	}
	if hdr.Version < minSupportedVersion {
		return nil, efistatus.New(efistatus.InvalidParameter, "setup code version unsupported (too old)")
	}
	if hdr.RelocatableKernel == 0 {
		return nil, efistatus.New(efistatus.InvalidParameter, "kernel is not relocatable")
	}

	hdr.LoaderID = LoaderIDEfilinux

	return &Image{File: f, Setup: setup, Header: hdr, setupBytes: setupBytes}, nil
}

// SupportsPreferredAddress reports whether the header is new enough to
// honour pref_address/init_size (spec.md §4.4/§4.6, version >= 0x20a).
func (img *Image) SupportsPreferredAddress() bool {
	return img.Header.Version >= prefAddressVersion
}

// SupportsHandover reports whether the hand-over entry convention applies
// (spec.md §4.12, version >= 0x20b).
func (img *Image) SupportsHandover() bool {
	return img.Header.Version >= handoverVersion
}

// PlaceBody implements spec.md §4.6: for version >= 0x20a, first try
// AllocateAddress at pref_address with init_size pages, falling back to
// emalloc at kernel_alignment; for older headers, emalloc 3x the
// compressed body size at kernel_alignment, with no fixed-address attempt,
// to give the in-place decompressor room (a documented heuristic, not a
// real computation of decompressed size).
func (img *Image) PlaceBody(a *alloc.Allocator, bs firmware.BootServices, bodySize uint64) (uint64, error) {
	if img.SupportsPreferredAddress() {
		pages := (img.Header.InitSize + firmware.PageSize - 1) / firmware.PageSize
		if addr, err := bs.AllocatePages(firmware.AllocateAddress, firmware.LoaderData, uint64(pages), img.Header.PrefAddress); err == nil {
			return addr, nil
		}
		return a.EMalloc(uint64(img.Header.InitSize), uint64(img.Header.KernelAlignment), alloc.NoCeiling)
	}
	return a.EMalloc(3*bodySize, uint64(img.Header.KernelAlignment), alloc.NoCeiling)
}

// ReadBody reads everything in the file after the setup area — the kernel
// body — into dst, which must be exactly that length.
func (img *Image) ReadBody(dst []byte) error {
	if err := img.File.Seek(img.setupBytes); err != nil {
		return efistatus.Wrap(efistatus.LoadError, "seek to kernel body", err)
	}
	n, err := img.File.Read(len(dst))
	if err != nil {
		return efistatus.Wrap(efistatus.LoadError, "read kernel body", err)
	}
	if len(n) != len(dst) {
		return efistatus.New(efistatus.LoadError, fmt.Sprintf("short read of kernel body: got %d want %d", len(n), len(dst)))
	}
	copy(dst, n)
	return nil
}

// BodySize is the number of bytes in the file after the setup area.
func (img *Image) BodySize() (uint64, error) {
	total, err := img.File.Size()
	if err != nil {
		return 0, err
	}
	if total < img.setupBytes {
		return 0, efistatus.New(efistatus.InvalidParameter, "kernel image shorter than its setup area")
	}
	return total - img.setupBytes, nil
}

// SetupBytes exposes the computed (nr_setup_secs+1)*512 size for callers
// that need to seek the underlying file (e.g. retrying after a memory-map
// buffer-too-small round trip, original_source/bzimage.c's "again:" label).
func (img *Image) SetupBytes() uint64 {
	return img.setupBytes
}
