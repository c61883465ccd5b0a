// Package graphics implements the graphics probe (spec.md §4.8): locating
// the graphics-output protocol, if present, and synthesising the
// screen_info linear-framebuffer descriptor the kernel expects. Grounded on
// original_source/loaders/bzimage/graphics.c's setup_graphics/find_bits.
package graphics

import (
	"efilinux/internal/firmware"
)

// ScreenInfo is the boot-params screen_info subregion this probe populates.
// Only the EFI-framebuffer fields are meaningful; the legacy VGA text-mode
// fields are left zero, matching the original's memset-then-fill sequence.
type ScreenInfo struct {
	OrigVideoIsVGA uint8

	LFBBase       uint64
	LFBSize       uint64
	LFBWidth      uint32
	LFBHeight     uint32
	LFBDepth      uint8
	LFBLineLength uint32
	Pages         uint8

	RedSize, RedPos     uint8
	GreenSize, GreenPos uint8
	BlueSize, BluePos   uint8
	RsvdSize, RsvdPos   uint8
}

const efiFramebufferMarker = 0x70

// Probe queries the first graphics-output handle that answers a mode query
// and fills in ScreenInfo. Absence of GOP is non-fatal: it returns a
// zero-valued ScreenInfo and a nil error, exactly as the original leaves
// screen_info zero-initialised when no GOP handle answers.
func Probe(bs firmware.BootServices) (ScreenInfo, error) {
	handles, err := bs.LocateHandlesByProtocol(firmware.GraphicsOutputProtocol)
	if err != nil || len(handles) == 0 {
		return ScreenInfo{}, nil
	}

	for _, h := range handles {
		proto, err := bs.HandleProtocol(h, firmware.GraphicsOutputProtocol)
		if err != nil {
			continue
		}
		gop, ok := proto.(firmware.GraphicsOutput)
		if !ok {
			continue
		}
		mode, err := gop.CurrentMode()
		if err != nil {
			continue
		}
		return fromMode(mode), nil
	}

	return ScreenInfo{}, nil
}

func fromMode(mode firmware.ModeInfo) ScreenInfo {
	si := ScreenInfo{
		OrigVideoIsVGA: efiFramebufferMarker,
		LFBBase:        mode.FrameBufferBase,
		LFBSize:        mode.FrameBufferSize,
		LFBWidth:       mode.HorizontalResolution,
		LFBHeight:      mode.VerticalResolution,
		Pages:          1,
	}

	switch mode.PixelFormat {
	case firmware.PixelRedGreenBlueReserved8BitPerColor:
		si.LFBDepth = 32
		si.RedSize, si.RedPos = 8, 0
		si.GreenSize, si.GreenPos = 8, 8
		si.BlueSize, si.BluePos = 8, 16
		si.RsvdSize, si.RsvdPos = 8, 24
		si.LFBLineLength = mode.PixelsPerScanLine * 4

	case firmware.PixelBlueGreenRedReserved8BitPerColor:
		si.LFBDepth = 32
		si.RedSize, si.RedPos = 8, 16
		si.GreenSize, si.GreenPos = 8, 8
		si.BlueSize, si.BluePos = 8, 0
		si.RsvdSize, si.RsvdPos = 8, 24
		si.LFBLineLength = mode.PixelsPerScanLine * 4

	case firmware.PixelBitMask:
		si.RedPos, si.RedSize = FindBits(mode.PixelInformation.RedMask)
		si.GreenPos, si.GreenSize = FindBits(mode.PixelInformation.GreenMask)
		si.BluePos, si.BlueSize = FindBits(mode.PixelInformation.BlueMask)
		si.RsvdPos, si.RsvdSize = FindBits(mode.PixelInformation.ReservedMask)
		si.LFBDepth = si.RedSize + si.GreenSize + si.BlueSize + si.RsvdSize
		si.LFBLineLength = mode.PixelsPerScanLine * uint32(si.LFBDepth) / 8

	default: // PixelBltOnly
		si.LFBDepth = 4
		si.LFBLineLength = si.LFBWidth / 2
	}

	return si
}

// FindBits returns the bit position of the lowest set bit in mask and the
// length of the contiguous run of set bits starting there. For mask == 0 it
// returns (0, 0). Ported from setup_graphics's find_bits.
func FindBits(mask uint32) (pos, size uint8) {
	if mask == 0 {
		return 0, 0
	}
	for mask&1 == 0 {
		mask >>= 1
		pos++
	}
	for mask&1 == 1 {
		mask >>= 1
		size++
	}
	return pos, size
}
