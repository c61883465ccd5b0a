package initrd_test

import (
	"testing"

	"efilinux/alloc"
	"efilinux/initrd"
	"efilinux/internal/firmware"
	"efilinux/internal/simfw"
)

// Property 9: the page containing the last byte of the staged command line
// satisfies page_base + 4096 <= 0xA0000.
func TestStageCmdlineStaysBelowCeiling(t *testing.T) {
	fw := simfw.NewFlat(0x200000, 0)
	a := alloc.New(fw)

	addr, err := initrd.StageCmdline("console=ttyS0", a, fw)
	if err != nil {
		t.Fatalf("StageCmdline failed: %v", err)
	}
	pageBase := addr &^ (firmware.PageSize - 1)
	if pageBase+firmware.PageSize > 0xA0000 {
		t.Fatalf("page containing %#x exceeds the 0xA0000 ceiling", addr)
	}
}

func TestStageCmdlineWritesNulTerminator(t *testing.T) {
	fw := simfw.NewFlat(0x200000, 0)
	a := alloc.New(fw)

	cmdline := "console=ttyS0"
	addr, err := initrd.StageCmdline(cmdline, a, fw)
	if err != nil {
		t.Fatalf("StageCmdline failed: %v", err)
	}
	got, err := fw.ReadPhysical(addr, len(cmdline)+1)
	if err != nil {
		t.Fatalf("ReadPhysical failed: %v", err)
	}
	if string(got[:len(cmdline)]) != cmdline || got[len(cmdline)] != 0 {
		t.Fatalf("staged cmdline = %q, want %q NUL-terminated", got, cmdline)
	}
}
