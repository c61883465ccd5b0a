package kernel_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"efilinux/internal/simfw"
	"efilinux/kernel"
)

const nrSetupSecs = 3
const setupBytes = (nrSetupSecs + 1) * 512

// buildImage writes a minimal valid bzImage setup area and lets the caller
// mutate the decoded header before it is re-encoded, to exercise one
// validation rule at a time (Testable Property 6).
func buildImage(mutate func(*kernel.SetupHeader)) []byte {
	buf := make([]byte, setupBytes)
	buf[0x1F1] = nrSetupSecs

	hdr := kernel.SetupHeader{
		SetupSects:        nrSetupSecs,
		BootFlag:          0xAA55,
		HeaderMagic:       [4]byte{'H', 'd', 'r', 'S'},
		Version:           0x20b,
		RelocatableKernel: 1,
		KernelAlignment:   0x200000,
		InitSize:          0x1000,
		PrefAddress:       0x100000,
	}
	if mutate != nil {
		mutate(&hdr)
	}

	var enc bytes.Buffer
	if err := binary.Write(&enc, binary.LittleEndian, hdr); err != nil {
		panic(err)
	}
	copy(buf[0x1F1:], enc.Bytes())
	return buf
}

func openImage(t *testing.T, data []byte) *kernel.Image {
	t.Helper()
	vol := simfw.NewMemVolume("dev", map[string][]byte{"bzImage": data})
	f, err := vol.Open("bzImage")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	img, err := kernel.ParseSetupHeader(f)
	if err != nil {
		t.Fatalf("ParseSetupHeader failed: %v", err)
	}
	return img
}

func TestParseSetupHeaderAcceptsValidImage(t *testing.T) {
	img := openImage(t, buildImage(nil))
	if img.Header.LoaderID != kernel.LoaderIDEfilinux {
		t.Fatalf("LoaderID = %#x, want %#x", img.Header.LoaderID, kernel.LoaderIDEfilinux)
	}
	if !img.SupportsHandover() {
		t.Fatal("expected handover support for version 0x20b")
	}
}

func TestParseSetupHeaderRejectsBadSignature(t *testing.T) {
	data := buildImage(func(h *kernel.SetupHeader) { h.BootFlag = 0 })
	vol := simfw.NewMemVolume("dev", map[string][]byte{"bzImage": data})
	f, _ := vol.Open("bzImage")
	if _, err := kernel.ParseSetupHeader(f); err == nil {
		t.Fatal("expected rejection of bad boot sector signature")
	}
}

func TestParseSetupHeaderRejectsBadMagic(t *testing.T) {
	data := buildImage(func(h *kernel.SetupHeader) { h.HeaderMagic = [4]byte{'X', 'X', 'X', 'X'} })
	vol := simfw.NewMemVolume("dev", map[string][]byte{"bzImage": data})
	f, _ := vol.Open("bzImage")
	if _, err := kernel.ParseSetupHeader(f); err == nil {
		t.Fatal("expected rejection of bad header magic")
	}
}

func TestParseSetupHeaderRejectsOldVersion(t *testing.T) {
	data := buildImage(func(h *kernel.SetupHeader) { h.Version = 0x204 })
	vol := simfw.NewMemVolume("dev", map[string][]byte{"bzImage": data})
	f, _ := vol.Open("bzImage")
	if _, err := kernel.ParseSetupHeader(f); err == nil {
		t.Fatal("expected rejection of unsupported version")
	}
}

func TestParseSetupHeaderRejectsNonRelocatable(t *testing.T) {
	data := buildImage(func(h *kernel.SetupHeader) { h.RelocatableKernel = 0 })
	vol := simfw.NewMemVolume("dev", map[string][]byte{"bzImage": data})
	f, _ := vol.Open("bzImage")
	if _, err := kernel.ParseSetupHeader(f); err == nil {
		t.Fatal("expected rejection of non-relocatable kernel")
	}
}

func TestSupportsPreferredAddress(t *testing.T) {
	old := openImage(t, buildImage(func(h *kernel.SetupHeader) { h.Version = 0x209 }))
	if old.SupportsPreferredAddress() {
		t.Fatal("version 0x209 should not support preferred address")
	}

	new := openImage(t, buildImage(func(h *kernel.SetupHeader) { h.Version = 0x20a }))
	if !new.SupportsPreferredAddress() {
		t.Fatal("version 0x20a should support preferred address")
	}
}
