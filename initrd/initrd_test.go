package initrd_test

import (
	"bytes"
	"testing"

	"efilinux/alloc"
	"efilinux/fsdev"
	"efilinux/initrd"
	"efilinux/internal/simfw"
	"efilinux/kernel"
)

func TestNamesParsesMultipleOccurrences(t *testing.T) {
	got := initrd.Names("foo initrd=a.img bar initrd=b.img baz")
	want := []string{"a.img", "b.img"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNamesHandlesTrailingOccurrence(t *testing.T) {
	got := initrd.Names("foo initrd=only.img")
	if len(got) != 1 || got[0] != "only.img" {
		t.Fatalf("got %v, want [only.img]", got)
	}
}

func newFixture(t *testing.T, files map[string][]byte) (*fsdev.Table, *alloc.Allocator, *simfw.Firmware) {
	t.Helper()
	fw := simfw.NewFlat(16<<20, 0)
	fw.AddVolume(simfw.NewMemVolume("dev0", files))
	fs, err := fsdev.Init(fw, "dev0")
	if err != nil {
		t.Fatalf("fsdev.Init failed: %v", err)
	}
	return fs, alloc.New(fw), fw
}

// S5: cmdline = "foo initrd=a.img bar initrd=b.img"; staged region is the
// exact concatenation of a.img then b.img.
func TestStageConcatenatesExactly(t *testing.T) {
	a := bytes.Repeat([]byte{0x11}, 100)
	b := bytes.Repeat([]byte{0x22}, 200)
	fs, allocator, fw := newFixture(t, map[string][]byte{"a.img": a, "b.img": b})

	hdr := &kernel.SetupHeader{RamdiskMax: 0xFFFFFFFF}
	if err := initrd.Stage("foo initrd=a.img bar initrd=b.img", fs, allocator, fw, hdr); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if hdr.RamdiskLen != uint32(len(a)+len(b)) {
		t.Fatalf("RamdiskLen = %d, want %d", hdr.RamdiskLen, len(a)+len(b))
	}

	staged, err := fw.ReadPhysical(uint64(hdr.RamdiskStart), int(hdr.RamdiskLen))
	if err != nil {
		t.Fatalf("ReadPhysical failed: %v", err)
	}
	want := append(append([]byte{}, a...), b...)
	if !bytes.Equal(staged, want) {
		t.Fatalf("staged bytes do not match exact concatenation")
	}
}

// Property 8: if emalloc's result exceeds hdr.RamdiskMax, ramdisk_start and
// ramdisk_len are left at zero.
func TestStageAbortsAboveRamdiskCeiling(t *testing.T) {
	data := bytes.Repeat([]byte{0xAA}, 64)
	fs, allocator, fw := newFixture(t, map[string][]byte{"a.img": data})

	hdr := &kernel.SetupHeader{RamdiskMax: 1} // unattainable: the allocator can never place below 1 MiB
	if err := initrd.Stage("initrd=a.img", fs, allocator, fw, hdr); err != nil {
		t.Fatalf("Stage should not fail the overall boot: %v", err)
	}
	if hdr.RamdiskStart != 0 || hdr.RamdiskLen != 0 {
		t.Fatalf("expected zeroed ramdisk fields, got start=%#x len=%d", hdr.RamdiskStart, hdr.RamdiskLen)
	}
}

func TestStageNoopWithoutInitrdArgument(t *testing.T) {
	fs, allocator, fw := newFixture(t, map[string][]byte{})
	hdr := &kernel.SetupHeader{RamdiskMax: 0xFFFFFFFF}
	if err := initrd.Stage("root=/dev/sda1", fs, allocator, fw, hdr); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if hdr.RamdiskStart != 0 || hdr.RamdiskLen != 0 {
		t.Fatal("expected no staging without an initrd= argument")
	}
}
