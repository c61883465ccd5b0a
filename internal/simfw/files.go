package simfw

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/edsrzf/mmap-go"

	"efilinux/efistatus"
	"efilinux/internal/firmware"
	"efilinux/internal/simfw/stub"
)

// memFile is a firmware.FileProtocol over an in-memory byte slice, for
// fixtures built directly in test code.
type memFile struct {
	data []byte
	pos  int64
}

func (f *memFile) Read(n int) ([]byte, error) {
	if f.pos+int64(n) > int64(len(f.data)) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	copy(b, f.data[f.pos:f.pos+int64(n)])
	f.pos += int64(n)
	return b, nil
}

func (f *memFile) Seek(offset uint64) error {
	f.pos = int64(offset)
	return nil
}

func (f *memFile) Size() (uint64, error) { return uint64(len(f.data)), nil }
func (f *memFile) Close() error          { return nil }
func (f *memFile) Raw() []byte           { return f.data }

// MemVolume is a Volume backed by an in-memory name->bytes table, the
// "in-memory files" half of spec.md §8's firmware emulator.
type MemVolume struct {
	devicePath string
	files      map[string][]byte
	closed     bool
}

// NewMemVolume builds a volume exposing files under devicePath, matched
// case-insensitively the way FAT firmware volumes do.
func NewMemVolume(devicePath string, files map[string][]byte) *MemVolume {
	return &MemVolume{devicePath: devicePath, files: files}
}

func (v *MemVolume) DevicePath() string { return v.devicePath }

func (v *MemVolume) Open(path string) (firmware.FileProtocol, error) {
	if v.closed {
		return nil, efistatus.New(efistatus.NotFound, "volume closed")
	}
	for name, data := range v.files {
		if strings.EqualFold(name, path) {
			return &memFile{data: data}, nil
		}
	}
	return nil, efistatus.New(efistatus.NotFound, "no such file: "+path)
}

func (v *MemVolume) Close() error {
	v.closed = true
	return nil
}

// hostFile mmaps a real on-disk file read-only, mirroring the teacher's use
// of edsrzf/mmap-go for zero-copy reads over boot-image files.
type hostFile struct {
	f   *os.File
	m   mmap.MMap
	pos int64
}

func openHostFile(path string) (*hostFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &hostFile{f: f, m: m}, nil
}

func (f *hostFile) Read(n int) ([]byte, error) {
	if f.pos+int64(n) > int64(len(f.m)) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	copy(b, f.m[f.pos:f.pos+int64(n)])
	f.pos += int64(n)
	return b, nil
}

func (f *hostFile) Seek(offset uint64) error {
	f.pos = int64(offset)
	return nil
}

func (f *hostFile) Size() (uint64, error) { return uint64(len(f.m)), nil }
func (f *hostFile) Raw() []byte           { return f.m }

func (f *hostFile) Close() error {
	err := f.m.Unmap()
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// HostVolume exposes one real host directory as a firmware volume, for
// running the loader's packages against real kernel/initrd files outside
// of actual UEFI firmware. Its device path is synthesised from the
// directory's stat(2) device number (major:minor), the same pair the
// teacher's Android device-node handling decodes host files by.
type HostVolume struct {
	root       string
	devicePath string
}

// NewHostVolume stats dir to build a synthetic device path and returns a
// Volume rooted there.
func NewHostVolume(dir string) (*HostVolume, error) {
	devPath := "HD(0,0)"
	if dev, err := stub.Stat(dir); err == nil {
		devPath = fmt.Sprintf("HD(%d,%d)", stub.Major(dev), stub.Minor(dev))
	}
	return &HostVolume{root: dir, devicePath: devPath}, nil
}

func (v *HostVolume) DevicePath() string { return v.devicePath }

func (v *HostVolume) Open(path string) (firmware.FileProtocol, error) {
	full := v.root + string(os.PathSeparator) + strings.ReplaceAll(path, "\\", string(os.PathSeparator))
	hf, err := openHostFile(full)
	if err != nil {
		return nil, efistatus.Wrap(efistatus.NotFound, "unable to open "+path, err)
	}
	return hf, nil
}

func (v *HostVolume) Close() error { return nil }
