// Package initrd implements command-line initrd parsing and staging
// (spec.md §4.5): scanning "initrd=" occurrences, opening each file,
// concatenating them into one contiguous buffer below the kernel's ramdisk
// ceiling. Ported from original_source/loaders/bzimage/bzimage.c's
// parse_initrd.
package initrd

import (
	"log"
	"strings"

	"github.com/dustin/go-humanize"

	"efilinux/alloc"
	"efilinux/fsdev"
	"efilinux/internal/firmware"
	"efilinux/kernel"
)

const marker = "initrd="

// Names returns the ordered list of filenames following each "initrd="
// occurrence in cmdline, terminated by a space or end-of-string.
func Names(cmdline string) []string {
	var names []string
	rest := cmdline
	for {
		idx := strings.Index(rest, marker)
		if idx == -1 {
			break
		}
		rest = rest[idx+len(marker):]
		end := strings.IndexByte(rest, ' ')
		if end == -1 {
			names = append(names, rest)
			break
		}
		names = append(names, rest[:end])
		rest = rest[end:]
	}
	return names
}

// Stage implements spec.md §4.5's algorithm: open every initrd= file named
// in cmdline, decompress any that are recognisably compressed (a
// supplement over the original, which never decompresses initrds), and
// concatenate them into one emalloc'd buffer below hdr.RamdiskMax.
//
// On success it sets hdr.RamdiskStart/RamdiskLen. On any failure, including
// the ramdisk address exceeding hdr.RamdiskMax, it releases whatever it
// allocated and leaves RamdiskStart/RamdiskLen at zero — initrd failure is
// non-fatal to the overall boot (spec.md §9 Open Questions: preserved as
// documented best-effort behaviour).
func Stage(cmdline string, fs *fsdev.Table, a *alloc.Allocator, bs firmware.BootServices, hdr *kernel.SetupHeader) error {
	hdr.RamdiskStart = 0
	hdr.RamdiskLen = 0

	names := Names(cmdline)
	if len(names) == 0 {
		return nil
	}

	buffers := make([][]byte, 0, len(names))
	var total uint64

	for _, name := range names {
		f, err := fs.Open(name)
		if err != nil {
			return err
		}
		size, err := f.Size()
		if err != nil {
			f.Close()
			return err
		}
		raw, err := f.Read(int(size))
		f.Close()
		if err != nil {
			return err
		}
		data, err := decompressIfNeeded(raw)
		if err != nil {
			// A recognised-but-corrupt compressed stream: fall back to
			// staging it verbatim rather than aborting the whole boot.
			data = raw
		}
		buffers = append(buffers, data)
		total += uint64(len(data))

		if entries := cpioEntries(data); len(entries) > 0 {
			log.Printf("initrd %s: %s, %d entries", name, humanize.Bytes(uint64(len(data))), len(entries))
		} else {
			log.Printf("initrd %s: %s", name, humanize.Bytes(uint64(len(data))))
		}
	}

	addr, err := a.EMalloc(total, 0x1000, alloc.NoCeiling)
	if err != nil {
		return err
	}
	if hdr.RamdiskMax != 0 && addr > uint64(hdr.RamdiskMax) {
		log.Printf("ramdisk address is too high!")
		_ = a.EFree(addr, total)
		return nil
	}

	offset := addr
	for _, data := range buffers {
		if err := bs.WritePhysical(offset, data); err != nil {
			_ = a.EFree(addr, total)
			return err
		}
		offset += uint64(len(data))
	}

	hdr.RamdiskStart = uint32(addr)
	hdr.RamdiskLen = uint32(total)
	return nil
}
