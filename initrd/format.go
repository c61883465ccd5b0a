// Format detection and transparent decompression for staged initrd blobs.
// Ported from the teacher's format.go/compress.go (CheckFmt/NewDecoder):
// same magic-byte table, same decoder selection, narrowed to the formats a
// Linux initrd actually ships in and to decode-only (this loader never
// produces compressed output).
package initrd

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

type compressionFormat int

const (
	formatNone compressionFormat = iota
	formatGzip
	formatXZ
	formatLZMA
	formatBZIP2
	formatLZ4
)

var (
	gzip1Magic   = []byte{0x1f, 0x8b}
	xzMagic      = []byte{0xfd, '7', 'z', 'X', 'Z'}
	bzipMagic    = []byte("BZh")
	lz4Magic1    = []byte{0x04, 0x22, 0x4d, 0x18}
	lz4LegMagic  = []byte{0x02, 0x21, 0x4c, 0x18}
)

func detectFormat(buf []byte) compressionFormat {
	hasPrefix := func(p []byte) bool {
		return len(buf) >= len(p) && bytes.Equal(buf[:len(p)], p)
	}

	switch {
	case hasPrefix(gzip1Magic):
		return formatGzip
	case hasPrefix(xzMagic):
		return formatXZ
	case len(buf) >= 13 && buf[0] == 0x5d && buf[1] == 0x00 && buf[2] == 0x00 && (buf[12] == 0xff || buf[12] == 0x00):
		return formatLZMA
	case hasPrefix(bzipMagic):
		return formatBZIP2
	case hasPrefix(lz4Magic1), hasPrefix(lz4LegMagic):
		return formatLZ4
	default:
		return formatNone
	}
}

// decompressIfNeeded inflates data if it is recognised as one of the
// compressed formats a Linux initrd is commonly packaged in; otherwise it
// returns data unchanged (the common case: a plain cpio archive).
func decompressIfNeeded(data []byte) ([]byte, error) {
	switch detectFormat(data) {
	case formatGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case formatXZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	case formatLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	case formatBZIP2:
		return io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
	case formatLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return data, nil
	}
}
