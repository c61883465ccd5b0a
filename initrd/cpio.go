// A read-only "newc" cpio archive lister, used to log what ended up in a
// staged initrd for diagnostics. Ported from the teacher's
// cpio/cpio.go (Cpio.LoadFromData): same header struct and decimal-hex
// field decoding, stripped of every mutating command (add/rm/mv/backup)
// since this loader only ever stages an initrd, never edits one.
package initrd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
)

// cpioHeader is the 110-byte "newc" ASCII header, magic "070701".
type cpioHeader struct {
	Magic     [6]byte
	Ino       [8]byte
	Mode      [8]byte
	UID       [8]byte
	GID       [8]byte
	Nlink     [8]byte
	Mtime     [8]byte
	Filesize  [8]byte
	Devmajor  [8]byte
	Devminor  [8]byte
	Rdevmajor [8]byte
	Rdevminor [8]byte
	Namesize  [8]byte
	Check     [8]byte
}

var newcMagic = []byte("070701")

func x8u(b []byte) (uint32, error) {
	if len(b) != 8 {
		return 0, errors.New("bad cpio header field")
	}
	v, err := strconv.ParseUint(string(b), 16, 32)
	return uint32(v), err
}

func align4(x int) int {
	return (x + 3) &^ 3
}

// cpioEntries lists the entry names (every entry except "." and "..")
// packed in a newc cpio archive.
// Used only for logging; a non-cpio or malformed buffer simply yields no
// entries rather than failing the initrd load.
func cpioEntries(data []byte) []string {
	var names []string
	pos := 0
	hdrSize := binary.Size(cpioHeader{})

	for pos+hdrSize <= len(data) {
		var hdr cpioHeader
		if err := binary.Read(bytes.NewReader(data[pos:pos+hdrSize]), binary.LittleEndian, &hdr); err != nil {
			break
		}
		if !bytes.Equal(hdr.Magic[:], newcMagic) {
			break
		}
		pos += hdrSize

		nameSize, err := x8u(hdr.Namesize[:])
		if err != nil || pos+int(nameSize) > len(data) {
			break
		}
		name := strings.TrimRight(string(data[pos:pos+int(nameSize)]), "\x00")
		pos = align4(pos + int(nameSize))

		if name == "TRAILER!!!" {
			break
		}

		fileSize, err := x8u(hdr.Filesize[:])
		if err != nil || pos+int(fileSize) > len(data) {
			break
		}
		if name != "." && name != ".." {
			names = append(names, name)
		}
		pos = align4(pos + int(fileSize))
	}
	return names
}
