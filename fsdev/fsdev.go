// Package fsdev implements the filesystem facade (spec.md §4.3): enumerating
// filesystem-capable handles, resolving "<device>:<path>" names against
// them, and the thin read/seek/size/close wrappers over the firmware file
// protocol. Device resolution follows original_source/fs/fs.c's file_open
// generalized from "match one device" to "match by index, device-path
// string, or the loader's own device".
package fsdev

import (
	"strconv"
	"strings"

	"efilinux/efistatus"
	"efilinux/internal/firmware"
)

// entry pairs a firmware handle with its opened root volume.
type entry struct {
	handle firmware.Handle
	volume firmware.Volume
}

// Table is the ordered, index-addressable filesystem-device table that
// lives from init through kernel jump.
type Table struct {
	bs      firmware.BootServices
	entries []entry
	ownIdx  int // index of the device the loader itself was loaded from
}

// Init locates every handle exposing the simple file-system protocol, opens
// each volume's root directory, and records (handle, root) in index order.
// ownDevicePath identifies which entry is "the device that loaded the
// current image" for the empty-prefix resolution rule.
func Init(bs firmware.BootServices, ownDevicePath string) (*Table, error) {
	handles, err := bs.LocateHandlesByProtocol(firmware.SimpleFileSystemProtocol)
	if err != nil {
		return nil, efistatus.Wrap(efistatus.NotFound, "no devices support filesystems", err)
	}

	t := &Table{bs: bs, ownIdx: -1}
	for _, h := range handles {
		proto, err := bs.HandleProtocol(h, firmware.SimpleFileSystemProtocol)
		if err != nil {
			continue
		}
		vol, ok := proto.(firmware.Volume)
		if !ok {
			continue
		}
		if t.ownIdx == -1 && vol.DevicePath() == ownDevicePath {
			t.ownIdx = len(t.entries)
		}
		t.entries = append(t.entries, entry{handle: h, volume: vol})
	}
	if len(t.entries) == 0 {
		return nil, efistatus.New(efistatus.NotFound, "no devices support filesystems")
	}
	if t.ownIdx == -1 {
		t.ownIdx = 0
	}
	return t, nil
}

// OwnIndex is the table index of the device the loader itself was loaded
// from, for callers building a "<dev-index>:<path>" name (e.g. the config
// file's own-directory lookup).
func (t *Table) OwnIndex() int { return t.ownIdx }

// resolve splits "<prefix>:<path>" per spec.md §4.3 / §6 device naming and
// returns the matched volume and the stripped path.
func (t *Table) resolve(name string) (firmware.Volume, string, error) {
	if name == "" {
		return nil, "", efistatus.New(efistatus.InvalidParameter, "empty file name")
	}

	colon := strings.IndexByte(name, ':')
	var prefix, rest string
	if colon == -1 {
		prefix, rest = "", name
	} else {
		prefix, rest = name[:colon], name[colon+1:]
	}

	var vol firmware.Volume
	switch {
	case prefix == "":
		vol = t.entries[t.ownIdx].volume
	case isDecimal(prefix):
		idx, _ := strconv.Atoi(prefix)
		if idx < 0 || idx >= len(t.entries) {
			return nil, "", efistatus.New(efistatus.NotFound, "no such device index: "+prefix)
		}
		vol = t.entries[idx].volume
	default:
		for _, e := range t.entries {
			if strings.EqualFold(e.volume.DevicePath(), prefix) {
				vol = e.volume
				break
			}
		}
		if vol == nil {
			return nil, "", efistatus.New(efistatus.NotFound, "no such device: "+prefix)
		}
	}

	// Skip consecutive ':' and '\' after the prefix.
	rest = strings.TrimLeft(rest, ":\\")
	return vol, rest, nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Open resolves name and opens the file read-only.
func (t *Table) Open(name string) (firmware.FileProtocol, error) {
	vol, path, err := t.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := vol.Open(path)
	if err != nil {
		return nil, efistatus.Wrap(efistatus.NotFound, "unable to open file \""+name+"\"", err)
	}
	return f, nil
}

// List returns "index. device-path" for every entry (the "-l" CLI flag).
func (t *Table) List() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = strconv.Itoa(i) + ". \"" + e.volume.DevicePath() + "\""
	}
	return out
}

// CloseAll closes every root volume handle without freeing the table, so
// file I/O can be cut off ahead of exiting boot services while device
// naming (e.g. for a later log line) still works.
func (t *Table) CloseAll() error {
	var firstErr error
	for _, e := range t.entries {
		if err := e.volume.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Exit closes every volume and discards the table.
func (t *Table) Exit() error {
	err := t.CloseAll()
	t.entries = nil
	return err
}
