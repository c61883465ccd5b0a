//go:build !windows
// +build !windows

// Package stub exposes the host device-number decoding simfw's hostfs
// volumes use to synthesise an EFI-looking device path from a real
// directory's stat(2) st_dev, split by platform the way the teacher keeps
// its Android device-node syscalls out of non-unix builds.
package stub

import (
	"golang.org/x/sys/unix"
)

func Major(dev uint64) uint32 {
	return unix.Major(dev)
}

func Minor(dev uint64) uint32 {
	return unix.Minor(dev)
}

func Stat(path string) (dev uint64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}
